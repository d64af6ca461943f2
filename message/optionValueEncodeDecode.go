package message

import (
	"encoding/binary"
)

// EncodeUint32 writes value using the minimal CoAP uint encoding (0 is encoded as no bytes).
func EncodeUint32(buf []byte, value uint32) (int, error) {
	switch {
	case value == 0:
		return 0, nil
	case value <= max1ByteNumber:
		if len(buf) < 1 {
			return 1, ErrTooSmall
		}
		buf[0] = byte(value)
		return 1, nil
	case value <= max2ByteNumber:
		if len(buf) < 2 {
			return 2, ErrTooSmall
		}
		binary.BigEndian.PutUint16(buf, uint16(value))
		return 2, nil
	case value <= max3ByteNumber:
		if len(buf) < 3 {
			return 3, ErrTooSmall
		}
		var rv [4]byte
		binary.BigEndian.PutUint32(rv[:], value)
		copy(buf, rv[1:])
		return 3, nil
	default:
		if len(buf) < 4 {
			return 4, ErrTooSmall
		}
		binary.BigEndian.PutUint32(buf, value)
		return 4, nil
	}
}

func DecodeUint32(buf []byte) (uint32, int, error) {
	if len(buf) > 4 {
		return 0, 0, ErrInvalidValueLength
	}
	var tmp [4]byte
	copy(tmp[4-len(buf):], buf)
	value := binary.BigEndian.Uint32(tmp[:])
	return value, len(buf), nil
}

func encodeUint32(value uint32) []byte {
	var buf [4]byte
	n, _ := EncodeUint32(buf[:], value)
	return append([]byte(nil), buf[:n]...)
}
