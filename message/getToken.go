package message

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"hash/crc64"
)

// MaxTokenSize maximum of token size that can be used in message
const MaxTokenSize = 8

type Token []byte

func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Hash returns a map key for the token.
func (t Token) Hash() string {
	return string(t)
}

// GetToken generates a random token by a given length
func GetToken() (Token, error) {
	b := make(Token, 8)
	_, err := rand.Read(b)
	// Note that err == nil only if we read len(b) bytes.
	if err != nil {
		return nil, err
	}

	return b, nil
}

// TokenFromUint64 encodes v without leading zero bytes.
func TokenFromUint64(v uint64) Token {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	i := 0
	for i < 7 && b[i] == 0 {
		i++
	}
	return append(Token(nil), b[i:]...)
}

var crcTable = crc64.MakeTable(crc64.ISO)

// Calculate ETag from payload via CRC64
func CalcETag(payload []byte) []byte {
	if payload != nil {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, crc64.Checksum(payload, crcTable))
		return b
	}
	return nil
}
