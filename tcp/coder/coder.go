package coder

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
)

var DefaultCoder = new(Coder)

// maxFrameLength keeps lengths representable in 32-bit builds.
const maxFrameLength = 0x7fff0000

// lengthClass is one row of the extended length table of RFC 8323 section
// 3.2: Len nibble, size of the Extended Length field and the value it adds.
type lengthClass struct {
	nibble uint8
	size   int
	base   int
}

var lengthClasses = [...]lengthClass{
	{nibble: 13, size: 1, base: 13},
	{nibble: 14, size: 2, base: 269},
	{nibble: 15, size: 4, base: 65805},
}

func putUint(buf []byte, v uint32) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

func getUint(buf []byte) uint32 {
	var v uint32
	for _, b := range buf {
		v = v<<8 | uint32(b)
	}
	return v
}

// encodeLength returns the Len nibble and the Extended Length field for a
// frame body of n bytes.
func encodeLength(n int) (uint8, []byte, error) {
	if n < lengthClasses[0].base {
		return uint8(n), nil, nil
	}
	if n >= maxFrameLength {
		return 0, nil, ErrMessageTooLarge
	}
	c := lengthClasses[0]
	for _, next := range lengthClasses[1:] {
		if n < next.base {
			break
		}
		c = next
	}
	ext := make([]byte, c.size)
	putUint(ext, uint32(n-c.base))
	return c.nibble, ext, nil
}

// decodeLength resolves the body length from the Len nibble and the bytes
// following the first header byte. It returns the size of the Extended Length
// field it consumed.
func decodeLength(nibble uint8, data []byte) (int, int, error) {
	if nibble < lengthClasses[0].nibble {
		return int(nibble), 0, nil
	}
	c := lengthClasses[nibble-lengthClasses[0].nibble]
	if len(data) < c.size {
		return 0, 0, message.ErrShortRead
	}
	ext := getUint(data[:c.size])
	if uint64(ext)+uint64(c.base) >= maxFrameLength {
		return 0, 0, fmt.Errorf("%w: %w", ErrMalformed, ErrMessageTooLarge)
	}
	return c.base + int(ext), c.size, nil
}

// Coder encodes and decodes RFC 8323 frames. Messages have no type and no
// message ID; decoded messages carry Unset and -1.
type Coder struct{}

type MessageHeader struct {
	Token         []byte
	Length        uint32
	MessageLength uint32
	Code          codes.Code
}

func (c *Coder) Size(m message.Message) (int, error) {
	size, err := c.Encode(m, nil)
	if errors.Is(err, message.ErrTooSmall) {
		err = nil
	}
	return size, err
}

func (c *Coder) Encode(m message.Message, buf []byte) (int, error) {
	// Len|TKL, Extended Length, Code, Token, Options, 0xff, Payload

	if len(m.Token) > message.MaxTokenSize {
		return -1, message.ErrInvalidTokenLen
	}

	payloadLen := len(m.Payload)
	if payloadLen > 0 {
		// for separator 0xff
		payloadLen++
	}
	optionsLen, err := m.Options.Marshal(nil)
	if err != nil && !errors.Is(err, message.ErrTooSmall) {
		return -1, err
	}
	bufLen := payloadLen + optionsLen
	lenNib, extLenBytes, err := encodeLength(bufLen)
	if err != nil {
		return -1, err
	}

	hdrLen := 1 + len(extLenBytes) + 1 + len(m.Token)
	bufLen += hdrLen
	if len(buf) < bufLen {
		return bufLen, message.ErrTooSmall
	}

	buf[0] = uint8(0xf&len(m.Token)) | (lenNib << 4)
	off := 1
	off += copy(buf[off:], extLenBytes)
	buf[off] = byte(m.Code)
	off++
	off += copy(buf[off:], m.Token)

	optionsLen, err = m.Options.Marshal(buf[off:])
	if err != nil {
		return -1, err
	}
	off += optionsLen
	if len(m.Payload) > 0 {
		buf[off] = 0xff
		copy(buf[off+1:], m.Payload)
	}
	return bufLen, nil
}

// Marshal allocates a buffer of the exact size and encodes m into it.
func (c *Coder) Marshal(m message.Message) ([]byte, error) {
	size, err := c.Size(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := c.Encode(m, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeHeader parses the frame header. It returns message.ErrShortRead when
// data does not yet hold the whole header, so stream readers can wait for more
// bytes. MessageLength is the size of the whole frame.
func (c *Coder) DecodeHeader(data []byte, h *MessageHeader) (int, error) {
	hdrOff := uint32(0)
	if len(data) == 0 {
		return -1, message.ErrShortRead
	}

	firstByte := data[0]
	data = data[1:]
	hdrOff++

	lenNib := (firstByte & 0xf0) >> 4
	tkl := firstByte & 0x0f
	if tkl > message.MaxTokenSize {
		return -1, fmt.Errorf("%w: %w", ErrMalformed, message.ErrInvalidTokenLen)
	}

	opLen, extSize, err := decodeLength(lenNib, data)
	if err != nil {
		return -1, err
	}
	data = data[extSize:]
	hdrOff += uint32(extSize)

	h.MessageLength = hdrOff + 1 + uint32(tkl) + uint32(opLen)
	if len(data) < 1 {
		return -1, message.ErrShortRead
	}
	h.Code = codes.Code(data[0])
	data = data[1:]
	hdrOff++
	if len(data) < int(tkl) {
		return -1, message.ErrShortRead
	}
	h.Token = nil
	if tkl > 0 {
		h.Token = append([]byte(nil), data[:tkl]...)
	}
	hdrOff += uint32(tkl)
	h.Length = hdrOff
	return int(h.Length), nil
}

// DecodeWithHeader decodes the options and payload that follow header. data
// must hold exactly the frame body.
func (c *Coder) DecodeWithHeader(data []byte, header MessageHeader, m *message.Message) (int, error) {
	processed := header.Length
	var options message.Options
	proc, err := options.Unmarshal(data)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	data = data[proc:]
	processed += uint32(proc)

	var payload []byte
	if len(data) > 0 {
		payload = append([]byte(nil), data...)
	}
	processed += uint32(len(data))
	m.Payload = payload
	m.Options = options
	m.Code = header.Code
	m.Token = header.Token
	m.MessageID = -1
	m.Type = message.Unset

	return int(processed), nil
}

// Decode decodes exactly one frame. Trailing bytes after the frame are left
// unprocessed and reflected in the returned count.
func (c *Coder) Decode(data []byte, m *message.Message) (int, error) {
	var header MessageHeader
	_, err := c.DecodeHeader(data, &header)
	if err != nil {
		if errors.Is(err, message.ErrShortRead) {
			return -1, fmt.Errorf("%w: %w", ErrMalformed, ErrMessageTruncated)
		}
		return -1, err
	}
	if uint32(len(data)) < header.MessageLength {
		return -1, fmt.Errorf("%w: %w", ErrMalformed, ErrMessageTruncated)
	}
	return c.DecodeWithHeader(data[header.Length:header.MessageLength], header, m)
}
