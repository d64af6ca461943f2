package message

import "fmt"

// Block Option value is represented: https://tools.ietf.org/html/rfc7959#section-2.2
//  0
//  0 1 2 3 4 5 6 7
// +-+-+-+-+-+-+-+-+
// |  NUM  |M| SZX |
// +-+-+-+-+-+-+-+-+
//  0                   1
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |          NUM          |M| SZX |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//  0                   1                   2
//  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
// |                   NUM                 |M| SZX |
// +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

const (
	// max block size is 3bytes: https://tools.ietf.org/html/rfc7959#section-2.1
	maxBlockValue = 0xffffff
	// maxBlockNumber is 20bits (NUM)
	maxBlockNumber = 0xfffff
	// moreBlocksFollowingMask is represented by one bit (M)
	moreBlocksFollowingMask = 0x8
	// szxMask last 3bits represents SZX (SZX)
	szxMask = 0x7
)

// SZX enum representation for the size of the block: https://tools.ietf.org/html/rfc7959#section-2.2
type SZX uint8

const (
	// SZX16 block of size 16bytes
	SZX16 SZX = 0
	// SZX32 block of size 32bytes
	SZX32 SZX = 1
	// SZX64 block of size 64bytes
	SZX64 SZX = 2
	// SZX128 block of size 128bytes
	SZX128 SZX = 3
	// SZX256 block of size 256bytes
	SZX256 SZX = 4
	// SZX512 block of size 512bytes
	SZX512 SZX = 5
	// SZX1024 block of size 1024bytes
	SZX1024 SZX = 6
	// SZXBERT block of size n*1024bytes
	SZXBERT SZX = 7
)

// Size number of bytes. For BERT it is the unit size.
func (s SZX) Size() int {
	if s > SZXBERT {
		return -1
	}
	if s == SZXBERT {
		return 1024
	}
	return 1 << (uint(s) + 4)
}

// BERT reports whether s selects BERT blocks (RFC 8323).
func (s SZX) BERT() bool {
	return s == SZXBERT
}

// SZXFromSize returns the largest non BERT SZX whose size does not exceed size.
func SZXFromSize(size int) (SZX, error) {
	if size < 16 {
		return 0, fmt.Errorf("block size %v: %w", size, ErrInvalidBlockOption)
	}
	szx := SZX16
	for szx < SZX1024 && (szx+1).Size() <= size {
		szx++
	}
	return szx, nil
}

// BlockOption is the decoded value of Block1 or Block2.
type BlockOption struct {
	Num  uint32
	More bool
	SZX  SZX
}

func (b BlockOption) BERT() bool {
	return b.SZX.BERT()
}

// Offset is the byte position of the block within the body.
func (b BlockOption) Offset() int {
	return int(b.Num) * b.SZX.Size()
}

func (b BlockOption) String() string {
	return fmt.Sprintf("%v/%v/%v", b.Num, b.More, b.SZX.Size())
}

// Encode encodes block values to coap option value.
func (b BlockOption) Encode() (uint32, error) {
	if b.SZX > SZXBERT {
		return 0, fmt.Errorf("szx %v: %w", b.SZX, ErrInvalidBlockOption)
	}
	if b.Num > maxBlockNumber {
		return 0, fmt.Errorf("block number %v: %w", b.Num, ErrInvalidBlockOption)
	}
	v := b.Num<<4 | uint32(b.SZX)
	if b.More {
		v |= moreBlocksFollowingMask
	}
	return v, nil
}

// DecodeBlockOption decodes coap block option value.
func DecodeBlockOption(v uint32) (BlockOption, error) {
	if v > maxBlockValue {
		return BlockOption{}, fmt.Errorf("block value %v: %w", v, ErrInvalidBlockOption)
	}
	return BlockOption{
		Num:  v >> 4,
		More: v&moreBlocksFollowingMask != 0,
		SZX:  SZX(v & szxMask),
	}, nil
}
