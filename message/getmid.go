package message

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	pkgRand "github.com/plgd-dev/go-coap-engine/pkg/rand"
	"go.uber.org/atomic"
)

var weakRng = pkgRand.NewRand(time.Now().UnixNano())

// MessageIDSupplier hands out sequential 16-bit message IDs starting at a random value.
type MessageIDSupplier struct {
	next atomic.Uint32
}

func NewMessageIDSupplier() *MessageIDSupplier {
	s := &MessageIDSupplier{}
	s.next.Store(uint32(RandMID()))
	return s
}

// Next returns a message id for UDP. (0 <= mid <= 65535)
func (s *MessageIDSupplier) Next() int32 {
	return int32(uint16(s.next.Inc()))
}

func RandMID() int32 {
	b := make([]byte, 4)
	_, err := rand.Read(b)
	if err != nil {
		// fallback to cryptographically insecure pseudo-random generator
		return int32(uint16(weakRng.Uint32() >> 16))
	}
	return int32(uint16(binary.BigEndian.Uint32(b)))
}

// ValidateMID validates a message id for UDP. (0 <= mid <= 65535)
func ValidateMID(mid int32) bool {
	return mid >= 0 && mid <= math.MaxUint16
}
