// Package blockwise fragments and reassembles bodies larger than one message
// (RFC 7959), including BERT blocks for stream transports (RFC 8323).
package blockwise

import (
	"fmt"
	"time"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/net/capabilities"
	pkgRand "github.com/plgd-dev/go-coap-engine/pkg/rand"
	"go.uber.org/atomic"
)

// blockLength is the number of payload bytes a single message carries for szx.
func blockLength(szx message.SZX, maxPayload int) int {
	if !szx.BERT() {
		return szx.Size()
	}
	n := maxPayload / 1024 * 1024
	if n < 1024 {
		return 1024
	}
	return n
}

// blockPayload returns the slice of body addressed by b and whether more
// bytes follow it.
func blockPayload(body []byte, b message.BlockOption, maxPayload int) ([]byte, bool) {
	start := b.Offset()
	if start >= len(body) {
		return nil, false
	}
	end := start + blockLength(b.SZX, maxPayload)
	if end >= len(body) {
		return body[start:], false
	}
	return body[start:end], true
}

// validateBlock checks a received payload against its block option. An
// intermediate block carries exactly the block size (BERT: a positive multiple
// of 1024). A final block carries at most the block size (BERT: anything).
func validateBlock(payload []byte, b message.BlockOption) error {
	size := b.SZX.Size()
	if b.More {
		if b.BERT() {
			if len(payload) == 0 || len(payload)%size != 0 {
				return fmt.Errorf("%w: BERT block %v with %v bytes", ErrBlockMismatch, b, len(payload))
			}
			return nil
		}
		if len(payload) != size {
			return fmt.Errorf("%w: block %v with %v bytes", ErrBlockMismatch, b, len(payload))
		}
		return nil
	}
	if !b.BERT() && len(payload) > size {
		return fmt.Errorf("%w: last block %v with %v bytes", ErrBlockMismatch, b, len(payload))
	}
	return nil
}

// smallerSZX returns the smaller of the two block sizes, BERT being the largest.
func smallerSZX(a, b message.SZX) message.SZX {
	if a < b {
		return a
	}
	return b
}

// FirstBlock replaces the body of a response with its first Block2 fragment
// when the peer cannot take it in one message. Size2 carries the full length
// and an ETag is added so that the remaining blocks can be validated.
func FirstBlock(resp message.Response, caps capabilities.Capabilities) message.Response {
	body := resp.Payload()
	if !caps.UseBlockwise(len(body)) {
		return resp
	}
	b := message.BlockOption{SZX: caps.SZX()}
	part, more := blockPayload(body, b, caps.MaxOutboundPayload())
	b.More = more
	opts := resp.Options().Remove(message.Block1).Remove(message.Size1).SetUint32(message.Size2, uint32(len(body)))
	opts, err := opts.SetBlock2(b)
	if err != nil {
		return resp
	}
	if !opts.HasOption(message.ETag) {
		opts = opts.SetBytes(message.ETag, message.CalcETag(body))
	}
	return resp.WithOptions(opts).WithPayload(part)
}

// RequestTagSupplier hands out Request-Tag values (RFC 9175) that keep the
// blocks of one request body together.
type RequestTagSupplier interface {
	Next() []byte
}

// SequentialRequestTags is a counter starting at a random value.
type SequentialRequestTags struct {
	current atomic.Uint32
}

func NewSequentialRequestTags() *SequentialRequestTags {
	s := &SequentialRequestTags{}
	s.current.Store(uint32(pkgRand.NewRand(time.Now().UnixNano()).Int63n(0xffff)))
	return s
}

func (s *SequentialRequestTags) Next() []byte {
	return message.TokenFromUint64(uint64(s.current.Inc()))
}
