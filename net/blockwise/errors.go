package blockwise

import (
	"errors"
	"fmt"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
)

var (
	// ErrEntityIncomplete is reported when a block arrives without its predecessors.
	ErrEntityIncomplete = errors.New("request entity incomplete")
	// ErrBlockMismatch is reported when a block payload does not match its block option.
	ErrBlockMismatch = errors.New("block mismatch")
	// ErrEntityChanged is reported when the ETag changes between blocks of one body.
	ErrEntityChanged = errors.New("entity changed during block transfer")
)

// EntityTooLargeError reports a body above the configured ceiling.
type EntityTooLargeError struct {
	MaxSize int
}

func (e *EntityTooLargeError) Error() string {
	return fmt.Sprintf("entity too large, max size %v", e.MaxSize)
}

// Response is 4.13 Request Entity Too Large carrying the ceiling in Size1.
func (e *EntityTooLargeError) Response() message.Response {
	return entityTooLarge(e.MaxSize)
}

func entityTooLarge(maxSize int) message.Response {
	resp := message.NewResponse(codes.RequestEntityTooLarge)
	return resp.WithOptions(resp.Options().SetUint32(message.Size1, uint32(maxSize)))
}
