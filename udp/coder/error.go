package coder

import (
	"errors"

	"github.com/plgd-dev/go-coap-engine/message"
)

var (
	// ErrMalformed is wrapped by every error returned from Decode.
	ErrMalformed = message.ErrMalformed

	ErrMessageTruncated      = errors.New("message is truncated")
	ErrMessageInvalidVersion = errors.New("message has invalid version")
)
