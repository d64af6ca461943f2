// Package capabilities resolves the transmission parameters negotiated with a peer.
package capabilities

import (
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/pkg/sync"
)

// BaseMaxMessageSize is the message size every peer supports (RFC 8323 section 5.3.1).
const BaseMaxMessageSize = 1152

// Capabilities is an immutable snapshot of what a peer accepts.
type Capabilities struct {
	MaxMessageSize   uint32
	BlockSize        message.SZX
	BlockwiseEnabled bool
	BertEnabled      bool
}

// Base is the profile assumed for peers that never announced anything.
func Base() Capabilities {
	return Capabilities{
		MaxMessageSize:   BaseMaxMessageSize,
		BlockSize:        message.SZX1024,
		BlockwiseEnabled: true,
	}
}

// SZX is the block size exponent to put into block options.
func (c Capabilities) SZX() message.SZX {
	if c.BertEnabled {
		return message.SZXBERT
	}
	return c.BlockSize
}

// MaxOutboundPayload is the payload size of a single outgoing block. With BERT
// it is the largest multiple of 1024 that fits the max message size.
func (c Capabilities) MaxOutboundPayload() int {
	if c.BertEnabled {
		n := int(c.MaxMessageSize) / 1024 * 1024
		if n < 1024 {
			return 1024
		}
		return n
	}
	return c.BlockSize.Size()
}

// UseBlockwise reports whether a body of payloadLen bytes has to be fragmented.
func (c Capabilities) UseBlockwise(payloadLen int) bool {
	return c.BlockwiseEnabled && payloadLen > c.MaxOutboundPayload()
}

type Resolver interface {
	Resolve(peer net.Addr) Capabilities
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(peer net.Addr) Capabilities

func (f ResolverFunc) Resolve(peer net.Addr) Capabilities {
	return f(peer)
}

// Static resolves every peer to the same capabilities.
func Static(c Capabilities) Resolver {
	return ResolverFunc(func(net.Addr) Capabilities { return c })
}

// Storage keeps capabilities per peer and falls back to a base profile.
type Storage struct {
	base  Capabilities
	peers *sync.Map[string, Capabilities]
}

func NewStorage(base Capabilities) *Storage {
	return &Storage{
		base:  base,
		peers: sync.NewMap[string, Capabilities](),
	}
}

func (s *Storage) Resolve(peer net.Addr) Capabilities {
	if peer == nil {
		return s.base
	}
	if c, ok := s.peers.Load(peer.String()); ok {
		return c
	}
	return s.base
}

func (s *Storage) Put(peer net.Addr, c Capabilities) {
	s.peers.Store(peer.String(), c)
}

func (s *Storage) Remove(peer net.Addr) {
	s.peers.Delete(peer.String())
}

// Update applies a CSM signal received from peer. Announced values are
// capped by the local base profile; BERT is used only when both sides
// support block-wise transfers and the message size leaves room for more
// than one 1024 byte block.
func (s *Storage) Update(peer net.Addr, csm message.Message) Capabilities {
	if csm.Code != codes.CSM {
		return s.Resolve(peer)
	}
	c := s.Resolve(peer)
	if v, err := csm.Options.GetUint32(message.MaxMessageSize); err == nil {
		c.MaxMessageSize = v
	}
	if s.base.MaxMessageSize > 0 && c.MaxMessageSize > s.base.MaxMessageSize {
		c.MaxMessageSize = s.base.MaxMessageSize
	}
	c.BlockwiseEnabled = s.base.BlockwiseEnabled && csm.Options.HasOption(message.BlockWiseTransfer)
	c.BertEnabled = c.BlockwiseEnabled && s.base.BertEnabled && c.MaxMessageSize > BaseMaxMessageSize
	s.Put(peer, c)
	return c
}

// CSM builds the CSM signal announcing the base profile.
func (s *Storage) CSM() message.Message {
	opts := message.Options{}.SetUint32(message.MaxMessageSize, s.base.MaxMessageSize)
	if s.base.BlockwiseEnabled {
		opts = opts.Add(message.Option{ID: message.BlockWiseTransfer})
	}
	return message.Message{Code: codes.CSM, Options: opts, MessageID: -1, Type: message.Unset}
}
