package net

import (
	"context"
	"errors"
	"net"

	"github.com/plgd-dev/go-coap-engine/message/transportctx"
)

var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrInvalidPeer      = errors.New("invalid peer address")
	ErrDatagramTooLarge = errors.New("datagram is too large")
)

// Datagram is one unit exchanged with a transport: a packet for datagram
// transports and one complete frame for stream transports.
type Datagram struct {
	Data    []byte
	Peer    net.Addr
	Context transportctx.Context
}

// Transport moves raw CoAP messages between the messaging layer and the network.
//
// Receive blocks until a datagram arrives, ctx is done or the transport stops.
// Send and Receive may be called concurrently.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, d Datagram) error
	Receive(ctx context.Context) (Datagram, error)
	LocalAddr() net.Addr
}

// PeerKey returns the string used to key per-peer state.
func PeerKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// datagramQueue hands datagrams from reader goroutines to Receive.
type datagramQueue struct {
	ch   chan Datagram
	done chan struct{}
}

func newDatagramQueue(size int) datagramQueue {
	return datagramQueue{
		ch:   make(chan Datagram, size),
		done: make(chan struct{}),
	}
}

func (q datagramQueue) push(d Datagram) bool {
	select {
	case q.ch <- d:
		return true
	case <-q.done:
		return false
	}
}

func (q datagramQueue) pop(ctx context.Context) (Datagram, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case <-q.done:
		return Datagram{}, ErrTransportClosed
	}
}

func (q datagramQueue) close() {
	close(q.done)
}
