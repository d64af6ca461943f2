package net

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"go.uber.org/atomic"
)

// MemoryAddr addresses one end of an in-memory pair.
type MemoryAddr string

func (a MemoryAddr) Network() string { return "memory" }
func (a MemoryAddr) String() string  { return string(a) }

// MemoryTransport is one end of a connected in-memory datagram link.
type MemoryTransport struct {
	addr   MemoryAddr
	remote *MemoryTransport
	queue  datagramQueue
	closed atomic.Bool

	mutex sync.Mutex
	drop  func(Datagram) bool
}

// NewMemoryPair creates two transports delivering to each other.
func NewMemoryPair(a, b string) (*MemoryTransport, *MemoryTransport) {
	ta := &MemoryTransport{addr: MemoryAddr(a), queue: newDatagramQueue(256)}
	tb := &MemoryTransport{addr: MemoryAddr(b), queue: newDatagramQueue(256)}
	ta.remote = tb
	tb.remote = ta
	return ta, tb
}

// SetDropFilter installs f to inspect every outgoing datagram. Datagrams for
// which f returns true are lost.
func (t *MemoryTransport) SetDropFilter(f func(Datagram) bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.drop = f
}

func (t *MemoryTransport) dropFilter() func(Datagram) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.drop
}

func (t *MemoryTransport) Start(context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return nil
}

func (t *MemoryTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.queue.close()
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, d Datagram) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if d.Peer == nil || d.Peer.String() != t.remote.addr.String() {
		return fmt.Errorf("cannot send to %v: %w", d.Peer, ErrUnknownPeer)
	}
	if drop := t.dropFilter(); drop != nil && drop(d) {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if t.remote.closed.Load() {
		return nil
	}
	t.remote.queue.push(Datagram{
		Data:    append([]byte(nil), d.Data...),
		Peer:    t.addr,
		Context: transportctx.Empty(),
	})
	return nil
}

func (t *MemoryTransport) Receive(ctx context.Context) (Datagram, error) {
	return t.queue.pop(ctx)
}

func (t *MemoryTransport) LocalAddr() net.Addr {
	return t.addr
}
