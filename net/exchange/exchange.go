// Package exchange correlates outbound requests with their responses.
package exchange

import (
	"context"
	"fmt"
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	"github.com/plgd-dev/go-coap-engine/pkg/fn"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// Key identifies an exchange by token and peer. For stream transports the
// peer is the connection's remote address.
type Key struct {
	Token string
	Peer  string
}

func KeyOf(token message.Token, peer net.Addr) Key {
	k := Key{Token: token.Hash()}
	if peer != nil {
		k.Peer = peer.String()
	}
	return k
}

// Exchange is a pending request. It completes exactly once, with a response
// or an error.
type Exchange struct {
	key     Key
	token   message.Token
	peer    net.Addr
	tracker *Tracker

	completed  atomic.Bool
	done       chan struct{}
	resp       message.Message
	err        error
	onComplete fn.OnceList
}

func (e *Exchange) Key() Key {
	return e.key
}

func (e *Exchange) Token() message.Token {
	return e.token
}

func (e *Exchange) Peer() net.Addr {
	return e.peer
}

// Done is closed when the exchange completes.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// OnComplete registers f to run once after completion. If the exchange already
// completed, f runs immediately.
func (e *Exchange) OnComplete(f func()) {
	e.onComplete.Add(f)
}

// Wait blocks until the exchange completes or ctx is done. When ctx ends
// first the exchange is cancelled.
func (e *Exchange) Wait(ctx context.Context) (message.Message, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		e.tracker.complete(e, message.Message{}, ctx.Err())
		<-e.done
		return e.resp, e.err
	}
}

// Result returns the outcome. It must be called only after Done is closed.
func (e *Exchange) Result() (message.Message, error) {
	return e.resp, e.err
}

// Tracker is the table of pending exchanges.
type Tracker struct {
	exchanges *coapSync.Map[Key, *Exchange]
	closed    atomic.Bool
	closeErr  atomic.Error
}

func New() *Tracker {
	return &Tracker{
		exchanges: coapSync.NewMap[Key, *Exchange](),
	}
}

// Register creates a pending exchange. A second exchange with the same token
// and peer is rejected with ErrKeyAlreadyExists.
func (t *Tracker) Register(token message.Token, peer net.Addr) (*Exchange, error) {
	if t.closed.Load() {
		return nil, t.closeErr.Load()
	}
	e := &Exchange{
		key:     KeyOf(token, peer),
		token:   token,
		peer:    peer,
		tracker: t,
		done:    make(chan struct{}),
	}
	if !t.exchanges.StoreIfAbsent(e.key, e) {
		return nil, fmt.Errorf("cannot register exchange for token %v: %w", token, coapErrors.ErrKeyAlreadyExists)
	}
	if t.closed.Load() {
		t.complete(e, message.Message{}, t.closeErr.Load())
		return nil, t.closeErr.Load()
	}
	return e, nil
}

// Load returns the pending exchange for token and peer.
func (t *Tracker) Load(token message.Token, peer net.Addr) (*Exchange, bool) {
	return t.exchanges.Load(KeyOf(token, peer))
}

// Resolve completes the exchange matching the response token and peer. It
// reports false for orphans and for responses to already completed exchanges.
func (t *Tracker) Resolve(resp message.Message, peer net.Addr) bool {
	e, ok := t.exchanges.Load(KeyOf(resp.Token, peer))
	if !ok {
		return false
	}
	return t.complete(e, resp, nil)
}

// Cancel completes the exchange with context.Canceled.
func (t *Tracker) Cancel(e *Exchange) bool {
	return t.complete(e, message.Message{}, context.Canceled)
}

// Fail completes the exchange with err.
func (t *Tracker) Fail(e *Exchange, err error) bool {
	return t.complete(e, message.Message{}, err)
}

// Abort fails every exchange pending with peer and returns how many there were.
func (t *Tracker) Abort(peer net.Addr, err error) int {
	p := ""
	if peer != nil {
		p = peer.String()
	}
	pending := t.exchanges.PullOutMatching(func(k Key, _ *Exchange) bool {
		return k.Peer == p
	})
	n := 0
	for _, e := range pending {
		if t.complete(e, message.Message{}, err) {
			n++
		}
	}
	return n
}

// Close fails all pending exchanges with err and rejects new registrations.
func (t *Tracker) Close(err error) {
	if err == nil {
		err = coapErrors.ErrServerStopped
	}
	t.closeErr.Store(err)
	t.closed.Store(true)
	for _, e := range t.exchanges.PullOutAll() {
		t.complete(e, message.Message{}, err)
	}
}

// Len returns number of pending exchanges.
func (t *Tracker) Len() int {
	return t.exchanges.Length()
}

func (t *Tracker) complete(e *Exchange, resp message.Message, err error) bool {
	if !e.completed.CompareAndSwap(false, true) {
		return false
	}
	t.exchanges.DeleteIf(e.key, func(v *Exchange) bool { return v == e })
	e.resp = resp
	e.err = err
	close(e.done)
	e.onComplete.Execute()
	return true
}
