// Package transmission retransmits confirmable messages until they are
// acknowledged or the retransmission budget is spent.
package transmission

import (
	"net"
	"sync"
	"time"

	pkgRand "github.com/plgd-dev/go-coap-engine/pkg/rand"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

type State int32

const (
	Sent State = iota
	Done
	GivenUp
)

func (s State) String() string {
	switch s {
	case Sent:
		return "sent"
	case Done:
		return "done"
	case GivenUp:
		return "given up"
	}
	return "unknown"
}

type Params struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
}

// Controller schedules retransmissions on runtime timers, independent of the
// receive loop.
type Controller struct {
	params Params
	rand   *pkgRand.Rand
}

func New(params Params) *Controller {
	if params.AckRandomFactor < 1 {
		params.AckRandomFactor = 1
	}
	return &Controller{
		params: params,
		rand:   pkgRand.NewRand(time.Now().UnixNano()),
	}
}

// InitialTimeout returns a random timeout in [AckTimeout, AckTimeout*AckRandomFactor].
func (c *Controller) InitialTimeout() time.Duration {
	spread := float64(c.params.AckTimeout) * (c.params.AckRandomFactor - 1)
	return c.params.AckTimeout + time.Duration(c.rand.Float64()*spread)
}

// Start arms the retransmission timer for a message whose first copy is being
// sent. Every expiry resends through send and doubles the timeout. After
// MaxRetransmit resends the next expiry calls onGiveUp.
func (c *Controller) Start(send func() error, onGiveUp func()) *Handle {
	h := &Handle{
		send:          send,
		onGiveUp:      onGiveUp,
		maxRetransmit: c.params.MaxRetransmit,
		timeout:       c.InitialTimeout(),
	}
	h.transmissions.Store(1)
	h.mutex.Lock()
	h.timer = time.AfterFunc(h.timeout, h.fire)
	h.mutex.Unlock()
	return h
}

// Handle is the retransmission state of one confirmable message.
type Handle struct {
	mutex         sync.Mutex
	state         State
	timer         *time.Timer
	timeout       time.Duration
	maxRetransmit int
	send          func() error
	onGiveUp      func()
	transmissions atomic.Int32
	lastErr       atomic.Error
}

func (h *Handle) fire() {
	h.mutex.Lock()
	if h.state != Sent {
		h.mutex.Unlock()
		return
	}
	if int(h.transmissions.Load())-1 >= h.maxRetransmit {
		h.state = GivenUp
		h.mutex.Unlock()
		if h.onGiveUp != nil {
			h.onGiveUp()
		}
		return
	}
	h.transmissions.Inc()
	h.timeout *= 2
	h.timer.Reset(h.timeout)
	h.mutex.Unlock()
	if err := h.send(); err != nil {
		h.lastErr.Store(err)
	}
}

// Cancel stops retransmission. It reports true only for the call that moved
// the handle out of the Sent state.
func (h *Handle) Cancel() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.state != Sent {
		return false
	}
	h.state = Done
	h.timer.Stop()
	return true
}

func (h *Handle) State() State {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.state
}

// Transmissions counts the first send and every resend.
func (h *Handle) Transmissions() int {
	return int(h.transmissions.Load())
}

// LastError returns the last resend error, if any.
func (h *Handle) LastError() error {
	return h.lastErr.Load()
}

type key struct {
	mid  uint16
	peer string
}

type entry struct {
	handle  *Handle
	onAck   func()
	onReset func()
}

// Registry matches ACK and RST messages to the retransmission they stop.
type Registry struct {
	entries *coapSync.Map[key, entry]
}

func NewRegistry() *Registry {
	return &Registry{entries: coapSync.NewMap[key, entry]()}
}

func keyOf(mid int32, peer net.Addr) key {
	k := key{mid: uint16(mid)}
	if peer != nil {
		k.peer = peer.String()
	}
	return k
}

// Register tracks h under the message id and peer. onAck runs when an ACK
// arrives for it and onReset when an RST does. Either may be nil.
func (r *Registry) Register(mid int32, peer net.Addr, h *Handle, onAck, onReset func()) {
	r.entries.Store(keyOf(mid, peer), entry{handle: h, onAck: onAck, onReset: onReset})
}

// Acknowledge stops the retransmission for an ACK and runs its ack callback.
func (r *Registry) Acknowledge(mid int32, peer net.Addr) bool {
	e, ok := r.entries.PullOut(keyOf(mid, peer))
	if !ok {
		return false
	}
	e.handle.Cancel()
	if e.onAck != nil {
		e.onAck()
	}
	return true
}

// Reset stops the retransmission for an RST and runs its reset callback.
func (r *Registry) Reset(mid int32, peer net.Addr) bool {
	e, ok := r.entries.PullOut(keyOf(mid, peer))
	if !ok {
		return false
	}
	e.handle.Cancel()
	if e.onReset != nil {
		e.onReset()
	}
	return true
}

// Cancel stops the retransmission without running any callback.
func (r *Registry) Cancel(mid int32, peer net.Addr) bool {
	e, ok := r.entries.PullOut(keyOf(mid, peer))
	if !ok {
		return false
	}
	return e.handle.Cancel()
}

// Remove forgets the entry without touching its handle.
func (r *Registry) Remove(mid int32, peer net.Addr) {
	r.entries.Delete(keyOf(mid, peer))
}

// CancelAll stops every tracked retransmission.
func (r *Registry) CancelAll() {
	for _, e := range r.entries.PullOutAll() {
		e.handle.Cancel()
	}
}

func (r *Registry) Len() int {
	return r.entries.Length()
}
