// Package deduplication suppresses re-processing of retransmitted confirmable
// messages and replays the reply that was sent for the first copy.
package deduplication

import (
	"container/list"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/pkg/runner/periodic"
	"go.uber.org/atomic"
)

type Kind int

const (
	// Fresh is the first copy of the message; the caller processes it.
	Fresh Kind = iota
	// InProgress is a copy that arrived before the first one was answered; drop it.
	InProgress
	// Duplicate is a copy of an answered message; Result.Reply holds the answer.
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case Fresh:
		return "Fresh"
	case InProgress:
		return "InProgress"
	case Duplicate:
		return "Duplicate"
	}
	return "Unknown"
}

type Result struct {
	Kind  Kind
	Reply message.Message
}

type key struct {
	mid  uint16
	peer string
}

type entry struct {
	key        key
	reply      *message.Message
	validUntil time.Time
}

type Config struct {
	Capacity        int
	TTL             time.Duration
	SweepInterval   time.Duration
	WarningInterval time.Duration
	// OnOverflow decides what happens to a new message when the cache is full.
	// Returning true evicts the oldest entry; false leaves the new message
	// untracked. Nil always evicts. It runs under the detector lock.
	OnOverflow func(peer net.Addr) bool
	// OnDuplicate is called for every detected duplicate.
	OnDuplicate   func(msg message.Message, peer net.Addr)
	LoggerFactory logging.LoggerFactory
}

// Detector is a bounded, TTL based cache keyed by (message ID, peer).
type Detector struct {
	cfg    Config
	log    logging.LeveledLogger
	now    func() time.Time
	stop   chan struct{}
	closed atomic.Bool

	mutex   sync.Mutex
	entries map[key]*list.Element
	order   *list.List

	lastWarning time.Time

	duplicates atomic.Uint64
	overflows  atomic.Uint64
}

func New(cfg Config) *Detector {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	d := &Detector{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("coap-dedup"),
		now:     time.Now,
		stop:    make(chan struct{}),
		entries: make(map[key]*list.Element),
		order:   list.New(),
	}
	if cfg.SweepInterval > 0 {
		periodic.New(d.stop, cfg.SweepInterval).Add(func(now time.Time) bool {
			d.CheckExpirations(now)
			return true
		})
	}
	return d
}

func keyOf(mid int32, peer net.Addr) key {
	k := key{mid: uint16(mid)}
	if peer != nil {
		k.peer = peer.String()
	}
	return k
}

// Process classifies an inbound message. Only confirmable messages are tracked;
// every other type is reported as Fresh.
func (d *Detector) Process(msg message.Message, peer net.Addr) Result {
	if msg.Type != message.Confirmable || !message.ValidateMID(msg.MessageID) {
		return Result{Kind: Fresh}
	}
	k := keyOf(msg.MessageID, peer)
	now := d.now()

	d.mutex.Lock()
	if el, ok := d.entries[k]; ok {
		e := el.Value.(*entry)
		if !now.After(e.validUntil) {
			e.validUntil = now.Add(d.cfg.TTL)
			d.order.MoveToBack(el)
			reply := e.reply
			d.mutex.Unlock()
			d.onDuplicate(msg, peer)
			if reply == nil {
				return Result{Kind: InProgress}
			}
			return Result{Kind: Duplicate, Reply: *reply}
		}
		d.removeLocked(el)
	}
	defer d.mutex.Unlock()
	if d.cfg.Capacity > 0 && d.order.Len() >= d.cfg.Capacity {
		d.warnOverflowLocked(now)
		if d.cfg.OnOverflow != nil && !d.cfg.OnOverflow(peer) {
			return Result{Kind: Fresh}
		}
		if oldest := d.order.Front(); oldest != nil {
			d.removeLocked(oldest)
		}
	}
	d.entries[k] = d.order.PushBack(&entry{key: k, validUntil: now.Add(d.cfg.TTL)})
	return Result{Kind: Fresh}
}

// PutReply stores the reply sent for the confirmable message mid from peer.
// The reply is replayed for duplicates until the entry expires.
func (d *Detector) PutReply(mid int32, peer net.Addr, reply message.Message) {
	k := keyOf(mid, peer)
	r := reply.Clone()
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if el, ok := d.entries[k]; ok {
		e := el.Value.(*entry)
		e.reply = &r
		e.validUntil = d.now().Add(d.cfg.TTL)
	}
}

// Forget drops the entry so a retransmission is processed again. It is used
// when processing failed without sending any reply.
func (d *Detector) Forget(mid int32, peer net.Addr) {
	k := keyOf(mid, peer)
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if el, ok := d.entries[k]; ok {
		d.removeLocked(el)
	}
}

func (d *Detector) removeLocked(el *list.Element) {
	e := d.order.Remove(el).(*entry)
	delete(d.entries, e.key)
}

// CheckExpirations removes every entry that expired before now.
func (d *Detector) CheckExpirations(now time.Time) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for el := d.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*entry).validUntil) {
			d.removeLocked(el)
		}
		el = next
	}
}

func (d *Detector) onDuplicate(msg message.Message, peer net.Addr) {
	d.duplicates.Inc()
	d.log.Debugf("duplicated message %v from %v", msg.MessageID, peer)
	if d.cfg.OnDuplicate != nil {
		d.cfg.OnDuplicate(msg, peer)
	}
}

func (d *Detector) warnOverflowLocked(now time.Time) {
	n := d.overflows.Inc()
	if !d.lastWarning.IsZero() && now.Sub(d.lastWarning) < d.cfg.WarningInterval {
		return
	}
	d.lastWarning = now
	d.log.Warnf("duplicate detection cache is full (capacity %v), %v overflows so far", d.cfg.Capacity, n)
}

// Duplicates returns how many duplicates were detected.
func (d *Detector) Duplicates() uint64 {
	return d.duplicates.Load()
}

// Overflows returns how many insertions hit the capacity.
func (d *Detector) Overflows() uint64 {
	return d.overflows.Load()
}

func (d *Detector) Len() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.order.Len()
}

// Close stops the background sweep. It is safe to call more than once.
func (d *Detector) Close() {
	if d.closed.CompareAndSwap(false, true) {
		close(d.stop)
	}
}
