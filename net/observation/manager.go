// Package observation manages observe relations (RFC 7641) on both sides of
// an exchange: Manager tracks the subscribers of a server, Registry tracks the
// subscriptions of a client.
package observation

import (
	"context"
	"net"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/options/config"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

const (
	register   = 0
	deregister = 1
	maxSeq     = 0xffffff
)

// Key identifies a relation by resource path and subscriber.
type Key struct {
	Path string
	Peer string
}

func KeyOf(path string, peer net.Addr) Key {
	k := Key{Path: path}
	if peer != nil {
		k.Peer = peer.String()
	}
	return k
}

// Relation is a subscription of a peer to a resource.
type Relation struct {
	key      Key
	request  message.Request
	sequence *atomic.Uint32
}

func (r *Relation) Key() Key {
	return r.key
}

// Request is the subscribing request. Notifications re-issue it.
func (r *Relation) Request() message.Request {
	return r.request
}

// Sequence is the last observe sequence number handed out.
func (r *Relation) Sequence() uint32 {
	return r.sequence.Load() & maxSeq
}

func (r *Relation) nextSequence() uint32 {
	return r.sequence.Inc() & maxSeq
}

type ManagerConfig struct {
	LoggerFactory logging.LoggerFactory
	GoPool        config.GoPoolFunc
}

// Manager is the server side table of observe relations.
type Manager struct {
	relations *coapSync.Map[Key, *Relation]
	sender    atomic.Pointer[pipeline.NotificationSender]
	goPool    config.GoPoolFunc
	logger    logging.LeveledLogger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.GoPool == nil {
		cfg.GoPool = func(f func()) error {
			go f()
			return nil
		}
	}
	return &Manager{
		relations: coapSync.NewMap[Key, *Relation](),
		goPool:    cfg.GoPool,
		logger:    cfg.LoggerFactory.NewLogger("coap-observe"),
	}
}

// Init sets the service delivering notifications and drops all relations.
func (m *Manager) Init(sender pipeline.NotificationSender) {
	m.relations.PullOutAll()
	m.sender.Store(&sender)
}

// Filter registers a relation for a successful GET or FETCH with Observe=0
// and removes it for Observe=1.
func (m *Manager) Filter() pipeline.RouteFilter {
	return func(ctx context.Context, req message.Request, next pipeline.Route) (message.Response, error) {
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		return m.subscribe(req, resp), nil
	}
}

func (m *Manager) subscribe(req message.Request, resp message.Response) message.Response {
	if req.Method() != codes.GET && req.Method() != codes.FETCH {
		return resp
	}
	obs, ok := req.Observe()
	switch {
	case ok && obs == register && resp.Code() == codes.Content:
		rel := m.put(req)
		if resp.Options().HasOption(message.Observe) {
			return resp
		}
		return resp.WithOptions(resp.Options().SetObserve(rel.Sequence()))
	case ok && obs == deregister:
		m.Remove(req.Path(), req.Peer())
	}
	return resp.WithOptions(resp.Options().Remove(message.Observe))
}

// put stores the relation. A re-subscription replaces the request and keeps
// the sequence counter.
func (m *Manager) put(req message.Request) *Relation {
	key := KeyOf(req.Path(), req.Peer())
	var rel *Relation
	m.relations.ReplaceWithFunc(key, func(old *Relation, loaded bool) (*Relation, bool) {
		seq := atomic.NewUint32(0)
		if loaded {
			seq = old.sequence
		}
		rel = &Relation{key: key, request: req, sequence: seq}
		return rel, false
	})
	return rel
}

// Remove drops the relation of peer to path.
func (m *Manager) Remove(path string, peer net.Addr) bool {
	return m.relations.Delete(KeyOf(path, peer))
}

func (m *Manager) Load(path string, peer net.Addr) (*Relation, bool) {
	return m.relations.Load(KeyOf(path, peer))
}

// Len returns the number of relations.
func (m *Manager) Len() int {
	return m.relations.Length()
}

// Notify re-issues the subscribing request of every relation on path through
// route and delivers the responses as notifications. Delivery runs in the
// background. It returns the number of relations notified.
func (m *Manager) Notify(ctx context.Context, path string, route pipeline.Route) int {
	return m.NotifyMatching(ctx, func(p string) bool { return p == path }, route)
}

// NotifyMatching notifies the relations whose path satisfies match.
func (m *Manager) NotifyMatching(ctx context.Context, match func(path string) bool, route pipeline.Route) int {
	sender := m.sender.Load()
	if sender == nil {
		m.logger.Warn("notification sender is not initialized")
		return 0
	}
	n := 0
	m.relations.Range2(func(key Key, rel *Relation) bool {
		if !match(key.Path) {
			return true
		}
		seq := rel.nextSequence()
		err := m.goPool(func() {
			m.notify(ctx, rel, seq, route, *sender)
		})
		if err != nil {
			m.logger.Errorf("cannot notify %v: %v", key, err)
			return true
		}
		n++
		return true
	})
	return n
}

func (m *Manager) notify(ctx context.Context, rel *Relation, seq uint32, route pipeline.Route, sender pipeline.NotificationSender) {
	req := rel.request
	resp, err := route(ctx, req)
	if err != nil {
		m.removeRelation(rel)
		m.logger.Warnf("[%v#%v] removed observation relation, route failed: %v", rel.key.Peer, req.Token(), err)
		return
	}
	sep := message.SeparateResponse{
		Token:    req.Token(),
		Peer:     req.Peer(),
		Response: resp.WithOptions(resp.Options().SetObserve(seq)),
	}
	delivered, err := sender(ctx, sep)
	switch {
	case err != nil:
		m.removeRelation(rel)
		m.logger.Warnf("[%v#%v] removed observation relation: %v", rel.key.Peer, req.Token(), err)
	case !delivered:
		m.removeRelation(rel)
		m.logger.Infof("[%v#%v] removed observation relation, got reset", rel.key.Peer, req.Token())
	case resp.Code() != codes.Content:
		m.removeRelation(rel)
		m.logger.Debugf("[%v#%v] removed observation relation after %v", rel.key.Peer, req.Token(), resp.Code())
	}
}

// removeRelation deletes rel unless it was already replaced by a re-subscription.
func (m *Manager) removeRelation(rel *Relation) {
	m.relations.DeleteIf(rel.key, func(v *Relation) bool { return v == rel })
}
