// Package inactivity tracks the last activity of peers and probes the ones
// that went quiet.
package inactivity

import (
	"context"
	"net"
	"time"

	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// PingFunc probes peer. A nil error means the peer answered.
type PingFunc func(ctx context.Context, peer net.Addr) error

// OnInactiveFunc is called once for a peer that missed too many probes.
type OnInactiveFunc func(peer net.Addr)

type GoPoolFunc = func(f func()) error

type peerState struct {
	peer         net.Addr
	lastActivity atomic.Time
	numFails     atomic.Uint32
	probing      atomic.Bool
}

// Monitor pings peers inactive for longer than the interval. A peer is
// reported inactive after maxRetries failed probes in a row.
type Monitor struct {
	interval   time.Duration
	maxRetries uint32
	ping       PingFunc
	onInactive OnInactiveFunc
	goPool     GoPoolFunc
	peers      *coapSync.Map[string, *peerState]
}

func NewMonitor(interval time.Duration, maxRetries uint32, ping PingFunc, onInactive OnInactiveFunc, goPool GoPoolFunc) *Monitor {
	if goPool == nil {
		goPool = func(f func()) error {
			go f()
			return nil
		}
	}
	return &Monitor{
		interval:   interval,
		maxRetries: maxRetries,
		ping:       ping,
		onInactive: onInactive,
		goPool:     goPool,
		peers:      coapSync.NewMap[string, *peerState](),
	}
}

// Notify records activity of peer and clears its failed probes.
func (m *Monitor) Notify(peer net.Addr, now time.Time) {
	st, _ := m.peers.LoadOrStoreWithFunc(peer.String(), func() *peerState {
		return &peerState{peer: peer}
	})
	st.lastActivity.Store(now)
	st.numFails.Store(0)
}

// Forget stops monitoring peer.
func (m *Monitor) Forget(peer net.Addr) {
	m.peers.Delete(peer.String())
}

func (m *Monitor) Len() int {
	return m.peers.Length()
}

// CheckInactive probes every peer idle for at least the interval. Probes run
// on the pool; a peer is probed at most once at a time.
func (m *Monitor) CheckInactive(ctx context.Context, now time.Time) {
	m.peers.Range2(func(key string, st *peerState) bool {
		if now.Sub(st.lastActivity.Load()) < m.interval {
			return true
		}
		if !st.probing.CompareAndSwap(false, true) {
			return true
		}
		err := m.goPool(func() {
			defer st.probing.Store(false)
			m.probe(ctx, key, st)
		})
		if err != nil {
			st.probing.Store(false)
		}
		return true
	})
}

func (m *Monitor) probe(ctx context.Context, key string, st *peerState) {
	if st.numFails.Inc() > m.maxRetries {
		if m.peers.DeleteIf(key, func(v *peerState) bool { return v == st }) && m.onInactive != nil {
			m.onInactive(st.peer)
		}
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	if err := m.ping(pingCtx, st.peer); err == nil {
		st.numFails.Store(0)
		st.lastActivity.Store(time.Now())
	}
}
