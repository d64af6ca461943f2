// Package congestion bounds the number of outstanding exchanges.
package congestion

import (
	"context"
	"fmt"
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Controller admits exchanges while a peer stays below its ceiling and,
// optionally, all peers together stay below a global ceiling. It never queues.
type Controller struct {
	perPeer     int64
	total       *semaphore.Weighted
	outstanding *coapSync.Map[string, *atomic.Int64]
	rejected    atomic.Uint64
}

// New creates a controller. A non positive ceiling disables that limit.
func New(perPeer, total int64) *Controller {
	c := &Controller{
		perPeer:     perPeer,
		outstanding: coapSync.NewMap[string, *atomic.Int64](),
	}
	if total > 0 {
		c.total = semaphore.NewWeighted(total)
	}
	return c
}

func peerKey(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	return peer.String()
}

// Admit reserves a slot for peer. The returned release must be called when
// the exchange completes. Calls after the first are no-ops.
func (c *Controller) Admit(peer net.Addr) (release func(), ok bool) {
	if c.total != nil && !c.total.TryAcquire(1) {
		c.rejected.Inc()
		return nil, false
	}
	key := peerKey(peer)
	admitted := false
	c.outstanding.ReplaceWithFunc(key, func(counter *atomic.Int64, loaded bool) (*atomic.Int64, bool) {
		if !loaded {
			counter = atomic.NewInt64(0)
		}
		if c.perPeer > 0 && counter.Load() >= c.perPeer {
			return counter, !loaded
		}
		counter.Inc()
		admitted = true
		return counter, false
	})
	if !admitted {
		if c.total != nil {
			c.total.Release(1)
		}
		c.rejected.Inc()
		return nil, false
	}
	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		c.outstanding.ReplaceWithFunc(key, func(counter *atomic.Int64, loaded bool) (*atomic.Int64, bool) {
			if !loaded {
				return counter, true
			}
			return counter, counter.Dec() <= 0
		})
		if c.total != nil {
			c.total.Release(1)
		}
	}, true
}

// Outstanding returns the number of admitted exchanges of peer.
func (c *Controller) Outstanding(peer net.Addr) int64 {
	counter, ok := c.outstanding.Load(peerKey(peer))
	if !ok {
		return 0
	}
	return counter.Load()
}

// Rejected counts refused admissions.
func (c *Controller) Rejected() uint64 {
	return c.rejected.Load()
}

// Filter fails requests over the ceiling with ErrTooManyRequests and releases
// the slot when the exchange completes.
func (c *Controller) Filter() pipeline.RouteFilter {
	return func(ctx context.Context, req message.Request, next pipeline.Client) (message.Response, error) {
		release, ok := c.Admit(req.Peer())
		if !ok {
			return message.Response{}, fmt.Errorf("request to %v: %w", req.Peer(), coapErrors.ErrTooManyRequests)
		}
		defer release()
		return next(ctx, req)
	}
}
