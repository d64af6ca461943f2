package observation

import (
	"context"
	"net"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// NotificationsReceiver consumes notifications of subscriptions made by the
// client. Returning false terminates the subscription with a reset.
type NotificationsReceiver interface {
	OnObservation(path string, notification message.SeparateResponse) bool
}

type NotificationsReceiverFunc func(path string, notification message.SeparateResponse) bool

func (f NotificationsReceiverFunc) OnObservation(path string, notification message.SeparateResponse) bool {
	return f(path, notification)
}

// RejectAll resets every notification.
var RejectAll = NotificationsReceiverFunc(func(string, message.SeparateResponse) bool { return false })

type subscriptionKey struct {
	token string
	peer  string
}

func subscriptionKeyOf(token message.Token, peer net.Addr) subscriptionKey {
	k := subscriptionKey{token: token.Hash()}
	if peer != nil {
		k.peer = peer.String()
	}
	return k
}

// Registry is the client side table of subscriptions keyed by token.
type Registry struct {
	subscriptions *coapSync.Map[subscriptionKey, string]
	nextToken     atomic.Uint64
	receiver      NotificationsReceiver
	logger        logging.LeveledLogger
}

func NewRegistry(receiver NotificationsReceiver, lf logging.LoggerFactory) *Registry {
	if receiver == nil {
		receiver = RejectAll
	}
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Registry{
		subscriptions: coapSync.NewMap[subscriptionKey, string](),
		receiver:      receiver,
		logger:        lf.NewLogger("coap-observe"),
	}
}

// Filter assigns a token to subscribing requests without one and records the
// subscription when the response carries Observe.
func (r *Registry) Filter() pipeline.RouteFilter {
	return func(ctx context.Context, req message.Request, next pipeline.Client) (message.Response, error) {
		obs, ok := req.Observe()
		if !ok || obs != register {
			return next(ctx, req)
		}
		if len(req.Token()) == 0 {
			req = req.WithToken(message.TokenFromUint64(r.nextToken.Inc()))
		}
		resp, err := next(ctx, req)
		if err != nil {
			return resp, err
		}
		if _, ok := resp.Observe(); ok {
			r.subscriptions.Store(subscriptionKeyOf(req.Token(), req.Peer()), req.Path())
		}
		return resp, nil
	}
}

// Handle dispatches a notification. It returns false when the notification
// should be answered with a reset.
func (r *Registry) Handle(n message.SeparateResponse) bool {
	key := subscriptionKeyOf(n.Token, n.Peer)
	_, hasObserve := n.Response.Observe()
	path, known := r.subscriptions.Load(key)
	if !hasObserve && !known {
		return false
	}
	code := n.Response.Code()
	if !hasObserve || (code != codes.Content && code != codes.Valid) {
		r.logger.Tracef("[%v] notification termination %v", n.Peer, n.Response)
		r.subscriptions.Delete(key)
		return true
	}
	if !known {
		r.logger.Infof("[%v] no observer for token %v, sending reset", n.Peer, n.Token)
		return false
	}
	return r.receiver.OnObservation(path, n)
}

// Remove forgets a subscription.
func (r *Registry) Remove(token message.Token, peer net.Addr) bool {
	return r.subscriptions.Delete(subscriptionKeyOf(token, peer))
}

// Path returns the resource path of the subscription with token.
func (r *Registry) Path(token message.Token, peer net.Addr) (string, bool) {
	return r.subscriptions.Load(subscriptionKeyOf(token, peer))
}

func (r *Registry) Len() int {
	return r.subscriptions.Length()
}
