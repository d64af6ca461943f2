package server

import (
	"time"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/net/blockwise"
	"github.com/plgd-dev/go-coap-engine/net/observation"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	"github.com/plgd-dev/go-coap-engine/pkg/metrics"
)

// Option customizes a Server.
type Option func(*options)

type options struct {
	route       pipeline.Route
	filters     []pipeline.RouteFilter
	receiver    observation.NotificationsReceiver
	metrics     *metrics.Metrics
	recognized  []message.OptionID
	etag        pipeline.ETagGenerator
	requestTags blockwise.RequestTagSupplier
	echo        bool
	logRequests bool

	keepAliveInterval time.Duration
	keepAliveRetries  uint32
}

// WithRoute sets the service answering inbound requests. Without a route every
// request is answered with 4.04.
func WithRoute(route pipeline.Route) Option {
	return func(o *options) {
		o.route = route
	}
}

// WithRouteFilters adds filters in front of the route. The first one is the
// outermost.
func WithRouteFilters(filters ...pipeline.RouteFilter) Option {
	return func(o *options) {
		o.filters = append(o.filters, filters...)
	}
}

// WithNotificationsReceiver sets the receiver of notifications for
// subscriptions made through Client.
func WithNotificationsReceiver(r observation.NotificationsReceiver) Option {
	return func(o *options) {
		o.receiver = r
	}
}

// WithMetrics instruments both pipelines and the messaging layer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithCriticalOptions marks application specific critical options as
// recognized so requests carrying them are not rejected with 4.02.
func WithCriticalOptions(ids ...message.OptionID) Option {
	return func(o *options) {
		o.recognized = append(o.recognized, ids...)
	}
}

// WithETag adds an ETag computed by gen to responses without one.
func WithETag(gen pipeline.ETagGenerator) Option {
	return func(o *options) {
		o.etag = gen
	}
}

// WithRequestTags replaces the Request-Tag supplier of outgoing block-wise requests.
func WithRequestTags(s blockwise.RequestTagSupplier) Option {
	return func(o *options) {
		o.requestTags = s
	}
}

// WithEcho retries outbound requests once when the peer asks for an Echo option.
func WithEcho() Option {
	return func(o *options) {
		o.echo = true
	}
}

// WithRequestLogging logs every inbound request at debug level.
func WithRequestLogging() Option {
	return func(o *options) {
		o.logRequests = true
	}
}

// WithKeepAlive pings peers that were silent for interval. A peer that misses
// more than maxRetries pings in a row is dropped: its pending exchanges fail
// with ErrTimeout and a stream connection is closed.
func WithKeepAlive(interval time.Duration, maxRetries uint32) Option {
	return func(o *options) {
		o.keepAliveInterval = interval
		o.keepAliveRetries = maxRetries
	}
}
