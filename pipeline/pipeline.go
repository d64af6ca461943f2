// Package pipeline composes request processing out of services and filters.
package pipeline

import (
	"context"

	"github.com/plgd-dev/go-coap-engine/message"
)

// Service turns a request into a response.
type Service[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Filter wraps a service. It may short-circuit, transform the request or the
// response, or wrap errors.
type Filter[Req, Resp any] func(ctx context.Context, req Req, next Service[Req, Resp]) (Resp, error)

// Then binds the filter in front of svc.
func (f Filter[Req, Resp]) Then(svc Service[Req, Resp]) Service[Req, Resp] {
	return func(ctx context.Context, req Req) (Resp, error) {
		return f(ctx, req, svc)
	}
}

// Chain is an ordered list of filters. The first filter is the outermost.
type Chain[Req, Resp any] struct {
	filters []Filter[Req, Resp]
}

func NewChain[Req, Resp any](filters ...Filter[Req, Resp]) Chain[Req, Resp] {
	return Chain[Req, Resp]{}.Append(filters...)
}

// Append returns a new chain with filters added at the end. Nil filters are skipped.
func (c Chain[Req, Resp]) Append(filters ...Filter[Req, Resp]) Chain[Req, Resp] {
	fs := make([]Filter[Req, Resp], 0, len(c.filters)+len(filters))
	fs = append(fs, c.filters...)
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	return Chain[Req, Resp]{filters: fs}
}

// AndThenIf appends f only when cond holds.
func (c Chain[Req, Resp]) AndThenIf(cond bool, f Filter[Req, Resp]) Chain[Req, Resp] {
	if !cond {
		return c
	}
	return c.Append(f)
}

func (c Chain[Req, Resp]) Len() int {
	return len(c.filters)
}

// Then composes the chain in front of svc into a single service.
func (c Chain[Req, Resp]) Then(svc Service[Req, Resp]) Service[Req, Resp] {
	for i := len(c.filters) - 1; i >= 0; i-- {
		svc = c.filters[i].Then(svc)
	}
	return svc
}

type (
	// Route handles an inbound request.
	Route = Service[message.Request, message.Response]
	// RouteFilter wraps routes and clients.
	RouteFilter = Filter[message.Request, message.Response]
	// Client sends an outbound request and waits for its response.
	Client = Service[message.Request, message.Response]
	// NotificationSender delivers a separate response such as an observe
	// notification. It reports false when the peer rejected it.
	NotificationSender = Service[message.SeparateResponse, bool]
)
