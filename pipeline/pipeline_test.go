package pipeline_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("test")
}

func newRequest(t *testing.T, path string) message.Request {
	req, err := message.NewRequest(codes.GET, path, peer)
	require.NoError(t, err)
	return req
}

func content(payload string) pipeline.Route {
	return func(context.Context, message.Request) (message.Response, error) {
		return message.NewResponse(codes.Content).WithPayload([]byte(payload)), nil
	}
}

func tagFilter(tag string, trace *[]string) pipeline.RouteFilter {
	return func(ctx context.Context, req message.Request, next pipeline.Route) (message.Response, error) {
		*trace = append(*trace, tag+">")
		resp, err := next(ctx, req)
		*trace = append(*trace, "<"+tag)
		return resp, err
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	svc := pipeline.NewChain(tagFilter("a", &trace), nil, tagFilter("b", &trace)).
		AndThenIf(false, tagFilter("skipped", &trace)).
		AndThenIf(true, tagFilter("c", &trace)).
		Then(content("ok"))
	resp, err := svc(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, []string{"a>", "b>", "c>", "<c", "<b", "<a"}, trace)
}

func TestChainAppendDoesNotShare(t *testing.T) {
	var trace []string
	base := pipeline.NewChain(tagFilter("a", &trace))
	withB := base.Append(tagFilter("b", &trace))
	withC := base.Append(tagFilter("c", &trace))
	require.Equal(t, 1, base.Len())
	_, err := withC.Then(content(""))(context.Background(), newRequest(t, "/"))
	require.NoError(t, err)
	require.Equal(t, []string{"a>", "c>", "<c", "<a"}, trace)
	require.Equal(t, 2, withB.Len())
}

func TestRescue(t *testing.T) {
	rescue := pipeline.Rescue(testLogger())
	req := newRequest(t, "/x")

	resp, err := rescue.Then(func(context.Context, message.Request) (message.Response, error) {
		panic("boom")
	})(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, codes.InternalServerError, resp.Code())

	resp, err = rescue.Then(func(context.Context, message.Request) (message.Response, error) {
		return message.Response{}, errors.New("failed")
	})(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, codes.InternalServerError, resp.Code())

	resp, err = rescue.Then(func(context.Context, message.Request) (message.Response, error) {
		return message.Response{}, &pipeline.CodeError{Code: codes.Forbidden, Message: "no"}
	})(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, codes.Forbidden, resp.Code())
	require.Equal(t, []byte("no"), resp.Payload())
}

func TestCriticalOptions(t *testing.T) {
	var calls atomic.Int32
	route := func(context.Context, message.Request) (message.Response, error) {
		calls.Inc()
		return message.NewResponse(codes.Content), nil
	}
	svc := pipeline.NewChain(pipeline.Rescue(testLogger()), pipeline.CriticalOptions(65001)).Then(route)

	req := newRequest(t, "/x")
	resp, err := svc(context.Background(), req.WithOptions(req.Options().SetString(65003, "x")))
	require.NoError(t, err)
	require.Equal(t, codes.BadOption, resp.Code())
	require.Equal(t, int32(0), calls.Load())

	resp, err = svc(context.Background(), req.WithOptions(req.Options().SetString(65001, "x").SetString(65000, "elective")))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, int32(1), calls.Load())

	_, err = pipeline.CriticalOptions().Then(route)(context.Background(), req.WithOptions(req.Options().SetString(65001, "x")))
	require.ErrorIs(t, err, pipeline.ErrBadOption)
}

func TestEcho(t *testing.T) {
	var calls atomic.Int32
	svc := pipeline.Echo().Then(func(_ context.Context, req message.Request) (message.Response, error) {
		calls.Inc()
		if echo, err := req.Options().GetBytes(message.Echo); err == nil {
			return message.NewResponse(codes.Content).WithPayload(echo), nil
		}
		return message.NewResponse(codes.Unauthorized).WithOptions(message.Options{}.SetBytes(message.Echo, []byte{1, 2, 3})), nil
	})
	resp, err := svc(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, []byte{1, 2, 3}, resp.Payload())
	require.Equal(t, int32(2), calls.Load())

	plain := pipeline.Echo().Then(func(context.Context, message.Request) (message.Response, error) {
		return message.NewResponse(codes.Unauthorized), nil
	})
	resp, err = plain(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.Equal(t, codes.Unauthorized, resp.Code())
}

func TestETag(t *testing.T) {
	svc := pipeline.ETag(pipeline.PayloadHashing).Then(content("hello"))
	resp, err := svc(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	etag, err := resp.Options().ETag()
	require.NoError(t, err)
	require.Equal(t, message.CalcETag([]byte("hello")), etag)

	keep := pipeline.ETag(pipeline.PayloadHashing).Then(func(context.Context, message.Request) (message.Response, error) {
		return message.NewResponse(codes.Content).WithOptions(message.Options{}.SetBytes(message.ETag, []byte{9})), nil
	})
	resp, err = keep(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	etag, err = resp.Options().ETag()
	require.NoError(t, err)
	require.Equal(t, []byte{9}, etag)

	empty := pipeline.ETag(pipeline.PayloadHashing).Then(func(context.Context, message.Request) (message.Response, error) {
		return message.NewResponse(codes.Deleted), nil
	})
	resp, err = empty(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.False(t, resp.Options().HasOption(message.ETag))
}

func TestTimeout(t *testing.T) {
	wait := func(ctx context.Context, _ message.Request) (message.Response, error) {
		<-ctx.Done()
		return message.Response{}, ctx.Err()
	}
	svc := pipeline.Timeout(time.Hour).Then(wait)
	req := newRequest(t, "/x")
	req = req.WithTransportContext(transportctx.With(req.TransportContext(), transportctx.ResponseTimeout, 10*time.Millisecond))
	start := time.Now()
	_, err := svc(context.Background(), req)
	require.ErrorIs(t, err, coapErrors.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	fast := pipeline.Timeout(10 * time.Millisecond).Then(content("ok"))
	resp, err := fast(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
}

func TestLogging(t *testing.T) {
	svc := pipeline.Logging(testLogger()).Then(content("ok"))
	resp, err := svc(context.Background(), newRequest(t, "/x"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp.Payload())
}
