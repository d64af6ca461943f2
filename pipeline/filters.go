package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
)

// ErrBadOption is reported for requests carrying an unrecognized critical option.
var ErrBadOption = errors.New("unrecognized critical option")

// ResponseError is an error that maps to a specific CoAP response.
type ResponseError interface {
	error
	Response() message.Response
}

// CodeError is a ResponseError with a plain code and diagnostic payload.
type CodeError struct {
	Code    codes.Code
	Message string
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

func (e *CodeError) Response() message.Response {
	return message.NewResponse(e.Code).WithPayload([]byte(e.Message))
}

// Rescue turns route errors and panics into error responses so that a failing
// handler never escapes to the transport.
func Rescue(logger logging.LeveledLogger) RouteFilter {
	return func(ctx context.Context, req message.Request, next Route) (resp message.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("handler panic for %v: %v\n%s", req, r, debug.Stack())
				resp = message.NewResponse(codes.InternalServerError)
				err = nil
			}
		}()
		resp, err = next(ctx, req)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, ErrBadOption) {
			logger.Debugf("request %v rejected: %v", req, err)
			return message.NewResponse(codes.BadOption), nil
		}
		var re ResponseError
		if errors.As(err, &re) {
			logger.Debugf("request %v failed: %v", req, err)
			return re.Response(), nil
		}
		logger.Warnf("request %v failed: %v", req, err)
		return message.NewResponse(codes.InternalServerError), nil
	}
}

// CriticalOptions fails requests carrying a critical option that is neither a
// standard option nor one of recognized with ErrBadOption. Rescue answers them
// with 4.02 Bad Option.
func CriticalOptions(recognized ...message.OptionID) RouteFilter {
	known := make(map[message.OptionID]struct{}, len(recognized))
	for _, id := range recognized {
		known[id] = struct{}{}
	}
	return func(ctx context.Context, req message.Request, next Route) (message.Response, error) {
		for _, o := range req.Options() {
			if !o.ID.Critical() {
				continue
			}
			if _, ok := message.CoapOptionDefs[o.ID]; ok {
				continue
			}
			if _, ok := known[o.ID]; ok {
				continue
			}
			return message.Response{}, fmt.Errorf("option %v: %w", o.ID, ErrBadOption)
		}
		return next(ctx, req)
	}
}

// Echo retries a request once when the server demands freshness with 4.01
// and an Echo option.
func Echo() RouteFilter {
	return func(ctx context.Context, req message.Request, next Client) (message.Response, error) {
		resp, err := next(ctx, req)
		if err != nil || resp.Code() != codes.Unauthorized {
			return resp, err
		}
		echo, errE := resp.Options().GetBytes(message.Echo)
		if errE != nil {
			return resp, nil
		}
		return next(ctx, req.WithOptions(req.Options().SetBytes(message.Echo, echo)))
	}
}

// ETagGenerator computes an ETag from a response payload.
type ETagGenerator func(payload []byte) []byte

// PayloadHashing derives the ETag from a CRC64 of the payload.
var PayloadHashing ETagGenerator = message.CalcETag

// ETag sets an ETag on responses that have none.
func ETag(gen ETagGenerator) RouteFilter {
	return func(ctx context.Context, req message.Request, next Route) (message.Response, error) {
		resp, err := next(ctx, req)
		if err != nil || resp.Options().HasOption(message.ETag) {
			return resp, err
		}
		etag := gen(resp.Payload())
		if len(etag) == 0 {
			return resp, nil
		}
		return resp.WithOptions(resp.Options().SetBytes(message.ETag, etag)), nil
	}
}

// Timeout bounds the wait for a response. A request may override the
// default through transportctx.ResponseTimeout.
func Timeout(defaultTimeout time.Duration) RouteFilter {
	return func(ctx context.Context, req message.Request, next Client) (message.Response, error) {
		timeout := transportctx.GetOr(req.TransportContext(), transportctx.ResponseTimeout, defaultTimeout)
		if timeout <= 0 {
			return next(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := next(ctx, req)
		if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, coapErrors.ErrTimeout) {
			return resp, fmt.Errorf("%w: %w", coapErrors.ErrTimeout, err)
		}
		return resp, err
	}
}

// Logging logs every request with its response and duration at debug level.
func Logging(logger logging.LeveledLogger) RouteFilter {
	return func(ctx context.Context, req message.Request, next Route) (message.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		if err != nil {
			logger.Debugf("%v -> error: %v (%v)", req, err, time.Since(start))
			return resp, err
		}
		logger.Debugf("%v -> %v (%v)", req, resp, time.Since(start))
		return resp, nil
	}
}
