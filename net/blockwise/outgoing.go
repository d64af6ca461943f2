package blockwise

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dsnet/golib/memfile"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/net/capabilities"
	"github.com/plgd-dev/go-coap-engine/pipeline"
)

// Config is shared by the outgoing and incoming filters.
type Config struct {
	// Capabilities resolves the block size and BERT support of a peer.
	Capabilities capabilities.Resolver
	// MaxEntitySize bounds reassembled and retrieved bodies.
	MaxEntitySize int
	// IdleTimeout drops reassembly transactions that received no block for this long.
	IdleTimeout time.Duration
	// RequestTags supplies Request-Tag values for fragmented requests.
	RequestTags   RequestTagSupplier
	LoggerFactory logging.LoggerFactory
}

func (cfg Config) withDefaults() Config {
	if cfg.Capabilities == nil {
		cfg.Capabilities = capabilities.Static(capabilities.Base())
	}
	if cfg.MaxEntitySize <= 0 {
		cfg.MaxEntitySize = 10 * 1024 * 1024
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.RequestTags == nil {
		cfg.RequestTags = NewSequentialRequestTags()
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return cfg
}

// Outgoing sends request bodies as Block1 fragments and collects Block2
// response bodies.
type Outgoing struct {
	cfg    Config
	logger logging.LeveledLogger
}

func NewOutgoing(cfg Config) *Outgoing {
	cfg = cfg.withDefaults()
	return &Outgoing{
		cfg:    cfg,
		logger: cfg.LoggerFactory.NewLogger("coap-blockwise"),
	}
}

// Filter is the client side filter.
func (o *Outgoing) Filter() pipeline.RouteFilter {
	return o.do
}

func (o *Outgoing) do(ctx context.Context, req message.Request, next pipeline.Client) (message.Response, error) {
	caps := o.cfg.Capabilities.Resolve(req.Peer())
	var resp message.Response
	var err error
	if caps.UseBlockwise(len(req.Payload())) {
		if len(req.Payload()) > o.cfg.MaxEntitySize {
			return message.Response{}, &EntityTooLargeError{MaxSize: o.cfg.MaxEntitySize}
		}
		resp, err = o.sendBlock1(ctx, req, caps, next)
	} else {
		resp, err = next(ctx, req)
	}
	if err != nil {
		return resp, err
	}
	return o.receiveBlock2(ctx, req, resp, next)
}

func (o *Outgoing) sendBlock1(ctx context.Context, req message.Request, caps capabilities.Capabilities, next pipeline.Client) (message.Response, error) {
	body := req.Payload()
	tag, err := req.Options().GetBytes(message.RequestTag)
	if err != nil {
		tag = o.cfg.RequestTags.Next()
	}
	base := req.Options().
		Remove(message.Block2).
		Remove(message.Size2).
		SetUint32(message.Size1, uint32(len(body))).
		SetBytes(message.RequestTag, tag)
	szx := caps.SZX()
	maxPayload := caps.MaxOutboundPayload()
	offset := 0
	for {
		b := message.BlockOption{Num: uint32(offset / szx.Size()), SZX: szx}
		end := offset + blockLength(szx, maxPayload)
		if end > len(body) {
			end = len(body)
		}
		b.More = end < len(body)
		opts, err := base.SetBlock1(b)
		if err != nil {
			return message.Response{}, fmt.Errorf("cannot send block %v: %w", b, err)
		}
		resp, err := next(ctx, req.WithOptions(opts).WithPayload(body[offset:end]))
		if err != nil {
			return resp, err
		}
		if !b.More || resp.Code() != codes.Continue {
			return resp, nil
		}
		offset = end
		if rb, err := resp.Options().Block1(); err == nil && rb.SZX < szx {
			o.logger.Debugf("peer %v reduced block size to %v", req.Peer(), rb.SZX.Size())
			szx = rb.SZX
			maxPayload = szx.Size()
		}
	}
}

// receiveBlock2 retrieves the remaining blocks of a response carrying Block2
// with the more flag. The returned payload starts at the offset of the first
// received block.
func (o *Outgoing) receiveBlock2(ctx context.Context, req message.Request, first message.Response, next pipeline.Client) (message.Response, error) {
	b, err := first.Options().Block2()
	if err != nil || !b.More {
		return first, nil
	}
	if err := validateBlock(first.Payload(), b); err != nil {
		return message.Response{}, err
	}
	if size2, err := first.Options().GetUint32(message.Size2); err == nil && int(size2) > o.cfg.MaxEntitySize {
		return message.Response{}, &EntityTooLargeError{MaxSize: o.cfg.MaxEntitySize}
	}
	etag, _ := first.Options().ETag()
	buf := memfile.New(make([]byte, 0, 2*len(first.Payload())))
	if _, err := buf.Write(first.Payload()); err != nil {
		return message.Response{}, err
	}
	offset := b.Offset() + len(first.Payload())
	received := len(first.Payload())
	base := req.Options().
		Remove(message.Block1).
		Remove(message.Size1).
		Remove(message.RequestTag).
		Remove(message.Observe)
	last := first
	for b.More {
		nb := message.BlockOption{Num: uint32(offset / b.SZX.Size()), SZX: b.SZX}
		opts, err := base.SetBlock2(nb)
		if err != nil {
			return message.Response{}, fmt.Errorf("cannot request block %v: %w", nb, err)
		}
		resp, err := next(ctx, req.WithOptions(opts).WithPayload(nil))
		if err != nil {
			return resp, err
		}
		if resp.Code() != first.Code() {
			return resp, nil
		}
		b, err = resp.Options().Block2()
		if err != nil {
			return message.Response{}, fmt.Errorf("%w: response without block2 option", ErrBlockMismatch)
		}
		if b.Offset() != offset {
			return message.Response{}, fmt.Errorf("%w: expected offset %v, got block %v", ErrBlockMismatch, offset, b)
		}
		if err := validateBlock(resp.Payload(), b); err != nil {
			return message.Response{}, err
		}
		if respETag, _ := resp.Options().ETag(); !bytes.Equal(etag, respETag) {
			return message.Response{}, ErrEntityChanged
		}
		if received+len(resp.Payload()) > o.cfg.MaxEntitySize {
			return message.Response{}, &EntityTooLargeError{MaxSize: o.cfg.MaxEntitySize}
		}
		if _, err := buf.Write(resp.Payload()); err != nil {
			return message.Response{}, err
		}
		offset += len(resp.Payload())
		received += len(resp.Payload())
		last = resp
	}
	opts := first.Options().Remove(message.Block2).Remove(message.Size2)
	return last.WithOptions(opts).WithPayload(buf.Bytes()), nil
}

// PullNotification completes a notification whose first block arrived on the
// push by fetching the remaining blocks with GET through client. The blocks
// must carry the ETag of the first one.
func PullNotification(ctx context.Context, client pipeline.Client, path string, notification message.SeparateResponse) ([]byte, error) {
	first := notification.Response
	b, err := first.Options().Block2()
	if err != nil || b.Num != 0 || !b.More {
		return first.Payload(), nil
	}
	req, err := message.NewRequest(codes.GET, path, notification.Peer)
	if err != nil {
		return nil, err
	}
	nb := message.BlockOption{Num: uint32(len(first.Payload()) / b.SZX.Size()), SZX: b.SZX}
	opts, err := req.Options().SetBlock2(nb)
	if err != nil {
		return nil, err
	}
	resp, err := client(ctx, req.WithOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("cannot retrieve notification blocks: %w", err)
	}
	if resp.Code() != codes.Content {
		return nil, fmt.Errorf("unexpected response %v when retrieving notification blocks", resp.Code())
	}
	etag, _ := first.Options().ETag()
	if respETag, _ := resp.Options().ETag(); !bytes.Equal(etag, respETag) {
		return nil, ErrEntityChanged
	}
	payload := make([]byte, 0, len(first.Payload())+len(resp.Payload()))
	payload = append(payload, first.Payload()...)
	return append(payload, resp.Payload()...), nil
}
