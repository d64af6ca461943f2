package blockwise

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dsnet/golib/memfile"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	"github.com/plgd-dev/go-coap-engine/pkg/cache"
)

type transactionKey struct {
	peer string
	tag  string
}

func keyOf(req message.Request) transactionKey {
	k := transactionKey{}
	if req.Peer() != nil {
		k.peer = req.Peer().String()
	}
	if tag, err := req.Options().GetBytes(message.RequestTag); err == nil {
		k.tag = "tag:" + string(tag)
	} else {
		k.tag = "token:" + req.Token().Hash()
	}
	return k
}

// transaction is the reassembly state of one request body.
type transaction struct {
	mutex  sync.Mutex
	buf    *memfile.File
	size   int
	closed bool
}

// Incoming reassembles Block1 request bodies and serves response bodies as
// Block2 fragments.
type Incoming struct {
	cfg          Config
	logger       logging.LeveledLogger
	transactions *cache.Cache[transactionKey, *transaction]
	now          func() time.Time
}

func NewIncoming(cfg Config) *Incoming {
	cfg = cfg.withDefaults()
	return &Incoming{
		cfg:          cfg,
		logger:       cfg.LoggerFactory.NewLogger("coap-blockwise"),
		transactions: cache.NewCache[transactionKey, *transaction](),
		now:          time.Now,
	}
}

// Filter is the server side filter.
func (in *Incoming) Filter() pipeline.RouteFilter {
	return in.handle
}

// CheckExpirations drops transactions idle longer than the idle timeout.
func (in *Incoming) CheckExpirations(now time.Time) {
	in.transactions.CheckExpirations(now)
}

// Len returns the number of transactions in progress.
func (in *Incoming) Len() int {
	return in.transactions.Length()
}

func (in *Incoming) handle(ctx context.Context, req message.Request, next pipeline.Route) (message.Response, error) {
	block2, err := req.Options().Block2()
	hasBlock2 := err == nil
	if err != nil && !errors.Is(err, message.ErrOptionNotFound) {
		return message.NewResponse(codes.BadOption), nil
	}

	block1, err := req.Options().Block1()
	hasBlock1 := err == nil
	switch {
	case hasBlock1:
		full, resp, complete := in.appendBlock(req, block1)
		if !complete {
			return resp, nil
		}
		req = full
	case !errors.Is(err, message.ErrOptionNotFound):
		return message.NewResponse(codes.BadOption), nil
	}

	if hasBlock2 {
		req = req.WithOptions(req.Options().Remove(message.Block2))
	}
	resp, err := next(ctx, req)
	if err != nil {
		return resp, err
	}
	if hasBlock1 {
		if opts, err := resp.Options().SetBlock1(message.BlockOption{Num: block1.Num, SZX: block1.SZX}); err == nil {
			resp = resp.WithOptions(opts)
		}
	}
	return in.slice(req, resp, block2, hasBlock2), nil
}

// appendBlock adds a Block1 fragment to its transaction. It returns the
// reassembled request once the last block arrived, otherwise the response
// for the block.
func (in *Incoming) appendBlock(req message.Request, b message.BlockOption) (message.Request, message.Response, bool) {
	key := keyOf(req)
	payload := req.Payload()
	if b.Num == 0 {
		if size1, err := req.Options().GetUint32(message.Size1); err == nil && int(size1) > in.cfg.MaxEntitySize {
			in.transactions.Delete(key)
			in.logger.Debugf("%v: declared size %v exceeds %v", req.Peer(), size1, in.cfg.MaxEntitySize)
			return req, entityTooLarge(in.cfg.MaxEntitySize), false
		}
	}

	el := in.transactions.Load(key)
	if el == nil {
		if b.Num != 0 {
			in.logger.Debugf("%v: block %v without transaction", req.Peer(), b)
			return req, message.NewResponse(codes.RequestEntityIncomplete), false
		}
		if !b.More {
			if err := validateBlock(payload, b); err != nil {
				return req, blockMismatch(err), false
			}
			if len(payload) > in.cfg.MaxEntitySize {
				return req, entityTooLarge(in.cfg.MaxEntitySize), false
			}
			return completed(req, payload), message.Response{}, true
		}
		el, _ = in.transactions.LoadOrStore(key, cache.NewElement(&transaction{buf: memfile.New(nil)}, in.now().Add(in.cfg.IdleTimeout), nil))
	}
	tx := el.Data()
	tx.mutex.Lock()
	defer tx.mutex.Unlock()
	if tx.closed {
		return req, message.NewResponse(codes.RequestEntityIncomplete), false
	}
	el.Touch(in.now().Add(in.cfg.IdleTimeout))

	drop := func() {
		tx.closed = true
		in.transactions.DeleteIf(key, el)
	}
	offset := b.Offset()
	switch {
	case offset < tx.size:
		// already accepted
		if b.More {
			return req, in.continueResponse(req, b), false
		}
		drop()
		return req, message.NewResponse(codes.RequestEntityIncomplete), false
	case offset > tx.size:
		drop()
		in.logger.Debugf("%v: block %v leaves a gap after %v bytes", req.Peer(), b, tx.size)
		return req, message.NewResponse(codes.RequestEntityIncomplete), false
	}
	if err := validateBlock(payload, b); err != nil {
		drop()
		return req, blockMismatch(err), false
	}
	if tx.size+len(payload) > in.cfg.MaxEntitySize {
		drop()
		in.logger.Debugf("%v: entity exceeds %v bytes", req.Peer(), in.cfg.MaxEntitySize)
		return req, entityTooLarge(in.cfg.MaxEntitySize), false
	}
	if _, err := tx.buf.Write(payload); err != nil {
		drop()
		return req, message.NewResponse(codes.InternalServerError), false
	}
	tx.size += len(payload)
	if b.More {
		return req, in.continueResponse(req, b), false
	}
	drop()
	return completed(req, tx.buf.Bytes()), message.Response{}, true
}

func completed(req message.Request, body []byte) message.Request {
	opts := req.Options().Remove(message.Block1).Remove(message.Size1).Remove(message.RequestTag)
	return req.WithOptions(opts).WithPayload(body)
}

func blockMismatch(err error) message.Response {
	return message.NewResponse(codes.BadRequest).WithPayload([]byte(err.Error()))
}

// continueResponse acknowledges a block with 2.31. A peer capability smaller
// than the received block size asks the client to shrink its blocks.
func (in *Incoming) continueResponse(req message.Request, b message.BlockOption) message.Response {
	caps := in.cfg.Capabilities.Resolve(req.Peer())
	ack := message.BlockOption{Num: b.Num, More: true, SZX: smallerSZX(b.SZX, caps.SZX())}
	resp := message.NewResponse(codes.Continue)
	opts, err := resp.Options().SetBlock1(ack)
	if err != nil {
		return resp
	}
	return resp.WithOptions(opts)
}

// slice serves the block of the response body requested by block2. Without a
// Block2 request option the first block is served when the body does not fit.
func (in *Incoming) slice(req message.Request, resp message.Response, block2 message.BlockOption, hasBlock2 bool) message.Response {
	caps := in.cfg.Capabilities.Resolve(req.Peer())
	body := resp.Payload()
	if !hasBlock2 && !caps.UseBlockwise(len(body)) {
		return resp
	}
	szx := caps.SZX()
	maxPayload := caps.MaxOutboundPayload()
	b := message.BlockOption{}
	if hasBlock2 {
		b.Num = block2.Num
		if block2.SZX < szx {
			szx = block2.SZX
			maxPayload = szx.Size()
		}
	}
	b.SZX = szx
	if b.Num == 0 && len(body) <= blockLength(szx, maxPayload) {
		if !hasBlock2 {
			return resp
		}
		opts, err := resp.Options().SetBlock2(b)
		if err != nil {
			return resp
		}
		return resp.WithOptions(opts)
	}
	part, more := blockPayload(body, b, maxPayload)
	if part == nil {
		return message.NewResponse(codes.BadOption)
	}
	b.More = more
	opts, err := resp.Options().SetBlock2(b)
	if err != nil {
		return message.NewResponse(codes.BadOption)
	}
	opts = opts.SetUint32(message.Size2, uint32(len(body)))
	if !opts.HasOption(message.ETag) {
		opts = opts.SetBytes(message.ETag, message.CalcETag(body))
	}
	return resp.WithOptions(opts).WithPayload(part)
}
