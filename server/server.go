// Package server runs the CoAP messaging layer over a transport and connects
// it to the inbound and outbound pipelines.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	"github.com/plgd-dev/go-coap-engine/net/blockwise"
	"github.com/plgd-dev/go-coap-engine/net/capabilities"
	"github.com/plgd-dev/go-coap-engine/net/congestion"
	"github.com/plgd-dev/go-coap-engine/net/deduplication"
	"github.com/plgd-dev/go-coap-engine/net/exchange"
	"github.com/plgd-dev/go-coap-engine/net/monitor/inactivity"
	"github.com/plgd-dev/go-coap-engine/net/observation"
	"github.com/plgd-dev/go-coap-engine/net/transmission"
	"github.com/plgd-dev/go-coap-engine/options/config"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	"github.com/plgd-dev/go-coap-engine/pkg/math"
	"github.com/plgd-dev/go-coap-engine/pkg/metrics"
	"github.com/plgd-dev/go-coap-engine/pkg/runner/periodic"
	"go.uber.org/atomic"
)

var ErrAlreadyStarted = errors.New("server already started")

const expirationsTick = time.Second

// Server is one CoAP endpoint. It answers inbound requests through its route
// and sends outbound requests and notifications over the same transport.
type Server struct {
	cfg       config.Config
	opts      options
	transport coapNet.Transport
	stream    bool
	log       logging.LeveledLogger

	caps          *capabilities.Storage
	dedup         *deduplication.Detector
	exchanges     *exchange.Tracker
	transmissions *transmission.Registry
	retransmit    *transmission.Controller
	mids          *message.MessageIDSupplier
	incoming      *blockwise.Incoming
	outgoing      *blockwise.Outgoing
	observers     *observation.Manager
	subscriptions *observation.Registry
	congestion    *congestion.Controller
	keepAlive     *inactivity.Monitor

	inbound pipeline.Route
	app     pipeline.Route
	client  pipeline.Client

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     atomic.Error
	wg      sync.WaitGroup
}

// New creates a server speaking CoAP over UDP framing (RFC 7252) on a datagram
// transport such as UDPTransport, DTLSTransport or MemoryTransport.
func New(cfg config.Config, transport coapNet.Transport, opts ...Option) (*Server, error) {
	return newServer(cfg, transport, false, opts...)
}

// NewTCP creates a server speaking CoAP over reliable transports (RFC 8323)
// on a stream transport such as TCPTransport.
func NewTCP(cfg config.Config, transport coapNet.Transport, opts ...Option) (*Server, error) {
	return newServer(cfg, transport, true, opts...)
}

func notFound(context.Context, message.Request) (message.Response, error) {
	return message.NewResponse(codes.NotFound), nil
}

func newServer(cfg config.Config, transport coapNet.Transport, stream bool, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: empty transport", config.ErrInvalidConfig)
	}
	o := options{route: notFound}
	for _, opt := range opts {
		opt(&o)
	}
	szx, err := cfg.BlockSZX()
	if err != nil {
		return nil, err
	}
	maxMessageSize, err := math.SafeCastTo[uint32](cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	lf := cfg.LoggerFactory
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		opts:      o,
		transport: transport,
		stream:    stream,
		log:       lf.NewLogger("coap-server"),
		caps: capabilities.NewStorage(capabilities.Capabilities{
			MaxMessageSize:   maxMessageSize,
			BlockSize:        szx,
			BlockwiseEnabled: true,
			BertEnabled:      stream && cfg.BERT,
		}),
		exchanges:     exchange.New(),
		transmissions: transmission.NewRegistry(),
		retransmit: transmission.New(transmission.Params{
			AckTimeout:      cfg.AckTimeout,
			AckRandomFactor: cfg.AckRandomFactor,
			MaxRetransmit:   cfg.MaxRetransmit,
		}),
		mids:          message.NewMessageIDSupplier(),
		observers:     observation.NewManager(observation.ManagerConfig{LoggerFactory: lf, GoPool: cfg.GoPool}),
		subscriptions: observation.NewRegistry(o.receiver, lf),
		congestion:    congestion.New(cfg.MaxOutstandingPerPeer, cfg.MaxOutstandingTotal),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	bwCfg := blockwise.Config{
		Capabilities:  s.caps,
		MaxEntitySize: int(cfg.MaxIncomingEntitySize),
		IdleTimeout:   cfg.BlockTransferIdleTimeout,
		RequestTags:   o.requestTags,
		LoggerFactory: lf,
	}
	s.incoming = blockwise.NewIncoming(bwCfg)
	s.outgoing = blockwise.NewOutgoing(bwCfg)
	if !stream {
		s.dedup = deduplication.New(deduplication.Config{
			Capacity:        cfg.DuplicateCacheCapacity,
			TTL:             cfg.ExchangeLifetime,
			SweepInterval:   cfg.DuplicateSweepInterval,
			WarningInterval: cfg.DuplicateWarningInterval,
			OnDuplicate:     s.onDuplicate,
			LoggerFactory:   lf,
		})
	}
	if o.keepAliveInterval > 0 {
		s.keepAlive = inactivity.NewMonitor(o.keepAliveInterval, o.keepAliveRetries, s.Ping, s.onInactive, cfg.GoPool)
	}
	s.buildPipelines()
	s.observers.Init(s.SendNotification)
	return s, nil
}

func (s *Server) onDuplicate(msg message.Message, peer net.Addr) {
	s.log.Debugf("[%v] duplicate message %v", peer, msg.MessageID)
	if s.opts.metrics != nil {
		s.opts.metrics.DuplicatesTotal.Inc()
	}
}

func (s *Server) metricsFilter(direction string) pipeline.RouteFilter {
	if s.opts.metrics == nil {
		return nil
	}
	return s.opts.metrics.Filter(direction)
}

func (s *Server) buildPipelines() {
	var etag pipeline.RouteFilter
	if s.opts.etag != nil {
		etag = pipeline.ETag(s.opts.etag)
	}
	s.app = pipeline.NewChain(s.opts.filters...).
		Append(etag).
		Then(s.opts.route)

	s.inbound = pipeline.NewChain(pipeline.Rescue(s.log)).
		AndThenIf(s.opts.logRequests, pipeline.Logging(s.log)).
		Append(
			s.metricsFilter(metrics.Inbound),
			pipeline.CriticalOptions(s.opts.recognized...),
			s.observers.Filter(),
			s.incoming.Filter(),
		).
		Then(s.app)

	s.client = pipeline.NewChain(s.congestion.Filter()).
		Append(s.metricsFilter(metrics.Outbound), s.subscriptions.Filter()).
		AndThenIf(s.opts.echo, pipeline.Echo()).
		Append(s.outgoing.Filter(), pipeline.Timeout(s.cfg.ResponseTimeout)).
		Then(s.exchange)
}

// Start starts the transport and the receive loop. The server stops when ctx
// is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if s.stopped.Load() {
		close(s.done)
		return coapErrors.ErrServerStopped
	}
	if notifier, ok := s.transport.(coapNet.ConnectionNotifier); ok && s.stream {
		notifier.SetConnectionHandlers(s.onConnect, s.onConnectionClosed)
	}
	if err := s.transport.Start(ctx); err != nil {
		close(s.done)
		_ = s.Stop()
		return fmt.Errorf("cannot start transport: %w", err)
	}
	runner := periodic.New(s.ctx.Done(), expirationsTick)
	runner.Add(func(now time.Time) bool {
		s.incoming.CheckExpirations(now)
		if s.keepAlive != nil {
			s.keepAlive.CheckInactive(s.ctx, now)
		}
		return true
	})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop()
		case <-s.ctx.Done():
		}
	}()
	go s.serve()
	s.log.Infof("started on %v", s.transport.LocalAddr())
	return nil
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		d, err := s.transport.Receive(s.ctx)
		if err != nil {
			if s.stopped.Load() || s.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, coapNet.ErrTransportClosed) {
				s.log.Errorf("cannot receive: %v", err)
				s.err.Store(err)
			}
			_ = s.Stop()
			return
		}
		if s.keepAlive != nil {
			s.keepAlive.Notify(d.Peer, time.Now())
		}
		s.wg.Add(1)
		err = s.cfg.GoPool(func() {
			defer s.wg.Done()
			s.dispatch(d)
		})
		if err != nil {
			s.wg.Done()
			s.log.Warnf("[%v] dropped message: %v", d.Peer, err)
		}
	}
}

func (s *Server) dispatch(d coapNet.Datagram) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("[%v] panic while processing message: %v\n%s", d.Peer, r, debug.Stack())
		}
	}()
	if s.stream {
		s.dispatchStream(d)
		return
	}
	s.dispatchDatagram(d)
}

func (s *Server) onInactive(peer net.Addr) {
	s.log.Infof("[%v] peer is inactive", peer)
	s.exchanges.Abort(peer, coapErrors.ErrTimeout)
	if s.stream {
		s.closeConnection(peer)
		return
	}
	s.caps.Remove(peer)
}

// Stop stops the server. Pending exchanges fail with ErrServerStopped.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.exchanges.Close(coapErrors.ErrServerStopped)
	s.transmissions.CancelAll()
	if s.dedup != nil {
		s.dedup.Close()
	}
	err := s.transport.Stop()
	s.log.Infof("stopped")
	return err
}

// Wait blocks until the receive loop and every dispatched message finished.
// It returns the receive error that stopped the server, if any.
func (s *Server) Wait() error {
	if !s.started.Load() {
		return nil
	}
	<-s.done
	s.wg.Wait()
	return s.err.Load()
}

func (s *Server) LocalAddr() net.Addr {
	return s.transport.LocalAddr()
}

// Client returns the outbound pipeline. Requests go to req.Peer().
func (s *Server) Client() pipeline.Client {
	return s.client
}

// Observers returns the table of observe relations of this server.
func (s *Server) Observers() *observation.Manager {
	return s.observers
}

// Notify sends a notification to every observer of path. The content comes
// from the route.
func (s *Server) Notify(ctx context.Context, path string) int {
	return s.observers.Notify(ctx, path, s.app)
}

// PeerCapabilities returns what is known about peer.
func (s *Server) PeerCapabilities(peer net.Addr) capabilities.Capabilities {
	return s.caps.Resolve(peer)
}

// SendNotification delivers a notification. Confirmable notifications report
// false when the peer answers with a reset. Large notifications carry only
// their first block.
func (s *Server) SendNotification(ctx context.Context, sep message.SeparateResponse) (bool, error) {
	if s.stopped.Load() {
		return false, coapErrors.ErrServerStopped
	}
	caps := s.caps.Resolve(sep.Peer)
	resp := sep.Response
	if caps.UseBlockwise(len(resp.Payload())) {
		resp = blockwise.FirstBlock(resp, caps)
	}
	msg := resp.Message(sep.Token)
	delivered, err := s.deliverNotification(ctx, msg, sep.Peer, resp.TransportContext())
	if s.opts.metrics != nil {
		s.opts.metrics.NotificationsTotal.WithLabelValues(fmt.Sprint(delivered)).Inc()
	}
	return delivered, err
}

func (s *Server) deliverNotification(ctx context.Context, msg message.Message, peer net.Addr, tctx transportctx.Context) (bool, error) {
	if s.stream {
		err := s.send(ctx, msg, peer, tctx)
		return err == nil, err
	}
	msg.MessageID = s.mids.Next()
	if transportctx.GetOr(tctx, transportctx.NonConfirmable, false) {
		msg.Type = message.NonConfirmable
		err := s.send(ctx, msg, peer, tctx)
		return err == nil, err
	}
	msg.Type = message.Confirmable
	type result struct {
		delivered bool
		err       error
	}
	res := make(chan result, 1)
	complete := func(r result) {
		select {
		case res <- r:
		default:
		}
	}
	err := s.sendConfirmable(ctx, msg, peer, tctx,
		func() { complete(result{delivered: true}) },
		func() { complete(result{delivered: false}) },
		func() { complete(result{err: coapErrors.ErrTimeout}) },
	)
	if err != nil {
		return false, err
	}
	select {
	case r := <-res:
		return r.delivered, r.err
	case <-ctx.Done():
		s.transmissions.Cancel(msg.MessageID, peer)
		return false, ctx.Err()
	}
}

// Ping checks that peer is alive. Over UDP an empty confirmable message is
// answered with a reset; over TCP a Ping signal is answered with Pong.
func (s *Server) Ping(ctx context.Context, peer net.Addr) error {
	if s.stopped.Load() {
		return coapErrors.ErrServerStopped
	}
	if s.stream {
		token, err := message.GetToken()
		if err != nil {
			return fmt.Errorf("cannot generate token: %w", err)
		}
		_, err = s.roundTrip(ctx, message.Message{Code: codes.Ping, Token: token, MessageID: -1, Type: message.Unset}, peer, transportctx.Empty(), false)
		return err
	}
	res := make(chan error, 1)
	complete := func(err error) {
		select {
		case res <- err:
		default:
		}
	}
	msg := message.Message{Code: codes.Empty, MessageID: s.mids.Next(), Type: message.Confirmable}
	err := s.sendConfirmable(ctx, msg, peer, transportctx.Empty(),
		func() { complete(nil) },
		func() { complete(nil) },
		func() { complete(coapErrors.ErrTimeout) },
	)
	if err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		s.transmissions.Cancel(msg.MessageID, peer)
		return ctx.Err()
	}
}
