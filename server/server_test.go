package server_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	"github.com/plgd-dev/go-coap-engine/net/observation"
	"github.com/plgd-dev/go-coap-engine/options/config"
	"github.com/plgd-dev/go-coap-engine/pipeline"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	"github.com/plgd-dev/go-coap-engine/pkg/metrics"
	"github.com/plgd-dev/go-coap-engine/server"
	udpCoder "github.com/plgd-dev/go-coap-engine/udp/coder"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	serverAddr = coapNet.MemoryAddr("server")
	clientAddr = coapNet.MemoryAddr("client")
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.AckRandomFactor = 1
	cfg.ResponseTimeout = 5 * time.Second
	return cfg
}

func body(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func start(t *testing.T, s *server.Server) {
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Stop()
		require.NoError(t, s.Wait())
	})
}

// newPair connects a server and a client over an in-memory link.
func newPair(t *testing.T, srvCfg, cliCfg config.Config, srvOpts, cliOpts []server.Option) (*server.Server, *server.Server) {
	st, ct := coapNet.NewMemoryPair(string(serverAddr), string(clientAddr))
	srv, err := server.New(srvCfg, st, srvOpts...)
	require.NoError(t, err)
	cli, err := server.New(cliCfg, ct, cliOpts...)
	require.NoError(t, err)
	start(t, srv)
	start(t, cli)
	return srv, cli
}

// newRawPeer connects a client to a transport driven directly by the test.
func newRawPeer(t *testing.T, cfg config.Config, opts ...server.Option) (*server.Server, *coapNet.MemoryTransport) {
	raw, ct := coapNet.NewMemoryPair(string(serverAddr), string(clientAddr))
	cli, err := server.New(cfg, ct, opts...)
	require.NoError(t, err)
	start(t, cli)
	t.Cleanup(func() { _ = raw.Stop() })
	return cli, raw
}

func receive(t *testing.T, tr coapNet.Transport, timeout time.Duration) (message.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d, err := tr.Receive(ctx)
	if err != nil {
		return message.Message{}, err
	}
	var msg message.Message
	_, err = udpCoder.DefaultCoder.Decode(d.Data, &msg)
	require.NoError(t, err)
	return msg, nil
}

func sendRaw(t *testing.T, tr coapNet.Transport, msg message.Message) {
	data, err := udpCoder.DefaultCoder.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), coapNet.Datagram{Data: data, Peer: clientAddr}))
}

func routeFunc(f func(req message.Request) message.Response) pipeline.Route {
	return func(_ context.Context, req message.Request) (message.Response, error) {
		return f(req), nil
	}
}

func newRequest(t *testing.T, method codes.Code, path string) message.Request {
	req, err := message.NewRequest(method, path, serverAddr)
	require.NoError(t, err)
	return req
}

func TestGetLargeResource(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 16
	large := body(2000)
	route := routeFunc(func(req message.Request) message.Response {
		if req.Path() != "/large" {
			return message.NewResponse(codes.NotFound)
		}
		return message.NewResponse(codes.Content).WithPayload(large)
	})
	_, cli := newPair(t, cfg, cfg, []server.Option{server.WithRoute(route)}, nil)

	resp, err := cli.Client()(context.Background(), newRequest(t, codes.GET, "/large"))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, large, resp.Payload())

	resp, err = cli.Client()(context.Background(), newRequest(t, codes.GET, "/missing"))
	require.NoError(t, err)
	require.Equal(t, codes.NotFound, resp.Code())
}

func TestPutReassembled(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 16
	var got atomic.Value
	route := routeFunc(func(req message.Request) message.Response {
		got.Store(append([]byte(nil), req.Payload()...))
		return message.NewResponse(codes.Changed)
	})
	_, cli := newPair(t, cfg, cfg, []server.Option{server.WithRoute(route)}, nil)

	payload := body(100)
	resp, err := cli.Client()(context.Background(), newRequest(t, codes.PUT, "/upload").WithPayload(payload))
	require.NoError(t, err)
	require.Equal(t, codes.Changed, resp.Code())
	require.Equal(t, payload, got.Load())
}

func TestPutEntityTooLarge(t *testing.T) {
	srvCfg := testConfig()
	srvCfg.BlockSize = 16
	srvCfg.MaxIncomingEntitySize = 32
	cliCfg := testConfig()
	cliCfg.BlockSize = 16
	var calls atomic.Int32
	route := routeFunc(func(message.Request) message.Response {
		calls.Inc()
		return message.NewResponse(codes.Changed)
	})
	_, cli := newPair(t, srvCfg, cliCfg, []server.Option{server.WithRoute(route)}, nil)

	resp, err := cli.Client()(context.Background(), newRequest(t, codes.PUT, "/upload").WithPayload(body(33)))
	require.NoError(t, err)
	require.Equal(t, codes.RequestEntityTooLarge, resp.Code())
	size1, err := resp.Options().GetUint32(message.Size1)
	require.NoError(t, err)
	require.Equal(t, uint32(32), size1)
	require.Equal(t, int32(0), calls.Load())
}

func TestDuplicateRequestIsAnsweredFromCache(t *testing.T) {
	var calls atomic.Int32
	route := routeFunc(func(message.Request) message.Response {
		calls.Inc()
		return message.NewResponse(codes.Content).WithPayload([]byte("once"))
	})
	st, raw := coapNet.NewMemoryPair(string(serverAddr), string(clientAddr))
	srv, err := server.New(testConfig(), st, server.WithRoute(route))
	require.NoError(t, err)
	start(t, srv)

	opts, err := message.Options{}.SetPath("/a")
	require.NoError(t, err)
	req := message.Message{Code: codes.GET, Type: message.Confirmable, MessageID: 7, Token: message.Token("t1"), Options: opts}
	data, err := udpCoder.DefaultCoder.Marshal(req)
	require.NoError(t, err)

	var replies []message.Message
	for i := 0; i < 2; i++ {
		require.NoError(t, raw.Send(context.Background(), coapNet.Datagram{Data: data, Peer: serverAddr}))
		msg, err := receive(t, raw, time.Second)
		require.NoError(t, err)
		replies = append(replies, msg)
	}
	require.Equal(t, int32(1), calls.Load())
	for _, r := range replies {
		require.Equal(t, message.Acknowledgement, r.Type)
		require.Equal(t, int32(7), r.MessageID)
		require.Equal(t, codes.Content, r.Code)
		require.Equal(t, []byte("once"), r.Payload)
	}
}

func TestMalformedConfirmableGetsReset(t *testing.T) {
	st, raw := coapNet.NewMemoryPair(string(serverAddr), string(clientAddr))
	srv, err := server.New(testConfig(), st)
	require.NoError(t, err)
	start(t, srv)

	// CON, token length 9 is invalid
	data := []byte{0x49, byte(codes.GET), 0x12, 0x34}
	require.NoError(t, raw.Send(context.Background(), coapNet.Datagram{Data: data, Peer: serverAddr}))
	msg, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.Equal(t, message.Reset, msg.Type)
	require.Equal(t, int32(0x1234), msg.MessageID)
}

func TestConfirmableRequestTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxRetransmit = 2
	cli, raw := newRawPeer(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Client()(context.Background(), newRequest(t, codes.GET, "/silent"))
		errCh <- err
	}()
	var mids []int32
	for i := 0; i < 3; i++ {
		msg, err := receive(t, raw, time.Second)
		require.NoError(t, err)
		require.Equal(t, message.Confirmable, msg.Type)
		mids = append(mids, msg.MessageID)
	}
	require.Equal(t, mids[0], mids[1])
	require.Equal(t, mids[0], mids[2])

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, coapErrors.ErrTimeout)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "request did not time out")
	}
	_, err := receive(t, raw, 200*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSeparateResponse(t *testing.T) {
	cli, raw := newRawPeer(t, testConfig())

	respCh := make(chan message.Response, 1)
	go func() {
		resp, err := cli.Client()(context.Background(), newRequest(t, codes.GET, "/slow"))
		if err == nil {
			respCh <- resp
		}
	}()
	req, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.Equal(t, message.Confirmable, req.Type)
	sendRaw(t, raw, message.Message{Code: codes.Empty, Type: message.Acknowledgement, MessageID: req.MessageID})
	sendRaw(t, raw, message.Message{Code: codes.Content, Type: message.Confirmable, MessageID: 100, Token: req.Token, Payload: []byte("late")})

	ack, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.Equal(t, message.Acknowledgement, ack.Type)
	require.Equal(t, codes.Empty, ack.Code)
	require.Equal(t, int32(100), ack.MessageID)

	select {
	case resp := <-respCh:
		require.Equal(t, codes.Content, resp.Code())
		require.Equal(t, []byte("late"), resp.Payload())
	case <-time.After(2 * time.Second):
		require.FailNow(t, "separate response was not delivered")
	}
}

func TestUnexpectedResponseGetsReset(t *testing.T) {
	_, raw := newRawPeer(t, testConfig())

	sendRaw(t, raw, message.Message{Code: codes.Content, Type: message.Confirmable, MessageID: 55, Token: message.Token("orphan")})
	msg, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.Equal(t, message.Reset, msg.Type)
	require.Equal(t, int32(55), msg.MessageID)
}

func TestPing(t *testing.T) {
	_, cli := newPair(t, testConfig(), testConfig(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.Ping(ctx, serverAddr))
}

// newFilteredPeer is newRawPeer with access to the client side transport.
func newFilteredPeer(t *testing.T, cfg config.Config, opts ...server.Option) (*server.Server, *coapNet.MemoryTransport, *coapNet.MemoryTransport) {
	raw, ct := coapNet.NewMemoryPair(string(serverAddr), string(clientAddr))
	cli, err := server.New(cfg, ct, opts...)
	require.NoError(t, err)
	start(t, cli)
	t.Cleanup(func() { _ = raw.Stop() })
	return cli, raw, ct
}

func TestPingResetBeforeSendReturns(t *testing.T) {
	cli, raw, ct := newFilteredPeer(t, testConfig())

	var copies atomic.Int32
	ct.SetDropFilter(func(d coapNet.Datagram) bool {
		copies.Inc()
		var msg message.Message
		_, err := udpCoder.DefaultCoder.Decode(d.Data, &msg)
		require.NoError(t, err)
		sendRaw(t, raw, message.Message{Code: codes.Empty, Type: message.Reset, MessageID: msg.MessageID})
		// let the receive loop handle the reset while Send is still running
		time.Sleep(50 * time.Millisecond)
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	require.NoError(t, cli.Ping(ctx, serverAddr))
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int32(1), copies.Load())
}

func TestStopDuringConfirmableSend(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	m := metrics.New("test")
	cli, _, ct := newFilteredPeer(t, cfg, server.WithMetrics(m))

	ct.SetDropFilter(func(coapNet.Datagram) bool {
		require.NoError(t, cli.Stop())
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, cli.Ping(ctx, serverAddr))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(m.RetransmissionsTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(m.TimeoutsTotal))
}

func TestStopFailsPendingRequests(t *testing.T) {
	cli, raw := newRawPeer(t, testConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := cli.Client()(context.Background(), newRequest(t, codes.GET, "/pending"))
		errCh <- err
	}()
	_, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.NoError(t, cli.Stop())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, coapErrors.ErrServerStopped)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "pending request was not failed")
	}
	_, err = cli.Client()(context.Background(), newRequest(t, codes.GET, "/after"))
	require.ErrorIs(t, err, coapErrors.ErrServerStopped)
}

func TestObserve(t *testing.T) {
	var value atomic.String
	value.Store("20")
	route := routeFunc(func(message.Request) message.Response {
		return message.NewResponse(codes.Content).WithPayload([]byte(value.Load()))
	})
	notifications := make(chan message.SeparateResponse, 4)
	receiver := observation.NotificationsReceiverFunc(func(_ string, n message.SeparateResponse) bool {
		notifications <- n
		return true
	})
	srv, cli := newPair(t, testConfig(), testConfig(),
		[]server.Option{server.WithRoute(route)},
		[]server.Option{server.WithNotificationsReceiver(receiver)},
	)

	req := newRequest(t, codes.GET, "/temp")
	resp, err := cli.Client()(context.Background(), req.WithOptions(req.Options().SetObserve(0)))
	require.NoError(t, err)
	seq, ok := resp.Observe()
	require.True(t, ok)
	require.Equal(t, uint32(0), seq)
	require.Equal(t, 1, srv.Observers().Len())

	for i, v := range []string{"21", "22"} {
		value.Store(v)
		require.Equal(t, 1, srv.Notify(context.Background(), "/temp"))
		select {
		case n := <-notifications:
			require.Equal(t, []byte(v), n.Response.Payload())
			seq, ok := n.Response.Observe()
			require.True(t, ok)
			require.Equal(t, uint32(i+1), seq)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "notification was not delivered")
		}
	}

	resp, err = cli.Client()(context.Background(), req.WithOptions(req.Options().SetObserve(1)))
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, 0, srv.Observers().Len())
	require.Equal(t, 0, srv.Notify(context.Background(), "/temp"))
}

func TestObserveLargeNotification(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 16
	var value atomic.Value
	value.Store(body(40))
	route := routeFunc(func(message.Request) message.Response {
		return message.NewResponse(codes.Content).WithPayload(value.Load().([]byte))
	})
	notifications := make(chan message.SeparateResponse, 4)
	receiver := observation.NotificationsReceiverFunc(func(_ string, n message.SeparateResponse) bool {
		notifications <- n
		return true
	})
	srv, cli := newPair(t, cfg, cfg,
		[]server.Option{server.WithRoute(route), server.WithETag(message.CalcETag)},
		[]server.Option{server.WithNotificationsReceiver(receiver)},
	)

	req := newRequest(t, codes.GET, "/blob")
	resp, err := cli.Client()(context.Background(), req.WithOptions(req.Options().SetObserve(0)))
	require.NoError(t, err)
	require.Equal(t, body(40), resp.Payload())

	next := bytes.Repeat([]byte{7}, 50)
	value.Store(next)
	require.Equal(t, 1, srv.Notify(context.Background(), "/blob"))
	select {
	case n := <-notifications:
		require.Equal(t, next, n.Response.Payload())
		require.False(t, n.Response.Options().HasOption(message.Block2))
	case <-time.After(2 * time.Second):
		require.FailNow(t, "notification was not delivered")
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.New("test")
	_, cli := newPair(t, testConfig(), testConfig(),
		[]server.Option{server.WithRoute(routeFunc(func(message.Request) message.Response {
			return message.NewResponse(codes.Content)
		}))},
		[]server.Option{server.WithMetrics(m)},
	)
	_, err := cli.Client()(context.Background(), newRequest(t, codes.GET, "/a"))
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(metrics.Outbound, codes.GET.String(), codes.Content.String())))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.PendingExchanges) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BlockSize = 100
	st, _ := coapNet.NewMemoryPair("a", "b")
	_, err := server.New(cfg, st)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func newTCPServer(t *testing.T, addr string, opts ...server.Option) *server.Server {
	tr := coapNet.NewTCPTransport(coapNet.TCPTransportConfig{Network: "tcp", Addr: addr})
	s, err := server.NewTCP(testConfig(), tr, opts...)
	require.NoError(t, err)
	start(t, s)
	return s
}

func TestTCP(t *testing.T) {
	large := body(3000)
	srv := newTCPServer(t, "127.0.0.1:0", server.WithRoute(routeFunc(func(message.Request) message.Response {
		return message.NewResponse(codes.Content).WithPayload(large)
	})))
	cli := newTCPServer(t, "")

	addr := srv.LocalAddr().(*net.TCPAddr)
	req, err := message.NewRequest(codes.GET, "/large", addr)
	require.NoError(t, err)
	resp, err := cli.Client()(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, codes.Content, resp.Code())
	require.Equal(t, large, resp.Payload())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cli.Ping(ctx, addr))
}

func TestKeepAlivePingsSilentPeer(t *testing.T) {
	cli, raw := newRawPeer(t, testConfig(), server.WithKeepAlive(100*time.Millisecond, 1))

	opts, err := message.Options{}.SetPath("/a")
	require.NoError(t, err)
	sendRaw(t, raw, message.Message{Code: codes.GET, Type: message.NonConfirmable, MessageID: 1, Token: message.Token("k"), Options: opts})
	reply, err := receive(t, raw, time.Second)
	require.NoError(t, err)
	require.Equal(t, codes.NotFound, reply.Code)
	require.Equal(t, message.NonConfirmable, reply.Type)

	ping, err := receive(t, raw, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ping.IsPing())
	require.NotNil(t, cli)
}
