package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	dtls "github.com/pion/dtls/v2"
	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"go.uber.org/atomic"
)

// DTLSTransportConfig configures a DTLSTransport.
type DTLSTransportConfig struct {
	// Network is "udp", "udp4" or "udp6".
	Network string
	// Addr is the local listen address. Empty means the transport only dials.
	Addr           string
	Config         *dtls.Config
	MaxMessageSize int
	GoPool         func(f func()) error
	LoggerFactory  logging.LoggerFactory
}

// DTLSTransport keeps one DTLS session per peer. Sessions are accepted on the
// listen address or dialed on the first Send to an unknown peer. Datagrams
// received over a session carry the peer's PSK identity and certificates in
// their transport context.
type DTLSTransport struct {
	cfg      DTLSTransportConfig
	listener net.Listener
	sessions *coapSync.Map[string, *dtls.Conn]
	dialMu   sync.Mutex
	queue    datagramQueue
	closed   atomic.Bool
	wg       sync.WaitGroup
	log      logging.LeveledLogger
}

func NewDTLSTransport(cfg DTLSTransportConfig) *DTLSTransport {
	if cfg.Network == "" {
		cfg.Network = "udp"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.GoPool == nil {
		cfg.GoPool = func(f func()) error {
			go f()
			return nil
		}
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Config != nil && cfg.Config.LoggerFactory == nil {
		cfg.Config.LoggerFactory = cfg.LoggerFactory
	}
	return &DTLSTransport{
		cfg:      cfg,
		sessions: coapSync.NewMap[string, *dtls.Conn](),
		queue:    newDatagramQueue(256),
		log:      cfg.LoggerFactory.NewLogger("coap-dtls"),
	}
}

func (t *DTLSTransport) Start(context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cfg.Config == nil {
		return fmt.Errorf("cannot start dtls transport: empty dtls config")
	}
	if t.cfg.Addr == "" {
		return nil
	}
	addr, err := net.ResolveUDPAddr(t.cfg.Network, t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot resolve address %v: %w", t.cfg.Addr, err)
	}
	l, err := dtls.Listen(t.cfg.Network, addr, t.cfg.Config)
	if err != nil {
		return fmt.Errorf("cannot listen on %v: %w", t.cfg.Addr, err)
	}
	t.listener = l
	t.log.Infof("listening on %v", l.Addr())
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *DTLSTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			// failed handshakes are reported per session and the listener keeps running
			t.log.Debugf("cannot accept dtls session: %v", err)
			continue
		}
		conn, ok := c.(*dtls.Conn)
		if !ok {
			_ = c.Close()
			continue
		}
		t.addSession(conn)
	}
}

func (t *DTLSTransport) addSession(conn *dtls.Conn) {
	key := PeerKey(conn.RemoteAddr())
	if old, loaded := t.sessions.LoadOrStore(key, conn); loaded && old != conn {
		t.sessions.Store(key, conn)
		_ = old.Close()
	}
	t.wg.Add(1)
	err := t.cfg.GoPool(func() {
		defer t.wg.Done()
		t.readLoop(conn)
	})
	if err != nil {
		t.wg.Done()
		t.removeSession(conn)
	}
}

func (t *DTLSTransport) removeSession(conn *dtls.Conn) {
	t.sessions.DeleteIf(PeerKey(conn.RemoteAddr()), func(c *dtls.Conn) bool {
		return c == conn
	})
	_ = conn.Close()
}

func sessionContext(conn *dtls.Conn) transportctx.Context {
	state := conn.ConnectionState()
	tctx := transportctx.Empty()
	if len(state.IdentityHint) > 0 {
		tctx = transportctx.With(tctx, transportctx.PSKIdentity, append([]byte(nil), state.IdentityHint...))
	}
	if len(state.PeerCertificates) > 0 {
		tctx = transportctx.With(tctx, transportctx.PeerCertificates, state.PeerCertificates)
	}
	return tctx
}

func (t *DTLSTransport) readLoop(conn *dtls.Conn) {
	defer t.removeSession(conn)
	tctx := sessionContext(conn)
	for {
		buf := make([]byte, t.cfg.MaxMessageSize)
		n, err := conn.Read(buf)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, net.ErrClosed) {
				t.log.Debugf("dtls session with %v closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if !t.queue.push(Datagram{Data: buf[:n], Peer: conn.RemoteAddr(), Context: tctx}) {
			return
		}
	}
}

func (t *DTLSTransport) session(ctx context.Context, peer net.Addr) (*dtls.Conn, error) {
	if conn, ok := t.sessions.Load(PeerKey(peer)); ok {
		return conn, nil
	}
	raddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("cannot dial %v(%T): %w", peer, peer, ErrInvalidPeer)
	}
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if conn, ok := t.sessions.Load(PeerKey(peer)); ok {
		return conn, nil
	}
	conn, err := dtls.DialWithContext(ctx, t.cfg.Network, raddr, t.cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", raddr, err)
	}
	t.addSession(conn)
	return conn, nil
}

func (t *DTLSTransport) Send(ctx context.Context, d Datagram) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(d.Data) > t.cfg.MaxMessageSize {
		return fmt.Errorf("cannot send %v bytes to %v: %w", len(d.Data), d.Peer, ErrDatagramTooLarge)
	}
	conn, err := t.session(ctx, d.Peer)
	if err != nil {
		return err
	}
	if _, err = conn.Write(d.Data); err != nil {
		return fmt.Errorf("cannot write to %v: %w", d.Peer, err)
	}
	return nil
}

func (t *DTLSTransport) Receive(ctx context.Context) (Datagram, error) {
	return t.queue.pop(ctx)
}

func (t *DTLSTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *DTLSTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.queue.close()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, conn := range t.sessions.PullOutAll() {
		_ = conn.Close()
	}
	t.wg.Wait()
	return err
}
