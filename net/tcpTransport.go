package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapSync "github.com/plgd-dev/go-coap-engine/pkg/sync"
	"github.com/plgd-dev/go-coap-engine/tcp/coder"
	"go.uber.org/atomic"
)

// ConnectionNotifier is implemented by stream transports that report the
// life cycle of their connections.
type ConnectionNotifier interface {
	SetConnectionHandlers(onConnect, onClose func(peer net.Addr))
}

// TCPTransportConfig configures a TCPTransport.
type TCPTransportConfig struct {
	// Network is "tcp", "tcp4" or "tcp6".
	Network string
	// Addr is the local listen address. Empty means the transport only dials.
	Addr           string
	MaxMessageSize int
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
	GoPool         func(f func()) error
	LoggerFactory  logging.LoggerFactory
}

type tcpConn struct {
	conn    net.Conn
	id      string
	writeMu sync.Mutex
}

func (c *tcpConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("cannot set write deadline for connection: %w", err)
	}
	_, err := c.conn.Write(data)
	return err
}

// TCPTransport carries RFC 8323 frames over TCP connections. Every Datagram
// holds exactly one frame and carries transportctx.ConnectionID.
type TCPTransport struct {
	cfg      TCPTransportConfig
	listener net.Listener
	conns    *coapSync.Map[string, *tcpConn]
	dialMu   sync.Mutex
	nextID   atomic.Uint64
	queue    datagramQueue
	closed   atomic.Bool
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	handlersMu sync.RWMutex
	onConnect  func(peer net.Addr)
	onClose    func(peer net.Addr)
}

func NewTCPTransport(cfg TCPTransportConfig) *TCPTransport {
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
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
	return &TCPTransport{
		cfg:   cfg,
		conns: coapSync.NewMap[string, *tcpConn](),
		queue: newDatagramQueue(256),
		log:   cfg.LoggerFactory.NewLogger("coap-tcp"),
	}
}

func (t *TCPTransport) SetConnectionHandlers(onConnect, onClose func(peer net.Addr)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.onConnect = onConnect
	t.onClose = onClose
}

func (t *TCPTransport) handlers() (func(net.Addr), func(net.Addr)) {
	t.handlersMu.RLock()
	defer t.handlersMu.RUnlock()
	return t.onConnect, t.onClose
}

func (t *TCPTransport) Start(context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if t.cfg.Addr == "" {
		return nil
	}
	l, err := net.Listen(t.cfg.Network, t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %v: %w", t.cfg.Addr, err)
	}
	t.listener = l
	t.log.Infof("listening on %v", l.Addr())
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.listener.Accept()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warnf("cannot accept connection: %v", err)
			continue
		}
		t.addConn(c)
	}
}

func (t *TCPTransport) addConn(c net.Conn) *tcpConn {
	conn := &tcpConn{conn: c, id: "tcp-" + strconv.FormatUint(t.nextID.Inc(), 10)}
	key := PeerKey(c.RemoteAddr())
	if old, loaded := t.conns.LoadOrStore(key, conn); loaded {
		t.conns.Store(key, conn)
		_ = old.conn.Close()
	}
	t.wg.Add(1)
	err := t.cfg.GoPool(func() {
		defer t.wg.Done()
		t.readLoop(conn)
	})
	if err != nil {
		t.wg.Done()
		t.removeConn(conn)
		return conn
	}
	if onConnect, _ := t.handlers(); onConnect != nil {
		onConnect(c.RemoteAddr())
	}
	return conn
}

func (t *TCPTransport) removeConn(conn *tcpConn) {
	removed := t.conns.DeleteIf(PeerKey(conn.conn.RemoteAddr()), func(c *tcpConn) bool {
		return c == conn
	})
	_ = conn.conn.Close()
	if !removed {
		return
	}
	if _, onClose := t.handlers(); onClose != nil {
		onClose(conn.conn.RemoteAddr())
	}
}

// readFrame reads exactly one frame. The header is peeked byte by byte until
// it is complete, then the whole frame is read.
func readFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	var hdr coder.MessageHeader
	for n := 1; ; n++ {
		b, err := r.Peek(n)
		if err != nil {
			return nil, err
		}
		_, err = coder.DefaultCoder.DecodeHeader(b, &hdr)
		if err == nil {
			break
		}
		if !errors.Is(err, message.ErrShortRead) {
			return nil, err
		}
	}
	if int(hdr.MessageLength) > maxSize {
		return nil, fmt.Errorf("frame of %v bytes: %w", hdr.MessageLength, ErrDatagramTooLarge)
	}
	frame := make([]byte, hdr.MessageLength)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *TCPTransport) readLoop(conn *tcpConn) {
	defer t.removeConn(conn)
	r := bufio.NewReaderSize(conn.conn, 4096)
	tctx := transportctx.With(transportctx.Empty(), transportctx.ConnectionID, conn.id)
	for {
		frame, err := readFrame(r, t.cfg.MaxMessageSize)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Debugf("connection %v with %v closed: %v", conn.id, conn.conn.RemoteAddr(), err)
			}
			return
		}
		if !t.queue.push(Datagram{Data: frame, Peer: conn.conn.RemoteAddr(), Context: tctx}) {
			return
		}
	}
}

func (t *TCPTransport) connection(ctx context.Context, peer net.Addr) (*tcpConn, error) {
	if conn, ok := t.conns.Load(PeerKey(peer)); ok {
		return conn, nil
	}
	if _, ok := peer.(*net.TCPAddr); !ok {
		return nil, fmt.Errorf("cannot dial %v(%T): %w", peer, peer, ErrInvalidPeer)
	}
	t.dialMu.Lock()
	defer t.dialMu.Unlock()
	if conn, ok := t.conns.Load(PeerKey(peer)); ok {
		return conn, nil
	}
	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	c, err := d.DialContext(ctx, t.cfg.Network, peer.String())
	if err != nil {
		return nil, fmt.Errorf("cannot dial %v: %w", peer, err)
	}
	return t.addConn(c), nil
}

func (t *TCPTransport) Send(ctx context.Context, d Datagram) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if len(d.Data) > t.cfg.MaxMessageSize {
		return fmt.Errorf("cannot send %v bytes to %v: %w", len(d.Data), d.Peer, ErrDatagramTooLarge)
	}
	conn, err := t.connection(ctx, d.Peer)
	if err != nil {
		return err
	}
	if err = conn.write(d.Data, t.cfg.WriteTimeout); err != nil {
		t.removeConn(conn)
		return fmt.Errorf("cannot write to %v: %w", d.Peer, err)
	}
	return nil
}

// CloseConnection closes the connection with peer.
func (t *TCPTransport) CloseConnection(peer net.Addr) error {
	conn, ok := t.conns.Load(PeerKey(peer))
	if !ok {
		return fmt.Errorf("cannot close connection with %v: %w", peer, ErrUnknownPeer)
	}
	t.removeConn(conn)
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) (Datagram, error) {
	return t.queue.pop(ctx)
}

func (t *TCPTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.queue.close()
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for _, conn := range t.conns.PullOutAll() {
		_ = conn.conn.Close()
	}
	t.wg.Wait()
	return err
}
