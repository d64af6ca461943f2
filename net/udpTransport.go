package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"go.uber.org/atomic"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ControlMessage carries the per-packet addressing of a datagram.
type ControlMessage struct {
	Dst     net.IP // destination address of the packet
	Src     net.IP // source address of the packet
	IfIndex int    // interface index, 0 means any interface
}

type packetConn interface {
	SetWriteDeadline(t time.Time) error
	WriteTo(b []byte, cm *ControlMessage, dst net.Addr) (n int, err error)
	ReadFrom(b []byte) (n int, cm *ControlMessage, src net.Addr, err error)
}

type packetConnIPv4 struct {
	packetConn             *ipv4.PacketConn
	supportsControlMessage bool
}

func newPacketConnIPv4(p *ipv4.PacketConn) *packetConnIPv4 {
	if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
		return &packetConnIPv4{packetConn: p}
	}
	return &packetConnIPv4{packetConn: p, supportsControlMessage: true}
}

func (p *packetConnIPv4) SetWriteDeadline(t time.Time) error {
	return p.packetConn.SetWriteDeadline(t)
}

func (p *packetConnIPv4) WriteTo(b []byte, cm *ControlMessage, dst net.Addr) (int, error) {
	var c *ipv4.ControlMessage
	if cm != nil && p.supportsControlMessage {
		c = &ipv4.ControlMessage{
			Src:     cm.Src,
			IfIndex: cm.IfIndex,
		}
	}
	return p.packetConn.WriteTo(b, c, dst)
}

func (p *packetConnIPv4) ReadFrom(b []byte) (int, *ControlMessage, net.Addr, error) {
	n, cm, src, err := p.packetConn.ReadFrom(b)
	if err != nil {
		return -1, nil, nil, err
	}
	var controlMessage *ControlMessage
	if p.supportsControlMessage && cm != nil {
		controlMessage = &ControlMessage{
			Dst:     cm.Dst,
			Src:     cm.Src,
			IfIndex: cm.IfIndex,
		}
	}
	return n, controlMessage, src, nil
}

type packetConnIPv6 struct {
	packetConn             *ipv6.PacketConn
	supportsControlMessage bool
}

func newPacketConnIPv6(p *ipv6.PacketConn) *packetConnIPv6 {
	if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
		return &packetConnIPv6{packetConn: p}
	}
	return &packetConnIPv6{packetConn: p, supportsControlMessage: true}
}

func (p *packetConnIPv6) SetWriteDeadline(t time.Time) error {
	return p.packetConn.SetWriteDeadline(t)
}

func (p *packetConnIPv6) WriteTo(b []byte, cm *ControlMessage, dst net.Addr) (int, error) {
	var c *ipv6.ControlMessage
	if cm != nil && p.supportsControlMessage {
		c = &ipv6.ControlMessage{
			Src:     cm.Src,
			IfIndex: cm.IfIndex,
		}
	}
	return p.packetConn.WriteTo(b, c, dst)
}

func (p *packetConnIPv6) ReadFrom(b []byte) (int, *ControlMessage, net.Addr, error) {
	n, cm, src, err := p.packetConn.ReadFrom(b)
	if err != nil {
		return -1, nil, nil, err
	}
	var controlMessage *ControlMessage
	if p.supportsControlMessage && cm != nil {
		controlMessage = &ControlMessage{
			Dst:     cm.Dst,
			Src:     cm.Src,
			IfIndex: cm.IfIndex,
		}
	}
	return n, controlMessage, src, nil
}

// IsIPv6 reports whether addr is an IPv6 address.
func IsIPv6(addr net.IP) bool {
	if ip := addr.To16(); ip != nil && ip.To4() == nil {
		return true
	}
	return false
}

func newPacketConn(c *net.UDPConn) (packetConn, error) {
	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("invalid address type(%T), UDP address expected", c.LocalAddr())
	}
	if IsIPv6(addr.IP) {
		return newPacketConnIPv6(ipv6.NewPacketConn(c)), nil
	}
	return newPacketConnIPv4(ipv4.NewPacketConn(c)), nil
}

// UDPTransportConfig configures a UDPTransport.
type UDPTransportConfig struct {
	// Network is "udp", "udp4" or "udp6".
	Network string
	// Addr is the local listen address.
	Addr string
	// MaxMessageSize bounds the read buffer.
	MaxMessageSize int
	// WriteTimeout bounds a single write.
	WriteTimeout  time.Duration
	LoggerFactory logging.LoggerFactory
}

// UDPTransport sends and receives CoAP datagrams over a UDP socket. Replies
// carrying transportctx.DestinationIP leave from the address the request
// arrived on.
type UDPTransport struct {
	cfg        UDPTransportConfig
	connection *net.UDPConn
	packetConn packetConn
	closed     atomic.Bool
	log        logging.LeveledLogger
}

func NewUDPTransport(cfg UDPTransportConfig) *UDPTransport {
	if cfg.Network == "" {
		cfg.Network = "udp"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &UDPTransport{
		cfg: cfg,
		log: cfg.LoggerFactory.NewLogger("coap-udp"),
	}
}

func (t *UDPTransport) Start(context.Context) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	addr, err := net.ResolveUDPAddr(t.cfg.Network, t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot resolve address %v: %w", t.cfg.Addr, err)
	}
	conn, err := net.ListenUDP(t.cfg.Network, addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %v: %w", t.cfg.Addr, err)
	}
	pc, err := newPacketConn(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	t.connection = conn
	t.packetConn = pc
	t.log.Infof("listening on %v", conn.LocalAddr())
	return nil
}

func (t *UDPTransport) Stop() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.connection == nil {
		return nil
	}
	return t.connection.Close()
}

func (t *UDPTransport) LocalAddr() net.Addr {
	if t.connection == nil {
		return nil
	}
	return t.connection.LocalAddr()
}

func (t *UDPTransport) Send(ctx context.Context, d Datagram) error {
	if t.closed.Load() || t.connection == nil {
		return ErrTransportClosed
	}
	raddr, ok := d.Peer.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("cannot send to %v(%T): %w", d.Peer, d.Peer, ErrInvalidPeer)
	}
	if len(d.Data) > t.cfg.MaxMessageSize {
		return fmt.Errorf("cannot send %v bytes to %v: %w", len(d.Data), raddr, ErrDatagramTooLarge)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var cm *ControlMessage
	if src, ok := transportctx.Get(d.Context, transportctx.DestinationIP); ok && !src.IsMulticast() {
		cm = &ControlMessage{Src: src}
	}
	if err := t.packetConn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("cannot set write deadline for udp connection: %w", err)
	}
	n, err := t.packetConn.WriteTo(d.Data, cm, raddr)
	if err != nil {
		return fmt.Errorf("cannot write to %v: %w", raddr, err)
	}
	if n != len(d.Data) {
		return fmt.Errorf("cannot write to %v: partial write %v of %v bytes", raddr, n, len(d.Data))
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	default:
	}
	if t.closed.Load() || t.connection == nil {
		return Datagram{}, ErrTransportClosed
	}
	buf := make([]byte, t.cfg.MaxMessageSize)
	n, cm, src, err := t.packetConn.ReadFrom(buf)
	if err != nil {
		if t.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Datagram{}, ErrTransportClosed
		}
		return Datagram{}, fmt.Errorf("cannot read from udp connection: %w", err)
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return Datagram{}, fmt.Errorf("cannot read from udp connection: invalid srcAddr type %T", src)
	}
	tctx := transportctx.Empty()
	if cm != nil {
		if cm.Dst != nil {
			tctx = transportctx.With(tctx, transportctx.DestinationIP, cm.Dst)
		}
		if cm.IfIndex > 0 {
			tctx = transportctx.With(tctx, transportctx.InterfaceIndex, cm.IfIndex)
		}
	}
	return Datagram{Data: buf[:n], Peer: udpAddr, Context: tctx}, nil
}
