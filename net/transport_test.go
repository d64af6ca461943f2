package net

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	dtls "github.com/pion/dtls/v2"
	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"github.com/plgd-dev/go-coap-engine/tcp/coder"
	"github.com/stretchr/testify/require"
)

func TestMemoryPair(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data := []byte{1, 2, 3}
	require.NoError(t, a.Send(ctx, Datagram{Data: data, Peer: b.LocalAddr()}))
	data[0] = 9
	d, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, d.Data)
	require.Equal(t, "a", d.Peer.String())

	err = a.Send(ctx, Datagram{Data: data, Peer: MemoryAddr("c")})
	require.ErrorIs(t, err, ErrUnknownPeer)

	a.SetDropFilter(func(Datagram) bool { return true })
	require.NoError(t, a.Send(ctx, Datagram{Data: data, Peer: b.LocalAddr()}))
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	_, err = b.Receive(shortCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Stop())
	_, err = b.Receive(ctx)
	require.ErrorIs(t, err, ErrTransportClosed)
	require.ErrorIs(t, b.Send(ctx, Datagram{Data: data, Peer: a.LocalAddr()}), ErrTransportClosed)
}

func testFrame(t *testing.T, payload []byte) []byte {
	frame, err := coder.DefaultCoder.Marshal(message.Message{
		Token:     []byte{1, 2},
		Code:      codes.POST,
		Payload:   payload,
		MessageID: -1,
		Type:      message.Unset,
	})
	require.NoError(t, err)
	return frame
}

func TestReadFrame(t *testing.T) {
	small := testFrame(t, []byte("hello"))
	large := testFrame(t, bytes.Repeat([]byte{7}, 1000))
	stream := append(append([]byte(nil), small...), large...)
	r := bufio.NewReader(bytes.NewReader(stream))

	f, err := readFrame(r, 2048)
	require.NoError(t, err)
	require.Equal(t, small, f)
	f, err = readFrame(r, 2048)
	require.NoError(t, err)
	require.Equal(t, large, f)
	_, err = readFrame(r, 2048)
	require.Error(t, err)

	r = bufio.NewReader(bytes.NewReader(large))
	_, err = readFrame(r, 100)
	require.ErrorIs(t, err, ErrDatagramTooLarge)
}

func TestUDPTransportLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server := NewUDPTransport(UDPTransportConfig{Network: "udp4", Addr: "127.0.0.1:0"})
	require.NoError(t, server.Start(ctx))
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client := NewUDPTransport(UDPTransportConfig{Network: "udp4", Addr: "127.0.0.1:0"})
	require.NoError(t, client.Start(ctx))
	defer func() {
		require.NoError(t, client.Stop())
	}()

	require.NoError(t, client.Send(ctx, Datagram{Data: []byte("ping"), Peer: server.LocalAddr()}))
	d, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), d.Data)
	require.Equal(t, client.LocalAddr().String(), d.Peer.String())

	require.NoError(t, server.Send(ctx, Datagram{Data: []byte("pong"), Peer: d.Peer, Context: d.Context}))
	d, err = client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), d.Data)

	err = client.Send(ctx, Datagram{Data: []byte("x"), Peer: MemoryAddr("m")})
	require.ErrorIs(t, err, ErrInvalidPeer)
}

func TestUDPTransportStopUnblocksReceive(t *testing.T) {
	tr := NewUDPTransport(UDPTransportConfig{Network: "udp4", Addr: "127.0.0.1:0"})
	require.NoError(t, tr.Start(context.Background()))
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Receive(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Stop())
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		require.FailNow(t, "receive was not unblocked")
	}
}

func TestTCPTransportLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server := NewTCPTransport(TCPTransportConfig{Network: "tcp4", Addr: "127.0.0.1:0"})
	connected := make(chan net.Addr, 1)
	closed := make(chan net.Addr, 1)
	server.SetConnectionHandlers(func(peer net.Addr) { connected <- peer }, func(peer net.Addr) { closed <- peer })
	require.NoError(t, server.Start(ctx))
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client := NewTCPTransport(TCPTransportConfig{Network: "tcp4"})
	require.NoError(t, client.Start(ctx))
	defer func() {
		require.NoError(t, client.Stop())
	}()

	frame := testFrame(t, bytes.Repeat([]byte{1}, 300))
	require.NoError(t, client.Send(ctx, Datagram{Data: frame, Peer: server.LocalAddr()}))
	d, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, frame, d.Data)
	id, ok := transportctx.Get(d.Context, transportctx.ConnectionID)
	require.True(t, ok)
	require.NotEmpty(t, id)
	require.Equal(t, d.Peer.String(), (<-connected).String())

	reply := testFrame(t, []byte("ok"))
	require.NoError(t, server.Send(ctx, Datagram{Data: reply, Peer: d.Peer}))
	r, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, reply, r.Data)

	require.NoError(t, server.CloseConnection(d.Peer))
	require.Equal(t, d.Peer.String(), (<-closed).String())
	require.ErrorIs(t, server.CloseConnection(d.Peer), ErrUnknownPeer)
}

func TestDTLSTransportPSK(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	psk := func([]byte) ([]byte, error) {
		return []byte{0xAB, 0xC1, 0x23}, nil
	}
	server := NewDTLSTransport(DTLSTransportConfig{
		Network: "udp4",
		Addr:    "127.0.0.1:0",
		Config: &dtls.Config{
			PSK:             psk,
			PSKIdentityHint: []byte("server"),
			CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		},
	})
	require.NoError(t, server.Start(ctx))
	defer func() {
		require.NoError(t, server.Stop())
	}()
	client := NewDTLSTransport(DTLSTransportConfig{
		Network: "udp4",
		Config: &dtls.Config{
			PSK:             psk,
			PSKIdentityHint: []byte("client"),
			CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		},
	})
	require.NoError(t, client.Start(ctx))
	defer func() {
		require.NoError(t, client.Stop())
	}()

	require.NoError(t, client.Send(ctx, Datagram{Data: []byte("hello"), Peer: server.LocalAddr()}))
	d, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), d.Data)
	identity, ok := transportctx.Get(d.Context, transportctx.PSKIdentity)
	require.True(t, ok)
	require.Equal(t, []byte("client"), identity)

	require.NoError(t, server.Send(ctx, Datagram{Data: []byte("world"), Peer: d.Peer}))
	r, err := client.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), r.Data)
}
