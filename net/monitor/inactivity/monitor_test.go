package inactivity_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-engine/net/monitor/inactivity"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var peer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

func syncPool(f func()) error {
	f()
	return nil
}

func TestActivePeerIsNotProbed(t *testing.T) {
	var pings atomic.Int32
	m := inactivity.NewMonitor(time.Minute, 1, func(context.Context, net.Addr) error {
		pings.Inc()
		return nil
	}, nil, syncPool)
	now := time.Now()
	m.Notify(peer, now)
	m.CheckInactive(context.Background(), now.Add(time.Second))
	require.Equal(t, int32(0), pings.Load())
	require.Equal(t, 1, m.Len())
}

func TestAnsweringPeerStays(t *testing.T) {
	var pings atomic.Int32
	var inactive atomic.Int32
	m := inactivity.NewMonitor(time.Second, 1, func(context.Context, net.Addr) error {
		pings.Inc()
		return nil
	}, func(net.Addr) { inactive.Inc() }, syncPool)
	now := time.Now()
	m.Notify(peer, now)
	for i := 1; i <= 3; i++ {
		m.CheckInactive(context.Background(), now.Add(time.Duration(i)*time.Hour))
	}
	require.Equal(t, int32(3), pings.Load())
	require.Equal(t, int32(0), inactive.Load())
	require.Equal(t, 1, m.Len())
}

func TestSilentPeerIsReportedOnce(t *testing.T) {
	var pings atomic.Int32
	var inactive atomic.Int32
	m := inactivity.NewMonitor(time.Second, 2, func(context.Context, net.Addr) error {
		pings.Inc()
		return errors.New("timeout")
	}, func(p net.Addr) {
		require.Equal(t, peer.String(), p.String())
		inactive.Inc()
	}, syncPool)
	now := time.Now()
	m.Notify(peer, now)
	for i := 1; i <= 5; i++ {
		m.CheckInactive(context.Background(), now.Add(time.Duration(i)*time.Hour))
	}
	require.Equal(t, int32(2), pings.Load())
	require.Equal(t, int32(1), inactive.Load())
	require.Equal(t, 0, m.Len())
}

func TestNotifyClearsFailures(t *testing.T) {
	var inactive atomic.Int32
	m := inactivity.NewMonitor(time.Second, 1, func(context.Context, net.Addr) error {
		return errors.New("timeout")
	}, func(net.Addr) { inactive.Inc() }, syncPool)
	now := time.Now()
	m.Notify(peer, now)
	m.CheckInactive(context.Background(), now.Add(time.Hour))
	m.Notify(peer, now.Add(time.Hour))
	m.CheckInactive(context.Background(), now.Add(2*time.Hour))
	require.Equal(t, int32(0), inactive.Load())

	m.Forget(peer)
	require.Equal(t, 0, m.Len())
}
