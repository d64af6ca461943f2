package server

import (
	"context"
	"fmt"
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	tcpCoder "github.com/plgd-dev/go-coap-engine/tcp/coder"
	udpCoder "github.com/plgd-dev/go-coap-engine/udp/coder"
)

func (s *Server) marshal(msg message.Message) ([]byte, error) {
	if s.stream {
		return tcpCoder.DefaultCoder.Marshal(msg)
	}
	return udpCoder.DefaultCoder.Marshal(msg)
}

func (s *Server) sendRaw(ctx context.Context, data []byte, peer net.Addr, tctx transportctx.Context) error {
	return s.transport.Send(ctx, coapNet.Datagram{Data: data, Peer: peer, Context: tctx})
}

func (s *Server) send(ctx context.Context, msg message.Message, peer net.Addr, tctx transportctx.Context) error {
	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot marshal %v: %w", msg.String(), err)
	}
	return s.sendRaw(ctx, data, peer, tctx)
}

// sendConfirmable sends a CON message and retransmits it until the peer acks
// or resets it. Exactly one of the callbacks runs unless the transmission is
// cancelled.
func (s *Server) sendConfirmable(ctx context.Context, msg message.Message, peer net.Addr, tctx transportctx.Context, onAck, onReset, onGiveUp func()) error {
	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("cannot marshal %v: %w", msg.String(), err)
	}
	mid := msg.MessageID
	resend := func() error {
		if s.opts.metrics != nil {
			s.opts.metrics.RetransmissionsTotal.Inc()
		}
		s.log.Debugf("[%v] retransmitting message %v", peer, mid)
		return s.sendRaw(s.ctx, data, peer, tctx)
	}
	giveUp := func() {
		s.transmissions.Remove(mid, peer)
		if s.opts.metrics != nil {
			s.opts.metrics.TimeoutsTotal.Inc()
		}
		s.log.Debugf("[%v] no acknowledgement for message %v", peer, mid)
		if onGiveUp != nil {
			onGiveUp()
		}
	}
	// The peer may answer before sendRaw returns, so the handle must be
	// registered first.
	h := s.retransmit.Start(resend, giveUp)
	s.transmissions.Register(mid, peer, h, onAck, onReset)
	if s.stopped.Load() {
		s.transmissions.Cancel(mid, peer)
		return coapErrors.ErrServerStopped
	}
	if err = s.sendRaw(ctx, data, peer, tctx); err != nil {
		s.transmissions.Cancel(mid, peer)
		return err
	}
	return nil
}

// roundTrip sends msg and waits for the response carrying the same token.
// Datagram messages are retransmitted when confirmable is set.
func (s *Server) roundTrip(ctx context.Context, msg message.Message, peer net.Addr, tctx transportctx.Context, confirmable bool) (message.Message, error) {
	e, err := s.exchanges.Register(msg.Token, peer)
	if err != nil {
		return message.Message{}, err
	}
	if m := s.opts.metrics; m != nil {
		m.PendingExchanges.Inc()
		e.OnComplete(m.PendingExchanges.Dec)
	}
	switch {
	case s.stream:
		err = s.send(ctx, msg, peer, tctx)
	case confirmable:
		msg.Type = message.Confirmable
		msg.MessageID = s.mids.Next()
		mid := msg.MessageID
		err = s.sendConfirmable(ctx, msg, peer, tctx, nil,
			func() { s.exchanges.Fail(e, coapErrors.ErrReset) },
			func() { s.exchanges.Fail(e, coapErrors.ErrTimeout) },
		)
		if err == nil {
			e.OnComplete(func() { s.transmissions.Cancel(mid, peer) })
		}
	default:
		msg.Type = message.NonConfirmable
		msg.MessageID = s.mids.Next()
		err = s.send(ctx, msg, peer, tctx)
	}
	if err != nil {
		s.exchanges.Fail(e, err)
		return message.Message{}, err
	}
	return e.Wait(ctx)
}

// exchange is the innermost service of the client pipeline.
func (s *Server) exchange(ctx context.Context, req message.Request) (message.Response, error) {
	if s.stopped.Load() {
		return message.Response{}, coapErrors.ErrServerStopped
	}
	if req.Peer() == nil {
		return message.Response{}, coapNet.ErrInvalidPeer
	}
	if len(req.Token()) == 0 {
		token, err := message.GetToken()
		if err != nil {
			return message.Response{}, fmt.Errorf("cannot generate token: %w", err)
		}
		req = req.WithToken(token)
	}
	resp, err := s.roundTrip(ctx, req.Message(), req.Peer(), req.TransportContext(), !req.IsNonConfirmable())
	if err != nil {
		return message.Response{}, fmt.Errorf("%v %v to %v: %w", req.Method(), req.Path(), req.Peer(), err)
	}
	return message.ResponseFromMessage(resp, req.Peer(), req.TransportContext()), nil
}
