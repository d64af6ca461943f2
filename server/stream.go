package server

import (
	"context"
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	"github.com/plgd-dev/go-coap-engine/net/blockwise"
	coapErrors "github.com/plgd-dev/go-coap-engine/pkg/errors"
	tcpCoder "github.com/plgd-dev/go-coap-engine/tcp/coder"
)

type connectionCloser interface {
	CloseConnection(peer net.Addr) error
}

func (s *Server) onConnect(peer net.Addr) {
	csm := s.caps.CSM()
	csm.MessageID = -1
	csm.Type = message.Unset
	if err := s.send(s.ctx, csm, peer, transportctx.Empty()); err != nil {
		s.log.Warnf("[%v] cannot send CSM: %v", peer, err)
	}
}

func (s *Server) onConnectionClosed(peer net.Addr) {
	s.caps.Remove(peer)
	if s.keepAlive != nil {
		s.keepAlive.Forget(peer)
	}
	if n := s.exchanges.Abort(peer, coapErrors.ErrAborted); n > 0 {
		s.log.Debugf("[%v] connection closed with %v pending exchanges", peer, n)
	}
}

func (s *Server) dispatchStream(d coapNet.Datagram) {
	var msg message.Message
	if _, err := tcpCoder.DefaultCoder.Decode(d.Data, &msg); err != nil {
		s.log.Warnf("[%v] cannot decode message: %v", d.Peer, err)
		s.closeConnection(d.Peer)
		return
	}
	msg.MessageID = -1
	msg.Type = message.Unset
	switch {
	case msg.Code.IsSignal():
		s.handleSignal(d, msg)
	case msg.Code == codes.Empty:
	case msg.Code.IsRequest():
		s.handleStreamRequest(d, msg)
	default:
		if !s.deliverResponse(d, msg) {
			s.log.Debugf("[%v] dropping unexpected response %v", d.Peer, msg.String())
		}
	}
}

func (s *Server) closeConnection(peer net.Addr) {
	closer, ok := s.transport.(connectionCloser)
	if !ok {
		return
	}
	if err := closer.CloseConnection(peer); err != nil {
		s.log.Debugf("[%v] cannot close connection: %v", peer, err)
	}
}

func (s *Server) handleSignal(d coapNet.Datagram, msg message.Message) {
	switch msg.Code {
	case codes.CSM:
		caps := s.caps.Update(d.Peer, msg)
		s.log.Debugf("[%v] capabilities %+v", d.Peer, caps)
	case codes.Ping:
		pong := message.Message{Code: codes.Pong, Token: msg.Token, MessageID: -1, Type: message.Unset}
		s.reply(d, pong)
	case codes.Pong:
		s.exchanges.Resolve(msg, d.Peer)
	case codes.Release, codes.Abort:
		s.log.Debugf("[%v] received %v", d.Peer, msg.Code)
		s.exchanges.Abort(d.Peer, coapErrors.ErrAborted)
		s.closeConnection(d.Peer)
	}
}

func (s *Server) handleStreamRequest(d coapNet.Datagram, msg message.Message) {
	req := message.RequestFromMessage(msg, d.Peer, d.Context)
	resp, err := s.inbound(s.ctx, req)
	if err != nil {
		s.log.Warnf("[%v] cannot handle %v: %v", d.Peer, req, err)
		resp = message.NewResponse(codes.InternalServerError)
	}
	out := resp.Message(msg.Token)
	out.MessageID = -1
	out.Type = message.Unset
	s.reply(d, out)
}

// pullNotification fetches the remaining blocks of a notification and hands
// the whole body to the registry.
func (s *Server) pullNotification(ctx context.Context, path string, sep message.SeparateResponse) {
	body, err := blockwise.PullNotification(ctx, s.client, path, sep)
	if err != nil {
		s.log.Warnf("[%v] cannot retrieve notification %v: %v", sep.Peer, path, err)
		return
	}
	opts := sep.Response.Options().Remove(message.Block2).Remove(message.Size2)
	sep.Response = sep.Response.WithOptions(opts).WithPayload(body)
	s.subscriptions.Handle(sep)
}
