package server

import (
	"net"

	"github.com/plgd-dev/go-coap-engine/message"
	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	coapNet "github.com/plgd-dev/go-coap-engine/net"
	"github.com/plgd-dev/go-coap-engine/net/deduplication"
	udpCoder "github.com/plgd-dev/go-coap-engine/udp/coder"
)

const coapVersion = 1

func (s *Server) dispatchDatagram(d coapNet.Datagram) {
	var msg message.Message
	if _, err := udpCoder.DefaultCoder.Decode(d.Data, &msg); err != nil {
		s.log.Debugf("[%v] cannot decode message: %v", d.Peer, err)
		s.rejectMalformed(d)
		return
	}
	switch {
	case msg.Code == codes.Empty:
		s.handleEmpty(d, msg)
	case msg.Code.IsRequest():
		s.handleRequest(d, msg)
	default:
		s.handleResponse(d, msg)
	}
}

// rejectMalformed answers a confirmable message that cannot be parsed with a
// reset when its header is intact.
func (s *Server) rejectMalformed(d coapNet.Datagram) {
	if len(d.Data) < 4 || d.Data[0]>>6 != coapVersion {
		return
	}
	if message.Type((d.Data[0]>>4)&0x3) != message.Confirmable {
		return
	}
	mid := int32(d.Data[2])<<8 | int32(d.Data[3])
	s.reply(d, message.Message{Code: codes.Empty, Type: message.Reset, MessageID: mid})
}

func (s *Server) reply(d coapNet.Datagram, msg message.Message) {
	if err := s.send(s.ctx, msg, d.Peer, d.Context); err != nil {
		s.log.Debugf("[%v] cannot send %v: %v", d.Peer, msg.Type, err)
	}
}

func (s *Server) handleEmpty(d coapNet.Datagram, msg message.Message) {
	switch msg.Type {
	case message.Acknowledgement:
		s.transmissions.Acknowledge(msg.MessageID, d.Peer)
	case message.Reset:
		s.transmissions.Reset(msg.MessageID, d.Peer)
	case message.Confirmable:
		s.reply(d, message.Message{Code: codes.Empty, Type: message.Reset, MessageID: msg.MessageID})
	}
}

// deduplicate reports whether msg must be processed. Duplicates of a message
// already answered get the stored reply again.
func (s *Server) deduplicate(d coapNet.Datagram, msg message.Message) bool {
	res := s.dedup.Process(msg, d.Peer)
	switch res.Kind {
	case deduplication.InProgress:
		return false
	case deduplication.Duplicate:
		s.reply(d, res.Reply)
		return false
	}
	return true
}

func (s *Server) handleRequest(d coapNet.Datagram, msg message.Message) {
	if msg.Type == message.Confirmable && !s.deduplicate(d, msg) {
		return
	}
	if msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		s.log.Debugf("[%v] dropping request of type %v", d.Peer, msg.Type)
		return
	}
	req := message.RequestFromMessage(msg, d.Peer, d.Context)
	resp, err := s.inbound(s.ctx, req)
	if err != nil {
		s.log.Warnf("[%v] cannot handle %v: %v", d.Peer, req, err)
		resp = message.NewResponse(codes.InternalServerError)
	}
	out := resp.Message(msg.Token)
	if msg.Type == message.Confirmable {
		out.Type = message.Acknowledgement
		out.MessageID = msg.MessageID
	} else {
		out.Type = message.NonConfirmable
		out.MessageID = s.mids.Next()
	}
	data, err := s.marshal(out)
	if err != nil {
		s.log.Errorf("[%v] cannot marshal response to %v: %v", d.Peer, req, err)
		if msg.Type == message.Confirmable {
			s.dedup.Forget(msg.MessageID, d.Peer)
		}
		return
	}
	if msg.Type == message.Confirmable {
		s.dedup.PutReply(msg.MessageID, d.Peer, out)
	}
	if err = s.sendRaw(s.ctx, data, d.Peer, d.Context); err != nil {
		s.log.Debugf("[%v] cannot send response: %v", d.Peer, err)
	}
}

func (s *Server) handleResponse(d coapNet.Datagram, msg message.Message) {
	switch msg.Type {
	case message.Acknowledgement:
		s.transmissions.Acknowledge(msg.MessageID, d.Peer)
		if !s.exchanges.Resolve(msg, d.Peer) {
			s.log.Debugf("[%v] piggybacked response without exchange: %v", d.Peer, msg.String())
		}
	case message.Confirmable:
		if !s.deduplicate(d, msg) {
			return
		}
		ack := message.Message{Code: codes.Empty, Type: message.Acknowledgement, MessageID: msg.MessageID}
		if !s.deliverResponse(d, msg) {
			ack.Type = message.Reset
		}
		s.dedup.PutReply(msg.MessageID, d.Peer, ack)
		s.reply(d, ack)
	case message.NonConfirmable:
		if !s.deliverResponse(d, msg) {
			s.reply(d, message.Message{Code: codes.Empty, Type: message.Reset, MessageID: msg.MessageID})
		}
	case message.Reset:
		s.transmissions.Reset(msg.MessageID, d.Peer)
	}
}

// deliverResponse passes a response to the waiting exchange or, failing that,
// to the notification registry. It reports false for unexpected responses.
func (s *Server) deliverResponse(d coapNet.Datagram, msg message.Message) bool {
	if s.exchanges.Resolve(msg, d.Peer) {
		return true
	}
	return s.handleNotification(msg, d.Peer, d.Context)
}

func (s *Server) handleNotification(msg message.Message, peer net.Addr, tctx transportctx.Context) bool {
	sep := message.SeparateResponse{
		Token:    msg.Token,
		Peer:     peer,
		Response: message.ResponseFromMessage(msg, peer, tctx),
	}
	b, err := msg.Options.Block2()
	if err != nil || b.Num != 0 || !b.More {
		return s.subscriptions.Handle(sep)
	}
	path, ok := s.subscriptions.Path(msg.Token, peer)
	if !ok {
		return false
	}
	s.wg.Add(1)
	err = s.cfg.GoPool(func() {
		defer s.wg.Done()
		s.pullNotification(s.ctx, path, sep)
	})
	if err != nil {
		s.wg.Done()
		s.log.Warnf("[%v] cannot retrieve notification: %v", peer, err)
	}
	return true
}
