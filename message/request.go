package message

import (
	"fmt"
	"net"

	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
)

// Request is an application view of a CoAP request. It is never modified in
// place; With* methods return modified copies. Payload and option values are
// shared between copies and must not be written to.
type Request struct {
	method  codes.Code
	token   Token
	options Options
	payload []byte
	peer    net.Addr
	tctx    transportctx.Context
}

// NewRequest creates a request for path. The path may contain a query after '?'.
func NewRequest(method codes.Code, path string, peer net.Addr) (Request, error) {
	r := Request{method: method, peer: peer}
	if path == "" {
		return r, nil
	}
	return r.WithPath(path)
}

// RequestFromMessage builds a request from a decoded message.
func RequestFromMessage(msg Message, peer net.Addr, tctx transportctx.Context) Request {
	return Request{
		method:  msg.Code,
		token:   msg.Token,
		options: msg.Options,
		payload: msg.Payload,
		peer:    peer,
		tctx:    tctx,
	}
}

func (r Request) Method() codes.Code                     { return r.method }
func (r Request) Token() Token                           { return r.token }
func (r Request) Options() Options                       { return r.options }
func (r Request) Payload() []byte                        { return r.payload }
func (r Request) Peer() net.Addr                         { return r.peer }
func (r Request) TransportContext() transportctx.Context { return r.tctx }

// Path returns the Uri-Path or "/" when none is set.
func (r Request) Path() string {
	p, err := r.options.Path()
	if err != nil {
		return "/"
	}
	return p
}

func (r Request) Queries() []string {
	q, _ := r.options.Queries()
	return q
}

func (r Request) ContentFormat() (MediaType, error) {
	return r.options.ContentFormat()
}

// Observe returns the Observe option value. ok is false when absent.
func (r Request) Observe() (uint32, bool) {
	v, err := r.options.Observe()
	return v, err == nil
}

// IsNonConfirmable reports whether the request is to be (or was) sent as NON.
func (r Request) IsNonConfirmable() bool {
	return transportctx.GetOr(r.tctx, transportctx.NonConfirmable, false)
}

func (r Request) WithMethod(method codes.Code) Request {
	r.method = method
	return r
}

func (r Request) WithToken(token Token) Request {
	r.token = append(Token(nil), token...)
	return r
}

func (r Request) WithOptions(options Options) Request {
	r.options = options
	return r
}

func (r Request) WithPayload(payload []byte) Request {
	r.payload = payload
	return r
}

func (r Request) WithPeer(peer net.Addr) Request {
	r.peer = peer
	return r
}

func (r Request) WithTransportContext(tctx transportctx.Context) Request {
	r.tctx = tctx
	return r
}

func (r Request) WithPath(path string) (Request, error) {
	var query string
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			path, query = path[:i], path[i+1:]
			break
		}
	}
	opts, err := r.options.SetPath(path)
	if err != nil {
		return r, err
	}
	if query != "" {
		opts = opts.Remove(URIQuery)
		start := 0
		for i := 0; i <= len(query); i++ {
			if i == len(query) || query[i] == '&' {
				if i > start {
					opts = opts.AddQuery(query[start:i])
				}
				start = i + 1
			}
		}
	}
	r.options = opts
	return r, nil
}

// Message returns the wire representation without type and message ID.
func (r Request) Message() Message {
	return Message{
		Code:      r.method,
		Token:     r.token,
		Options:   r.options,
		Payload:   r.payload,
		MessageID: -1,
		Type:      Unset,
	}
}

func (r Request) String() string {
	return fmt.Sprintf("%v %v token=%v peer=%v payloadLen=%v", r.method, r.Path(), r.token, r.peer, len(r.payload))
}

// Response is an application view of a CoAP response. Like Request it is
// immutable.
type Response struct {
	code    codes.Code
	options Options
	payload []byte
	peer    net.Addr
	tctx    transportctx.Context
}

func NewResponse(code codes.Code) Response {
	return Response{code: code}
}

// ResponseFromMessage builds a response from a decoded message.
func ResponseFromMessage(msg Message, peer net.Addr, tctx transportctx.Context) Response {
	return Response{
		code:    msg.Code,
		options: msg.Options,
		payload: msg.Payload,
		peer:    peer,
		tctx:    tctx,
	}
}

func (r Response) Code() codes.Code                       { return r.code }
func (r Response) Options() Options                       { return r.options }
func (r Response) Payload() []byte                        { return r.payload }
func (r Response) Peer() net.Addr                         { return r.peer }
func (r Response) TransportContext() transportctx.Context { return r.tctx }

// Observe returns the Observe option value. ok is false when absent.
func (r Response) Observe() (uint32, bool) {
	v, err := r.options.Observe()
	return v, err == nil
}

func (r Response) WithCode(code codes.Code) Response {
	r.code = code
	return r
}

func (r Response) WithOptions(options Options) Response {
	r.options = options
	return r
}

func (r Response) WithPayload(payload []byte) Response {
	r.payload = payload
	return r
}

func (r Response) WithPeer(peer net.Addr) Response {
	r.peer = peer
	return r
}

func (r Response) WithTransportContext(tctx transportctx.Context) Response {
	r.tctx = tctx
	return r
}

// WithContentFormat sets the Content-Format option.
func (r Response) WithContentFormat(cf MediaType) Response {
	r.options = r.options.SetContentFormat(cf)
	return r
}

// Message returns the wire representation for token.
func (r Response) Message(token Token) Message {
	return Message{
		Code:      r.code,
		Token:     token,
		Options:   r.options,
		Payload:   r.payload,
		MessageID: -1,
		Type:      Unset,
	}
}

func (r Response) String() string {
	return fmt.Sprintf("%v peer=%v payloadLen=%v", r.code, r.peer, len(r.payload))
}

// SeparateResponse is a response sent outside of the exchange that carried the
// request, correlated only by token. Observe notifications use it.
type SeparateResponse struct {
	Token    Token
	Peer     net.Addr
	Response Response
}
