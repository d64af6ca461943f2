package message

import (
	"net"
	"testing"

	"github.com/plgd-dev/go-coap-engine/message/codes"
	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"github.com/stretchr/testify/require"
)

func TestNewRequestWithQuery(t *testing.T) {
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}
	r, err := NewRequest(codes.GET, "/a/b?x=1&y=2", peer)
	require.NoError(t, err)
	require.Equal(t, "/a/b", r.Path())
	require.Equal(t, []string{"x=1", "y=2"}, r.Queries())
	require.Equal(t, peer, r.Peer())
}

func TestRequestIsImmutable(t *testing.T) {
	r, err := NewRequest(codes.PUT, "/x", nil)
	require.NoError(t, err)
	r = r.WithPayload([]byte("abc"))
	r2 := r.WithPayload([]byte("defg")).
		WithOptions(r.Options().SetContentFormat(TextPlain)).
		WithTransportContext(transportctx.With(r.TransportContext(), transportctx.NonConfirmable, true))

	require.Equal(t, []byte("abc"), r.Payload())
	require.False(t, r.IsNonConfirmable())
	require.True(t, r2.IsNonConfirmable())
	_, err = r.ContentFormat()
	require.Error(t, err)
	cf, err := r2.ContentFormat()
	require.NoError(t, err)
	require.Equal(t, TextPlain, cf)
}

func TestRequestFromMessage(t *testing.T) {
	opts, err := Options{}.SetPath("/obs")
	require.NoError(t, err)
	msg := Message{Code: codes.GET, Token: Token{1, 2}, Options: opts.SetObserve(0), MessageID: 5, Type: Confirmable}
	r := RequestFromMessage(msg, nil, transportctx.Empty())
	obs, ok := r.Observe()
	require.True(t, ok)
	require.Equal(t, uint32(0), obs)
	require.Equal(t, "/obs", r.Path())
	back := r.Message()
	require.Equal(t, Unset, back.Type)
	require.Equal(t, msg.Token, back.Token)
}

func TestResponseMessage(t *testing.T) {
	resp := NewResponse(codes.Content).WithContentFormat(AppJSON).WithPayload([]byte("{}"))
	msg := resp.Message(Token{7})
	require.Equal(t, codes.Content, msg.Code)
	require.Equal(t, Token{7}, msg.Token)
	cf, err := msg.Options.ContentFormat()
	require.NoError(t, err)
	require.Equal(t, AppJSON, cf)
}

func TestTokenFromUint64(t *testing.T) {
	require.Equal(t, Token{0}, TokenFromUint64(0))
	require.Equal(t, Token{1, 0}, TokenFromUint64(256))
	require.Len(t, TokenFromUint64(^uint64(0)), 8)
}

func TestMessageIDSupplier(t *testing.T) {
	s := NewMessageIDSupplier()
	a := s.Next()
	b := s.Next()
	require.True(t, ValidateMID(a))
	require.Equal(t, int32(uint16(a+1)), b)
}
