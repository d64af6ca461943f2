package message

import (
	"fmt"

	"github.com/plgd-dev/go-coap-engine/message/codes"
)

type Message struct {
	Token   Token
	Options Options
	Code    codes.Code
	Payload []byte

	// For DTLS and UDP messages
	MessageID int32 // uint16 is valid, all other values are invalid, -1 is used for unset
	Type      Type  // uint8 is valid, all other values are invalid, -1 is used for unset
}

// IsPing reports whether the message is an empty CON (CoAP ping).
func (r *Message) IsPing() bool {
	return r.Type == Confirmable && r.Code == codes.Empty && len(r.Token) == 0
}

// IsEmpty reports whether the message carries no request or response.
func (r *Message) IsEmpty() bool {
	return r.Code == codes.Empty
}

func (r *Message) Clone() Message {
	return Message{
		Token:     append(Token(nil), r.Token...),
		Options:   r.Options.Clone(),
		Code:      r.Code,
		Payload:   append([]byte(nil), r.Payload...),
		MessageID: r.MessageID,
		Type:      r.Type,
	}
}

func (r *Message) String() string {
	if r == nil {
		return "nil"
	}
	buf := fmt.Sprintf("Code: %v, Token: %v", r.Code, r.Token)
	path, err := r.Options.Path()
	if err == nil {
		buf = fmt.Sprintf("%s, Path: %v", buf, path)
	}
	cf, err := r.Options.ContentFormat()
	if err == nil {
		buf = fmt.Sprintf("%s, ContentFormat: %v", buf, cf)
	}
	queries, err := r.Options.Queries()
	if err == nil {
		buf = fmt.Sprintf("%s, Queries: %+v", buf, queries)
	}
	if ValidateType(r.Type) {
		buf = fmt.Sprintf("%s, Type: %v", buf, r.Type)
	}
	if ValidateMID(r.MessageID) {
		buf = fmt.Sprintf("%s, MessageID: %v", buf, r.MessageID)
	}
	if len(r.Payload) > 0 {
		buf = fmt.Sprintf("%s, PayloadLen: %v", buf, len(r.Payload))
	}
	return buf
}
