package codes

import (
	"errors"
	"fmt"
	"strconv"
)

// A Code is an unsigned 8-bit number: 3-bit class and 5-bit detail (c.dd).
type Code uint8

// Request Codes
const (
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response Codes
const (
	Empty                   Code = 0
	Created                 Code = 65
	Deleted                 Code = 66
	Valid                   Code = 67
	Changed                 Code = 68
	Content                 Code = 69
	Continue                Code = 95
	BadRequest              Code = 128
	Unauthorized            Code = 129
	BadOption               Code = 130
	Forbidden               Code = 131
	NotFound                Code = 132
	MethodNotAllowed        Code = 133
	NotAcceptable           Code = 134
	RequestEntityIncomplete Code = 136
	PreconditionFailed      Code = 140
	RequestEntityTooLarge   Code = 141
	UnsupportedMediaType    Code = 143
	InternalServerError     Code = 160
	NotImplemented          Code = 161
	BadGateway              Code = 162
	ServiceUnavailable      Code = 163
	GatewayTimeout          Code = 164
	ProxyingNotSupported    Code = 165
)

// Signaling Codes for TCP
const (
	CSM     Code = 225
	Ping    Code = 226
	Pong    Code = 227
	Release Code = 228
	Abort   Code = 229
)

const _maxCode = 255

var codeToString = map[Code]string{
	Empty:                   "Empty",
	GET:                     "GET",
	POST:                    "POST",
	PUT:                     "PUT",
	DELETE:                  "DELETE",
	FETCH:                   "FETCH",
	PATCH:                   "PATCH",
	IPATCH:                  "iPATCH",
	Created:                 "Created",
	Deleted:                 "Deleted",
	Valid:                   "Valid",
	Changed:                 "Changed",
	Content:                 "Content",
	Continue:                "Continue",
	BadRequest:              "BadRequest",
	Unauthorized:            "Unauthorized",
	BadOption:               "BadOption",
	Forbidden:               "Forbidden",
	NotFound:                "NotFound",
	MethodNotAllowed:        "MethodNotAllowed",
	NotAcceptable:           "NotAcceptable",
	RequestEntityIncomplete: "RequestEntityIncomplete",
	PreconditionFailed:      "PreconditionFailed",
	RequestEntityTooLarge:   "RequestEntityTooLarge",
	UnsupportedMediaType:    "UnsupportedMediaType",
	InternalServerError:     "InternalServerError",
	NotImplemented:          "NotImplemented",
	BadGateway:              "BadGateway",
	ServiceUnavailable:      "ServiceUnavailable",
	GatewayTimeout:          "GatewayTimeout",
	ProxyingNotSupported:    "ProxyingNotSupported",
	CSM:                     "CSM",
	Ping:                    "Ping",
	Pong:                    "Pong",
	Release:                 "Release",
	Abort:                   "Abort",
}

var strToCode = func() map[string]Code {
	m := make(map[string]Code, len(codeToString))
	for c, s := range codeToString {
		m[s] = c
	}
	return m
}()

func (c Code) String() string {
	if s, ok := codeToString[c]; ok {
		return s
	}
	return "Code(" + strconv.FormatInt(int64(c), 10) + ")"
}

// Class returns the 3-bit class of the code.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail of the code.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// Dotted formats the code as c.dd.
func (c Code) Dotted() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

func (c Code) IsRequest() bool {
	return c >= GET && c < 32
}

func (c Code) IsSuccess() bool {
	return c.Class() == 2
}

func (c Code) IsError() bool {
	return c.Class() == 4 || c.Class() == 5
}

func (c Code) IsSignal() bool {
	return c.Class() == 7
}

// UnmarshalJSON unmarshals b into the Code.
func (c *Code) UnmarshalJSON(b []byte) error {
	if c == nil {
		return errors.New("nil receiver passed to UnmarshalJSON")
	}
	if len(b) == 0 {
		return errors.New("empty input")
	}
	if ci, err := strconv.ParseUint(string(b), 10, 8); err == nil {
		*c = Code(ci)
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("invalid code %q: %w", b, err)
	}
	if jc, ok := strToCode[s]; ok {
		*c = jc
		return nil
	}
	return fmt.Errorf("invalid code: %q", b)
}
