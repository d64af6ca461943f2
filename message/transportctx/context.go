// Package transportctx carries typed metadata alongside requests and responses.
// A Context is a persistent association list: With returns a new Context and
// the receiver stays unchanged, so contexts can be shared between goroutines.
package transportctx

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Key identifies a typed entry in a Context. Keys compare by identity.
type Key[T any] struct {
	name string
}

func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

func (k *Key[T]) String() string {
	return k.name
}

type entry struct {
	key   fmt.Stringer
	value any
	next  *entry
}

type Context struct {
	head *entry
	size int
}

// Empty returns a context without entries.
func Empty() Context {
	return Context{}
}

// With returns a context where key maps to value. An existing mapping of key is shadowed.
func With[T any](c Context, key *Key[T], value T) Context {
	size := c.size
	if _, ok := Get(c, key); !ok {
		size++
	}
	return Context{head: &entry{key: key, value: value, next: c.head}, size: size}
}

// Get returns the most recent value stored for key.
func Get[T any](c Context, key *Key[T]) (T, bool) {
	for e := c.head; e != nil; e = e.next {
		if e.key == fmt.Stringer(key) {
			return e.value.(T), true
		}
	}
	var zero T
	return zero, false
}

// GetOr returns the value stored for key or def.
func GetOr[T any](c Context, key *Key[T], def T) T {
	if v, ok := Get(c, key); ok {
		return v
	}
	return def
}

// Merge returns c with every entry of other applied on top.
func (c Context) Merge(other Context) Context {
	if other.head == nil {
		return c
	}
	if c.head == nil {
		return other
	}
	var entries []*entry
	for e := other.head; e != nil; e = e.next {
		entries = append(entries, e)
	}
	res := c
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		res = Context{head: &entry{key: e.key, value: e.value, next: res.head}, size: res.size + 1}
	}
	res.size = res.countUnique()
	return res
}

// Len returns the number of distinct keys.
func (c Context) Len() int {
	return c.size
}

func (c Context) countUnique() int {
	seen := make(map[fmt.Stringer]struct{})
	for e := c.head; e != nil; e = e.next {
		seen[e.key] = struct{}{}
	}
	return len(seen)
}

func (c Context) String() string {
	seen := make(map[fmt.Stringer]struct{})
	var parts []string
	for e := c.head; e != nil; e = e.next {
		if _, ok := seen[e.key]; ok {
			continue
		}
		seen[e.key] = struct{}{}
		parts = append(parts, fmt.Sprintf("%v=%v", e.key, e.value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

var (
	// ResponseTimeout overrides the response timeout of a single request.
	ResponseTimeout = NewKey[time.Duration]("responseTimeout")
	// NonConfirmable sends the request as NON.
	NonConfirmable = NewKey[bool]("nonConfirmable")
	// PSKIdentity holds the DTLS PSK identity hint used by the peer.
	PSKIdentity = NewKey[[]byte]("pskIdentity")
	// PeerCertificates holds the raw DER certificates presented by the peer.
	PeerCertificates = NewKey[[][]byte]("peerCertificates")
	// ConnectionID identifies the stream connection a message arrived on.
	ConnectionID = NewKey[string]("connectionID")
	// DestinationIP is the local address a datagram was received on. Replies
	// carrying it leave from the same address.
	DestinationIP = NewKey[net.IP]("destinationIP")
	// InterfaceIndex is the index of the interface a datagram was received on.
	InterfaceIndex = NewKey[int]("interfaceIndex")
)
