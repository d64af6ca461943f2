package transportctx_test

import (
	"testing"
	"time"

	"github.com/plgd-dev/go-coap-engine/message/transportctx"
	"github.com/stretchr/testify/require"
)

func TestContextWithIsPersistent(t *testing.T) {
	base := transportctx.With(transportctx.Empty(), transportctx.NonConfirmable, true)
	derived := transportctx.With(base, transportctx.ResponseTimeout, time.Second)
	overridden := transportctx.With(derived, transportctx.NonConfirmable, false)

	_, ok := transportctx.Get(base, transportctx.ResponseTimeout)
	require.False(t, ok)
	require.Equal(t, 1, base.Len())

	v, ok := transportctx.Get(derived, transportctx.ResponseTimeout)
	require.True(t, ok)
	require.Equal(t, time.Second, v)
	require.Equal(t, 2, derived.Len())

	require.True(t, transportctx.GetOr(derived, transportctx.NonConfirmable, false))
	require.False(t, transportctx.GetOr(overridden, transportctx.NonConfirmable, true))
	require.Equal(t, 2, overridden.Len())
}

func TestContextKeysCompareByIdentity(t *testing.T) {
	a := transportctx.NewKey[string]("name")
	b := transportctx.NewKey[string]("name")
	c := transportctx.With(transportctx.Empty(), a, "x")
	_, ok := transportctx.Get(c, b)
	require.False(t, ok)
	require.Equal(t, "def", transportctx.GetOr(c, b, "def"))
}

func TestContextMerge(t *testing.T) {
	a := transportctx.With(transportctx.Empty(), transportctx.ConnectionID, "a")
	a = transportctx.With(a, transportctx.NonConfirmable, true)
	b := transportctx.With(transportctx.Empty(), transportctx.ConnectionID, "b")
	m := a.Merge(b)
	require.Equal(t, "b", transportctx.GetOr(m, transportctx.ConnectionID, ""))
	require.True(t, transportctx.GetOr(m, transportctx.NonConfirmable, false))
	require.Equal(t, 2, m.Len())
	require.Equal(t, "a", transportctx.GetOr(a, transportctx.ConnectionID, ""))
}
