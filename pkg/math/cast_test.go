package math_test

import (
	"math"
	"testing"

	pkgMath "github.com/plgd-dev/go-coap-engine/pkg/math"
	"github.com/stretchr/testify/require"
)

func TestSafeCastTo(t *testing.T) {
	v, err := pkgMath.SafeCastTo[uint8](math.MaxUint8)
	require.NoError(t, err)
	require.Equal(t, uint8(math.MaxUint8), v)

	_, err = pkgMath.SafeCastTo[uint8](math.MaxUint8 + 1)
	require.ErrorIs(t, err, pkgMath.ErrOutOfRange)
	_, err = pkgMath.SafeCastTo[uint8](int8(-1))
	require.ErrorIs(t, err, pkgMath.ErrOutOfRange)
	_, err = pkgMath.SafeCastTo[int8](uint8(200))
	require.ErrorIs(t, err, pkgMath.ErrOutOfRange)

	i, err := pkgMath.SafeCastTo[int16](int64(-300))
	require.NoError(t, err)
	require.Equal(t, int16(-300), i)

	u, err := pkgMath.SafeCastTo[uint32](int64(1152))
	require.NoError(t, err)
	require.Equal(t, uint32(1152), u)
	_, err = pkgMath.SafeCastTo[uint32](int64(math.MaxUint32) + 1)
	require.ErrorIs(t, err, pkgMath.ErrOutOfRange)
	_, err = pkgMath.SafeCastTo[int64](uint64(math.MaxUint64))
	require.ErrorIs(t, err, pkgMath.ErrOutOfRange)
}
