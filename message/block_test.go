package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSZXSize(t *testing.T) {
	require.Equal(t, 16, SZX16.Size())
	require.Equal(t, 512, SZX512.Size())
	require.Equal(t, 1024, SZX1024.Size())
	require.Equal(t, 1024, SZXBERT.Size())
	require.Equal(t, -1, SZX(8).Size())
	require.True(t, SZXBERT.BERT())
	require.False(t, SZX1024.BERT())
	require.True(t, BlockOption{SZX: SZXBERT}.BERT())
}

func TestSZXFromSize(t *testing.T) {
	szx, err := SZXFromSize(16)
	require.NoError(t, err)
	require.Equal(t, SZX16, szx)
	szx, err = SZXFromSize(100)
	require.NoError(t, err)
	require.Equal(t, SZX64, szx)
	szx, err = SZXFromSize(4096)
	require.NoError(t, err)
	require.Equal(t, SZX1024, szx)
	_, err = SZXFromSize(8)
	require.ErrorIs(t, err, ErrInvalidBlockOption)
}

func TestBlockOptionEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		block BlockOption
		value uint32
	}{
		{"first", BlockOption{Num: 0, More: true, SZX: SZX16}, 0x08},
		{"last", BlockOption{Num: 1, More: false, SZX: SZX1024}, 0x16},
		{"bert", BlockOption{Num: 3, More: true, SZX: SZXBERT}, 0x3f},
		{"large", BlockOption{Num: 0xfffff, More: false, SZX: SZX32}, 0xfffff1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.block.Encode()
			require.NoError(t, err)
			require.Equal(t, tt.value, v)
			b, err := DecodeBlockOption(v)
			require.NoError(t, err)
			require.Equal(t, tt.block, b)
		})
	}
	_, err := BlockOption{Num: 0x100000}.Encode()
	require.ErrorIs(t, err, ErrInvalidBlockOption)
	_, err = DecodeBlockOption(0x1000000)
	require.ErrorIs(t, err, ErrInvalidBlockOption)
}

func TestBlockOptionInOptions(t *testing.T) {
	o, err := Options{}.SetBlock2(BlockOption{Num: 2, More: true, SZX: SZX64})
	require.NoError(t, err)
	b, err := o.Block2()
	require.NoError(t, err)
	require.Equal(t, 128, b.Offset())
	require.True(t, b.More)
	_, err = o.Block1()
	require.ErrorIs(t, err, ErrOptionNotFound)
}
