package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsSetPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []string
	}{
		{"root", "/", nil},
		{"single", "/a", []string{"a"}},
		{"multi", "a/bb/ccc", []string{"a", "bb", "ccc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := Options{}.SetPath(tt.path)
			require.NoError(t, err)
			require.Equal(t, tt.want, o.ReadStrings(URIPath))
		})
	}
}

func TestOptionsSetPathTooLong(t *testing.T) {
	seg := make([]byte, 256)
	for i := range seg {
		seg[i] = 'a'
	}
	_, err := Options{}.SetPath("/" + string(seg))
	require.ErrorIs(t, err, ErrInvalidValueLength)
}

func TestOptionsPath(t *testing.T) {
	o, err := Options{}.SetPath("/a/b")
	require.NoError(t, err)
	p, err := o.Path()
	require.NoError(t, err)
	require.Equal(t, "/a/b", p)

	_, err = Options{}.Path()
	require.ErrorIs(t, err, ErrOptionNotFound)
}

func TestOptionsCopyOnWrite(t *testing.T) {
	base := Options{}.SetContentFormat(AppJSON)
	base = base.AddQuery("a=1")
	derived := base.SetUint32(Observe, 5).Remove(ContentFormat)

	cf, err := base.ContentFormat()
	require.NoError(t, err)
	require.Equal(t, AppJSON, cf)
	require.False(t, base.HasOption(Observe))
	require.False(t, derived.HasOption(ContentFormat))
	obs, err := derived.Observe()
	require.NoError(t, err)
	require.Equal(t, uint32(5), obs)
}

func TestOptionsAddKeepsOrder(t *testing.T) {
	o := Options{}.
		AddQuery("b").
		AddString(URIPath, "x").
		AddQuery("a").
		SetUint32(Size1, 10).
		SetContentFormat(TextPlain)
	ids := make([]OptionID, 0, len(o))
	for _, opt := range o {
		ids = append(ids, opt.ID)
	}
	require.Equal(t, []OptionID{URIPath, ContentFormat, URIQuery, URIQuery, Size1}, ids)
	q, err := o.Queries()
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, q)
}

func TestOptionsGetDuplicate(t *testing.T) {
	o := Options{}.Add(Option{ID: ETag, Value: []byte{1}}).Add(Option{ID: ETag, Value: []byte{2}})
	_, err := o.GetBytes(ETag)
	require.ErrorIs(t, err, ErrOptionDuplicate)
}

func TestOptionsMarshalUnmarshal(t *testing.T) {
	o := Options{}.
		AddString(URIPath, "a").
		SetUint32(Observe, 0).
		SetUint32(Size1, 70000).
		Add(Option{ID: Echo, Value: []byte{1, 2, 3}}).
		Add(Option{ID: RequestTag, Value: []byte{9}}).
		Add(Option{ID: 2049, Value: []byte("unknown")})

	n, err := o.Marshal(nil)
	require.ErrorIs(t, err, ErrTooSmall)
	buf := make([]byte, n)
	n2, err := o.Marshal(buf)
	require.NoError(t, err)
	require.Equal(t, n, n2)

	var got Options
	proc, err := got.Unmarshal(buf)
	require.NoError(t, err)
	require.Equal(t, n, proc)
	require.Len(t, got, len(o))
	for i := range o {
		require.Equal(t, o[i].ID, got[i].ID)
		require.Equal(t, len(o[i].Value), len(got[i].Value))
		if len(o[i].Value) > 0 {
			require.Equal(t, o[i].Value, got[i].Value)
		}
	}
}

func TestOptionsUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"reservedDelta", []byte{0xf1, 0}, ErrOptionUnexpectedExtendMarker},
		{"reservedLength", []byte{0x1f}, ErrOptionUnexpectedExtendMarker},
		{"truncatedExt", []byte{0xd0}, ErrOptionTruncated},
		{"truncatedWordExt", []byte{0xe0, 0x01}, ErrOptionTruncated},
		{"truncatedValue", []byte{0x13, 1, 2}, ErrOptionTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var o Options
			_, err := o.Unmarshal(tt.data)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOptionIDCritical(t *testing.T) {
	require.True(t, URIPath.Critical())
	require.True(t, Block1.Critical())
	require.False(t, RequestTag.Critical())
	require.False(t, ETag.Critical())
	require.False(t, Echo.Critical())
	require.False(t, Observe.Critical())
}

func TestEncodeDecodeUint32(t *testing.T) {
	for _, v := range []uint32{0, 1, 255, 256, 65535, 65536, 0xffffff, 0x1000000, 0xffffffff} {
		buf := make([]byte, 4)
		n, err := EncodeUint32(buf, v)
		require.NoError(t, err)
		got, _, err := DecodeUint32(buf[:n])
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
	_, err := EncodeUint32(nil, 300)
	require.ErrorIs(t, err, ErrTooSmall)
	_, _, err = DecodeUint32([]byte{1, 2, 3, 4, 5})
	require.ErrorIs(t, err, ErrInvalidValueLength)
}

func TestOptionsUnmarshalPayloadMarker(t *testing.T) {
	var o Options
	_, err := o.Unmarshal([]byte{0xff})
	require.ErrorIs(t, err, ErrPayloadMarkerWithoutPayload)
	n, err := o.Unmarshal([]byte{0xb1, 'a', 0xff, 1})
	require.NoError(t, err)
	require.Equal(t, 3, n)
}
