package keys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/objrepo/lib/codec"
	"github.com/ValentinKolb/objrepo/lib/repo"
)

func TestKeys(t *testing.T) {
	s := Small("unit_1", "small_1")
	require.Equal(t, repo.UnitID("unit_1"), s.Unit())
	require.Equal(t, repo.KindSmall, s.Kind())
	require.Equal(t, "small_1", s.Identity())

	l := Large("unit_1", "large_1")
	require.Equal(t, repo.KindLarge, l.Kind())

	id := SmallID("unit_1", 258)
	require.Equal(t, "\x00\x00\x00\x00\x00\x00\x01\x02", id.Identity())
}

func TestValuesRoundTrip(t *testing.T) {
	w := codec.NewWriter(0)
	require.NoError(t, StringValue("small_obj_1").Serialize(w))
	v, err := Small("u", "k").Factory().Deserialize(codec.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, StringValue("small_obj_1"), v)

	w.Reset()
	require.NoError(t, BlobValue("large_obj_1").Serialize(w))
	v, err = Large("u", "k").Factory().Deserialize(codec.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t, BlobValue("large_obj_1"), v)

	_, err = StringFactory.Deserialize(codec.NewReader([]byte{0, 0}))
	require.Error(t, err)
}
