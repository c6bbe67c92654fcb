package key

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ik := New([]byte("name"), 42, KindValue)
	data := ik.Encode()
	assert.Equal(t, ik.Size(), len(data))

	got, err := Decode(data)
	require.Nil(t, err)
	assert.Equal(t, []byte("name"), got.UserKey)
	assert.Equal(t, uint64(42), got.Seq)
	assert.Equal(t, KindValue, got.Kind)
	assert.Equal(t, []byte("name"), UserKey(data))

	empty, err := Decode(New(nil, MaxSeq, KindDeletion).Encode())
	require.Nil(t, err)
	assert.Empty(t, empty.UserKey)
	assert.Equal(t, uint64(MaxSeq), empty.Seq)
	assert.Equal(t, KindDeletion, empty.Kind)

	_, err = Decode([]byte("short"))
	assert.ErrorIs(t, err, ErrCorrupted)

	bad := New([]byte("k"), 1, KindValue).Encode()
	bad[len(bad)-TrailerSize] = 7
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestCompare(t *testing.T) {
	keys := [][]byte{
		New([]byte("b"), 1, KindValue).Encode(),
		New([]byte("a"), 1, KindValue).Encode(),
		New([]byte("a"), 3, KindDeletion).Encode(),
		New([]byte("ab"), 2, KindValue).Encode(),
		New([]byte("a"), 2, KindValue).Encode(),
	}
	slices.SortFunc(keys, Compare)

	var got []string
	for _, k := range keys {
		ik, err := Decode(k)
		require.Nil(t, err)
		got = append(got, ik.String())
	}
	assert.Equal(t, []string{
		`"a"@3/del`,
		`"a"@2/val`,
		`"a"@1/val`,
		`"ab"@2/val`,
		`"b"@1/val`,
	}, got)

	// same seq: the value sorts before the deletion, the lookup key before both
	assert.Negative(t, Compare(New([]byte("k"), 5, KindValue).Encode(), New([]byte("k"), 5, KindDeletion).Encode()))
	assert.Zero(t, Compare(LookupKey([]byte("k"), 5), New([]byte("k"), 5, KindValue).Encode()))
	assert.Positive(t, Compare(LookupKey([]byte("k"), 5), New([]byte("k"), 6, KindDeletion).Encode()))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "val", KindValue.String())
	assert.Equal(t, "del", KindDeletion.String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
