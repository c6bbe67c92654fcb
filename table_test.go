package pmlsm

import (
	"os"
	"testing"

	"pmlsm/internal/key"
	"pmlsm/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableBuilderEmpty(t *testing.T) {
	dir := t.TempDir()
	var installed []*table
	tb := newTableBuilder(dir, 1, func(t *table) { installed = append(installed, t) })

	require.Nil(t, tb.Finish())
	assert.Empty(t, installed)
	_, err := os.Stat(util.TableFileName(dir, 1))
	assert.True(t, os.IsNotExist(err))
}

func TestTableBuilder(t *testing.T) {
	dir := t.TempDir()
	var installed []*table
	tb := newTableBuilder(dir, 2, func(t *table) { installed = append(installed, t) })

	require.Nil(t, tb.Add(key.New([]byte("a"), 5, key.KindDeletion).Encode(), nil))
	require.Nil(t, tb.Add(key.New([]byte("a"), 3, key.KindValue).Encode(), []byte("old")))
	require.Nil(t, tb.Add(key.New([]byte("b"), 4, key.KindValue).Encode(), []byte("b4")))
	require.Nil(t, tb.Finish())
	require.Len(t, installed, 1)
	assert.Equal(t, uint64(5), installed[0].maxSeq)

	reopened, err := openTable(dir, 2)
	require.Nil(t, err)
	for _, tab := range []*table{installed[0], reopened} {
		_, kind, ok := tab.get([]byte("a"), 10)
		assert.True(t, ok)
		assert.Equal(t, key.KindDeletion, kind)

		v, kind, ok := tab.get([]byte("a"), 4)
		assert.True(t, ok)
		assert.Equal(t, key.KindValue, kind)
		assert.Equal(t, []byte("old"), v)

		_, _, ok = tab.get([]byte("b"), 3)
		assert.False(t, ok)
		_, _, ok = tab.get([]byte("c"), 10)
		assert.False(t, ok)
	}
}
