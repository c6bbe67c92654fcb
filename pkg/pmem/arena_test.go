package pmem

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func TestArenaAlloc(t *testing.T) {
	a, err := NewArena(NewHeapRegion(4 * KB))
	require.Nil(t, err)
	assert.Equal(t, 4*KB, a.Cap())
	assert.Equal(t, headerSize, a.Used())

	off1, err := a.Alloc(10)
	require.Nil(t, err)
	assert.Equal(t, uint32(headerSize+blockHeaderSize), off1)
	assert.Equal(t, uint32(minBlockCap), a.blockCap(off1))

	off2, err := a.Alloc(100)
	require.Nil(t, err)
	assert.Equal(t, off1+minBlockCap+blockHeaderSize, off2)
	assert.Equal(t, uint32(128), a.blockCap(off2))
	assert.Equal(t, int(off2)+128, a.Used())

	assert.True(t, a.Contains(off1))
	assert.True(t, a.Contains(off2))
	assert.False(t, a.Contains(0))
	assert.False(t, a.Contains(uint32(a.Used())))
}

func TestArenaFreeReuse(t *testing.T) {
	a, err := NewArena(NewHeapRegion(4 * KB))
	require.Nil(t, err)

	off, err := a.Alloc(100)
	require.Nil(t, err)
	used := a.Used()

	a.Free(off)
	// same class comes back from the free list
	off2, err := a.Alloc(65)
	require.Nil(t, err)
	assert.Equal(t, off, off2)
	assert.Equal(t, used, a.Used())

	// other class carves new space
	off3, err := a.Alloc(10)
	require.Nil(t, err)
	assert.NotEqual(t, off, off3)
	assert.Greater(t, a.Used(), used)
}

func TestArenaFull(t *testing.T) {
	a, err := NewArena(NewHeapRegion(256))
	require.Nil(t, err)

	_, err = a.Alloc(64)
	require.Nil(t, err)
	_, err = a.Alloc(128)
	assert.ErrorIs(t, err, ErrArenaFull)

	_, err = a.Alloc(0)
	assert.ErrorIs(t, err, ErrArenaFull)

	_, err = NewArena(NewHeapRegion(16))
	assert.ErrorIs(t, err, ErrArenaFull)
}

func TestArenaReopen(t *testing.T) {
	r := NewHeapRegion(4 * KB)
	a, err := NewArena(r)
	require.Nil(t, err)

	offs := make([]uint32, 0, 4)
	for _, n := range []int{8, 40, 200, 16} {
		off, err := a.Alloc(n)
		require.Nil(t, err)
		offs = append(offs, off)
	}
	a.PutUint64(offs[2], 0xfeedface)
	require.Nil(t, a.SetRoot(offs[1]))

	b, err := OpenArena(r)
	require.Nil(t, err)
	assert.Equal(t, a.Used(), b.Used())
	assert.Equal(t, offs[1], b.Root())
	assert.Equal(t, uint64(0xfeedface), b.Uint64(offs[2]))

	var seen []uint32
	b.Blocks(func(off, _ uint32) bool {
		seen = append(seen, off)
		return true
	})
	assert.Equal(t, offs, seen)

	// keep only the root, everything else goes to the free lists
	freed := b.Reclaim(func(off uint32) bool { return off == offs[1] })
	assert.Equal(t, 3, freed)
	off, err := b.Alloc(200)
	require.Nil(t, err)
	assert.Equal(t, offs[2], off)
}

func TestOpenArenaBlankAndCorrupted(t *testing.T) {
	r := NewHeapRegion(1 * KB)
	a, err := OpenArena(r)
	require.Nil(t, err)
	assert.Equal(t, headerSize, a.Used())
	assert.Equal(t, uint32(0), a.Root())

	binary.LittleEndian.PutUint64(r.Bytes()[offMagic:], 0x1234)
	_, err = OpenArena(r)
	assert.ErrorIs(t, err, ErrCorrupted)

	r2 := NewHeapRegion(1 * KB)
	a2, err := NewArena(r2)
	require.Nil(t, err)
	off, err := a2.Alloc(32)
	require.Nil(t, err)
	// a cap that is not a power of two breaks the block tiling
	binary.LittleEndian.PutUint32(r2.Bytes()[off-blockHeaderSize:], 33)
	_, err = OpenArena(r2)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestHeapRegionClosed(t *testing.T) {
	r := NewHeapRegion(128)
	assert.Nil(t, r.Flush(0, 8))
	assert.Nil(t, r.Close())
	assert.ErrorIs(t, r.Flush(0, 8), ErrClosed)
}

func TestHeapRegionNegativeSize(t *testing.T) {
	r := NewHeapRegion(-1)
	assert.Empty(t, r.Bytes())
	_, err := NewArena(r)
	assert.ErrorIs(t, err, ErrArenaFull)
}

func TestFileRegionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.pmem")
	r, err := OpenFileRegion(path, 64*KB)
	if err == ErrUnsupported {
		t.Skip("no mmap on this platform")
	}
	require.Nil(t, err)

	a, err := NewArena(r)
	require.Nil(t, err)
	off, err := a.Alloc(5)
	require.Nil(t, err)
	copy(a.Bytes(off, 5), "hello")
	require.Nil(t, a.Persist(off, 5))
	require.Nil(t, a.SetRoot(off))
	require.Nil(t, a.Close())

	info, err := os.Stat(path)
	require.Nil(t, err)
	assert.Equal(t, int64(64*KB), info.Size())

	// a smaller requested size maps the whole file
	r2, err := OpenFileRegion(path, 4*KB)
	require.Nil(t, err)
	defer r2.Close()
	assert.Equal(t, 64*KB, len(r2.Bytes()))

	b, err := OpenArena(r2)
	require.Nil(t, err)
	assert.Equal(t, off, b.Root())
	assert.Equal(t, []byte("hello"), b.Bytes(b.Root(), 5))
}
