package skiplist

import (
	"fmt"
	"slices"
	"syscall"
	"testing"

	"pmlsm/pkg/pmem"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashRegion keeps two copies of its memory: what the program sees and
// what would survive a power failure. Only flushed ranges reach the
// durable copy, and only until budget runs out.
type crashRegion struct {
	buf     []byte
	durable []byte

	// flushes left before the crash, negative means no crash
	budget  int
	flushes int

	// returned by flushes past the budget instead of dropping them
	err error
}

func newCrashRegion(image []byte) *crashRegion {
	return &crashRegion{
		buf:     slices.Clone(image),
		durable: slices.Clone(image),
		budget:  -1,
	}
}

func (r *crashRegion) Bytes() []byte { return r.buf }

func (r *crashRegion) Flush(off, n int) error {
	r.flushes++
	if r.budget == 0 {
		return r.err
	}
	if r.budget > 0 {
		r.budget--
	}
	copy(r.durable[off:off+n], r.buf[off:off+n])
	return nil
}

func (r *crashRegion) Fence() error { return nil }

func (r *crashRegion) Close() error { return nil }

// runCrashed opens the list stored in image, runs op allowing it budget
// flushes, and returns the durable image together with the number of
// flushes op issued.
func runCrashed(t *testing.T, image []byte, budget int, seed int64, op func(*Skiplist)) ([]byte, int) {
	t.Helper()
	r := newCrashRegion(image)
	a, err := pmem.OpenArena(r)
	require.Nil(t, err)
	s, err := Open(a, Bytewise, WithSeed(seed))
	require.Nil(t, err)

	r.budget, r.flushes = budget, 0
	op(s)
	return r.durable, r.flushes
}

func reopen(t *testing.T, image []byte) *Skiplist {
	t.Helper()
	r := pmem.NewHeapRegion(len(image))
	copy(r.Bytes(), image)
	a, err := pmem.OpenArena(r)
	require.Nil(t, err)
	s, err := Open(a, Bytewise, WithSeed(1))
	require.Nil(t, err)
	return s
}

// baseImage holds a list of the even keys k0000, k0002, ... k0398.
func baseImage(t *testing.T, seed int64) []byte {
	r := pmem.NewHeapRegion(256 * pmem.KB)
	a, err := pmem.NewArena(r)
	require.Nil(t, err)
	s, err := New(a, Bytewise, WithSeed(seed))
	require.Nil(t, err)
	for i := 0; i < 400; i += 2 {
		mustInsert(t, s, fmt.Sprintf("k%04d", i), fmt.Sprintf("v%d", i))
	}
	return slices.Clone(r.Bytes())
}

func withKey(keys []string, key string) []string {
	i, _ := slices.BinarySearch(keys, key)
	return slices.Insert(slices.Clone(keys), i, key)
}

func checkRecovered(t *testing.T, s *Skiplist, outcomes ...[]string) {
	t.Helper()
	size := checkInvariants(t, s)
	assert.Equal(t, size, s.ApproximateMemoryUsage())

	got := keysOf(s)
	for _, want := range outcomes {
		if slices.Equal(got, want) {
			return
		}
	}
	t.Fatalf("recovered %d keys matching none of the expected outcomes", len(got))
}

func TestCrashDuringInsert(t *testing.T) {
	image := baseImage(t, 1)
	before := keysOf(reopen(t, image))
	after := withKey(before, "k0101")

	insert := func(s *Skiplist) { s.Insert([]byte("k0101"), []byte("new")) }

	// each seed gives the new node a different height
	for seed := int64(1); seed <= 16; seed++ {
		_, total := runCrashed(t, image, -1, seed, insert)
		for budget := 0; budget <= total; budget++ {
			durable, _ := runCrashed(t, image, budget, seed, insert)
			s := reopen(t, durable)
			checkRecovered(t, s, before, after)

			if n, ok := s.Find([]byte("k0101")); ok {
				assert.Equal(t, []byte("new"), n.Value())
			}
			if budget == total {
				assert.Equal(t, after, keysOf(s))
			}

			// the recovered list keeps working
			mustInsert(t, s, "k0103", "more")
			checkInvariants(t, s)
		}
	}
}

func TestCrashDuringErase(t *testing.T) {
	for seed := int64(1); seed <= 4; seed++ {
		image := baseImage(t, seed)
		before := keysOf(reopen(t, image))
		after := slices.Concat(before[:20], before[61:])

		erase := func(s *Skiplist) {
			first, _ := s.Find([]byte("k0040"))
			last, _ := s.Find([]byte("k0120"))
			var size uint64
			for n := first; ; n = n.Next(0) {
				size += n.Size()
				if n == last {
					break
				}
			}
			require.Nil(t, s.Erase(first, last, size))
		}

		_, total := runCrashed(t, image, -1, seed, erase)
		for budget := 0; budget <= total; budget++ {
			durable, _ := runCrashed(t, image, budget, seed, erase)
			s := reopen(t, durable)
			checkRecovered(t, s, before, after)
			if budget == total {
				assert.Equal(t, after, keysOf(s))
			}

			mustInsert(t, s, "k0081", "more")
			checkInvariants(t, s)
		}
	}
}

func TestCrashDuringRecovery(t *testing.T) {
	image := baseImage(t, 3)
	before := keysOf(reopen(t, image))
	after := withKey(before, "k0201")

	insert := func(s *Skiplist) { s.Insert([]byte("k0201"), []byte("new")) }
	_, total := runCrashed(t, image, -1, 5, insert)

	for budget := 1; budget < total; budget++ {
		crashed, _ := runCrashed(t, image, budget, 5, insert)

		// recovery itself is interrupted after every possible flush
		r := newCrashRegion(crashed)
		a, err := pmem.OpenArena(r)
		require.Nil(t, err)
		_, err = Open(a, Bytewise)
		require.Nil(t, err)
		repairs := r.flushes

		for cut := 0; cut < repairs; cut++ {
			r := newCrashRegion(crashed)
			r.budget = cut
			a, err := pmem.OpenArena(r)
			require.Nil(t, err)
			_, err = Open(a, Bytewise)
			require.Nil(t, err)

			checkRecovered(t, reopen(t, r.durable), before, after)
		}
	}
}

func TestOpenAfterCrashedNew(t *testing.T) {
	r := newCrashRegion(make([]byte, 16*pmem.KB))
	a, err := pmem.OpenArena(r)
	require.Nil(t, err)

	// the three allocations reach the region, nothing after them does
	r.budget, r.flushes = 6, 0
	_, err = New(a, Bytewise)
	require.Nil(t, err)

	s := reopen(t, r.durable)
	assert.Equal(t, 0, s.Len())
	checkInvariants(t, s)
	mustInsert(t, s, "a", "1")
	checkInvariants(t, s)
}

func TestInsertFlushFailure(t *testing.T) {
	r := newCrashRegion(make([]byte, 16*pmem.KB))
	a, err := pmem.OpenArena(r)
	require.Nil(t, err)
	s, err := New(a, Bytewise, WithSeed(1))
	require.Nil(t, err)
	mustInsert(t, s, "a", "1")
	mustInsert(t, s, "c", "3")
	size := s.ApproximateMemoryUsage()

	// the block is carved, writing the node out fails
	r.budget, r.err = 2, syscall.EIO
	n, err := s.Insert([]byte("b"), []byte("2"))
	assert.ErrorIs(t, err, syscall.EIO)
	assert.True(t, n.Nil())
	_, ok := s.Find([]byte("b"))
	assert.False(t, ok)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, size, s.ApproximateMemoryUsage())
	checkInvariants(t, s)

	// nothing reached the durable copy either
	assert.Equal(t, []string{"a", "c"}, keysOf(reopen(t, r.durable)))

	r.budget, r.err = -1, nil
	mustInsert(t, s, "b", "2")
	assert.Equal(t, []string{"a", "b", "c"}, keysOf(s))
	checkInvariants(t, s)
}
