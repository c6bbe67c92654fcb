package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"pmlsm/internal/key"
	"pmlsm/pkg/bloom"
	"pmlsm/pkg/pmem"
	"pmlsm/pkg/skiplist"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed        = errors.New("memtable is closed")
	ErrInvalidOption = errors.New("invalid memtable option")
	ErrSeqOverflow   = errors.New("sequence number overflow")
)

type Option struct {
	// region file backing the arena, empty keeps the memtable on the heap
	Path      string
	ArenaSize int

	// Full reports true once keys and values take MaxSize bytes
	MaxSize uint64

	// 0 seeds node levels from the clock
	Seed int64

	// bloom filter sizing
	ExpectedKeys  uint64
	FalsePositive float64
}

var DefaultOptions = Option{
	Path:          "",
	ArenaSize:     64 * pmem.MB,
	MaxSize:       4 * pmem.MB,
	ExpectedKeys:  1 << 16,
	FalsePositive: 0.01,
}

// Sink receives the entries of a flushed range in order. Entries are only
// erased from the memtable after Finish succeeds.
type Sink interface {
	Add(key, value []byte) error
	Finish() error
}

// Memtable is a write buffer keyed by internal keys. Writers are exclusive,
// readers share the lock.
type Memtable struct {
	sync.RWMutex

	skl     *skiplist.Skiplist
	arena   *pmem.Arena
	filter  *bloom.Bloom
	lastSeq uint64
	option  Option
	closed  bool
}

// Open creates a memtable, or recovers the one stored in option.Path.
func Open(option Option) (*Memtable, error) {
	if option.ArenaSize <= 0 {
		return nil, fmt.Errorf("open memtable %q: arena size %d: %w", option.Path, option.ArenaSize, ErrInvalidOption)
	}
	var (
		arena *pmem.Arena
		err   error
	)
	if option.Path == "" {
		arena, err = pmem.NewArena(pmem.NewHeapRegion(option.ArenaSize))
	} else {
		var r pmem.Region
		if r, err = pmem.OpenFileRegion(option.Path, option.ArenaSize); err != nil {
			return nil, err
		}
		if arena, err = pmem.OpenArena(r); err != nil {
			r.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open memtable %q: %w", option.Path, err)
	}
	return fromArena(arena, option)
}

// fromArena builds the memtable on an opened arena, which it owns from then
// on.
func fromArena(arena *pmem.Arena, option Option) (*Memtable, error) {
	var opts []skiplist.Option
	if option.Seed != 0 {
		opts = append(opts, skiplist.WithSeed(option.Seed))
	}
	skl, err := skiplist.Open(arena, key.Compare, opts...)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("open memtable %q: %w", option.Path, err)
	}

	mem := &Memtable{
		skl:    skl,
		arena:  arena,
		filter: bloom.New(max(option.ExpectedKeys, uint64(skl.Len())), option.FalsePositive),
		option: option,
	}

	// recovered entries
	iter := skl.Iterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		ik, err := key.Decode(iter.Key())
		if err != nil {
			arena.Close()
			return nil, fmt.Errorf("open memtable %q: %w", option.Path, err)
		}
		mem.filter.Add(ik.UserKey)
		mem.lastSeq = max(mem.lastSeq, ik.Seq)
	}
	if skl.Len() > 0 {
		logrus.Debugf("memtable %s recovered %d entries, %d bytes, last seq %d, arena %d/%d",
			option.Path, skl.Len(), skl.ApproximateMemoryUsage(), mem.lastSeq, arena.Used(), arena.Cap())
	}
	return mem, nil
}

// Add inserts an entry. seq must not exceed key.MaxSeq. When the entry got
// linked but a later flush failed, the error is returned and the entry is
// still visible.
func (mem *Memtable) Add(seq uint64, kind key.Kind, userKey []byte, userValue []byte) error {
	if seq > key.MaxSeq {
		return fmt.Errorf("add %q at seq %d: %w", userKey, seq, ErrSeqOverflow)
	}
	mem.Lock()
	defer mem.Unlock()
	if mem.closed {
		return ErrClosed
	}

	ik := key.New(userKey, seq, kind)
	n, err := mem.skl.Insert(ik.Encode(), userValue)
	if !n.Nil() && !errors.Is(err, skiplist.ErrDuplicateKey) {
		mem.filter.Add(userKey)
		mem.lastSeq = max(mem.lastSeq, seq)
	}
	if err != nil {
		return fmt.Errorf("add %s: %w", ik, err)
	}
	return nil
}

// 返回 <= seq 的最新记录
func (mem *Memtable) Get(userKey []byte, seq uint64) (value []byte, ok bool) {
	value, kind, ok := mem.Lookup(userKey, seq)
	return value, ok && kind == key.KindValue
}

// Lookup returns the newest entry of userKey with seq <= seq, deletions
// included, so that callers searching older data know when to stop. The
// value is a copy.
func (mem *Memtable) Lookup(userKey []byte, seq uint64) ([]byte, key.Kind, bool) {
	mem.RLock()
	defer mem.RUnlock()
	if mem.closed || !mem.filter.MayContain(userKey) {
		return nil, 0, false
	}

	iter := mem.skl.Iterator()
	iter.Seek(key.LookupKey(userKey, seq))
	if !iter.Valid() {
		return nil, 0, false
	}
	exactKey, err := key.Decode(iter.Key())
	// 只需要比较 userKey,seek 保证返回的是 seq 最大的记录
	if err != nil || !bytes.Equal(exactKey.UserKey, userKey) {
		return nil, 0, false
	}
	if exactKey.Kind == key.KindDeletion {
		return nil, key.KindDeletion, true
	}
	return bytes.Clone(iter.Value()), key.KindValue, true
}

// FlushRange hands every entry whose user key lies in [start, end) to sink,
// in order, and then erases them in one skiplist.Erase. A nil bound is
// unbounded. If sink fails nothing is erased. It returns the number of
// entries flushed.
func (mem *Memtable) FlushRange(start, end []byte, sink Sink) (int, error) {
	mem.Lock()
	defer mem.Unlock()
	if mem.closed {
		return 0, ErrClosed
	}

	iter := mem.skl.Iterator()
	if start == nil {
		iter.SeekToFirst()
	} else {
		iter.Seek(key.LookupKey(start, key.MaxSeq))
	}

	var (
		first, last skiplist.Node
		size        uint64
		n           int
	)
	for ; iter.Valid(); iter.Next() {
		if end != nil && bytes.Compare(key.UserKey(iter.Key()), end) >= 0 {
			break
		}
		if err := sink.Add(iter.Key(), iter.Value()); err != nil {
			return 0, fmt.Errorf("flush: %w", err)
		}
		if first.Nil() {
			first = iter.Node()
		}
		last = iter.Node()
		size += last.Size()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := sink.Finish(); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	if err := mem.skl.Erase(first, last, size); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	logrus.Debugf("memtable flushed %d entries, %d bytes, %d left", n, size, mem.skl.Len())
	return n, nil
}

func (mem *Memtable) Flush(sink Sink) (int, error) {
	return mem.FlushRange(nil, nil, sink)
}

// Scan calls fn for every entry in internal key order until fn returns
// false. Key and value are only valid during the call.
func (mem *Memtable) Scan(fn func(ik key.InternalKey, value []byte) bool) error {
	mem.RLock()
	defer mem.RUnlock()
	if mem.closed {
		return ErrClosed
	}

	iter := mem.skl.Iterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		ik, err := key.Decode(iter.Key())
		if err != nil {
			return err
		}
		if !fn(ik, iter.Value()) {
			break
		}
	}
	return nil
}

func (mem *Memtable) ApproximateMemoryUsage() uint64 {
	mem.RLock()
	defer mem.RUnlock()
	return mem.skl.ApproximateMemoryUsage()
}

func (mem *Memtable) Full() bool {
	return mem.ApproximateMemoryUsage() >= mem.option.MaxSize
}

func (mem *Memtable) Len() int {
	mem.RLock()
	defer mem.RUnlock()
	return mem.skl.Len()
}

// LastSeq returns the largest sequence number added, recovered entries
// included.
func (mem *Memtable) LastSeq() uint64 {
	mem.RLock()
	defer mem.RUnlock()
	return mem.lastSeq
}

func (mem *Memtable) Path() string {
	return mem.option.Path
}

// Close releases the region. A file backed memtable can be opened again.
func (mem *Memtable) Close() error {
	mem.Lock()
	defer mem.Unlock()
	if mem.closed {
		return nil
	}
	mem.closed = true
	return mem.arena.Close()
}

// Destroy frees every entry, releases the region and removes its file.
func (mem *Memtable) Destroy() error {
	mem.Lock()
	defer mem.Unlock()
	if mem.closed {
		return ErrClosed
	}
	mem.closed = true

	err := errors.Join(mem.skl.Destroy(), mem.arena.Close())
	if mem.option.Path != "" {
		if e := os.Remove(mem.option.Path); e != nil && !os.IsNotExist(e) {
			err = errors.Join(err, e)
		}
	}
	return err
}
