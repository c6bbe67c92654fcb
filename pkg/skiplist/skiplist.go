package skiplist

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"pmlsm/pkg/pmem"

	"github.com/sirupsen/logrus"
)

const (
	MaxLevel = 16

	// a node reaches level i+1 with probability 1/branching
	branching = 4
)

// meta block, the arena root:
//
//	head u32 | tail u32 | level u32 | length u32 | size u64
const (
	metaHead   = 0
	metaTail   = 4
	metaLevel  = 8
	metaLength = 12
	metaSize   = 16
	metaBytes  = 24
)

var (
	ErrDuplicateKey = errors.New("skiplist: duplicate key")
	ErrInvalidRange = errors.New("skiplist: invalid erase range")
	ErrCorrupted    = errors.New("skiplist: corrupted")
)

// Skiplist is an ordered index whose nodes live in a pmem.Arena. Every node
// keeps a next and a prev link per level, so a contiguous range can be
// unlinked without searching for its predecessors.
//
// A Skiplist does no locking. Insert, Erase and Destroy need exclusive
// access; Find and iterators may run concurrently with each other.
type Skiplist struct {
	arena *pmem.Arena
	cmp   CompareFunc

	head uint32
	tail uint32
	meta uint32

	// highest populated level, 1 <= level <= MaxLevel
	level  int
	size   uint64
	length int

	maxLevel int
	rnd      *rand.Rand
}

type Option func(*Skiplist)

// WithSeed makes level generation reproducible.
func WithSeed(seed int64) Option {
	return func(s *Skiplist) {
		s.rnd = rand.New(rand.NewSource(seed))
	}
}

// WithMaxLevel caps the height of new nodes. Sentinels are always MaxLevel
// tall, so lists with different caps can share a region format.
func WithMaxLevel(n int) Option {
	return func(s *Skiplist) {
		s.maxLevel = min(max(n, 1), MaxLevel)
	}
}

func newSkiplist(a *pmem.Arena, cmp CompareFunc, opts []Option) *Skiplist {
	s := &Skiplist{
		arena:    a,
		cmp:      cmp,
		level:    1,
		maxLevel: MaxLevel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return s
}

// New builds an empty list in a. Whatever root a had is replaced.
func New(a *pmem.Arena, cmp CompareFunc, opts ...Option) (s *Skiplist, err error) {
	s = newSkiplist(a, cmp, opts)

	var allocated []uint32
	defer func() {
		if err != nil {
			for _, off := range allocated {
				a.Free(off)
			}
		}
	}()

	if s.meta, err = a.Alloc(metaBytes); err != nil {
		return nil, fmt.Errorf("alloc meta: %w", err)
	}
	allocated = append(allocated, s.meta)
	if s.head, err = s.makeNode(nil, nil, MaxLevel, flagHead); err != nil {
		return nil, fmt.Errorf("alloc head: %w", err)
	}
	allocated = append(allocated, s.head)
	if s.tail, err = s.makeNode(nil, nil, MaxLevel, flagTail); err != nil {
		return nil, fmt.Errorf("alloc tail: %w", err)
	}
	allocated = append(allocated, s.tail)

	for i := range MaxLevel {
		a.PutUint32(linkOffset(s.head, i), s.tail)
		a.PutUint32(linkOffset(s.tail, i)+4, s.head)
	}
	a.PutUint32(s.meta+metaHead, s.head)
	a.PutUint32(s.meta+metaTail, s.tail)
	if err = errors.Join(s.persistNode(s.head), s.persistNode(s.tail), s.syncMeta()); err != nil {
		return nil, err
	}
	// the root is published last, a crash before this leaves a blank arena
	if err = a.SetRoot(s.meta); err != nil {
		return nil, err
	}
	return s, nil
}

// Open adopts the list rooted in a, or builds an empty one if a has no
// root. An adopted list is checked and repaired before it is returned, see
// recover.
func Open(a *pmem.Arena, cmp CompareFunc, opts ...Option) (*Skiplist, error) {
	root := a.Root()
	if root == 0 {
		// blocks of a New that never published its root
		if n := a.Reclaim(func(uint32) bool { return false }); n > 0 {
			logrus.Warnf("skiplist: %d unreachable blocks in an arena without root", n)
		}
		return New(a, cmp, opts...)
	}

	s := newSkiplist(a, cmp, opts)
	s.meta = root
	s.head = a.Uint32(root + metaHead)
	s.tail = a.Uint32(root + metaTail)
	s.level = int(a.Uint32(root + metaLevel))
	s.length = int(a.Uint32(root + metaLength))
	s.size = a.Uint64(root + metaSize)

	for _, sentinel := range []struct {
		off  uint32
		flag uint32
	}{{s.head, flagHead}, {s.tail, flagTail}} {
		if !a.Contains(sentinel.off) || a.Uint32(sentinel.off+nodeFlags) != sentinel.flag || s.height(sentinel.off) != MaxLevel {
			return nil, fmt.Errorf("sentinel at %d: %w", sentinel.off, ErrCorrupted)
		}
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Skiplist) syncMeta() error {
	a := s.arena
	a.PutUint32(s.meta+metaLevel, uint32(s.level))
	a.PutUint32(s.meta+metaLength, uint32(s.length))
	a.PutUint64(s.meta+metaSize, s.size)
	if err := a.Persist(s.meta, metaBytes); err != nil {
		return err
	}
	return a.Fence()
}

func (s *Skiplist) randomLevel() int {
	level := 1
	for level < s.maxLevel && s.rnd.Intn(branching) == 0 {
		level++
	}
	return level
}

// findLessThan advances from begin along level and returns the last node
// whose key is less than key.
func (s *Skiplist) findLessThan(begin uint32, level int, key []byte) uint32 {
	x := begin
	for next := s.next(x, level); next != s.tail; next = s.next(x, level) {
		if s.cmp(s.key(next), key) >= 0 {
			break
		}
		x = next
	}
	return x
}

// findGreaterOrEqual returns the first node whose key is >= key, or the
// tail. If update is not nil, update[i] is set to the rightmost node at
// level i whose key is less than key, for every i below the list level.
func (s *Skiplist) findGreaterOrEqual(key []byte, update *[MaxLevel]uint32) uint32 {
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		x = s.findLessThan(x, i, key)
		if update != nil {
			update[i] = x
		}
	}
	return s.next(x, 0)
}

// Insert adds key and value and returns the new node. Both slices are
// copied. If key is already present the existing node is returned with
// ErrDuplicateKey and the list is unchanged.
//
// If writing the node out fails its block is freed and the list is
// unchanged. A failure after linking has started returns the node, which
// is live, together with the error.
//
// The node is written and flushed completely before the first link to it
// is, and level 0 is linked before the levels above it, so a crash never
// exposes a partially built node.
func (s *Skiplist) Insert(key, value []byte) (Node, error) {
	var update [MaxLevel]uint32
	x := s.findGreaterOrEqual(key, &update)
	if x != s.tail && s.cmp(s.key(x), key) == 0 {
		return s.node(x), ErrDuplicateKey
	}

	level := s.randomLevel()
	for i := s.level; i < level; i++ {
		update[i] = s.head
	}

	off, err := s.makeNode(key, value, level, 0)
	if err != nil {
		return Node{}, fmt.Errorf("insert %q: %w", key, err)
	}
	for i := range level {
		s.arena.PutUint32(linkOffset(off, i), s.next(update[i], i))
		s.arena.PutUint32(linkOffset(off, i)+4, update[i])
	}
	if err := errors.Join(s.persistNode(off), s.arena.Fence()); err != nil {
		// nothing links to the node yet
		s.arena.Free(off)
		return Node{}, fmt.Errorf("insert %q: %w", key, err)
	}

	// once splicing starts it runs to the end so the in-memory list stays
	// consistent even if a flush fails. The node is returned with the
	// error: it is live.
	for i := range level {
		succ := s.next(off, i)
		if e := s.setNext(update[i], i, off); e != nil && err == nil {
			err = e
		}
		if e := s.setPrev(succ, i, off); e != nil && err == nil {
			err = e
		}
	}
	if e := s.arena.Fence(); e != nil && err == nil {
		err = e
	}

	if level > s.level {
		logrus.Debugf("skiplist level %d -> %d", s.level, level)
		s.level = level
	}
	s.size += uint64(len(key) + len(value))
	s.length++
	if e := s.syncMeta(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		err = fmt.Errorf("insert %q: %w", key, err)
	}
	return s.node(off), err
}

// Find returns the node holding key.
func (s *Skiplist) Find(key []byte) (Node, bool) {
	x := s.findGreaterOrEqual(key, nil)
	if x != s.tail && s.cmp(s.key(x), key) == 0 {
		return s.node(x), true
	}
	return Node{}, false
}

// Erase removes every node from first to last inclusive and lowers
// ApproximateMemoryUsage by compactionSize, which the caller has already
// summed while scanning the range.
//
// The range is validated before anything changes. For each level the
// nearest outside neighbours are linked to each other, top level first and
// level 0 last, so after a crash the range is either still fully linked at
// level 0 or not linked at all.
func (s *Skiplist) Erase(first, last Node, compactionSize uint64) error {
	nodes, err := s.checkRange(first, last, compactionSize)
	if err != nil {
		return err
	}

	// the first and last node of the range present on each level
	var lo, hi [MaxLevel]uint32
	top := 0
	for _, off := range nodes {
		l := s.height(off)
		for i := range l {
			if lo[i] == 0 {
				lo[i] = off
			}
			hi[i] = off
		}
		top = max(top, l)
	}

	for i := top - 1; i >= 0; i-- {
		pred := s.prev(lo[i], i)
		succ := s.next(hi[i], i)
		if e := s.setNext(pred, i, succ); e != nil && err == nil {
			err = e
		}
		if e := s.setPrev(succ, i, pred); e != nil && err == nil {
			err = e
		}
	}
	if e := s.arena.Fence(); e != nil && err == nil {
		err = e
	}

	for _, off := range nodes {
		s.arena.Free(off)
	}

	s.size -= compactionSize
	s.length -= len(nodes)
	for s.level > 1 && s.next(s.head, s.level-1) == s.tail {
		s.level--
	}
	if e := s.syncMeta(); e != nil && err == nil {
		err = e
	}
	logrus.Debugf("skiplist erased %d nodes, reclaimed %d bytes, level=%d", len(nodes), compactionSize, s.level)
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	return nil
}

// checkRange returns the nodes of [first, last] in order.
func (s *Skiplist) checkRange(first, last Node, compactionSize uint64) ([]uint32, error) {
	for _, n := range []Node{first, last} {
		switch {
		case n.Nil() || n.list != s:
			return nil, fmt.Errorf("%w: node does not belong to this list", ErrInvalidRange)
		case n.off == s.head || n.off == s.tail:
			return nil, fmt.Errorf("%w: sentinel node", ErrInvalidRange)
		case !s.arena.Contains(n.off):
			return nil, fmt.Errorf("%w: node offset %d outside arena", ErrInvalidRange, n.off)
		case !s.arena.Contains(s.prev(n.off, 0)) || s.next(s.prev(n.off, 0), 0) != n.off:
			return nil, fmt.Errorf("%w: node %q is not linked", ErrInvalidRange, n.Key())
		}
	}
	if compactionSize > s.size {
		return nil, fmt.Errorf("%w: compaction size %d exceeds %d", ErrInvalidRange, compactionSize, s.size)
	}

	var nodes []uint32
	for x := first.off; ; x = s.next(x, 0) {
		if x == s.tail {
			return nil, fmt.Errorf("%w: %q is not at or after %q", ErrInvalidRange, last.Key(), first.Key())
		}
		nodes = append(nodes, x)
		if x == last.off {
			return nodes, nil
		}
	}
}

// Destroy frees every node in level 0 order, then the sentinels, and clears
// the arena root. The list must not be used afterwards.
func (s *Skiplist) Destroy() error {
	for x := s.next(s.head, 0); x != s.tail; {
		next := s.next(x, 0)
		s.arena.Free(x)
		x = next
	}
	for _, off := range []uint32{s.head, s.tail, s.meta} {
		s.arena.Free(off)
	}
	s.head, s.tail, s.meta = 0, 0, 0
	s.size, s.length, s.level = 0, 0, 1
	return s.arena.SetRoot(0)
}

func (s *Skiplist) Head() Node {
	return s.node(s.head)
}

func (s *Skiplist) Tail() Node {
	return s.node(s.tail)
}

// ApproximateMemoryUsage is the total length of live keys and values. Links
// and block overhead are not counted.
func (s *Skiplist) ApproximateMemoryUsage() uint64 {
	return s.size
}

func (s *Skiplist) Level() int {
	return s.level
}

func (s *Skiplist) Len() int {
	return s.length
}

func (s *Skiplist) printLevel(i int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("level %d: head", i))
	for x := s.next(s.head, i); x != s.tail; x = s.next(x, i) {
		sb.WriteString(fmt.Sprintf(" -> %q", s.key(x)))
	}
	sb.WriteString(" -> tail")
	return sb.String()
}

func (s *Skiplist) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[level=%d,len=%d,size=%d]\n", s.level, s.length, s.size))
	for i := s.level - 1; i >= 0; i-- {
		sb.WriteString(s.printLevel(i))
		sb.WriteByte('\n')
	}
	return sb.String()
}
