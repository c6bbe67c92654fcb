package skiplist

// node layout inside its arena block, little endian:
//
//	keyLen u32 | valLen u32 | level u32 | flags u32 |
//	level x (next u32, prev u32) | key | value
const (
	nodeKeyLen = 0
	nodeValLen = 4
	nodeLevel  = 8
	nodeFlags  = 12
	nodeLinks  = 16
	linkSize   = 8
)

const (
	flagHead uint32 = 1 << iota
	flagTail
)

func nodeSize(keyLen, valLen, level int) int {
	return nodeLinks + level*linkSize + keyLen + valLen
}

// Node is a handle on an entry of a Skiplist. The zero Node refers to
// nothing. Handles compare equal iff they refer to the same entry.
//
// Key and Value return views into the list's memory: they must not be
// modified, and must not be used after the node has been erased.
type Node struct {
	list *Skiplist
	off  uint32
}

func (n Node) Nil() bool {
	return n.list == nil || n.off == 0
}

func (n Node) IsHead() bool {
	return !n.Nil() && n.off == n.list.head
}

func (n Node) IsTail() bool {
	return !n.Nil() && n.off == n.list.tail
}

func (n Node) Key() []byte {
	return n.list.key(n.off)
}

func (n Node) Value() []byte {
	return n.list.value(n.off)
}

// Level is the number of levels the node is linked into.
func (n Node) Level() int {
	return n.list.height(n.off)
}

// Size is the node's contribution to ApproximateMemoryUsage.
func (n Node) Size() uint64 {
	a := n.list.arena
	return uint64(a.Uint32(n.off+nodeKeyLen)) + uint64(a.Uint32(n.off+nodeValLen))
}

func (n Node) Next(level int) Node {
	return n.list.node(n.list.next(n.off, level))
}

func (n Node) Prev(level int) Node {
	return n.list.node(n.list.prev(n.off, level))
}

func (s *Skiplist) node(off uint32) Node {
	if off == 0 {
		return Node{}
	}
	return Node{list: s, off: off}
}

func (s *Skiplist) height(off uint32) int {
	return int(s.arena.Uint32(off + nodeLevel))
}

func (s *Skiplist) key(off uint32) []byte {
	kl := s.arena.Uint32(off + nodeKeyLen)
	return s.arena.Bytes(off+nodeLinks+uint32(s.height(off))*linkSize, kl)
}

func (s *Skiplist) value(off uint32) []byte {
	kl := s.arena.Uint32(off + nodeKeyLen)
	vl := s.arena.Uint32(off + nodeValLen)
	return s.arena.Bytes(off+nodeLinks+uint32(s.height(off))*linkSize+kl, vl)
}

func linkOffset(off uint32, level int) uint32 {
	return off + nodeLinks + uint32(level)*linkSize
}

func (s *Skiplist) next(off uint32, level int) uint32 {
	return s.arena.Uint32(linkOffset(off, level))
}

func (s *Skiplist) prev(off uint32, level int) uint32 {
	return s.arena.Uint32(linkOffset(off, level) + 4)
}

// setNext and setPrev rewrite a single pointer slot and flush it.
func (s *Skiplist) setNext(off uint32, level int, v uint32) error {
	slot := linkOffset(off, level)
	s.arena.PutUint32(slot, v)
	return s.arena.Persist(slot, 4)
}

func (s *Skiplist) setPrev(off uint32, level int, v uint32) error {
	slot := linkOffset(off, level) + 4
	s.arena.PutUint32(slot, v)
	return s.arena.Persist(slot, 4)
}

// makeNode allocates a node and copies key and value into it. Links are
// zeroed and nothing is flushed: the node is unreachable until spliced.
func (s *Skiplist) makeNode(key, value []byte, level int, flags uint32) (uint32, error) {
	off, err := s.arena.Alloc(nodeSize(len(key), len(value), level))
	if err != nil {
		return 0, err
	}
	a := s.arena
	a.PutUint32(off+nodeKeyLen, uint32(len(key)))
	a.PutUint32(off+nodeValLen, uint32(len(value)))
	a.PutUint32(off+nodeLevel, uint32(level))
	a.PutUint32(off+nodeFlags, flags)
	clear(a.Bytes(off+nodeLinks, uint32(level)*linkSize))
	copy(s.key(off), key)
	copy(s.value(off), value)
	return off, nil
}

func (s *Skiplist) persistNode(off uint32) error {
	a := s.arena
	n := nodeSize(int(a.Uint32(off+nodeKeyLen)), int(a.Uint32(off+nodeValLen)), s.height(off))
	return a.Persist(off, uint32(n))
}
