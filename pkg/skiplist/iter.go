package skiplist

type Iterator struct {
	s   *Skiplist
	cur uint32
}

// Iterator returns an iterator positioned before the first node.
func (s *Skiplist) Iterator() *Iterator {
	return &Iterator{
		s:   s,
		cur: s.head,
	}
}

// return false if cur is a sentinel
func (it *Iterator) Valid() bool {
	return it.cur != 0 && it.cur != it.s.head && it.cur != it.s.tail
}

func (it *Iterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.s.key(it.cur)
}

func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.s.value(it.cur)
}

// Node returns the handle of the current node, usable with Erase.
func (it *Iterator) Node() Node {
	if !it.Valid() {
		return Node{}
	}
	return it.s.node(it.cur)
}

func (it *Iterator) Next() {
	if !it.Valid() {
		panic("Iterator is not valid")
	}
	it.cur = it.s.next(it.cur, 0)
}

func (it *Iterator) Prev() {
	if !it.Valid() {
		panic("Iterator is not valid")
	}
	it.cur = it.s.prev(it.cur, 0)
}

// seek to first node that >= target
func (it *Iterator) Seek(target []byte) {
	it.cur = it.s.findGreaterOrEqual(target, nil)
}

func (it *Iterator) SeekToFirst() {
	it.cur = it.s.next(it.s.head, 0)
}

func (it *Iterator) SeekToLast() {
	it.cur = it.s.prev(it.s.tail, 0)
}
