package skiplist

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// recover makes an adopted list consistent again after a crash.
//
// Level 0 is the authority: a node is live iff it is reachable from head
// along level 0. Then, level by level:
//   - a prev slot that does not point back at its predecessor is rewritten,
//     which finishes a splice or an unlink interrupted between its two halves
//   - a live node missing from some of its upper levels (insert interrupted
//     while linking them, or erase interrupted before reaching level 0) is
//     linked back into them
//
// Finally blocks no live node owns are returned to the arena and the level
// is recomputed. The persisted size is kept unless the number of live nodes
// shows an insert or erase did not reach its metadata update.
func (s *Skiplist) recover() error {
	live := map[uint32]int{s.meta: 0, s.head: 0, s.tail: 0}

	var (
		size  uint64
		count int
	)
	for p, x := s.head, s.next(s.head, 0); x != s.tail; p, x = x, s.next(x, 0) {
		if !s.arena.Contains(x) {
			return fmt.Errorf("level 0 link to %d: %w", x, ErrCorrupted)
		}
		if _, ok := live[x]; ok {
			return fmt.Errorf("level 0 cycle at %d: %w", x, ErrCorrupted)
		}
		if h := s.height(x); h < 1 || h > MaxLevel {
			return fmt.Errorf("node %d has height %d: %w", x, h, ErrCorrupted)
		}
		if p != s.head && s.cmp(s.key(p), s.key(x)) >= 0 {
			return fmt.Errorf("keys %q >= %q: %w", s.key(p), s.key(x), ErrCorrupted)
		}
		live[x] = 0
		size += s.node(x).Size()
		count++
	}

	// live[x] counts the levels x was reached on
	repaired := 0
	for i := range MaxLevel {
		p := s.head
		for x := s.next(p, i); ; x = s.next(x, i) {
			reached, ok := live[x]
			if !ok || x == s.meta || x == s.head {
				return fmt.Errorf("level %d link to %d: %w", i, x, ErrCorrupted)
			}
			if s.prev(x, i) != p {
				if err := s.setPrev(x, i, p); err != nil {
					return err
				}
				repaired++
			}
			if x == s.tail {
				break
			}
			if reached != i || s.height(x) <= i {
				return fmt.Errorf("node %d linked at level %d out of order: %w", x, i, ErrCorrupted)
			}
			live[x] = reached + 1
			p = x
		}
	}

	// relink searches every level, populated or not
	s.level = MaxLevel
	relinked := 0
	for x := s.next(s.head, 0); x != s.tail; x = s.next(x, 0) {
		if reached := live[x]; reached < s.height(x) {
			if err := s.relink(x, reached); err != nil {
				return err
			}
			relinked++
		}
	}
	if err := s.arena.Fence(); err != nil {
		return err
	}

	s.level = 1
	for i := MaxLevel - 1; i > 0; i-- {
		if s.next(s.head, i) != s.tail {
			s.level = i + 1
			break
		}
	}

	freed := s.arena.Reclaim(func(off uint32) bool {
		_, ok := live[off]
		return ok
	})

	if count != s.length {
		logrus.Warnf("skiplist recovery: persisted len=%d size=%d, found len=%d size=%d", s.length, s.size, count, size)
		s.length = count
		s.size = size
	}
	logrus.Debugf("skiplist recovered: len=%d, level=%d, repaired %d prev links, relinked %d nodes, freed %d blocks",
		s.length, s.level, repaired, relinked, freed)
	return s.syncMeta()
}

// relink splices x into levels [from, height(x)) the same way Insert
// would. s.level must cover every level being searched.
func (s *Skiplist) relink(x uint32, from int) error {
	var update [MaxLevel]uint32
	s.findGreaterOrEqual(s.key(x), &update)
	for i := from; i < s.height(x); i++ {
		succ := s.next(update[i], i)
		s.arena.PutUint32(linkOffset(x, i), succ)
		s.arena.PutUint32(linkOffset(x, i)+4, update[i])
		if err := s.arena.Persist(linkOffset(x, i), linkSize); err != nil {
			return err
		}
		if err := s.setNext(update[i], i, x); err != nil {
			return err
		}
		if err := s.setPrev(succ, i, x); err != nil {
			return err
		}
	}
	return nil
}
