package pmlsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"pmlsm/internal/key"
	"pmlsm/internal/util"
	"pmlsm/pkg/memtable"
	"pmlsm/pkg/pmem"

	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("db is closed")

// Db buffers writes in a memtable backed by persistent memory. A full
// memtable becomes immutable and is flushed to a table in the background,
// its entries leaving the skip list through a single range erase.
type Db struct {
	option Option
	mu     sync.Mutex
	cond   *sync.Cond

	mem       *memtable.Memtable
	memNumber uint64
	imm       *memtable.Memtable
	immNumber uint64

	// newest first
	tables []*table

	seq            uint64
	nextFileNumber uint64

	bgFlushScheduled bool
	bgErr            error
	closed           bool
}

// Open opens the db in option.Dir, flushing memtables left behind by an
// earlier run, or an in-memory db when Dir is empty.
func Open(option Option) (*Db, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	db := &Db{
		option:         option,
		nextFileNumber: 1,
	}
	db.cond = sync.NewCond(&db.mu)

	if option.Dir != "" {
		if err := db.recover(); err != nil {
			return nil, err
		}
	}
	if db.mem == nil {
		mem, number, err := db.newMemtable()
		if err != nil {
			return nil, err
		}
		db.mem, db.memNumber = mem, number
	}
	logrus.Debugf("opened db %q: memtable %d, %d tables, seq %d", option.Dir, db.memNumber, len(db.tables), db.seq)
	return db, nil
}

// recover loads tables and memtable regions from the directory. Every
// region but the newest is flushed; a region whose table already exists
// was flushed before the crash and is only removed.
func (db *Db) recover() error {
	dir := db.option.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var regions, tables []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		number, ft, ok := util.ParseFileName(entry.Name())
		if !ok {
			continue
		}
		db.nextFileNumber = max(db.nextFileNumber, number+1)
		switch ft {
		case util.RegionFile:
			regions = append(regions, number)
		case util.TableFile:
			tables = append(tables, number)
		case util.TempFile:
			logrus.Warnf("removing unfinished table %s", entry.Name())
			if err := os.Remove(util.TempFileName(dir, number)); err != nil {
				return err
			}
		}
	}
	slices.Sort(regions)
	slices.Sort(tables)

	for _, number := range tables {
		t, err := openTable(dir, number)
		if err != nil {
			return err
		}
		db.installTable(t)
	}

	for i, number := range regions {
		mem, err := memtable.Open(db.option.memtableOption(util.RegionFileName(dir, number)))
		if err != nil {
			return err
		}
		db.seq = max(db.seq, mem.LastSeq())

		switch {
		case slices.Contains(tables, number):
			logrus.Warnf("memtable %d was already flushed, removing it", number)
			if err := mem.Destroy(); err != nil {
				return err
			}
		case i == len(regions)-1:
			db.mem, db.memNumber = mem, number
		default:
			logrus.Debugf("flushing memtable %d left by the previous run", number)
			if err := db.flushMemtable(mem, number); err != nil {
				mem.Close()
				return err
			}
		}
	}
	return nil
}

func (db *Db) newMemtable() (*memtable.Memtable, uint64, error) {
	number := db.nextFileNumber
	db.nextFileNumber++

	path := ""
	if db.option.Dir != "" {
		path = util.RegionFileName(db.option.Dir, number)
	}
	mem, err := memtable.Open(db.option.memtableOption(path))
	if err != nil {
		return nil, 0, fmt.Errorf("memtable %d: %w", number, err)
	}
	return mem, number, nil
}

func (db *Db) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for db.bgFlushScheduled {
		db.cond.Wait()
	}
	if db.closed {
		return nil
	}
	db.closed = true
	db.cond.Broadcast()

	err := db.mem.Close()
	if db.imm != nil {
		err = errors.Join(err, db.imm.Close())
	}
	return err
}

func (db *Db) Put(userKey, userValue []byte) error {
	return db.write(key.KindValue, userKey, userValue)
}

func (db *Db) Delete(userKey []byte) error {
	return db.write(key.KindDeletion, userKey, nil)
}

func (db *Db) write(kind key.Kind, userKey, userValue []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// May temporarily unlock and wait.
	if err := db.makeRoomForWrite(false); err != nil {
		return err
	}
	db.seq++
	err := db.mem.Add(db.seq, kind, userKey, userValue)
	if errors.Is(err, pmem.ErrArenaFull) {
		// the arena ran out before MemTableSize was reached
		if err := db.makeRoomForWrite(true); err != nil {
			return err
		}
		err = db.mem.Add(db.seq, kind, userKey, userValue)
	}
	return err
}

func (db *Db) Get(userKey []byte) ([]byte, bool) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, false
	}
	mem := db.mem
	imm := db.imm
	seq := db.seq
	db.mu.Unlock()

	for _, m := range []*memtable.Memtable{mem, imm} {
		if m == nil {
			continue
		}
		if value, kind, ok := m.Lookup(userKey, seq); ok {
			return value, kind == key.KindValue
		}
	}

	// a table is installed before its memtable erases the entries, so
	// taking this snapshot after the memtables misses nothing
	db.mu.Lock()
	tables := db.tables
	db.mu.Unlock()
	for _, t := range tables {
		if value, kind, ok := t.get(userKey, seq); ok {
			return bytes.Clone(value), kind == key.KindValue
		}
	}
	return nil, false
}

// Flush switches the active memtable and waits until it has been written
// to a table.
func (db *Db) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.makeRoomForWrite(true); err != nil {
		return err
	}
	for db.imm != nil && db.bgErr == nil {
		db.cond.Wait()
	}
	return db.bgErr
}

func (db *Db) NumTables() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tables)
}

// LastSeq returns the sequence number of the latest write.
func (db *Db) LastSeq() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.seq
}

// makeRoomForWrite returns once the active memtable has room, switching it
// when it is full or when force is set. db.mu must be held.
func (db *Db) makeRoomForWrite(force bool) error {
	for {
		if db.closed {
			return ErrClosed
		}
		if db.bgErr != nil {
			return db.bgErr
		}
		if !force && !db.mem.Full() {
			return nil
		}
		if db.imm != nil {
			// Current memtable full; waiting
			db.cond.Wait()
			continue
		}

		// switch to a new memtable and flush the old one
		mem, number, err := db.newMemtable()
		if err != nil {
			return err
		}
		logrus.Debugf("memtable %d: %d bytes, switching to %d", db.memNumber, db.mem.ApproximateMemoryUsage(), number)
		db.imm, db.immNumber = db.mem, db.memNumber
		db.mem, db.memNumber = mem, number
		force = false
		db.maybeScheduleFlush()
	}
}

func (db *Db) maybeScheduleFlush() {
	if db.bgFlushScheduled {
		return
	}
	db.bgFlushScheduled = true
	go db.backgroundCall()
}

func (db *Db) backgroundCall() {
	db.mu.Lock()
	imm, number := db.imm, db.immNumber
	db.mu.Unlock()

	var err error
	if imm != nil {
		err = db.flushMemtable(imm, number)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if err != nil {
		logrus.Errorf("flush memtable %d: %v", number, err)
		db.bgErr = err
	} else {
		db.imm = nil
	}
	db.bgFlushScheduled = false
	db.cond.Broadcast()
}

// flushMemtable writes mem to table number and destroys mem.
func (db *Db) flushMemtable(mem *memtable.Memtable, number uint64) error {
	tb := newTableBuilder(db.option.Dir, number, db.installTable)
	n, err := mem.Flush(tb)
	if err != nil {
		return err
	}
	logrus.Debugf("memtable %d flushed to a table of %d entries", number, n)
	return mem.Destroy()
}

func (db *Db) installTable(t *table) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tables = append([]*table{t}, db.tables...)
	db.seq = max(db.seq, t.maxSeq)
}
