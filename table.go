package pmlsm

import (
	"bytes"
	"fmt"
	"os"

	"pmlsm/internal/block"
	"pmlsm/internal/key"
	"pmlsm/internal/util"

	"github.com/sirupsen/logrus"
)

// table is a flushed memtable: one immutable block of internal keys.
type table struct {
	number uint64
	block  *block.Block
	maxSeq uint64
}

func newTable(number uint64, data []byte) (*table, error) {
	b, err := block.NewBlock(data, key.Compare)
	if err != nil {
		return nil, fmt.Errorf("table %d: %w", number, err)
	}
	t := &table{number: number, block: b}
	for iter := b.NewIterator(); iter.Valid(); iter.Next() {
		ik, err := key.Decode(iter.Key())
		if err != nil {
			return nil, fmt.Errorf("table %d: %w", number, err)
		}
		t.maxSeq = max(t.maxSeq, ik.Seq)
	}
	return t, nil
}

func openTable(dbname string, number uint64) (*table, error) {
	data, err := os.ReadFile(util.TableFileName(dbname, number))
	if err != nil {
		return nil, err
	}
	return newTable(number, data)
}

// get returns the newest entry of userKey with seq <= seq.
func (t *table) get(userKey []byte, seq uint64) ([]byte, key.Kind, bool) {
	k, v, ok := t.block.Get(key.LookupKey(userKey, seq))
	if !ok {
		return nil, 0, false
	}
	ik, err := key.Decode(k)
	if err != nil || !bytes.Equal(ik.UserKey, userKey) {
		return nil, 0, false
	}
	return v, ik.Kind, true
}

// tableBuilder is the sink a memtable is flushed into. Finish makes the
// table durable when it has a directory, then hands it to install: the
// memtable only erases the entries after that.
type tableBuilder struct {
	dbname  string
	number  uint64
	builder *block.BlockBuilder
	install func(*table)
}

func newTableBuilder(dbname string, number uint64, install func(*table)) *tableBuilder {
	return &tableBuilder{
		dbname:  dbname,
		number:  number,
		builder: block.NewBlockBuilder(),
		install: install,
	}
}

func (tb *tableBuilder) Add(key, value []byte) error {
	tb.builder.Add(key, value)
	return nil
}

// Finish writes and installs nothing when no entry was added.
func (tb *tableBuilder) Finish() error {
	if tb.builder.Empty() {
		return nil
	}
	data := tb.builder.Finish()
	t, err := newTable(tb.number, data)
	if err != nil {
		return err
	}
	logrus.Debugf("table %d: %d entries, %d bytes", tb.number, t.block.Len(), t.block.Size())
	if tb.dbname != "" {
		if err := writeFileSync(tb.dbname, tb.number, data); err != nil {
			return err
		}
	}
	tb.install(t)
	return nil
}

// writeFileSync writes the table through a temp file so a crash never
// leaves a partial table under its final name.
func writeFileSync(dbname string, number uint64, data []byte) error {
	tmp := util.TempFileName(dbname, number)
	fd, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := fd.Write(data); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, util.TableFileName(dbname, number))
}
