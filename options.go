package pmlsm

import (
	"errors"

	"pmlsm/pkg/memtable"
	"pmlsm/pkg/pmem"
)

var ErrInvalidOption = errors.New("invalid option")

type Option struct {
	// region and table files live here, empty keeps everything in memory
	Dir string

	// the active memtable is switched once its keys and values take this
	// many bytes
	MemTableSize uint64

	// size of each memtable's region, it must hold MemTableSize bytes of
	// entries plus node overhead
	ArenaSize int

	// 0 seeds skip list levels from the clock
	Seed int64
}

var DefaultOptions = Option{
	Dir:          "",
	MemTableSize: 4 * pmem.MB,
	ArenaSize:    16 * pmem.MB,
}

func (o Option) validate() error {
	switch {
	case o.MemTableSize == 0:
		return errors.Join(ErrInvalidOption, errors.New("MemTableSize must be positive"))
	case o.ArenaSize <= 0:
		return errors.Join(ErrInvalidOption, errors.New("ArenaSize must be positive"))
	case uint64(o.ArenaSize) < o.MemTableSize:
		return errors.Join(ErrInvalidOption, errors.New("ArenaSize must not be smaller than MemTableSize"))
	}
	return nil
}

func (o Option) memtableOption(path string) memtable.Option {
	option := memtable.DefaultOptions
	option.Path = path
	option.ArenaSize = o.ArenaSize
	option.MaxSize = o.MemTableSize
	option.Seed = o.Seed
	return option
}
