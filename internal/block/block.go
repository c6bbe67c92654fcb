package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var ErrCorrupted = errors.New("block: corrupted")

type CompareFunc func(a, b []byte) int

// Block is an immutable sorted run of key/value pairs:
//
//	count x (keyLen u32 | key | valueLen u32 | value) | count u32
//
// Keys and values alias the data the block was built from.
type Block struct {
	keys   [][]byte
	values [][]byte
	cmp    CompareFunc
	size   int
}

// NewBlock parses data, which must come from a BlockBuilder using the same
// order as cmp.
func NewBlock(data []byte, cmp CompareFunc) (*Block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrCorrupted)
	}
	counter := binary.LittleEndian.Uint32(data[len(data)-4:])
	body := data[:len(data)-4]
	// every entry takes at least its two length prefixes
	if uint64(counter)*8 > uint64(len(body)) {
		return nil, fmt.Errorf("%d entries in %d bytes: %w", counter, len(body), ErrCorrupted)
	}

	block := &Block{
		keys:   make([][]byte, counter),
		values: make([][]byte, counter),
		cmp:    cmp,
		size:   len(data),
	}

	offset := 0
	next := func() ([]byte, error) {
		if len(body)-offset < 4 {
			return nil, fmt.Errorf("length prefix at %d: %w", offset, ErrCorrupted)
		}
		n := int(binary.LittleEndian.Uint32(body[offset:]))
		offset += 4
		if n > len(body)-offset {
			return nil, fmt.Errorf("%d bytes at %d: %w", n, offset, ErrCorrupted)
		}
		b := body[offset : offset+n : offset+n]
		offset += n
		return b, nil
	}
	for i := range counter {
		var err error
		if block.keys[i], err = next(); err != nil {
			return nil, err
		}
		if block.values[i], err = next(); err != nil {
			return nil, err
		}
		if i > 0 && cmp(block.keys[i-1], block.keys[i]) >= 0 {
			return nil, fmt.Errorf("entry %d out of order: %w", i, ErrCorrupted)
		}
	}
	if offset != len(body) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(body)-offset, ErrCorrupted)
	}

	return block, nil
}

// Len returns the number of entries.
func (b *Block) Len() int {
	return len(b.keys)
}

// Size returns the encoded size in bytes.
func (b *Block) Size() int {
	return b.size
}

// Get returns the entry at the first key >= target.
func (b *Block) Get(target []byte) (key, value []byte, ok bool) {
	iter := b.NewIterator()
	iter.Seek(target)
	if !iter.Valid() {
		return nil, nil, false
	}
	return iter.Key(), iter.Value(), true
}

type BlockIterator struct {
	block *Block
	index int
}

func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{
		block: b,
		index: 0,
	}
}

// seek to the first position where the key >= target
// Valid() is false after this call iff such position does not exist
func (bi *BlockIterator) Seek(target []byte) {
	idx := sort.Search(len(bi.block.keys), func(i int) bool {
		return bi.block.cmp(bi.block.keys[i], target) >= 0
	})
	bi.index = idx
}

func (bi *BlockIterator) Next() {
	bi.index++
}

func (bi *BlockIterator) Valid() bool {
	return bi.index < len(bi.block.keys) && bi.index >= 0
}

// requires bi.Valid()
func (bi *BlockIterator) Key() []byte {
	return bi.block.keys[bi.index]
}

// requires bi.Valid()
func (bi *BlockIterator) Value() []byte {
	return bi.block.values[bi.index]
}
