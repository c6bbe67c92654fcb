package block

import (
	"bytes"
	"encoding/binary"
)

type BlockBuilder struct {
	buf     *bytes.Buffer
	counter uint32
}

func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{
		buf:     &bytes.Buffer{},
		counter: 0,
	}
}

// Add appends an entry. Keys must be added in increasing order.
func (b *BlockBuilder) Add(key, value []byte) {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(key))))
	b.buf.Write(key)
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(value))))
	b.buf.Write(value)
	b.counter++
}

// Finish appends the entry count and returns the block. The builder must
// not be used afterwards.
func (b *BlockBuilder) Finish() []byte {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, b.counter))
	return b.buf.Bytes()
}

func (b *BlockBuilder) Empty() bool {
	return b.counter == 0
}
