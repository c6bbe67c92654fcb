package bloom

import (
	"hash/fnv"
	"math"
)

type BitArray []byte

func newBitArray(size uint64) BitArray {
	return make(BitArray, (size+7)/8)
}

func (b BitArray) set(idx uint64) {
	b[idx/8] |= 1 << (idx % 8)
}

func (b BitArray) get(idx uint64) bool {
	return b[idx/8]&(1<<(idx%8)) != 0
}

type Bloom struct {
	bitArray BitArray

	// 哈希函数个数
	k uint64

	// 位数组长度
	m uint64
}

// n 代表预期的元素个数
// p 代表错误率, 当布隆过滤器判断某个元素存在时，实际上该元素并不在集合中的概率
func New(n uint64, p float64) *Bloom {
	n = max(n, 1)
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := max(uint64(-(float64(n)*math.Log(p))/(math.Log(2)*math.Log(2))), 64)
	k := max(uint64(math.Round(float64(m)/float64(n)*math.Log(2))), 1)
	return &Bloom{
		bitArray: newBitArray(m),
		k:        k,
		m:        m,
	}
}

// probes are h1 + i*h2 (Kirsch-Mitzenmacher), both halves from one FNV-1a pass
func (b *Bloom) hash(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	h1, h2 := sum&0xffffffff, sum>>32
	return h1, h2 | 1
}

func (b *Bloom) Add(key []byte) {
	h1, h2 := b.hash(key)
	for i := range b.k {
		b.bitArray.set((h1 + i*h2) % b.m)
	}
}

// MayContain reports false only for keys never added.
func (b *Bloom) MayContain(key []byte) bool {
	h1, h2 := b.hash(key)
	for i := range b.k {
		if !b.bitArray.get((h1 + i*h2) % b.m) {
			return false
		}
	}
	return true
}

func (b *Bloom) Reset() {
	clear(b.bitArray)
}
