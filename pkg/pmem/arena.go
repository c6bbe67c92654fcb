package pmem

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/sirupsen/logrus"
)

const (
	arenaMagic = 0x706d736b6c617231

	// magic + used + root, padded to a cache line
	headerSize = 64
	offMagic   = 0
	offUsed    = 8
	offRoot    = 12

	// cap + pad, keeps payloads 8 byte aligned
	blockHeaderSize = 8
	minBlockCap     = 16
	numClasses      = 32
)

// Arena hands out blocks of a Region addressed by uint32 offsets. Offset 0
// is the arena header and is never returned, so callers may use it as nil.
//
// Block sizes are rounded up to a power of two. Freed blocks go to a
// per-class free list that lives only in memory: after reopening a region
// the owner is expected to call Reclaim with the set of blocks it can still
// reach.
type Arena struct {
	r    Region
	buf  []byte
	used uint32
	free [numClasses][]uint32
}

// NewArena formats r, discarding whatever it held.
func NewArena(r Region) (*Arena, error) {
	a, err := newArena(r)
	if err != nil {
		return nil, err
	}
	if err := a.format(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenArena adopts an arena previously formatted in r. A region that was
// never formatted (all zero header) is formatted.
func OpenArena(r Region) (*Arena, error) {
	a, err := newArena(r)
	if err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint64(a.buf[offMagic:])
	if magic == 0 {
		if err := a.format(); err != nil {
			return nil, err
		}
		return a, nil
	}
	if magic != arenaMagic {
		return nil, fmt.Errorf("bad magic %#x: %w", magic, ErrCorrupted)
	}

	used := binary.LittleEndian.Uint32(a.buf[offUsed:])
	if used < headerSize || int(used) > len(a.buf) {
		return nil, fmt.Errorf("used offset %d out of [%d,%d]: %w", used, headerSize, len(a.buf), ErrCorrupted)
	}
	a.used = used

	// every block header must tile [headerSize, used) exactly
	for off := uint32(headerSize); off < used; {
		if off+blockHeaderSize > used {
			return nil, fmt.Errorf("truncated block header at %d: %w", off, ErrCorrupted)
		}
		c := binary.LittleEndian.Uint32(a.buf[off:])
		if c < minBlockCap || bits.OnesCount32(c) != 1 || uint64(off)+blockHeaderSize+uint64(c) > uint64(used) {
			return nil, fmt.Errorf("block at %d has cap %d: %w", off, c, ErrCorrupted)
		}
		off += blockHeaderSize + c
	}

	root := a.Root()
	if root != 0 && (root < headerSize+blockHeaderSize || root >= used) {
		return nil, fmt.Errorf("root %d out of range: %w", root, ErrCorrupted)
	}

	logrus.Debugf("opened arena, used=%d, cap=%d, root=%d", a.used, len(a.buf), root)
	return a, nil
}

func newArena(r Region) (*Arena, error) {
	buf := r.Bytes()
	if len(buf) < headerSize+blockHeaderSize+minBlockCap {
		return nil, fmt.Errorf("region of %d bytes: %w", len(buf), ErrArenaFull)
	}
	if uint64(len(buf)) > math.MaxUint32 {
		buf = buf[:uint64(math.MaxUint32)]
	}
	return &Arena{r: r, buf: buf}, nil
}

func (a *Arena) format() error {
	clear(a.buf[:headerSize])
	binary.LittleEndian.PutUint64(a.buf[offMagic:], arenaMagic)
	binary.LittleEndian.PutUint32(a.buf[offUsed:], headerSize)
	a.used = headerSize
	a.free = [numClasses][]uint32{}
	if err := a.r.Flush(0, headerSize); err != nil {
		return err
	}
	return a.r.Fence()
}

func sizeClass(n int) int {
	if n <= minBlockCap {
		return bits.TrailingZeros32(minBlockCap)
	}
	return bits.Len32(uint32(n - 1))
}

// Alloc returns the offset of a block able to hold n bytes. The header of a
// block carved from the untouched tail is durable before the new used
// offset is.
func (a *Arena) Alloc(n int) (uint32, error) {
	if n <= 0 || n > math.MaxInt32 {
		return 0, fmt.Errorf("alloc %d bytes: %w", n, ErrArenaFull)
	}
	class := sizeClass(n)
	if l := len(a.free[class]); l > 0 {
		off := a.free[class][l-1]
		a.free[class] = a.free[class][:l-1]
		return off, nil
	}

	c := uint64(1) << class
	start := uint64(a.used)
	end := start + blockHeaderSize + c
	if end > uint64(len(a.buf)) {
		return 0, fmt.Errorf("alloc %d bytes with %d of %d used: %w", n, a.used, len(a.buf), ErrArenaFull)
	}

	binary.LittleEndian.PutUint32(a.buf[start:], uint32(c))
	if err := a.r.Flush(int(start), blockHeaderSize); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(a.buf[offUsed:], uint32(end))
	if err := a.r.Flush(offUsed, 4); err != nil {
		return 0, err
	}
	a.used = uint32(end)
	return uint32(start) + blockHeaderSize, nil
}

// Free puts the block at off back on its free list.
func (a *Arena) Free(off uint32) {
	c := a.blockCap(off)
	class := bits.TrailingZeros32(c)
	a.free[class] = append(a.free[class], off)
}

func (a *Arena) blockCap(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.buf[off-blockHeaderSize:])
}

// Blocks calls fn for every block carved so far, free or not, in address
// order, until fn returns false.
func (a *Arena) Blocks(fn func(off, size uint32) bool) {
	for start := uint32(headerSize); start < a.used; {
		c := binary.LittleEndian.Uint32(a.buf[start:])
		if !fn(start+blockHeaderSize, c) {
			return
		}
		start += blockHeaderSize + c
	}
}

// Reclaim rebuilds the free lists from scratch: every block for which live
// returns false becomes free. It returns the number of freed blocks.
func (a *Arena) Reclaim(live func(off uint32) bool) int {
	a.free = [numClasses][]uint32{}
	n := 0
	a.Blocks(func(off, _ uint32) bool {
		if !live(off) {
			a.Free(off)
			n++
		}
		return true
	})
	return n
}

// Contains reports whether off is the offset of a block payload that lies
// inside the carved part of the arena.
func (a *Arena) Contains(off uint32) bool {
	return off >= headerSize+blockHeaderSize && off < a.used
}

func (a *Arena) Root() uint32 {
	return binary.LittleEndian.Uint32(a.buf[offRoot:])
}

// SetRoot durably records off as the entry point of whatever structure the
// arena holds.
func (a *Arena) SetRoot(off uint32) error {
	binary.LittleEndian.PutUint32(a.buf[offRoot:], off)
	if err := a.r.Flush(offRoot, 4); err != nil {
		return err
	}
	return a.r.Fence()
}

// Bytes returns buf[off:off+n] with its capacity clipped.
func (a *Arena) Bytes(off, n uint32) []byte {
	return a.buf[off : off+n : off+n]
}

func (a *Arena) Uint32(off uint32) uint32 {
	return binary.LittleEndian.Uint32(a.buf[off:])
}

func (a *Arena) PutUint32(off, v uint32) {
	binary.LittleEndian.PutUint32(a.buf[off:], v)
}

func (a *Arena) Uint64(off uint32) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off:])
}

func (a *Arena) PutUint64(off uint32, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[off:], v)
}

func (a *Arena) Persist(off, n uint32) error {
	return a.r.Flush(int(off), int(n))
}

func (a *Arena) Fence() error {
	return a.r.Fence()
}

// Used returns the number of bytes carved from the region, header included.
func (a *Arena) Used() int {
	return int(a.used)
}

// Cap returns the number of bytes the arena can carve, header included.
func (a *Arena) Cap() int {
	return len(a.buf)
}

func (a *Arena) Close() error {
	return a.r.Close()
}
