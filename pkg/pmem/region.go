package pmem

import "errors"

const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB

	fileModePerm = 0644
)

var (
	ErrArenaFull   = errors.New("arena is full")
	ErrCorrupted   = errors.New("arena is corrupted")
	ErrClosed      = errors.New("region is closed")
	ErrUnsupported = errors.New("file region is not supported on this platform")
)

// Region is a contiguous range of memory whose contents can be made durable.
//
// Flush must not return until bytes [off, off+n) are durable. Fence orders
// every flush issued before it against every write issued after it.
type Region interface {
	Bytes() []byte
	Flush(off, n int) error
	Fence() error
	Close() error
}

// heapRegion is a volatile region. Nothing survives Close, so Flush and
// Fence have nothing to do.
type heapRegion struct {
	buf []byte
}

// NewHeapRegion returns a zeroed region of size bytes. A negative size
// gives an empty region, which no arena accepts.
func NewHeapRegion(size int) Region {
	return &heapRegion{buf: make([]byte, max(size, 0))}
}

func (r *heapRegion) Bytes() []byte { return r.buf }

func (r *heapRegion) Flush(off, n int) error {
	if r.buf == nil {
		return ErrClosed
	}
	return nil
}

func (r *heapRegion) Fence() error { return nil }

func (r *heapRegion) Close() error {
	r.buf = nil
	return nil
}
