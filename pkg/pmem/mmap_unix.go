//go:build linux || darwin || freebsd || netbsd || openbsd

package pmem

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fileRegion maps a file with MAP_SHARED. Stores go straight to the page
// cache and msync makes them durable.
type fileRegion struct {
	fd       *os.File
	buf      []byte
	pageSize int
}

// OpenFileRegion maps path, creating it or growing it to size bytes. An
// existing file larger than size is mapped whole.
func OpenFileRegion(path string, size int) (Region, error) {
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, err
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > int64(size) {
		size = int(info.Size())
	} else if info.Size() < int64(size) {
		if err := fd.Truncate(int64(size)); err != nil {
			fd.Close()
			return nil, fmt.Errorf("truncate %s to %d: %w", path, size, err)
		}
	}

	buf, err := unix.Mmap(int(fd.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	logrus.Debugf("mapped region %s, size=%d", path, size)

	return &fileRegion{
		fd:       fd,
		buf:      buf,
		pageSize: unix.Getpagesize(),
	}, nil
}

func (r *fileRegion) Bytes() []byte { return r.buf }

func (r *fileRegion) Flush(off, n int) error {
	if r.buf == nil {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}
	// msync wants a page aligned address
	start := off &^ (r.pageSize - 1)
	end := off + n
	if err := unix.Msync(r.buf[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync [%d,%d): %w", off, end, err)
	}
	return nil
}

// Fence is a no-op: MS_SYNC already completes the write back before
// returning.
func (r *fileRegion) Fence() error {
	if r.buf == nil {
		return ErrClosed
	}
	return nil
}

func (r *fileRegion) Close() error {
	if r.buf == nil {
		return nil
	}
	if err := unix.Msync(r.buf, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", r.fd.Name(), err)
	}
	if err := unix.Munmap(r.buf); err != nil {
		return fmt.Errorf("munmap %s: %w", r.fd.Name(), err)
	}
	r.buf = nil
	return r.fd.Close()
}
