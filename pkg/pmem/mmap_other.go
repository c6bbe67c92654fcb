//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package pmem

func OpenFileRegion(path string, size int) (Region, error) {
	return nil, ErrUnsupported
}
