package util

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

type FileType int

const (
	RegionFile FileType = iota
	TableFile
	TempFile
)

var suffixes = map[string]FileType{
	"pmem": RegionFile,
	"blk":  TableFile,
	"tmp":  TempFile,
}

func fileName(dbname string, number uint64, suffix string) string {
	return filepath.Join(dbname, fmt.Sprintf("%06d.%s", number, suffix))
}

// RegionFileName names the mapped file holding a memtable's arena.
func RegionFileName(dbname string, number uint64) string {
	return fileName(dbname, number, "pmem")
}

// TableFileName names the block a memtable was flushed to. It shares the
// number of the region it came from.
func TableFileName(dbname string, number uint64) string {
	return fileName(dbname, number, "blk")
}

func TempFileName(dbname string, number uint64) string {
	return fileName(dbname, number, "tmp")
}

// ParseFileName is the inverse of the functions above, name is a base name.
func ParseFileName(name string) (uint64, FileType, bool) {
	stem, suffix, ok := strings.Cut(name, ".")
	if !ok {
		return 0, 0, false
	}
	ft, ok := suffixes[suffix]
	if !ok {
		return 0, 0, false
	}
	number, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return number, ft, true
}
