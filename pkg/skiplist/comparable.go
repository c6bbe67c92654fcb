package skiplist

import "bytes"

// CompareFunc is a three-way comparison over keys. It must be a total order
// and must not change for the lifetime of a list.
type CompareFunc func(a, b []byte) int

// Bytewise orders keys lexicographically.
var Bytewise = CompareFunc(bytes.Compare)
