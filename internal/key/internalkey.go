package key

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
)

type Kind byte

const (
	KindDeletion Kind = iota
	KindValue
)

func (k Kind) String() string {
	switch k {
	case KindDeletion:
		return "del"
	case KindValue:
		return "val"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const (
	// seq and kind share one little endian trailer: seq<<8 | kind
	TrailerSize = 8
	MaxSeq      = 1<<56 - 1
)

var ErrCorrupted = errors.New("key: corrupted internal key")

// 对用户 key 的包装
type InternalKey struct {
	UserKey []byte
	Seq     uint64

	// 区分 delete 操作
	Kind Kind
}

func New(userKey []byte, seq uint64, kind Kind) InternalKey {
	return InternalKey{
		UserKey: userKey,
		Seq:     seq,
		Kind:    kind,
	}
}

func (ik InternalKey) Size() int {
	return len(ik.UserKey) + TrailerSize
}

func (ik InternalKey) Encode() []byte {
	return ik.AppendTo(make([]byte, 0, ik.Size()))
}

func (ik InternalKey) AppendTo(dst []byte) []byte {
	dst = append(dst, ik.UserKey...)
	return binary.LittleEndian.AppendUint64(dst, ik.Seq<<8|uint64(ik.Kind))
}

func (ik InternalKey) String() string {
	return fmt.Sprintf("%q@%d/%s", ik.UserKey, ik.Seq, ik.Kind)
}

// Decode splits data without copying, UserKey aliases data.
func Decode(data []byte) (InternalKey, error) {
	if len(data) < TrailerSize {
		return InternalKey{}, fmt.Errorf("%d bytes: %w", len(data), ErrCorrupted)
	}
	t := trailer(data)
	kind := Kind(t & 0xff)
	if kind > KindValue {
		return InternalKey{}, fmt.Errorf("kind %d: %w", kind, ErrCorrupted)
	}
	return InternalKey{
		UserKey: data[:len(data)-TrailerSize],
		Seq:     t >> 8,
		Kind:    kind,
	}, nil
}

func UserKey(data []byte) []byte {
	if len(data) < TrailerSize {
		return data
	}
	return data[:len(data)-TrailerSize]
}

func trailer(data []byte) uint64 {
	if len(data) < TrailerSize {
		return 0
	}
	return binary.LittleEndian.Uint64(data[len(data)-TrailerSize:])
}

// LookupKey encodes the smallest internal key of userKey visible at seq:
// seeking to it lands on the newest entry whose seq is <= seq.
func LookupKey(userKey []byte, seq uint64) []byte {
	return New(userKey, seq, KindValue).Encode()
}

// 按 UserKey 升序,Seq 降序
func Compare(a, b []byte) int {
	return cmp.Or(
		bytes.Compare(UserKey(a), UserKey(b)),
		-cmp.Compare(trailer(a), trailer(b)),
	)
}
