package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Comparator orders two keys. It returns a negative, zero, or positive value
// like bytes.Compare.
type Comparator[K any] func(a, b K) int

// HashFunc maps a key to a 64-bit hash; the table reduces it modulo its
// current capacity.
type HashFunc[K any] func(k K) uint64

// Codec writes fixed-width binary images of a key or value type into block
// page slots. Width must be constant for the life of a table.
type Codec[T any] interface {
	Width() int
	Encode(buf []byte, v T)
	Decode(buf []byte) T
}

// Uint64Codec encodes uint64 keys or values little-endian in 8 bytes.
type Uint64Codec struct{}

func (Uint64Codec) Width() int { return 8 }

func (Uint64Codec) Encode(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

func (Uint64Codec) Decode(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// Uint64Comparator orders uint64 keys numerically.
func Uint64Comparator(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// DefaultUint64Hash hashes the little-endian image of the key with xxhash.
func DefaultUint64Hash(k uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k)
	return xxhash.Sum64(b[:])
}
