package record

import (
	"encoding/binary"

	"github.com/jnesss/exitnotify/types"
)

// Bytes encodes words as little-endian bytes, the layout served to
// external readers.
func Bytes(words []uint64) []byte {
	out := make([]byte, len(words)*types.WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*types.WordSize:], w)
	}
	return out
}

// Words decodes little-endian bytes into words. Trailing bytes that do
// not make up a whole word are returned as rest.
func Words(b []byte) (words []uint64, rest []byte) {
	n := len(b) / types.WordSize
	words = make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(b[i*types.WordSize:])
	}
	return words, b[n*types.WordSize:]
}
