// Package codec turns a compressed block span plus a codec tag into a
// decompressed buffer. It is stateless and reentrant: the block cache's
// worker pool calls Decode concurrently from multiple goroutines with no
// shared mutable state between calls (other than the decoders' own
// internal, documented-safe-for-concurrent-use state).
package codec

import "fmt"

// Tag identifies the compression algorithm a block was encoded with, as
// recorded in the block index (spec.md §4.2, §6).
type Tag uint8

const (
	None Tag = iota
	Zstd
	Lz4
	Lzma
	Brotli
)

func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Lz4:
		return "lz4"
	case Lzma:
		return "lzma"
	case Brotli:
		return "brotli"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}
