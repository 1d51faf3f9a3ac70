package codec

import (
	"github.com/klauspost/compress/zstd"
	"github.com/mindfocus/dwarfs"
	"github.com/pierrec/lz4/v4"
)

// zstdDecoder is reused across calls: klauspost/compress/zstd documents
// *zstd.Decoder as safe for concurrent use, so one decoder serves every
// worker goroutine without per-call setup cost (mirrors
// lib/artifactstore/compress.go's package-level zstdDecoder).
var zstdDecoder *zstd.Decoder

func init() {
	d, err := zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
	zstdDecoder = d
}

// Decode decompresses compressed, which was encoded with tag, into a
// buffer of exactly expectedLen bytes. Unknown tags yield
// UnsupportedCodec; decode failures (including a length mismatch) yield
// CorruptBlock (spec.md §4.2).
func Decode(tag Tag, compressed []byte, expectedLen int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != expectedLen {
			return nil, dwarfs.Errorf(dwarfs.CorruptBlock, nil,
				"uncompressed block: got %d bytes, want %d", len(compressed), expectedLen)
		}
		out := make([]byte, expectedLen)
		copy(out, compressed)
		return out, nil

	case Zstd:
		out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, expectedLen))
		if err != nil {
			return nil, dwarfs.Errorf(dwarfs.CorruptBlock, err, "zstd decode")
		}
		if len(out) != expectedLen {
			return nil, dwarfs.Errorf(dwarfs.CorruptBlock, nil,
				"zstd decode: got %d bytes, want %d", len(out), expectedLen)
		}
		return out, nil

	case Lz4:
		out := make([]byte, expectedLen)
		n, err := lz4.UncompressBlock(compressed, out)
		if err != nil {
			return nil, dwarfs.Errorf(dwarfs.CorruptBlock, err, "lz4 decode")
		}
		if n != expectedLen {
			return nil, dwarfs.Errorf(dwarfs.CorruptBlock, nil,
				"lz4 decode: got %d bytes, want %d", n, expectedLen)
		}
		return out, nil

	case Lzma, Brotli:
		// No LZMA or Brotli decoder is wired; see DESIGN.md.
		return nil, dwarfs.Errorf(dwarfs.UnsupportedCodec, nil, "codec %s has no decoder", tag)

	default:
		return nil, dwarfs.Errorf(dwarfs.UnsupportedCodec, nil, "unknown codec tag %d", uint8(tag))
	}
}

// DecodeInto behaves like Decode but writes into a caller-supplied buffer
// of exactly expectedLen bytes (the block cache passes a buffer allocated
// via internal/image.AllocBuffer so that swap residency can be queried
// later). For zstd this still requires an intermediate allocation inside
// the decoder; for None and Lz4 it decodes directly into dst.
func DecodeInto(tag Tag, compressed []byte, dst []byte) error {
	switch tag {
	case None:
		if len(compressed) != len(dst) {
			return dwarfs.Errorf(dwarfs.CorruptBlock, nil,
				"uncompressed block: got %d bytes, want %d", len(compressed), len(dst))
		}
		copy(dst, compressed)
		return nil

	case Zstd:
		out, err := Decode(tag, compressed, len(dst))
		if err != nil {
			return err
		}
		copy(dst, out)
		return nil

	case Lz4:
		n, err := lz4.UncompressBlock(compressed, dst)
		if err != nil {
			return dwarfs.Errorf(dwarfs.CorruptBlock, err, "lz4 decode")
		}
		if n != len(dst) {
			return dwarfs.Errorf(dwarfs.CorruptBlock, nil,
				"lz4 decode: got %d bytes, want %d", n, len(dst))
		}
		return nil

	default:
		_, err := Decode(tag, compressed, len(dst))
		return err
	}
}
