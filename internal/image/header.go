// Package image memory-maps a DwarFS image file and exposes the raw byte
// spans the rest of the module parses: the packed metadata section and the
// per-block compressed spans addressed by the block index. It owns no
// decompression or schema knowledge — see internal/codec and
// internal/metadata for that — only byte ranges and their provenance.
package image

import (
	"encoding/binary"
	"io"

	"github.com/mindfocus/dwarfs"
)

// Magic is the 8-byte signature every DwarFS image begins with (after any
// image offset prelude has been skipped).
var Magic = [8]byte{'D', 'W', 'A', 'R', 'F', 'S', 0, 0}

// Header is the fixed-size image header: magic, version, feature flags,
// block-size exponent, and the offset/length of the metadata and
// block-index sections. Little-endian, per spec.md §6.
type Header struct {
	Magic         [8]byte
	VersionMajor  uint16
	VersionMinor  uint16
	VersionPatch  uint16
	FeatureFlags  uint32
	BlockSizeBits uint8
	Reserved      [7]byte // forward-compatible padding
	MetaOffset    uint64
	MetaLength    uint64
	IndexOffset   uint64
	IndexLength   uint64
}

// BlockSize returns the image-wide decompressed block size in bytes.
func (h Header) BlockSize() int64 { return int64(1) << h.BlockSizeBits }

// ParseHeader reads and validates a Header at the start of r. It returns
// InvalidImage for a bad magic or truncated read.
func ParseHeader(r io.Reader) (Header, error) {
	var h Header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return h, dwarfs.Errorf(dwarfs.InvalidImage, err, "truncated image header")
		}
		return h, dwarfs.Errorf(dwarfs.Io, err, "reading image header")
	}
	if h.Magic != Magic {
		return h, dwarfs.Errorf(dwarfs.InvalidImage, nil, "bad magic %x", h.Magic)
	}
	if h.BlockSizeBits == 0 || h.BlockSizeBits > 40 {
		return h, dwarfs.Errorf(dwarfs.InvalidImage, nil, "implausible block size exponent %d", h.BlockSizeBits)
	}
	return h, nil
}

// indexEntrySize is the on-disk size of one BlockIndexEntry record: an
// 8-byte file offset, an 8-byte compressed length, an 8-byte decompressed
// length (the decoder's "expected decompressed length" input, spec.md
// §4.2), a 1-byte codec tag, and 7 reserved bytes so unknown future
// fields can be added without shifting existing records (§6, "readers
// must tolerate unknown schema fields").
const indexEntrySize = 8 + 8 + 8 + 1 + 7

// BlockIndexEntry is one block's on-disk location, compressed and
// decompressed lengths, and codec tag.
type BlockIndexEntry struct {
	FileOffset       uint64
	CompressedLength uint64
	DecodedLength    uint64
	CodecTag         uint8
}
