package image

import (
	"bytes"
	"encoding/binary"
	"log"
	"os"
	"unsafe"

	"github.com/mindfocus/dwarfs"
	"golang.org/x/sys/unix"
)

// scanWindow bounds how far into the file the auto-offset scan looks for
// the magic, so a corrupt or non-DwarFS file fails fast instead of
// scanning gigabytes.
const scanWindow = 16 << 20

// Map memory-maps a DwarFS image and exposes its metadata and block-index
// spans, plus random-access lookup of any block's compressed bytes. It
// owns the mapping for the life of the mount; Close unmaps it.
type Map struct {
	full   []byte // the raw mmap of the whole file
	data   []byte // full[offset:], where the image actually begins
	header Header
	offset int64 // image offset within the underlying file
}

// Open memory-maps path, applies cfg.ImageOffset (scanning for the magic
// if it is dwarfs.ImageOffsetAuto), validates the header, and returns a
// ready Map. The file descriptor is not retained; Close unmaps the region.
func Open(path string, cfg dwarfs.Config) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dwarfs.Errorf(dwarfs.Io, err, "open %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, dwarfs.Errorf(dwarfs.Io, err, "stat %s", path)
	}
	size := fi.Size()
	if size == 0 {
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, nil, "%s is empty", path)
	}

	full, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, dwarfs.Errorf(dwarfs.Io, err, "mmap %s", path)
	}

	offset := cfg.ImageOffset
	if offset == dwarfs.ImageOffsetAuto {
		offset, err = scanForMagic(full)
		if err != nil {
			unix.Munmap(full)
			return nil, err
		}
	}
	if offset < 0 || offset+int64(binary.Size(Header{})) > size {
		unix.Munmap(full)
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, nil, "image offset %d out of range for %d-byte file", offset, size)
	}

	data := full[offset:]
	h, err := ParseHeader(bytes.NewReader(data))
	if err != nil {
		unix.Munmap(full)
		return nil, err
	}
	if h.MetaOffset+h.MetaLength > uint64(len(data)) ||
		h.IndexOffset+h.IndexLength > uint64(len(data)) {
		unix.Munmap(full)
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, nil, "metadata or block index extends past end of image")
	}

	m := &Map{full: full, data: data, header: h, offset: offset}

	// cfg.CacheImage selects whether the compressed image should stay
	// resident in the page cache across the mount's lifetime (spec.md
	// §6 cache_image): hint the kernel to keep it around, or let it go
	// as memory pressure demands.
	if cfg.CacheImage {
		if err := m.Advise(AdviceWillNeed); err != nil {
			log.Printf("image: madvise(willneed) failed, continuing: %v", err)
		}
	} else {
		if err := m.Advise(AdviceDontNeed); err != nil {
			log.Printf("image: madvise(dontneed) failed, continuing: %v", err)
		}
	}

	switch cfg.PageLock {
	case dwarfs.MlockTry:
		if err := unix.Mlock(full); err != nil {
			log.Printf("image: mlock(try) failed, continuing unpinned: %v", err)
		}
	case dwarfs.MlockMust:
		if err := unix.Mlock(full); err != nil {
			unix.Munmap(full)
			return nil, dwarfs.Errorf(dwarfs.Io, err, "mlock(must)")
		}
	}

	return m, nil
}

// scanForMagic looks for Magic within the first scanWindow bytes of data,
// used when the image is concatenated behind a shell-script prelude and
// no explicit offset was given.
func scanForMagic(data []byte) (int64, error) {
	window := data
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}
	idx := bytes.Index(window, Magic[:])
	if idx < 0 {
		return 0, dwarfs.Errorf(dwarfs.InvalidImage, nil, "magic not found in first %d bytes", len(window))
	}
	return int64(idx), nil
}

// Header returns the parsed, validated image header.
func (m *Map) Header() Header { return m.header }

// Metadata returns the zero-copy span covering the packed metadata
// section.
func (m *Map) Metadata() []byte {
	return m.data[m.header.MetaOffset : m.header.MetaOffset+m.header.MetaLength]
}

// BlockIndexEntry returns the on-disk index record for blockID.
func (m *Map) BlockIndexEntry(blockID uint32) (BlockIndexEntry, error) {
	off := m.header.IndexOffset + uint64(blockID)*indexEntrySize
	if off+indexEntrySize > m.header.IndexOffset+m.header.IndexLength {
		return BlockIndexEntry{}, dwarfs.Errorf(dwarfs.InvalidImage, nil, "block id %d out of range", blockID)
	}
	buf := m.data[off : off+indexEntrySize]
	return BlockIndexEntry{
		FileOffset:       binary.LittleEndian.Uint64(buf[0:8]),
		CompressedLength: binary.LittleEndian.Uint64(buf[8:16]),
		DecodedLength:    binary.LittleEndian.Uint64(buf[16:24]),
		CodecTag:         buf[24],
	}, nil
}

// NumBlocks returns the number of entries in the block index.
func (m *Map) NumBlocks() uint32 {
	return uint32(m.header.IndexLength / indexEntrySize)
}

// BlockSpan returns the raw compressed bytes for blockID, its codec tag,
// and its decompressed length, as recorded in the block index. The
// returned slice aliases the mapping and must not be retained past
// Close.
func (m *Map) BlockSpan(blockID uint32) (compressed []byte, codecTag uint8, decodedLength int64, err error) {
	e, err := m.BlockIndexEntry(blockID)
	if err != nil {
		return nil, 0, 0, err
	}
	end := e.FileOffset + e.CompressedLength
	if end > uint64(len(m.data)) {
		return nil, 0, 0, dwarfs.Errorf(dwarfs.InvalidImage, nil, "block %d span extends past end of image", blockID)
	}
	return m.data[e.FileOffset:end], e.CodecTag, int64(e.DecodedLength), nil
}

// Advise applies a madvise hint to the whole mapping. Open uses it to
// apply cfg.CacheImage (WillNeed or DontNeed); nothing else in the module
// calls it (see original_source/include/dwarfs/mmif.h's advice enum).
func (m *Map) Advise(adv Advice) error {
	return unix.Madvise(m.full, int(adv))
}

// AllocBuffer returns a zeroed, page-aligned anonymous mapping of size
// bytes. The block cache uses it (instead of make([]byte, n)) so that
// Resident can later query the kernel's swap residency for the
// BlockSwappedOut tidy policy. Free with FreeBuffer.
func AllocBuffer(size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, dwarfs.Errorf(dwarfs.Io, err, "anonymous mmap of %d bytes", size)
	}
	return buf, nil
}

// FreeBuffer releases a buffer returned by AllocBuffer.
func FreeBuffer(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := unix.Munmap(buf); err != nil {
		return dwarfs.Errorf(dwarfs.Io, err, "munmap buffer")
	}
	return nil
}

// Resident reports whether every page backing buf (as returned by
// AllocBuffer) is currently resident in physical memory, i.e. has not
// been swapped out. ok is false if the host does not support mincore or
// buf was not obtained from AllocBuffer.
func Resident(buf []byte) (resident bool, ok bool) {
	if len(buf) == 0 {
		return true, true
	}
	pageSize := os.Getpagesize()
	vec := make([]byte, (len(buf)+pageSize-1)/pageSize)
	if err := mincore(buf, vec); err != nil {
		return false, false
	}
	for _, b := range vec {
		if b&1 == 0 {
			return false, true
		}
	}
	return true, true
}

// mincore wraps the mincore(2) syscall, which golang.org/x/sys/unix does
// not expose a helper for.
func mincore(buf []byte, vec []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(unsafe.Pointer(&vec[0])))
	if errno != 0 {
		return errno
	}
	return nil
}

// Advice mirrors original_source/include/dwarfs/mmif.h's advice enum.
type Advice int

const (
	AdviceNormal     Advice = unix.MADV_NORMAL
	AdviceRandom     Advice = unix.MADV_RANDOM
	AdviceSequential Advice = unix.MADV_SEQUENTIAL
	AdviceWillNeed   Advice = unix.MADV_WILLNEED
	AdviceDontNeed   Advice = unix.MADV_DONTNEED
)

// Close unmaps the image. It is an error to use m after Close returns.
func (m *Map) Close() error {
	if err := unix.Munmap(m.full); err != nil {
		return dwarfs.Errorf(dwarfs.Io, err, "munmap")
	}
	return nil
}
