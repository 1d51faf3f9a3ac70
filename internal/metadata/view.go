package metadata

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"

	"github.com/mindfocus/dwarfs"
	"golang.org/x/sync/errgroup"
)

// View is a parsed, read-only handle onto a packed metadata section. It
// holds no decoded copies of the tables: accessors read records directly
// from the byte span it was constructed from. Names and symlink targets
// are returned as strings copied out of that span, and Chunks returns a
// newly allocated slice. A View is immutable after construction
// and safe for concurrent use without synchronization (spec.md §5,
// "Shared state").
type View struct {
	raw []byte
	hdr header

	enableNlink bool
	dirNlink    []uint32 // populated by Open iff enableNlink; len == hdr.InodeCount
	hardNlink   []uint32 // reference count per inode, populated iff enableNlink
}

// Open parses raw (the metadata span from internal/image.Map.Metadata)
// and validates every chunk's block reference against numBlocks, per
// invariant 6 ("for every chunk referenced by some inode, block_id <
// num_blocks and offset+length <= block_size"). A violation is a
// configuration/programmer error and aborts the mount (§7).
func Open(raw []byte, numBlocks uint32, blockSize int64, enableNlink bool) (*View, error) {
	if len(raw) < headerSize {
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, nil, "metadata section shorter than header (%d < %d)", len(raw), headerSize)
	}
	var h header
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, err, "parsing metadata header")
	}
	if h.InodeRecordSize < inoMinRecordSize ||
		h.ChunkRecordSize < chunkMinRecordSize ||
		h.DirEntryRecordSize < dirMinRecordSize ||
		(h.SymlinkCount > 0 && h.SymlinkRecordSize < symMinRecordSize) {
		return nil, dwarfs.Errorf(dwarfs.InvalidImage, nil, "metadata record size smaller than known layout")
	}
	if err := h.validateRanges(len(raw)); err != nil {
		return nil, err
	}

	v := &View{raw: raw, hdr: h, enableNlink: enableNlink}

	if err := v.validateChunks(numBlocks, blockSize); err != nil {
		return nil, err
	}
	if enableNlink {
		v.computeNlink()
	}
	return v, nil
}

// validateRanges checks that every table header describes a span that
// fits within the metadata section.
func (h header) validateRanges(size int) error {
	type span struct {
		name         string
		off, length  uint64
	}
	spans := []span{
		{"inode", uint64(h.InodeOffset), uint64(h.InodeCount) * uint64(h.InodeRecordSize)},
		{"chunk", uint64(h.ChunkOffset), uint64(h.ChunkCount) * uint64(h.ChunkRecordSize)},
		{"direntry", uint64(h.DirEntryOffset), uint64(h.DirEntryCount) * uint64(h.DirEntryRecordSize)},
		{"symlink", uint64(h.SymlinkOffset), uint64(h.SymlinkCount) * uint64(h.SymlinkRecordSize)},
		{"string arena", uint64(h.StringArenaOffset), uint64(h.StringArenaLength)},
	}
	for _, s := range spans {
		if s.off+s.length > uint64(size) {
			return dwarfs.Errorf(dwarfs.InvalidImage, nil, "%s table extends past end of metadata section", s.name)
		}
	}
	return nil
}

// validateChunks checks invariant 6 across the whole chunk table,
// sharding the work across goroutines with errgroup the same way the
// teacher's scanPackages fans out per-package work.
func (v *View) validateChunks(numBlocks uint32, blockSize int64) error {
	const shards = 8
	n := int(v.hdr.ChunkCount)
	if n == 0 {
		return nil
	}
	chunkSize := int(v.hdr.ChunkRecordSize)
	base := int(v.hdr.ChunkOffset)

	var g errgroup.Group
	per := (n + shards - 1) / shards
	for s := 0; s < shards; s++ {
		start := s * per
		end := start + per
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		shardStart, shardEnd := start, end
		g.Go(func() error {
			for i := shardStart; i < shardEnd; i++ {
				off := base + i*chunkSize
				blockID := binary.LittleEndian.Uint32(v.raw[off+chunkOffBlockID:])
				length := binary.LittleEndian.Uint32(v.raw[off+chunkOffLength:])
				bo := binary.LittleEndian.Uint32(v.raw[off+chunkOffOffset:])
				if blockID >= numBlocks {
					return dwarfs.Errorf(dwarfs.InvalidImage, nil, "chunk %d: block id %d >= num_blocks %d", i, blockID, numBlocks)
				}
				if int64(bo)+int64(length) > blockSize {
					return dwarfs.Errorf(dwarfs.InvalidImage, nil, "chunk %d: offset+length %d exceeds block size %d", i, int64(bo)+int64(length), blockSize)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Root returns the inode of the root directory.
func (v *View) Root() uint32 { return v.hdr.RootInode }

// HasSymlinks reports whether the image contains any symlinks.
func (v *View) HasSymlinks() bool { return v.hdr.Flags&flagHasSymlinks != 0 }

func (v *View) inodeIndex(ino uint32) (int, bool) {
	if ino < RootInodeID {
		return 0, false
	}
	idx := int(ino - RootInodeID)
	if idx >= int(v.hdr.InodeCount) {
		return 0, false
	}
	return idx, true
}

func (v *View) inodeRecord(idx int) []byte {
	off := int(v.hdr.InodeOffset) + idx*int(v.hdr.InodeRecordSize)
	return v.raw[off : off+int(v.hdr.InodeRecordSize)]
}

func (v *View) string(off, length uint32) string {
	return string(v.raw[v.hdr.StringArenaOffset+off : v.hdr.StringArenaOffset+off+length])
}

// GetAttr resolves inode to its stat-like attributes. inodeOffset is
// added to the reported Inode field (spec.md §4.3: "inode-number
// translated by the configured offset").
func (v *View) GetAttr(ino uint32, inodeOffset uint32) (Attr, error) {
	idx, ok := v.inodeIndex(ino)
	if !ok {
		return Attr{}, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", ino)
	}
	rec := v.inodeRecord(idx)
	a := Attr{
		Inode: ino + inodeOffset,
		Type:  InodeType(rec[inoOffType]),
		Mode:  binary.LittleEndian.Uint16(rec[inoOffMode:]),
		UID:   binary.LittleEndian.Uint32(rec[inoOffUID:]),
		GID:   binary.LittleEndian.Uint32(rec[inoOffGID:]),
		Mtime: int64(binary.LittleEndian.Uint64(rec[inoOffMtime:])),
		Size:  binary.LittleEndian.Uint64(rec[inoOffSize:]),
		Rdev:  binary.LittleEndian.Uint32(rec[inoOffRdev:]),
	}
	a.Nlink = v.nlink(idx, a.Type)
	return a, nil
}

func (v *View) nlink(idx int, typ InodeType) uint32 {
	if !v.enableNlink {
		return 1
	}
	switch typ {
	case TypeDirectory:
		return v.dirNlink[idx]
	default:
		if n := v.hardNlink[idx]; n > 0 {
			return n
		}
		return 1
	}
}

// computeNlink populates dirNlink (2 + subdirectory count, the standard
// POSIX convention) and hardNlink (reference count per inode, derived
// from how many directory entries point at it) for every inode.
func (v *View) computeNlink() {
	n := int(v.hdr.InodeCount)
	v.dirNlink = make([]uint32, n)
	v.hardNlink = make([]uint32, n)

	for i := 0; i < n; i++ {
		rec := v.inodeRecord(i)
		if InodeType(rec[inoOffType]) != TypeDirectory {
			continue
		}
		first := binary.LittleEndian.Uint32(rec[inoOffDataIndex:])
		count := binary.LittleEndian.Uint32(rec[inoOffDataCount:])
		nlink := uint32(2)
		for e := first; e < first+count; e++ {
			child, _ := v.dirEntryAt(e)
			if childIdx, ok := v.inodeIndex(child); ok {
				v.hardNlink[childIdx]++
				crec := v.inodeRecord(childIdx)
				if InodeType(crec[inoOffType]) == TypeDirectory {
					nlink++
				}
			}
		}
		v.dirNlink[i] = nlink
	}
}

func (v *View) dirEntryAt(idx uint32) (inode uint32, name string) {
	off := int(v.hdr.DirEntryOffset) + int(idx)*int(v.hdr.DirEntryRecordSize)
	rec := v.raw[off : off+int(v.hdr.DirEntryRecordSize)]
	inode = binary.LittleEndian.Uint32(rec[dirOffInodeIndex:])
	nameOff := binary.LittleEndian.Uint32(rec[dirOffNameOffset:])
	nameLen := binary.LittleEndian.Uint32(rec[dirOffNameLength:])
	return inode, v.string(nameOff, nameLen)
}

// Find resolves name within the directory parent. It does not follow
// symlinks in parent (callers do path-at-a-time lookup themselves, see
// FindPath), matching FUSE lookup semantics (spec.md §4.3).
func (v *View) Find(parent uint32, name string) (uint32, bool, error) {
	idx, ok := v.inodeIndex(parent)
	if !ok {
		return 0, false, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", parent)
	}
	rec := v.inodeRecord(idx)
	if InodeType(rec[inoOffType]) != TypeDirectory {
		return 0, false, dwarfs.Errorf(dwarfs.NotDir, nil, "inode %d is not a directory", parent)
	}
	first := binary.LittleEndian.Uint32(rec[inoOffDataIndex:])
	count := binary.LittleEndian.Uint32(rec[inoOffDataCount:])

	// Directory entries are sorted by name within each directory
	// (spec.md §3); binary search avoids a linear scan.
	lo, hi := first, first+count
	for lo < hi {
		mid := lo + (hi-lo)/2
		inode, n := v.dirEntryAt(mid)
		switch strings.Compare(n, name) {
		case 0:
			return inode, true, nil
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return 0, false, nil
}

// FindPath resolves a slash-separated path by repeated Find calls.
// Symlinks in interior components are not resolved (spec.md §4.3, §9).
func (v *View) FindPath(path string) (uint32, bool, error) {
	ino := v.Root()
	path = strings.Trim(path, "/")
	if path == "" {
		return ino, true, nil
	}
	for _, part := range strings.Split(path, "/") {
		next, ok, err := v.Find(ino, part)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		ino = next
	}
	return ino, true, nil
}

// Access performs a POSIX-style permission check for uid/gid against
// mode (the usual rwx bits requested).
func (v *View) Access(ino uint32, mode uint32, uid, gid uint32) (bool, error) {
	idx, ok := v.inodeIndex(ino)
	if !ok {
		return false, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", ino)
	}
	rec := v.inodeRecord(idx)
	fileMode := binary.LittleEndian.Uint16(rec[inoOffMode:])
	fileUID := binary.LittleEndian.Uint32(rec[inoOffUID:])
	fileGID := binary.LittleEndian.Uint32(rec[inoOffGID:])

	var bits uint32
	switch {
	case uid == fileUID:
		bits = uint32(fileMode>>6) & 0o7
	case gid == fileGID:
		bits = uint32(fileMode>>3) & 0o7
	default:
		bits = uint32(fileMode) & 0o7
	}
	if uid == 0 {
		return true, nil // root bypasses permission bits, but not RO state
	}
	return bits&mode == mode, nil
}

// ReadlinkMode selects how Readlink renders its result.
type ReadlinkMode int

const (
	ReadlinkRaw ReadlinkMode = iota
	ReadlinkNative
)

// Readlink returns a symlink's target. In ReadlinkNative mode, '/' is
// translated to the host's path separator (a no-op on POSIX hosts, kept
// for parity with spec.md §4.3's "platform-native separator
// translation").
func (v *View) Readlink(ino uint32, mode ReadlinkMode) (string, error) {
	idx, ok := v.inodeIndex(ino)
	if !ok {
		return "", dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", ino)
	}
	rec := v.inodeRecord(idx)
	if InodeType(rec[inoOffType]) != TypeSymlink {
		return "", dwarfs.Errorf(dwarfs.InvalidArgument, nil, "inode %d is not a symlink", ino)
	}
	symIdx := binary.LittleEndian.Uint32(rec[inoOffDataIndex:])
	off := int(v.hdr.SymlinkOffset) + int(symIdx)*int(v.hdr.SymlinkRecordSize)
	symRec := v.raw[off : off+int(v.hdr.SymlinkRecordSize)]
	targetOff := binary.LittleEndian.Uint32(symRec[symOffTargetOffset:])
	targetLen := binary.LittleEndian.Uint32(symRec[symOffTargetLength:])
	target := v.string(targetOff, targetLen)
	if mode == ReadlinkNative && os_PathSeparator != '/' {
		target = strings.ReplaceAll(target, "/", string(os_PathSeparator))
	}
	return target, nil
}

// os_PathSeparator mirrors os.PathSeparator without importing "os" just
// for a rune; kept as a var so tests can simulate a non-POSIX host.
var os_PathSeparator = rune('/')

// DirHandle carries the [First, Last) directory-entry range returned by
// OpenDir, to be walked by Readdir.
type DirHandle struct {
	First, Last uint32
}

// OpenDir returns a handle over ino's directory-entry range.
func (v *View) OpenDir(ino uint32) (DirHandle, error) {
	idx, ok := v.inodeIndex(ino)
	if !ok {
		return DirHandle{}, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", ino)
	}
	rec := v.inodeRecord(idx)
	if InodeType(rec[inoOffType]) != TypeDirectory {
		return DirHandle{}, dwarfs.Errorf(dwarfs.NotDir, nil, "inode %d is not a directory", ino)
	}
	first := binary.LittleEndian.Uint32(rec[inoOffDataIndex:])
	count := binary.LittleEndian.Uint32(rec[inoOffDataCount:])
	return DirHandle{First: first, Last: first + count}, nil
}

// Dirsize returns the number of entries in h.
func (v *View) Dirsize(h DirHandle) uint32 { return h.Last - h.First }

// Readdir returns the entry at offset within h, or ok=false at the end.
func (v *View) Readdir(h DirHandle, offset uint32) (DirEntry, bool) {
	idx := h.First + offset
	if idx >= h.Last {
		return DirEntry{}, false
	}
	inode, name := v.dirEntryAt(idx)
	return DirEntry{Name: name, Inode: inode}, true
}

// Chunks returns the ordered chunk list for a regular file's inode.
func (v *View) Chunks(ino uint32) ([]Chunk, error) {
	idx, ok := v.inodeIndex(ino)
	if !ok {
		return nil, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such inode %d", ino)
	}
	rec := v.inodeRecord(idx)
	if InodeType(rec[inoOffType]) != TypeRegular {
		return nil, dwarfs.Errorf(dwarfs.InvalidArgument, nil, "inode %d is not a regular file", ino)
	}
	first := binary.LittleEndian.Uint32(rec[inoOffDataIndex:])
	count := binary.LittleEndian.Uint32(rec[inoOffDataCount:])
	out := make([]Chunk, count)
	for i := uint32(0); i < count; i++ {
		off := int(v.hdr.ChunkOffset) + int(first+i)*int(v.hdr.ChunkRecordSize)
		crec := v.raw[off : off+int(v.hdr.ChunkRecordSize)]
		out[i] = Chunk{
			BlockID: binary.LittleEndian.Uint32(crec[chunkOffBlockID:]),
			Offset:  binary.LittleEndian.Uint32(crec[chunkOffOffset:]),
			Length:  binary.LittleEndian.Uint32(crec[chunkOffLength:]),
		}
	}
	return out, nil
}

// Statvfs returns the image's aggregate filesystem statistics.
func (v *View) Statvfs(readOnly bool) Statvfs {
	return Statvfs{
		Bytes:    v.hdr.StatfsBytes,
		Blocks:   v.hdr.StatfsBlocks,
		Inodes:   v.hdr.StatfsInodes,
		ReadOnly: readOnly,
	}
}

// sortedNames reports whether entries are in ascending name order, the
// ordering Find's binary search relies on. Nothing in the module calls it.
func sortedNames(entries []DirEntry) bool {
	return sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
