// Package imagefixture builds small, valid in-memory DwarFS images for
// tests, the way the teacher's squashfs package builds real images via
// writer_test.go's Root.File/Symlink calls and original_source's
// os_access_mock builds an in-memory filesystem tree for libdwarfs's own
// tests. Production images are never written by this module (spec.md's
// Non-goals exclude writability); this builder exists purely so
// round-trip read tests don't need a real on-disk fixture checked into
// the repo.
package imagefixture

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"
)

// Builder accumulates a directory tree and renders it to a complete,
// parseable image via Build.
type Builder struct {
	root *node
}

type nodeKind int

const (
	kindDir nodeKind = iota
	kindFile
	kindSymlink
)

type node struct {
	kind     nodeKind
	name     string
	mode     uint16
	uid, gid uint32
	mtime    int64
	data     []byte // kindFile
	target   string // kindSymlink
	children []*node
}

// NewBuilder starts an empty tree with a root directory.
func NewBuilder() *Builder {
	return &Builder{root: &node{kind: kindDir, mode: 0755, mtime: time.Now().Unix()}}
}

func (b *Builder) resolveDir(path []string) *node {
	cur := b.root
	for _, part := range path {
		var next *node
		for _, c := range cur.children {
			if c.kind == kindDir && c.name == part {
				next = c
				break
			}
		}
		if next == nil {
			next = &node{kind: kindDir, name: part, mode: 0755, mtime: time.Now().Unix()}
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur
}

func splitDirBase(path string) ([]string, string) {
	path = trimSlashes(path)
	if path == "" {
		return nil, ""
	}
	parts := splitPath(path)
	return parts[:len(parts)-1], parts[len(parts)-1]
}

func trimSlashes(s string) string {
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func splitPath(s string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i > start {
				parts = append(parts, s[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

// AddFile creates path with contents data and permission mode.
func (b *Builder) AddFile(path string, data []byte, mode uint16) {
	dir, base := splitDirBase(path)
	d := b.resolveDir(dir)
	d.children = append(d.children, &node{kind: kindFile, name: base, mode: mode, data: data, mtime: time.Now().Unix()})
}

// AddSymlink creates path as a symlink pointing at target.
func (b *Builder) AddSymlink(path, target string, mode uint16) {
	dir, base := splitDirBase(path)
	d := b.resolveDir(dir)
	d.children = append(d.children, &node{kind: kindSymlink, name: base, mode: mode, target: target, mtime: time.Now().Unix()})
}

// AddDir creates an empty directory at path (a no-op if it already
// exists, e.g. as an ancestor of a file already added).
func (b *Builder) AddDir(path string, mode uint16) {
	dir, base := splitDirBase(path)
	d := b.resolveDir(dir)
	if base == "" {
		return
	}
	for _, c := range d.children {
		if c.kind == kindDir && c.name == base {
			return
		}
	}
	d.children = append(d.children, &node{kind: kindDir, name: base, mode: mode, mtime: time.Now().Unix()})
}

// record layout constants mirror internal/metadata/types.go exactly;
// duplicated here (rather than imported) because that package keeps
// its on-disk layout private to the reader side.
const (
	inoRecordSize = 43
	inoOffType    = 0
	inoOffMode    = 1
	inoOffUID     = 3
	inoOffGID     = 7
	inoOffMtime   = 11
	inoOffSize    = 19
	inoOffRdev    = 27
	// inoOffNlinkHint = 31 (unused by the fixture)
	inoOffDataIndex = 35
	inoOffDataCount = 39

	chunkRecordSize = 12
	chunkOffBlockID = 0
	chunkOffOffset  = 4
	chunkOffLength  = 8

	dirRecordSize    = 12
	dirOffInodeIndex = 0
	dirOffNameOffset = 4
	dirOffNameLength = 8

	symRecordSize      = 8
	symOffTargetOffset = 0
	symOffTargetLength = 4
)

// header mirrors internal/metadata/types.go's private header struct
// field-for-field; binary.Write lays out fixed-size fields in
// declared order with no padding, so the bytes this produces are
// exactly what metadata.Open expects.
type header struct {
	RootInode uint32
	Flags     uint32

	InodeOffset     uint32
	InodeCount      uint32
	InodeRecordSize uint32

	ChunkOffset     uint32
	ChunkCount      uint32
	ChunkRecordSize uint32

	DirEntryOffset     uint32
	DirEntryCount      uint32
	DirEntryRecordSize uint32

	SymlinkOffset     uint32
	SymlinkCount      uint32
	SymlinkRecordSize uint32

	StringArenaOffset uint32
	StringArenaLength uint32

	StatfsBytes  uint64
	StatfsBlocks uint64
	StatfsInodes uint64

	Reserved [16]byte
}

const flagHasSymlinks = 1 << 0

// indexEntrySize mirrors internal/image/header.go's BlockIndexEntry
// layout: 8-byte file offset, 8-byte compressed length, 8-byte decoded
// length, 1-byte codec tag, 7 reserved bytes.
const indexEntrySize = 8 + 8 + 8 + 1 + 7

type flatInode struct {
	n          *node
	inode      uint32
	firstEntry uint32 // dir: first dir-entry index; file: first chunk index; symlink: symlink index
	entryCount uint32
	size       uint64
}

// Image is a fully rendered image: raw bytes plus the metadata
// boundaries needed to drive internal/image.Open (via a temp file) or
// to hand straight to internal/metadata.Open for unit tests that don't
// need a real mapped file.
type Image struct {
	Bytes         []byte
	MetaOffset    int64
	MetaLength    int64
	BlockSize     int64
	NumBlocks     uint32
	HasSymlinks   bool
}

// Build renders the tree into a complete image: header, one-entry
// block index pointing at a single uncompressed block holding every
// file's bytes concatenated, and the packed metadata section.
func (b *Builder) Build() Image {
	var flat []*flatInode
	var dirEntries []struct {
		parent *flatInode
		child  *flatInode
	}
	var symlinks []*flatInode
	var fileData []byte
	hasSymlinks := false

	byNode := make(map[*node]*flatInode)
	order := []*node{b.root}
	nextInode := uint32(1) // metadata.RootInodeID

	// Assign inodes breadth-first so the root is always 1.
	for i := 0; i < len(order); i++ {
		n := order[i]
		sort.Slice(n.children, func(a, c int) bool { return n.children[a].name < n.children[c].name })
		fi := &flatInode{n: n, inode: nextInode}
		nextInode++
		byNode[n] = fi
		flat = append(flat, fi)
		if n.kind == kindDir {
			order = append(order, n.children...)
		}
	}

	for _, fi := range flat {
		switch fi.n.kind {
		case kindFile:
			fi.firstEntry = uint32(len(fileData))
			fi.entryCount = uint32(len(fi.n.data))
			fi.size = uint64(len(fi.n.data))
			fileData = append(fileData, fi.n.data...)
		case kindSymlink:
			fi.firstEntry = uint32(len(symlinks))
			fi.entryCount = 1
			symlinks = append(symlinks, fi)
			hasSymlinks = true
		case kindDir:
			fi.firstEntry = uint32(len(dirEntries))
			for _, c := range fi.n.children {
				dirEntries = append(dirEntries, struct {
					parent *flatInode
					child  *flatInode
				}{fi, byNode[c]})
			}
			fi.entryCount = uint32(len(fi.n.children))
		}
	}

	// String arena: dir entry names, then symlink targets.
	var arena []byte
	type strSpan struct{ off, length uint32 }
	nameSpan := make([]strSpan, len(dirEntries))
	for i, de := range dirEntries {
		nameSpan[i] = strSpan{off: uint32(len(arena)), length: uint32(len(de.child.n.name))}
		arena = append(arena, de.child.n.name...)
	}
	targetSpan := make([]strSpan, len(symlinks))
	for i, s := range symlinks {
		targetSpan[i] = strSpan{off: uint32(len(arena)), length: uint32(len(s.n.target))}
		arena = append(arena, s.n.target...)
	}

	inodeTable := make([]byte, len(flat)*inoRecordSize)
	for i, fi := range flat {
		rec := inodeTable[i*inoRecordSize : (i+1)*inoRecordSize]
		rec[inoOffType] = byte(typeOf(fi.n.kind))
		binary.LittleEndian.PutUint16(rec[inoOffMode:], fi.n.mode)
		binary.LittleEndian.PutUint32(rec[inoOffUID:], fi.n.uid)
		binary.LittleEndian.PutUint32(rec[inoOffGID:], fi.n.gid)
		binary.LittleEndian.PutUint64(rec[inoOffMtime:], uint64(fi.n.mtime))
		binary.LittleEndian.PutUint64(rec[inoOffSize:], fi.size)
		binary.LittleEndian.PutUint32(rec[inoOffRdev:], 0)
		binary.LittleEndian.PutUint32(rec[inoOffDataIndex:], fi.firstEntry)
		binary.LittleEndian.PutUint32(rec[inoOffDataCount:], fi.entryCount)
	}

	dirTable := make([]byte, len(dirEntries)*dirRecordSize)
	for i, de := range dirEntries {
		rec := dirTable[i*dirRecordSize : (i+1)*dirRecordSize]
		binary.LittleEndian.PutUint32(rec[dirOffInodeIndex:], de.child.inode)
		binary.LittleEndian.PutUint32(rec[dirOffNameOffset:], nameSpan[i].off)
		binary.LittleEndian.PutUint32(rec[dirOffNameLength:], nameSpan[i].length)
	}

	chunkTable := make([]byte, 0)
	for _, fi := range flat {
		if fi.n.kind != kindFile {
			continue
		}
		rec := make([]byte, chunkRecordSize)
		binary.LittleEndian.PutUint32(rec[chunkOffBlockID:], 0)
		binary.LittleEndian.PutUint32(rec[chunkOffOffset:], fi.firstEntry)
		binary.LittleEndian.PutUint32(rec[chunkOffLength:], fi.entryCount)
		chunkTable = append(chunkTable, rec...)
	}
	// Recompute each file's chunk index now that the table is built in
	// inode order (firstEntry above held the byte offset within
	// fileData; chunk index within chunkTable is simply position).
	chunkIdx := uint32(0)
	for _, fi := range flat {
		if fi.n.kind != kindFile {
			continue
		}
		binary.LittleEndian.PutUint32(inodeTable[indexOf(flat, fi)*inoRecordSize+inoOffDataIndex:], chunkIdx)
		binary.LittleEndian.PutUint32(inodeTable[indexOf(flat, fi)*inoRecordSize+inoOffDataCount:], 1)
		chunkIdx++
	}

	symTable := make([]byte, len(symlinks)*symRecordSize)
	for i, s := range symlinks {
		rec := symTable[i*symRecordSize : (i+1)*symRecordSize]
		binary.LittleEndian.PutUint32(rec[symOffTargetOffset:], targetSpan[i].off)
		binary.LittleEndian.PutUint32(rec[symOffTargetLength:], targetSpan[i].length)
		binary.LittleEndian.PutUint32(inodeTable[indexOf(flat, s)*inoRecordSize+inoOffDataIndex:], uint32(i))
		binary.LittleEndian.PutUint32(inodeTable[indexOf(flat, s)*inoRecordSize+inoOffDataCount:], 1)
	}

	var meta bytes.Buffer
	h := header{
		RootInode:          1,
		InodeOffset:        uint32(binary.Size(header{})),
		InodeCount:         uint32(len(flat)),
		InodeRecordSize:    inoRecordSize,
		ChunkOffset:        0, // filled below
		ChunkCount:         uint32(len(chunkTable) / chunkRecordSize),
		ChunkRecordSize:    chunkRecordSize,
		DirEntryOffset:     0,
		DirEntryCount:      uint32(len(dirEntries)),
		DirEntryRecordSize: dirRecordSize,
		SymlinkOffset:      0,
		SymlinkCount:       uint32(len(symlinks)),
		SymlinkRecordSize:  symRecordSize,
		StringArenaOffset:  0,
		StringArenaLength:  uint32(len(arena)),
		StatfsBytes:        uint64(len(fileData)),
		StatfsBlocks:       1,
		StatfsInodes:       uint64(len(flat)),
	}
	if hasSymlinks {
		h.Flags |= flagHasSymlinks
	}

	h.ChunkOffset = h.InodeOffset + uint32(len(inodeTable))
	h.DirEntryOffset = h.ChunkOffset + uint32(len(chunkTable))
	h.SymlinkOffset = h.DirEntryOffset + uint32(len(dirTable))
	h.StringArenaOffset = h.SymlinkOffset + uint32(len(symTable))

	binary.Write(&meta, binary.LittleEndian, h)
	meta.Write(inodeTable)
	meta.Write(chunkTable)
	meta.Write(dirTable)
	meta.Write(symTable)
	meta.Write(arena)

	const blockSize = int64(1) << 20

	headerOut := struct {
		Magic         [8]byte
		VersionMajor  uint16
		VersionMinor  uint16
		VersionPatch  uint16
		FeatureFlags  uint32
		BlockSizeBits uint8
		Reserved      [7]byte
		MetaOffset    uint64
		MetaLength    uint64
		IndexOffset   uint64
		IndexLength   uint64
	}{
		Magic:         [8]byte{'D', 'W', 'A', 'R', 'F', 'S', 0, 0},
		VersionMajor:  1,
		BlockSizeBits: 20,
	}

	hdrSize := binary.Size(headerOut)
	headerOut.MetaOffset = uint64(hdrSize)
	headerOut.MetaLength = uint64(meta.Len())
	headerOut.IndexOffset = headerOut.MetaOffset + headerOut.MetaLength
	headerOut.IndexLength = indexEntrySize // one block

	var blockIndex bytes.Buffer
	binary.Write(&blockIndex, binary.LittleEndian, struct {
		FileOffset       uint64
		CompressedLength uint64
		DecodedLength    uint64
		CodecTag         uint8
		Reserved         [7]byte
	}{
		FileOffset:       headerOut.IndexOffset + headerOut.IndexLength,
		CompressedLength: uint64(len(fileData)),
		DecodedLength:    uint64(len(fileData)),
		CodecTag:         0, // codec.None
	})

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, headerOut)
	out.Write(meta.Bytes())
	out.Write(blockIndex.Bytes())
	out.Write(fileData)

	return Image{
		Bytes:       out.Bytes(),
		MetaOffset:  int64(headerOut.MetaOffset),
		MetaLength:  int64(headerOut.MetaLength),
		BlockSize:   blockSize,
		NumBlocks:   1,
		HasSymlinks: hasSymlinks,
	}
}

func typeOf(k nodeKind) int {
	switch k {
	case kindDir:
		return 1
	case kindSymlink:
		return 2
	default:
		return 0
	}
}

func indexOf(flat []*flatInode, fi *flatInode) int {
	for i, f := range flat {
		if f == fi {
			return i
		}
	}
	return -1
}
