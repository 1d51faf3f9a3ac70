// Package fs is the filesystem facade: the op table a host driver
// (FUSE or otherwise) calls into, translating each operation to the
// metadata view, inode reader and block cache underneath. It is
// grounded in the teacher's internal/fuse.FileSystem adapter, split so
// that the actual filesystem logic (this package) has no dependency on
// jacobsa/fuse's wire types — only dwarfs/fuse does (spec.md §4.8).
package fs

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/inodereader"
	"github.com/mindfocus/dwarfs/internal/metadata"
)

// attrTTL is advertised for every attribute and entry cache hint: the
// image is immutable for the life of the mount, so the longest
// permissible TTL is always safe (spec.md §4.8).
const attrTTL = 365 * 24 * time.Hour

// Entry is the result of a successful Lookup: the resolved inode, its
// attributes, and how long the host driver may cache both.
type Entry struct {
	Inode uint32
	Attr  metadata.Attr
	TTL   time.Duration
}

// Handle is an open file's opaque reference, returned by Open and
// consumed by Read and Release.
type Handle struct {
	Inode uint32
}

// DirHandle is an open directory's opaque reference.
type DirHandle struct {
	Inode  uint32
	view   metadata.DirHandle
}

// FS implements every operation the facade exposes, over one mounted
// image.
type FS struct {
	view        *metadata.View
	img         *image.Map
	reader      *inodereader.Reader
	inodeOffset uint32
	driverPID   int
	perfmon     bool
}

// New builds a facade over an already-opened image, metadata view and
// inode reader.
func New(view *metadata.View, img *image.Map, reader *inodereader.Reader, inodeOffset uint32, driverPID int, perfmon bool) *FS {
	return &FS{view: view, img: img, reader: reader, inodeOffset: inodeOffset, driverPID: driverPID, perfmon: perfmon}
}

func (f *FS) toAttr(a metadata.Attr) metadata.Attr {
	a.Inode += f.inodeOffset
	return a
}

// Lookup resolves name within parent.
func (f *FS) Lookup(parent uint32, name string) (Entry, error) {
	ino, ok, err := f.view.Find(parent-f.inodeOffset, name)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, dwarfs.Errorf(dwarfs.NoEntry, nil, "no such entry %q in directory %d", name, parent)
	}
	a, err := f.view.GetAttr(ino, f.inodeOffset)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Inode: a.Inode, Attr: a, TTL: attrTTL}, nil
}

// GetAttr returns ino's attributes.
func (f *FS) GetAttr(ino uint32) (metadata.Attr, time.Duration, error) {
	a, err := f.view.GetAttr(ino-f.inodeOffset, f.inodeOffset)
	if err != nil {
		return metadata.Attr{}, 0, err
	}
	return a, attrTTL, nil
}

// Access performs a permission check for uid/gid against mode.
func (f *FS) Access(ino uint32, mode uint32, uid, gid uint32) error {
	ok, err := f.view.Access(ino-f.inodeOffset, mode, uid, gid)
	if err != nil {
		return err
	}
	if !ok {
		return dwarfs.Errorf(dwarfs.AccessDenied, nil, "inode %d denies mode %o to uid %d gid %d", ino, mode, uid, gid)
	}
	return nil
}

// Readlink returns a symlink's target.
func (f *FS) Readlink(ino uint32, native bool) (string, error) {
	mode := metadata.ReadlinkRaw
	if native {
		mode = metadata.ReadlinkNative
	}
	return f.view.Readlink(ino-f.inodeOffset, mode)
}

// OpenFlags are the subset of POSIX open(2) flags the facade
// recognizes; only ReadOnly is ever accepted.
type OpenFlags struct {
	Write, Append, Truncate, Create bool
}

// Open validates flags and returns a read handle for ino.
func (f *FS) Open(ino uint32, flags OpenFlags) (Handle, error) {
	a, err := f.view.GetAttr(ino-f.inodeOffset, f.inodeOffset)
	if err != nil {
		return Handle{}, err
	}
	if a.Type == metadata.TypeDirectory {
		return Handle{}, dwarfs.Errorf(dwarfs.IsDir, nil, "inode %d is a directory", ino)
	}
	if flags.Write || flags.Append || flags.Truncate || flags.Create {
		return Handle{}, dwarfs.Errorf(dwarfs.AccessDenied, nil, "write access requested on a read-only image")
	}
	return Handle{Inode: ino}, nil
}

// Read serves a read through the inode reader.
func (f *FS) Read(h Handle, offset, length int64) (inodereader.Reply, error) {
	return f.reader.Read(h.Inode-f.inodeOffset, offset, length)
}

// ReleaseFile discards the sequential-access state for a closed file.
func (f *FS) ReleaseFile(h Handle) {
	f.reader.CloseFile(h.Inode - f.inodeOffset)
}

// OpenDir returns a directory handle for ino.
func (f *FS) OpenDir(ino uint32) (DirHandle, error) {
	h, err := f.view.OpenDir(ino - f.inodeOffset)
	if err != nil {
		return DirHandle{}, err
	}
	return DirHandle{Inode: ino, view: h}, nil
}

// DirEntry is one readdir result, with the inode already offset.
type DirEntry struct {
	Name  string
	Inode uint32
	Type  metadata.InodeType
}

// Readdir returns the entry at offset within h, or ok=false past the
// end.
func (f *FS) Readdir(h DirHandle, offset uint32) (DirEntry, bool, error) {
	e, ok := f.view.Readdir(h.view, offset)
	if !ok {
		return DirEntry{}, false, nil
	}
	a, err := f.view.GetAttr(e.Inode, f.inodeOffset)
	if err != nil {
		return DirEntry{}, false, err
	}
	return DirEntry{Name: e.Name, Inode: a.Inode, Type: a.Type}, true, nil
}

// Statvfs returns the image's aggregate filesystem statistics.
func (f *FS) Statvfs() metadata.Statvfs {
	return f.view.Statvfs(true)
}

const rootXattrPID = "driver.pid"
const rootXattrPerfmon = "driver.perfmon"
const xattrInodeInfo = "inodeinfo"

// inodeInfo is the JSON payload returned for the synthesized
// "inodeinfo" attribute (spec.md §4.8).
type inodeInfo struct {
	Inode     uint32           `json:"inode"`
	Type      string           `json:"type"`
	Size      uint64           `json:"size"`
	NumChunks int              `json:"num_chunks"`
	Blocks    []uint32         `json:"blocks,omitempty"`
}

// GetXattr returns the synthesized value for name on ino.
func (f *FS) GetXattr(ino uint32, name string) ([]byte, error) {
	switch name {
	case rootXattrPID:
		if ino != f.inodeOffset+metadata.RootInodeID {
			break
		}
		return []byte(strconv.Itoa(f.driverPID)), nil
	case rootXattrPerfmon:
		if ino != f.inodeOffset+metadata.RootInodeID || !f.perfmon {
			break
		}
		return []byte("enabled"), nil
	case xattrInodeInfo:
		return f.inodeInfoJSON(ino)
	}
	return nil, dwarfs.Errorf(dwarfs.NoAttr, nil, "no attribute %q on inode %d", name, ino)
}

func (f *FS) inodeInfoJSON(ino uint32) ([]byte, error) {
	a, err := f.view.GetAttr(ino-f.inodeOffset, f.inodeOffset)
	if err != nil {
		return nil, err
	}
	info := inodeInfo{Inode: a.Inode, Type: typeName(a.Type), Size: a.Size}
	if a.Type == metadata.TypeRegular {
		chunks, err := f.view.Chunks(ino - f.inodeOffset)
		if err != nil {
			return nil, err
		}
		info.NumChunks = len(chunks)
		seen := make(map[uint32]bool)
		for _, c := range chunks {
			if !seen[c.BlockID] {
				seen[c.BlockID] = true
				info.Blocks = append(info.Blocks, c.BlockID)
			}
		}
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, dwarfs.Errorf(dwarfs.Io, err, "marshal inodeinfo")
	}
	return b, nil
}

// ListXattr returns the null-separated list of attribute names
// available on ino.
func (f *FS) ListXattr(ino uint32) []byte {
	names := []string{xattrInodeInfo}
	if ino == f.inodeOffset+metadata.RootInodeID {
		names = append(names, rootXattrPID)
		if f.perfmon {
			names = append(names, rootXattrPerfmon)
		}
	}
	var out []byte
	for _, n := range names {
		out = append(out, n...)
		out = append(out, 0)
	}
	return out
}

func typeName(t metadata.InodeType) string {
	switch t {
	case metadata.TypeRegular:
		return "regular"
	case metadata.TypeDirectory:
		return "directory"
	case metadata.TypeSymlink:
		return "symlink"
	case metadata.TypeDevice:
		return "device"
	case metadata.TypeFifo:
		return "fifo"
	case metadata.TypeSocket:
		return "socket"
	default:
		return "unknown"
	}
}
