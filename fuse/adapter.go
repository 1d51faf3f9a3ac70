// Package fuse adapts the fs facade to jacobsa/fuse's fuseops wire
// types, the same split the teacher's internal/fuse package makes
// between squashfs lookups and the fuseutil.FileSystem methods — only
// here the squashfs reader is replaced end to end by fs.FS (spec.md
// §4.8).
package fuse

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/fs"
	"github.com/mindfocus/dwarfs/internal/metadata"
)

const help = `dwarfs-fuse [-flags] <image> <mountpoint>

Mount a DwarFS image read-only.
`

// never matches the teacher's policy of caching forever (one year out,
// since FUSE has no literal "never" sentinel): the image is immutable
// for the life of the mount.
var never = time.Now().Add(365 * 24 * time.Hour)

// Adapter implements fuseutil.FileSystem over an fs.FS facade.
// NotImplementedFileSystem supplies ENOSYS for every write-path method
// this read-only filesystem doesn't override, the same embedding the
// teacher's fuseFS uses.
type Adapter struct {
	fuseutil.NotImplementedFileSystem

	facade     *fs.FS
	cacheFiles bool // spec.md §6 cache_files: let the host driver cache decompressed output

	handlesMu   sync.Mutex
	fileHandles map[fuseops.HandleID]fs.Handle
	dirHandles  map[fuseops.HandleID]fs.DirHandle
	nextHandle  fuseops.HandleID
}

// New wraps facade for serving over FUSE. cacheFiles controls whether
// opened files advertise KeepPageCache to the kernel.
func New(facade *fs.FS, cacheFiles bool) *Adapter {
	return &Adapter{
		facade:      facade,
		cacheFiles:  cacheFiles,
		fileHandles: make(map[fuseops.HandleID]fs.Handle),
		dirHandles:  make(map[fuseops.HandleID]fs.DirHandle),
	}
}

func (a *Adapter) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	stat := a.facade.Statvfs()
	op.BlockSize = 4096
	op.Blocks = stat.Blocks
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.Inodes = stat.Inodes
	op.InodesFree = 0
	op.IoSize = 65536
	return nil
}

func (a *Adapter) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	e, err := a.facade.Lookup(uint32(op.Parent), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = fuseops.InodeID(e.Inode)
	op.Entry.Attributes = toFuseAttr(e.Attr)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (a *Adapter) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attr, _, err := a.facade.GetAttr(uint32(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toFuseAttr(attr)
	op.AttributesExpiration = never
	return nil
}

func (a *Adapter) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return syscall.EROFS
}

func (a *Adapter) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}

func (a *Adapter) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	h, err := a.facade.OpenDir(uint32(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	a.handlesMu.Lock()
	a.nextHandle++
	id := a.nextHandle
	a.dirHandles[id] = h
	a.handlesMu.Unlock()
	op.Handle = id
	return nil
}

func (a *Adapter) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	a.handlesMu.Lock()
	h, ok := a.dirHandles[op.Handle]
	a.handlesMu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	offset := uint32(op.Offset)
	for {
		e, ok, err := a.facade.Readdir(h, offset)
		if err != nil {
			return toErrno(err)
		}
		if !ok {
			break
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(offset) + 1,
			Inode:  fuseops.InodeID(e.Inode),
			Name:   e.Name,
			Type:   direntType(e.Type),
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
		offset++
	}
	return nil
}

func (a *Adapter) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	a.handlesMu.Lock()
	delete(a.dirHandles, op.Handle)
	a.handlesMu.Unlock()
	return nil
}

func (a *Adapter) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	flags := fs.OpenFlags{
		Write:    op.OpenFlags&(syscall.O_WRONLY|syscall.O_RDWR) != 0,
		Append:   op.OpenFlags&syscall.O_APPEND != 0,
		Truncate: op.OpenFlags&syscall.O_TRUNC != 0,
		Create:   op.OpenFlags&syscall.O_CREAT != 0,
	}
	h, err := a.facade.Open(uint32(op.Inode), flags)
	if err != nil {
		return toErrno(err)
	}
	a.handlesMu.Lock()
	a.nextHandle++
	id := a.nextHandle
	a.fileHandles[id] = h
	a.handlesMu.Unlock()
	op.Handle = id
	op.KeepPageCache = a.cacheFiles
	return nil
}

func (a *Adapter) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	a.handlesMu.Lock()
	h, ok := a.fileHandles[op.Handle]
	a.handlesMu.Unlock()
	if !ok {
		return syscall.EBADF
	}
	reply, err := a.facade.Read(h, op.Offset, int64(len(op.Dst)))
	if err != nil {
		return toErrno(err)
	}
	defer reply.Release()
	n := 0
	for _, seg := range reply.Segments {
		n += copy(op.Dst[n:], seg.Bytes())
	}
	op.BytesRead = n
	return nil
}

func (a *Adapter) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	a.handlesMu.Lock()
	h, ok := a.fileHandles[op.Handle]
	delete(a.fileHandles, op.Handle)
	a.handlesMu.Unlock()
	if ok {
		a.facade.ReleaseFile(h)
	}
	return nil
}

func (a *Adapter) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	target, err := a.facade.Readlink(uint32(op.Inode), false)
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

func (a *Adapter) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	names := a.facade.ListXattr(uint32(op.Inode))
	op.BytesRead = len(names)
	if len(names) > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, names)
	return nil
}

func (a *Adapter) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	val, err := a.facade.GetXattr(uint32(op.Inode), op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

// The remaining fuseutil.FileSystem methods are write-path operations
// this read-only filesystem never allows.
func (a *Adapter) MkDir(ctx context.Context, op *fuseops.MkDirOp) error          { return syscall.EROFS }
func (a *Adapter) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error       { return syscall.EROFS }
func (a *Adapter) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return syscall.EROFS
}
func (a *Adapter) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return syscall.EROFS
}
func (a *Adapter) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	return syscall.EROFS
}
func (a *Adapter) Rename(ctx context.Context, op *fuseops.RenameOp) error       { return syscall.EROFS }
func (a *Adapter) RmDir(ctx context.Context, op *fuseops.RmDirOp) error        { return syscall.EROFS }
func (a *Adapter) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error      { return syscall.EROFS }
func (a *Adapter) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return syscall.EROFS
}
func (a *Adapter) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error  { return nil }
func (a *Adapter) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error { return nil }
func (a *Adapter) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	return syscall.EROFS
}
func (a *Adapter) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	return syscall.EROFS
}

func (a *Adapter) Destroy() {}

func toFuseAttr(at metadata.Attr) fuseops.InodeAttributes {
	mtime := time.Unix(at.Mtime, 0)
	return fuseops.InodeAttributes{
		Size:  at.Size,
		Nlink: at.Nlink,
		Mode:  toFileMode(at),
		Atime: mtime,
		Mtime: mtime,
		Ctime: mtime,
	}
}

func toFileMode(at metadata.Attr) os.FileMode {
	mode := os.FileMode(at.Mode) & os.ModePerm
	switch at.Type {
	case metadata.TypeDirectory:
		mode |= os.ModeDir
	case metadata.TypeSymlink:
		mode |= os.ModeSymlink
	case metadata.TypeDevice:
		mode |= os.ModeDevice
	case metadata.TypeFifo:
		mode |= os.ModeNamedPipe
	case metadata.TypeSocket:
		mode |= os.ModeSocket
	}
	return mode
}

func direntType(t metadata.InodeType) fuseutil.DirentType {
	switch t {
	case metadata.TypeDirectory:
		return fuseutil.DT_Directory
	case metadata.TypeSymlink:
		return fuseutil.DT_Link
	case metadata.TypeDevice:
		return fuseutil.DT_Block
	case metadata.TypeFifo:
		return fuseutil.DT_FIFO
	case metadata.TypeSocket:
		return fuseutil.DT_Socket
	default:
		return fuseutil.DT_File
	}
}

// toErrno maps a dwarfs.Error to the errno jacobsa/fuse expects back
// from a FileSystem method.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return dwarfs.ToErrno(err)
}

// Mount parses args (optional flags and exactly one mountpoint) and
// mounts the already-built facade read-only at that mountpoint,
// mirroring the teacher's fuse.Mount's flag-parsing shape but with none
// of the package-manager plumbing. Opening the image is the caller's job.
func Mount(ctx context.Context, facade *fs.FS, cacheFiles bool, args []string) (join func(context.Context) error, _ error) {
	fset := flag.NewFlagSet("fuse", flag.ExitOnError)
	allowOther := fset.Bool("allow_other", false, "allow all users to access the mount")
	fset.Usage = func() {
		fmt.Fprintln(os.Stderr, help)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 1 {
		return nil, xerrors.Errorf("syntax: dwarfs-fuse [-flags] <mountpoint>")
	}
	mountpoint := fset.Arg(0)

	server := fuseutil.NewFileSystemServer(New(facade, cacheFiles))
	opts := map[string]string{}
	if *allowOther {
		opts["allow_other"] = ""
	}
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:                 "dwarfs",
		ReadOnly:                true,
		Options:                 opts,
		EnableSymlinkCaching:    true,
		EnableNoOpendirSupport:  false,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %v", err)
	}
	join = func(ctx context.Context) error {
		return mfs.Join(ctx)
	}
	return join, nil
}
