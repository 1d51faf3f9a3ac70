package fuse

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/fs"
	"github.com/mindfocus/dwarfs/internal/blockcache"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/imagefixture"
	"github.com/mindfocus/dwarfs/internal/inodereader"
	"github.com/mindfocus/dwarfs/internal/metadata"
)

func buildAdapter(t *testing.T, build func(b *imagefixture.Builder)) (*Adapter, func()) {
	t.Helper()
	b := imagefixture.NewBuilder()
	build(b)
	fx := b.Build()

	f, err := os.CreateTemp(t.TempDir(), "dwarfs-fixture-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(fx.Bytes); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	cfg := dwarfs.DefaultConfig()
	img, err := image.Open(f.Name(), cfg)
	if err != nil {
		t.Fatalf("image.Open: %v", err)
	}
	view, err := metadata.Open(img.Metadata(), img.NumBlocks(), img.Header().BlockSize(), false)
	if err != nil {
		img.Close()
		t.Fatalf("metadata.Open: %v", err)
	}
	cache := blockcache.New(img, 2, 1<<20, true)
	reader := inodereader.New(view, cache, img.Header().BlockSize(), 0, 4)
	facade := fs.New(view, img, reader, 0, os.Getpid(), false)
	return New(facade, cfg.CacheFiles), func() { cache.Close(); img.Close() }
}

func TestAdapterLookupAndReadFile(t *testing.T) {
	t.Parallel()
	a, cleanup := buildAdapter(t, func(b *imagefixture.Builder) {
		b.AddFile("greeting.txt", []byte("hi there"), 0644)
	})
	defer cleanup()
	ctx := context.Background()

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(metadata.RootInodeID), Name: "greeting.txt"}
	if err := a.LookUpInode(ctx, lookup); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}

	open := &fuseops.OpenFileOp{Inode: lookup.Entry.Child}
	if err := a.OpenFile(ctx, open); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	read := &fuseops.ReadFileOp{Handle: open.Handle, Offset: 0, Dst: make([]byte, 64)}
	if err := a.ReadFile(ctx, read); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(read.Dst[:read.BytesRead]) != "hi there" {
		t.Fatalf("ReadFile = %q", read.Dst[:read.BytesRead])
	}

	release := &fuseops.ReleaseFileHandleOp{Handle: open.Handle}
	if err := a.ReleaseFileHandle(ctx, release); err != nil {
		t.Fatalf("ReleaseFileHandle: %v", err)
	}
}

func TestAdapterReadDir(t *testing.T) {
	t.Parallel()
	a, cleanup := buildAdapter(t, func(b *imagefixture.Builder) {
		b.AddFile("a", []byte("1"), 0644)
		b.AddFile("b", []byte("22"), 0644)
	})
	defer cleanup()
	ctx := context.Background()

	open := &fuseops.OpenDirOp{Inode: fuseops.InodeID(metadata.RootInodeID)}
	if err := a.OpenDir(ctx, open); err != nil {
		t.Fatalf("OpenDir: %v", err)
	}

	read := &fuseops.ReadDirOp{Handle: open.Handle, Offset: 0, Dst: make([]byte, 4096)}
	if err := a.ReadDir(ctx, read); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if read.BytesRead == 0 {
		t.Fatal("ReadDir produced no bytes")
	}

	rel := &fuseops.ReleaseDirHandleOp{Handle: open.Handle}
	if err := a.ReleaseDirHandle(ctx, rel); err != nil {
		t.Fatalf("ReleaseDirHandle: %v", err)
	}
}

func TestAdapterLookupMissingReturnsENOENT(t *testing.T) {
	t.Parallel()
	a, cleanup := buildAdapter(t, func(b *imagefixture.Builder) {
		b.AddFile("a", []byte("1"), 0644)
	})
	defer cleanup()

	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.InodeID(metadata.RootInodeID), Name: "missing"}
	if err := a.LookUpInode(context.Background(), lookup); err != syscall.ENOENT {
		t.Fatalf("LookUpInode on a missing name = %v, want ENOENT", err)
	}
}

func TestAdapterWritesReturnEROFS(t *testing.T) {
	t.Parallel()
	a, cleanup := buildAdapter(t, func(b *imagefixture.Builder) {
		b.AddFile("a", []byte("1"), 0644)
	})
	defer cleanup()
	ctx := context.Background()

	if err := a.MkDir(ctx, &fuseops.MkDirOp{}); err != syscall.EROFS {
		t.Fatalf("MkDir = %v, want EROFS on a read-only filesystem", err)
	}
	if err := a.Unlink(ctx, &fuseops.UnlinkOp{}); err != syscall.EROFS {
		t.Fatalf("Unlink = %v, want EROFS on a read-only filesystem", err)
	}
}
