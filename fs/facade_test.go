package fs

import (
	"os"
	"testing"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/internal/blockcache"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/imagefixture"
	"github.com/mindfocus/dwarfs/internal/inodereader"
	"github.com/mindfocus/dwarfs/internal/metadata"
)

func buildFacade(t *testing.T, build func(b *imagefixture.Builder)) (*FS, func()) {
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
	facade := New(view, img, reader, 0, 4242, true)
	return facade, func() { cache.Close(); img.Close() }
}

func TestLookupAndRead(t *testing.T) {
	t.Parallel()
	facade, cleanup := buildFacade(t, func(b *imagefixture.Builder) {
		b.AddFile("greeting.txt", []byte("hello, facade"), 0644)
	})
	defer cleanup()

	entry, err := facade.Lookup(metadata.RootInodeID, "greeting.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Attr.Type != metadata.TypeRegular {
		t.Fatalf("Lookup attr type = %v, want regular", entry.Attr.Type)
	}

	h, err := facade.Open(entry.Inode, OpenFlags{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reply, err := facade.Read(h, 0, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer reply.Release()
	var got []byte
	for _, seg := range reply.Segments {
		got = append(got, seg.Bytes()...)
	}
	if string(got[:len("hello, facade")]) != "hello, facade" {
		t.Fatalf("Read = %q", got)
	}
	facade.ReleaseFile(h)
}

func TestOpenRejectsDirectoryAndWrite(t *testing.T) {
	t.Parallel()
	facade, cleanup := buildFacade(t, func(b *imagefixture.Builder) {
		b.AddDir("adir", 0755)
		b.AddFile("afile", []byte("x"), 0644)
	})
	defer cleanup()

	dirEntry, err := facade.Lookup(metadata.RootInodeID, "adir")
	if err != nil {
		t.Fatalf("Lookup(adir): %v", err)
	}
	if _, err := facade.Open(dirEntry.Inode, OpenFlags{}); err == nil {
		t.Fatal("Open on a directory should fail")
	}

	fileEntry, err := facade.Lookup(metadata.RootInodeID, "afile")
	if err != nil {
		t.Fatalf("Lookup(afile): %v", err)
	}
	if _, err := facade.Open(fileEntry.Inode, OpenFlags{Write: true}); err == nil {
		t.Fatal("Open with Write on a read-only image should fail")
	}
}

func TestReaddirAndStatvfs(t *testing.T) {
	t.Parallel()
	facade, cleanup := buildFacade(t, func(b *imagefixture.Builder) {
		b.AddFile("a", []byte("1"), 0644)
		b.AddFile("b", []byte("22"), 0644)
	})
	defer cleanup()

	dh, err := facade.OpenDir(metadata.RootInodeID)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	var names []string
	for i := uint32(0); ; i++ {
		e, ok, err := facade.Readdir(dh, i)
		if err != nil {
			t.Fatalf("Readdir: %v", err)
		}
		if !ok {
			break
		}
		names = append(names, e.Name)
	}
	if len(names) != 2 {
		t.Fatalf("Readdir returned %v, want 2 entries", names)
	}

	sv := facade.Statvfs()
	if sv.Bytes != 3 || !sv.ReadOnly {
		t.Fatalf("Statvfs = %+v", sv)
	}
}

func TestXattrs(t *testing.T) {
	t.Parallel()
	facade, cleanup := buildFacade(t, func(b *imagefixture.Builder) {
		b.AddFile("f", []byte("abc"), 0644)
	})
	defer cleanup()

	root := uint32(metadata.RootInodeID)
	pid, err := facade.GetXattr(root, "driver.pid")
	if err != nil {
		t.Fatalf("GetXattr(driver.pid): %v", err)
	}
	if string(pid) != "4242" {
		t.Fatalf("driver.pid = %q, want 4242", pid)
	}

	if _, err := facade.GetXattr(root, "driver.perfmon"); err != nil {
		t.Fatalf("GetXattr(driver.perfmon): %v", err)
	}

	fileEntry, err := facade.Lookup(root, "f")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	info, err := facade.GetXattr(fileEntry.Inode, "inodeinfo")
	if err != nil {
		t.Fatalf("GetXattr(inodeinfo): %v", err)
	}
	if len(info) == 0 {
		t.Fatal("inodeinfo payload is empty")
	}

	if _, err := facade.GetXattr(fileEntry.Inode, "driver.pid"); err == nil {
		t.Fatal("driver.pid should only be valid on the root inode")
	}
}
