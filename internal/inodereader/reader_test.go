package inodereader

import (
	"os"
	"testing"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/internal/blockcache"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/imagefixture"
	"github.com/mindfocus/dwarfs/internal/metadata"
)

func openFixture(t *testing.T, build func(b *imagefixture.Builder)) (*metadata.View, *image.Map, func()) {
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
	cfg.ImageOffset = 0
	img, err := image.Open(f.Name(), cfg)
	if err != nil {
		t.Fatalf("image.Open: %v", err)
	}
	view, err := metadata.Open(img.Metadata(), img.NumBlocks(), img.Header().BlockSize(), false)
	if err != nil {
		img.Close()
		t.Fatalf("metadata.Open: %v", err)
	}
	return view, img, func() { img.Close() }
}

func TestReadWholeFile(t *testing.T) {
	t.Parallel()
	content := []byte("the quick brown fox jumps over the lazy dog")
	view, img, cleanup := openFixture(t, func(b *imagefixture.Builder) {
		b.AddFile("f.txt", content, 0644)
	})
	defer cleanup()

	cache := blockcache.New(img, 2, 1<<20, true)
	defer cache.Close()
	r := New(view, cache, img.Header().BlockSize(), 0, 4)

	ino, ok, err := view.Find(view.Root(), "f.txt")
	if err != nil || !ok {
		t.Fatalf("Find: %v, %v", ok, err)
	}

	reply, err := r.Read(ino, 0, int64(len(content))+10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer reply.Release()

	if reply.N != len(content) {
		t.Fatalf("Read.N = %d, want short read of %d (request exceeded EOF)", reply.N, len(content))
	}

	var got []byte
	for _, seg := range reply.Segments {
		got = append(got, seg.Bytes()...)
	}
	if string(got) != string(content) {
		t.Fatalf("Read content = %q, want %q", got, content)
	}
}

func TestReadPartialRange(t *testing.T) {
	t.Parallel()
	content := []byte("0123456789")
	view, img, cleanup := openFixture(t, func(b *imagefixture.Builder) {
		b.AddFile("f.txt", content, 0644)
	})
	defer cleanup()

	cache := blockcache.New(img, 2, 1<<20, true)
	defer cache.Close()
	r := New(view, cache, img.Header().BlockSize(), 0, 4)

	ino, _, _ := view.Find(view.Root(), "f.txt")
	reply, err := r.Read(ino, 3, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer reply.Release()

	var got []byte
	for _, seg := range reply.Segments {
		got = append(got, seg.Bytes()...)
	}
	if string(got) != "3456" {
		t.Fatalf("Read(3,4) = %q, want %q", got, "3456")
	}
}

func TestReadPastEOFReturnsEmpty(t *testing.T) {
	t.Parallel()
	view, img, cleanup := openFixture(t, func(b *imagefixture.Builder) {
		b.AddFile("f.txt", []byte("short"), 0644)
	})
	defer cleanup()

	cache := blockcache.New(img, 2, 1<<20, true)
	defer cache.Close()
	r := New(view, cache, img.Header().BlockSize(), 0, 4)

	ino, _, _ := view.Find(view.Root(), "f.txt")
	reply, err := r.Read(ino, 1000, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer reply.Release()
	if reply.N != 0 {
		t.Fatalf("Read past EOF returned %d bytes, want 0", reply.N)
	}
}

func TestCloseFileEvictsDetector(t *testing.T) {
	t.Parallel()
	view, img, cleanup := openFixture(t, func(b *imagefixture.Builder) {
		b.AddFile("f.txt", []byte("data"), 0644)
	})
	defer cleanup()

	cache := blockcache.New(img, 2, 1<<20, true)
	defer cache.Close()
	r := New(view, cache, img.Header().BlockSize(), 0, 4)

	ino, _, _ := view.Find(view.Root(), "f.txt")
	reply, err := r.Read(ino, 0, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	reply.Release()
	r.CloseFile(ino) // must not panic on a closed/unknown inode's detector
}
