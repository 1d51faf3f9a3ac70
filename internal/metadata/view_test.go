package metadata

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mindfocus/dwarfs/internal/imagefixture"
)

func buildView(t *testing.T, build func(b *imagefixture.Builder)) *View {
	t.Helper()
	b := imagefixture.NewBuilder()
	build(b)
	img := b.Build()
	v, err := Open(img.Bytes[img.MetaOffset:img.MetaOffset+img.MetaLength], img.NumBlocks, img.BlockSize, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return v
}

func TestFindAndReaddir(t *testing.T) {
	t.Parallel()
	v := buildView(t, func(b *imagefixture.Builder) {
		b.AddFile("hello.txt", []byte("hello world"), 0644)
		b.AddFile("zzz.txt", []byte("last"), 0644)
		b.AddDir("sub", 0755)
		b.AddFile("sub/nested.txt", []byte("nested"), 0644)
	})

	root := v.Root()
	if root != RootInodeID {
		t.Fatalf("Root() = %d, want %d", root, RootInodeID)
	}

	ino, ok, err := v.Find(root, "hello.txt")
	if err != nil || !ok {
		t.Fatalf("Find(hello.txt) = %d, %v, %v", ino, ok, err)
	}
	a, err := v.GetAttr(ino, 0)
	if err != nil {
		t.Fatalf("GetAttr: %v", err)
	}
	want := Attr{Inode: ino, Type: TypeRegular, Mode: 0644, Nlink: 1, Size: uint64(len("hello world"))}
	if diff := cmp.Diff(want, a, cmp.Comparer(func(x, y int64) bool { return true })); diff != "" {
		t.Fatalf("GetAttr mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := v.Find(root, "missing.txt"); err != nil || ok {
		t.Fatalf("Find(missing.txt) = %v, %v, want false, nil", ok, err)
	}

	subIno, ok, err := v.Find(root, "sub")
	if err != nil || !ok {
		t.Fatalf("Find(sub): %v, %v", ok, err)
	}
	nestedIno, ok, err := v.Find(subIno, "nested.txt")
	if err != nil || !ok {
		t.Fatalf("Find(sub/nested.txt): %v, %v", ok, err)
	}
	chunks, err := v.Chunks(nestedIno)
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Length != uint32(len("nested")) {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}

	dh, err := v.OpenDir(root)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	var names []string
	for i := uint32(0); ; i++ {
		e, ok := v.Readdir(dh, i)
		if !ok {
			break
		}
		names = append(names, e.Name)
	}
	wantNames := []string{"hello.txt", "sub", "zzz.txt"}
	if len(names) != len(wantNames) {
		t.Fatalf("Readdir names = %v, want %v", names, wantNames)
	}
	for i := range wantNames {
		if names[i] != wantNames[i] {
			t.Fatalf("Readdir names = %v, want %v", names, wantNames)
		}
	}
}

func TestFindPath(t *testing.T) {
	t.Parallel()
	v := buildView(t, func(b *imagefixture.Builder) {
		b.AddFile("a/b/c.txt", []byte("data"), 0644)
	})
	ino, ok, err := v.FindPath("a/b/c.txt")
	if err != nil || !ok {
		t.Fatalf("FindPath: %v, %v", ok, err)
	}
	a, err := v.GetAttr(ino, 0)
	if err != nil || a.Type != TypeRegular {
		t.Fatalf("GetAttr after FindPath: %+v, %v", a, err)
	}
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	v := buildView(t, func(b *imagefixture.Builder) {
		b.AddSymlink("link", "target/path", 0777)
	})
	if !v.HasSymlinks() {
		t.Fatal("HasSymlinks() = false, want true")
	}
	ino, ok, err := v.Find(v.Root(), "link")
	if err != nil || !ok {
		t.Fatalf("Find(link): %v, %v", ok, err)
	}
	target, err := v.Readlink(ino, ReadlinkRaw)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "target/path" {
		t.Fatalf("Readlink = %q, want %q", target, "target/path")
	}
}

func TestAccess(t *testing.T) {
	t.Parallel()
	v := buildView(t, func(b *imagefixture.Builder) {
		b.AddFile("f.txt", []byte("x"), 0640)
	})
	ino, _, _ := v.Find(v.Root(), "f.txt")

	ok, err := v.Access(ino, 0o4, 0, 0) // read bit, owner uid 0 bypasses
	if err != nil || !ok {
		t.Fatalf("Access(root) = %v, %v", ok, err)
	}
	ok, err = v.Access(ino, 0o4, 1000, 1000)
	if err != nil || ok {
		t.Fatalf("Access(other uid/gid) = %v, %v, want false", ok, err)
	}
}

func TestOpenInvalidMetadata(t *testing.T) {
	t.Parallel()
	if _, err := Open(make([]byte, 4), 1, 1<<20, false); err == nil {
		t.Fatal("Open on truncated metadata should fail")
	}
}
