// Command dwarfs-fuse mounts a DwarFS image read-only over FUSE,
// mirroring the teacher's cmd/distri "fuse" verb wiring but stripped to
// a single subcommand (spec.md §6).
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/fs"
	"github.com/mindfocus/dwarfs/fuse"
	"github.com/mindfocus/dwarfs/internal/blockcache"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/inodereader"
	"github.com/mindfocus/dwarfs/internal/metadata"
	"golang.org/x/xerrors"
)

func main() {
	log.SetFlags(0)
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	fset := flag.NewFlagSet("dwarfs-fuse", flag.ExitOnError)
	cacheBytes := fset.Int64("cache_bytes", 512<<20, "decompressed block cache budget")
	workers := fset.Int("workers", 2, "decode worker count")
	readahead := fset.Int64("readahead_bytes", 0, "readahead budget in bytes")
	seqThreshold := fset.Int("seq_detector_threshold", 4, "consecutive sequential reads before readahead fires")
	enableNlink := fset.Bool("enable_nlink", false, "compute accurate st_nlink (costs one pass over the inode table at mount)")
	pageLock := fset.String("page_lock", "none", "mlock the image mapping: none, try, or must")
	imageOffset := fset.Int64("image_offset", int64(dwarfs.ImageOffsetAuto), "byte offset of the image within the file, or -1 to auto-scan")
	initWorkers := fset.Bool("init_workers", true, "spawn decode worker goroutines immediately; set false to defer to after mount, for drivers that fork before serving")
	fset.Usage = func() {
		os.Stderr.WriteString("usage: dwarfs-fuse [flags] <image> <mountpoint>\n")
		fset.PrintDefaults()
	}
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 2 {
		fset.Usage()
		return xerrors.Errorf("expected exactly 2 positional arguments, got %d", fset.NArg())
	}
	imagePath, mountpoint := fset.Arg(0), fset.Arg(1)

	cfg := dwarfs.DefaultConfig()
	cfg.CacheBytes = *cacheBytes
	cfg.Workers = *workers
	cfg.ReadaheadBytes = *readahead
	cfg.SeqThreshold = *seqThreshold
	cfg.EnableNlink = *enableNlink
	cfg.ImageOffset = *imageOffset
	cfg.InitWorkers = *initWorkers
	switch *pageLock {
	case "none":
		cfg.PageLock = dwarfs.MlockNone
	case "try":
		cfg.PageLock = dwarfs.MlockTry
	case "must":
		cfg.PageLock = dwarfs.MlockMust
	default:
		return xerrors.Errorf("invalid -page_lock %q", *pageLock)
	}

	img, err := image.Open(imagePath, cfg)
	if err != nil {
		return xerrors.Errorf("opening image: %w", err)
	}
	defer img.Close()

	view, err := metadata.Open(img.Metadata(), img.NumBlocks(), img.Header().BlockSize(), cfg.EnableNlink)
	if err != nil {
		return xerrors.Errorf("parsing metadata: %w", err)
	}

	cache := blockcache.New(img, cfg.Workers, cfg.CacheBytes, cfg.InitWorkers)
	defer cache.Close()
	cache.SetTidy(blockcache.TidyConfig{Policy: toTidyPolicy(cfg.TidyStrategy), Interval: cfg.TidyInterval, MaxAge: cfg.TidyMaxAge})

	reader := inodereader.New(view, cache, img.Header().BlockSize(), cfg.ReadaheadBytes, cfg.SeqThreshold)
	facade := fs.New(view, img, reader, 0, os.Getpid(), false)

	join, err := fuse.Mount(context.Background(), facade, cfg.CacheFiles, []string{mountpoint})
	if err != nil {
		return xerrors.Errorf("mounting: %w", err)
	}
	// With -init_workers=false the cache's decode goroutines are not
	// spawned until here, after the filesystem is fully constructed and
	// mounted but before it serves a single request — the window a
	// daemonizing driver uses to fork.
	cache.Start()
	return join(context.Background())
}

func toTidyPolicy(s dwarfs.TidyStrategy) blockcache.TidyPolicy {
	switch s {
	case dwarfs.TidyExpiryTime:
		return blockcache.TidyExpiryTime
	case dwarfs.TidyBlockSwappedOut:
		return blockcache.TidyBlockSwappedOut
	default:
		return blockcache.TidyNone
	}
}
