// Package dwarfs provides the read-only, content-addressed filesystem core
// described in the specification: an image map, block decoder, metadata
// view, worker pool, block cache, sequential-access detector, inode reader
// and a filesystem facade that a host driver (see package fuse) adapts to
// its syscall surface.
package dwarfs

import "time"

// MlockMode controls whether the image map pins pages in RAM.
type MlockMode int

const (
	MlockNone MlockMode = iota
	MlockTry
	MlockMust
)

// TidyStrategy selects how the block cache periodically evicts unused
// blocks in the background, independent of budget-triggered eviction.
type TidyStrategy int

const (
	TidyNone TidyStrategy = iota
	TidyExpiryTime
	TidyBlockSwappedOut
)

// ImageOffsetAuto requests that the image map scan for the magic rather
// than use a fixed prelude offset.
const ImageOffsetAuto int64 = -1

// Config collects the runtime options listed in spec.md §6. Every field
// has the documented default via DefaultConfig.
type Config struct {
	CacheBytes     int64
	BlockSize      int64 // informational; the image header is authoritative
	ReadaheadBytes int64
	Workers        int
	PageLock       MlockMode
	DecompressRatio float64
	ImageOffset    int64 // ImageOffsetAuto to scan for the magic
	TidyStrategy   TidyStrategy
	TidyInterval   time.Duration
	TidyMaxAge     time.Duration
	SeqThreshold   int
	EnableNlink    bool
	ReadOnly       bool
	CacheImage     bool
	CacheFiles     bool

	// InitWorkers, when false, lets a caller construct the filesystem
	// (and its worker pool) before spawning worker goroutines — a
	// necessary accommodation for host drivers that fork after
	// constructing the filesystem but before serving requests.
	InitWorkers bool
}

// DefaultConfig returns the configuration defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		CacheBytes:      512 << 20,
		BlockSize:       512 << 10,
		ReadaheadBytes:  0,
		Workers:         2,
		PageLock:        MlockNone,
		DecompressRatio: 0.8,
		ImageOffset:     0,
		TidyStrategy:    TidyNone,
		TidyInterval:    5 * time.Minute,
		TidyMaxAge:      10 * time.Minute,
		SeqThreshold:    4,
		EnableNlink:     false,
		ReadOnly:        true,
		CacheImage:      true,
		CacheFiles:      false,
		InitWorkers:     true,
	}
}
