// Package inodereader implements the read(2) algorithm: walking an
// inode's chunk list, pulling each touched block through the cache
// exactly once, and assembling a scatter-gather reply (spec.md §4.7).
package inodereader

import (
	"sort"

	"github.com/mindfocus/dwarfs/internal/blockcache"
	"github.com/mindfocus/dwarfs/internal/metadata"
	"github.com/mindfocus/dwarfs/internal/seqdetector"
	"github.com/mindfocus/dwarfs/internal/workerpool"
)

// Segment is one piece of a scatter-gather reply: a span within a
// pinned block buffer.
type Segment struct {
	data []byte
}

// Bytes returns this segment's contribution to the reply.
func (s Segment) Bytes() []byte { return s.data }

// Reply is the result of a Read call: an ordered list of segments whose
// concatenation is the requested byte range (short at EOF), plus the
// set of pinned block handles backing those segments — one handle per
// distinct block touched, regardless of how many chunks within that
// block contributed a segment. Release must be called exactly once,
// after the caller is done copying out of the segments.
type Reply struct {
	Segments []Segment
	handles  []blockcache.Handle
	N        int // total bytes across all segments
}

// Release returns every pinned block handle the reply is holding.
func (r Reply) Release() {
	for _, h := range r.handles {
		h.Release()
	}
}

// chunkSource is the subset of *metadata.View the reader needs.
type chunkSource interface {
	Chunks(ino uint32) ([]metadata.Chunk, error)
}

// Reader answers Read requests against a chunk list and a block cache,
// feeding a per-inode sequential-access detector and triggering
// readahead when it fires.
type Reader struct {
	meta      chunkSource
	cache     *blockcache.Cache
	detectors *seqdetector.Registry
	blockSize int64
	readahead int64 // bytes; derives how many blocks to prefetch
}

// New builds a Reader. readaheadBytes is the configured readahead
// budget (spec.md §6's readahead_bytes); seqThreshold is the detector's
// fire threshold.
func New(meta chunkSource, cache *blockcache.Cache, blockSize int64, readaheadBytes int64, seqThreshold int) *Reader {
	return &Reader{
		meta:      meta,
		cache:     cache,
		detectors: seqdetector.NewRegistry(seqThreshold),
		blockSize: blockSize,
		readahead: readaheadBytes,
	}
}

// CloseFile discards the sequential-access detector for ino (spec.md
// §4.6: "evicted when the caller closes the file").
func (r *Reader) CloseFile(ino uint32) {
	r.detectors.Close(ino)
}

// Read resolves ino's chunk list and returns a Reply covering
// [offset, offset+length) (truncated at EOF, zero bytes if offset is at
// or past EOF). The caller must call Reply.Release once done.
func (r *Reader) Read(ino uint32, offset int64, length int64) (Reply, error) {
	chunks, err := r.meta.Chunks(ino)
	if err != nil {
		return Reply{}, err
	}
	if length <= 0 || len(chunks) == 0 {
		return Reply{}, nil
	}

	extents := chunkExtents(chunks)
	start := sort.Search(len(extents), func(i int) bool {
		return extents[i].end > offset
	})
	if start == len(extents) {
		return Reply{}, nil // offset at or past EOF
	}

	d := r.detectors.Get(ino)
	fire := d.Observe(offset, length)

	var reply Reply
	want := length
	pos := offset
	handles := make(map[uint32]blockcache.Handle, 4)
	touchedBlocks := make([]uint32, 0, 4)

	for i := start; i < len(extents) && want > 0; i++ {
		e := extents[i]
		if pos >= e.end {
			continue
		}
		chunkOff := pos - e.start
		n := e.chunk.Length - uint32(chunkOff)
		if int64(n) > want {
			n = uint32(want)
		}

		h, ok := handles[e.chunk.BlockID]
		if !ok {
			h, err = r.cache.Get(e.chunk.BlockID, workerpool.Foreground)
			if err != nil {
				reply.Release()
				return Reply{}, err
			}
			handles[e.chunk.BlockID] = h
			touchedBlocks = append(touchedBlocks, e.chunk.BlockID)
			reply.handles = append(reply.handles, h)
		}

		buf := h.Bytes()
		blockOff := int64(e.chunk.Offset) + chunkOff
		reply.Segments = append(reply.Segments, Segment{data: buf[blockOff : blockOff+int64(n)]})
		reply.N += int(n)
		pos += int64(n)
		want -= int64(n)
	}

	// If want is still > 0 here, the chunk list ran out before length
	// bytes were gathered (the caller asked for bytes past EOF). reply.N
	// already reflects only the bytes actually available; no padding.

	if fire {
		r.triggerReadahead(ino, d, touchedBlocks)
	}

	return reply, nil
}

// triggerReadahead best-effort prefetches the blocks immediately after
// the ones just touched, sized by the readahead byte budget.
func (r *Reader) triggerReadahead(ino uint32, d *seqdetector.Detector, touched []uint32) {
	if r.readahead <= 0 || len(touched) == 0 || r.blockSize <= 0 {
		return
	}
	n := int(r.readahead / r.blockSize)
	if n <= 0 {
		n = 1
	}
	next := touched[len(touched)-1] + 1
	for i := 0; i < n; i++ {
		r.cache.Prefetch(next + uint32(i))
	}
}

type extent struct {
	start, end int64
	chunk      metadata.Chunk
}

// chunkExtents converts a chunk list into byte-offset extents within
// the file's logical address space, so Read can binary-search for the
// chunk containing offset.
func chunkExtents(chunks []metadata.Chunk) []extent {
	out := make([]extent, len(chunks))
	var pos int64
	for i, c := range chunks {
		out[i] = extent{start: pos, end: pos + int64(c.Length), chunk: c}
		pos += int64(c.Length)
	}
	return out
}
