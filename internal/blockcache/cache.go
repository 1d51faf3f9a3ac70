// Package blockcache is the concurrency heart of the filesystem: a
// reference-counted, single-flighted cache of decompressed blocks,
// admitted under an LRU-ish budget and tidied by a background policy.
// It is grounded in internal/batch's fixed-worker-pool idiom (spec.md
// §4.5) combined with golang.org/x/sync/singleflight for load
// coalescing, a pairing this corpus never needed but whose pieces both
// come from the corpus: errgroup's sibling package for single-flight,
// the teacher's worker-pool shape for decode execution.
package blockcache

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mindfocus/dwarfs"
	"github.com/mindfocus/dwarfs/internal/codec"
	"github.com/mindfocus/dwarfs/internal/image"
	"github.com/mindfocus/dwarfs/internal/workerpool"
	"golang.org/x/sync/singleflight"
)

// blockSource is the minimal view of the image map the cache needs, so
// tests can substitute a fixture without building a real mapped image.
type blockSource interface {
	BlockSpan(blockID uint32) (compressed []byte, codecTag uint8, decodedLength int64, err error)
	NumBlocks() uint32
}

// TidyPolicy selects how the background tidy timer decides what to
// evict between budget-triggered passes.
type TidyPolicy int

const (
	TidyNone TidyPolicy = iota
	TidyExpiryTime
	TidyBlockSwappedOut
)

// TidyConfig configures the periodic background tidy pass.
type TidyConfig struct {
	Policy   TidyPolicy
	Interval time.Duration
	MaxAge   time.Duration
}

type entry struct {
	blockID    uint32
	buf        []byte
	pinned     int32
	lastAccess int64 // unix nanos, accessed atomically
	anon       bool  // buf came from image.AllocBuffer
}

// Stats holds running counters for the cache's observability
// collaborator (spec.md §4.5).
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Resident  int64

	latencyMu sync.Mutex
	latency   [6]uint64 // buckets: <1ms <4ms <16ms <64ms <256ms >=256ms
}

func (s *Stats) recordLatency(d time.Duration) {
	ms := d.Milliseconds()
	idx := 5
	switch {
	case ms < 1:
		idx = 0
	case ms < 4:
		idx = 1
	case ms < 16:
		idx = 2
	case ms < 64:
		idx = 3
	case ms < 256:
		idx = 4
	}
	s.latencyMu.Lock()
	s.latency[idx]++
	s.latencyMu.Unlock()
}

// Snapshot is a point-in-time copy of Stats safe to read without racing
// further updates.
type Snapshot struct {
	Hits, Misses, Evictions uint64
	Resident                int64
	LatencyBuckets          [6]uint64
}

func (s *Stats) Snapshot() Snapshot {
	s.latencyMu.Lock()
	lb := s.latency
	s.latencyMu.Unlock()
	return Snapshot{
		Hits:           atomic.LoadUint64(&s.Hits),
		Misses:         atomic.LoadUint64(&s.Misses),
		Evictions:      atomic.LoadUint64(&s.Evictions),
		Resident:       atomic.LoadInt64(&s.Resident),
		LatencyBuckets: lb,
	}
}

// Cache is a reference-counted decompressed-block cache over an image's
// block index, bounded by a byte budget and tidied under one of
// TidyPolicy's strategies.
type Cache struct {
	src blockSource

	mu      sync.Mutex
	entries map[uint32]*entry
	budget  int64

	pool *workerpool.Pool
	sf   singleflight.Group

	tidyMu   sync.Mutex
	tidy     TidyConfig
	tidyStop chan struct{}
	tidyDone chan struct{}

	Stats Stats
}

// New builds a cache reading blocks from src, running decode jobs on a
// pool of workers workers wide, under budget bytes of resident data.
// initWorkers controls whether the pool's goroutines are spawned
// immediately or deferred until Start is called (spec.md §4.4's
// init_workers contract, for host drivers that fork after constructing
// the filesystem but before serving requests).
func New(src blockSource, workers int, budget int64, initWorkers bool) *Cache {
	c := &Cache{
		src:     src,
		entries: make(map[uint32]*entry),
		budget:  budget,
		pool:    workerpool.New(workers, initWorkers),
	}
	return c
}

// Start spawns the cache's decode worker goroutines if they were
// deferred by passing initWorkers=false to New. It is a no-op if the
// pool is already running.
func (c *Cache) Start() {
	c.pool.Start()
}

// Handle is a pinned reference to a ready block. Release it exactly
// once when done reading from Bytes.
type Handle struct {
	c     *Cache
	entry *entry
}

// Bytes returns the decompressed block contents. The slice is valid
// until Release is called.
func (h Handle) Bytes() []byte { return h.entry.buf }

// Release decrements the handle's pin count. The block becomes
// evictable once every outstanding handle for it has been released.
func (h Handle) Release() {
	atomic.AddInt32(&h.entry.pinned, -1)
}

// SetBudget changes the resident-byte budget, running tidy immediately
// if the cache is now over budget.
func (c *Cache) SetBudget(bytes int64) {
	c.mu.Lock()
	c.budget = bytes
	c.mu.Unlock()
	c.tidyLocked()
}

// SetWorkers changes the decode worker pool size. Existing in-flight
// jobs are unaffected; a new pool is swapped in for future jobs.
func (c *Cache) SetWorkers(n int) {
	old := c.pool
	c.pool = workerpool.New(n, true)
	old.Stop()
}

// SetTidy installs a new background tidy policy, replacing any running
// timer.
func (c *Cache) SetTidy(cfg TidyConfig) {
	c.tidyMu.Lock()
	defer c.tidyMu.Unlock()
	if c.tidyStop != nil {
		close(c.tidyStop)
		<-c.tidyDone
		c.tidyStop = nil
		c.tidyDone = nil
	}
	c.tidy = cfg
	if cfg.Policy == TidyNone || cfg.Interval <= 0 {
		return
	}
	c.tidyStop = make(chan struct{})
	c.tidyDone = make(chan struct{})
	go c.tidyLoop(cfg, c.tidyStop, c.tidyDone)
}

func (c *Cache) tidyLoop(cfg TidyConfig, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.periodicTidy(cfg)
		}
	}
}

func (c *Cache) periodicTidy(cfg TidyConfig) {
	switch cfg.Policy {
	case TidyExpiryTime:
		c.evictExpired(cfg.MaxAge)
	case TidyBlockSwappedOut:
		if !c.evictSwappedOut() {
			c.evictExpired(cfg.MaxAge)
		}
	}
}

func (c *Cache) evictExpired(maxAge time.Duration) {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if atomic.LoadInt32(&e.pinned) != 0 {
			continue
		}
		age := time.Duration(now - atomic.LoadInt64(&e.lastAccess))
		if age >= maxAge {
			c.removeLocked(id, e)
		}
	}
}

// evictSwappedOut evicts every unpinned entry the kernel reports as
// swapped out. It returns false if residency queries are unsupported on
// this host, signalling the caller to degrade to ExpiryTime (spec.md
// §4.5).
func (c *Cache) evictSwappedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sawAny := false
	for id, e := range c.entries {
		if !e.anon {
			continue
		}
		resident, ok := image.Resident(e.buf)
		if !ok {
			continue
		}
		sawAny = true
		if atomic.LoadInt32(&e.pinned) != 0 {
			continue
		}
		if !resident {
			c.removeLocked(id, e)
		}
	}
	return sawAny
}

// Get returns a pinned handle to blockID, decoding it on demand at the
// given priority. It blocks until the block is ready.
func (c *Cache) Get(blockID uint32, prio workerpool.Priority) (Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[blockID]; ok {
		atomic.AddInt32(&e.pinned, 1)
		atomic.StoreInt64(&e.lastAccess, time.Now().UnixNano())
		c.mu.Unlock()
		atomic.AddUint64(&c.Stats.Hits, 1)
		return Handle{c: c, entry: e}, nil
	}
	c.mu.Unlock()
	atomic.AddUint64(&c.Stats.Misses, 1)

	e, ownPinPending, err := c.load(blockID, prio)
	if err != nil {
		return Handle{}, err
	}
	if ownPinPending {
		atomic.AddInt32(&e.pinned, 1)
	}
	return Handle{c: c, entry: e}, nil
}

// TryGet is the non-blocking form of Get: if blockID is not already
// ready, it kicks off a background load and returns immediately with
// ok=false instead of waiting.
func (c *Cache) TryGet(blockID uint32) (h Handle, ok bool) {
	c.mu.Lock()
	e, present := c.entries[blockID]
	if present {
		atomic.AddInt32(&e.pinned, 1)
		atomic.StoreInt64(&e.lastAccess, time.Now().UnixNano())
	}
	c.mu.Unlock()
	if present {
		atomic.AddUint64(&c.Stats.Hits, 1)
		return Handle{c: c, entry: e}, true
	}
	atomic.AddUint64(&c.Stats.Misses, 1)
	c.Prefetch(blockID)
	return Handle{}, false
}

// Prefetch best-effort loads blockID in the background. It never
// blocks the caller; a decode error is logged and otherwise dropped (a
// later foreground Get will surface it).
func (c *Cache) Prefetch(blockID uint32) {
	c.mu.Lock()
	_, ok := c.entries[blockID]
	c.mu.Unlock()
	if ok {
		return
	}
	go func() {
		e, ownPinPending, err := c.load(blockID, workerpool.Background)
		if err != nil {
			log.Printf("blockcache: prefetch of block %d failed: %v", blockID, err)
			return
		}
		if !ownPinPending {
			// We decoded this block ourselves and decode seeded our
			// own pin to survive the insert-then-tidy window; nothing
			// here wants a lasting handle, so release it now that the
			// entry has settled into the cache.
			atomic.AddInt32(&e.pinned, -1)
		}
	}()
}

// loadResult is what a load flight's closure hands back through
// singleflight: fresh distinguishes "I decoded this block just now" (its
// pin accounting is the leader's to resolve) from "I found it already
// resident" (every caller, leader or follower, must claim its own pin).
type loadResult struct {
	e     *entry
	fresh bool
}

// load performs a single-flighted decode of blockID: concurrent callers
// for the same block share one decode and observe the same result
// (spec.md §4.5, "Single-flight").
//
// A freshly decoded entry is created already pinned once (see decode),
// so it cannot be evicted by this same flight's own admission-time
// tidyLocked call before anyone has had a chance to claim a pin for
// their own handle. ownPinPending tells the caller whether it still
// needs to add its own pin: false only for the single goroutine whose
// closure actually ran the decode (it already owns the seeded pin),
// true for every dedup follower and for a re-check hit on an
// already-resident entry (whose seed pin, if any, was already resolved
// by its own original flight).
func (c *Cache) load(blockID uint32, prio workerpool.Priority) (e *entry, ownPinPending bool, err error) {
	key := blockKey(blockID)
	ranByMe := false
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		ranByMe = true

		// Re-check: another flight may have inserted this entry
		// between the miss check in Get and here.
		c.mu.Lock()
		if existing, ok := c.entries[blockID]; ok {
			c.mu.Unlock()
			return loadResult{e: existing, fresh: false}, nil
		}
		c.mu.Unlock()

		type result struct {
			e   *entry
			err error
		}
		resultCh := make(chan result, 1)
		_, submitErr := c.pool.Submit(prio, func(cancelled func() bool) {
			start := time.Now()
			e, err := c.decode(blockID)
			if err == nil {
				c.Stats.recordLatency(time.Since(start))
			}
			resultCh <- result{e: e, err: err}
		})
		if submitErr != nil {
			return nil, submitErr
		}
		r := <-resultCh
		if r.err != nil {
			return nil, r.err
		}

		c.mu.Lock()
		c.entries[blockID] = r.e
		atomic.AddInt64(&c.Stats.Resident, int64(len(r.e.buf)))
		c.mu.Unlock()
		c.tidyLocked()
		return loadResult{e: r.e, fresh: true}, nil
	})
	if err != nil {
		return nil, false, err
	}
	lr := v.(loadResult)
	if lr.fresh && ranByMe {
		return lr.e, false, nil
	}
	return lr.e, true, nil
}

// decode seeds the new entry with pinned: 1 so it survives this same
// call's own admission-time tidyLocked pass (spec.md §3 invariant 4,
// §8 "Pin safety") before load's caller has had any chance to pin it
// for a handle. Whoever owns that seed (load's ranByMe leader) decides
// whether to keep it as its own handle's pin or release it.
func (c *Cache) decode(blockID uint32) (*entry, error) {
	if blockID >= c.src.NumBlocks() {
		return nil, dwarfs.Errorf(dwarfs.InvalidArgument, nil, "block id %d >= num_blocks %d", blockID, c.src.NumBlocks())
	}
	span, tag, decodedLength, err := c.src.BlockSpan(blockID)
	if err != nil {
		return nil, err
	}
	buf, anon, err := c.allocAndDecode(codec.Tag(tag), span, int(decodedLength))
	if err != nil {
		return nil, err
	}
	return &entry{blockID: blockID, buf: buf, pinned: 1, lastAccess: time.Now().UnixNano(), anon: anon}, nil
}

// allocAndDecode decodes span into a fresh buffer of exactly
// decodedLength bytes. It tries an anonymous-mmap buffer first (so the
// BlockSwappedOut tidy policy can later query residency on it); if
// allocation fails it falls back to a plain heap buffer from Decode.
func (c *Cache) allocAndDecode(tag codec.Tag, span []byte, decodedLength int) (buf []byte, anon bool, err error) {
	out, aerr := image.AllocBuffer(decodedLength)
	if aerr == nil {
		if derr := codec.DecodeInto(tag, span, out); derr != nil {
			image.FreeBuffer(out)
			return nil, false, derr
		}
		return out, true, nil
	}
	out, err = codec.Decode(tag, span, decodedLength)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

func (c *Cache) tidyLocked() {
	c.mu.Lock()
	budget := c.budget
	resident := atomic.LoadInt64(&c.Stats.Resident)
	if resident <= budget {
		c.mu.Unlock()
		return
	}
	type cand struct {
		id uint32
		e  *entry
	}
	cands := make([]cand, 0, len(c.entries))
	for id, e := range c.entries {
		if atomic.LoadInt32(&e.pinned) == 0 {
			cands = append(cands, cand{id, e})
		}
	}
	// Tie-break: smaller pinned count first (all zero here already),
	// then larger block id first, within equal last-access timestamps.
	sort.Slice(cands, func(i, j int) bool {
		ai := atomic.LoadInt64(&cands[i].e.lastAccess)
		aj := atomic.LoadInt64(&cands[j].e.lastAccess)
		if ai != aj {
			return ai < aj
		}
		return cands[i].id > cands[j].id
	})
	for _, cd := range cands {
		if atomic.LoadInt64(&c.Stats.Resident) <= budget {
			break
		}
		c.removeLocked(cd.id, cd.e)
	}
	c.mu.Unlock()
}

// removeLocked deletes id from the entry map and accounts for the freed
// bytes. Callers must hold c.mu.
func (c *Cache) removeLocked(id uint32, e *entry) {
	delete(c.entries, id)
	atomic.AddInt64(&c.Stats.Resident, -int64(len(e.buf)))
	atomic.AddUint64(&c.Stats.Evictions, 1)
	if e.anon {
		image.FreeBuffer(e.buf)
	}
}

func blockKey(blockID uint32) string {
	return string([]byte{
		byte(blockID), byte(blockID >> 8), byte(blockID >> 16), byte(blockID >> 24),
	})
}

// Close stops the worker pool and any background tidy timer, then drops
// every entry and unmaps its anon buffer, pinned or not. Handles still
// outstanding at that point refer to freed memory. The image map's Close
// (which unmaps the compressed image) is separate.
func (c *Cache) Close() error {
	c.SetTidy(TidyConfig{})
	c.pool.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if e.anon {
			image.FreeBuffer(e.buf)
		}
		delete(c.entries, id)
	}
	return nil
}
