// Package seqdetector watches the read pattern of an open file and
// decides when to trigger readahead, the way a disk scheduler's
// sequential-access heuristic does (spec.md §4.6). It is grounded in
// the small, single-purpose state-machine style of the teacher's
// internal/oninterrupt package: no dependencies, just a mutex-guarded
// struct.
package seqdetector

import "sync"

// Detector tracks recent read ranges for one open file and reports when
// enough consecutive, adjacent-or-overlapping reads have been observed
// to justify prefetching ahead.
type Detector struct {
	mu        sync.Mutex
	threshold int
	streak    int
	lastEnd   int64
	armed     bool
}

// New creates a Detector that fires once threshold consecutive
// sequential reads have been observed.
func New(threshold int) *Detector {
	if threshold <= 0 {
		threshold = 4
	}
	return &Detector{threshold: threshold}
}

// Observe records a read of [offset, offset+length) and reports whether
// the streak has just reached (or continues past) the threshold. A read
// that is not adjacent to or overlapping the previous one resets the
// streak.
func (d *Detector) Observe(offset, length int64) (fire bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sequential := d.armed && offset <= d.lastEnd
	if sequential {
		d.streak++
	} else {
		d.streak = 1
	}
	d.armed = true
	end := offset + length
	if end > d.lastEnd || !sequential {
		d.lastEnd = end
	}
	return d.streak >= d.threshold
}

// LastEnd returns the byte offset one past the furthest end reached by
// the current streak (for a streak of one, the end of that read).
func (d *Detector) LastEnd() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEnd
}

// Reset clears the streak, as if the file had just been opened, so a
// detector can be reused. Registry.Close does not call it; it discards
// the detector instead.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streak = 0
	d.lastEnd = 0
	d.armed = false
}
