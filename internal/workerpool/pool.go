// Package workerpool runs decode and prefetch jobs on a small fixed set
// of goroutines draining a priority queue, the way internal/batch's
// scheduler drains its build queue with a fixed worker count (spec.md
// §4.4).
package workerpool

import (
	"container/heap"
	"sync"

	"github.com/mindfocus/dwarfs"
)

// Priority distinguishes foreground (user-visible read) jobs from
// background (readahead, tidy) jobs. Foreground jobs always run before
// any queued background job.
type Priority int

const (
	Background Priority = iota
	Foreground
)

// Job is a unit of work submitted to the pool. Cancelled is consulted
// by long-running jobs that can check for cancellation partway through;
// the pool itself never interrupts a running job.
type Job struct {
	Run       func(cancelled func() bool)
	priority  Priority
	seq       int64 // submission order, for FIFO within a priority class
	cancelled bool
	mu        *sync.Mutex
}

// Handle lets a caller cancel a queued job before it starts running.
// Cancelling a job that has already started has no effect: Run's
// cancelled() callback is the only way to observe it from inside.
type Handle struct {
	job *Job
}

// Cancel marks the job cancelled. If it has not started running, the
// worker that pops it skips Run entirely.
func (h Handle) Cancel() {
	h.job.mu.Lock()
	h.job.cancelled = true
	h.job.mu.Unlock()
}

// jobQueue is a container/heap priority queue ordered by (priority desc,
// seq asc): foreground jobs sort ahead of background jobs, and within a
// priority class, submission order is preserved.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }
func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q jobQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*Job)) }
func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Pool is a bounded set of goroutines draining a priority job queue.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    jobQueue
	nextSeq  int64
	stopped  bool
	draining bool
	workers  int
	wg       sync.WaitGroup
	started  bool
}

// New creates a pool with the given worker count. If initWorkers is
// false, workers are not spawned until Start is called, matching the
// init_workers=false contract the facade needs for FUSE drivers that
// daemonize by forking after mount (spec.md §4.4).
func New(workers int, initWorkers bool) *Pool {
	if workers <= 0 {
		workers = 2
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	if initWorkers {
		p.Start()
	}
	return p
}

// Start spawns the worker goroutines. It is a no-op if already started.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues run at priority prio and returns a Handle that can
// cancel it before it starts.
func (p *Pool) Submit(prio Priority, run func(cancelled func() bool)) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return Handle{}, dwarfs.Errorf(dwarfs.ResourceExhausted, nil, "worker pool stopped")
	}
	j := &Job{Run: run, priority: prio, seq: p.nextSeq, mu: &sync.Mutex{}}
	p.nextSeq++
	heap.Push(&p.queue, j)
	p.cond.Signal()
	return Handle{job: j}, nil
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.mu.Unlock()
			return
		}
		j := heap.Pop(&p.queue).(*Job)
		if p.stopped && p.draining && j.priority == Background {
			// Stop drops queued background work outright.
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		j.mu.Lock()
		cancelled := j.cancelled
		j.mu.Unlock()
		if cancelled {
			continue
		}
		j.Run(func() bool {
			j.mu.Lock()
			defer j.mu.Unlock()
			return j.cancelled
		})
	}
}

// Stop drains the queue (dropping queued background jobs, letting
// queued foreground jobs complete), wakes every worker, and blocks
// until all workers have joined. In-flight jobs always run to
// completion (spec.md §4.4).
func (p *Pool) Stop() {
	p.mu.Lock()
	p.draining = true
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Len reports the number of jobs currently queued (not running).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
