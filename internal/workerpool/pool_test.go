package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestForegroundJumpsBackground(t *testing.T) {
	t.Parallel()

	p := New(1, false)
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	// The single worker is not spawned until Start, so all three jobs
	// pile up in submission order first, letting priority reordering
	// happen entirely inside the queue.
	var wg sync.WaitGroup
	wg.Add(3)
	for _, name := range []string{"bg1", "bg2"} {
		name := name
		if _, err := p.Submit(Background, func(cancelled func() bool) {
			record(name)
			wg.Done()
		}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := p.Submit(Foreground, func(cancelled func() bool) {
		record("fg")
		wg.Done()
	}); err != nil {
		t.Fatal(err)
	}

	p.Start()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if order[0] != "fg" {
		t.Fatalf("expected foreground job first, got order %v", order)
	}
}

func TestStopDropsQueuedBackgroundJobs(t *testing.T) {
	t.Parallel()

	p := New(1, false)
	block := make(chan struct{})
	started := make(chan struct{})
	if _, err := p.Submit(Foreground, func(cancelled func() bool) {
		close(started)
		<-block
	}); err != nil {
		t.Fatal(err)
	}

	var bgRan atomic.Bool
	if _, err := p.Submit(Background, func(cancelled func() bool) {
		bgRan.Store(true)
	}); err != nil {
		t.Fatal(err)
	}

	p.Start()
	<-started

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	// Release the foreground job only once Stop has marked the pool
	// stopped, so the background job is still queued when Stop runs.
	for {
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(block)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	if bgRan.Load() {
		t.Fatal("queued background job ran after Stop")
	}
}

func TestCancelBeforeRun(t *testing.T) {
	t.Parallel()

	p := New(1, false)
	block := make(chan struct{})
	started := make(chan struct{})
	if _, err := p.Submit(Foreground, func(cancelled func() bool) {
		close(started)
		<-block
	}); err != nil {
		t.Fatal(err)
	}

	var ran atomic.Bool
	h, err := p.Submit(Background, func(cancelled func() bool) {
		ran.Store(true)
	})
	if err != nil {
		t.Fatal(err)
	}
	h.Cancel()

	p.Start()
	<-started
	close(block)
	p.Stop()

	if ran.Load() {
		t.Fatal("cancelled job ran")
	}
}
