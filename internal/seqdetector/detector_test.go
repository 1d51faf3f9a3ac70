package seqdetector

import "testing"

func TestObserveFiresAfterThreshold(t *testing.T) {
	t.Parallel()
	d := New(3)
	if d.Observe(0, 10) {
		t.Fatal("fired after 1 sequential read, want not yet")
	}
	if d.Observe(10, 10) {
		t.Fatal("fired after 2 sequential reads, want not yet")
	}
	if !d.Observe(20, 10) {
		t.Fatal("did not fire after 3 sequential reads")
	}
	if d.LastEnd() != 30 {
		t.Fatalf("LastEnd() = %d, want 30", d.LastEnd())
	}
}

func TestObserveResetsOnNonSequentialRead(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.Observe(0, 10)
	if d.Observe(1000, 10) {
		t.Fatal("non-adjacent read should reset the streak, not fire")
	}
	if !d.Observe(1010, 10) {
		t.Fatal("second consecutive read after reset should fire at threshold 2")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.Observe(0, 10)
	d.Reset()
	if d.Observe(1000, 10) {
		t.Fatal("fired after reset on the first observation")
	}
}

func TestRegistryLazyCreateAndClose(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(4)
	d1 := reg.Get(1)
	d2 := reg.Get(1)
	if d1 != d2 {
		t.Fatal("Get should return the same detector for the same inode")
	}
	reg.Close(1)
	d3 := reg.Get(1)
	if d3 == d1 {
		t.Fatal("Get after Close should return a fresh detector")
	}
}
