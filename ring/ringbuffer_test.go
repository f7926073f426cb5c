package ring

import (
	"sync"
	"testing"
)

func TestClaimCommitPeekWaste(t *testing.T) {
	r := New[int](8, 1)
	it := r.Claim(1)
	r.Commit(it, 42)

	_, vals, n := r.Peek(0)
	if n != 1 || vals[0] != 42 {
		t.Fatalf("expected to peek [42], got %v (n=%d)", vals, n)
	}
	r.WasteAfterPeek(0, n)
	if r.ReadSeq(0) != 1 {
		t.Fatalf("expected read seq 1 after waste, got %d", r.ReadSeq(0))
	}
}

func TestCommitRangeInOrderVisibility(t *testing.T) {
	r := New[int](8, 1)
	it := r.Claim(4)
	r.CommitRange(it, func(offset uint64, slot *int) {
		*slot = int(it.Begin + offset)
	})
	_, vals, n := r.Peek(0)
	if n != 4 {
		t.Fatalf("expected 4 ready slots, got %d", n)
	}
	for i, v := range vals {
		if v != i {
			t.Fatalf("slot %d: want %d got %d", i, i, v)
		}
	}
}

// TestRingStress: two producers each issuing
// 1e5 claims of one slot, a single reader draining continuously. The
// final read sequence must equal the total claimed count, with no slot
// observed out of order or twice.
func TestRingStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	const perProducer = 100000
	const capacity = 1024
	r := New[uint64](capacity, 1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	for p := 0; p < 2; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				it := r.Claim(1)
				r.Commit(it, it.Begin)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	var consumed uint64
	var lastSeen = ^uint64(0)
	for {
		_, vals, n := r.Peek(0)
		if n > 0 {
			for _, v := range vals {
				if lastSeen != ^uint64(0) && v != lastSeen+1 {
					t.Fatalf("out of order delivery: last=%d got=%d", lastSeen, v)
				}
				lastSeen = v
			}
			r.WasteAfterPeek(0, n)
			consumed += uint64(n)
		}
		select {
		case <-done:
			// Drain whatever remains.
			_, vals, n := r.Peek(0)
			if n > 0 {
				for _, v := range vals {
					if v != lastSeen+1 {
						t.Fatalf("out of order delivery at drain: last=%d got=%d", lastSeen, v)
					}
					lastSeen = v
				}
				r.WasteAfterPeek(0, n)
				consumed += uint64(n)
			}
			if consumed != 2*perProducer {
				t.Fatalf("expected to consume %d, got %d", 2*perProducer, consumed)
			}
			return
		default:
		}
	}
}

// TestSlowReaderPurge: three readers on a
// capacity-4 ring, one reader stalls, purge must kill exactly that
// reader and the ring must resume accepting writes.
func TestSlowReaderPurge(t *testing.T) {
	r := New[int](4, 3)

	// Readers 0 and 1 keep pace; reader 2 never advances.
	for i := 0; i < 4; i++ {
		it := r.Claim(1)
		r.Commit(it, i)
		_, _, n0 := r.Peek(0)
		r.WasteAfterPeek(0, n0)
		_, _, n1 := r.Peek(1)
		r.WasteAfterPeek(1, n1)
	}

	killed := r.Purge()
	if killed != 0b100 {
		t.Fatalf("expected purge to kill only reader 2 (bitmask 0b100), got %b", killed)
	}
	if !r.IsDead(2) {
		t.Fatal("expected reader 2 to be dead after purge")
	}

	// Ring must resume accepting writes now that the slow reader is gone.
	it := r.Claim(1)
	r.Commit(it, 99)
}

func TestMarkDeadExcludesFromGating(t *testing.T) {
	r := New[int](4, 2)
	r.MarkDead(1)

	// Producer should never block on a dead reader: fill past capacity
	// using only reader 0's pace.
	for i := 0; i < 4; i++ {
		it := r.Claim(1)
		r.Commit(it, i)
		_, _, n := r.Peek(0)
		r.WasteAfterPeek(0, n)
	}
}

// TestNewHistoryOnlyNeverBlocksClaim mirrors how netsend's outgoing
// ring uses a history-only buffer: with no readers registered, Claim
// must never gate even after wrapping capacity many times over, and
// PeekAt must still serve whatever is still within the live window.
func TestNewHistoryOnlyNeverBlocksClaim(t *testing.T) {
	r := NewHistoryOnly[int](4)

	for i := 0; i < 100; i++ {
		it := r.Claim(1)
		r.Commit(it, i)
	}

	if v, ok := r.PeekAt(99); !ok || v != 99 {
		t.Fatalf("expected PeekAt(99) to return 99, got %d (ok=%v)", v, ok)
	}
	if _, ok := r.PeekAt(50); ok {
		t.Fatal("expected PeekAt on a long-overwritten sequence to miss")
	}
}

func TestCapacityBoundaryMultiProducerSingleReader(t *testing.T) {
	const capacity = 4
	r := New[int](capacity, 1)

	var wg sync.WaitGroup
	wg.Add(capacity)
	for p := 0; p < capacity; p++ {
		go func(v int) {
			defer wg.Done()
			it := r.Claim(1)
			r.Commit(it, v)
		}(p)
	}
	wg.Wait()

	seen := map[int]bool{}
	for len(seen) < capacity {
		_, vals, n := r.Peek(0)
		for _, v := range vals {
			seen[v] = true
		}
		r.WasteAfterPeek(0, n)
	}
	if len(seen) != capacity {
		t.Fatalf("expected %d distinct values, got %d", capacity, len(seen))
	}
}
