package attachment

import (
	"testing"

	"github.com/hmbdc-dev/tips/ipc"
)

func TestHeapAttachmentCleanupRunsOnceOnLastRelease(t *testing.T) {
	cleanups := 0
	a := New([]byte("payload"), func() { cleanups++ })

	// Three routes want it: local ring already holds the initial
	// refcount of 1, Retain twice more for IPC and network.
	a.Retain()
	a.Retain()

	a.Release()
	if cleanups != 0 {
		t.Fatalf("cleanup ran early, after 1 of 3 releases")
	}
	a.Release()
	if cleanups != 0 {
		t.Fatalf("cleanup ran early, after 2 of 3 releases")
	}
	a.Release()
	if cleanups != 1 {
		t.Fatalf("expected cleanup to run exactly once on the last release, ran %d times", cleanups)
	}
}

func TestHeapAttachmentBytesUnaffectedByRetainRelease(t *testing.T) {
	a := New([]byte("hello"), func() {})
	a.Retain()
	if string(a.Bytes()) != "hello" {
		t.Fatalf("expected Bytes to stay stable across Retain, got %q", a.Bytes())
	}
	a.Release()
	if string(a.Bytes()) != "hello" {
		t.Fatalf("expected Bytes to stay stable after a non-terminal Release, got %q", a.Bytes())
	}
}

func newTestPool(t *testing.T) *ipc.Pool {
	t.Helper()
	seg, err := ipc.Open(t.TempDir(), "attachment-test", ipc.OwnershipOwn, ipc.Header{
		Capacity:       4,
		NumReaders:     1,
		SlotPayloadCap: 64,
		PoolBlockSize:  128,
		PoolBlockCount: 4,
	})
	if err != nil {
		t.Fatalf("ipc.Open: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg.Pool()
}

func TestPoolAttachmentRetainReleaseMatchesUnderlyingPool(t *testing.T) {
	pool := newTestPool(t) // PoolBlockCount: 4
	h, buf, ok := pool.Allocate(5)
	if !ok {
		t.Fatal("expected pool to have a free block")
	}
	copy(buf, "world")

	a := FromPool(pool, h)
	if string(a.Bytes()) != "world" {
		t.Fatalf("expected FromPool.Bytes to read the allocated block, got %q", a.Bytes())
	}

	handle, ok := a.Handle()
	if !ok || handle != h {
		t.Fatalf("expected Handle to return the wrapped handle, got %v, %v", handle, ok)
	}

	// Hand off to two more routes; h's block must stay live until all
	// three release, mirroring Domain.PublishAttachment's release policy.
	a.Retain()
	a.Retain()

	// Exhaust the pool's 3 remaining blocks so the next Allocate only
	// succeeds if h's block has actually been returned to the free
	// list.
	for i := 0; i < 3; i++ {
		if _, _, ok := pool.Allocate(1); !ok {
			t.Fatalf("expected block %d of the remaining 3 to be free", i)
		}
	}
	if _, _, ok := pool.Allocate(1); ok {
		t.Fatal("expected pool to be full before h's last release")
	}

	a.Release()
	a.Release()
	if _, _, ok := pool.Allocate(1); ok {
		t.Fatal("expected h's block to still be held after only 2 of 3 releases")
	}

	a.Release()
	if _, _, ok := pool.Allocate(1); !ok {
		t.Fatal("expected h's block to be back on the free list after the last release")
	}
}
