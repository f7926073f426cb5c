package ring

import (
	"testing"
	"time"
)

func TestBlockingBufferPutTake(t *testing.T) {
	b := NewBlockingBuffer[int](2)
	b.Put(1)
	b.Put(2)

	v, ok := b.Take()
	if !ok || v != 1 {
		t.Fatalf("expected (1,true), got (%d,%v)", v, ok)
	}
}

func TestBlockingBufferTryPutFullTimesOut(t *testing.T) {
	b := NewBlockingBuffer[int](1)
	b.Put(1)
	if b.TryPut(2, 10*time.Millisecond) {
		t.Fatal("expected TryPut to fail when buffer stays full")
	}
}

func TestBlockingBufferPeekWaste(t *testing.T) {
	b := NewBlockingBuffer[int](4)
	b.Put(1)
	b.Put(2)
	b.Put(3)

	got := b.Peek()
	if len(got) != 3 {
		t.Fatalf("expected 3 peeked items, got %d", len(got))
	}
	b.WasteAfterPeek(2)
	if b.Len() != 1 {
		t.Fatalf("expected 1 item remaining, got %d", b.Len())
	}
}

func TestBlockingBufferCloseUnblocksTake(t *testing.T) {
	b := NewBlockingBuffer[int](1)
	done := make(chan struct{})
	go func() {
		_, ok := b.Take()
		if ok {
			t.Error("expected Take to report ok=false after Close with empty buffer")
		}
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	b.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Take did not unblock after Close")
	}
}
