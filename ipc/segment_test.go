package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

func testLayout() Header {
	return Header{
		Capacity:       8,
		NumReaders:     2,
		SlotPayloadCap: 64,
		PoolBlockSize:  256,
		PoolBlockCount: 4,
	}
}

func TestOpenOwnThenAttach(t *testing.T) {
	dir := t.TempDir()

	owner, err := Open(dir, "seg-a", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer owner.Close()
	require.True(t, owner.IsOwner())

	att, err := Open(dir, "seg-a", OwnershipAttach, Header{})
	require.NoError(t, err)
	defer att.Close()
	require.False(t, att.IsOwner())
	require.Equal(t, owner.Header(), att.Header())
}

func TestOpenOwnFailsOnExisting(t *testing.T) {
	dir := t.TempDir()
	owner, err := Open(dir, "seg-b", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer owner.Close()

	_, err = Open(dir, "seg-b", OwnershipOwn, testLayout())
	require.Error(t, err)
}

func TestOpenAutoRace(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, "seg-c", OwnershipAuto, testLayout())
	require.NoError(t, err)
	defer first.Close()
	require.True(t, first.IsOwner())

	// The loser of the create race falls back to attaching.
	second, err := Open(dir, "seg-c", OwnershipAuto, testLayout())
	require.NoError(t, err)
	defer second.Close()
	require.False(t, second.IsOwner())
}

func TestAttachVersionMismatchFailsFast(t *testing.T) {
	dir := t.TempDir()
	owner, err := Open(dir, "seg-d", OwnershipOwn, testLayout())
	require.NoError(t, err)

	// Stamp a bogus layout version the way a binary built against a
	// different segment layout would have.
	bogus := owner.Header()
	bogus.Version = headerLayoutVersion + 7
	bogus.encode(owner.data[:headerSize])
	owner.Close()

	_, err = Open(dir, "seg-d", OwnershipAttach, Header{})
	require.Error(t, err)
}

func TestRingCommitVisibleToAttachedReader(t *testing.T) {
	dir := t.TempDir()
	owner, err := Open(dir, "seg-e", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer owner.Close()

	att, err := Open(dir, "seg-e", OwnershipAttach, Header{})
	require.NoError(t, err)
	defer att.Close()

	head := tipsmsg.NewMessageHead(1200)
	var headBytes [8]byte
	head.Encode(headBytes[:])

	w := owner.Ring()
	seq := w.Claim()
	w.Commit(seq, headBytes, []byte("shared"))

	r := att.Ring()
	gotHead, body, ok := r.Peek(0)
	require.True(t, ok)
	require.Equal(t, headBytes, gotHead)
	require.Equal(t, []byte("shared"), body)
	r.WasteAfterPeek(0)

	_, _, ok = r.Peek(0)
	require.False(t, ok)
}

func TestRingPurgeKillsStalledReader(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "seg-f", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer seg.Close()

	r := seg.Ring()
	var headBytes [8]byte
	for i := 0; i < 4; i++ {
		r.Commit(r.Claim(), headBytes, nil)
		// Reader 0 keeps pace; reader 1 never advances.
		if _, _, ok := r.Peek(0); ok {
			r.WasteAfterPeek(0)
		}
	}

	// Reader 1 never moved since the ring was created, so the first
	// Purge already counts it stalled at the minimum and kills it.
	killed := r.Purge()
	require.Equal(t, uint64(1<<1), killed)
	require.True(t, r.IsDead(1))
	require.Equal(t, 1, r.LiveReaders())
}

func TestPoolAllocateRetainRelease(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "seg-g", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer seg.Close()

	p := seg.Pool()
	h, buf, ok := p.Allocate(16)
	require.True(t, ok)
	copy(buf, "0cpy-payload-bit")
	require.Equal(t, []byte("0cpy-payload-bit"), p.Bytes(h))

	// A handoff retain keeps the block alive past the allocator's own
	// release; the final release frees it for reuse.
	p.Retain(h)
	p.Release(h)
	require.Equal(t, []byte("0cpy-payload-bit"), p.Bytes(h))
	p.Release(h)

	h2, _, ok := p.Allocate(16)
	require.True(t, ok)
	require.Equal(t, h, h2)
}

func TestPoolExhaustion(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, "seg-h", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer seg.Close()

	p := seg.Pool()
	var handles []Handle
	for {
		h, _, ok := p.Allocate(8)
		if !ok {
			break
		}
		handles = append(handles, h)
	}
	require.Len(t, handles, int(testLayout().PoolBlockCount))

	// Oversized requests never fit regardless of free blocks.
	_, _, ok := p.Allocate(int(testLayout().PoolBlockSize))
	require.False(t, ok)
}

func TestSubscriptionsAcrossProcessesView(t *testing.T) {
	dir := t.TempDir()
	owner, err := Open(dir, "seg-i", OwnershipOwn, testLayout())
	require.NoError(t, err)
	defer owner.Close()

	att, err := Open(dir, "seg-i", OwnershipAttach, Header{})
	require.NoError(t, err)
	defer att.Close()

	// A bit set through the attacher's mapping is visible to the
	// owner-side producer check.
	att.Subscriptions(1).Set(1300)
	require.True(t, owner.Subscriptions(1).Check(1300))
	require.True(t, AnyReaderWants(owner, 2, 1300))
	require.False(t, AnyReaderWants(owner, 2, 1301))

	att.Subscriptions(1).Clear(1300)
	require.False(t, AnyReaderWants(owner, 2, 1300))
}

// soloLayout is testLayout with a single reader slot, used where a
// second, never-draining reader would hold refcounts or gate the ring.
func soloLayout() Header {
	h := testLayout()
	h.NumReaders = 1
	return h
}

func TestTransportPublishRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTransport(dir, "seg-j", OwnershipOwn, soloLayout(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	tr.Subscribe(1400)

	got := make(chan []byte, 1)
	d := dispatch.NewDispatcher()
	d.Register(1400, func(_ tipsmsg.MessageHead, body []byte) {
		got <- append([]byte(nil), body...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, d)
		close(done)
	}()

	tr.Publish(tipsmsg.NewMessageHead(1400), []byte("over-ipc"))
	// An unsubscribed tag never claims a slot.
	tr.Publish(tipsmsg.NewMessageHead(1401), []byte("dropped"))

	select {
	case body := <-got:
		require.Equal(t, []byte("over-ipc"), body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ipc delivery")
	}
	cancel()
	<-done
}

func TestTransportPublishAttachmentZeroCopy(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTransport(dir, "seg-k", OwnershipOwn, soloLayout(), 0, zerolog.Nop())
	require.NoError(t, err)
	defer tr.Close()

	tr.Subscribe(1500)

	p := tr.Pool()
	h, buf, ok := p.Allocate(32)
	require.True(t, ok)
	copy(buf, "zero-copy attachment payload!!!!")

	got := make(chan []byte, 1)
	d := dispatch.NewDispatcher()
	d.Register(1500, func(_ tipsmsg.MessageHead, body []byte) {
		got <- append([]byte(nil), body...)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, d)
		close(done)
	}()

	require.True(t, tr.PublishAttachment(tipsmsg.NewMessageHead(1500), h))

	select {
	case body := <-got:
		require.Equal(t, buf, body)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for 0-copy delivery")
	}
	cancel()
	<-done

	// The pump's per-reader release plus the allocator's own leaves the
	// block free for reuse.
	p.Release(h)
	h2, _, ok := p.Allocate(8)
	require.True(t, ok)
	require.Equal(t, h, h2)
}
