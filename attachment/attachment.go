// Package attachment implements the out-of-band byte region a message
// can carry alongside its payload: {pointer, length, cleanup_callback,
// client_scratchpad[16]}, modeled as an explicit ref-counted handle
// with a registered cleanup closure.
//
// Three concrete shapes cover the three delivery paths:
// intra-process (a pointer plus a cleanup closure), same-host
// IPC (an ipc.Pool handle whose refcount already lives in shared
// memory), and cross-host (a contiguous buffer reassembled from a
// segmented transmission by an Allocator collaborator, default heap).
package attachment

import (
	"sync/atomic"

	"github.com/hmbdc-dev/tips/ipc"
)

// CleanupFunc runs exactly once, when the last holder releases an
// Attachment. For a pool-backed Attachment this is unused: the pool
// itself already reclaims the block on last release.
type CleanupFunc func()

// Attachment is a ref-counted handle to an out-of-band byte region.
// The zero value is not usable; build one with New or FromPool.
type Attachment struct {
	refcount int64
	bytes    []byte
	cleanup  CleanupFunc

	pool   *ipc.Pool
	handle ipc.Handle

	// Scratchpad is 16 bytes of caller-owned space: callers may stash
	// small route-specific bookkeeping here (e.g. a segment index)
	// without another allocation.
	Scratchpad [16]byte
}

// New wraps an intra-process byte slice with a cleanup callback, run
// once the last Retain is matched by a Release. Use this for a locally
// produced buffer a publisher wants released only after every route
// that received it (local ring, IPC, network) has let go, which is
// Domain.PublishAttachment's release policy.
func New(bytes []byte, cleanup CleanupFunc) *Attachment {
	return &Attachment{refcount: 1, bytes: bytes, cleanup: cleanup}
}

// FromPool wraps a block already allocated from an ipc.Pool. Bytes and
// Release delegate straight to the pool, whose refcount already lives
// in shared memory, so no separate local counter is needed.
func FromPool(pool *ipc.Pool, h ipc.Handle) *Attachment {
	return &Attachment{pool: pool, handle: h}
}

// Bytes returns the attachment's payload.
func (a *Attachment) Bytes() []byte {
	if a.pool != nil {
		return a.pool.Bytes(a.handle)
	}
	return a.bytes
}

// Handle returns the pool handle backing a FromPool attachment and
// whether this attachment is in fact pool-backed.
func (a *Attachment) Handle() (ipc.Handle, bool) {
	if a.pool == nil {
		return 0, false
	}
	return a.handle, true
}

// Retain increments the attachment's refcount; callers handing it off
// to another consuming route must call this before the handoff,
// mirroring ipc.Pool.Retain's contract for the pool-backed case.
func (a *Attachment) Retain() {
	if a.pool != nil {
		a.pool.Retain(a.handle)
		return
	}
	atomic.AddInt64(&a.refcount, 1)
}

// Release decrements the attachment's refcount, running the cleanup
// callback exactly once when the last in-process holder and the last
// outbound transmission have both released.
func (a *Attachment) Release() {
	if a.pool != nil {
		a.pool.Release(a.handle)
		return
	}
	if atomic.AddInt64(&a.refcount, -1) == 0 && a.cleanup != nil {
		a.cleanup()
	}
}

// Allocator supplies the contiguous receive buffer a cross-host
// segmented attachment is reassembled into. Swapping the default lets
// a process reuse a pool-backed or arena-backed buffer instead of the
// heap for reassembly.
type Allocator interface {
	Allocate(length int) []byte
}

// heapAllocator is the default Allocator: a plain heap buffer.
type heapAllocator struct{}

func (heapAllocator) Allocate(length int) []byte { return make([]byte, 0, length) }

// DefaultAllocator is the heap-backed Allocator used when a caller
// doesn't configure one of its own.
var DefaultAllocator Allocator = heapAllocator{}
