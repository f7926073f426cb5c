// Package ring implements the lock-free multi-reader ring buffer that
// is the spine of both intra-process and shared-memory IPC transport,
// plus the OS-blocking bounded queue used by one-thread-per-node
// contexts.
//
// The ring follows the disruptor shape: atomic fetch-add claim,
// release-store publish, producers gated on the minimum consumer
// sequence. Readers are identified by a fixed slot index in [0, N)
// rather than a dynamically registered list, and a reader can be
// marked dead without shrinking N.
package ring

import (
	"runtime"
	"sync/atomic"
	"time"
)

// writable marks a slot as not yet holding a committed value.
const writable = ^uint64(0)

// DeadSentinel is the read-sequence value that marks a reader as dead;
// producers stop waiting on it when computing the slowest live reader.
const DeadSentinel = ^uint64(0) - 1

// spinBackoff bounds how long Claim busy-waits between Gosched calls
// before falling back to a short sleep.
const spinBackoff = 64

// slot holds one ring element plus its sequence marker. seq == writable
// means the slot has not been committed since the ring was created or
// since it was last claimed; seq == s means slot s's value is ready for
// any reader whose ReadSeq equals s.
type slot[T any] struct {
	seq     uint64
	payload T
}

// RingBuffer is a fixed-capacity, power-of-two-sized, multi-reader ring
// buffer. N readers are identified by index in [0, N). Producers may be
// single or many; both paths use the same atomic fetch-add claim.
type RingBuffer[T any] struct {
	capacity uint64
	mask     uint64
	slots    []slot[T]

	toBeClaimed uint64 // atomic: next sequence to hand out

	readSeq      []uint64 // per-reader monotonic consumed counter
	lastPurgeSeq []uint64 // producer-side watchdog snapshot
}

// New creates a ring buffer of the given power-of-two capacity serving
// numReaders independent readers. All readers start live with ReadSeq 0.
func New[T any](capacity int, numReaders int) *RingBuffer[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two")
	}
	if numReaders <= 0 {
		panic("ring: numReaders must be > 0")
	}
	r := &RingBuffer[T]{
		capacity:     uint64(capacity),
		mask:         uint64(capacity - 1),
		slots:        make([]slot[T], capacity),
		toBeClaimed:  0,
		readSeq:      make([]uint64, numReaders),
		lastPurgeSeq: make([]uint64, numReaders),
	}
	for i := range r.slots {
		r.slots[i].seq = writable
	}
	return r
}

// NewHistoryOnly creates a RingBuffer with no readers at all: Claim
// never gates on a slowest-reader (there is none to gate on), Purge
// has no reader to kill, and there is no valid reader index to pass to
// Peek, WasteAfterPeek or MarkDead. Use this for a producer that only ever
// consults the ring via PeekAt for on-demand replay instead of a
// dedicated per-reader sequential scan — netsend's outgoing ring keeps
// recent history purely for TCP backup-channel replay and never drives
// a real Peek/WasteAfterPeek reader over it, so gating Claim on 1024
// phantom reader slots that nothing ever advances would wedge (or, with
// KillClaim, instantly kill) every one of them on the first overflow.
func NewHistoryOnly[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("ring: capacity must be a power of two")
	}
	r := &RingBuffer[T]{
		capacity: uint64(capacity),
		mask:     uint64(capacity - 1),
		slots:    make([]slot[T], capacity),
	}
	for i := range r.slots {
		r.slots[i].seq = writable
	}
	return r
}

// Iterator identifies a contiguous claimed range [Begin, Begin+Count).
type Iterator struct {
	Begin uint64
	Count uint64
}

// slowestLiveReader returns the minimum ReadSeq across all non-dead
// readers, or toBeClaimed (no gating) if every reader is dead.
func (r *RingBuffer[T]) slowestLiveReader() uint64 {
	min := uint64(0)
	found := false
	for i := range r.readSeq {
		seq := atomic.LoadUint64(&r.readSeq[i])
		if seq == DeadSentinel {
			continue
		}
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	if !found {
		return atomic.LoadUint64(&r.toBeClaimed)
	}
	return min
}

// Claim atomically allocates the next n sequence numbers, blocking
// (spin-yield) until the slowest live reader is within capacity of the
// new claim boundary.
func (r *RingBuffer[T]) Claim(n int) Iterator {
	begin := atomic.AddUint64(&r.toBeClaimed, uint64(n)) - uint64(n)
	r.waitForRoom(begin + uint64(n))
	return Iterator{Begin: begin, Count: uint64(n)}
}

// TryClaim is the non-blocking counterpart of Claim: it returns ok=false
// without allocating a sequence if there is not enough room for n slots
// right now.
func (r *RingBuffer[T]) TryClaim(n int) (it Iterator, ok bool) {
	for {
		begin := atomic.LoadUint64(&r.toBeClaimed)
		end := begin + uint64(n)
		if end-r.slowestLiveReader() > r.capacity {
			return Iterator{}, false
		}
		if atomic.CompareAndSwapUint64(&r.toBeClaimed, begin, end) {
			return Iterator{Begin: begin, Count: uint64(n)}, true
		}
	}
}

// KillClaim behaves like Claim, but if the ring would otherwise block,
// it instead marks the slowest live reader dead and proceeds. Used by
// the "waitForSlowReceivers=false" policy.
func (r *RingBuffer[T]) KillClaim(n int) Iterator {
	begin := atomic.AddUint64(&r.toBeClaimed, uint64(n)) - uint64(n)
	end := begin + uint64(n)
	for end-r.slowestLiveReader() > r.capacity {
		r.killSlowestReader()
	}
	return Iterator{Begin: begin, Count: uint64(n)}
}

// waitForRoom spins until the ring has room for the claim ending at end.
func (r *RingBuffer[T]) waitForRoom(end uint64) {
	spins := 0
	for end-r.slowestLiveReader() > r.capacity {
		spins++
		if spins < spinBackoff {
			runtime.Gosched()
		} else {
			time.Sleep(time.Microsecond)
		}
	}
}

// killSlowestReader marks the slowest live reader dead, breaking ties
// deterministically by lowest reader index.
func (r *RingBuffer[T]) killSlowestReader() {
	best := -1
	var bestSeq uint64
	for i := range r.readSeq {
		seq := atomic.LoadUint64(&r.readSeq[i])
		if seq == DeadSentinel {
			continue
		}
		if best == -1 || seq < bestSeq {
			best = i
			bestSeq = seq
		}
	}
	if best >= 0 {
		r.MarkDead(best)
	}
}

// Commit publishes a single claimed slot by writing the slot's sequence
// marker after storing the payload, using a release fence (an atomic
// store) so readers observing the new seq also observe the payload
// write.
func (r *RingBuffer[T]) Commit(it Iterator, value T) {
	idx := it.Begin & r.mask
	r.slots[idx].payload = value
	atomic.StoreUint64(&r.slots[idx].seq, it.Begin)
}

// CommitRange publishes a contiguous claimed range via a per-slot write
// function. Each slot's sequence marker is set to its own index, not the
// batch start, so readers see in-order visibility even if writes within
// the batch are reordered by the scheduler.
func (r *RingBuffer[T]) CommitRange(it Iterator, write func(offset uint64, slot *T)) {
	for i := uint64(0); i < it.Count; i++ {
		seq := it.Begin + i
		idx := seq & r.mask
		write(i, &r.slots[idx].payload)
		atomic.StoreUint64(&r.slots[idx].seq, seq)
	}
}

// Peek returns the contiguous prefix of slots ready for reader r
// starting at its current ReadSeq, without advancing it. count may be 0
// if nothing is ready yet.
func (r *RingBuffer[T]) Peek(reader int) (begin uint64, values []T, count int) {
	start := atomic.LoadUint64(&r.readSeq[reader])
	if start == DeadSentinel {
		return start, nil, 0
	}
	seq := start
	for seq-start < r.capacity {
		idx := seq & r.mask
		if atomic.LoadUint64(&r.slots[idx].seq) != seq {
			break
		}
		seq++
	}
	n := int(seq - start)
	if n == 0 {
		return start, nil, 0
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (start + uint64(i)) & r.mask
		out[i] = r.slots[idx].payload
	}
	return start, out, n
}

// PeekAt returns the value committed at sequence seq, if that slot is
// still live (not yet overwritten by a wrapped claim). Used by gap
// repair / replay paths that need random access into recent history
// rather than a dedicated per-reader cursor.
func (r *RingBuffer[T]) PeekAt(seq uint64) (value T, ok bool) {
	idx := seq & r.mask
	if atomic.LoadUint64(&r.slots[idx].seq) != seq {
		return value, false
	}
	return r.slots[idx].payload, true
}

// WasteAfterPeek advances reader r's ReadSeq by count, releasing those
// slots for the producer to reclaim.
func (r *RingBuffer[T]) WasteAfterPeek(reader int, count int) {
	atomic.AddUint64(&r.readSeq[reader], uint64(count))
}

// MarkDead marks reader r dead; producers stop waiting on it.
func (r *RingBuffer[T]) MarkDead(reader int) {
	atomic.StoreUint64(&r.readSeq[reader], DeadSentinel)
}

// IsDead reports whether reader r has been marked dead.
func (r *RingBuffer[T]) IsDead(reader int) bool {
	return atomic.LoadUint64(&r.readSeq[reader]) == DeadSentinel
}

// ReadSeq returns reader r's current sequence (or DeadSentinel).
func (r *RingBuffer[T]) ReadSeq(reader int) uint64 {
	return atomic.LoadUint64(&r.readSeq[reader])
}

// ToBeClaimed returns the producer's current claim counter.
func (r *RingBuffer[T]) ToBeClaimed() uint64 {
	return atomic.LoadUint64(&r.toBeClaimed)
}

// Purge is the producer-side watchdog: for every live reader whose
// sequence hasn't advanced since the last Purge call and which is the
// overall slowest, mark it dead. Returns a bitmask of newly killed
// reader indices (bit i set means reader i was just killed).
func (r *RingBuffer[T]) Purge() uint64 {
	slowest := r.slowestLiveReader()
	var killed uint64
	for i := range r.readSeq {
		seq := atomic.LoadUint64(&r.readSeq[i])
		if seq == DeadSentinel {
			continue
		}
		stalled := seq == atomic.LoadUint64(&r.lastPurgeSeq[i])
		atomic.StoreUint64(&r.lastPurgeSeq[i], seq)
		if stalled && seq == slowest {
			r.MarkDead(i)
			killed |= 1 << uint(i)
		}
	}
	return killed
}

// Capacity returns the ring's fixed slot count.
func (r *RingBuffer[T]) Capacity() int {
	return int(r.capacity)
}

// NumReaders returns the compile-time reader count N.
func (r *RingBuffer[T]) NumReaders() int {
	return len(r.readSeq)
}
