package ipc

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// writable marks a ring slot as not yet holding a committed value,
// mirroring ring.writable.
const writable = ^uint64(0)

// DeadSentinel marks a reader as dead, mirroring ring.DeadSentinel.
const DeadSentinel = ^uint64(0) - 1

const spinBackoff = 64

// Ring is a RingBuffer whose backing storage is a Segment's mmapped
// bytes instead of a process-local slice, so every attacher sees the
// same producer/reader state. The claim/commit/peek/purge algorithm is
// identical to ring.RingBuffer; only the storage layer differs.
type Ring struct {
	seg      *Segment
	capacity uint64
	mask     uint64
	numRead  uint64
	slotSize uint64
	payload  uint64

	toBeClaimedOff uint64
	readSeqOff     uint64
	purgeSeqOff    uint64
	slotsOff       uint64
}

func (s *Segment) initRing() {
	// zero the claim counter and mark every reader live at seq 0 and
	// every slot writable; the rest of the segment (pool, subs) stays
	// zeroed from Truncate.
	r := s.Ring()
	atomic.StoreUint64(r.u64ptr(r.toBeClaimedOff), 0)
	for i := uint64(0); i < r.numRead; i++ {
		atomic.StoreUint64(r.u64ptr(r.readSeqOff+i*8), 0)
		atomic.StoreUint64(r.u64ptr(r.purgeSeqOff+i*8), 0)
	}
	for i := uint64(0); i < r.capacity; i++ {
		atomic.StoreUint64(r.u64ptr(r.slotsOff+i*r.slotSize), writable)
	}
}

// Ring returns the RingBuffer view over this segment's ring region.
func (s *Segment) Ring() *Ring {
	capacity := uint64(s.header.Capacity)
	numRead := uint64(s.header.NumReaders)
	payload := uint64(s.header.SlotPayloadCap)
	slotSize := 8 + 8 + 4 + payload // seq + head bytes + len + payload

	base := uint64(s.ringOff)
	toBeClaimedOff := base
	readSeqOff := base + 8
	purgeSeqOff := readSeqOff + numRead*8
	slotsOff := purgeSeqOff + numRead*8

	return &Ring{
		seg: s, capacity: capacity, mask: capacity - 1, numRead: numRead,
		slotSize: slotSize, payload: payload,
		toBeClaimedOff: toBeClaimedOff, readSeqOff: readSeqOff,
		purgeSeqOff: purgeSeqOff, slotsOff: slotsOff,
	}
}

func (r *Ring) u64ptr(off uint64) *uint64 {
	return u64At(r.seg.data, int(off))
}

// u64At returns an atomic-access pointer to the uint64 stored at byte
// offset off within buf, used by both the ring and the subscription
// bitmaps to operate directly on mmapped memory.
func u64At(buf []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func (r *Ring) slotSeqOff(idx uint64) uint64  { return r.slotsOff + idx*r.slotSize }
func (r *Ring) slotHeadOff(idx uint64) uint64 { return r.slotSeqOff(idx) + 8 }
func (r *Ring) slotLenOff(idx uint64) uint64  { return r.slotHeadOff(idx) + 8 }
func (r *Ring) slotBodyOff(idx uint64) uint64 { return r.slotLenOff(idx) + 4 }

func (r *Ring) slowestLiveReader() uint64 {
	min := uint64(0)
	found := false
	for i := uint64(0); i < r.numRead; i++ {
		seq := atomic.LoadUint64(r.u64ptr(r.readSeqOff + i*8))
		if seq == DeadSentinel {
			continue
		}
		if !found || seq < min {
			min, found = seq, true
		}
	}
	if !found {
		return atomic.LoadUint64(r.u64ptr(r.toBeClaimedOff))
	}
	return min
}

// Claim atomically allocates one sequence number, spinning until room
// is available.
func (r *Ring) Claim() uint64 {
	begin := atomic.AddUint64(r.u64ptr(r.toBeClaimedOff), 1) - 1
	spins := 0
	for begin+1-r.slowestLiveReader() > r.capacity {
		spins++
		if spins < spinBackoff {
			runtime.Gosched()
		} else {
			time.Sleep(time.Microsecond)
		}
	}
	return begin
}

// Commit writes headBytes (an 8-byte encoded MessageHead) and body
// into the claimed slot, then publishes it with a release store.
func (r *Ring) Commit(seq uint64, headBytes [8]byte, body []byte) {
	idx := seq & r.mask
	copy(r.seg.data[r.slotHeadOff(idx):r.slotHeadOff(idx)+8], headBytes[:])
	n := len(body)
	if uint64(n) > r.payload {
		n = int(r.payload)
	}
	binary.LittleEndian.PutUint32(r.seg.data[r.slotLenOff(idx):r.slotLenOff(idx)+4], uint32(n))
	copy(r.seg.data[r.slotBodyOff(idx):r.slotBodyOff(idx)+uint64(n)], body[:n])
	atomic.StoreUint64(r.u64ptr(r.slotSeqOff(idx)), seq)
}

// Peek returns the next ready slot for reader without advancing it.
// ok is false if nothing is ready.
func (r *Ring) Peek(reader int) (headBytes [8]byte, body []byte, ok bool) {
	seq := atomic.LoadUint64(r.u64ptr(r.readSeqOff + uint64(reader)*8))
	if seq == DeadSentinel {
		return headBytes, nil, false
	}
	idx := seq & r.mask
	if atomic.LoadUint64(r.u64ptr(r.slotSeqOff(idx))) != seq {
		return headBytes, nil, false
	}
	copy(headBytes[:], r.seg.data[r.slotHeadOff(idx):r.slotHeadOff(idx)+8])
	n := binary.LittleEndian.Uint32(r.seg.data[r.slotLenOff(idx) : r.slotLenOff(idx)+4])
	body = make([]byte, n)
	copy(body, r.seg.data[r.slotBodyOff(idx):r.slotBodyOff(idx)+uint64(n)])
	return headBytes, body, true
}

// WasteAfterPeek advances reader's sequence by one, releasing the slot
// just peeked.
func (r *Ring) WasteAfterPeek(reader int) {
	atomic.AddUint64(r.u64ptr(r.readSeqOff+uint64(reader)*8), 1)
}

// MarkDead marks reader dead.
func (r *Ring) MarkDead(reader int) {
	atomic.StoreUint64(r.u64ptr(r.readSeqOff+uint64(reader)*8), DeadSentinel)
}

// IsDead reports whether reader is dead.
func (r *Ring) IsDead(reader int) bool {
	return atomic.LoadUint64(r.u64ptr(r.readSeqOff+uint64(reader)*8)) == DeadSentinel
}

// Purge is the producer-side watchdog: a reader whose sequence hasn't
// moved since the last call and is the slowest live reader is marked
// dead, exactly as
// ring.RingBuffer.Purge. An IPC attacher that discovers it has been
// marked dead (IsDead returns true) must treat it as a session loss
// and re-attach from scratch.
func (r *Ring) Purge() uint64 {
	slowest := r.slowestLiveReader()
	var killed uint64
	for i := uint64(0); i < r.numRead; i++ {
		seq := atomic.LoadUint64(r.u64ptr(r.readSeqOff + i*8))
		if seq == DeadSentinel {
			continue
		}
		lastOff := r.purgeSeqOff + i*8
		stalled := seq == atomic.LoadUint64(r.u64ptr(lastOff))
		atomic.StoreUint64(r.u64ptr(lastOff), seq)
		if stalled && seq == slowest {
			r.MarkDead(int(i))
			killed |= 1 << i
		}
	}
	return killed
}

// NumReaders returns the ring's compile-time reader count.
func (r *Ring) NumReaders() int { return int(r.numRead) }

// LiveReaders returns the count of readers not yet marked dead.
func (r *Ring) LiveReaders() int {
	live := 0
	for i := uint64(0); i < r.numRead; i++ {
		if atomic.LoadUint64(r.u64ptr(r.readSeqOff+i*8)) != DeadSentinel {
			live++
		}
	}
	return live
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return int(r.capacity) }
