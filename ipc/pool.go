package ipc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// blockHeaderSize is the per-block bookkeeping overhead: an 8-byte
// atomic refcount followed by a 4-byte used-length field, kept inside
// the block itself so attach/detach needs no separate metadata
// segment.
const blockHeaderSize = 12

// Pool is the segment's fixed-block attachment allocator: 0-copy
// payloads are allocated from it before publish, and every consuming
// process that reads a handle decrements its refcount, with the final
// release returning the block to the free list.
type Pool struct {
	seg        *Segment
	blockSize  int
	blockCount int
	base       int

	mu      sync.Mutex
	freeOff uint64 // not read; a block is free while its refcount is 0
}

// Pool returns the segment's attachment pool view.
func (s *Segment) Pool() *Pool {
	return &Pool{
		seg:        s,
		blockSize:  int(s.header.PoolBlockSize),
		blockCount: int(s.header.PoolBlockCount),
		base:       s.poolOff,
	}
}

// Handle identifies an allocated block by index; it is what travels
// on the wire / in a ring slot's leading bytes as the "pool handle".
type Handle uint32

// Allocate reserves one free block (refcount 0) of the pool's fixed
// block size, returning a Handle and the usable byte slice (header
// bytes excluded) sized to length. Returns ok=false if length does not
// fit in a block after its header, or if no block is free.
func (p *Pool) Allocate(length int) (h Handle, buf []byte, ok bool) {
	if length > p.blockSize-blockHeaderSize {
		return 0, nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.blockCount; i++ {
		off := p.blockOffset(i)
		refPtr := p.refPtr(off)
		if atomic.CompareAndSwapUint64(refPtr, 0, 1) {
			binary.LittleEndian.PutUint32(p.seg.data[off+8:off+12], uint32(length))
			return Handle(i), p.seg.data[off+blockHeaderSize : off+blockHeaderSize+length], true
		}
	}
	return 0, nil, false
}

// Retain increments a handle's refcount; callers handing a pool
// payload to another consumer route (IPC, network fan-out) must call
// this before the handoff.
func (p *Pool) Retain(h Handle) {
	atomic.AddUint64(p.refPtr(p.blockOffset(int(h))), 1)
}

// Release decrements a handle's refcount, returning the block to the
// free list when it reaches zero. Every consuming process decrements;
// the last release returns the block to the pool.
func (p *Pool) Release(h Handle) {
	off := p.blockOffset(int(h))
	atomic.AddUint64(p.refPtr(off), ^uint64(0))
}

// Bytes returns the usable payload for an already-allocated handle of
// its recorded length.
func (p *Pool) Bytes(h Handle) []byte {
	off := p.blockOffset(int(h))
	n := binary.LittleEndian.Uint32(p.seg.data[off+8 : off+12])
	return p.seg.data[off+blockHeaderSize : off+blockHeaderSize+int(n)]
}

func (p *Pool) blockOffset(i int) int { return p.base + i*p.blockSize }

func (p *Pool) refPtr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.seg.data[off]))
}

// String renders a handle for logging.
func (h Handle) String() string { return fmt.Sprintf("pool-handle(%d)", uint32(h)) }
