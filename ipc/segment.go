// Package ipc implements the named shared-memory segment transport:
// a multi-reader ring plus a fixed-block attachment pool and
// per-reader subscription bitmaps, hosted in a POSIX file under
// /dev/shm and mmapped into every participating process via
// golang.org/x/sys/unix.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Ownership selects how a process relates to a named segment.
type Ownership int

const (
	// OwnershipOwn requires this process to create the segment,
	// failing if one already exists.
	OwnershipOwn Ownership = iota
	// OwnershipAttach requires an existing segment, failing if none is
	// found.
	OwnershipAttach
	// OwnershipAuto races to create; on EEXIST it falls back to
	// attaching. Exactly one of any simultaneously-started group of
	// processes ends up the owner; the race is resolved by
	// O_CREATE|O_EXCL, not arbitrated further.
	OwnershipAuto
)

// Header is the fixed-size preamble at the start of every segment,
// written once by the owner and read-only thereafter for attachers.
// Version is bumped whenever the layout changes; a mismatched attacher
// must fail fast rather than read a layout it wasn't built for.
type Header struct {
	Version        uint32
	Capacity       uint32 // ring slot count, power of two
	NumReaders     uint32
	SlotPayloadCap uint32 // max payload bytes per ring slot
	PoolBlockSize  uint32
	PoolBlockCount uint32
}

const headerLayoutVersion = 1

// headerSize is the on-wire size of Header, padded to a cache line.
const headerSize = 64

func (h Header) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Version)
	binary.LittleEndian.PutUint32(dst[4:8], h.Capacity)
	binary.LittleEndian.PutUint32(dst[8:12], h.NumReaders)
	binary.LittleEndian.PutUint32(dst[12:16], h.SlotPayloadCap)
	binary.LittleEndian.PutUint32(dst[16:20], h.PoolBlockSize)
	binary.LittleEndian.PutUint32(dst[20:24], h.PoolBlockCount)
}

func decodeHeader(src []byte) Header {
	return Header{
		Version:        binary.LittleEndian.Uint32(src[0:4]),
		Capacity:       binary.LittleEndian.Uint32(src[4:8]),
		NumReaders:     binary.LittleEndian.Uint32(src[8:12]),
		SlotPayloadCap: binary.LittleEndian.Uint32(src[12:16]),
		PoolBlockSize:  binary.LittleEndian.Uint32(src[16:20]),
		PoolBlockCount: binary.LittleEndian.Uint32(src[20:24]),
	}
}

// subBitmapBytes is the per-reader subscription bitmap footprint:
// 8 KiB covers one presence bit per 16-bit type tag (65536 bits).
const subBitmapBytes = 8 * 1024

// Segment is an opened, mmapped shared-memory region hosting a ring,
// an attachment pool and per-reader subscription bitmaps.
type Segment struct {
	mu      sync.Mutex
	file    *os.File
	data    []byte
	path    string
	isOwner bool
	header  Header
	ringOff int
	poolOff int
	subsOff int
}

// footprint computes the total segment size for the given layout.
func footprint(h Header) int {
	ringSlotSize := 8 /*seq*/ + 8 /*head bytes*/ + 4 /*len*/ + int(h.SlotPayloadCap)
	ringBytes := headerSize +
		int(h.NumReaders)*8 /*readSeq*/ +
		int(h.NumReaders)*8 /*lastPurgeSeq*/ +
		8 /*toBeClaimed*/ +
		int(h.Capacity)*ringSlotSize
	poolBytes := int(h.PoolBlockSize) * int(h.PoolBlockCount)
	subsBytes := int(h.NumReaders) * subBitmapBytes
	return ringBytes + poolBytes + subsBytes
}

// Open creates or attaches to a named segment under dir (defaults to
// /dev/shm) per the requested ownership mode. layout is only
// meaningful when this process ends up the owner; attachers read the
// layout the owner already wrote and must see a matching Version.
func Open(dir, name string, ownership Ownership, layout Header) (*Segment, error) {
	if dir == "" {
		dir = "/dev/shm"
	}
	path := filepath.Join(dir, name)
	layout.Version = headerLayoutVersion

	switch ownership {
	case OwnershipOwn:
		return createOwner(path, layout)
	case OwnershipAttach:
		return attach(path)
	case OwnershipAuto:
		seg, err := createOwner(path, layout)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		return attach(path)
	default:
		return nil, fmt.Errorf("ipc: unknown ownership mode %d", ownership)
	}
}

func createOwner(path string, layout Header) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	size := footprint(layout)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	seg, err := mapSegment(f, path, size, true)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	layout.encode(seg.data[:headerSize])
	seg.header = layout
	seg.layOutOffsets()
	seg.initRing()
	return seg, nil
}

func attach(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	seg, err := mapSegment(f, path, int(info.Size()), false)
	if err != nil {
		return nil, err
	}
	seg.header = decodeHeader(seg.data[:headerSize])
	if seg.header.Version != headerLayoutVersion {
		seg.Close()
		return nil, fmt.Errorf("ipc: segment %s has layout version %d, want %d",
			path, seg.header.Version, headerLayoutVersion)
	}
	seg.layOutOffsets()
	return seg, nil
}

func mapSegment(f *os.File, path string, size int, owner bool) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{file: f, data: data, path: path, isOwner: owner}, nil
}

func (s *Segment) layOutOffsets() {
	s.ringOff = headerSize
	ringSlotSize := 8 + 8 + 4 + int(s.header.SlotPayloadCap)
	ringBytes := 8 + int(s.header.NumReaders)*16 + int(s.header.Capacity)*ringSlotSize
	s.poolOff = s.ringOff + ringBytes
	s.subsOff = s.poolOff + int(s.header.PoolBlockSize)*int(s.header.PoolBlockCount)
}

// Lock takes the segment's advisory file lock, serializing attach and
// detach bookkeeping across processes.
func (s *Segment) Lock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_EX)
}

// Unlock releases the segment's advisory file lock.
func (s *Segment) Unlock() error {
	return unix.Flock(int(s.file.Fd()), unix.LOCK_UN)
}

// IsOwner reports whether this process created the segment.
func (s *Segment) IsOwner() bool { return s.isOwner }

// Header returns the segment's layout header.
func (s *Segment) Header() Header { return s.header }

// Close unmaps and closes the segment's backing file. Owners should
// call Unlink afterward if the segment should not outlive the process.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		unix.Munmap(s.data)
		s.data = nil
	}
	return s.file.Close()
}

// Unlink removes the segment's backing file from the shared-memory
// namespace. Only the owner should call this, and only after Close.
func (s *Segment) Unlink() error {
	return os.Remove(s.path)
}
