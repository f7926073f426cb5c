package ipc

import "sync/atomic"

// subBitmapWords is subBitmapBytes expressed in 8-byte words (65536
// type tags / 64 bits per word).
const subBitmapWords = subBitmapBytes / 8

// Subscriptions is one reader's replicated presence bitmap within the
// segment: every attacher sets bits for the tags it wants, and the
// producer side consults the OR of all readers' bitmaps before
// deciding whether to bother claiming a ring slot for a given tag.
type Subscriptions struct {
	seg    *Segment
	reader int
	base   int
}

// Subscriptions returns the bitmap view for the given reader index.
func (s *Segment) Subscriptions(reader int) *Subscriptions {
	return &Subscriptions{seg: s, reader: reader, base: s.subsOff + reader*subBitmapBytes}
}

func (b *Subscriptions) wordPtr(word int) *uint64 {
	off := b.base + word*8
	return u64At(b.seg.data, off)
}

// Set marks tag as subscribed.
func (b *Subscriptions) Set(tag uint16) {
	word, bit := int(tag)/64, uint(tag)%64
	ptr := b.wordPtr(word)
	for {
		old := atomic.LoadUint64(ptr)
		if old&(1<<bit) != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, old, old|(1<<bit)) {
			return
		}
	}
}

// Clear unmarks tag.
func (b *Subscriptions) Clear(tag uint16) {
	word, bit := int(tag)/64, uint(tag)%64
	ptr := b.wordPtr(word)
	for {
		old := atomic.LoadUint64(ptr)
		if old&(1<<bit) == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(ptr, old, old&^(1<<bit)) {
			return
		}
	}
}

// Check reports whether tag is subscribed by this reader.
func (b *Subscriptions) Check(tag uint16) bool {
	word, bit := int(tag)/64, uint(tag)%64
	return atomic.LoadUint64(b.wordPtr(word))&(1<<bit) != 0
}

// AnyReaderWants reports whether any of numReaders readers' bitmaps
// has tag set, letting the producer skip claiming a ring slot entirely
// when no attacher cares about this tag.
func AnyReaderWants(s *Segment, numReaders int, tag uint16) bool {
	for i := 0; i < numReaders; i++ {
		if s.Subscriptions(i).Check(tag) {
			return true
		}
	}
	return false
}
