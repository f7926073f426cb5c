package ipc

import (
	"context"
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

// Transport wires a Segment's Ring to a dispatch.Dispatcher: rather
// than threading a second generic ring type through runctx.Context,
// the IPC pump runs its own loop over the shared-memory Ring and calls
// into the same per-Node Dispatcher/TimerSet contract every in-process
// Context variant uses, so Node code is identical whether its queue is
// in-process or IPC-backed.
type Transport struct {
	seg        *Segment
	ring       *Ring
	logger     zerolog.Logger
	readerIdx  int
	purgeEvery time.Duration

	// throttled, when set, is consulted each pump iteration; a true
	// return makes Run back off briefly instead of peeking, giving the
	// process's resource guard a backpressure hook without this package
	// knowing what a guard is.
	throttled func() bool
}

// NewTransport opens (or attaches to) a named segment and returns a
// Transport bound to reader slot readerIdx.
func NewTransport(dir, name string, ownership Ownership, layout Header, readerIdx int, logger zerolog.Logger) (*Transport, error) {
	seg, err := Open(dir, name, ownership, layout)
	if err != nil {
		return nil, err
	}
	return &Transport{
		seg: seg, ring: seg.Ring(), logger: logger,
		readerIdx: readerIdx, purgeEvery: 5 * time.Second,
	}, nil
}

// IsOwner reports whether this process created the segment, and so is
// responsible for periodic Purge and final Unlink.
func (t *Transport) IsOwner() bool { return t.seg.IsOwner() }

// SetThrottle installs the pump backpressure check Run consults each
// iteration. Call before Run; not safe to change while Run is active.
func (t *Transport) SetThrottle(throttled func() bool) { t.throttled = throttled }

// Pool returns the segment's attachment pool, letting a publisher
// allocate a 0-copy payload before handing it to Publish.
func (t *Transport) Pool() *Pool { return t.seg.Pool() }

// Subscribe marks this reader interested in tag, visible to the
// producer side via AnyReaderWants.
func (t *Transport) Subscribe(tag uint16) {
	t.seg.Subscriptions(t.readerIdx).Set(tag)
}

// Unsubscribe clears interest in tag.
func (t *Transport) Unsubscribe(tag uint16) {
	t.seg.Subscriptions(t.readerIdx).Clear(tag)
}

// Publish claims the next ring slot and commits head/body into it. If
// no reader has subscribed to head's tag, the publish is skipped
// entirely to avoid needlessly advancing the ring.
func (t *Transport) Publish(head tipsmsg.MessageHead, body []byte) {
	if !AnyReaderWants(t.seg, t.ring.NumReaders(), head.TypeTag) {
		return
	}
	var headBytes [8]byte
	head.Encode(headBytes[:])
	seq := t.ring.Claim()
	t.ring.Commit(seq, headBytes, body)
}

// PublishAttachment commits a pool-backed handle instead of copying
// bytes into the slot: it Retains h once per live reader before
// committing, so each subscriber's eventual Release leaves the
// handle's refcount exactly balanced, then commits the 4-byte handle
// with tipsmsg.FlagHasAttachment set in place of a raw body (the bit
// is reserved in tipsmsg so applications cannot collide with this
// convention). Returns false (without retaining anything) if no reader
// wants head's tag, mirroring Publish's subscription check.
//
// Known limitation: a reader counted as live here that gets purged by
// Run's slow-reader watchdog before it peeks this slot never reaches
// its own Release, permanently leaking that one retain. Reclaiming it
// would need Purge to know which in-flight handles a just-killed reader
// still owed a release for, which no part of this transport tracks.
func (t *Transport) PublishAttachment(head tipsmsg.MessageHead, h Handle) bool {
	if !AnyReaderWants(t.seg, t.ring.NumReaders(), head.TypeTag) {
		return false
	}
	pool := t.seg.Pool()
	for i := 0; i < t.ring.LiveReaders(); i++ {
		pool.Retain(h)
	}

	head.SetFlags(tipsmsg.FlagHasAttachment)
	var headBytes [8]byte
	head.Encode(headBytes[:])
	var handleBytes [4]byte
	binary.LittleEndian.PutUint32(handleBytes[:], uint32(h))

	seq := t.ring.Claim()
	t.ring.Commit(seq, headBytes, handleBytes[:])
	return true
}

// Run pumps this reader's inbox into d until ctx is cancelled. If this
// process owns the segment it also runs the periodic slow-reader
// Purge watchdog. If Run discovers its own reader has been marked
// dead (by another process's Purge outrunning it), it returns
// ErrReaderDead so the caller can re-attach from scratch.
func (t *Transport) Run(ctx context.Context, d *dispatch.Dispatcher) error {
	lastPurge := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if t.seg.IsOwner() && time.Since(lastPurge) > t.purgeEvery {
			if killed := t.ring.Purge(); killed != 0 {
				t.logger.Warn().Uint64("killed_mask", killed).Msg("ipc purge killed stalled readers")
				metrics.RecordIPCPurge()
				metrics.RecordRingSlowReaderKills("ipc", bits.OnesCount64(killed))
			}
			metrics.SetIPCAttachedReaders(t.ring.LiveReaders())
			lastPurge = time.Now()
		}

		if t.ring.IsDead(t.readerIdx) {
			return ErrReaderDead
		}

		if t.throttled != nil && t.throttled() {
			time.Sleep(time.Millisecond)
			continue
		}

		headBytes, body, ok := t.ring.Peek(t.readerIdx)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		head := tipsmsg.DecodeMessageHead(headBytes[:])
		if head.Flags()&tipsmsg.FlagHasAttachment != 0 && len(body) == 4 {
			h := Handle(binary.LittleEndian.Uint32(body))
			pool := t.seg.Pool()
			d.Dispatch(head, pool.Bytes(h))
			pool.Release(h)
		} else {
			d.Dispatch(head, body)
		}
		t.ring.WasteAfterPeek(t.readerIdx)
	}
}

// Close unmaps the segment. Owners that want the segment removed from
// the shared-memory namespace should call Unlink first.
func (t *Transport) Close() error { return t.seg.Close() }

// Unlink removes the segment's backing file; only the owner should
// call it, typically right before process exit.
func (t *Transport) Unlink() error { return t.seg.Unlink() }

// errReaderDead is the sentinel returned by Run when this transport's
// reader slot has been marked dead by the producer-side watchdog.
type errReaderDead struct{}

func (errReaderDead) Error() string { return "ipc: reader marked dead, must re-attach" }

// ErrReaderDead is returned by Transport.Run when this process's
// reader has been purged; the caller must Close and NewTransport again
// to re-attach with a fresh reader slot.
var ErrReaderDead error = errReaderDead{}
