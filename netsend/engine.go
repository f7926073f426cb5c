package netsend

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/ring"
	"github.com/hmbdc-dev/tips/tagset"
	"github.com/hmbdc-dev/tips/tipsmsg"
	"github.com/hmbdc-dev/tips/wire"
)

// Config configures an Engine.
type Config struct {
	MulticastAddr           string // e.g. "239.0.0.1:30001"
	IfaceAddr               string
	MTU                     int
	TCPPort                 int
	TTL                     int
	SendBytesPerSec         int
	SendBytesBurst          int
	OutRingCapacity         int // power of two
	MaxSendBatch            int
	TypeTagAdvertisePeriod  time.Duration
	MinRecvToStart          int
	WaitForSlowReceivers    bool
	ReplayHistoryForNewRecv int
}

// subscriber is one TCP-connected backup-channel peer.
type subscriber struct {
	conn    net.Conn
	writer  *bufio.Writer
	tags    *tagset.TypeTagSet
	lastSeq uint64 // last sequence this subscriber is known caught up to
	alive   int32
}

// Engine is the reliable network send engine: it multicasts messages
// on UDP for the fast path, and serves a TCP backup/replay channel for
// gap repair and late-joining subscribers.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	udpConn  *net.UDPConn
	listener net.Listener
	rater    *Rater
	outRing  *ring.RingBuffer[tipsmsg.MessageWrap[[]byte]]

	// sendMu guards the pending-datagram batch: Publish appends to it and
	// flushes it as one UDP write once MaxSendBatch messages are queued,
	// the next frame wouldn't fit under MTU, or drainLoop's ticker fires.
	sendMu        sync.Mutex
	pendingHeads  []tipsmsg.MessageHead
	pendingBodies [][]byte
	pendingBytes  int

	mu          sync.Mutex
	subscribers []*subscriber
	advertised  *tagset.TypeTagSet

	// subscriberTags is the refcounted union of every live subscriber's
	// wanted tags: Publish consults it so Domain can skip the network
	// route entirely when no connected peer wants a tag.
	subscriberTags *tagset.TypeTagSet

	connectedCount int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine dials the multicast group and opens the TCP backup
// listener, but does not start pumping until Start is called.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", cfg.MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("netsend: resolve multicast addr: %w", err)
	}
	var laddr *net.UDPAddr
	if cfg.IfaceAddr != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(cfg.IfaceAddr)}
	}
	conn, err := net.DialUDP("udp", laddr, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("netsend: dial multicast: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("netsend: listen tcp backup channel: %w", err)
	}

	ringCap := cfg.OutRingCapacity
	if ringCap == 0 {
		ringCap = 1 << 16
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger,
		udpConn:        conn,
		listener:       listener,
		rater:          NewRater(cfg.SendBytesPerSec, cfg.SendBytesBurst),
		outRing:        ring.NewHistoryOnly[tipsmsg.MessageWrap[[]byte]](ringCap),
		advertised:     tagset.New(),
		subscriberTags: tagset.New(),
		stopCh:         make(chan struct{}),
	}
	return e, nil
}

// Start launches the accept loop, the advertisement ticker and the
// outgoing-ring drain loop.
func (e *Engine) Start() {
	e.wg.Add(3)
	go e.acceptLoop()
	go e.advertiseLoop()
	go e.drainLoop()
}

// Stop tears down listeners and connections and waits for all
// goroutines to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.listener.Close()
	e.udpConn.Close()
	e.mu.Lock()
	for _, s := range e.subscribers {
		s.conn.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Advertise marks tag as carried by this engine, included in future
// TypeTagBackupSource broadcasts.
func (e *Engine) Advertise(tag uint16) { e.advertised.Add(tag) }

// HasSubscriberFor reports whether any currently-connected backup
// subscriber has expressed interest in tag, letting Domain.Publish
// skip the network route entirely when nobody out there is listening.
func (e *Engine) HasSubscriberFor(tag uint16) bool { return e.subscriberTags.Check(tag) }

// Publish rate-limits and multicasts head/body, and enqueues it onto
// the outgoing ring so TCP backup subscribers can replay it on gap
// repair. If fewer than MinRecvToStart subscribers are connected,
// Publish is a no-op, holding traffic until the bootstrap quorum has
// arrived. The wire
// sequence number is assigned from the outgoing ring's own claim
// counter, not supplied by the caller, so a subscriber's gap-repair
// request (by sequence) and PeekAt's ring lookup (by the same
// sequence) always agree on what a given number means; head carries
// no sequence if HasNoSeq was already set by the caller (system
// broadcasts that don't participate in gap repair).
//
// The outgoing ring (a history-only buffer, see ring.NewHistoryOnly)
// never gates on a reader, so WaitForSlowReceivers no longer blocks or
// kills anything at Claim time here: a subscriber that falls behind
// simply finds its gap-repair requests answered with PeekAt misses
// once the ring has wrapped past them (replay then substitutes a
// flush record), and disconnectSlowestSubscriber evicts the furthest-
// behind subscriber once per advertisement cycle when
// !WaitForSlowReceivers, based on each subscriber's own last-known
// sequence (updated from its TCP command stream) rather than a
// phantom ring reader.
func (e *Engine) Publish(head tipsmsg.MessageHead, body []byte) error {
	if atomic.LoadInt64(&e.connectedCount) < int64(e.cfg.MinRecvToStart) {
		return nil
	}
	n := wire.FrameHeaderSize + tipsmsg.HeadSize + len(body)
	if !e.rater.Commit(n) {
		return nil
	}

	it := e.outRing.Claim(1)
	if !head.HasNoSeq() {
		head.SetSeq48(it.Begin)
	}

	payload := append([]byte(nil), body...)
	e.outRing.Commit(it, tipsmsg.MessageWrap[[]byte]{Head: head, Payload: payload})

	return e.enqueueForSend(head, payload)
}

// enqueueForSend appends head/payload to the pending outgoing datagram
// and flushes it once MaxSendBatch messages are queued or the next
// frame would overflow MTU, batching multiple messages per UDP
// datagram via wire.PackDatagram instead of one datagram per message.
func (e *Engine) enqueueForSend(head tipsmsg.MessageHead, payload []byte) error {
	maxBatch := e.cfg.MaxSendBatch
	if maxBatch <= 0 {
		maxBatch = 1
	}
	need := wire.FrameHeaderSize + tipsmsg.HeadSize + len(payload)

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if len(e.pendingHeads) > 0 && (len(e.pendingHeads) >= maxBatch || e.pendingBytes+need > e.cfg.MTU) {
		if err := e.flushPendingLocked(); err != nil {
			return err
		}
	}

	e.pendingHeads = append(e.pendingHeads, head)
	e.pendingBodies = append(e.pendingBodies, payload)
	e.pendingBytes += need

	if len(e.pendingHeads) >= maxBatch || e.pendingBytes >= e.cfg.MTU {
		return e.flushPendingLocked()
	}
	return nil
}

// flushPendingLocked packs every pending message into one datagram via
// wire.PackDatagram and writes it, the caller must hold sendMu. The
// buffer is grown to fit pendingBytes when a single oversized message
// (or unlikely accumulation) exceeds MTU on its own, rather than
// truncating to the configured MTU and having wire.PackDatagram silently
// pack zero frames into it — that would drop the message with no error
// surfaced to Publish's caller.
func (e *Engine) flushPendingLocked() error {
	if len(e.pendingHeads) == 0 {
		return nil
	}
	mtu := e.cfg.MTU
	if mtu <= 0 || mtu < e.pendingBytes {
		mtu = e.pendingBytes
	}
	buf := make([]byte, mtu)
	_, written := wire.PackDatagram(buf, e.pendingHeads, e.pendingBodies)

	e.pendingHeads = e.pendingHeads[:0]
	e.pendingBodies = e.pendingBodies[:0]
	e.pendingBytes = 0

	_, err := e.udpConn.Write(buf[:written])
	return err
}

// PublishFragmented sends a large attachment as a
// StartMemorySegTrain/MemorySeg*/terminal-message train. The terminal
// frame's wire
// tag is always TagInBandHasMemoryAttachment, with underlyingTag
// carried in its scratchpad, so any recv engine can recognize train
// completion without knowing the application's concrete type tags; the
// real tag is recovered via InbandTag() on delivery.
func (e *Engine) PublishFragmented(underlyingTag uint16, attachment []byte, finalBody []byte) error {
	segPayload := e.cfg.MTU - wire.FrameHeaderSize - tipsmsg.HeadSize - 16
	if segPayload <= 0 {
		return fmt.Errorf("netsend: MTU too small for fragmentation")
	}
	segCount := (len(attachment) + segPayload - 1) / segPayload

	var startHead tipsmsg.MessageHead
	startHead.TypeTag = tipsmsg.TagStartMemorySegTrain
	startHead.SetInbandTag(underlyingTag)
	startBody := encodeUint32Pair(uint32(len(attachment)), uint32(segCount))
	if err := e.Publish(startHead, startBody); err != nil {
		return err
	}

	for i := 0; i < segCount; i++ {
		begin := i * segPayload
		end := begin + segPayload
		if end > len(attachment) {
			end = len(attachment)
		}
		var segHead tipsmsg.MessageHead
		segHead.TypeTag = tipsmsg.TagMemorySeg
		segHead.SetInbandTag(underlyingTag)
		if err := e.Publish(segHead, attachment[begin:end]); err != nil {
			return err
		}
	}

	var finalHead tipsmsg.MessageHead
	finalHead.TypeTag = tipsmsg.TagInBandHasMemoryAttachment
	finalHead.SetInbandTag(underlyingTag)
	return e.Publish(finalHead, finalBody)
}

func encodeUint32Pair(a, b uint32) []byte {
	out := make([]byte, 8)
	out[0], out[1], out[2], out[3] = byte(a), byte(a>>8), byte(a>>16), byte(a>>24)
	out[4], out[5], out[6], out[7] = byte(b), byte(b>>8), byte(b>>16), byte(b>>24)
	return out
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Warn().Err(err).Msg("netsend: accept failed")
				continue
			}
		}
		e.wg.Add(1)
		go e.serveSubscriber(conn)
	}
}

func (e *Engine) serveSubscriber(conn net.Conn) {
	defer e.wg.Done()
	defer conn.Close()

	e.mu.Lock()
	sub := &subscriber{conn: conn, writer: bufio.NewWriter(conn), tags: tagset.New(), alive: 1}
	e.subscribers = append(e.subscribers, sub)
	e.mu.Unlock()
	atomic.AddInt64(&e.connectedCount, 1)
	defer atomic.AddInt64(&e.connectedCount, -1)
	defer atomic.StoreInt32(&sub.alive, 0)
	defer func() {
		for _, tag := range sub.tags.Tags() {
			for n := sub.tags.Count(tag); n > 0; n-- {
				e.subscriberTags.Sub(tag)
			}
		}
	}()

	// Offer newly-joined subscribers a window of recent history to
	// replay instead of starting exactly at "now" with nothing behind
	// them.
	minSeq := e.outRing.ToBeClaimed()
	if hist := uint64(e.cfg.ReplayHistoryForNewRecv); hist > 0 && hist < minSeq {
		minSeq -= hist
	} else if hist >= minSeq {
		minSeq = 0
	}
	atomic.StoreUint64(&sub.lastSeq, minSeq)
	var minSeqBytes [8]byte
	for i := 0; i < 8; i++ {
		minSeqBytes[i] = byte(minSeq >> (8 * i))
	}
	if _, err := conn.Write(minSeqBytes[:]); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Split(scanTabTerminated)
	for scanner.Scan() {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.handleCommand(sub, scanner.Text())
	}
}

// scanTabTerminated splits on '\t', the TCP backup channel's ASCII
// command framing.
func scanTabTerminated(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\t' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (e *Engine) handleCommand(sub *subscriber, line string) {
	if line == "" {
		return
	}
	switch line[0] {
	case '+':
		rest := line[1:]
		if rest == "" {
			return // "+\t" done marker
		}
		if tag, err := strconv.ParseUint(rest, 10, 16); err == nil {
			sub.tags.Add(uint16(tag))
			e.subscriberTags.Add(uint16(tag))
		}
	case '-':
		if tag, err := strconv.ParseUint(line[1:], 10, 16); err == nil {
			sub.tags.Sub(uint16(tag))
			e.subscriberTags.Sub(uint16(tag))
		}
	case '=':
		parts := strings.SplitN(line[1:], ",", 2)
		if len(parts) != 2 {
			return
		}
		seq, err1 := strconv.ParseUint(parts[0], 10, 64)
		length, err2 := strconv.ParseUint(parts[1], 10, 64)
		if err1 != nil || err2 != nil {
			return
		}
		// Every "=<seq>,<len>\t" is both a replay request and, for a
		// zero-length heartbeat/gap-probe, this subscriber's only signal
		// of how far it has progressed — track it so
		// disconnectSlowestSubscriber can identify real lag instead of
		// gating on a ring reader nothing ever advances. Clamp to the
		// current write head first: a malformed or buggy client could
		// otherwise report a seq ahead of anything actually published,
		// which would underflow disconnectSlowestSubscriber's unsigned
		// head-minus-lastSeq lag computation into a huge value and get
		// a perfectly caught-up subscriber evicted.
		if head := e.outRing.ToBeClaimed(); seq <= head {
			atomic.StoreUint64(&sub.lastSeq, seq)
		} else {
			atomic.StoreUint64(&sub.lastSeq, head)
		}
		e.replay(sub, seq, length)
	}
}

// replay iterates the in-memory outgoing ring starting at seq for
// length messages, substituting a zero-payload flush record for
// anything the subscriber isn't subscribed to, preserving sequencing.
func (e *Engine) replay(sub *subscriber, seq, length uint64) {
	for i := uint64(0); i < length; i++ {
		target := seq + i
		head := tipsmsg.MessageHead{TypeTag: tipsmsg.TagFlush}
		head.SetSeq48(target)
		var body []byte

		if env, ok := e.outRing.PeekAt(target); ok {
			if sub.tags.Check(env.Head.TypeTag) {
				head, body = env.Head, env.Payload
			}
		}

		buf := make([]byte, wire.FrameHeaderSize+tipsmsg.HeadSize+len(body))
		n := wire.EncodeFrame(buf, wire.FlagNone, head, body)
		if _, err := sub.writer.Write(buf[:n]); err != nil {
			return
		}
	}
	sub.writer.Flush()
}

func (e *Engine) advertiseLoop() {
	defer e.wg.Done()
	interval := e.cfg.TypeTagAdvertisePeriod
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sendAdvertisement()
			e.sendSeqAlert()
			if !e.cfg.WaitForSlowReceivers {
				e.disconnectSlowestSubscriber()
			}
		}
	}
}

// sendSeqAlert announces the current write-head sequence so receivers
// whose multicast tail was lost at a quiescent moment can fast-forward
// expected_seq to the hole boundary instead of waiting on a gap repair
// that no further traffic will trigger.
func (e *Engine) sendSeqAlert() {
	head := e.outRing.ToBeClaimed()
	if head == 0 {
		return
	}
	var alert tipsmsg.MessageHead
	alert.TypeTag = tipsmsg.TagSeqAlert
	alert.SetSeq48(head)

	buf := make([]byte, wire.FrameHeaderSize+tipsmsg.HeadSize)
	n := wire.EncodeFrame(buf, wire.FlagNone, alert, nil)
	e.udpConn.Write(buf[:n])
}

// sendAdvertisement broadcasts one or more TypeTagBackupSource records
// naming the TCP backup endpoint and the tags currently advertised,
// chunked to at most 64 tags per record. A peer's recv engine still
// connects regardless of tag overlap and relies on the TCP handshake's
// subscription commands to filter what it actually gets; netrecv.Engine
// does not read the tag list and dials every advertised peer.
func (e *Engine) sendAdvertisement() {
	const maxTagsPerRecord = 64
	tags := e.advertised.Tags()
	if len(tags) == 0 {
		e.sendAdvertisementRecord(nil)
		return
	}
	for i := 0; i < len(tags); i += maxTagsPerRecord {
		end := i + maxTagsPerRecord
		if end > len(tags) {
			end = len(tags)
		}
		e.sendAdvertisementRecord(tags[i:end])
	}
}

func (e *Engine) sendAdvertisementRecord(tags []uint16) {
	var head tipsmsg.MessageHead
	head.TypeTag = tipsmsg.TagTypeTagBackupSource
	head.SetNoSeq()

	body := []byte(advertisementBody(e.cfg.TCPPort, tags))

	buf := make([]byte, wire.FrameHeaderSize+tipsmsg.HeadSize+len(body))
	n := wire.EncodeFrame(buf, wire.FlagNone, head, body)
	e.udpConn.Write(buf[:n])
}

// advertisementBody renders the "tcp=<port>[;tags=<csv>]" advertisement
// payload, split out from sendAdvertisementRecord so the format can be
// tested without a live UDP socket.
func advertisementBody(tcpPort int, tags []uint16) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tcp=%d", tcpPort)
	if len(tags) > 0 {
		sb.WriteString(";tags=")
		for i, t := range tags {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "%d", t)
		}
	}
	return sb.String()
}

// disconnectSlowestSubscriber evicts the single furthest-behind
// connected subscriber once per advertisement cycle when
// !WaitForSlowReceivers. "Behind" is measured against each subscriber's own
// lastSeq, tracked from its TCP command stream, rather than a ring
// reader index nothing ever advances: a subscriber more than one
// ring capacity behind the current write head has fallen out of the
// replay window and can no longer be made whole, so it is the
// candidate to drop.
func (e *Engine) disconnectSlowestSubscriber() {
	head := e.outRing.ToBeClaimed()
	capacity := uint64(e.outRing.Capacity())

	e.mu.Lock()
	var worst *subscriber
	var worstLag uint64
	for _, s := range e.subscribers {
		if atomic.LoadInt32(&s.alive) == 0 {
			continue
		}
		lag := head - atomic.LoadUint64(&s.lastSeq)
		if lag > capacity && lag > worstLag {
			worst, worstLag = s, lag
		}
	}
	e.mu.Unlock()

	if worst == nil {
		return
	}
	worst.conn.Close()
	metrics.RecordSlowSubscriberKill()
	metrics.RecordRingSlowReaderKills("netsend-out", 1)
}

// drainLoop periodically flushes any pending batch that hasn't filled
// to MaxSendBatch/MTU on its own, so a quiet publisher's last few
// messages don't sit unsent waiting for a batch that will never fill.
func (e *Engine) drainLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.sendMu.Lock()
			e.flushPendingLocked()
			e.sendMu.Unlock()
			return
		case <-ticker.C:
			e.sendMu.Lock()
			e.flushPendingLocked()
			e.sendMu.Unlock()
		}
	}
}
