// Package netrecv implements the reliable network recv engine: one
// Session per advertised peer, each running a 2-participant arbiter
// (UDP multicast fast path, TCP backup channel) that tracks the
// expected sequence and requests gap repair over the backup channel.
package netrecv

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/attachment"
	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/tagset"
	"github.com/hmbdc-dev/tips/tipsmsg"
	"github.com/hmbdc-dev/tips/wire"
)

// AttachmentTrain is the in-flight reassembly state for a segmented
// attachment; a session holds at most one train at a time.
type AttachmentTrain struct {
	UnderlyingTag    uint16
	TotalLen         int
	FilledLen        int
	Buffer           []byte
	ExpectedSegCount int
	SegmentsSeen     int
}

// Session tracks one advertised peer: its expected sequence, any
// pending gap, and at most one in-flight attachment train.
type Session struct {
	PeerAddr string
	PeerPort int

	mu            sync.Mutex
	minSeqRecv    uint64
	expectedSeq   uint64
	gapPending    bool
	gapPendingSeq uint64
	advertised    *tagset.TypeTagSet
	train         *AttachmentTrain

	conn    net.Conn
	writeMu sync.Mutex
	writer  *bufio.Writer
	logger  zerolog.Logger

	dispatcher  *dispatch.Dispatcher
	allocator   attachment.Allocator
	stopCh      chan struct{}
	trainOpened time.Time
}

// NewSession dials the TCP backup endpoint advertised by a peer and
// performs the handshake: read the initial min_seq, then send this
// process's subscriptions.
func NewSession(peerAddr string, tcpPort int, ourTags []uint16, d *dispatch.Dispatcher, alloc attachment.Allocator, logger zerolog.Logger) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", peerAddr, tcpPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netrecv: dial backup channel %s: %w", addr, err)
	}

	var minSeqBytes [8]byte
	if _, err := io.ReadFull(conn, minSeqBytes[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("netrecv: read initial min_seq: %w", err)
	}
	var minSeq uint64
	for i := 0; i < 8; i++ {
		minSeq |= uint64(minSeqBytes[i]) << (8 * i)
	}

	if alloc == nil {
		alloc = attachment.DefaultAllocator
	}

	s := &Session{
		PeerAddr:    peerAddr,
		PeerPort:    tcpPort,
		minSeqRecv:  minSeq,
		expectedSeq: minSeq,
		advertised:  tagset.New(),
		conn:        conn,
		writer:      bufio.NewWriter(conn),
		logger:      logger,
		dispatcher:  d,
		allocator:   alloc,
		stopCh:      make(chan struct{}),
	}

	var sub strings.Builder
	for _, tag := range ourTags {
		fmt.Fprintf(&sub, "+%d\t", tag)
	}
	sub.WriteString("+\t")
	s.sendCommand(sub.String())

	metrics.RecordSessionOpened()
	return s, nil
}

// sendCommand writes a tab-terminated ASCII command to the backup
// channel. Both the read loop (gap requests) and the heartbeat ticker
// write to the same connection from different goroutines, so writes
// are serialized under writeMu.
func (s *Session) sendCommand(cmd string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fmt.Fprint(s.writer, cmd)
	s.writer.Flush()
}

// Run starts the session's heartbeat/gap-probe ticker and the TCP
// read loop; it blocks until Close is called or the connection drops.
func (s *Session) Run(recvReportDelay time.Duration) {
	go s.heartbeatLoop(recvReportDelay)
	s.readLoop()
}

func (s *Session) heartbeatLoop(delay time.Duration) {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			seq := s.expectedSeq
			s.mu.Unlock()
			s.sendCommand(fmt.Sprintf("=%d,0\t", seq))
		}
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, 64*1024)
	pending := make([]byte, 0, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.logger.Warn().Err(err).Str("peer", s.PeerAddr).Msg("netrecv: backup channel read failed")
			s.Close()
			return
		}
		pending = append(pending, buf[:n]...)
		pending = s.consumeFrames(pending, sourceTCP)
	}
}

type source int

const (
	sourceUDP source = iota
	sourceTCP
)

// OnDatagram feeds a UDP multicast datagram's frames through the
// arbiter exactly like TCP frames, differing only in the source tag
// used for gap-vs-duplicate bookkeeping.
func (s *Session) OnDatagram(data []byte) {
	s.consumeFrames(data, sourceUDP)
}

func (s *Session) consumeFrames(data []byte, src source) []byte {
	for len(data) >= wire.FrameHeaderSize {
		_, head, body, n, ok := wire.DecodeFrame(data)
		if !ok {
			break
		}
		s.arbitrate(head, body, src)
		data = data[n:]
	}
	return data
}

// arbitrate is the per-session 2-participant arbiter: on seq ==
// expected, deliver and advance; on seq > expected, request a gap
// repair on the TCP channel; on seq < expected, discard as a
// duplicate or an already-filled replay.
func (s *Session) arbitrate(head tipsmsg.MessageHead, body []byte, src source) {
	if head.TypeTag == tipsmsg.TagSeqAlert || head.TypeTag == tipsmsg.TagSeqAlertAlt {
		s.handleSeqAlert(head)
		return
	}
	if head.HasNoSeq() {
		s.dispatcher.Dispatch(head, body)
		return
	}

	seq := head.Seq48()
	s.mu.Lock()
	switch {
	case seq == s.expectedSeq:
		s.expectedSeq++
		if s.gapPending && s.expectedSeq > s.gapPendingSeq {
			s.gapPending = false
		}
		s.mu.Unlock()
		s.deliver(head, body)
	case seq > s.expectedSeq:
		if !s.gapPending {
			s.gapPending = true
			s.gapPendingSeq = seq
			gapLen := seq - s.expectedSeq
			expected := s.expectedSeq
			s.mu.Unlock()
			metrics.RecordGapRepair()
			s.sendCommand(fmt.Sprintf("=%d,%d\t", expected, gapLen))
			return
		}
		s.mu.Unlock()
	default:
		// seq < expectedSeq: a duplicate or an already-filled replay.
		// Discarded regardless of which channel carried it — the TCP
		// backup redundantly replays sequences the UDP fast path may
		// have already delivered, and delivering them again would break
		// the exactly-once ordering the arbiter exists to enforce.
		s.mu.Unlock()
	}
}

// handleSeqAlert advances the expected sequence up to the announced
// boundary when no data exists in between, used by the sender to flush
// ordering at quiescent times.
func (s *Session) handleSeqAlert(head tipsmsg.MessageHead) {
	alertSeq := head.Seq48()
	s.mu.Lock()
	if alertSeq > s.expectedSeq {
		s.expectedSeq = alertSeq
		s.gapPending = false
	}
	s.mu.Unlock()
}

func (s *Session) deliver(head tipsmsg.MessageHead, body []byte) {
	switch head.TypeTag {
	case tipsmsg.TagStartMemorySegTrain:
		s.startTrain(head, body)
	case tipsmsg.TagMemorySeg:
		s.appendSegment(head, body)
	case tipsmsg.TagInBandHasMemoryAttachment:
		s.finishTrain(head, body)
	default:
		s.dispatcher.Dispatch(head, body)
	}
}

func (s *Session) startTrain(head tipsmsg.MessageHead, body []byte) {
	if len(body) < 8 {
		return
	}
	totalLen := int(uint32(body[0]) | uint32(body[1])<<8 | uint32(body[2])<<16 | uint32(body[3])<<24)
	segCount := int(uint32(body[4]) | uint32(body[5])<<8 | uint32(body[6])<<16 | uint32(body[7])<<24)

	s.mu.Lock()
	// A new train while one is in progress aborts the previous one,
	// releasing its partial buffer.
	s.train = &AttachmentTrain{
		UnderlyingTag:    head.InbandTag(),
		TotalLen:         totalLen,
		Buffer:           s.allocator.Allocate(totalLen),
		ExpectedSegCount: segCount,
	}
	s.trainOpened = time.Now()
	s.mu.Unlock()
}

func (s *Session) appendSegment(head tipsmsg.MessageHead, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.train == nil {
		return
	}
	// A segment for a different train, one past the announced count, or
	// one that would overflow the announced total aborts the in-flight
	// train: the partial buffer is dropped and the session advances past
	// the rest of the dead train's segments.
	if s.train.UnderlyingTag != head.InbandTag() ||
		s.train.SegmentsSeen >= s.train.ExpectedSegCount ||
		s.train.FilledLen+len(body) > s.train.TotalLen {
		s.train = nil
		return
	}
	s.train.Buffer = append(s.train.Buffer, body...)
	s.train.FilledLen += len(body)
	s.train.SegmentsSeen++
}

// finishTrain completes a reassembly and redispatches under the
// application's real tag (carried in the terminal frame's InbandTag),
// not TagInBandHasMemoryAttachment itself.
func (s *Session) finishTrain(head tipsmsg.MessageHead, body []byte) {
	s.mu.Lock()
	train := s.train
	s.train = nil
	opened := s.trainOpened
	s.mu.Unlock()

	var attachment []byte
	if train != nil && train.UnderlyingTag == head.InbandTag() && train.FilledLen == train.TotalLen {
		attachment = train.Buffer
		metrics.RecordAttachmentReassembled(time.Since(opened).Seconds(), len(attachment))
	}
	realHead := head
	realHead.TypeTag = head.InbandTag()
	s.dispatcher.Dispatch(realHead, append(append([]byte(nil), body...), attachment...))
}

// Close tears the session down.
func (s *Session) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		metrics.RecordSessionDropped()
	}
	s.conn.Close()
}
