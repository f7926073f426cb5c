package netrecv

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/attachment"
	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/tagset"
	"github.com/hmbdc-dev/tips/tipsmsg"
	"github.com/hmbdc-dev/tips/wire"
)

// Config configures an Engine.
type Config struct {
	MulticastAddr          string
	IfaceAddr              string
	Loopback               bool
	RecvReportDelay        time.Duration
	AllowRecvWithinProcess bool

	// Allocator supplies the buffer each Session reassembles a
	// segmented attachment into. Nil uses the heap default.
	Allocator attachment.Allocator
}

// Engine listens for TypeTagBackupSource advertisements on the
// multicast group and maintains one Session per advertising peer.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	conn       *net.UDPConn
	subscribed *tagset.TypeTagSet
	dispatcher *dispatch.Dispatcher

	selfPID int

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine joins the multicast group, ready to listen for
// advertisements and fast-path datagrams once Start is called.
func NewEngine(cfg Config, subscribed *tagset.TypeTagSet, d *dispatch.Dispatcher, logger zerolog.Logger) (*Engine, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("netrecv: resolve multicast addr: %w", err)
	}
	var iface *net.Interface
	conn, err := net.ListenMulticastUDP("udp", iface, addr)
	if err != nil {
		return nil, fmt.Errorf("netrecv: join multicast: %w", err)
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		subscribed: subscribed,
		dispatcher: d,
		selfPID:    os.Getpid(),
		sessions:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start launches the multicast ingest loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.ingestLoop()
}

// Stop closes the multicast socket and every open Session, then waits
// for the ingest loop to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.conn.Close()
	e.mu.Lock()
	for _, s := range e.sessions {
		s.Close()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) ingestLoop() {
	defer e.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, srcAddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Warn().Err(err).Msg("netrecv: multicast read failed")
				continue
			}
		}
		e.handleDatagram(buf[:n], srcAddr)
	}
}

func (e *Engine) handleDatagram(data []byte, src *net.UDPAddr) {
	_, head, body, _, ok := wire.DecodeFrame(data)
	if !ok {
		return
	}
	if head.TypeTag == tipsmsg.TagTypeTagBackupSource || head.TypeTag == tipsmsg.TagTypeTagBackupSourceAlt {
		e.handleAdvertisement(body, src)
		return
	}

	e.mu.Lock()
	sess := e.sessions[src.String()]
	e.mu.Unlock()
	if sess != nil {
		sess.OnDatagram(data)
	}
}

// handleAdvertisement parses a "tcp=<port>" advertisement body and
// opens a Session if not already connected to this peer, unless
// loopback suppression applies (a same-host advertisement is ignored
// unless Loopback is set).
func (e *Engine) handleAdvertisement(body []byte, src *net.UDPAddr) {
	text := string(body)
	if !strings.HasPrefix(text, "tcp=") {
		return
	}
	text = strings.TrimPrefix(text, "tcp=")
	if semi := strings.IndexByte(text, ';'); semi >= 0 {
		// Advertised tag list; not used to gate the connection
		// decision, see sendAdvertisement's doc comment.
		text = text[:semi]
	}
	port, err := strconv.Atoi(text)
	if err != nil {
		return
	}

	if !e.cfg.Loopback && e.isSelf(src) {
		return
	}

	key := src.String()
	e.mu.Lock()
	_, exists := e.sessions[key]
	e.mu.Unlock()
	if exists {
		return
	}

	ourTags := e.subscribed.Tags()
	sess, err := NewSession(src.IP.String(), port, ourTags, e.dispatcher, e.cfg.Allocator, e.logger)
	if err != nil {
		e.logger.Warn().Err(err).Str("peer", key).Msg("netrecv: failed to open session")
		return
	}
	e.mu.Lock()
	e.sessions[key] = sess
	e.mu.Unlock()
	e.dispatchSessionEvent(tipsmsg.TagSessionStarted, key)
	go func() {
		sess.Run(e.cfg.RecvReportDelay)
		e.mu.Lock()
		delete(e.sessions, key)
		e.mu.Unlock()
		e.dispatchSessionEvent(tipsmsg.TagSessionDropped, key)
	}()
}

// dispatchSessionEvent surfaces a SessionStarted/SessionDropped system
// message to local subscribers when a peer session opens or
// disappears. The body is the peer's address:port string.
func (e *Engine) dispatchSessionEvent(tag uint16, peer string) {
	var head tipsmsg.MessageHead
	head.TypeTag = tag
	head.SetNoSeq()
	e.dispatcher.Dispatch(head, []byte(peer))
}

// isSelf reports whether src looks like this process's own
// advertisement (same host). PID matching would require the
// advertisement to carry one, which this engine's wire format does
// not encode today, so the check degrades to IP-only.
func (e *Engine) isSelf(src *net.UDPAddr) bool {
	if !e.cfg.AllowRecvWithinProcess {
		for _, local := range localAddrs() {
			if local == src.IP.String() {
				return true
			}
		}
	}
	return false
}

func localAddrs() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			out = append(out, ipNet.IP.String())
		}
	}
	return out
}
