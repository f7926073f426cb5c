// Command tips-perf-thru measures pub/sub throughput across a group of
// sender and receiver Nodes running either in a single process (over
// the intra-process ring, broadcast or partition mode) or split across
// two processes joined by an IPC segment (creator/sender/receiver
// roles).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/domain"
	"github.com/hmbdc-dev/tips/ipc"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/runctx"
	"github.com/hmbdc-dev/tips/tipslog"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

const tagThru uint16 = 1001

// senderNode publishes as fast as it can, reporting messages-per-second
// on a recurring timer.
type senderNode struct {
	id          int
	dispatcher  *dispatch.Dispatcher
	timers      *dispatch.TimerSet
	d           *domain.Domain
	sent        atomic.Int64
	periodCount atomic.Int64
	stopped     atomic.Bool
}

func newSenderNode(id int, d *domain.Domain) *senderNode {
	n := &senderNode{id: id, dispatcher: dispatch.NewDispatcher(), timers: dispatch.NewTimerSet(), d: d}
	n.timers.ScheduleRecurring(time.Now().Add(time.Second), time.Second, func(time.Time) {
		count := n.periodCount.Swap(0)
		fmt.Printf("sender %d: msgSize=%d mps=%d\n", n.id, 8, count)
	})
	return n
}

func (n *senderNode) Name() string                     { return fmt.Sprintf("perf-thru-sender-%d", n.id) }
func (n *senderNode) Tags() []uint16                   { return nil }
func (n *senderNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *senderNode) Timers() *dispatch.TimerSet       { return n.timers }

// pump is run as its own goroutine, one per sender, and fires as many
// publishes as it can until stopped is set.
func (n *senderNode) pump() {
	var seq [8]byte
	batch := 20
	for !n.stopped.Load() {
		for i := 0; i < batch; i++ {
			s := n.sent.Add(1)
			seq[0] = byte(s)
			if err := n.d.PublishJustBytes(tagThru, seq[:]); err != nil {
				metrics.RecordPublishError("perf-thru")
			}
		}
		n.periodCount.Add(int64(batch))
	}
}

// receiverNode counts inbound messages per second, reporting on a
// recurring timer.
type receiverNode struct {
	id          int
	dispatcher  *dispatch.Dispatcher
	timers      *dispatch.TimerSet
	periodCount atomic.Int64
}

func newReceiverNode(id int) *receiverNode {
	n := &receiverNode{id: id, dispatcher: dispatch.NewDispatcher(), timers: dispatch.NewTimerSet()}
	n.dispatcher.Register(tagThru, n.onMessage)
	n.timers.ScheduleRecurring(time.Now().Add(time.Second), time.Second, func(time.Time) {
		count := n.periodCount.Swap(0)
		fmt.Printf("receiver %d: mps=%d\n", n.id, count)
	})
	return n
}

func (n *receiverNode) Name() string                     { return fmt.Sprintf("perf-thru-receiver-%d", n.id) }
func (n *receiverNode) Tags() []uint16                   { return []uint16{tagThru} }
func (n *receiverNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *receiverNode) Timers() *dispatch.TimerSet       { return n.timers }

func (n *receiverNode) onMessage(head tipsmsg.MessageHead, body []byte) {
	n.periodCount.Add(1)
}

func parseCPUList(s string, fallback int) []int {
	if s == "" {
		return []int{fallback}
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []int{fallback}
	}
	return out
}

func main() {
	var (
		partition   = flag.Bool("partition", false, "use partition mode instead of broadcast mode")
		usePool     = flag.Bool("usePool", false, "run all clients off a shared worker pool instead of one goroutine each")
		ringPow2    = flag.Int("bufferSizePower2", 15, "2^bufferSizePower2 is the intra-process ring capacity")
		sendCPUs    = flag.String("sendCpus", "0", "comma separated cpu affinity indices, one per sender")
		recvCPUs    = flag.String("recvCpus", "1", "comma separated cpu affinity indices, one per receiver")
		ipcRole     = flag.String("ipc", "n", "n=no ipc, c=ipc creator, s=ipc sender, r=ipc receiver")
		ipcDir      = flag.String("ipcDir", "/dev/shm", "ipc segment directory")
		ipcName     = flag.String("ipcName", "tipsperf", "ipc segment name")
		metricsAddr = flag.String("metricsAddr", "", "if set, serve Prometheus metrics on this address")
	)
	flag.Parse()

	logger := tipslog.New(tipslog.Config{Level: tipslog.LevelInfo, Format: tipslog.FormatPretty, Service: "tips-perf-thru"})

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	mode := runctx.ModeBroadcast
	if *partition {
		mode = runctx.ModePartition
	}
	if *usePool {
		mode = runctx.ModePool
	}

	cfg := domain.Config{
		Logger:           logger,
		ContextMode:      mode,
		RingCapacity:     1 << uint(*ringPow2),
		MaxNodes:         32,
		MaxBatchMessages: 64,
	}

	sendCPUList := parseCPUList(*sendCPUs, 0)
	recvCPUList := parseCPUList(*recvCPUs, 1)

	switch *ipcRole {
	case "c":
		cfg.IPC = &domain.IPCConfig{Dir: *ipcDir, Name: *ipcName, Ownership: ipc.OwnershipOwn, Layout: ipc.Header{Capacity: uint32(1 << uint(*ringPow2)), NumReaders: 8, SlotPayloadCap: 4096}}
	case "s", "r":
		cfg.IPC = &domain.IPCConfig{Dir: *ipcDir, Name: *ipcName, Ownership: ipc.OwnershipAttach}
	}

	d, err := domain.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("perf-thru: failed to build domain")
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var senders []*senderNode

	runSenders := *ipcRole == "n" || *ipcRole == "s"
	runReceivers := *ipcRole == "n" || *ipcRole == "r"

	if runReceivers {
		for i, cpu := range recvCPUList {
			node := newReceiverNode(i)
			h := d.Add(node)
			d.Start(h, uint64(1)<<uint(cpu), time.Microsecond)
		}
	}
	if runSenders {
		for i, cpu := range sendCPUList {
			node := newSenderNode(i, d)
			h := d.Add(node)
			d.Start(h, uint64(1)<<uint(cpu), time.Microsecond)
			senders = append(senders, node)
			go node.pump()
		}
	}

	if cfg.IPC != nil {
		d.StartPumping(sigCtx)
	}

	fmt.Println("ctrl-c to stop")
	<-sigCtx.Done()

	for _, s := range senders {
		s.stopped.Store(true)
	}

	if err := d.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("perf-thru: shutdown error")
	}
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("perf-thru: metrics server exited")
	}
}
