// Command tips-ping-pong measures round-trip and one-way latency
// between two processes: a pinger that rate-limits and timestamps
// outgoing Ping messages, and a ponger that echoes each Ping back as a
// Pong immediately on receipt.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	_ "go.uber.org/automaxprocs"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/domain"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/runctx"
	"github.com/hmbdc-dev/tips/tipslog"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

const (
	tagPing uint16 = 1001
	tagPong uint16 = 1002
)

// latencyStat accumulates round-trip samples: count, mean, stddev,
// min, max, and the 99th percentile computed at report time.
type latencyStat struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (s *latencyStat) add(d time.Duration) {
	s.mu.Lock()
	s.samples = append(s.samples, d)
	s.mu.Unlock()
}

func (s *latencyStat) report() string {
	s.mu.Lock()
	samples := append([]time.Duration(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		return "no samples (nothing came back; check multicast/firewall)"
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	mean := sum / time.Duration(len(samples))

	var variance float64
	for _, d := range samples {
		diff := float64(d - mean)
		variance += diff * diff
	}
	variance /= float64(len(samples))
	stddev := time.Duration(math.Sqrt(variance))

	p99 := samples[int(float64(len(samples))*0.99)]
	if p99idx := len(samples) - 1; int(float64(len(samples))*0.99) > p99idx {
		p99 = samples[p99idx]
	}

	return fmt.Sprintf("n=%d mean=%s stddev=%s min=%s max=%s p99=%s",
		len(samples), mean, stddev, samples[0], samples[len(samples)-1], p99)
}

func encodePayload(tag uint16, size int, ts time.Time) []byte {
	if size < 16 {
		size = 16
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(size))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.UnixNano()))
	return buf
}

func decodeTimestamp(body []byte) time.Time {
	if len(body) < 16 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(body[8:16])))
}

type pingerNode struct {
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.TimerSet
	stat       latencyStat
	skipFirst  int
	pingCount  int
}

func newPingerNode(skipFirst int) *pingerNode {
	n := &pingerNode{dispatcher: dispatch.NewDispatcher(), timers: dispatch.NewTimerSet(), skipFirst: skipFirst}
	n.dispatcher.Register(tagPong, n.onPong)
	return n
}

func (n *pingerNode) Name() string                     { return "pinger" }
func (n *pingerNode) Tags() []uint16                   { return []uint16{tagPong} }
func (n *pingerNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *pingerNode) Timers() *dispatch.TimerSet       { return n.timers }

func (n *pingerNode) onPong(head tipsmsg.MessageHead, body []byte) {
	sentAt := decodeTimestamp(body)
	if sentAt.IsZero() {
		return
	}
	lat := time.Since(sentAt)
	n.pingCount++
	if n.skipFirst > 0 {
		n.skipFirst--
		return
	}
	n.stat.add(lat)
}

type pongerNode struct {
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.TimerSet
	stat       latencyStat
	skipFirst  int
	d          *domain.Domain
}

func newPongerNode(skipFirst int) *pongerNode {
	n := &pongerNode{dispatcher: dispatch.NewDispatcher(), timers: dispatch.NewTimerSet(), skipFirst: skipFirst}
	n.dispatcher.Register(tagPing, n.onPing)
	return n
}

func (n *pongerNode) Name() string                     { return "ponger" }
func (n *pongerNode) Tags() []uint16                   { return []uint16{tagPing} }
func (n *pongerNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *pongerNode) Timers() *dispatch.TimerSet       { return n.timers }

func (n *pongerNode) onPing(head tipsmsg.MessageHead, body []byte) {
	now := time.Now()
	if err := n.d.PublishJustBytes(tagPong, body); err != nil {
		metrics.RecordPublishError("ping-pong")
	}
	sentAt := decodeTimestamp(body)
	if sentAt.IsZero() {
		return
	}
	lat := now.Sub(sentAt)
	if n.skipFirst > 0 {
		n.skipFirst--
		return
	}
	n.stat.add(lat)
}

func main() {
	var (
		role        = flag.String("role", "ping", "ping or pong")
		msgSize     = flag.Int("msgSize", 64, "message payload size in bytes")
		msgPerSec   = flag.Int("msgPerSec", 1000, "ping publish rate")
		skipFirst   = flag.Int("skipFirst", 10, "warmup samples to discard before recording stats")
		runSeconds  = flag.Int("runTime", 0, "stop automatically after this many seconds (0 = run until signalled)")
		ringCap     = flag.Int("ringCapacity", 4096, "intra-process ring capacity")
		metricsAddr = flag.String("metricsAddr", "", "if set, serve Prometheus metrics on this address")
	)
	flag.Parse()

	logger := tipslog.New(tipslog.Config{Level: tipslog.LevelInfo, Format: tipslog.FormatPretty, Service: "tips-ping-pong"})

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("ping-pong: metrics server exited")
			}
		}()
	}

	d, err := domain.New(domain.Config{
		Logger:           logger,
		ContextMode:      runctx.ModeBroadcast,
		RingCapacity:     *ringCap,
		MaxNodes:         1,
		MaxBatchMessages: 64,
	})
	if err != nil {
		logger.Error().Err(err).Msg("ping-pong: failed to build domain")
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *role {
	case "ping":
		node := newPingerNode(*skipFirst)
		h := d.Add(node)
		d.Start(h, 0, time.Millisecond)

		fmt.Println("Started Pinger, press ctrl-c to stop")
		limiter := rate.NewLimiter(rate.Limit(*msgPerSec), *msgPerSec)
		go func() {
			for {
				select {
				case <-sigCtx.Done():
					return
				default:
				}
				if err := limiter.Wait(sigCtx); err != nil {
					return
				}
				payload := encodePayload(tagPing, *msgSize, time.Now())
				if err := d.PublishJustBytes(tagPing, payload); err != nil {
					metrics.RecordPublishError("ping-pong")
				}
			}
		}()

		waitForStop(sigCtx, *runSeconds, d)
		fmt.Printf("\nPing: msgSize=%d msgPerSec=%d\nround trip time: %s\n", *msgSize, *msgPerSec, node.stat.report())

	case "pong":
		node := newPongerNode(*skipFirst)
		node.d = d
		h := d.Add(node)
		d.Start(h, 0, time.Millisecond)

		fmt.Println("Started Ponger, press ctrl-c to stop")
		waitForStop(sigCtx, *runSeconds, d)
		fmt.Printf("\nif clocks are synced, one-way latency: %s\n", node.stat.report())

	default:
		fmt.Fprintf(os.Stderr, "unknown role %q, must be ping or pong\n", *role)
		os.Exit(1)
	}

	if err := d.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("ping-pong: shutdown error")
	}
}

func waitForStop(ctx context.Context, runSeconds int, d *domain.Domain) {
	if runSeconds > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(runSeconds) * time.Second):
		}
		return
	}
	<-ctx.Done()
}
