// Command tips-perf-lat measures intra-process pub/sub latency: a
// publisher role rate-limits a stream of timestamped messages, and a
// subscriber role accumulates one-way latency samples and reports them
// periodically.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
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

const tagPerfLat uint16 = 1001

func encodeTimestamped(size int, ts time.Time) []byte {
	if size < 8 {
		size = 8
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts.UnixNano()))
	return buf
}

func decodeTimestamped(body []byte) time.Time {
	if len(body) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.LittleEndian.Uint64(body[0:8])))
}

// latencyWindow accumulates samples for the current reporting period
// only, reset on each report the way Receiver::report() resets lat_ to
// a fresh Stat after logging it.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	msgSize int
}

func (w *latencyWindow) add(d time.Duration, msgSize int) {
	w.mu.Lock()
	w.samples = append(w.samples, d)
	w.msgSize = msgSize
	w.mu.Unlock()
}

func (w *latencyWindow) reportAndReset() string {
	w.mu.Lock()
	samples := w.samples
	msgSize := w.msgSize
	w.samples = nil
	w.mu.Unlock()

	if len(samples) == 0 {
		return "no samples this period"
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

	return fmt.Sprintf("msgSize=%d n=%d mean=%s stddev=%s min=%s max=%s",
		msgSize, len(samples), mean, stddev, samples[0], samples[len(samples)-1])
}

// receiverNode accumulates one-way latency samples and reports them on
// a recurring timer, resetting the window after each report.
type receiverNode struct {
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.TimerSet
	lat        latencyWindow
	logger     func(string)
}

func newReceiverNode(reportPeriod time.Duration, logger func(string)) *receiverNode {
	n := &receiverNode{dispatcher: dispatch.NewDispatcher(), timers: dispatch.NewTimerSet(), logger: logger}
	n.dispatcher.Register(tagPerfLat, n.onMessage)
	n.timers.ScheduleRecurring(time.Now().Add(reportPeriod), reportPeriod, func(time.Time) {
		n.logger(n.lat.reportAndReset())
	})
	return n
}

func (n *receiverNode) Name() string                     { return "perf-lat-receiver" }
func (n *receiverNode) Tags() []uint16                   { return []uint16{tagPerfLat} }
func (n *receiverNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *receiverNode) Timers() *dispatch.TimerSet       { return n.timers }

func (n *receiverNode) onMessage(head tipsmsg.MessageHead, body []byte) {
	sentAt := decodeTimestamped(body)
	if sentAt.IsZero() {
		return
	}
	n.lat.add(time.Since(sentAt), len(body))
}

func main() {
	var (
		msgSize      = flag.Int("msgSize", 1_000_000, "published message size in bytes")
		msgRate      = flag.Int("msgRate", 0, "messages to publish per second; 0 means this process is a subscriber")
		reportPeriod = flag.Int("reportPeriod", 1, "subscriber report interval in seconds")
		ringCap      = flag.Int("ringCapacity", 4096, "intra-process ring capacity")
		logLevel     = flag.String("logLevel", "info", "debug, info, warn, error")
	)
	flag.Parse()

	logger := tipslog.New(tipslog.Config{Level: tipslog.Level(*logLevel), Format: tipslog.FormatPretty, Service: "tips-perf-lat"})

	d, err := domain.New(domain.Config{
		Logger:           logger,
		ContextMode:      runctx.ModeBroadcast,
		RingCapacity:     *ringCap,
		MaxNodes:         1,
		MaxBatchMessages: 64,
	})
	if err != nil {
		logger.Error().Err(err).Msg("perf-lat: failed to build domain")
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *msgRate > 0 {
		fmt.Println("start all receivers, then press enter to start ...")
		var line string
		fmt.Scanln(&line)
		fmt.Println("started ...")

		limiter := rate.NewLimiter(rate.Limit(*msgRate), *msgRate)
	publishLoop:
		for {
			select {
			case <-sigCtx.Done():
				break publishLoop
			default:
			}
			if err := limiter.Wait(sigCtx); err != nil {
				break publishLoop
			}
			payload := encodeTimestamped(*msgSize, time.Now())
			if err := d.PublishJustBytes(tagPerfLat, payload); err != nil {
				metrics.RecordPublishError("perf-lat")
			}
		}
	} else {
		node := newReceiverNode(time.Duration(*reportPeriod)*time.Second, func(s string) {
			fmt.Println(s)
		})
		h := d.Add(node)
		d.Start(h, 0, time.Microsecond)

		fmt.Println("subscribing, press ctrl-c to stop")
		<-sigCtx.Done()
	}

	if err := d.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("perf-lat: shutdown error")
	}
}
