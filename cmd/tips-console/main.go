// Command tips-console is a line-oriented console Node: it publishes
// and subscribes to tags named on stdin, printing whatever the rest of
// the domain delivers to it, and can record or replay a session to a
// bag file.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/hmbdc-dev/tips/attachment"
	"github.com/hmbdc-dev/tips/bag"
	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/domain"
	"github.com/hmbdc-dev/tips/runctx"
	"github.com/hmbdc-dev/tips/tipslog"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

const helpText = `CONSOLE LANGUAGE:
pubtags <space-separated-tags>
subtags <space-separated-tags>
pubstr <tag> <string>
pub <tag> <msg-len> <space-separated-hex-for-msg>
pubbin <tag> <msg-len>\n<msg-len binary bytes follow>
pubatt <tag> <msg-len> <att-len> <space-separated-hex-for-msg-then-attachment>
record <bag-file-name> <duration-seconds>
play <bag-file-name>
ohex | ostr | obin
status
exit
`

type outputForm int

const (
	outputHex outputForm = iota
	outputStr
	outputBin
)

// consoleNode implements runctx.Node: a single wildcard JustBytes
// handler sees every message delivered to this process.
type consoleNode struct {
	tags       []uint16
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.TimerSet

	mu        sync.Mutex
	form      outputForm
	recordBag *bag.Writer
	out       io.Writer
	errOut    io.Writer
}

func newConsoleNode(out, errOut io.Writer) *consoleNode {
	n := &consoleNode{
		dispatcher: dispatch.NewDispatcher(),
		timers:     dispatch.NewTimerSet(),
		out:        out,
		errOut:     errOut,
	}
	n.dispatcher.Register(dispatch.JustBytesTag, n.onMessage)
	return n
}

func (n *consoleNode) Name() string                     { return "console" }
func (n *consoleNode) Tags() []uint16                   { return n.tags }
func (n *consoleNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *consoleNode) Timers() *dispatch.TimerSet       { return n.timers }

func (n *consoleNode) onMessage(head tipsmsg.MessageHead, body []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.recordBag != nil {
		if err := n.recordBag.Record(head.TypeTag, body, nil); err != nil {
			fmt.Fprintf(n.errOut, "[status] record error: %v\n", err)
		}
		return
	}

	switch n.form {
	case outputHex:
		fmt.Fprintf(n.out, "%d msg= %s\n", head.TypeTag, hex.EncodeToString(body))
	case outputStr:
		fmt.Fprintf(n.out, "%d msgstr= %s\n", head.TypeTag, string(body))
	case outputBin:
		fmt.Fprintf(n.out, "%d msgbin= %d\n", head.TypeTag, len(body))
		n.out.Write(body)
	}
}

func main() {
	var (
		bufWidth      = flag.Int("bufWidth", 64*1024, "maximum message body size")
		ringCap       = flag.Int("ringCapacity", 4096, "intra-process ring capacity")
		logLevel      = flag.String("logLevel", "info", "log level")
		cpuRejectPct  = flag.Float64("cpuRejectPercent", 85, "reject new node starts above this CPU percentage (0 disables)")
		cpuPausePct   = flag.Float64("cpuPausePercent", 95, "pause IPC pumping above this CPU percentage (0 disables)")
		maxPubsPerSec = flag.Int("maxPublishPerSec", 0, "publish rate ceiling (0 = unlimited)")
		memLimitBytes = flag.Int64("memoryLimitBytes", 0, "reject new node starts above this heap size (0 disables)")
	)
	flag.Parse()

	logger := tipslog.New(tipslog.Config{Level: tipslog.Level(*logLevel), Format: tipslog.FormatPretty, Service: "tips-console"})

	guard := runctx.NewResourceGuard(runctx.Limits{
		MaxPublishPerSec: *maxPubsPerSec,
		CPURejectPercent: *cpuRejectPct,
		CPUPausePercent:  *cpuPausePct,
		MemoryLimitBytes: *memLimitBytes,
	}, logger, nil)
	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	guard.UpdateResources()
	guard.StartMonitoring(monCtx, 15*time.Second)

	d, err := domain.New(domain.Config{
		Logger:           logger,
		ContextMode:      runctx.ModeBroadcast,
		RingCapacity:     *ringCap,
		MaxNodes:         1,
		MaxBatchMessages: 64,
		Guard:            guard,
	})
	if err != nil {
		logger.Error().Err(err).Msg("console: failed to build domain")
		os.Exit(1)
	}

	node := newConsoleNode(os.Stdout, os.Stderr)
	h := d.Add(node)
	d.Start(h, 0, time.Millisecond)

	fmt.Fprintln(os.Stderr, "[status] Session started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		os.Stdin.Close()
	}()

	pubTags := map[uint16]bool{}
	var playWg sync.WaitGroup

	stdin := bufio.NewReaderSize(os.Stdin, *bufWidth+4096)
	for {
		rawLine, err := stdin.ReadString('\n')
		if err != nil && rawLine == "" {
			break
		}
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		op := fields[0]

		switch op {
		case "pubtags":
			for _, f := range fields[1:] {
				if tag, err := strconv.ParseUint(f, 10, 16); err == nil {
					pubTags[uint16(tag)] = true
				}
			}
		case "subtags":
			for _, f := range fields[1:] {
				if tag, err := strconv.ParseUint(f, 10, 16); err == nil {
					node.tags = append(node.tags, uint16(tag))
					d.Subscribe(uint16(tag))
				}
			}
		case "pubstr":
			if len(fields) < 2 {
				fmt.Fprintln(os.Stderr, "[status] pubstr syntax error")
				continue
			}
			tag, err := strconv.ParseUint(fields[1], 10, 16)
			msg := strings.TrimPrefix(line, "pubstr "+fields[1])
			msg = strings.TrimPrefix(msg, " ")
			if err != nil || !pubTags[uint16(tag)] {
				fmt.Fprintln(os.Stderr, "[status] pubstr syntax error or unknown tag")
				continue
			}
			if err := d.PublishJustBytes(uint16(tag), []byte(msg)); err != nil {
				fmt.Fprintf(os.Stderr, "[status] publish error: %v\n", err)
			}
		case "pub":
			if len(fields) < 3 {
				fmt.Fprintln(os.Stderr, "[status] pub syntax error")
				continue
			}
			tag, err1 := strconv.ParseUint(fields[1], 10, 16)
			msgLen, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || !pubTags[uint16(tag)] {
				fmt.Fprintln(os.Stderr, "[status] syntax error or unknown tag")
				continue
			}
			hexBytes := fields[3:]
			if len(hexBytes) < msgLen {
				fmt.Fprintln(os.Stderr, "[status] not enough bytes supplied")
				continue
			}
			msg := make([]byte, msgLen)
			for i := 0; i < msgLen; i++ {
				b, err := strconv.ParseUint(hexBytes[i], 16, 8)
				if err != nil {
					fmt.Fprintln(os.Stderr, "[status] bad hex byte")
					msg = nil
					break
				}
				msg[i] = byte(b)
			}
			if msg != nil {
				if err := d.PublishJustBytes(uint16(tag), msg); err != nil {
					fmt.Fprintf(os.Stderr, "[status] publish error: %v\n", err)
				}
			}
		case "pubbin":
			if len(fields) < 3 {
				fmt.Fprintln(os.Stderr, "[status] pubbin syntax error")
				continue
			}
			tag, err1 := strconv.ParseUint(fields[1], 10, 16)
			msgLen, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || msgLen > *bufWidth || !pubTags[uint16(tag)] {
				fmt.Fprintln(os.Stderr, "[status] syntax error or unknown tag")
				continue
			}
			msg := make([]byte, msgLen)
			if _, err := io.ReadFull(stdin, msg); err != nil {
				fmt.Fprintf(os.Stderr, "[status] truncated pubbin payload: %v\n", err)
				continue
			}
			if err := d.PublishJustBytes(uint16(tag), msg); err != nil {
				fmt.Fprintf(os.Stderr, "[status] publish error: %v\n", err)
			}
		case "pubatt":
			if len(fields) < 4 {
				fmt.Fprintln(os.Stderr, "[status] pubatt syntax error")
				continue
			}
			tag, err1 := strconv.ParseUint(fields[1], 10, 16)
			msgLen, err2 := strconv.Atoi(fields[2])
			attLen, err3 := strconv.Atoi(fields[3])
			if err1 != nil || err2 != nil || err3 != nil || !pubTags[uint16(tag)] {
				fmt.Fprintln(os.Stderr, "[status] syntax error or unknown tag")
				continue
			}
			hexBytes := fields[4:]
			total := msgLen + attLen
			if len(hexBytes) < total {
				fmt.Fprintln(os.Stderr, "[status] not enough bytes supplied")
				continue
			}

			// Back the attachment with the IPC pool when one is
			// configured, so a same-host subscriber gets the 0-copy
			// delivery path; otherwise fall back to a heap buffer.
			var att *attachment.Attachment
			var dst []byte
			if pool, hasPool := d.Pool(); hasPool {
				h, buf, allocated := pool.Allocate(total)
				if !allocated {
					fmt.Fprintln(os.Stderr, "[status] ipc pool exhausted")
					continue
				}
				dst = buf
				att = attachment.FromPool(pool, h)
			} else {
				dst = make([]byte, total)
				att = attachment.New(dst, func() {})
			}

			ok := true
			for i := 0; i < total; i++ {
				b, err := strconv.ParseUint(hexBytes[i], 16, 8)
				if err != nil {
					fmt.Fprintln(os.Stderr, "[status] bad hex byte")
					ok = false
					break
				}
				dst[i] = byte(b)
			}
			if ok {
				if err := d.PublishAttachment(tipsmsg.NewMessageHead(uint16(tag)), att); err != nil {
					fmt.Fprintf(os.Stderr, "[status] publish error: %v\n", err)
				}
			}
			att.Release()
		case "record":
			if len(fields) < 3 {
				fmt.Fprintln(os.Stderr, "[status] record syntax error")
				continue
			}
			dur, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				fmt.Fprintln(os.Stderr, "[status] record syntax error")
				continue
			}
			w, err := bag.Create(fields[1], uint32(*bufWidth))
			if err != nil {
				fmt.Fprintf(os.Stderr, "[status] error opening bag: %v\n", err)
				continue
			}
			node.mu.Lock()
			node.recordBag = w
			node.mu.Unlock()
			go func(duration time.Duration) {
				time.Sleep(duration)
				node.mu.Lock()
				rb := node.recordBag
				node.recordBag = nil
				node.mu.Unlock()
				if rb != nil {
					stats := rb.Stats()
					rb.Close()
					fmt.Fprintln(os.Stderr, "[status] recorded in bag:")
					for tag, count := range stats {
						fmt.Fprintf(os.Stderr, "[status] %d : %d\n", tag, count)
					}
					fmt.Fprintln(os.Stderr, "[status] record bag ready! hit ctrl-d to exit")
				}
			}(time.Duration(dur * float64(time.Second)))
		case "play":
			if len(fields) < 2 {
				fmt.Fprintln(os.Stderr, "[status] play syntax error")
				continue
			}
			r, err := bag.Open(fields[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "[status] error opening bag: %v\n", err)
				continue
			}
			playWg.Add(1)
			go func() {
				defer playWg.Done()
				defer r.Close()
				playBag(d, r)
			}()
		case "ohex":
			node.mu.Lock()
			node.form = outputHex
			node.mu.Unlock()
		case "ostr":
			node.mu.Lock()
			node.form = outputStr
			node.mu.Unlock()
		case "obin":
			node.mu.Lock()
			node.form = outputBin
			node.mu.Unlock()
		case "status":
			stats := guard.Stats()
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(os.Stderr, "[status] %s = %v\n", k, stats[k])
			}
		case "help":
			fmt.Fprint(os.Stdout, helpText)
		case "exit":
			fmt.Fprintln(os.Stderr, "[status] exiting...")
			goto done
		default:
			fmt.Fprintf(os.Stderr, "[status] unknown command %s\n", op)
		}
	}
done:
	fmt.Fprintln(os.Stderr, "[status] Session stopped")
	playWg.Wait()

	node.mu.Lock()
	rb := node.recordBag
	node.recordBag = nil
	node.mu.Unlock()
	if rb != nil {
		stats := rb.Stats()
		rb.Close()
		fmt.Fprintln(os.Stderr, "[status] command input closed, record bag ready! bag stats:")
		for tag, count := range stats {
			fmt.Fprintf(os.Stderr, "[status] %d : %d\n", tag, count)
		}
	}

	if err := d.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("console: shutdown error")
	}
}

// playBag replays a bag's frames in their originally recorded relative
// timing, matching ConsoleNode's playBagFireTimer_ re-arming logic.
func playBag(d *domain.Domain, r *bag.Reader) {
	var previous int64
	for {
		f, err := r.Next()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "[status] IO error when reading message: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "[status] bag play done")
			}
			return
		}
		if wait := f.RelativeNanos - previous; wait > 0 {
			time.Sleep(time.Duration(wait))
		}
		previous = f.RelativeNanos
		if err := d.PublishJustBytes(f.Tag, f.Msg); err != nil {
			fmt.Fprintf(os.Stderr, "[status] publish error during play: %v\n", err)
		}
	}
}
