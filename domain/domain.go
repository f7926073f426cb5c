// Package domain implements the composition root that wires a set of
// publishing/subscribing Nodes to an intra-process ring, an optional
// IPC ring and an optional reliable network engine pair behind a
// single publish call. Subscription state is indexed per route, so a
// publish only touches the routes that actually have a subscriber for
// the message's tag.
package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/attachment"
	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/ipc"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/netrecv"
	"github.com/hmbdc-dev/tips/netsend"
	"github.com/hmbdc-dev/tips/runctx"
	"github.com/hmbdc-dev/tips/tagset"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

// IPCConfig configures the optional shared-memory route; a nil IPC
// field on Config disables it.
type IPCConfig struct {
	Dir       string
	Name      string
	Ownership ipc.Ownership
	Layout    ipc.Header
	ReaderIdx int
}

// Config configures a Domain. NetSend/NetRecv/IPC left nil disable
// their respective routes.
type Config struct {
	Logger zerolog.Logger

	ContextMode      runctx.Mode
	RingCapacity     int
	MaxNodes         int
	MaxBatchMessages int
	PoolWorkers      int
	PoolQueueSize    int
	Guard            *runctx.ResourceGuard

	IPC *IPCConfig

	NetSend *netsend.Config
	NetRecv *netrecv.Config
}

// Domain is the composition root: it owns the intra-process Context,
// the optional IPC transport, the optional network send/recv engine
// pair, and the subscription tagsets that decide which routes a given
// publish needs to touch, an O(subscriber-count) decision instead of
// an iteration over every node.
type Domain struct {
	logger zerolog.Logger

	ctx   *runctx.Context
	guard *runctx.ResourceGuard

	ipcTransport *ipc.Transport
	sendEngine   *netsend.Engine
	recvEngine   *netrecv.Engine

	// netDispatcher is the single wildcard-registered Dispatcher handed
	// to both the IPC transport and the network recv engine; it
	// forwards every message it receives into the intra-process ring
	// for per-Node dispatch, so inbound IPC/network traffic and local
	// publishes share one delivery path.
	netDispatcher *dispatch.Dispatcher

	// localTags / recvTags are the refcounted union of every added
	// Node's receive interest: localTags gates the intra-process ring
	// (any Node cares at all), recvTags is handed to the netrecv engine
	// to drive its TCP subscription handshake.
	localTags *tagset.TypeTagSet
	recvTags  *tagset.TypeTagSet

	mu             sync.Mutex
	advertisedTags map[uint16]bool

	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup
}

// New builds a Domain: attach (or create) the IPC segment if
// configured, size the intra-process Context, and open the network
// engine pair's listeners if configured. Start/StartPumping still need
// to be called to actually begin pumping messages.
func New(cfg Config) (*Domain, error) {
	d := &Domain{
		logger:         cfg.Logger,
		guard:          cfg.Guard,
		localTags:      tagset.New(),
		recvTags:       tagset.New(),
		advertisedTags: make(map[uint16]bool),
		netDispatcher:  dispatch.NewDispatcher(),
	}

	d.ctx = runctx.NewContext(runctx.Config{
		Mode:             cfg.ContextMode,
		Logger:           cfg.Logger,
		RingCapacity:     cfg.RingCapacity,
		MaxNodes:         cfg.MaxNodes,
		MaxBatchMessages: cfg.MaxBatchMessages,
		PoolWorkers:      cfg.PoolWorkers,
		PoolQueueSize:    cfg.PoolQueueSize,
		Guard:            cfg.Guard,
	})

	// Inbound IPC/network traffic is re-published into the local ring
	// rather than dispatched directly, so a Node sees the exact same
	// delivery path whether the message originated locally, over IPC,
	// or over the wire.
	d.netDispatcher.Register(dispatch.JustBytesTag, func(head tipsmsg.MessageHead, body []byte) {
		d.ctx.Publish(head, body)
	})

	if cfg.IPC != nil {
		t, err := ipc.NewTransport(cfg.IPC.Dir, cfg.IPC.Name, cfg.IPC.Ownership, cfg.IPC.Layout, cfg.IPC.ReaderIdx, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("domain: open ipc transport: %w", err)
		}
		d.ipcTransport = t
	}

	if cfg.NetSend != nil {
		e, err := netsend.NewEngine(*cfg.NetSend, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("domain: start netsend engine: %w", err)
		}
		d.sendEngine = e
	}

	if cfg.NetRecv != nil {
		e, err := netrecv.NewEngine(*cfg.NetRecv, d.recvTags, d.netDispatcher, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("domain: start netrecv engine: %w", err)
		}
		d.recvEngine = e
	}

	return d, nil
}

// Add registers node's receive interests into every route's
// subscription state — the intra-process tagset, the IPC segment's
// shared bitmap, and the netrecv engine's subscription handshake set —
// and into the intra-process Context, returning the handle Start
// needs. A node's interest tuple is merged once at Add time rather
// than scanned on every publish.
func (d *Domain) Add(node runctx.Node) *runctx.NodeHandle {
	h := d.ctx.Add(node)

	for _, tag := range node.Tags() {
		d.localTags.Add(tag)
		d.recvTags.Add(tag)
		if d.ipcTransport != nil {
			d.ipcTransport.Subscribe(tag)
		}
	}

	return h
}

// Subscribe marks tag as wanted by this process outside of the
// static per-Node Add path, the same per-tag wiring Add performs for
// each of a Node's Tags, used by tools whose subscription set changes
// at runtime (the console's subtags command).
func (d *Domain) Subscribe(tag uint16) {
	d.localTags.Add(tag)
	d.recvTags.Add(tag)
	if d.ipcTransport != nil {
		d.ipcTransport.Subscribe(tag)
	}
}

// Unsubscribe reverses a prior Subscribe call.
func (d *Domain) Unsubscribe(tag uint16) {
	d.localTags.Sub(tag)
	d.recvTags.Sub(tag)
	if d.ipcTransport != nil {
		d.ipcTransport.Unsubscribe(tag)
	}
}

// Start launches node's dispatch loop via the Context.
func (d *Domain) Start(h *runctx.NodeHandle, cpuAffinityMask uint64, maxBlockingTime time.Duration) {
	d.ctx.Start(h, cpuAffinityMask, maxBlockingTime)
}

// StartPumping starts the Context's background machinery (Pool worker
// goroutines), the IPC pump loop, and the network engine pair, without
// requiring any Nodes to be attached, for pure aggregator processes
// that only relay IPC/network traffic. The IPC pump runs off a context
// derived from ctx so Shutdown can stop it even if the caller's ctx
// outlives this Domain.
func (d *Domain) StartPumping(ctx context.Context) {
	pumpCtx, cancel := context.WithCancel(ctx)
	d.pumpCancel = cancel

	d.ctx.StartPumping(pumpCtx)

	if d.sendEngine != nil {
		d.sendEngine.Start()
	}
	if d.recvEngine != nil {
		d.recvEngine.Start()
	}
	if d.ipcTransport != nil {
		if d.guard != nil {
			d.ipcTransport.SetThrottle(func() bool {
				return d.guard.ShouldPauseIPC() || !d.guard.AllowPump()
			})
		}
		d.pumpWg.Add(1)
		go func() {
			defer d.pumpWg.Done()
			if err := d.ipcTransport.Run(pumpCtx, d.netDispatcher); err != nil {
				d.logger.Warn().Err(err).Msg("domain: ipc transport pump exited")
			}
		}()
	}
}

// waitForPublishBudget blocks until the resource guard's publish rate
// limiter admits one more publish. Publishing may suspend when a
// downstream is saturated; the guard's rate ceiling is one more such
// suspension point rather than an error.
func (d *Domain) waitForPublishBudget() {
	if d.guard == nil {
		return
	}
	for {
		ok, wait := d.guard.AllowPublish()
		if ok {
			return
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		time.Sleep(wait)
	}
}

// Publish routes head/body to every downstream that currently needs
// it: the intra-process ring if a local Node subscribes, the IPC ring
// if any IPC reader subscribes (Transport.Publish makes that check
// itself), and the network send engine if a connected backup
// subscriber has asked for this tag.
func (d *Domain) Publish(head tipsmsg.MessageHead, body []byte) error {
	d.waitForPublishBudget()
	tag := head.TypeTag

	if d.localTags.Check(tag) {
		d.ctx.Publish(head, body)
	}

	if d.ipcTransport != nil {
		d.ipcTransport.Publish(head, body)
	}

	if d.sendEngine != nil {
		d.ensureAdvertised(tag)
		if d.sendEngine.HasSubscriberFor(tag) {
			if err := d.sendEngine.Publish(head, body); err != nil {
				metrics.RecordPublishError("net")
				return fmt.Errorf("domain: network publish: %w", err)
			}
		}
	}

	return nil
}

// PublishJustBytes is the runtime-tag variant used by the console and
// bag-replay tools, bypassing typed dispatch on the produce side while
// still respecting each route's subscription state.
func (d *Domain) PublishJustBytes(tag uint16, body []byte) error {
	return d.Publish(tipsmsg.NewMessageHead(tag), body)
}

// Pool returns the IPC segment's attachment pool, letting a caller
// allocate a 0-copy payload before building an Attachment with
// attachment.FromPool for PublishAttachment. ok is false if this
// Domain has no IPC route configured.
func (d *Domain) Pool() (*ipc.Pool, bool) {
	if d.ipcTransport == nil {
		return nil, false
	}
	return d.ipcTransport.Pool(), true
}

// PublishAttachment routes an out-of-band byte region to every
// downstream that currently needs head's tag, the attachment
// counterpart of Publish. The caller retains ownership of att's
// initial reference and must Release it itself once this call
// returns; PublishAttachment Retains once for each route it actually
// hands att to, so the attachment's cleanup only fires once every
// route — including the caller's own reference — has released.
//
// The IPC route commits att's pool handle directly via
// ipc.Transport.PublishAttachment when att is pool-backed, giving
// same-host subscribers 0-copy delivery; any other route (or a
// heap-backed att with no IPC configured)
// falls back to a plain copy via Publish/Bytes, since only a
// shared-memory segment can hand out a handle another process can
// dereference.
func (d *Domain) PublishAttachment(head tipsmsg.MessageHead, att *attachment.Attachment) error {
	d.waitForPublishBudget()
	tag := head.TypeTag
	body := att.Bytes()

	if d.localTags.Check(tag) {
		att.Retain()
		d.ctx.Publish(head, body)
		att.Release()
	}

	if d.ipcTransport != nil {
		if h, ok := att.Handle(); ok {
			d.ipcTransport.PublishAttachment(head, h)
		} else {
			d.ipcTransport.Publish(head, body)
		}
	}

	if d.sendEngine != nil {
		d.ensureAdvertised(tag)
		if d.sendEngine.HasSubscriberFor(tag) {
			if err := d.sendEngine.Publish(head, body); err != nil {
				metrics.RecordPublishError("net")
				return fmt.Errorf("domain: network publish: %w", err)
			}
		}
	}

	return nil
}

// ensureAdvertised calls the send engine's Advertise exactly once per
// tag: Advertise refcount-adds into the engine's advertised set, and
// the engine has no way to know a tag is "already advertised" other
// than being told again, so Domain tracks that locally instead of
// re-adding on every single publish.
func (d *Domain) ensureAdvertised(tag uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.advertisedTags[tag] {
		return
	}
	d.advertisedTags[tag] = true
	d.sendEngine.Advertise(tag)
}

// Shutdown stops the Context, the network engine pair, and the IPC
// transport, then waits for every pump goroutine to exit.
func (d *Domain) Shutdown() error {
	d.ctx.Stop()
	if d.sendEngine != nil {
		d.sendEngine.Stop()
	}
	if d.recvEngine != nil {
		d.recvEngine.Stop()
	}
	if d.pumpCancel != nil {
		d.pumpCancel()
	}
	d.ctx.Join()
	d.pumpWg.Wait()

	var err error
	if d.ipcTransport != nil {
		err = d.ipcTransport.Close()
	}
	return err
}
