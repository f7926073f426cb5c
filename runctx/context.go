// Package runctx provides the thread-runner ("Context") family that
// powers Nodes: Broadcast, Partition, Pool and Blocking scheduling
// variants sharing one lifecycle (Start/Stop/Join) and one panic-safe
// dispatch contract.
package runctx

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/metrics"
	"github.com/hmbdc-dev/tips/ring"
	"github.com/hmbdc-dev/tips/tipslog"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

// Node is anything a Context can run: a static receive-interest tuple
// (the tags it wants delivered) plus a Dispatcher built from that
// tuple's handlers.
type Node interface {
	Name() string
	Tags() []uint16
	Dispatcher() *dispatch.Dispatcher
	Timers() *dispatch.TimerSet
}

// Envelope is the fixed-shape value a Context's ring buffer or
// blocking queue stores per slot: a message head plus an
// independently-owned copy of its body, sized to whatever was
// published. The slot value is a slice header, so mixed payload sizes
// across a domain share one ring type.
type Envelope = tipsmsg.MessageWrap[[]byte]

// Mode selects a Context's scheduling strategy.
type Mode int

const (
	// ModeBroadcast delivers every message to every started Node; one
	// ring reader per Node.
	ModeBroadcast Mode = iota
	// ModePartition load-shares messages across Nodes competing for a
	// single ring reader; used for worker-pool-style fan-out where any
	// one Node may handle any one message.
	ModePartition
	// ModePool round-robins a fixed goroutine pool over the registered
	// Nodes, running each Node's dispatch over a bounded batch per
	// turn. Used when Node count exceeds core count.
	ModePool
	// ModeBlocking gives each Node its own OS-thread-friendly
	// BlockingBuffer and dedicated goroutine instead of a lock-free
	// ring reader.
	ModeBlocking
)

// DroppedFunc is invoked exactly once per Node, when that Node's
// dispatch loop exits — normally (err == nil, on Stop) or because a
// panic inside the Node's own callback was caught and the Node was
// dropped while the ring continues serving other readers.
type DroppedFunc func(node Node, err error)

// StartedFunc is invoked once a Node's dispatch loop is about to begin
// serving messages.
type StartedFunc func(node Node)

// NodeHandle is the opaque token Add returns for a registered Node;
// Start needs it to launch that Node's dispatch loop. Callers outside
// this package hold and pass it around but cannot construct one
// directly.
type NodeHandle struct {
	node       Node
	readerIdx  int
	blockingQ  *ring.BlockingBuffer[Envelope]
	cancelFunc context.CancelFunc

	// Pool-mode state: active marks the Node as served by the shared
	// worker pool, busy guards against two workers running the same
	// Node's dispatch concurrently (per-Node ordering), and
	// lastTimerCheck lets the scheduler keep a quiet Node's timers
	// firing without any messages arriving.
	poolActive     atomic.Bool
	poolBusy       atomic.Bool
	lastTimerCheck atomic.Int64
	droppedOnce    sync.Once
}

// Context runs a set of Nodes under one scheduling Mode, owns the ring
// or blocking-buffer storage backing their inboxes, and provides the
// panic-safe loop body every variant shares: check timers, peek
// inbox, dispatch range, waste, yield or sleep up to maxBlockingTime.
type Context struct {
	mode     Mode
	logger   zerolog.Logger
	maxBatch int
	guard    *ResourceGuard

	dropped DroppedFunc
	started StartedFunc

	mu    sync.Mutex
	nodes []*NodeHandle

	ringCap int
	theRing *ring.RingBuffer[Envelope]
	partMu  sync.Mutex // serializes the single shared reader in ModePartition

	pool          *WorkerPool
	poolOnce      sync.Once
	poolSchedDone chan struct{}

	liveNodes int64 // started Nodes not yet dropped; read by the guard

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// Config configures a new Context.
type Config struct {
	Mode             Mode
	Logger           zerolog.Logger
	RingCapacity     int // must be a power of two; ignored in ModeBlocking
	MaxNodes         int // upper bound on concurrent readers the ring reserves
	MaxBatchMessages int // per-turn dispatch batch size
	PoolWorkers      int // ModePool only
	PoolQueueSize    int // ModePool only
	Guard            *ResourceGuard
	Dropped          DroppedFunc
	Started          StartedFunc
}

// NewContext builds a Context in the given mode. MaxNodes must be
// supplied upfront since ring.New requires a fixed reader count; there
// is no lazy resizing once the first Node starts.
func NewContext(cfg Config) *Context {
	maxBatch := cfg.MaxBatchMessages
	if maxBatch <= 0 {
		maxBatch = 64
	}
	c := &Context{
		mode:     cfg.Mode,
		logger:   cfg.Logger,
		maxBatch: maxBatch,
		guard:    cfg.Guard,
		dropped:  cfg.Dropped,
		started:  cfg.Started,
		ringCap:  cfg.RingCapacity,
	}

	switch cfg.Mode {
	case ModeBroadcast, ModePool:
		readers := cfg.MaxNodes
		if readers <= 0 {
			readers = 1
		}
		c.theRing = ring.New[Envelope](cfg.RingCapacity, readers)
		if cfg.Mode == ModePool {
			workers := cfg.PoolWorkers
			if workers <= 0 {
				workers = runtime.GOMAXPROCS(0)
			}
			queue := cfg.PoolQueueSize
			if queue <= 0 {
				queue = workers * 100
			}
			c.pool = NewWorkerPool(workers, queue, cfg.Logger, func() {
				metrics.RecordNodeDropped("pool_panic")
			})
		}
	case ModePartition:
		c.theRing = ring.New[Envelope](cfg.RingCapacity, 1)
	}

	// A guard built with no node counter of its own reads this
	// Context's live-node count.
	if c.guard != nil && c.guard.currentNodes == nil {
		c.guard.currentNodes = &c.liveNodes
	}
	return c
}

// admitNode consults the guard before a Node's dispatch loop may
// launch, reserving a goroutine slot on success. Returns nil when no
// guard is configured.
func (c *Context) admitNode(h *NodeHandle) error {
	if c.guard == nil {
		return nil
	}
	if ok, reason := c.guard.ShouldAcceptNode(); !ok {
		return fmt.Errorf("runctx: node %s rejected by resource guard: %s", h.node.Name(), reason)
	}
	if !c.guard.AcquireGoroutine() {
		return fmt.Errorf("runctx: node %s rejected by resource guard: goroutine slots exhausted", h.node.Name())
	}
	return nil
}

// rejectNode reports a guard-rejected Node as dropped and, in the
// per-reader ring modes, marks its reader dead so producers never wait
// on a loop that will not run. The shared Partition reader serves
// other Nodes and is left alone.
func (c *Context) rejectNode(h *NodeHandle, err error) {
	c.logger.Warn().Err(err).Str("node", h.node.Name()).Msg("node start rejected")
	metrics.RecordNodeDropped("rejected")
	if c.mode == ModeBroadcast || c.mode == ModePool {
		c.theRing.MarkDead(h.readerIdx)
	}
	h.droppedOnce.Do(func() {
		if c.dropped != nil {
			c.dropped(h.node, err)
		}
	})
}

// Add registers node with the Context without starting its dispatch
// loop; Start does that. Returns the Node's handle; its reader index is
// a reader of its own in Broadcast/Pool modes and 0 in Partition and
// Blocking modes.
func (c *Context) Add(node Node) *NodeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &NodeHandle{node: node}
	switch c.mode {
	case ModeBroadcast, ModePool:
		h.readerIdx = len(c.nodes)
	case ModePartition:
		h.readerIdx = 0
	case ModeBlocking:
		h.blockingQ = ring.NewBlockingBuffer[Envelope](c.maxBatch * 4)
	}
	c.nodes = append(c.nodes, h)
	return h
}

// Publish delivers an envelope to every reader this Context's ring
// (or blocking queues) serves. Broadcast and Pool modes fan out to all
// readers; Partition mode has exactly one shared reader; Blocking mode
// pushes to every Node's own queue.
func (c *Context) Publish(head tipsmsg.MessageHead, body []byte) {
	payload := append([]byte(nil), body...)
	env := Envelope{Head: head, Payload: payload}

	if c.mode == ModeBlocking {
		c.mu.Lock()
		handles := append([]*NodeHandle(nil), c.nodes...)
		c.mu.Unlock()
		for _, h := range handles {
			h.blockingQ.Put(env)
		}
		return
	}

	n := 1
	it := c.theRing.Claim(n)
	c.theRing.Commit(it, env)
}

// Start launches node's dispatch loop. cpuAffinityMask is honored on a
// best-effort basis via runtime.LockOSThread (Go offers no portable
// CPU-affinity syscall without depending on a platform-specific
// package, so an explicit non-zero mask only pins the goroutine to an
// OS thread rather than to a specific core). maxBlockingTime bounds how
// long the loop sleeps when its inbox is empty before checking again.
func (c *Context) Start(h *NodeHandle, cpuAffinityMask uint64, maxBlockingTime time.Duration) {
	if err := c.admitNode(h); err != nil {
		c.rejectNode(h, err)
		return
	}

	if c.mode == ModePool {
		c.startPoolNode(h, maxBlockingTime)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancelFunc = cancel

	atomic.AddInt64(&c.liveNodes, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer atomic.AddInt64(&c.liveNodes, -1)
		if c.guard != nil {
			defer c.guard.ReleaseGoroutine()
		}
		if cpuAffinityMask != 0 {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		if c.started != nil {
			c.started(h.node)
		}
		var err error
		switch c.mode {
		case ModeBroadcast:
			err = c.runRingLoop(ctx, h, maxBlockingTime)
		case ModePartition:
			err = c.runPartitionLoop(ctx, h, maxBlockingTime)
		case ModeBlocking:
			err = c.runBlockingLoop(ctx, h, maxBlockingTime)
		}
		if err != nil {
			if _, panicked := err.(*nodePanic); panicked {
				metrics.RecordNodeDropped("panic")
			} else {
				metrics.RecordNodeDropped("error")
			}
		}
		h.droppedOnce.Do(func() {
			if c.dropped != nil {
				c.dropped(h.node, err)
			}
		})
	}()
}

// startPoolNode registers h with the shared worker pool instead of
// giving it a dedicated goroutine: the scheduler loop round-robins
// over every active pool Node, submitting one bounded dispatch turn
// at a time, so a fixed worker count serves an arbitrary Node count.
func (c *Context) startPoolNode(h *NodeHandle, maxBlockingTime time.Duration) {
	h.lastTimerCheck.Store(time.Now().UnixNano())
	h.poolActive.Store(true)
	h.cancelFunc = func() { h.poolActive.Store(false) }
	atomic.AddInt64(&c.liveNodes, 1)
	if c.started != nil {
		c.started(h.node)
	}
	c.ensurePoolStarted(maxBlockingTime)
}

// ensurePoolStarted launches the worker goroutines and the scheduler
// loop exactly once, on the first pool Node start (or StartPumping).
func (c *Context) ensurePoolStarted(maxBlockingTime time.Duration) {
	if c.pool == nil {
		return
	}
	c.poolOnce.Do(func() {
		c.poolSchedDone = make(chan struct{})
		c.pool.Start(context.Background())
		c.wg.Add(1)
		go c.poolSchedulerLoop(maxBlockingTime)
	})
}

// poolSchedulerLoop round-robins over the registered pool Nodes,
// submitting a dispatch turn for any Node that has ring slots ready
// or timers overdue and is not already being served by a worker. One
// turn per Node in flight at a time preserves the per-Node in-order
// delivery guarantee the dedicated-goroutine modes give.
func (c *Context) poolSchedulerLoop(maxBlockingTime time.Duration) {
	defer c.wg.Done()
	defer close(c.poolSchedDone)

	idle := time.Millisecond
	if maxBlockingTime > 0 && maxBlockingTime < idle {
		idle = maxBlockingTime
	}

	for !c.stopping.Load() {
		c.mu.Lock()
		handles := append([]*NodeHandle(nil), c.nodes...)
		c.mu.Unlock()

		submitted := false
		now := time.Now().UnixNano()
		for _, h := range handles {
			if !h.poolActive.Load() || h.poolBusy.Load() {
				continue
			}
			readSeq := c.theRing.ReadSeq(h.readerIdx)
			ready := readSeq != ring.DeadSentinel && c.theRing.ToBeClaimed() > readSeq
			timersDue := now-h.lastTimerCheck.Load() > int64(idle)
			if !ready && !timersDue {
				continue
			}
			if !h.poolBusy.CompareAndSwap(false, true) {
				continue
			}
			turn := h
			if c.pool.TrySubmit(func() { c.runPoolTurn(turn) }) {
				submitted = true
			} else {
				turn.poolBusy.Store(false)
			}
		}
		if !submitted {
			time.Sleep(idle)
		}
	}

	// Drain: wait for in-flight turns, then report every still-active
	// Node as dropped (err == nil, clean stop) exactly once.
	c.mu.Lock()
	handles := append([]*NodeHandle(nil), c.nodes...)
	c.mu.Unlock()
	for _, h := range handles {
		for h.poolBusy.Load() {
			runtime.Gosched()
		}
		if h.poolActive.Load() {
			c.finishPoolNode(h, nil)
		}
	}
}

// runPoolTurn runs one bounded dispatch batch for h on a pool worker:
// timers, then up to maxBatch ready ring slots. A panicking callback
// drops the Node (its reader marked dead so producers stop waiting on
// it) while the pool keeps serving the others.
func (c *Context) runPoolTurn(h *NodeHandle) {
	defer h.poolBusy.Store(false)
	if !h.poolActive.Load() {
		return
	}
	h.lastTimerCheck.Store(time.Now().UnixNano())

	_, values, count := c.theRing.Peek(h.readerIdx)
	if count == 0 {
		if err := c.checkTimersSafely(h.node); err != nil {
			c.theRing.MarkDead(h.readerIdx)
			c.finishPoolNode(h, err)
		}
		return
	}

	batch := count
	if batch > c.maxBatch {
		batch = c.maxBatch
	}
	for i := 0; i < batch; i++ {
		env := values[i]
		if err := c.dispatchSafely(h.node, env.Head, env.Payload); err != nil {
			c.theRing.WasteAfterPeek(h.readerIdx, i+1)
			c.theRing.MarkDead(h.readerIdx)
			c.finishPoolNode(h, err)
			return
		}
	}
	c.theRing.WasteAfterPeek(h.readerIdx, batch)
}

// finishPoolNode deactivates h and reports its drop exactly once,
// returning its live-node and guard goroutine accounting.
func (c *Context) finishPoolNode(h *NodeHandle, err error) {
	h.poolActive.Store(false)
	h.droppedOnce.Do(func() {
		atomic.AddInt64(&c.liveNodes, -1)
		if c.guard != nil {
			c.guard.ReleaseGoroutine()
		}
		if err != nil {
			if _, panicked := err.(*nodePanic); panicked {
				metrics.RecordNodeDropped("panic")
			} else {
				metrics.RecordNodeDropped("error")
			}
		}
		if c.dropped != nil {
			c.dropped(h.node, err)
		}
	})
}

func (c *Context) dispatchSafely(node Node, head tipsmsg.MessageHead, body []byte) (panicErr error) {
	defer func() {
		if r := recover(); r != nil {
			tipslog.RecoverPanic(c.logger, "context.node", map[string]any{"node": node.Name()})
			panicErr = &nodePanic{value: r}
		}
	}()
	node.Timers().CheckNow(time.Now())
	node.Dispatcher().Dispatch(head, body)
	return nil
}

// checkTimersSafely fires h's due timers without dispatching any
// message, used by pool turns on an empty inbox so a quiet Node's
// recurring timers still run on schedule.
func (c *Context) checkTimersSafely(node Node) (panicErr error) {
	defer func() {
		if r := recover(); r != nil {
			tipslog.RecoverPanic(c.logger, "context.node", map[string]any{"node": node.Name()})
			panicErr = &nodePanic{value: r}
		}
	}()
	node.Timers().CheckNow(time.Now())
	return nil
}

type nodePanic struct{ value any }

func (p *nodePanic) Error() string { return "node dispatch panicked" }

func (c *Context) runRingLoop(ctx context.Context, h *NodeHandle, maxBlockingTime time.Duration) error {
	backoff := time.Microsecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		h.node.Timers().CheckNow(time.Now())

		_, values, count := c.theRing.Peek(h.readerIdx)
		if count == 0 {
			sleep := backoff
			if sleep > maxBlockingTime && maxBlockingTime > 0 {
				sleep = maxBlockingTime
			}
			time.Sleep(sleep)
			continue
		}

		batch := count
		if batch > c.maxBatch {
			batch = c.maxBatch
		}
		for i := 0; i < batch; i++ {
			env := values[i]
			if err := c.dispatchSafely(h.node, env.Head, env.Payload); err != nil {
				c.theRing.WasteAfterPeek(h.readerIdx, i+1)
				return err
			}
		}
		c.theRing.WasteAfterPeek(h.readerIdx, batch)
	}
}

func (c *Context) runPartitionLoop(ctx context.Context, h *NodeHandle, maxBlockingTime time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		h.node.Timers().CheckNow(time.Now())

		c.partMu.Lock()
		_, values, count := c.theRing.Peek(0)
		if count == 0 {
			c.partMu.Unlock()
			time.Sleep(maxBlockingTime)
			continue
		}
		batch := count
		if batch > c.maxBatch {
			batch = c.maxBatch
		}
		claimed := make([]Envelope, batch)
		copy(claimed, values[:batch])
		c.theRing.WasteAfterPeek(0, batch)
		c.partMu.Unlock()

		for _, env := range claimed {
			if err := c.dispatchSafely(h.node, env.Head, env.Payload); err != nil {
				return err
			}
		}
	}
}

func (c *Context) runBlockingLoop(ctx context.Context, h *NodeHandle, _ time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		env, ok := h.blockingQ.TryTake(100 * time.Millisecond)
		if !ok {
			h.node.Timers().CheckNow(time.Now())
			continue
		}
		h.node.Timers().CheckNow(time.Now())
		if err := c.dispatchSafely(h.node, env.Head, env.Payload); err != nil {
			return err
		}
	}
}

// StartPumping starts the Context's background machinery (Pool
// worker goroutines; ring/blocking loops are still per-Node) without
// any Nodes attached — used by aggregators that only need IPC/network
// pumping.
func (c *Context) StartPumping(context.Context) {
	if c.mode == ModePool {
		c.ensurePoolStarted(0)
	}
}

// Stop signals every running Node loop to exit at its next loop
// boundary and waits for them via Join.
func (c *Context) Stop() {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	handles := append([]*NodeHandle(nil), c.nodes...)
	c.mu.Unlock()
	for _, h := range handles {
		// Pool Nodes stay active here so the scheduler's drain reports
		// their clean drop.
		if h.cancelFunc != nil && c.mode != ModePool {
			h.cancelFunc()
		}
	}
	if c.pool != nil {
		// The scheduler must exit before the task queue closes, or a
		// last-moment TrySubmit would send on a closed channel.
		if c.poolSchedDone != nil {
			<-c.poolSchedDone
		}
		metrics.SetPoolDroppedTasks(c.pool.DroppedTasks())
		c.pool.Stop()
	}
}

// Join blocks until every started Node loop has exited.
func (c *Context) Join() {
	c.wg.Wait()
}
