package runctx

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hmbdc-dev/tips/dispatch"
	"github.com/hmbdc-dev/tips/tipsmsg"
)

type testNode struct {
	name       string
	tags       []uint16
	dispatcher *dispatch.Dispatcher
	timers     *dispatch.TimerSet
}

func (n *testNode) Name() string                     { return n.name }
func (n *testNode) Tags() []uint16                   { return n.tags }
func (n *testNode) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *testNode) Timers() *dispatch.TimerSet       { return n.timers }

func newTestNode(name string, tag uint16, handler dispatch.HandlerFunc) *testNode {
	d := dispatch.NewDispatcher()
	d.Register(tag, handler)
	return &testNode{name: name, tags: []uint16{tag}, dispatcher: d, timers: dispatch.NewTimerSet()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestBroadcastDeliversToEveryNode(t *testing.T) {
	c := NewContext(Config{
		Mode:         ModeBroadcast,
		Logger:       zerolog.Nop(),
		RingCapacity: 16,
		MaxNodes:     2,
	})

	var got0, got1 atomic.Int64
	h0 := c.Add(newTestNode("a", 1001, func(_ tipsmsg.MessageHead, _ []byte) { got0.Add(1) }))
	h1 := c.Add(newTestNode("b", 1001, func(_ tipsmsg.MessageHead, _ []byte) { got1.Add(1) }))
	c.Start(h0, 0, time.Millisecond)
	c.Start(h1, 0, time.Millisecond)
	defer func() { c.Stop(); c.Join() }()

	for i := 0; i < 5; i++ {
		c.Publish(tipsmsg.NewMessageHead(1001), []byte{byte(i)})
	}

	waitFor(t, func() bool { return got0.Load() == 5 && got1.Load() == 5 })
}

func TestPoolModeServesManyNodesInOrder(t *testing.T) {
	const numNodes = 8
	const numMsgs = 50

	c := NewContext(Config{
		Mode:         ModePool,
		Logger:       zerolog.Nop(),
		RingCapacity: 256,
		MaxNodes:     numNodes,
		PoolWorkers:  2,
	})

	var mu sync.Mutex
	received := make([][]byte, numNodes)
	for i := 0; i < numNodes; i++ {
		idx := i
		h := c.Add(newTestNode("pool-node", 1002, func(_ tipsmsg.MessageHead, body []byte) {
			mu.Lock()
			received[idx] = append(received[idx], body[0])
			mu.Unlock()
		}))
		c.Start(h, 0, time.Millisecond)
	}
	defer func() { c.Stop(); c.Join() }()

	for i := 0; i < numMsgs; i++ {
		c.Publish(tipsmsg.NewMessageHead(1002), []byte{byte(i)})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for i := 0; i < numNodes; i++ {
			if len(received[i]) != numMsgs {
				return false
			}
		}
		return true
	})

	// Per-node delivery must preserve publish order even though a
	// shared worker set served all nodes.
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < numNodes; i++ {
		for j, b := range received[i] {
			require.Equal(t, byte(j), b, "node %d message %d out of order", i, j)
		}
	}
}

func TestPoolModePanicDropsOnlyThatNode(t *testing.T) {
	var healthy atomic.Int64
	var droppedErrs []error
	var mu sync.Mutex

	c := NewContext(Config{
		Mode:         ModePool,
		Logger:       zerolog.Nop(),
		RingCapacity: 64,
		MaxNodes:     2,
		PoolWorkers:  2,
		Dropped: func(_ Node, err error) {
			if err != nil {
				mu.Lock()
				droppedErrs = append(droppedErrs, err)
				mu.Unlock()
			}
		},
	})

	hBad := c.Add(newTestNode("bad", 1003, func(_ tipsmsg.MessageHead, _ []byte) { panic("boom") }))
	hGood := c.Add(newTestNode("good", 1003, func(_ tipsmsg.MessageHead, _ []byte) { healthy.Add(1) }))
	c.Start(hBad, 0, time.Millisecond)
	c.Start(hGood, 0, time.Millisecond)
	defer func() { c.Stop(); c.Join() }()

	for i := 0; i < 10; i++ {
		c.Publish(tipsmsg.NewMessageHead(1003), []byte{byte(i)})
	}

	// The healthy node keeps draining after the bad node's first
	// message killed it.
	waitFor(t, func() bool { return healthy.Load() == 10 })
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(droppedErrs) == 1
	})
	mu.Lock()
	require.Error(t, droppedErrs[0])
	mu.Unlock()
}

func TestPoolModeStopReportsCleanDropExactlyOnce(t *testing.T) {
	var drops atomic.Int64
	c := NewContext(Config{
		Mode:         ModePool,
		Logger:       zerolog.Nop(),
		RingCapacity: 16,
		MaxNodes:     1,
		PoolWorkers:  1,
		Dropped:      func(_ Node, _ error) { drops.Add(1) },
	})

	h := c.Add(newTestNode("n", 1004, func(_ tipsmsg.MessageHead, _ []byte) {}))
	c.Start(h, 0, time.Millisecond)

	c.Stop()
	c.Join()
	c.Stop() // second Stop is a no-op

	require.Equal(t, int64(1), drops.Load())
}

func TestBlockingModeDelivers(t *testing.T) {
	c := NewContext(Config{
		Mode:   ModeBlocking,
		Logger: zerolog.Nop(),
	})

	var got atomic.Int64
	h := c.Add(newTestNode("blk", 1005, func(_ tipsmsg.MessageHead, _ []byte) { got.Add(1) }))
	c.Start(h, 0, time.Millisecond)
	defer func() { c.Stop(); c.Join() }()

	for i := 0; i < 3; i++ {
		c.Publish(tipsmsg.NewMessageHead(1005), nil)
	}
	waitFor(t, func() bool { return got.Load() == 3 })
}

func TestGuardRejectsNodeOverGoroutineLimit(t *testing.T) {
	var droppedErr error
	var dropped atomic.Int64

	// A test harness always runs more than one goroutine, so a limit of
	// one guarantees rejection without needing CPU or memory pressure.
	guard := NewResourceGuard(Limits{MaxGoroutines: 1}, zerolog.Nop(), nil)

	c := NewContext(Config{
		Mode:         ModeBroadcast,
		Logger:       zerolog.Nop(),
		RingCapacity: 16,
		MaxNodes:     1,
		Guard:        guard,
		Dropped: func(_ Node, err error) {
			droppedErr = err
			dropped.Add(1)
		},
	})

	var handled atomic.Int64
	h := c.Add(newTestNode("rejected", 1006, func(_ tipsmsg.MessageHead, _ []byte) { handled.Add(1) }))
	c.Start(h, 0, time.Millisecond)

	require.Equal(t, int64(1), dropped.Load())
	require.Error(t, droppedErr)
	require.Equal(t, int64(0), handled.Load())

	// The rejected node's reader is dead, so a publish never waits on
	// the loop that was refused.
	c.Publish(tipsmsg.NewMessageHead(1006), nil)
	c.Stop()
	c.Join()
}

func TestGuardAdmitsNodeAndTracksLiveCount(t *testing.T) {
	guard := NewResourceGuard(Limits{CPURejectPercent: 100, CPUPausePercent: 100}, zerolog.Nop(), nil)

	c := NewContext(Config{
		Mode:         ModeBroadcast,
		Logger:       zerolog.Nop(),
		RingCapacity: 16,
		MaxNodes:     1,
		Guard:        guard,
	})

	var got atomic.Int64
	h := c.Add(newTestNode("admitted", 1008, func(_ tipsmsg.MessageHead, _ []byte) { got.Add(1) }))
	c.Start(h, 0, time.Millisecond)

	c.Publish(tipsmsg.NewMessageHead(1008), nil)
	waitFor(t, func() bool { return got.Load() == 1 })
	require.Equal(t, int64(1), guard.Stats()["nodes_live"])

	c.Stop()
	c.Join()
	require.Equal(t, int64(0), guard.Stats()["nodes_live"])
}

func TestWorkerPoolTrySubmitBackpressure(t *testing.T) {
	wp := NewWorkerPool(1, 1, zerolog.Nop(), nil)
	// Not started: the single queue slot fills, then TrySubmit reports
	// the drop instead of blocking.
	require.True(t, wp.TrySubmit(func() {}))
	require.False(t, wp.TrySubmit(func() {}))
	require.Equal(t, int64(1), wp.DroppedTasks())
}
