package runctx

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hmbdc-dev/tips/runctx/platform"
)

// Limits is the static, operator-configured resource envelope a
// ResourceGuard enforces. Unlike a capacity manager that derives limits
// from measurement, every field here is fixed at construction time:
// predictable, deterministic admission control instead of auto-tuning.
// A zero or negative field disables that particular check.
type Limits struct {
	MaxPublishPerSec int
	MaxPumpPerSec    int
	MaxGoroutines    int
	CPULimit         float64
	CPURejectPercent float64
	CPUPausePercent  float64
	MemoryLimitBytes int64
}

// GoroutineLimiter bounds concurrent goroutines with a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

// NewGoroutineLimiter creates a limiter admitting up to max concurrent
// holders.
func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

// Acquire attempts to take a slot, returning false immediately if none
// are free.
func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (gl *GoroutineLimiter) Release() { <-gl.sem }

// Current reports the number of slots in use.
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }

// Max reports the configured ceiling.
func (gl *GoroutineLimiter) Max() int { return gl.max }

// ResourceGuard enforces Limits against a running Context: it rejects
// new Node starts and pauses IPC pumping under CPU or memory pressure,
// and rate-limits publish/pump call volume.
type ResourceGuard struct {
	limits Limits
	logger zerolog.Logger

	publishLimiter *rate.Limiter
	pumpLimiter    *rate.Limiter
	goroutines     *GoroutineLimiter
	cpuMonitor     *platform.CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
	currentNodes  *int64
}

// NewResourceGuard builds a guard over limits, tracking currentNodes as
// the live count of started Nodes (an atomic counter owned by the
// caller, typically a Context).
func NewResourceGuard(limits Limits, logger zerolog.Logger, currentNodes *int64) *ResourceGuard {
	publishLimiter := newOptionalLimiter(limits.MaxPublishPerSec)
	pumpLimiter := newOptionalLimiter(limits.MaxPumpPerSec)
	goroutines := NewGoroutineLimiter(limits.MaxGoroutines)
	cpuMonitor := platform.NewCPUMonitor(logger)

	rg := &ResourceGuard{
		limits:         limits,
		logger:         logger,
		publishLimiter: publishLimiter,
		pumpLimiter:    pumpLimiter,
		goroutines:     goroutines,
		cpuMonitor:     cpuMonitor,
		currentNodes:   currentNodes,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", cpuMonitor.Mode()).
		Float64("cpu_allocation", cpuMonitor.GetAllocation()).
		Float64("cpu_limit", limits.CPULimit).
		Int64("memory_limit", limits.MemoryLimitBytes).
		Int("max_goroutines", limits.MaxGoroutines).
		Msgf("resource guard initialized: %.1f CPUs allocated, rejects at %.0f%%",
			cpuMonitor.GetAllocation(), limits.CPURejectPercent)

	return rg
}

// newOptionalLimiter builds a token-bucket limiter for perSec events
// per second, or an unlimited one when the limit is disabled.
func newOptionalLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec*2)
}

// ShouldAcceptNode reports whether a new Node may be started, checking
// CPU, memory and goroutine headroom in order and returning the first
// violated reason.
func (rg *ResourceGuard) ShouldAcceptNode() (accept bool, reason string) {
	currentCPU := rg.currentCPU.Load().(float64)
	currentMemory := rg.currentMemory.Load().(int64)
	currentGoros := runtime.NumGoroutine()

	if rg.limits.CPURejectPercent > 0 && currentCPU > rg.limits.CPURejectPercent {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", currentCPU, rg.limits.CPURejectPercent)
	}
	if rg.limits.MemoryLimitBytes > 0 && currentMemory > rg.limits.MemoryLimitBytes {
		return false, "memory limit exceeded"
	}
	if rg.limits.MaxGoroutines > 0 && currentGoros > rg.limits.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", currentGoros, rg.limits.MaxGoroutines)
	}
	return true, "OK"
}

// ShouldPauseIPC reports whether IPC pumping should pause, providing
// backpressure when CPU is critically high.
func (rg *ResourceGuard) ShouldPauseIPC() bool {
	return rg.limits.CPUPausePercent > 0 &&
		rg.currentCPU.Load().(float64) > rg.limits.CPUPausePercent
}

// AllowPublish rate-limits publish volume, reporting how long the
// caller would need to wait if denied.
func (rg *ResourceGuard) AllowPublish() (allow bool, wait time.Duration) {
	reservation := rg.publishLimiter.Reserve()
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// AllowPump rate-limits IPC pump cycles.
func (rg *ResourceGuard) AllowPump() bool {
	return rg.pumpLimiter.Allow()
}

// AcquireGoroutine attempts to reserve a goroutine slot; callers that
// succeed must call ReleaseGoroutine when done. Always succeeds when
// the goroutine limit is disabled.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	if rg.limits.MaxGoroutines <= 0 {
		return true
	}
	ok := rg.goroutines.Acquire()
	if !ok {
		rg.logger.Warn().
			Int("current", rg.goroutines.Current()).
			Int("max", rg.goroutines.Max()).
			Msg("goroutine limit reached")
	}
	return ok
}

// ReleaseGoroutine returns a goroutine slot.
func (rg *ResourceGuard) ReleaseGoroutine() {
	if rg.limits.MaxGoroutines <= 0 {
		return
	}
	rg.goroutines.Release()
}

// UpdateResources refreshes the CPU and memory snapshot used by
// admission checks. Call periodically (e.g. every 15s).
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, _, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		rg.logger.Debug().Err(err).Msg("failed to read CPU usage")
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))

	var liveNodes int64
	if rg.currentNodes != nil {
		liveNodes = atomic.LoadInt64(rg.currentNodes)
	}
	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_bytes", rg.currentMemory.Load().(int64)).
		Int64("nodes", liveNodes).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring runs UpdateResources on interval until ctx is
// cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
}

// Stats reports current state, used by the console's status command.
func (rg *ResourceGuard) Stats() map[string]any {
	var liveNodes int64
	if rg.currentNodes != nil {
		liveNodes = atomic.LoadInt64(rg.currentNodes)
	}
	return map[string]any{
		"cpu_percent":          rg.currentCPU.Load().(float64),
		"cpu_reject_threshold": rg.limits.CPURejectPercent,
		"cpu_pause_threshold":  rg.limits.CPUPausePercent,
		"memory_bytes":         rg.currentMemory.Load().(int64),
		"memory_limit_bytes":   rg.limits.MemoryLimitBytes,
		"goroutines_current":   runtime.NumGoroutine(),
		"goroutines_limit":     rg.limits.MaxGoroutines,
		"nodes_live":           liveNodes,
	}
}
