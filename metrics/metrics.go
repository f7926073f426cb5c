// Package metrics provides the Prometheus collectors every TIPS
// component reports against: package-level collectors registered once
// in init and updated by small Record*/Set*/Observe* helpers the rest
// of the module calls instead of reaching for the prometheus API
// directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RingSlowReaderKills counts readers a RingBuffer.Purge marked dead
	// because they hadn't advanced since the previous purge.
	RingSlowReaderKills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_ring_slow_reader_kills_total",
		Help: "Total readers marked dead by a RingBuffer purge, by ring name",
	}, []string{"ring"})

	// IPCPurges counts IPC segment watchdog purge cycles that found at
	// least one stuck reader.
	IPCPurges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tips_ipc_purges_total",
		Help: "Total IPC ring purge cycles that killed at least one reader",
	})

	// IPCAttachedReaders tracks the current count of live IPC readers.
	IPCAttachedReaders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tips_ipc_attached_readers",
		Help: "Current number of live readers attached to the IPC segment",
	})

	// NetSessionsActive tracks live netrecv.Session peers.
	NetSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tips_net_sessions_active",
		Help: "Current number of active network recv sessions",
	})

	// NetSessionsDropped counts sessions torn down on peer loss.
	NetSessionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tips_net_sessions_dropped_total",
		Help: "Total network sessions torn down due to peer loss or protocol violation",
	})

	// NetGapRepairs counts gap-repair requests issued by a recv session
	// arbiter.
	NetGapRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tips_net_gap_repairs_total",
		Help: "Total gap-repair requests issued by network recv sessions",
	})

	// NetSlowSubscriberKills counts subscribers the send engine dropped
	// on an advertisement-cycle slow-subscriber scan.
	NetSlowSubscriberKills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tips_net_slow_subscriber_kills_total",
		Help: "Total backup-channel subscribers killed for falling behind the outgoing ring",
	})

	// ContextDroppedTasks counts tasks dropped because the Pool
	// context's worker queue was full.
	ContextDroppedTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tips_context_pool_dropped_tasks",
		Help: "Total Pool-context tasks dropped because the worker queue was full",
	})

	// NodesDropped counts Nodes a Context dropped after a panicking
	// callback or an error exit.
	NodesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_nodes_dropped_total",
		Help: "Total Nodes dropped after their dispatch loop exited, by reason",
	}, []string{"reason"})

	// AttachmentReassemblyLatency observes the time between a session's
	// first MemorySeg and the terminal in-band message completing
	// reassembly.
	AttachmentReassemblyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tips_attachment_reassembly_latency_seconds",
		Help:    "Time to reassemble a segmented cross-host attachment",
		Buckets: prometheus.DefBuckets,
	})

	// AttachmentBytesReassembled counts total bytes reassembled across
	// all cross-host attachment trains.
	AttachmentBytesReassembled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tips_attachment_bytes_reassembled_total",
		Help: "Total bytes reassembled from segmented cross-host attachments",
	})

	// PublishErrors counts Domain.Publish failures by route.
	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tips_publish_errors_total",
		Help: "Total Domain.Publish errors by downstream route",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(
		RingSlowReaderKills,
		IPCPurges,
		IPCAttachedReaders,
		NetSessionsActive,
		NetSessionsDropped,
		NetGapRepairs,
		NetSlowSubscriberKills,
		ContextDroppedTasks,
		NodesDropped,
		AttachmentReassemblyLatency,
		AttachmentBytesReassembled,
		PublishErrors,
	)
}

// RecordRingSlowReaderKills adds n newly-killed readers to the named
// ring's counter; call with the popcount of RingBuffer.Purge's returned
// bitmask.
func RecordRingSlowReaderKills(ring string, n int) {
	if n <= 0 {
		return
	}
	RingSlowReaderKills.WithLabelValues(ring).Add(float64(n))
}

// RecordIPCPurge records one IPC watchdog cycle that killed at least
// one stuck reader.
func RecordIPCPurge() { IPCPurges.Inc() }

// SetIPCAttachedReaders sets the current live-reader gauge.
func SetIPCAttachedReaders(n int) { IPCAttachedReaders.Set(float64(n)) }

// RecordSessionOpened/RecordSessionDropped track the net recv session
// gauge and drop counter together.
func RecordSessionOpened() { NetSessionsActive.Inc() }
func RecordSessionDropped() {
	NetSessionsActive.Dec()
	NetSessionsDropped.Inc()
}

// RecordGapRepair records one gap-repair request issued by a session
// arbiter.
func RecordGapRepair() { NetGapRepairs.Inc() }

// RecordSlowSubscriberKill records one backup subscriber dropped for
// falling behind.
func RecordSlowSubscriberKill() { NetSlowSubscriberKills.Inc() }

// SetPoolDroppedTasks sets the Pool-context dropped-task gauge from the
// WorkerPool's own atomic counter.
func SetPoolDroppedTasks(n int64) { ContextDroppedTasks.Set(float64(n)) }

// RecordNodeDropped records a Node drop with its reason ("panic",
// "error", "rejected" or "pool_panic").
func RecordNodeDropped(reason string) { NodesDropped.WithLabelValues(reason).Inc() }

// RecordAttachmentReassembled observes a completed cross-host
// attachment reassembly's latency and adds its byte count to the
// running total.
func RecordAttachmentReassembled(seconds float64, bytes int) {
	AttachmentReassemblyLatency.Observe(seconds)
	AttachmentBytesReassembled.Add(float64(bytes))
}

// RecordPublishError records a Domain.Publish failure for the named
// route ("local", "ipc" or "net").
func RecordPublishError(route string) { PublishErrors.WithLabelValues(route).Inc() }

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler { return promhttp.Handler() }
