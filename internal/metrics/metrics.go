// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage label values.
const (
	StageFlow         = "flow"
	StageSegmentation = "segmentation"
	StageReassembly   = "reassembly"
	StageReplay       = "replay"
)

var (
	// FramesTotal counts frames entering a stage by input gate
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpass_frames_total",
			Help: "Total number of frames processed by a dataplane stage",
		},
		[]string{"stage", "gate"},
	)

	// FramesDroppedTotal counts frames discarded by a stage
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpass_frames_dropped_total",
			Help: "Total number of frames dropped",
		},
		[]string{"stage", "reason"},
	)

	// FlowsCreatedTotal counts connection flows inserted into flow tables
	FlowsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xpass_flows_created_total",
			Help: "Total number of connection flows created",
		},
	)

	// FlowTransitionsTotal counts TCP state transitions by target state
	FlowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpass_flow_transitions_total",
			Help: "Total number of TCP handshake state transitions",
		},
		[]string{"state"},
	)

	// SegmentsEmittedTotal counts frames produced by splitting oversized frames
	SegmentsEmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xpass_segments_emitted_total",
			Help: "Total number of segments emitted by the segmentation engine",
		},
	)

	// ReassemblyFlushesTotal counts aggregate flushes by cause
	ReassemblyFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xpass_reassembly_flushes_total",
			Help: "Total number of reassembly aggregates flushed",
		},
		[]string{"reason"},
	)

	// ReassemblyActiveSlots tracks occupied reassembly slots across workers
	ReassemblyActiveSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xpass_reassembly_active_slots",
			Help: "Number of reassembly slots holding an aggregate",
		},
	)

	// BatchLatencySeconds measures per-batch processing time of a stage
	BatchLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xpass_batch_latency_seconds",
			Help:    "Latency of batch processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"stage"},
	)
)
