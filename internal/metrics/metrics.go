// Package metrics wraps the prometheus collectors used across the
// arena, encoder factory, and collector queue into a small opaque
// Counter/Gauge sink, so callers depend on two narrow interfaces
// instead of the concrete prometheus types.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Counter is an opaque, monotonically increasing additive sink.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge is an opaque additive sink that can also move down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// Sink groups the named series this system publishes. It is passed to
// every component that needs to report a metric as a small set of
// opaque collaborators rather than a concrete registry handle.
type Sink struct {
	SegmentsCreated  Counter
	SegmentsFreed    Counter
	SegmentsDirty    Gauge
	PointsWritten    Counter
	AllocationErrors Counter
	CollectorDepth   Gauge
}

// NewSink registers and returns a prometheus-backed Sink under the
// given namespace. Safe to call once per process per namespace;
// registering twice panics, matching client_golang's own contract.
func NewSink(registry prometheus.Registerer, namespace string) Sink {
	segmentsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_created_total",
		Help:      "Number of segments created.",
	})
	segmentsFreed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_freed_total",
		Help:      "Number of segments freed back to the arena.",
	})
	segmentsDirty := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "segments_dirty",
		Help:      "Number of segments with unflushed writes.",
	})
	pointsWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "points_written_total",
		Help:      "Number of (timestamp, value) points appended.",
	})
	allocationErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "allocation_errors_total",
		Help:      "Number of times the arena refused a block allocation.",
	})
	collectorDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "collector_queue_depth",
		Help:      "Number of segment addresses pending free.",
	})

	registry.MustRegister(
		segmentsCreated,
		segmentsFreed,
		segmentsDirty,
		pointsWritten,
		allocationErrors,
		collectorDepth,
	)

	return Sink{
		SegmentsCreated:  segmentsCreated,
		SegmentsFreed:    segmentsFreed,
		SegmentsDirty:    segmentsDirty,
		PointsWritten:    pointsWritten,
		AllocationErrors: allocationErrors,
		CollectorDepth:   collectorDepth,
	}
}

// NoopSink returns a Sink whose collaborators discard every
// observation, for tests and command-line tools that don't need a
// Prometheus registry.
func NoopSink() Sink {
	n := noop{}
	return Sink{
		SegmentsCreated:  n,
		SegmentsFreed:    n,
		SegmentsDirty:    n,
		PointsWritten:    n,
		AllocationErrors: n,
		CollectorDepth:   n,
	}
}

type noop struct{}

func (noop) Inc()              {}
func (noop) Add(float64)       {}
func (noop) Set(float64)       {}
func (noop) Dec()              {}
