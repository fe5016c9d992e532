package gorilla

import (
	"tsseg/internal/arena"
	"tsseg/internal/collector"
	"tsseg/internal/metrics"
	"tsseg/internal/segment"
)

// Factory constructs Encoders wired to a shared arena, metric sink, and
// collector queue, taking its collaborators as constructor arguments
// rather than reading globals.
type Factory struct {
	arena     *arena.Arena
	blockSize int
	sink      metrics.Sink
	queue     *collector.Queue
}

// NewFactory builds a Factory over an already-open arena.
func NewFactory(a *arena.Arena, sink metrics.Sink, queue *collector.Queue) *Factory {
	return &Factory{
		arena:     a,
		blockSize: a.BlockSize(),
		sink:      sink,
		queue:     queue,
	}
}

// New creates a fresh segment and wraps it in an Encoder ready for
// writing.
func (f *Factory) New(segmentTime int32, lossy bool) (*Encoder, error) {
	seg, err := segment.Create(f.arena, f.blockSize, segmentTime, lossy)
	if err != nil {
		f.sink.AllocationErrors.Inc()
		return nil, err
	}
	f.sink.SegmentsCreated.Inc()
	f.sink.SegmentsDirty.Inc()
	return New(seg), nil
}

// Queue returns the collector queue backing this factory's deferred
// frees, so callers can call collectSegment via Queue().Enqueue.
func (f *Factory) Queue() *collector.Queue { return f.queue }

// AttachQueue binds the collector queue after construction, for the
// common wiring order where the queue's Freer is the factory itself
// (collector.NewQueue(factory, ...)) and so must exist before the
// queue does.
func (f *Factory) AttachQueue(q *collector.Queue) { f.queue = q }

// Open binds an Encoder to a previously created segment's address.
func (f *Factory) Open(addr uint64, lossy bool) *Encoder {
	seg := segment.Open(f.arena, f.blockSize, addr, lossy)
	return New(seg)
}

// Free releases a segment's blocks immediately, bypassing the
// collector queue. Intended for the queue's own Freer callback, which
// counts the free itself; callers invoking Free directly are
// responsible for their own accounting.
func (f *Factory) Free(addr uint64) {
	seg := segment.Open(f.arena, f.blockSize, addr, false)
	seg.Free()
}

// RecordPointWritten bumps the points-written counter. Callers invoke
// this after a successful AddDataPoint.
func (f *Factory) RecordPointWritten() {
	f.sink.PointsWritten.Inc()
}
