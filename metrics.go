package pario

import "sync/atomic"

// Metrics tracks per-IoSystem operation counters, the same atomic-counter
// shape used for device I/O metrics elsewhere, trimmed to the counters a
// darray-oriented workload actually produces: no queue-depth or latency
// histogram, since this domain has no per-request queue depth to sample
// and no fixed per-call latency distribution worth bucketing the way
// per-block-I/O completion latency is.
type Metrics struct {
	WriteOps   atomic.Uint64
	ReadOps    atomic.Uint64
	WriteBytes atomic.Uint64
	ReadBytes  atomic.Uint64

	WriteErrors atomic.Uint64
	ReadErrors  atomic.Uint64

	FlushOps atomic.Uint64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics { return &Metrics{} }

// MetricsSnapshot is a point-in-time copy of Metrics, safe to log or
// serialize without racing the live counters.
type MetricsSnapshot struct {
	WriteOps, ReadOps     uint64
	WriteBytes, ReadBytes uint64
	WriteErrors, ReadErrors uint64
	FlushOps              uint64
}

// Snapshot copies m's current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		WriteOps:    m.WriteOps.Load(),
		ReadOps:     m.ReadOps.Load(),
		WriteBytes:  m.WriteBytes.Load(),
		ReadBytes:   m.ReadBytes.Load(),
		WriteErrors: m.WriteErrors.Load(),
		ReadErrors:  m.ReadErrors.Load(),
		FlushOps:    m.FlushOps.Load(),
	}
}

// Metrics returns sys's metrics handle, for callers that want to observe
// counters without threading one through every call.
func (s *IoSystem) Metrics() *Metrics { return s.metrics }
