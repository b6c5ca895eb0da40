package obs

import (
	"sync/atomic"
	"time"

	"lobreplay/internal/manifest"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
	"lobreplay/internal/wal"
)

const maxEventType = int(schema.EventBookDelta)

// Metrics collects lightweight counters and latency stats for one symbol pipeline.
// Every method is safe on a nil receiver and from any goroutine.
type Metrics struct {
	eventCounts  [maxEventType + 1]uint64
	gaps         uint64
	missingIDs   uint64
	driftChecks  uint64
	driftExceeds uint64
	resyncs      uint64
	deferred     uint64
	unmatched    uint64
	rowErrors    uint64
	malformed    uint64

	walSegments    uint64
	walEvents      uint64
	walFailures    uint64
	ckptWrites     uint64
	ckptFailures   uint64
	partitions     uint64
	rowsWritten    uint64
	bytesWritten   uint64
	lastDriftRMSE9 uint64

	eventLatency LatencyStats
	batchLatency LatencyStats
	walFlush     LatencyStats
	ckptCopy     LatencyStats
	ckptWrite    LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts        map[schema.EventType]uint64
	Gaps               uint64
	MissingIDs         uint64
	DriftChecks        uint64
	DriftExceeds       uint64
	Resyncs            uint64
	Deferred           uint64
	TradesUnmatched    uint64
	RowErrors          uint64
	MalformedRows      uint64
	WALSegments        uint64
	WALEvents          uint64
	WALFailures        uint64
	CheckpointWrites   uint64
	CheckpointFailures uint64
	Partitions         uint64
	RowsWritten        uint64
	BytesWritten       uint64
	LastDriftRMS       float64
	EventLatency       LatencySnapshot
	BatchLatency       LatencySnapshot
	WALFlushLatency    LatencySnapshot
	CheckpointCopy     LatencySnapshot
	CheckpointWrite    LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveRecord counts one replayed event and its anomalies.
func (m *Metrics) ObserveRecord(rec *replay.Record) {
	if m == nil {
		return
	}
	header := rec.Event.Header
	idx := int(header.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if header.TsEvent > 0 && header.TsRecv > 0 {
		delta := header.TsRecv - header.TsEvent
		if delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
	if rec.Gap != nil {
		atomic.AddUint64(&m.gaps, 1)
		atomic.AddUint64(&m.missingIDs, uint64(rec.Gap.GapSize))
	}
	if rec.Drift != nil {
		atomic.AddUint64(&m.driftChecks, 1)
		atomic.StoreUint64(&m.lastDriftRMSE9, uint64(rec.Drift.RMSError*1e9))
		if rec.Drift.ExceedsThreshold {
			atomic.AddUint64(&m.driftExceeds, 1)
		}
	}
	if rec.Resynced {
		atomic.AddUint64(&m.resyncs, 1)
	}
	if rec.Deferred {
		atomic.AddUint64(&m.deferred, 1)
	}
	if rec.Fill != nil && !rec.Fill.Matched {
		atomic.AddUint64(&m.unmatched, 1)
	}
}

// ObserveBatch measures one replay batch.
func (m *Metrics) ObserveBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchLatency.Observe(d)
}

// IncRowError records a row the normalizer rejected.
func (m *Metrics) IncRowError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.rowErrors, 1)
}

// IncMalformed records a source row that could not be decoded.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformed, 1)
}

// ObserveWALFlush matches wal.FlushHook.
func (m *Metrics) ObserveWALFlush(seg wal.Segment, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		atomic.AddUint64(&m.walFailures, 1)
		return
	}
	atomic.AddUint64(&m.walSegments, 1)
	atomic.AddUint64(&m.walEvents, uint64(seg.EventsCount))
	m.walFlush.Observe(elapsed)
}

// ObserveCheckpointCopy implements checkpoint.Observer.
func (m *Metrics) ObserveCheckpointCopy(d time.Duration) {
	if m == nil {
		return
	}
	m.ckptCopy.Observe(d)
}

// ObserveCheckpointWrite implements checkpoint.Observer.
func (m *Metrics) ObserveCheckpointWrite(d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		atomic.AddUint64(&m.ckptFailures, 1)
		return
	}
	atomic.AddUint64(&m.ckptWrites, 1)
	m.ckptWrite.Observe(d)
}

// ObservePartition records one written output file.
func (m *Metrics) ObservePartition(meta manifest.PartitionMetadata) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.partitions, 1)
	atomic.AddUint64(&m.rowsWritten, uint64(meta.RowCount))
	atomic.AddUint64(&m.bytesWritten, uint64(meta.FileSizeBytes))
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[schema.EventType]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.EventType(i)] = v
		}
	}
	return Snapshot{
		EventCounts:        eventCounts,
		Gaps:               atomic.LoadUint64(&m.gaps),
		MissingIDs:         atomic.LoadUint64(&m.missingIDs),
		DriftChecks:        atomic.LoadUint64(&m.driftChecks),
		DriftExceeds:       atomic.LoadUint64(&m.driftExceeds),
		Resyncs:            atomic.LoadUint64(&m.resyncs),
		Deferred:           atomic.LoadUint64(&m.deferred),
		TradesUnmatched:    atomic.LoadUint64(&m.unmatched),
		RowErrors:          atomic.LoadUint64(&m.rowErrors),
		MalformedRows:      atomic.LoadUint64(&m.malformed),
		WALSegments:        atomic.LoadUint64(&m.walSegments),
		WALEvents:          atomic.LoadUint64(&m.walEvents),
		WALFailures:        atomic.LoadUint64(&m.walFailures),
		CheckpointWrites:   atomic.LoadUint64(&m.ckptWrites),
		CheckpointFailures: atomic.LoadUint64(&m.ckptFailures),
		Partitions:         atomic.LoadUint64(&m.partitions),
		RowsWritten:        atomic.LoadUint64(&m.rowsWritten),
		BytesWritten:       atomic.LoadUint64(&m.bytesWritten),
		LastDriftRMS:       float64(atomic.LoadUint64(&m.lastDriftRMSE9)) / 1e9,
		EventLatency:       m.eventLatency.Snapshot(),
		BatchLatency:       m.batchLatency.Snapshot(),
		WALFlushLatency:    m.walFlush.Snapshot(),
		CheckpointCopy:     m.ckptCopy.Snapshot(),
		CheckpointWrite:    m.ckptWrite.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		lo := atomic.LoadUint64(&l.min)
		if lo != 0 && nanos >= lo {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, lo, nanos) {
			break
		}
	}

	for {
		hi := atomic.LoadUint64(&l.max)
		if nanos <= hi {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, hi, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
