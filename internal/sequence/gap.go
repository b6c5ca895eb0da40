// Package sequence detects missing ranges in update-id sequences.
package sequence

import (
	"fmt"
	"slices"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

// DefaultGapThreshold is the gap size above which a gap is "large".
const DefaultGapThreshold int64 = 1000

// GapRecord is one detected gap. GapSize counts the missing ids, so 2 -> 5 is a gap of 2.
type GapRecord struct {
	ExpectedID int64 `json:"expected_id"`
	ActualID   int64 `json:"actual_id"`
	GapSize    int64 `json:"gap_size"`
}

// Band is a histogram bucket of gap sizes.
type Band uint8

const (
	BandUpTo10 Band = iota
	BandUpTo100
	BandUpTo1000
	BandOver1000
	bandCount
)

func (b Band) String() string {
	switch b {
	case BandUpTo10:
		return "1-10"
	case BandUpTo100:
		return "11-100"
	case BandUpTo1000:
		return "101-1000"
	case BandOver1000:
		return "1000+"
	default:
		return "unknown"
	}
}

// BandOf returns the bucket of a gap size.
func BandOf(size int64) Band {
	switch {
	case size <= 10:
		return BandUpTo10
	case size <= 100:
		return BandUpTo100
	case size <= 1000:
		return BandUpTo1000
	default:
		return BandOver1000
	}
}

// GapStatistics accumulates gaps for observability.
type GapStatistics struct {
	TotalGaps         int64            `json:"total_gaps"`
	MaxGapSize        int64            `json:"max_gap_size"`
	GapsOverThreshold int64            `json:"gaps_over_threshold"`
	MissingIDs        int64            `json:"missing_ids"`
	Histogram         [bandCount]int64 `json:"size_histogram"`
}

// HistogramByLabel returns the histogram keyed by band label.
func (s GapStatistics) HistogramByLabel() map[string]int64 {
	out := make(map[string]int64, bandCount)
	for b := Band(0); b < bandCount; b++ {
		out[b.String()] = s.Histogram[b]
	}
	return out
}

// Analyzer tracks the last seen update id across batches. It is owned by one replayer.
type Analyzer struct {
	threshold      int64
	lastID         int64
	hasLast        bool
	recoveryNeeded bool
	stats          GapStatistics
}

// NewAnalyzer creates an analyzer. threshold <= 0 uses DefaultGapThreshold.
func NewAnalyzer(threshold int64) *Analyzer {
	if threshold <= 0 {
		threshold = DefaultGapThreshold
	}
	return &Analyzer{threshold: threshold}
}

// Threshold returns the large-gap threshold.
func (a *Analyzer) Threshold() int64 {
	return a.threshold
}

// LastUpdateID returns the last tracked id.
func (a *Analyzer) LastUpdateID() (int64, bool) {
	return a.lastID, a.hasLast
}

// Reset forgets the tracked id, for example after a snapshot resync. Statistics are kept.
func (a *Analyzer) Reset(lastID int64) {
	a.lastID = lastID
	a.hasLast = lastID > 0
	a.recoveryNeeded = false
}

// RecoveryNeeded reports whether a gap above the threshold was seen since the last resync.
func (a *Analyzer) RecoveryNeeded() bool {
	return a.recoveryNeeded
}

// ClearRecovery acknowledges a resync.
func (a *Analyzer) ClearRecovery() {
	a.recoveryNeeded = false
}

// Stats returns a copy of the cumulative statistics.
func (a *Analyzer) Stats() GapStatistics {
	return a.stats
}

// Analyze sorts a copy of ids and returns it with the gaps found, including the gap
// between the previous batch and this one.
func (a *Analyzer) Analyze(ids []int64) ([]int64, []GapRecord) {
	sorted := slices.Clone(ids)
	slices.SortStableFunc(sorted, func(x, y int64) int {
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	})

	var gaps []GapRecord
	for _, id := range sorted {
		if gap, ok := a.observe(id); ok {
			gaps = append(gaps, gap)
		}
	}
	return sorted, gaps
}

// AnalyzeEvents extracts the update ids of the delta events and analyzes them. A delta
// without an update id violates the input contract.
func (a *Analyzer) AnalyzeEvents(events []schema.Event) ([]int64, []GapRecord, error) {
	ids := make([]int64, 0, len(events))
	for i := range events {
		if events[i].Header.Type != schema.EventBookDelta {
			continue
		}
		if !events[i].Header.HasUpdateID {
			return nil, nil, fmt.Errorf("%w: event %d", exception.ErrMissingUpdateID, i)
		}
		ids = append(ids, events[i].Header.UpdateID)
	}
	sorted, gaps := a.Analyze(ids)
	return sorted, gaps, nil
}

// Observe checks one id against the tracked sequence.
func (a *Analyzer) Observe(id int64) (GapRecord, bool) {
	return a.observe(id)
}

func (a *Analyzer) observe(id int64) (GapRecord, bool) {
	if !a.hasLast {
		a.lastID = id
		a.hasLast = true
		return GapRecord{}, false
	}
	if id <= a.lastID {
		// duplicate or stale id, nothing is missing
		return GapRecord{}, false
	}
	expected := a.lastID + 1
	a.lastID = id
	if id == expected {
		return GapRecord{}, false
	}
	gap := GapRecord{ExpectedID: expected, ActualID: id, GapSize: id - expected}
	a.record(gap)
	return gap, true
}

func (a *Analyzer) record(gap GapRecord) {
	a.stats.TotalGaps++
	a.stats.MissingIDs += gap.GapSize
	if gap.GapSize > a.stats.MaxGapSize {
		a.stats.MaxGapSize = gap.GapSize
	}
	a.stats.Histogram[BandOf(gap.GapSize)]++
	if gap.GapSize > a.threshold {
		a.stats.GapsOverThreshold++
		a.recoveryNeeded = true
	}
}

// AnalyzerState is the checkpointed form of an Analyzer.
type AnalyzerState struct {
	LastID         int64         `json:"last_id"`
	HasLast        bool          `json:"has_last"`
	RecoveryNeeded bool          `json:"recovery_needed"`
	Stats          GapStatistics `json:"stats"`
}

// Snapshot copies the analyzer.
func (a *Analyzer) Snapshot() AnalyzerState {
	return AnalyzerState{
		LastID:         a.lastID,
		HasLast:        a.hasLast,
		RecoveryNeeded: a.recoveryNeeded,
		Stats:          a.stats,
	}
}

// Restore replaces the analyzer contents.
func (a *Analyzer) Restore(st AnalyzerState) {
	a.lastID = st.LastID
	a.hasLast = st.HasLast
	a.recoveryNeeded = st.RecoveryNeeded
	a.stats = st.Stats
}
