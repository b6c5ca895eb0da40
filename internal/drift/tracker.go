package drift

import (
	"math"
	"slices"

	"lobreplay/internal/book"
	"lobreplay/internal/schema"
)

const (
	defaultThreshold    = 0.01
	defaultHistoryLimit = 10_000
)

// Config controls drift detection.
type Config struct {
	Threshold     float64 `json:"threshold" yaml:"threshold"`
	ResyncOnDrift bool    `json:"resyncOnDrift" yaml:"resyncOnDrift"`
	HistoryLimit  int     `json:"historyLimit" yaml:"historyLimit"`
}

// DefaultConfig returns the baseline drift configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:     defaultThreshold,
		ResyncOnDrift: true,
		HistoryLimit:  defaultHistoryLimit,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// Stats summarizes the comparisons seen so far.
type Stats struct {
	Compared int64   `json:"snapshots_compared"`
	Exceeded int64   `json:"exceeded"`
	Resyncs  int64   `json:"resyncs"`
	Evicted  int64   `json:"evicted"`
	MeanRMS  float64 `json:"mean_rms"`
	P95RMS   float64 `json:"p95_rms"`
	P99RMS   float64 `json:"p99_rms"`
	MaxRMS   float64 `json:"max_rms"`
}

// State is the checkpointed form of a Tracker.
type State struct {
	Compared int64     `json:"compared"`
	Exceeded int64     `json:"exceeded"`
	Resyncs  int64     `json:"resyncs"`
	Evicted  int64     `json:"evicted"`
	History  []Metrics `json:"history"`
}

// Tracker owns the drift history of one symbol.
type Tracker struct {
	cfg      Config
	history  []Metrics
	compared int64
	exceeded int64
	resyncs  int64
	evicted  int64
	exporter func([]Metrics)
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{cfg: cfg}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// SetExporter installs the callback that receives history records before they are
// evicted from memory.
func (t *Tracker) SetExporter(fn func([]Metrics)) {
	t.exporter = fn
}

// Observe compares the book with a snapshot and appends the result to the history.
func (t *Tracker) Observe(b *book.OrderBook, snap schema.Snapshot, ts, updateID int64) Metrics {
	m := Calculate(b, snap.Bids, snap.Asks, t.cfg.Threshold)
	t.compared++
	m.SnapshotNumber = t.compared
	m.EventTimestamp = ts
	m.UpdateID = updateID
	if m.ExceedsThreshold {
		t.exceeded++
	}
	t.append(m)
	return m
}

// ShouldResync reports whether the comparison calls for a full ledger replace.
func (t *Tracker) ShouldResync(m Metrics) bool {
	return m.ExceedsThreshold && t.cfg.ResyncOnDrift
}

// RecordResync marks the latest comparison as having triggered a resync.
func (t *Tracker) RecordResync() {
	t.resyncs++
	if n := len(t.history); n > 0 {
		t.history[n-1].Resynced = true
	}
}

func (t *Tracker) append(m Metrics) {
	t.history = append(t.history, m)
	over := len(t.history) - t.cfg.HistoryLimit
	if over <= 0 {
		return
	}
	evicted := slices.Clone(t.history[:over])
	if t.exporter != nil {
		t.exporter(evicted)
	}
	t.history = slices.Delete(t.history, 0, over)
	t.evicted += int64(over)
}

// History returns a copy of the in-memory records, oldest first.
func (t *Tracker) History() []Metrics {
	return slices.Clone(t.history)
}

// Stats computes the summary over the in-memory history.
func (t *Tracker) Stats() Stats {
	st := Stats{
		Compared: t.compared,
		Exceeded: t.exceeded,
		Resyncs:  t.resyncs,
		Evicted:  t.evicted,
	}
	if len(t.history) == 0 {
		return st
	}
	values := make([]float64, len(t.history))
	var sum float64
	for i, m := range t.history {
		values[i] = m.RMSError
		sum += m.RMSError
	}
	slices.Sort(values)
	st.MeanRMS = sum / float64(len(values))
	st.P95RMS = percentile(values, 0.95)
	st.P99RMS = percentile(values, 0.99)
	st.MaxRMS = values[len(values)-1]
	return st
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}

// Snapshot copies the tracker into a State.
func (t *Tracker) Snapshot() State {
	return State{
		Compared: t.compared,
		Exceeded: t.exceeded,
		Resyncs:  t.resyncs,
		Evicted:  t.evicted,
		History:  slices.Clone(t.history),
	}
}

// Restore replaces the tracker contents with a State.
func (t *Tracker) Restore(st State) {
	t.compared = st.Compared
	t.exceeded = st.Exceeded
	t.resyncs = st.Resyncs
	t.evicted = st.Evicted
	t.history = slices.Clone(st.History)
}
