// Package replay merges trades, snapshots, and deltas into one ordered stream and
// maintains the live book projection of a single symbol.
package replay

import (
	"cmp"
	"fmt"
	"slices"

	"lobreplay/internal/book"
	"lobreplay/internal/drift"
	"lobreplay/internal/schema"
	"lobreplay/internal/sequence"
	"lobreplay/pkg/exception"
)

// Counters are the cumulative replay counters.
type Counters struct {
	EventsProcessed     int64 `json:"events_processed"`
	Trades              int64 `json:"trades"`
	Snapshots           int64 `json:"snapshots"`
	Deltas              int64 `json:"deltas"`
	Deferred            int64 `json:"deferred"`
	PendingApplied      int64 `json:"pending_applied"`
	PendingStale        int64 `json:"pending_stale"`
	TradesPassedThrough int64 `json:"trades_passed_through"`
	TradesUnmatched     int64 `json:"trades_unmatched"`
	DriftResyncs        int64 `json:"drift_resyncs"`
	GapResyncs          int64 `json:"gap_resyncs"`
	Gaps                int64 `json:"gaps"`
}

// Replayer owns the book, gap analyzer, and drift tracker of one symbol. It is not safe
// for concurrent use; run one instance per symbol.
type Replayer struct {
	cfg      Config
	book     *book.OrderBook
	gaps     *sequence.Analyzer
	drift    *drift.Tracker
	status   Status
	pending  []schema.Event
	counters Counters
	// lastUpdateID is the highest update id seen on any event, applied or deferred.
	lastUpdateID int64
	lastEventTs  int64
}

// New creates a replayer in the uninitialized state.
func New(cfg Config) (*Replayer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := book.New(cfg.Symbol, cfg.MaxLevels)
	if err != nil {
		return nil, err
	}
	return &Replayer{
		cfg:   cfg,
		book:  b,
		gaps:  sequence.NewAnalyzer(cfg.GapThreshold),
		drift: drift.NewTracker(cfg.Drift),
	}, nil
}

// Config returns the effective configuration.
func (r *Replayer) Config() Config {
	return r.cfg
}

// Status returns the lifecycle state.
func (r *Replayer) Status() Status {
	return r.status
}

// Book exposes the live book for read-only inspection.
func (r *Replayer) Book() *book.OrderBook {
	return r.book
}

// Drift exposes the drift tracker, for example to install an exporter.
func (r *Replayer) Drift() *drift.Tracker {
	return r.drift
}

// GapStats returns a copy of the cumulative gap statistics.
func (r *Replayer) GapStats() sequence.GapStatistics {
	return r.gaps.Stats()
}

// Counters returns a copy of the counters.
func (r *Replayer) Counters() Counters {
	return r.counters
}

// PendingLen returns the number of deltas waiting for the first snapshot.
func (r *Replayer) PendingLen() int {
	return len(r.pending)
}

// LastUpdateID returns the highest update id seen.
func (r *Replayer) LastUpdateID() int64 {
	return r.lastUpdateID
}

// SortEvents returns a copy of events ordered by (event timestamp, update id). Events with
// equal keys keep their input order.
func SortEvents(events []schema.Event) []schema.Event {
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, compareEvents)
	return sorted
}

func compareEvents(a, b schema.Event) int {
	if c := cmp.Compare(a.Header.TsEvent, b.Header.TsEvent); c != 0 {
		return c
	}
	return cmp.Compare(a.Header.UpdateID, b.Header.UpdateID)
}

// Execute sorts the batch and applies every event, returning one record per input event
// in sorted order. A delta without an update id fails the batch before anything is applied.
func (r *Replayer) Execute(events []schema.Event) ([]Record, error) {
	for i := range events {
		if events[i].Header.Type == schema.EventBookDelta && !events[i].Header.HasUpdateID {
			return nil, fmt.Errorf("%w: event seq %d", exception.ErrMissingUpdateID, events[i].Header.Seq)
		}
	}

	sorted := SortEvents(events)
	records := make([]Record, 0, len(sorted))
	for _, ev := range sorted {
		rec, err := r.Apply(ev)
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Apply dispatches one event in the order given.
func (r *Replayer) Apply(ev schema.Event) (Record, error) {
	if ev.Symbol != "" && ev.Symbol != r.cfg.Symbol {
		return Record{}, fmt.Errorf("%w: got %s, want %s", exception.ErrSymbolMismatch, ev.Symbol, r.cfg.Symbol)
	}

	var (
		rec Record
		err error
	)
	switch ev.Header.Type {
	case schema.EventBookSnapshot:
		rec, err = r.applySnapshot(ev)
	case schema.EventTrade:
		rec, err = r.applyTrade(ev)
	case schema.EventBookDelta:
		rec, err = r.applyDelta(ev)
	default:
		return Record{}, fmt.Errorf("%w: %s", exception.ErrUnknownEventType, ev.Header.Type)
	}
	if err != nil {
		return Record{}, fmt.Errorf("apply %s seq %d: %w", ev.Header.Type, ev.Header.Seq, err)
	}

	r.counters.EventsProcessed++
	if ev.Header.HasUpdateID && ev.Header.UpdateID > r.lastUpdateID {
		r.lastUpdateID = ev.Header.UpdateID
	}
	if ev.Header.TsEvent > r.lastEventTs {
		r.lastEventTs = ev.Header.TsEvent
	}
	if rec.Status != StatusResyncing {
		rec.Status = r.status
	}
	r.enrich(&rec)
	return rec, nil
}

func (r *Replayer) applySnapshot(ev schema.Event) (Record, error) {
	r.counters.Snapshots++
	rec := Record{Event: ev}
	snap := ev.Snapshot
	uid := ev.Header.UpdateID

	if r.status == StatusUninitialized {
		if err := r.book.InitializeFromSnapshot(snap.Bids, snap.Asks, uid, ev.Header.TsEvent); err != nil {
			return rec, err
		}
		r.status = StatusLive
		r.afterReload(ev)
		if err := r.drainPending(ev); err != nil {
			return rec, err
		}
		return rec, nil
	}

	m := r.drift.Observe(r.book, snap, ev.Header.TsEvent, uid)
	rec.Drift = &m

	byDrift := r.drift.ShouldResync(m)
	byGap := r.gaps.RecoveryNeeded()
	if !byDrift && !byGap {
		return rec, nil
	}

	r.status = StatusResyncing
	if err := r.book.Resynchronize(snap.Bids, snap.Asks, uid, ev.Header.TsEvent); err != nil {
		return rec, err
	}
	r.drift.RecordResync()
	m.Resynced = true
	if byDrift {
		r.counters.DriftResyncs++
	}
	if byGap {
		r.counters.GapResyncs++
		r.gaps.ClearRecovery()
	}
	r.afterReload(ev)
	r.status = StatusLive
	rec.Status = StatusResyncing
	rec.Resynced = true
	return rec, nil
}

// afterReload re-anchors gap tracking on the snapshot's update id.
func (r *Replayer) afterReload(ev schema.Event) {
	if !ev.Header.HasUpdateID {
		return
	}
	if last, ok := r.gaps.LastUpdateID(); !ok || ev.Header.UpdateID > last {
		r.gaps.Reset(ev.Header.UpdateID)
	}
}

// drainPending applies the queued deltas in timestamp order. When the snapshot carries
// an update id, deltas at or below it are already reflected in the snapshot and dropped.
func (r *Replayer) drainPending(snapshot schema.Event) error {
	if len(r.pending) == 0 {
		return nil
	}
	pending := r.pending
	r.pending = nil
	slices.SortStableFunc(pending, compareEvents)

	for _, ev := range pending {
		if snapshot.Header.HasUpdateID && ev.Header.UpdateID <= snapshot.Header.UpdateID {
			r.counters.PendingStale++
			continue
		}
		d := ev.Delta
		if err := r.book.ApplyDelta(d.Side, d.Price, d.Quantity, ev.Header.UpdateID, ev.Header.TsEvent); err != nil {
			return fmt.Errorf("pending delta seq %d: %w", ev.Header.Seq, err)
		}
		r.counters.PendingApplied++
	}
	return nil
}

func (r *Replayer) applyTrade(ev schema.Event) (Record, error) {
	r.counters.Trades++
	rec := Record{Event: ev}
	if r.status == StatusUninitialized {
		r.counters.TradesPassedThrough++
		return rec, nil
	}
	t := ev.Trade
	if t.Aggressor == schema.AggressorUnknown {
		r.counters.TradesUnmatched++
		return rec, nil
	}
	fill, err := r.book.ApplyTrade(t.Aggressor, t.Price, t.Quantity, ev.Header.TsEvent)
	if err != nil {
		return rec, err
	}
	if !fill.Matched {
		r.counters.TradesUnmatched++
	}
	rec.Fill = &fill
	return rec, nil
}

func (r *Replayer) applyDelta(ev schema.Event) (Record, error) {
	if !ev.Header.HasUpdateID {
		return Record{}, exception.ErrMissingUpdateID
	}
	r.counters.Deltas++
	rec := Record{Event: ev}
	if gap, ok := r.gaps.Observe(ev.Header.UpdateID); ok {
		r.counters.Gaps++
		rec.Gap = &gap
	}

	if r.status == StatusUninitialized {
		r.pending = append(r.pending, ev)
		r.counters.Deferred++
		rec.Deferred = true
		return rec, nil
	}

	d := ev.Delta
	if err := r.book.ApplyDelta(d.Side, d.Price, d.Quantity, ev.Header.UpdateID, ev.Header.TsEvent); err != nil {
		return rec, err
	}
	return rec, nil
}
