package replay

import (
	"fmt"

	"lobreplay/internal/book"
	"lobreplay/internal/drift"
	"lobreplay/internal/schema"
	"lobreplay/internal/sequence"
	"lobreplay/pkg/exception"
)

// State is a deep value copy of everything a Replayer mutates.
type State struct {
	Status       Status                 `json:"status"`
	Book         book.State             `json:"book"`
	Gaps         sequence.AnalyzerState `json:"gaps"`
	Drift        drift.State            `json:"drift"`
	Pending      []schema.Event         `json:"pending,omitempty"`
	Counters     Counters               `json:"counters"`
	LastUpdateID int64                  `json:"last_update_id"`
	LastEventTs  int64                  `json:"last_event_ts"`
}

// Snapshot copies the replayer state. The copy shares nothing with the live replayer.
func (r *Replayer) Snapshot() State {
	pending := make([]schema.Event, len(r.pending))
	for i := range r.pending {
		pending[i] = r.pending[i].Clone()
	}
	return State{
		Status:       r.status,
		Book:         r.book.Export(),
		Gaps:         r.gaps.Snapshot(),
		Drift:        r.drift.Snapshot(),
		Pending:      pending,
		Counters:     r.counters,
		LastUpdateID: r.lastUpdateID,
		LastEventTs:  r.lastEventTs,
	}
}

// Restore replaces the replayer state with a checkpointed copy.
func (r *Replayer) Restore(st State) error {
	if st.Book.Symbol != "" && st.Book.Symbol != r.cfg.Symbol {
		return fmt.Errorf("%w: state for %s, replayer for %s", exception.ErrSymbolMismatch, st.Book.Symbol, r.cfg.Symbol)
	}
	if st.Book.MaxLevels == 0 {
		st.Book.MaxLevels = r.cfg.MaxLevels
	}
	if st.Book.Symbol == "" {
		st.Book.Symbol = r.cfg.Symbol
	}
	b, err := book.Restore(st.Book)
	if err != nil {
		return err
	}
	r.book = b
	r.gaps.Restore(st.Gaps)
	r.drift.Restore(st.Drift)
	r.pending = r.pending[:0]
	for _, ev := range st.Pending {
		r.pending = append(r.pending, ev.Clone())
	}
	r.counters = st.Counters
	r.lastUpdateID = st.LastUpdateID
	r.lastEventTs = st.LastEventTs
	r.status = st.Status
	if r.status == StatusResyncing {
		r.status = StatusLive
	}
	return nil
}
