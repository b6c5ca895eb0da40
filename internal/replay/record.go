package replay

import (
	"lobreplay/internal/book"
	"lobreplay/internal/drift"
	"lobreplay/internal/schema"
	"lobreplay/internal/sequence"
	"lobreplay/pkg/fixed"
)

// Status is the replayer lifecycle state.
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusLive
	// StatusResyncing is only observed on the record of the snapshot that replaced the ledger.
	StatusResyncing
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "UNINITIALIZED"
	case StatusLive:
		return "LIVE"
	case StatusResyncing:
		return "RESYNCING"
	default:
		return "UNKNOWN"
	}
}

// Record is the enriched output for one input event. Book fields are copies taken when
// the event was applied and are nil while the book is uninitialized.
type Record struct {
	Event    schema.Event
	Status   Status
	Book     *book.TopOfBook
	TopBid   *schema.Level
	TopAsk   *schema.Level
	Spread   *fixed.Scaled
	Drift    *drift.Metrics
	Gap      *sequence.GapRecord
	Fill     *book.TradeFill
	Deferred bool
	Resynced bool
}

func (r *Replayer) enrich(rec *Record) {
	if !r.book.Initialized {
		return
	}
	top := r.book.Top(r.cfg.OutputDepth)
	rec.Book = &top
	if lvl, ok := r.book.BestBid(); ok {
		rec.TopBid = &lvl
	}
	if lvl, ok := r.book.BestAsk(); ok {
		rec.TopAsk = &lvl
	}
	if spread, ok := r.book.Spread(); ok {
		rec.Spread = &spread
	}
}
