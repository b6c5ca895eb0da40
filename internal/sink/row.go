// Package sink writes enriched records into hourly newline-delimited JSON partitions.
package sink

import (
	"lobreplay/internal/book"
	"lobreplay/internal/drift"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
	"lobreplay/internal/sequence"
	"lobreplay/pkg/fixed"
)

// Row is the flat output form of one replay.Record. Decimal fields marshal as strings.
type Row struct {
	Symbol    string `json:"symbol"`
	EventType string `json:"event_type"`
	TsEvent   int64  `json:"event_timestamp"`
	TsRecv    int64  `json:"receive_timestamp,omitempty"`
	Seq       uint64 `json:"seq"`
	UpdateID  *int64 `json:"update_id,omitempty"`
	Status    string `json:"replay_status"`

	TradeID   string        `json:"trade_id,omitempty"`
	Price     *fixed.Scaled `json:"price,omitempty"`
	Quantity  *fixed.Scaled `json:"quantity,omitempty"`
	Side      string        `json:"side,omitempty"`
	Aggressor string        `json:"aggressor,omitempty"`

	SnapshotBids []schema.Level `json:"snapshot_bids,omitempty"`
	SnapshotAsks []schema.Level `json:"snapshot_asks,omitempty"`

	BookState   *book.TopOfBook     `json:"book_state,omitempty"`
	TopBid      *schema.Level       `json:"top_bid,omitempty"`
	TopAsk      *schema.Level       `json:"top_ask,omitempty"`
	Spread      *fixed.Scaled       `json:"spread,omitempty"`
	DriftMetric *drift.Metrics      `json:"drift_metrics,omitempty"`
	Gap         *sequence.GapRecord `json:"sequence_gap,omitempty"`
	Fill        *Fill               `json:"fill,omitempty"`
	Deferred    bool                `json:"deferred,omitempty"`
	Resynced    bool                `json:"resynced,omitempty"`
}

// Fill is the book effect of a trade.
type Fill struct {
	Side    string       `json:"side"`
	Price   fixed.Scaled `json:"price"`
	Before  fixed.Scaled `json:"before"`
	After   fixed.Scaled `json:"after"`
	Matched bool         `json:"matched"`
}

// FromRecord flattens rec. The returned row shares level slices with rec.
func FromRecord(rec replay.Record) Row {
	ev := rec.Event
	row := Row{
		Symbol:      ev.Symbol,
		EventType:   ev.Header.Type.String(),
		TsEvent:     ev.Header.TsEvent,
		TsRecv:      ev.Header.TsRecv,
		Seq:         ev.Header.Seq,
		Status:      rec.Status.String(),
		BookState:   rec.Book,
		TopBid:      rec.TopBid,
		TopAsk:      rec.TopAsk,
		Spread:      rec.Spread,
		DriftMetric: rec.Drift,
		Gap:         rec.Gap,
		Deferred:    rec.Deferred,
		Resynced:    rec.Resynced,
	}
	if ev.Header.HasUpdateID {
		uid := ev.Header.UpdateID
		row.UpdateID = &uid
	}

	switch ev.Header.Type {
	case schema.EventTrade:
		price, qty := ev.Trade.Price, ev.Trade.Quantity
		row.TradeID = ev.Trade.TradeID
		row.Price = &price
		row.Quantity = &qty
		row.Aggressor = ev.Trade.Aggressor.String()
	case schema.EventBookDelta:
		price, qty := ev.Delta.Price, ev.Delta.Quantity
		row.Price = &price
		row.Quantity = &qty
		row.Side = ev.Delta.Side.String()
	case schema.EventBookSnapshot:
		row.SnapshotBids = ev.Snapshot.Bids
		row.SnapshotAsks = ev.Snapshot.Asks
	}

	if rec.Fill != nil {
		row.Fill = &Fill{
			Side:    rec.Fill.Side.String(),
			Price:   rec.Fill.Price,
			Before:  rec.Fill.Before,
			After:   rec.Fill.After,
			Matched: rec.Fill.Matched,
		}
	}
	return row
}
