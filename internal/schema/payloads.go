package schema

import "lobreplay/pkg/fixed"

// Side is one side of the book.
type Side uint8

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "BID"
	case SideAsk:
		return "ASK"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	switch s {
	case SideBid:
		return SideAsk
	case SideAsk:
		return SideBid
	default:
		return SideUnknown
	}
}

// Aggressor is the taker side of a trade print.
type Aggressor uint8

const (
	AggressorUnknown Aggressor = iota
	AggressorBuy
	AggressorSell
)

func (a Aggressor) String() string {
	switch a {
	case AggressorBuy:
		return "BUY"
	case AggressorSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ConsumedSide is the book side a trade of this aggressor removes liquidity from.
func (a Aggressor) ConsumedSide() Side {
	switch a {
	case AggressorBuy:
		return SideAsk
	case AggressorSell:
		return SideBid
	default:
		return SideUnknown
	}
}

// Level is one price level.
type Level struct {
	Price    fixed.Scaled `json:"price"`
	Quantity fixed.Scaled `json:"quantity"`
}

// Trade is the payload for EventTrade.
type Trade struct {
	TradeID   string
	Price     fixed.Scaled
	Quantity  fixed.Scaled
	Aggressor Aggressor
}

// Snapshot is the payload for EventBookSnapshot.
type Snapshot struct {
	Bids       []Level
	Asks       []Level
	IsSnapshot bool
}

// Delta is the payload for EventBookDelta.
type Delta struct {
	Side     Side
	Price    fixed.Scaled
	Quantity fixed.Scaled
}

// Event is the unified market event. Only the payload matching Header.Type is meaningful.
type Event struct {
	Header   EventHeader
	Symbol   string
	Trade    Trade
	Snapshot Snapshot
	Delta    Delta
}

// NewTrade builds a trade event.
func NewTrade(symbol string, seq uint64, ts int64, trade Trade) Event {
	return Event{
		Header: NewHeader(EventTrade, seq, ts, 0),
		Symbol: symbol,
		Trade:  trade,
	}
}

// NewSnapshot builds a snapshot event.
func NewSnapshot(symbol string, seq uint64, ts int64, bids, asks []Level) Event {
	return Event{
		Header:   NewHeader(EventBookSnapshot, seq, ts, 0),
		Symbol:   symbol,
		Snapshot: Snapshot{Bids: bids, Asks: asks, IsSnapshot: true},
	}
}

// NewDelta builds a delta event with its update id.
func NewDelta(symbol string, seq uint64, ts, updateID int64, delta Delta) Event {
	return Event{
		Header: NewHeader(EventBookDelta, seq, ts, 0).WithUpdateID(updateID),
		Symbol: symbol,
		Delta:  delta,
	}
}

// Clone deep-copies the level slices so the event can outlive its source buffer.
func (e Event) Clone() Event {
	if e.Header.Type == EventBookSnapshot {
		e.Snapshot.Bids = append([]Level(nil), e.Snapshot.Bids...)
		e.Snapshot.Asks = append([]Level(nil), e.Snapshot.Asks...)
	}
	return e
}
