package book

import (
	"fmt"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

// OrderBook is the live projection of one symbol's book. It is owned by a single
// replayer and is not safe for concurrent use.
type OrderBook struct {
	Symbol         string
	MaxLevels      int
	Bids           *BoundedSide
	Asks           *BoundedSide
	LastUpdateID   int64
	LastOriginTime int64
	Initialized    bool
}

// TopOfBook is a by-value copy of the top levels of both sides.
type TopOfBook struct {
	Bids []schema.Level `json:"bids"`
	Asks []schema.Level `json:"asks"`
}

// TradeFill describes the effect of a trade on the book.
type TradeFill struct {
	Side    schema.Side
	Price   fixed.Scaled
	Before  fixed.Scaled
	After   fixed.Scaled
	Matched bool
}

// New creates an empty, uninitialized book.
func New(symbol string, maxLevels int) (*OrderBook, error) {
	bids, err := NewBoundedSide(schema.SideBid, maxLevels)
	if err != nil {
		return nil, err
	}
	asks, err := NewBoundedSide(schema.SideAsk, maxLevels)
	if err != nil {
		return nil, err
	}
	return &OrderBook{
		Symbol:    symbol,
		MaxLevels: maxLevels,
		Bids:      bids,
		Asks:      asks,
	}, nil
}

// Side returns the ledger side.
func (b *OrderBook) Side(side schema.Side) (*BoundedSide, error) {
	switch side {
	case schema.SideBid:
		return b.Bids, nil
	case schema.SideAsk:
		return b.Asks, nil
	default:
		return nil, exception.ErrUnknownSide
	}
}

// Reset clears all levels and marks the book uninitialized.
func (b *OrderBook) Reset() {
	b.Bids.Reset()
	b.Asks.Reset()
	b.LastUpdateID = 0
	b.LastOriginTime = 0
	b.Initialized = false
}

// InitializeFromSnapshot discards all state and loads the snapshot levels through the
// regular insertion path. Zero-quantity levels in the snapshot are ignored.
func (b *OrderBook) InitializeFromSnapshot(bids, asks []schema.Level, updateID, originTime int64) error {
	b.Bids.Reset()
	b.Asks.Reset()
	for _, lvl := range bids {
		if lvl.Quantity == 0 {
			continue
		}
		if err := b.Bids.Update(lvl.Price, lvl.Quantity); err != nil {
			return fmt.Errorf("load snapshot bid: %w", err)
		}
	}
	for _, lvl := range asks {
		if lvl.Quantity == 0 {
			continue
		}
		if err := b.Asks.Update(lvl.Price, lvl.Quantity); err != nil {
			return fmt.Errorf("load snapshot ask: %w", err)
		}
	}
	if updateID > 0 {
		b.LastUpdateID = updateID
	}
	b.LastOriginTime = originTime
	b.Initialized = true
	return nil
}

// Resynchronize fully replaces the ledger with a ground-truth snapshot.
func (b *OrderBook) Resynchronize(bids, asks []schema.Level, updateID, originTime int64) error {
	return b.InitializeFromSnapshot(bids, asks, updateID, originTime)
}

// ApplyDelta updates one level.
func (b *OrderBook) ApplyDelta(side schema.Side, price, quantity fixed.Scaled, updateID, originTime int64) error {
	s, err := b.Side(side)
	if err != nil {
		return err
	}
	if err := s.Update(price, quantity); err != nil {
		return err
	}
	if updateID > b.LastUpdateID {
		b.LastUpdateID = updateID
	}
	if originTime > b.LastOriginTime {
		b.LastOriginTime = originTime
	}
	return nil
}

// ApplyTrade removes the traded quantity from the side the aggressor takes from.
// A BUY consumes asks and a SELL consumes bids, one level only.
func (b *OrderBook) ApplyTrade(aggressor schema.Aggressor, price, quantity fixed.Scaled, originTime int64) (TradeFill, error) {
	side := aggressor.ConsumedSide()
	s, err := b.Side(side)
	if err != nil {
		return TradeFill{}, err
	}
	if quantity < 0 {
		return TradeFill{}, exception.ErrNegativeQuantity
	}
	if originTime > b.LastOriginTime {
		b.LastOriginTime = originTime
	}
	matched, remaining, ok := s.Consume(price, quantity)
	if !ok {
		return TradeFill{Side: side, Price: price}, nil
	}
	return TradeFill{
		Side:    side,
		Price:   matched.Price,
		Before:  matched.Quantity,
		After:   remaining,
		Matched: true,
	}, nil
}

// BestBid returns the best bid level.
func (b *OrderBook) BestBid() (schema.Level, bool) {
	return b.Bids.Best()
}

// BestAsk returns the best ask level.
func (b *OrderBook) BestAsk() (schema.Level, bool) {
	return b.Asks.Best()
}

// Spread returns best ask minus best bid when both sides are non-empty.
func (b *OrderBook) Spread() (fixed.Scaled, bool) {
	bid, okBid := b.Bids.Best()
	ask, okAsk := b.Asks.Best()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Top copies up to n levels per side. n <= 0 copies the whole top arrays.
func (b *OrderBook) Top(n int) TopOfBook {
	return TopOfBook{
		Bids: b.Bids.Top(n),
		Asks: b.Asks.Top(n),
	}
}

// Validate checks the invariants of both sides.
func (b *OrderBook) Validate() error {
	if err := b.Bids.Validate(); err != nil {
		return err
	}
	return b.Asks.Validate()
}

// Clone returns an independent deep copy.
func (b *OrderBook) Clone() *OrderBook {
	return &OrderBook{
		Symbol:         b.Symbol,
		MaxLevels:      b.MaxLevels,
		Bids:           b.Bids.clone(),
		Asks:           b.Asks.clone(),
		LastUpdateID:   b.LastUpdateID,
		LastOriginTime: b.LastOriginTime,
		Initialized:    b.Initialized,
	}
}

func (s *BoundedSide) clone() *BoundedSide {
	c := &BoundedSide{
		side:       s.side,
		maxLevels:  s.maxLevels,
		prices:     append([]fixed.Scaled(nil), s.prices...),
		quantities: append([]fixed.Scaled(nil), s.quantities...),
		count:      s.count,
		overflow:   make(map[fixed.Scaled]fixed.Scaled, len(s.overflow)),
	}
	for price, qty := range s.overflow {
		c.overflow[price] = qty
	}
	return c
}
