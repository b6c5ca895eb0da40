package book

import (
	"fmt"

	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

// State is the flat, value-only form of an OrderBook used by checkpoints. Levels are
// stored best first as parallel int64 arrays so a copy is a handful of memmoves.
type State struct {
	Symbol         string  `json:"symbol"`
	MaxLevels      int     `json:"max_levels"`
	BidPrices      []int64 `json:"bid_prices"`
	BidQuantities  []int64 `json:"bid_quantities"`
	AskPrices      []int64 `json:"ask_prices"`
	AskQuantities  []int64 `json:"ask_quantities"`
	LastUpdateID   int64   `json:"last_update_id"`
	LastOriginTime int64   `json:"last_origin_time"`
	Initialized    bool    `json:"initialized"`
}

// Export copies the book into a State.
func (b *OrderBook) Export() State {
	st := State{
		Symbol:         b.Symbol,
		MaxLevels:      b.MaxLevels,
		LastUpdateID:   b.LastUpdateID,
		LastOriginTime: b.LastOriginTime,
		Initialized:    b.Initialized,
	}
	st.BidPrices, st.BidQuantities = flatten(b.Bids)
	st.AskPrices, st.AskQuantities = flatten(b.Asks)
	return st
}

func flatten(s *BoundedSide) ([]int64, []int64) {
	levels := s.Levels()
	prices := make([]int64, len(levels))
	quantities := make([]int64, len(levels))
	for i, lvl := range levels {
		prices[i] = int64(lvl.Price)
		quantities[i] = int64(lvl.Quantity)
	}
	return prices, quantities
}

// Restore builds a book from a State through the regular insertion path.
func Restore(st State) (*OrderBook, error) {
	if len(st.BidPrices) != len(st.BidQuantities) || len(st.AskPrices) != len(st.AskQuantities) {
		return nil, fmt.Errorf("%w: level array length mismatch", exception.ErrBookInvariant)
	}
	b, err := New(st.Symbol, st.MaxLevels)
	if err != nil {
		return nil, err
	}
	for i := range st.BidPrices {
		if err := b.Bids.Update(fixed.Scaled(st.BidPrices[i]), fixed.Scaled(st.BidQuantities[i])); err != nil {
			return nil, err
		}
	}
	for i := range st.AskPrices {
		if err := b.Asks.Update(fixed.Scaled(st.AskPrices[i]), fixed.Scaled(st.AskQuantities[i])); err != nil {
			return nil, err
		}
	}
	b.LastUpdateID = st.LastUpdateID
	b.LastOriginTime = st.LastOriginTime
	b.Initialized = st.Initialized
	return b, nil
}

// Clone deep-copies the state.
func (st State) Clone() State {
	st.BidPrices = append([]int64(nil), st.BidPrices...)
	st.BidQuantities = append([]int64(nil), st.BidQuantities...)
	st.AskPrices = append([]int64(nil), st.AskPrices...)
	st.AskQuantities = append([]int64(nil), st.AskQuantities...)
	return st
}
