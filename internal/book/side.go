package book

import (
	"fmt"
	"slices"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

// BoundedSide keeps the best maxLevels prices of one side in dense sorted arrays
// and every deeper level in an unsorted overflow map.
//
// Invariants: prices[0:count] is strictly descending for bids and strictly ascending
// for asks, every top price is better than every overflow price, and no price is in
// both regions. The overflow is only non-empty when the top arrays are full.
type BoundedSide struct {
	side       schema.Side
	maxLevels  int
	prices     []fixed.Scaled
	quantities []fixed.Scaled
	count      int
	overflow   map[fixed.Scaled]fixed.Scaled
}

// NewBoundedSide allocates one side of the book.
func NewBoundedSide(side schema.Side, maxLevels int) (*BoundedSide, error) {
	if side != schema.SideBid && side != schema.SideAsk {
		return nil, exception.ErrUnknownSide
	}
	if maxLevels <= 0 {
		return nil, exception.ErrInvalidMaxLevels
	}
	return &BoundedSide{
		side:       side,
		maxLevels:  maxLevels,
		prices:     make([]fixed.Scaled, maxLevels),
		quantities: make([]fixed.Scaled, maxLevels),
		overflow:   make(map[fixed.Scaled]fixed.Scaled),
	}, nil
}

// Side returns which side this is.
func (s *BoundedSide) Side() schema.Side {
	return s.side
}

// MaxLevels returns the capacity of the top arrays.
func (s *BoundedSide) MaxLevels() int {
	return s.maxLevels
}

// TopCount returns the number of levels held in the top arrays.
func (s *BoundedSide) TopCount() int {
	return s.count
}

// OverflowCount returns the number of levels beyond the top arrays.
func (s *BoundedSide) OverflowCount() int {
	return len(s.overflow)
}

// Depth returns the total number of levels on this side.
func (s *BoundedSide) Depth() int {
	return s.count + len(s.overflow)
}

func (s *BoundedSide) better(a, b fixed.Scaled) bool {
	if s.side == schema.SideBid {
		return a > b
	}
	return a < b
}

// search returns the first index in the top arrays whose price is not better than
// price, and whether that slot holds price exactly.
func (s *BoundedSide) search(price fixed.Scaled) (int, bool) {
	lo, hi := 0, s.count
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if s.better(s.prices[mid], price) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < s.count && s.prices[lo] == price
}

// Update sets the quantity at price. A zero quantity removes the level.
func (s *BoundedSide) Update(price, quantity fixed.Scaled) error {
	if quantity < 0 {
		return fmt.Errorf("%w: price=%s qty=%s", exception.ErrNegativeQuantity, price, quantity)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price=%s", exception.ErrNonPositivePrice, price)
	}

	idx, found := s.search(price)
	if quantity == 0 {
		if found {
			s.removeAt(idx)
			s.promote()
			return nil
		}
		delete(s.overflow, price)
		return nil
	}

	if found {
		s.quantities[idx] = quantity
		return nil
	}
	if _, ok := s.overflow[price]; ok {
		s.overflow[price] = quantity
		return nil
	}

	if idx < s.count || s.count < s.maxLevels {
		if s.count == s.maxLevels {
			last := s.count - 1
			s.overflow[s.prices[last]] = s.quantities[last]
			s.count--
		}
		s.insertAt(idx, price, quantity)
		return nil
	}
	s.overflow[price] = quantity
	return nil
}

func (s *BoundedSide) insertAt(idx int, price, quantity fixed.Scaled) {
	copy(s.prices[idx+1:s.count+1], s.prices[idx:s.count])
	copy(s.quantities[idx+1:s.count+1], s.quantities[idx:s.count])
	s.prices[idx] = price
	s.quantities[idx] = quantity
	s.count++
}

func (s *BoundedSide) removeAt(idx int) {
	copy(s.prices[idx:s.count-1], s.prices[idx+1:s.count])
	copy(s.quantities[idx:s.count-1], s.quantities[idx+1:s.count])
	s.count--
	s.prices[s.count] = 0
	s.quantities[s.count] = 0
}

// promote moves the best overflow level into the vacated tail slot.
func (s *BoundedSide) promote() {
	if len(s.overflow) == 0 || s.count >= s.maxLevels {
		return
	}
	var (
		best  fixed.Scaled
		first = true
	)
	for price := range s.overflow {
		if first || s.better(price, best) {
			best = price
			first = false
		}
	}
	s.prices[s.count] = best
	s.quantities[s.count] = s.overflow[best]
	s.count++
	delete(s.overflow, best)
}

// Best returns the top-of-side level.
func (s *BoundedSide) Best() (schema.Level, bool) {
	if s.count == 0 {
		return schema.Level{}, false
	}
	return schema.Level{Price: s.prices[0], Quantity: s.quantities[0]}, true
}

// Get returns the quantity resting at price in either region.
func (s *BoundedSide) Get(price fixed.Scaled) (fixed.Scaled, bool) {
	if idx, found := s.search(price); found {
		return s.quantities[idx], true
	}
	qty, ok := s.overflow[price]
	return qty, ok
}

// Top copies up to n levels out of the top arrays. n <= 0 copies all of them.
func (s *BoundedSide) Top(n int) []schema.Level {
	if n <= 0 || n > s.count {
		n = s.count
	}
	levels := make([]schema.Level, n)
	for i := 0; i < n; i++ {
		levels[i] = schema.Level{Price: s.prices[i], Quantity: s.quantities[i]}
	}
	return levels
}

// Levels copies every level on this side, best first.
func (s *BoundedSide) Levels() []schema.Level {
	levels := s.Top(0)
	if len(s.overflow) == 0 {
		return levels
	}
	deep := make([]schema.Level, 0, len(s.overflow))
	for price, qty := range s.overflow {
		deep = append(deep, schema.Level{Price: price, Quantity: qty})
	}
	sortLevels(deep, s.better)
	return append(levels, deep...)
}

// Consume removes qty from the level selected for a trade at price. The level at
// exactly price is used when present; otherwise the best level is used when the trade
// price is at or through it. Only one level is touched and its quantity never goes
// negative. The matched level is reported with its quantity before consumption.
func (s *BoundedSide) Consume(price, qty fixed.Scaled) (matched schema.Level, remaining fixed.Scaled, ok bool) {
	if qty <= 0 {
		return schema.Level{}, 0, false
	}
	target := price
	before, found := s.Get(price)
	if !found {
		best, has := s.Best()
		if !has || s.better(price, best.Price) {
			return schema.Level{}, 0, false
		}
		target, before = best.Price, best.Quantity
	}
	remaining = before.SubFloor(qty)
	// Update cannot fail here: target is a resting positive price and remaining >= 0.
	_ = s.Update(target, remaining)
	return schema.Level{Price: target, Quantity: before}, remaining, true
}

// Reset removes every level.
func (s *BoundedSide) Reset() {
	for i := 0; i < s.count; i++ {
		s.prices[i] = 0
		s.quantities[i] = 0
	}
	s.count = 0
	clear(s.overflow)
}

// Validate checks the ordering and partition invariants.
func (s *BoundedSide) Validate() error {
	if s.count > s.maxLevels {
		return fmt.Errorf("%w: top_count %d > max_levels %d", exception.ErrBookInvariant, s.count, s.maxLevels)
	}
	for i := 1; i < s.count; i++ {
		if !s.better(s.prices[i-1], s.prices[i]) {
			return fmt.Errorf("%w: %s top not strictly ordered at %d", exception.ErrBookInvariant, s.side, i)
		}
	}
	if len(s.overflow) > 0 && s.count < s.maxLevels {
		return fmt.Errorf("%w: %s overflow non-empty with free top slots", exception.ErrBookInvariant, s.side)
	}
	if s.count == 0 {
		return nil
	}
	worst := s.prices[s.count-1]
	for price, qty := range s.overflow {
		if !s.better(worst, price) {
			return fmt.Errorf("%w: %s overflow price %s not worse than top %s", exception.ErrBookInvariant, s.side, price, worst)
		}
		if qty <= 0 {
			return fmt.Errorf("%w: %s overflow holds non-positive quantity", exception.ErrBookInvariant, s.side)
		}
	}
	return nil
}

func sortLevels(levels []schema.Level, better func(a, b fixed.Scaled) bool) {
	slices.SortFunc(levels, func(a, b schema.Level) int {
		switch {
		case a.Price == b.Price:
			return 0
		case better(a.Price, b.Price):
			return -1
		default:
			return 1
		}
	})
}
