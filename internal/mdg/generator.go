// Package mdg generates synthetic raw feeds in the row shapes the normalizer accepts.
// The generator keeps its own book, so every snapshot it emits equals what a correct
// replay of the rows before it holds.
package mdg

import (
	"fmt"
	"math/rand"
	"slices"
	"strconv"
	"time"

	"lobreplay/internal/normalize"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

// Config controls a Generator.
type Config struct {
	Symbol string
	// Seed makes the feed reproducible. Zero seeds from the clock.
	Seed  int64
	Start time.Time
	// Step is the event time between two rows.
	Step time.Duration
	// Levels is the number of price slots per side.
	Levels   int
	MidPrice fixed.Scaled
	Tick     fixed.Scaled
	// SnapshotEvery emits a snapshot after this many rows. Zero emits only the first one.
	SnapshotEvery int
	// TradeRate is the probability that a row is a trade instead of a delta.
	TradeRate float64
	// FirstUpdateID is carried by the first snapshot. Deltas count up from it.
	FirstUpdateID int64
}

// DefaultConfig returns a ten level book around 100.00.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:        symbol,
		Start:         time.Unix(1_700_000_000, 0).UTC(),
		Step:          100 * time.Millisecond,
		Levels:        10,
		MidPrice:      fixed.FromInt(100),
		Tick:          fixed.MustParse("0.01"),
		SnapshotEvery: 1000,
		TradeRate:     0.1,
		FirstUpdateID: 1,
	}
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", exception.ErrInvalidArgument)
	}
	if c.Levels <= 0 {
		return fmt.Errorf("%w: levels must be > 0", exception.ErrInvalidArgument)
	}
	if c.Tick <= 0 {
		return fmt.Errorf("%w: tick must be > 0", exception.ErrInvalidArgument)
	}
	if c.MidPrice <= c.Tick*fixed.Scaled(c.Levels) {
		return fmt.Errorf("%w: mid price %s too low for %d levels of %s", exception.ErrInvalidArgument, c.MidPrice, c.Levels, c.Tick)
	}
	if c.TradeRate < 0 || c.TradeRate > 1 {
		return fmt.Errorf("%w: tradeRate must be between 0 and 1", exception.ErrInvalidArgument)
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("%w: snapshotEvery must be >= 0", exception.ErrInvalidArgument)
	}
	return nil
}

// Generator creates a random walk of book updates and trades on a fixed price grid.
type Generator struct {
	cfg  Config
	rng  *rand.Rand
	bids map[fixed.Scaled]fixed.Scaled
	asks map[fixed.Scaled]fixed.Scaled

	updateID      int64
	tradeID       int64
	ts            time.Time
	sinceSnapshot int
	started       bool
}

// NewGenerator seeds a full book of cfg.Levels per side.
func NewGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC()
	}
	if cfg.FirstUpdateID <= 0 {
		cfg.FirstUpdateID = 1
	}
	g := &Generator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		bids:     make(map[fixed.Scaled]fixed.Scaled, cfg.Levels),
		asks:     make(map[fixed.Scaled]fixed.Scaled, cfg.Levels),
		updateID: cfg.FirstUpdateID,
		ts:       cfg.Start,
	}
	for k := 1; k <= cfg.Levels; k++ {
		g.bids[g.price(true, k)] = g.quantity()
		g.asks[g.price(false, k)] = g.quantity()
	}
	return g, nil
}

// Next creates the next raw row in sequence.
func (g *Generator) Next() normalize.Row {
	if !g.started || (g.cfg.SnapshotEvery > 0 && g.sinceSnapshot >= g.cfg.SnapshotEvery) {
		g.started = true
		g.sinceSnapshot = 0
		return g.snapshot()
	}
	g.sinceSnapshot++
	g.ts = g.ts.Add(g.cfg.Step)
	if g.rng.Float64() < g.cfg.TradeRate {
		if row, ok := g.trade(); ok {
			return row
		}
	}
	return g.delta()
}

// UpdateID returns the update id of the latest row that carried one.
func (g *Generator) UpdateID() int64 {
	return g.updateID
}

func (g *Generator) price(bid bool, k int) fixed.Scaled {
	offset := g.cfg.Tick * fixed.Scaled(k)
	if bid {
		return g.cfg.MidPrice - offset
	}
	return g.cfg.MidPrice + offset
}

// quantity is a random multiple of 0.01 in [0.01, 5.00].
func (g *Generator) quantity() fixed.Scaled {
	return fixed.Scaled((g.rng.Int63n(500) + 1) * fixed.Scale / 100)
}

func (g *Generator) header(eventType string) normalize.Row {
	ts := g.ts.UnixNano()
	return normalize.Row{
		"event_type":   eventType,
		"symbol":       g.cfg.Symbol,
		"timestamp":    ts,
		"receive_time": ts,
	}
}

func (g *Generator) snapshot() normalize.Row {
	row := g.header("BOOK_SNAPSHOT")
	row["update_id"] = g.updateID
	row["bids"] = levels(g.bids, true)
	row["asks"] = levels(g.asks, false)
	return row
}

func (g *Generator) delta() normalize.Row {
	bid := g.rng.Intn(2) == 0
	book, side := g.asks, "ask"
	if bid {
		book, side = g.bids, "bid"
	}
	price := g.price(bid, g.rng.Intn(g.cfg.Levels)+1)
	qty := g.quantity()
	if g.rng.Intn(5) == 0 {
		qty = fixed.Zero
	}
	if qty == 0 {
		delete(book, price)
	} else {
		book[price] = qty
	}

	g.updateID++
	row := g.header("BOOK_DELTA")
	row["side"] = side
	row["price"] = price.String()
	row["quantity"] = qty.String()
	row["update_id"] = g.updateID
	return row
}

// trade hits the best level of the opposite side and consumes it the way the book does.
func (g *Generator) trade() (normalize.Row, bool) {
	buy := g.rng.Intn(2) == 0
	book, aggressor := g.bids, "sell"
	if buy {
		book, aggressor = g.asks, "buy"
	}
	price, resting, ok := best(book, !buy)
	if !ok {
		return nil, false
	}
	qty := min(g.quantity(), resting)
	if left := resting - qty; left > 0 {
		book[price] = left
	} else {
		delete(book, price)
	}

	g.tradeID++
	row := g.header("TRADE")
	row["trade_id"] = "g-" + strconv.FormatInt(g.tradeID, 10)
	row["price"] = price.String()
	row["quantity"] = qty.String()
	row["aggressor"] = aggressor
	return row, true
}

func best(book map[fixed.Scaled]fixed.Scaled, bid bool) (fixed.Scaled, fixed.Scaled, bool) {
	var (
		price fixed.Scaled
		found bool
	)
	for p := range book {
		if !found || (bid && p > price) || (!bid && p < price) {
			price, found = p, true
		}
	}
	return price, book[price], found
}

func levels(book map[fixed.Scaled]fixed.Scaled, bid bool) []any {
	prices := make([]fixed.Scaled, 0, len(book))
	for p := range book {
		prices = append(prices, p)
	}
	slices.Sort(prices)
	if bid {
		slices.Reverse(prices)
	}
	out := make([]any, len(prices))
	for i, p := range prices {
		out[i] = []any{p.String(), book[p].String()}
	}
	return out
}
