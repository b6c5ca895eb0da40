package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/schema"
	"lobreplay/pkg/fixed"
)

func lvl(price, qty string) schema.Level {
	return schema.Level{Price: fixed.MustParse(price), Quantity: fixed.MustParse(qty)}
}

func newBook(t *testing.T, maxLevels int) *OrderBook {
	t.Helper()
	b, err := New("BTCUSDT", maxLevels)
	require.NoError(t, err)
	return b
}

func TestInitializeFromSnapshot(t *testing.T) {
	b := newBook(t, 2)
	require.NoError(t, b.ApplyDelta(schema.SideBid, fixed.MustParse("50"), fixed.One, 1, 1))

	err := b.InitializeFromSnapshot(
		[]schema.Level{lvl("99", "1"), lvl("100", "2"), lvl("98", "3"), lvl("97", "0")},
		[]schema.Level{lvl("101", "1")},
		10, 1000,
	)
	require.NoError(t, err)
	assert.True(t, b.Initialized)
	assert.Equal(t, int64(10), b.LastUpdateID)

	_, ok := b.Bids.Get(fixed.MustParse("50"))
	assert.False(t, ok, "snapshot discards previous levels")
	assert.Equal(t, []schema.Level{lvl("100", "2"), lvl("99", "1")}, b.Bids.Top(0))
	assert.Equal(t, 1, b.Bids.OverflowCount())
	require.NoError(t, b.Validate())
}

func TestApplyTrade(t *testing.T) {
	b := newBook(t, 5)
	require.NoError(t, b.InitializeFromSnapshot(
		[]schema.Level{lvl("100", "3")},
		[]schema.Level{lvl("101", "2")},
		1, 1,
	))

	fill, err := b.ApplyTrade(schema.AggressorBuy, fixed.MustParse("101"), fixed.MustParse("1.0"), 2)
	require.NoError(t, err)
	assert.True(t, fill.Matched)
	assert.Equal(t, schema.SideAsk, fill.Side)
	assert.Equal(t, fixed.MustParse("1"), fill.After)
	best, _ := b.BestAsk()
	assert.Equal(t, fixed.MustParse("1"), best.Quantity)

	fill, err = b.ApplyTrade(schema.AggressorSell, fixed.MustParse("100"), fixed.MustParse("5"), 3)
	require.NoError(t, err)
	assert.Equal(t, schema.SideBid, fill.Side)
	assert.Equal(t, fixed.Zero, fill.After)
	_, ok := b.BestBid()
	assert.False(t, ok, "level consumed to zero is removed")
}

func TestSpreadAndTop(t *testing.T) {
	b := newBook(t, 3)
	_, ok := b.Spread()
	assert.False(t, ok)

	require.NoError(t, b.InitializeFromSnapshot(
		[]schema.Level{lvl("100", "1"), lvl("99.5", "2")},
		[]schema.Level{lvl("100.25", "1")},
		1, 1,
	))
	spread, ok := b.Spread()
	require.True(t, ok)
	assert.Equal(t, fixed.MustParse("0.25"), spread)

	top := b.Top(1)
	require.Len(t, top.Bids, 1)
	top.Bids[0].Quantity = fixed.FromInt(99)
	best, _ := b.BestBid()
	assert.Equal(t, fixed.One, best.Quantity, "top is a copy")
}

func TestExportRestore(t *testing.T) {
	b := newBook(t, 2)
	require.NoError(t, b.InitializeFromSnapshot(
		[]schema.Level{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")},
		[]schema.Level{lvl("101", "1"), lvl("102", "1.5")},
		42, 4200,
	))
	st := b.Export()
	assert.Equal(t, []int64{100 * fixed.Scale, 99 * fixed.Scale, 98 * fixed.Scale}, st.BidPrices)

	restored, err := Restore(st.Clone())
	require.NoError(t, err)
	assert.Equal(t, b.Bids.Levels(), restored.Bids.Levels())
	assert.Equal(t, b.Asks.Levels(), restored.Asks.Levels())
	assert.Equal(t, int64(42), restored.LastUpdateID)
	assert.True(t, restored.Initialized)
}

func TestClone(t *testing.T) {
	b := newBook(t, 2)
	require.NoError(t, b.InitializeFromSnapshot([]schema.Level{lvl("100", "1")}, nil, 1, 1))
	c := b.Clone()
	require.NoError(t, b.ApplyDelta(schema.SideBid, fixed.MustParse("100"), 0, 2, 2))

	_, ok := c.BestBid()
	assert.True(t, ok)
	_, ok = b.BestBid()
	assert.False(t, ok)
}
