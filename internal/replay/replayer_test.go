package replay

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/drift"
	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

const symbol = "BTCUSDT"

func lvl(price, qty string) schema.Level {
	return schema.Level{Price: fixed.MustParse(price), Quantity: fixed.MustParse(qty)}
}

func newReplayer(t *testing.T, threshold float64) *Replayer {
	t.Helper()
	cfg := DefaultConfig(symbol)
	cfg.MaxLevels = 10
	cfg.Drift = drift.Config{Threshold: threshold, ResyncOnDrift: true}
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func snapshot(seq uint64, ts int64, bids, asks []schema.Level) schema.Event {
	return schema.NewSnapshot(symbol, seq, ts, bids, asks)
}

func delta(seq uint64, ts, uid int64, side schema.Side, price, qty string) schema.Event {
	return schema.NewDelta(symbol, seq, ts, uid, schema.Delta{
		Side:     side,
		Price:    fixed.MustParse(price),
		Quantity: fixed.MustParse(qty),
	})
}

func trade(seq uint64, ts int64, aggressor schema.Aggressor, price, qty string) schema.Event {
	return schema.NewTrade(symbol, seq, ts, schema.Trade{
		TradeID:   "t",
		Price:     fixed.MustParse(price),
		Quantity:  fixed.MustParse(qty),
		Aggressor: aggressor,
	})
}

func TestExecuteEndToEndDriftResync(t *testing.T) {
	r := newReplayer(t, 0.001)
	events := []schema.Event{
		snapshot(2, 3, []schema.Level{lvl("100", "1"), lvl("99", "2.1")}, []schema.Level{lvl("101", "1")}),
		delta(1, 2, 1, schema.SideBid, "99", "2"),
		snapshot(0, 1, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}),
	}

	records, err := r.Execute(events)
	require.NoError(t, err)
	require.Len(t, records, 3)

	first := records[0]
	assert.Equal(t, schema.EventBookSnapshot, first.Event.Header.Type)
	require.NotNil(t, first.TopBid)
	assert.Equal(t, lvl("100", "1"), *first.TopBid)
	assert.Nil(t, first.Drift)

	second := records[1]
	require.NotNil(t, second.Book)
	assert.Len(t, second.Book.Bids, 2)
	assert.Equal(t, lvl("99", "2"), second.Book.Bids[1])

	third := records[2]
	require.NotNil(t, third.Drift)
	assert.True(t, third.Drift.ExceedsThreshold)
	assert.InDelta(t, 0.1/2.1, third.Drift.MaxDeviation, 1e-9)
	assert.True(t, third.Resynced)
	assert.Equal(t, StatusResyncing, third.Status)
	assert.Equal(t, lvl("99", "2.1"), third.Book.Bids[1])

	// earlier records are copies and must not see the resync
	assert.Equal(t, lvl("99", "2"), second.Book.Bids[1])

	assert.Equal(t, StatusLive, r.Status())
	assert.Equal(t, int64(1), r.Counters().DriftResyncs)
	assert.Equal(t, int64(1), r.Drift().Stats().Resyncs)
}

func TestExecuteStableSortKeepsInputOrderForTies(t *testing.T) {
	events := []schema.Event{
		trade(0, 5, schema.AggressorBuy, "1", "1"),
		trade(1, 1, schema.AggressorBuy, "1", "1"),
		trade(2, 5, schema.AggressorBuy, "1", "1"),
		trade(3, 5, schema.AggressorBuy, "1", "1"),
		trade(4, 3, schema.AggressorBuy, "1", "1"),
	}
	rng := rand.New(rand.NewPCG(1, 2))

	for range 20 {
		shuffled := append([]schema.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		var tiedInput []uint64
		for _, ev := range shuffled {
			if ev.Header.TsEvent == 5 {
				tiedInput = append(tiedInput, ev.Header.Seq)
			}
		}

		sorted := SortEvents(shuffled)
		var tiedOutput []uint64
		for i, ev := range sorted {
			if i > 0 {
				require.LessOrEqual(t, sorted[i-1].Header.TsEvent, ev.Header.TsEvent)
			}
			if ev.Header.TsEvent == 5 {
				tiedOutput = append(tiedOutput, ev.Header.Seq)
			}
		}
		assert.Equal(t, tiedInput, tiedOutput)
	}
}

func TestExecuteRejectsDeltaWithoutUpdateID(t *testing.T) {
	r := newReplayer(t, 0.01)
	ev := delta(0, 1, 1, schema.SideBid, "100", "1")
	ev.Header.HasUpdateID = false

	records, err := r.Execute([]schema.Event{snapshot(1, 0, nil, nil), ev})
	require.ErrorIs(t, err, exception.ErrMissingUpdateID)
	assert.Empty(t, records)
	assert.Equal(t, StatusUninitialized, r.Status())
}

func TestPendingDeltasReplayedAfterFirstSnapshot(t *testing.T) {
	r := newReplayer(t, 0.5)

	rec, err := r.Apply(delta(0, 1, 11, schema.SideBid, "98", "3"))
	require.NoError(t, err)
	assert.True(t, rec.Deferred)
	assert.Nil(t, rec.Book)
	assert.Nil(t, rec.TopBid)

	_, err = r.Apply(delta(1, 2, 9, schema.SideBid, "97", "1"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.PendingLen())

	snap := snapshot(2, 3, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")})
	snap.Header = snap.Header.WithUpdateID(10)
	rec, err = r.Apply(snap)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, rec.Status)

	assert.Zero(t, r.PendingLen())
	c := r.Counters()
	assert.Equal(t, int64(1), c.PendingApplied)
	assert.Equal(t, int64(1), c.PendingStale)
	require.Len(t, rec.Book.Bids, 2)
	assert.Equal(t, lvl("98", "3"), rec.Book.Bids[1])
	assert.Equal(t, int64(11), r.Book().LastUpdateID)
}

func TestTradePassThroughAndConsumption(t *testing.T) {
	r := newReplayer(t, 0.5)

	rec, err := r.Apply(trade(0, 1, schema.AggressorBuy, "101", "1"))
	require.NoError(t, err)
	assert.Nil(t, rec.Book)
	assert.Equal(t, StatusUninitialized, rec.Status)
	assert.Zero(t, r.PendingLen())

	_, err = r.Apply(snapshot(1, 2, []schema.Level{lvl("100", "2")}, []schema.Level{lvl("101", "2")}))
	require.NoError(t, err)

	rec, err = r.Apply(trade(2, 3, schema.AggressorBuy, "101", "1"))
	require.NoError(t, err)
	require.NotNil(t, rec.TopAsk)
	assert.Equal(t, lvl("101", "1"), *rec.TopAsk)

	rec, err = r.Apply(trade(3, 4, schema.AggressorSell, "100", "5"))
	require.NoError(t, err)
	assert.Nil(t, rec.TopBid)
	assert.Nil(t, rec.Spread)
	require.NotNil(t, rec.Fill)
	assert.True(t, rec.Fill.After.IsZero())

	assert.Equal(t, int64(1), r.Counters().TradesPassedThrough)
}

func TestLargeGapForcesResyncOnNextSnapshot(t *testing.T) {
	cfg := DefaultConfig(symbol)
	cfg.MaxLevels = 10
	cfg.GapThreshold = 5
	cfg.Drift = drift.Config{Threshold: 0.9, ResyncOnDrift: true}
	r, err := New(cfg)
	require.NoError(t, err)

	_, err = r.Execute([]schema.Event{
		snapshot(0, 1, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}),
		delta(1, 2, 1, schema.SideBid, "99", "1"),
		delta(2, 3, 50, schema.SideBid, "98", "1"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.GapStats().GapsOverThreshold)

	records, err := r.Execute([]schema.Event{
		snapshot(3, 4, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}),
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Resynced)
	assert.False(t, records[0].Drift.ExceedsThreshold)
	assert.Equal(t, int64(1), r.Counters().GapResyncs)
	assert.Len(t, records[0].Book.Bids, 1)
}

func TestSnapshotWithoutDriftDoesNotMutate(t *testing.T) {
	r := newReplayer(t, 0.5)
	_, err := r.Execute([]schema.Event{
		snapshot(0, 1, []schema.Level{lvl("100", "10")}, []schema.Level{lvl("101", "1")}),
		snapshot(1, 2, []schema.Level{lvl("100", "11")}, []schema.Level{lvl("101", "1")}),
	})
	require.NoError(t, err)

	best, ok := r.Book().BestBid()
	require.True(t, ok)
	assert.Equal(t, lvl("100", "10"), best)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := newReplayer(t, 0.001)
	_, err := r.Execute([]schema.Event{
		delta(0, 0, 5, schema.SideAsk, "102", "1"),
		snapshot(1, 1, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}),
		delta(2, 2, 6, schema.SideBid, "99", "2"),
	})
	require.NoError(t, err)

	st := r.Snapshot()
	// mutating the live replayer must not leak into the copy
	_, err = r.Apply(delta(3, 3, 7, schema.SideBid, "98", "1"))
	require.NoError(t, err)
	assert.Len(t, st.Book.BidPrices, 2)

	other := newReplayer(t, 0.001)
	require.NoError(t, other.Restore(st))
	assert.Equal(t, StatusLive, other.Status())
	assert.Equal(t, int64(6), other.LastUpdateID())
	assert.Equal(t, st.Counters, other.Counters())

	rec, err := other.Apply(delta(3, 3, 7, schema.SideBid, "98", "1"))
	require.NoError(t, err)
	assert.Len(t, rec.Book.Bids, 3)
	assert.Nil(t, rec.Gap)
}

func TestApplyRejectsForeignSymbol(t *testing.T) {
	r := newReplayer(t, 0.01)
	ev := trade(0, 1, schema.AggressorBuy, "1", "1")
	ev.Symbol = "ETHUSDT"
	_, err := r.Apply(ev)
	require.ErrorIs(t, err, exception.ErrSymbolMismatch)
}

func BenchmarkApplyDelta(b *testing.B) {
	cfg := DefaultConfig(symbol)
	r, err := New(cfg)
	require.NoError(b, err)
	_, err = r.Apply(snapshot(0, 0, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}))
	require.NoError(b, err)

	var uid int64
	for b.Loop() {
		uid++
		price := fixed.FromInt(50 + uid%50)
		ev := schema.NewDelta(symbol, uint64(uid), uid, uid, schema.Delta{Side: schema.SideBid, Price: price, Quantity: fixed.One})
		if _, err := r.Apply(ev); err != nil {
			b.Fatal(err)
		}
	}
}
