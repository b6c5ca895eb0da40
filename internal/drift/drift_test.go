package drift

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/book"
	"lobreplay/internal/schema"
	"lobreplay/pkg/fixed"
)

func lvl(price, qty string) schema.Level {
	return schema.Level{Price: fixed.MustParse(price), Quantity: fixed.MustParse(qty)}
}

func seeded(t *testing.T, bids, asks []schema.Level) *book.OrderBook {
	t.Helper()
	b, err := book.New("BTCUSDT", 10)
	require.NoError(t, err)
	require.NoError(t, b.InitializeFromSnapshot(bids, asks, 1, 1))
	return b
}

func TestCalculateSingleBidDeviation(t *testing.T) {
	b := seeded(t, []schema.Level{lvl("100", "10")}, []schema.Level{lvl("101", "5")})

	m := Calculate(b, []schema.Level{lvl("100", "11")}, []schema.Level{lvl("101", "5")}, 0.001)

	assert.InDelta(t, 1.0/11.0, m.BidRMS, 1e-9)
	assert.Zero(t, m.AskRMS)
	assert.InDelta(t, math.Sqrt((1.0/121.0)/2), m.RMSError, 1e-9)
	assert.InDelta(t, 0.0643, m.RMSError, 1e-4)
	assert.InDelta(t, 1.0/11.0, m.MaxDeviation, 1e-9)
	assert.True(t, m.ExceedsThreshold)
	assert.Equal(t, 2, m.ComparedLevels)
}

func TestCalculateIdenticalBookIsZero(t *testing.T) {
	bids := []schema.Level{lvl("100", "1"), lvl("99", "2")}
	asks := []schema.Level{lvl("101", "1")}
	b := seeded(t, bids, asks)

	m := Calculate(b, bids, asks, 0.001)
	assert.Zero(t, m.RMSError)
	assert.False(t, m.ExceedsThreshold)
}

func TestCalculatePriceMismatchIsFullPenalty(t *testing.T) {
	b := seeded(t, []schema.Level{lvl("100", "1")}, nil)

	m := Calculate(b, []schema.Level{lvl("99", "1")}, nil, 0.5)
	assert.Equal(t, 1.0, m.BidRMS)
	assert.InDelta(t, math.Sqrt(0.5), m.RMSError, 1e-12)
	assert.True(t, m.ExceedsThreshold)
}

func TestCalculateLevelCountMismatchTrackedSeparately(t *testing.T) {
	b := seeded(t, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")})

	m := Calculate(b,
		[]schema.Level{lvl("100", "1"), lvl("99", "3")},
		[]schema.Level{lvl("101", "1")},
		0.001)
	assert.Zero(t, m.RMSError)
	assert.Equal(t, 1, m.BidLevelMismatch)
	assert.Zero(t, m.AskLevelMismatch)
}

func TestCalculateEmptySideAgainstLevels(t *testing.T) {
	b := seeded(t, []schema.Level{lvl("100", "1")}, nil)

	m := Calculate(b, []schema.Level{lvl("100", "1")}, []schema.Level{lvl("101", "1")}, 0.001)
	assert.Zero(t, m.BidRMS)
	assert.Equal(t, 1.0, m.AskRMS)
	assert.Equal(t, 1, m.AskLevelMismatch)
}

func TestTrackerHistoryEvictsToExporter(t *testing.T) {
	tr := NewTracker(Config{Threshold: 0.001, ResyncOnDrift: true, HistoryLimit: 2})
	var exported []Metrics
	tr.SetExporter(func(ms []Metrics) { exported = append(exported, ms...) })

	b := seeded(t, []schema.Level{lvl("100", "10")}, nil)
	snap := schema.Snapshot{Bids: []schema.Level{lvl("100", "11")}}
	for i := range 3 {
		m := tr.Observe(b, snap, int64(i), int64(i))
		require.True(t, tr.ShouldResync(m))
		tr.RecordResync()
	}

	require.Len(t, exported, 1)
	assert.Equal(t, int64(1), exported[0].SnapshotNumber)
	assert.True(t, exported[0].Resynced)

	hist := tr.History()
	require.Len(t, hist, 2)
	assert.Equal(t, int64(2), hist[0].SnapshotNumber)
	assert.Equal(t, int64(3), hist[1].SnapshotNumber)

	st := tr.Stats()
	assert.Equal(t, int64(3), st.Compared)
	assert.Equal(t, int64(3), st.Exceeded)
	assert.Equal(t, int64(3), st.Resyncs)
	assert.Equal(t, int64(1), st.Evicted)
	assert.InDelta(t, 1.0/11.0, st.MaxRMS, 1e-9)
}

func TestTrackerNoResyncWhenDisabled(t *testing.T) {
	tr := NewTracker(Config{Threshold: 0.001})
	b := seeded(t, []schema.Level{lvl("100", "10")}, nil)

	m := tr.Observe(b, schema.Snapshot{Bids: []schema.Level{lvl("100", "11")}}, 1, 1)
	assert.True(t, m.ExceedsThreshold)
	assert.False(t, tr.ShouldResync(m))
}

func TestPercentileNearestRank(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	assert.Equal(t, 95.0, percentile(values, 0.95))
	assert.Equal(t, 99.0, percentile(values, 0.99))
	assert.Equal(t, 1.0, percentile(values[:1], 0.99))
}

func TestTrackerSnapshotRestore(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	b := seeded(t, []schema.Level{lvl("100", "10")}, nil)
	tr.Observe(b, schema.Snapshot{Bids: []schema.Level{lvl("100", "10")}}, 1, 1)

	st := tr.Snapshot()
	other := NewTracker(DefaultConfig())
	other.Restore(st)
	assert.Equal(t, tr.Stats(), other.Stats())
	assert.Equal(t, tr.History(), other.History())
}
