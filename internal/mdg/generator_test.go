package mdg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/chaos"
	"lobreplay/internal/normalize"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
)

const symbol = "BTCUSDT"

func replayRows(t *testing.T, rows []normalize.Row) ([]replay.Record, *replay.Replayer) {
	t.Helper()
	events, errs := normalize.NewNormalizer(symbol).NormalizeBatch(rows)
	require.Empty(t, errs)

	r, err := replay.New(replay.DefaultConfig(symbol))
	require.NoError(t, err)
	records, err := r.Execute(events)
	require.NoError(t, err)
	return records, r
}

func TestGeneratedFeedReplaysWithoutDrift(t *testing.T) {
	cfg := DefaultConfig(symbol)
	cfg.Seed = 7
	cfg.SnapshotEvery = 100
	cfg.TradeRate = 0.2
	g, err := NewGenerator(cfg)
	require.NoError(t, err)

	rows := make([]normalize.Row, 1000)
	for i := range rows {
		rows[i] = g.Next()
	}
	assert.Equal(t, "BOOK_SNAPSHOT", rows[0]["event_type"])

	records, r := replayRows(t, rows)
	counters := r.Counters()
	assert.Equal(t, int64(10), counters.Snapshots)
	assert.Positive(t, counters.Trades)
	assert.Zero(t, counters.Gaps)
	assert.Zero(t, counters.DriftResyncs)
	assert.Zero(t, counters.TradesUnmatched)
	assert.Equal(t, g.UpdateID(), r.LastUpdateID())

	var checks int
	for _, rec := range records {
		if rec.Drift == nil {
			continue
		}
		checks++
		assert.Zero(t, rec.Drift.RMSError)
		assert.False(t, rec.Resynced)
	}
	assert.Equal(t, 9, checks, "every snapshot after the first is compared")
}

func TestGeneratorIsReproducible(t *testing.T) {
	cfg := DefaultConfig(symbol)
	cfg.Seed = 42
	a, err := NewGenerator(cfg)
	require.NoError(t, err)
	b, err := NewGenerator(cfg)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestDroppedRowsShowAsGaps(t *testing.T) {
	cfg := DefaultConfig(symbol)
	cfg.Seed = 3
	cfg.SnapshotEvery = 0
	cfg.TradeRate = 0
	g, err := NewGenerator(cfg)
	require.NoError(t, err)

	engine, err := chaos.NewEngine(chaos.Config{Seed: 3, DropRate: 0.1})
	require.NoError(t, err)

	rows := []normalize.Row{g.Next()}
	for i := 0; i < 500; i++ {
		rows = append(rows, engine.Process(g.Next())...)
	}
	require.Less(t, len(rows), 501)

	_, r := replayRows(t, rows)
	stats := r.GapStats()
	assert.Positive(t, stats.TotalGaps)
	// trailing drops leave no gap behind them
	assert.LessOrEqual(t, stats.MissingIDs, int64(501-len(rows)))
}

func TestGeneratedRowsNormalize(t *testing.T) {
	g, err := NewGenerator(DefaultConfig(symbol))
	require.NoError(t, err)
	n := normalize.NewNormalizer(symbol)
	seen := map[schema.EventType]bool{}
	for i := 0; i < 200; i++ {
		ev, err := n.Normalize(g.Next())
		require.NoError(t, err)
		seen[ev.Header.Type] = true
		assert.Equal(t, ev.Header.TsEvent, ev.Header.TsRecv)
	}
	assert.True(t, seen[schema.EventBookSnapshot])
	assert.True(t, seen[schema.EventBookDelta])
	assert.True(t, seen[schema.EventTrade])
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig(symbol)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Levels = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Levels = 10_000
	assert.Error(t, bad.Validate(), "grid would cross zero")

	bad = cfg
	bad.TradeRate = 2
	assert.Error(t, bad.Validate())
}
