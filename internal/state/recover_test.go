package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/checkpoint"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
	"lobreplay/internal/wal"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

const symbol = "BTCUSDT"

func lvl(price, qty string) schema.Level {
	return schema.Level{Price: fixed.MustParse(price), Quantity: fixed.MustParse(qty)}
}

// feed is a snapshot, nine deltas, a trade and nine more deltas. Seq i sits at source
// offset (i+1)*100.
func feed() []schema.Event {
	events := []schema.Event{
		schema.NewSnapshot(symbol, 0, 1, []schema.Level{lvl("100", "5")}, []schema.Level{lvl("101", "5")}),
	}
	for seq := uint64(1); seq < 20; seq++ {
		ts := int64(seq) + 1
		if seq == 10 {
			events = append(events, schema.NewTrade(symbol, seq, ts, schema.Trade{
				TradeID: "t-1", Price: fixed.MustParse("101"), Quantity: fixed.One, Aggressor: schema.AggressorBuy,
			}))
			continue
		}
		uid := int64(seq)
		if seq > 10 {
			uid--
		}
		events = append(events, schema.NewDelta(symbol, seq, ts, uid, schema.Delta{
			Side:     schema.SideBid,
			Price:    fixed.FromInt(90 + uid%5),
			Quantity: fixed.FromInt(uid),
		}))
	}
	return events
}

func newReplayer(t *testing.T) *replay.Replayer {
	t.Helper()
	cfg := replay.DefaultConfig(symbol)
	cfg.MaxLevels = 3
	r, err := replay.New(cfg)
	require.NoError(t, err)
	return r
}

func writeWAL(t *testing.T, dir string, events []schema.Event) {
	t.Helper()
	m, err := wal.NewManager(wal.Config{Dir: dir, SegmentSize: 4})
	require.NoError(t, err)
	require.NoError(t, m.Start(t.Context()))
	for _, ev := range events {
		require.NoError(t, m.AppendEventAt(ev, int64(ev.Header.Seq+1)*100))
	}
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())
}

func TestRecoverFromCheckpointAndWALTail(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	events := feed()
	writeWAL(t, walDir, events)

	// torn write of a segment that never got its marker
	require.NoError(t, os.WriteFile(filepath.Join(walDir, "segment-000000000099.wal"), []byte("WAL1garbage"), 0o600))

	live := newReplayer(t)
	_, err := live.Execute(events[:10])
	require.NoError(t, err)

	cps, err := checkpoint.NewManager(checkpoint.Config{Dir: filepath.Join(root, "ckpt"), Symbol: symbol})
	require.NoError(t, err)
	t.Cleanup(cps.Close)
	_, err = cps.Store().Persist(checkpoint.PipelineState{
		Symbol:          symbol,
		Replay:          live.Snapshot(),
		LastUpdateID:    live.LastUpdateID(),
		CurrentFile:     "feed.jsonl",
		FileOffset:      1000,
		EventsProcessed: 10,
		NextSeq:         10,
	}, checkpoint.ReasonManual)
	require.NoError(t, err)

	_, err = live.Execute(events[10:])
	require.NoError(t, err)

	recovered := newReplayer(t)
	var emitted []replay.Record
	res, err := Recover(t.Context(), RecoverConfig{
		Checkpoints: cps,
		WALDir:      walDir,
		Replayer:    recovered,
		Emit: func(records []replay.Record) error {
			emitted = append(emitted, records...)
			return nil
		},
	})
	require.NoError(t, err)

	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, 10, res.EventsReplayed)
	assert.Len(t, emitted, 10)
	assert.Equal(t, uint64(20), res.NextSeq)
	assert.Equal(t, int64(2000), res.ResumeOffset)
	assert.Equal(t, "feed.jsonl", res.CurrentFile)
	assert.Equal(t, int64(20), res.EventsProcessed)
	assert.Equal(t, live.LastUpdateID(), res.LastUpdateID)
	assert.Less(t, res.SegmentsReplayed, 5, "segments fully covered by the checkpoint are not read")

	assert.Equal(t, live.Book().Bids.Levels(), recovered.Book().Bids.Levels())
	assert.Equal(t, live.Book().Asks.Levels(), recovered.Book().Asks.Levels())
	assert.Equal(t, live.Counters(), recovered.Counters())
}

func TestRecoverWithoutCheckpointReplaysWholeWAL(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	events := feed()
	writeWAL(t, walDir, events)

	cps, err := checkpoint.NewManager(checkpoint.Config{Dir: filepath.Join(root, "ckpt"), Symbol: symbol})
	require.NoError(t, err)
	t.Cleanup(cps.Close)

	want := newReplayer(t)
	_, err = want.Execute(events)
	require.NoError(t, err)

	got := newReplayer(t)
	res, err := Recover(t.Context(), RecoverConfig{Checkpoints: cps, WALDir: walDir, Replayer: got})
	require.NoError(t, err)
	assert.Nil(t, res.Checkpoint)
	assert.Equal(t, len(events), res.EventsReplayed)
	assert.Zero(t, res.EventsSkipped)
	assert.Equal(t, 5, res.SegmentsReplayed)
	assert.Equal(t, want.Book().Bids.Levels(), got.Book().Bids.Levels())
	assert.Equal(t, replay.StatusLive, got.Status())
}

func TestRecoverRejectsMissingInputs(t *testing.T) {
	_, err := Recover(t.Context(), RecoverConfig{WALDir: t.TempDir()})
	require.ErrorIs(t, err, exception.ErrNilInstance)

	_, err = Recover(t.Context(), RecoverConfig{Replayer: newReplayer(t)})
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestRecoverReplaysLateDeltaBelowCheckpointID(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	events := []schema.Event{
		schema.NewSnapshot(symbol, 0, 1, []schema.Level{lvl("100", "5"), lvl("99", "3")}, []schema.Level{lvl("101", "5")}),
		schema.NewDelta(symbol, 1, 2, 12, schema.Delta{Side: schema.SideAsk, Price: fixed.FromInt(102), Quantity: fixed.FromInt(4)}),
		// arrives after the checkpoint with an id below the checkpoint's last update id
		schema.NewDelta(symbol, 2, 3, 11, schema.Delta{Side: schema.SideBid, Price: fixed.FromInt(98), Quantity: fixed.FromInt(7)}),
	}
	events[0].Header = events[0].Header.WithUpdateID(10)
	writeWAL(t, walDir, events)

	live := newReplayer(t)
	_, err := live.Execute(events[:2])
	require.NoError(t, err)
	require.Equal(t, int64(12), live.LastUpdateID())

	cps, err := checkpoint.NewManager(checkpoint.Config{Dir: filepath.Join(root, "ckpt"), Symbol: symbol})
	require.NoError(t, err)
	t.Cleanup(cps.Close)
	_, err = cps.Store().Persist(checkpoint.PipelineState{
		Symbol:          symbol,
		Replay:          live.Snapshot(),
		LastUpdateID:    live.LastUpdateID(),
		EventsProcessed: 2,
		NextSeq:         2,
	}, checkpoint.ReasonManual)
	require.NoError(t, err)

	_, err = live.Execute(events[2:])
	require.NoError(t, err)

	recovered := newReplayer(t)
	res, err := Recover(t.Context(), RecoverConfig{Checkpoints: cps, WALDir: walDir, Replayer: recovered})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsReplayed)
	assert.Equal(t, 2, res.EventsSkipped)
	assert.Equal(t, uint64(3), res.NextSeq)
	assert.Equal(t, live.Book().Bids.Levels(), recovered.Book().Bids.Levels())
	assert.Equal(t, live.Book().Asks.Levels(), recovered.Book().Asks.Levels())
}

func TestAppliedRule(t *testing.T) {
	delta := schema.NewHeader(schema.EventBookDelta, 3, 0, 0).WithUpdateID(7)
	assert.True(t, applied(delta, 4))
	assert.False(t, applied(delta, 3), "a low update id does not hide an arrival after the checkpoint")

	trade := schema.NewHeader(schema.EventTrade, 9, 0, 0)
	assert.True(t, applied(trade, 10))
	assert.False(t, applied(trade, 9))
}
