package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/pkg/exception"
)

const yamlConfig = `
symbols: [btcusdt, ETHUSDT]
dataDir: /var/lib/lob
input:
  path: /data/{symbol}/*.jsonl
book:
  maxLevels: 500
drift:
  threshold: 0.002
  resyncOnDrift: false
wal:
  segmentSize: 5000
  flushInterval: 2s
checkpoint:
  interval: 1m30s
  eventInterval: 250000
output:
  dir: /out
  partition: 1h
pipeline:
  batchSize: 64
  idleTimeout: 500ms
catalog:
  driver: sqlite
  database: /var/lib/lob/catalog.db
metrics:
  addr: ":9100"
  memoryInterval: 1m
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Symbols, 2)

	btc := loaded.Symbols[0]
	assert.Equal(t, "BTCUSDT", btc.Pipeline.Symbol)
	assert.Equal(t, "/data/BTCUSDT/*.jsonl", btc.InputPath)
	assert.Nil(t, btc.Kafka)
	assert.Equal(t, 500, btc.Pipeline.Replay.MaxLevels)
	assert.Equal(t, 0.002, btc.Pipeline.Replay.Drift.Threshold)
	assert.False(t, btc.Pipeline.Replay.Drift.ResyncOnDrift)
	assert.Equal(t, 5000, btc.Pipeline.WAL.SegmentSize)
	assert.Equal(t, 2*time.Second, btc.Pipeline.WAL.FlushInterval)
	assert.Equal(t, filepath.Join("/var/lib/lob", "wal", "BTCUSDT"), btc.Pipeline.WAL.Dir)
	assert.Equal(t, 90*time.Second, btc.Pipeline.Checkpoint.Interval)
	assert.Equal(t, int64(250000), btc.Pipeline.Checkpoint.EventInterval)
	assert.Equal(t, "/out", btc.Pipeline.Output.Dir)
	assert.Equal(t, filepath.Join("/out", "_manifest.jsonl"), btc.Pipeline.Manifest.Path)
	assert.Equal(t, filepath.Join("/out", "_drift", "BTCUSDT.jsonl"), btc.Pipeline.DriftLog)
	assert.Equal(t, time.Hour, btc.Pipeline.Output.Partition)
	assert.Equal(t, 64, btc.Pipeline.BatchSize)
	assert.Equal(t, 500*time.Millisecond, btc.Pipeline.IdleTimeout)

	eth := loaded.Symbols[1]
	assert.Equal(t, filepath.Join("/var/lib/lob", "checkpoints", "ETHUSDT"), eth.Pipeline.Checkpoint.Dir)
	assert.Equal(t, btc.Pipeline.Manifest.Path, eth.Pipeline.Manifest.Path, "symbols share one manifest")

	require.NotNil(t, loaded.Catalog)
	assert.Equal(t, "sqlite", loaded.Catalog.Driver)
	assert.Equal(t, ":9100", loaded.Metrics.Addr)
	assert.Equal(t, time.Minute, loaded.Metrics.MemoryInterval.Std())
}

func TestLoadJSONKafka(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"symbols": ["BTCUSDT"],
		"input": {"kafka": {"brokers": ["k1:9092"], "topic": "raw.{symbol}", "groupId": "lob-{symbol}"}},
		"wal": {"dir": "/wal", "flushInterval": 1000000},
		"checkpoint": {"gracePeriod": "5s"}
	}`), 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Symbols, 1)

	sc := loaded.Symbols[0]
	assert.Empty(t, sc.InputPath)
	require.NotNil(t, sc.Kafka)
	assert.Equal(t, "raw.BTCUSDT", sc.Kafka.Topic)
	assert.Equal(t, "lob-BTCUSDT", sc.Kafka.GroupID)
	assert.Equal(t, filepath.Join("/wal", "BTCUSDT"), sc.Pipeline.WAL.Dir)
	assert.Equal(t, time.Millisecond, sc.Pipeline.WAL.FlushInterval)
	assert.Equal(t, 5*time.Second, sc.Pipeline.Checkpoint.GracePeriod)
	assert.True(t, sc.Pipeline.Replay.Drift.ResyncOnDrift)
	assert.Equal(t, filepath.Join("data", "output", "_manifest.jsonl"), sc.Pipeline.Manifest.Path)
}

func TestResolveRejects(t *testing.T) {
	input := InputConfig{Path: "x/*.jsonl"}

	_, err := Resolve(FileConfig{Input: input})
	assert.ErrorContains(t, err, "symbols is empty")

	_, err = Resolve(FileConfig{Symbols: []string{"BTCUSDT"}})
	assert.ErrorContains(t, err, "input needs")

	_, err = Resolve(FileConfig{Symbols: []string{"btcusdt", "BTCUSDT"}, Input: input})
	assert.ErrorContains(t, err, "listed twice")

	_, err = Resolve(FileConfig{Symbols: []string{" "}, Input: input})
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"symbol": "BTCUSDT"}`), ".json")
	assert.Error(t, err)

	_, err = Parse([]byte("symbol: BTCUSDT\n"), ".yml")
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`42`)))
	assert.Equal(t, Duration(42), d)

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))

	out, err := Duration(time.Minute).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}
