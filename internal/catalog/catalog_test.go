package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"lobreplay/internal/manifest"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	c, err := New(db)
	require.NoError(t, err)
	require.NoError(t, c.Migrate(t.Context()))
	return c
}

func meta(name string, minTs, maxTs int64) manifest.PartitionMetadata {
	return manifest.PartitionMetadata{
		Symbol:        "BTCUSDT",
		PartitionPath: "symbol=BTCUSDT/date=2024-01-01/hour=00",
		FileName:      name,
		RowCount:      10,
		TimestampMin:  minTs,
		TimestampMax:  maxTs,
		EventTypes:    []string{"BOOK_DELTA", "TRADE"},
		Checksum:      "blake3:00",
	}
}

func TestRecordAndRange(t *testing.T) {
	c := newCatalog(t)
	ctx := t.Context()
	require.NoError(t, c.RecordPartition(ctx, meta("a.jsonl", 0, 99)))
	require.NoError(t, c.RecordPartition(ctx, meta("b.jsonl", 100, 199)))
	require.NoError(t, c.RecordPartition(ctx, meta("b.jsonl", 100, 199)), "duplicates are ignored")

	n, err := c.Count(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := c.Range(ctx, "BTCUSDT", 150, 500)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, meta("b.jsonl", 100, 199), got[0])

	got, err = c.Range(ctx, "ETHUSDT", 0, 500)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyncFromManifest(t *testing.T) {
	tr, err := manifest.NewTracker(manifest.Config{Path: filepath.Join(t.TempDir(), "_manifest.jsonl")})
	require.NoError(t, err)
	require.NoError(t, tr.AddPartition(meta("a.jsonl", 0, 1)))
	require.NoError(t, tr.AddPartition(meta("b.jsonl", 2, 3)))

	c := newCatalog(t)
	require.NoError(t, c.RecordPartition(t.Context(), meta("a.jsonl", 0, 1)))
	read, err := c.SyncFromManifest(t.Context(), tr)
	require.NoError(t, err)
	assert.Equal(t, 2, read)

	n, err := c.Count(t.Context(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
