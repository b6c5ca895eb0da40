package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

func TestAnalyzeReportsGapSizesExcludingIncrement(t *testing.T) {
	a := NewAnalyzer(100)
	sorted, gaps := a.Analyze([]int64{10, 1, 5, 2, 6})
	assert.Equal(t, []int64{1, 2, 5, 6, 10}, sorted)
	require.Len(t, gaps, 2)
	assert.Equal(t, GapRecord{ExpectedID: 3, ActualID: 5, GapSize: 2}, gaps[0])
	assert.Equal(t, GapRecord{ExpectedID: 7, ActualID: 10, GapSize: 3}, gaps[1])

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.TotalGaps)
	assert.Equal(t, int64(3), stats.MaxGapSize)
	assert.Equal(t, int64(2), stats.Histogram[BandUpTo10])
	assert.False(t, a.RecoveryNeeded())
}

func TestAnalyzeCrossBatch(t *testing.T) {
	a := NewAnalyzer(10)
	_, gaps := a.Analyze([]int64{1, 2, 3})
	assert.Empty(t, gaps)

	_, gaps = a.Analyze([]int64{20, 21})
	require.Len(t, gaps, 1)
	assert.Equal(t, int64(16), gaps[0].GapSize)
	assert.True(t, a.RecoveryNeeded())
	assert.Equal(t, int64(1), a.Stats().GapsOverThreshold)
	assert.Equal(t, int64(1), a.Stats().Histogram[BandUpTo100])

	a.ClearRecovery()
	assert.False(t, a.RecoveryNeeded())
}

func TestAnalyzeDuplicatesAreNotGaps(t *testing.T) {
	a := NewAnalyzer(0)
	_, gaps := a.Analyze([]int64{5, 5, 6, 4})
	assert.Empty(t, gaps)
	last, ok := a.LastUpdateID()
	require.True(t, ok)
	assert.Equal(t, int64(6), last)
}

func TestAnalyzeEventsMissingUpdateID(t *testing.T) {
	a := NewAnalyzer(0)
	events := []schema.Event{
		schema.NewDelta("X", 1, 1, 1, schema.Delta{Side: schema.SideBid}),
		{Header: schema.NewHeader(schema.EventBookDelta, 2, 2, 0)},
	}
	_, _, err := a.AnalyzeEvents(events)
	require.ErrorIs(t, err, exception.ErrMissingUpdateID)
}

func TestBandOf(t *testing.T) {
	assert.Equal(t, BandUpTo10, BandOf(10))
	assert.Equal(t, BandUpTo100, BandOf(11))
	assert.Equal(t, BandUpTo1000, BandOf(1000))
	assert.Equal(t, BandOver1000, BandOf(1001))
	assert.Equal(t, int64(0), NewAnalyzer(0).Stats().HistogramByLabel()["1000+"])
}

func TestAnalyzerSnapshotRestore(t *testing.T) {
	a := NewAnalyzer(5)
	a.Analyze([]int64{1, 20})
	require.True(t, a.RecoveryNeeded())

	b := NewAnalyzer(5)
	b.Restore(a.Snapshot())
	assert.True(t, b.RecoveryNeeded())
	assert.Equal(t, a.Stats(), b.Stats())

	_, gaps := b.Analyze([]int64{22})
	require.Len(t, gaps, 1)
	assert.Equal(t, GapRecord{ExpectedID: 21, ActualID: 22, GapSize: 1}, gaps[0])
}
