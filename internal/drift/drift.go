// Package drift measures how far the incrementally maintained book has moved away
// from a ground-truth snapshot.
package drift

import (
	"math"

	"lobreplay/internal/book"
	"lobreplay/internal/schema"
)

// Metrics is one snapshot comparison.
type Metrics struct {
	SnapshotNumber   int64   `json:"snapshot_number"`
	EventTimestamp   int64   `json:"event_timestamp"`
	UpdateID         int64   `json:"update_id"`
	RMSError         float64 `json:"rms_error"`
	MaxDeviation     float64 `json:"max_deviation"`
	BidRMS           float64 `json:"bid_rms"`
	AskRMS           float64 `json:"ask_rms"`
	ComparedLevels   int     `json:"compared_levels"`
	BidLevelMismatch int     `json:"bid_level_mismatch"`
	AskLevelMismatch int     `json:"ask_level_mismatch"`
	ExceedsThreshold bool    `json:"exceeds_threshold"`
	Resynced         bool    `json:"resynced"`
}

type sideResult struct {
	rms      float64
	max      float64
	compared int
	mismatch int
}

// Calculate compares the book with the snapshot levels. Levels are aligned by position;
// the deviation at a position is |own - snap| / max(own, snap) when the prices agree and
// 1.0 when they differ. Levels beyond the shorter side are counted as a level mismatch
// and left out of the RMS, except that an empty side against a non-empty one scores 1.0.
func Calculate(b *book.OrderBook, bids, asks []schema.Level, threshold float64) Metrics {
	bid := compareSide(b.Bids.Top(len(bids)), bids)
	ask := compareSide(b.Asks.Top(len(asks)), asks)
	rms := math.Sqrt((bid.rms*bid.rms + ask.rms*ask.rms) / 2)
	return Metrics{
		RMSError:         rms,
		MaxDeviation:     math.Max(bid.max, ask.max),
		BidRMS:           bid.rms,
		AskRMS:           ask.rms,
		ComparedLevels:   bid.compared + ask.compared,
		BidLevelMismatch: bid.mismatch,
		AskLevelMismatch: ask.mismatch,
		ExceedsThreshold: rms > threshold,
	}
}

func compareSide(own, snap []schema.Level) sideResult {
	n := min(len(own), len(snap))
	res := sideResult{
		compared: n,
		mismatch: max(len(own), len(snap)) - n,
	}
	if n == 0 {
		if len(own) != len(snap) {
			res.rms, res.max = 1, 1
		}
		return res
	}

	var sumSq float64
	for i := 0; i < n; i++ {
		dev := deviation(own[i], snap[i])
		sumSq += dev * dev
		if dev > res.max {
			res.max = dev
		}
	}
	res.rms = math.Sqrt(sumSq / float64(n))
	return res
}

func deviation(own, snap schema.Level) float64 {
	if own.Price != snap.Price {
		return 1
	}
	a, b := own.Quantity, snap.Quantity
	if a == b {
		return 0
	}
	denom := max(a, b)
	if denom <= 0 {
		return 1
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	// both operands share the 1e8 scale, so the ratio is exact up to float rounding
	return float64(diff) / float64(denom)
}
