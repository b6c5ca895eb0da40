package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"lobreplay/internal/schema"
	"lobreplay/internal/wal"
)

func main() {
	dir := flag.String("dir", "data/wal/BTCUSDT", "WAL directory of one symbol")
	prefix := flag.String("prefix", "segment", "WAL file prefix")
	events := flag.Bool("events", false, "Print every event")
	markers := flag.Bool("markers", false, "Print completion markers as JSON")
	flag.Parse()

	res, err := wal.Scan(*dir, *prefix)
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	for _, path := range res.Incomplete {
		fmt.Printf("incomplete %s\n", path)
	}
	for _, path := range res.Stale {
		fmt.Printf("stale %s\n", path)
	}

	enc := json.NewEncoder(os.Stdout)
	var total int
	for _, seg := range res.Complete {
		if *markers {
			if err := enc.Encode(seg); err != nil {
				log.Fatalf("encode marker failed: %v", err)
			}
		}
		fmt.Printf("segment %06d events=%d seq=%d..%d update_id=%d..%d offset=%d\n",
			seg.ID, seg.EventsCount, seg.FirstSeq, seg.LastSeq, seg.FirstUpdateID, seg.LastUpdateID, seg.LastSourceOffset)

		err := wal.ReadSegment(seg, func(entry wal.Entry) error {
			total++
			if *events {
				printEntry(entry)
			}
			return nil
		})
		if err != nil {
			log.Fatalf("read segment %d failed: %v", seg.ID, err)
		}
	}
	fmt.Printf("segments=%d events=%d incomplete=%d stale=%d\n", len(res.Complete), total, len(res.Incomplete), len(res.Stale))
}

func printEntry(entry wal.Entry) {
	ev := entry.Event
	h := ev.Header
	fmt.Printf("  seq=%d type=%s symbol=%s ts_event=%d update_id=%s offset=%d\n",
		h.Seq, h.Type, ev.Symbol, h.TsEvent, updateID(h), entry.SourceOffset)

	switch h.Type {
	case schema.EventTrade:
		fmt.Printf("    trade id=%s price=%s qty=%s aggressor=%s\n",
			ev.Trade.TradeID, ev.Trade.Price, ev.Trade.Quantity, ev.Trade.Aggressor)
	case schema.EventBookDelta:
		fmt.Printf("    delta side=%s price=%s qty=%s\n", ev.Delta.Side, ev.Delta.Price, ev.Delta.Quantity)
	case schema.EventBookSnapshot:
		fmt.Printf("    snapshot bids=%d asks=%d\n", len(ev.Snapshot.Bids), len(ev.Snapshot.Asks))
	}
}

func updateID(h schema.EventHeader) string {
	if !h.HasUpdateID {
		return "-"
	}
	return fmt.Sprint(h.UpdateID)
}
