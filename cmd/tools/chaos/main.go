package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"

	"lobreplay/internal/chaos"
	"lobreplay/internal/normalize"
	"lobreplay/internal/source"
	"lobreplay/pkg/exception"
)

func main() {
	input := flag.String("input", "testdata/feed/BTCUSDT/*.jsonl", "Input JSONL glob")
	output := flag.String("output", "testdata/feed_chaos/BTCUSDT/feed-000000.jsonl", "Output JSONL file")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 0, "Max receive delay")
	flag.Parse()

	src, err := source.NewFileSource(*input)
	if err != nil {
		log.Fatalf("input open failed: %v", err)
	}
	defer src.Close()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
		MaxDelay:      *maxDelay,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*output), 0o755); err != nil {
		log.Fatalf("output dir failed: %v", err)
	}
	file, err := os.Create(*output)
	if err != nil {
		log.Fatalf("output open failed: %v", err)
	}
	buf := bufio.NewWriter(file)
	enc := json.NewEncoder(buf)
	write := func(rows []normalize.Row) {
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				log.Fatalf("write failed: %v", err)
			}
		}
	}

	var in, skipped int
	ctx := context.Background()
	for {
		msg, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, exception.ErrMalformedEventBody) {
			skipped++
			continue
		}
		if err != nil {
			log.Fatalf("read failed: %v", err)
		}
		in++
		write(engine.Process(msg.Row))
	}
	write(engine.Flush())

	if err := buf.Flush(); err != nil {
		log.Fatalf("flush failed: %v", err)
	}
	if err := file.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
	log.Printf("chaos: rows_in=%d skipped=%d output=%s", in, skipped, *output)
}
