package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lobreplay/internal/chaos"
	"lobreplay/internal/mdg"
	"lobreplay/internal/normalize"
	"lobreplay/pkg/fixed"
)

func main() {
	symbol := flag.String("symbol", "BTCUSDT", "Symbol to generate")
	outDir := flag.String("out-dir", "testdata/feed", "Output directory, one subdirectory per symbol")
	rows := flag.Int("rows", 10_000, "Number of rows to generate")
	rowsPerFile := flag.Int("rows-per-file", 0, "Rotate to a new file after this many rows (0=single file)")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	levels := flag.Int("levels", 10, "Price levels per side")
	mid := flag.String("mid", "100", "Mid price")
	tick := flag.String("tick", "0.01", "Tick size")
	step := flag.Duration("step", 100*time.Millisecond, "Event time between rows")
	snapshotEvery := flag.Int("snapshot-every", 1000, "Rows between snapshots (0=first only)")
	tradeRate := flag.Float64("trade-rate", 0.1, "Trade probability [0-1]")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 0, "Max receive delay")
	flag.Parse()

	if *rows <= 0 {
		log.Fatalf("rows must be > 0")
	}

	cfg := mdg.DefaultConfig(strings.ToUpper(*symbol))
	cfg.Seed = *seed
	cfg.Levels = *levels
	cfg.Step = *step
	cfg.SnapshotEvery = *snapshotEvery
	cfg.TradeRate = *tradeRate
	var err error
	if cfg.MidPrice, err = fixed.Parse(*mid); err != nil {
		log.Fatalf("invalid mid: %v", err)
	}
	if cfg.Tick, err = fixed.Parse(*tick); err != nil {
		log.Fatalf("invalid tick: %v", err)
	}
	generator, err := mdg.NewGenerator(cfg)
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}

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

	out := newRotatingWriter(filepath.Join(*outDir, cfg.Symbol), *rowsPerFile)
	for i := 0; i < *rows; i++ {
		row := generator.Next()
		// the opening snapshot always survives so the book can start
		if i == 0 {
			if err := out.Write(row); err != nil {
				log.Fatalf("write failed: %v", err)
			}
			continue
		}
		for _, r := range engine.Process(row) {
			if err := out.Write(r); err != nil {
				log.Fatalf("write failed: %v", err)
			}
		}
	}
	for _, r := range engine.Flush() {
		if err := out.Write(r); err != nil {
			log.Fatalf("write failed: %v", err)
		}
	}
	if err := out.Close(); err != nil {
		log.Fatalf("close failed: %v", err)
	}
	log.Printf("generated: symbol=%s rows=%d written=%d files=%d last_update_id=%d",
		cfg.Symbol, *rows, out.written, out.files, generator.UpdateID())
}

// rotatingWriter writes JSONL files named feed-000000.jsonl, feed-000001.jsonl, ...
// so that their lexical order is their write order.
type rotatingWriter struct {
	dir     string
	perFile int
	file    *os.File
	buf     *bufio.Writer
	enc     *json.Encoder
	inFile  int
	written int
	files   int
}

func newRotatingWriter(dir string, perFile int) *rotatingWriter {
	return &rotatingWriter{dir: dir, perFile: perFile}
}

func (w *rotatingWriter) Write(row normalize.Row) error {
	if w.file == nil || (w.perFile > 0 && w.inFile >= w.perFile) {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if err := w.enc.Encode(row); err != nil {
		return err
	}
	w.inFile++
	w.written++
	return nil
}

func (w *rotatingWriter) rotate() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	file, err := os.Create(filepath.Join(w.dir, fmt.Sprintf("feed-%06d.jsonl", w.files)))
	if err != nil {
		return err
	}
	w.file = file
	w.buf = bufio.NewWriterSize(file, 256*1024)
	w.enc = json.NewEncoder(w.buf)
	w.inFile = 0
	w.files++
	return nil
}

func (w *rotatingWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.buf.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}
