package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"lobreplay/internal/checkpoint"
	"lobreplay/internal/manifest"
	"lobreplay/internal/replay"
	"lobreplay/internal/sink"
	"lobreplay/internal/wal"
	"lobreplay/pkg/exception"
)

const (
	defaultBatchSize   = 1000
	defaultIdleTimeout = time.Second
	defaultStopTimeout = 30 * time.Second
)

// Config wires one symbol. Each symbol owns its WAL and checkpoint directories.
type Config struct {
	Symbol     string
	Replay     replay.Config
	WAL        wal.Config
	Checkpoint checkpoint.Config
	Output     sink.Config
	Manifest   manifest.Config
	// DriftLog receives drift records evicted from the in-memory history. Empty drops them.
	DriftLog string
	// BatchSize is the number of events handed to the replayer at once.
	BatchSize int
	// IdleTimeout bounds one wait on the source so triggers still fire on a quiet feed.
	IdleTimeout time.Duration
	// StopTimeout bounds the final flush and shutdown checkpoint.
	StopTimeout time.Duration
}

// DefaultConfig lays out the directories of symbol under root.
func DefaultConfig(root, symbol string) Config {
	return Config{
		Symbol:     symbol,
		Replay:     replay.DefaultConfig(symbol),
		WAL:        wal.DefaultConfig(filepath.Join(root, "wal", symbol)),
		Checkpoint: checkpoint.DefaultConfig(filepath.Join(root, "checkpoints", symbol), symbol),
		Output:     sink.Config{Dir: filepath.Join(root, "output")},
		Manifest:   manifest.Config{Path: filepath.Join(root, "output", "_manifest.jsonl")},
		DriftLog:   DriftLogPath(filepath.Join(root, "output"), symbol),
	}
}

// DriftLogPath is where the drift history of symbol is kept under an output dir.
func DriftLogPath(outputDir, symbol string) string {
	return filepath.Join(outputDir, "_drift", symbol+".jsonl")
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.Replay.Symbol == "" {
		c.Replay.Symbol = c.Symbol
	}
	if c.Checkpoint.Symbol == "" {
		c.Checkpoint.Symbol = c.Symbol
	}
	return c
}

// Validate checks that the parts agree on the symbol.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: invalid pipeline config: Symbol is empty", exception.ErrInvalidArgument)
	}
	if c.Replay.Symbol != c.Symbol || c.Checkpoint.Symbol != c.Symbol {
		return fmt.Errorf("%w: invalid pipeline config: symbol mismatch between replay %q, checkpoint %q, pipeline %q", exception.ErrInvalidArgument,
			c.Replay.Symbol, c.Checkpoint.Symbol, c.Symbol)
	}
	if c.WAL.Dir == c.Checkpoint.Dir {
		return fmt.Errorf("%w: invalid pipeline config: WAL and checkpoint share %s", exception.ErrInvalidArgument, c.WAL.Dir)
	}
	return nil
}
