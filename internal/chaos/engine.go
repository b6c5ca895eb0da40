// Package chaos degrades a raw feed the way real captures are degraded: rows go
// missing, arrive twice, arrive out of order, or are received late.
package chaos

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand"
	"strconv"
	"time"

	"lobreplay/internal/normalize"
	"lobreplay/pkg/exception"
)

// receiveField carries epoch nanoseconds. Delays are added to it.
const receiveField = "receive_time"

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Engine applies chaos rules to rows.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []normalize.Row
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("%w: dropRate must be between 0 and 1", exception.ErrInvalidArgument)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("%w: duplicateRate must be between 0 and 1", exception.ErrInvalidArgument)
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("%w: reorderWindow must be >= 1", exception.ErrInvalidArgument)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: maxDelay must be >= 0", exception.ErrInvalidArgument)
	}
	return nil
}

// Process applies chaos to a single row and returns any output rows.
func (e *Engine) Process(row normalize.Row) []normalize.Row {
	if e == nil {
		return []normalize.Row{row}
	}
	if e.shouldDrop() {
		return nil
	}
	row = e.applyDelay(row)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(row)
	}
	e.pending = append(e.pending, row)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.applyDuplicate(e.take())
}

// Flush returns any buffered rows after processing completes.
func (e *Engine) Flush() []normalize.Row {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]normalize.Row, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.applyDuplicate(e.take())...)
	}
	return out
}

func (e *Engine) take() normalize.Row {
	idx := e.rng.Intn(len(e.pending))
	row := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return row
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(row normalize.Row) []normalize.Row {
	out := []normalize.Row{row}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, maps.Clone(row))
	}
	return out
}

// applyDelay shifts the receive time of rows that carry an integer nanosecond one.
func (e *Engine) applyDelay(row normalize.Row) normalize.Row {
	if e.cfg.MaxDelay <= 0 {
		return row
	}
	maxDelay := e.cfg.MaxDelay.Nanoseconds()
	if maxDelay <= 0 {
		return row
	}
	delay := e.rng.Int63n(maxDelay + 1)
	if delay == 0 {
		return row
	}
	var shifted any
	switch recv := row[receiveField].(type) {
	case int64:
		shifted = recv + delay
	case json.Number:
		n, err := recv.Int64()
		if err != nil {
			return row
		}
		shifted = json.Number(strconv.FormatInt(n+delay, 10))
	default:
		return row
	}
	row = maps.Clone(row)
	row[receiveField] = shifted
	return row
}
