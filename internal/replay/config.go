package replay

import (
	"fmt"

	"lobreplay/internal/drift"
	"lobreplay/internal/sequence"
	"lobreplay/pkg/exception"
)

const (
	DefaultMaxLevels   = 1000
	DefaultOutputDepth = 20
)

// Config controls a Replayer.
type Config struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	// MaxLevels is the size of the dense top array per side.
	MaxLevels int `json:"maxLevels" yaml:"maxLevels"`
	// OutputDepth is how many levels per side are copied into each record.
	OutputDepth  int          `json:"outputDepth" yaml:"outputDepth"`
	GapThreshold int64        `json:"gapThreshold" yaml:"gapThreshold"`
	Drift        drift.Config `json:"drift" yaml:"drift"`
}

// DefaultConfig returns the baseline configuration for a symbol.
func DefaultConfig(symbol string) Config {
	return Config{
		Symbol:       symbol,
		MaxLevels:    DefaultMaxLevels,
		OutputDepth:  DefaultOutputDepth,
		GapThreshold: sequence.DefaultGapThreshold,
		Drift:        drift.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxLevels == 0 {
		c.MaxLevels = DefaultMaxLevels
	}
	if c.OutputDepth <= 0 {
		c.OutputDepth = DefaultOutputDepth
	}
	if c.OutputDepth > c.MaxLevels {
		c.OutputDepth = c.MaxLevels
	}
	if c.GapThreshold <= 0 {
		c.GapThreshold = sequence.DefaultGapThreshold
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", exception.ErrInvalidArgument)
	}
	if c.MaxLevels < 0 {
		return fmt.Errorf("%w: %d", exception.ErrInvalidMaxLevels, c.MaxLevels)
	}
	if c.Drift.Threshold < 0 {
		return fmt.Errorf("%w: drift threshold %v", exception.ErrInvalidArgument, c.Drift.Threshold)
	}
	return nil
}
