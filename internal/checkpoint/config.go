package checkpoint

import (
	"fmt"
	"time"

	"lobreplay/pkg/exception"
)

const (
	defaultInterval       = 5 * time.Minute
	defaultEventInterval  = 1_000_000
	defaultGracePeriod    = 10 * time.Second
	defaultMaxCheckpoints = 5

	dirPerm  = 0o700
	filePerm = 0o600
)

// Config controls checkpoint triggers and retention.
type Config struct {
	Dir    string `json:"dir" yaml:"dir"`
	Symbol string `json:"symbol" yaml:"symbol"`
	// Interval is the time trigger. Zero keeps the default, negative disables it.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// EventInterval is the event count trigger. Zero keeps the default, negative disables it.
	EventInterval int64 `json:"eventInterval" yaml:"eventInterval"`
	// GracePeriod is the minimum gap between two checkpoints, shutdown excepted.
	GracePeriod    time.Duration `json:"gracePeriod" yaml:"gracePeriod"`
	MaxCheckpoints int           `json:"maxCheckpoints" yaml:"maxCheckpoints"`
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig(dir, symbol string) Config {
	return Config{
		Dir:            dir,
		Symbol:         symbol,
		Interval:       defaultInterval,
		EventInterval:  defaultEventInterval,
		GracePeriod:    defaultGracePeriod,
		MaxCheckpoints: defaultMaxCheckpoints,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = defaultInterval
	}
	if c.EventInterval == 0 {
		c.EventInterval = defaultEventInterval
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = defaultMaxCheckpoints
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: invalid checkpoint config: Dir is empty", exception.ErrInvalidArgument)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: invalid checkpoint config: Symbol is empty", exception.ErrInvalidArgument)
	}
	if c.MaxCheckpoints <= 0 {
		return fmt.Errorf("%w: invalid checkpoint config: MaxCheckpoints must be > 0", exception.ErrInvalidArgument)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("%w: invalid checkpoint config: GracePeriod must be >= 0", exception.ErrInvalidArgument)
	}
	return nil
}
