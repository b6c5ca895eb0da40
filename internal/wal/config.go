package wal

import (
	"fmt"
	"time"

	"lobreplay/pkg/exception"
)

const (
	defaultSegmentSize = 10_000
	defaultMaxSegments = 100
	defaultQueueSize   = 4
	defaultBufferSize  = 256 * 1024
	defaultFilePrefix  = "segment"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Config controls the WAL manager.
type Config struct {
	Dir string `json:"dir" yaml:"dir"`
	// SegmentSize is the number of events per segment.
	SegmentSize int `json:"segmentSize" yaml:"segmentSize"`
	// MaxSegments is how many complete segments are retained. Zero keeps the default.
	MaxSegments int `json:"maxSegments" yaml:"maxSegments"`
	// QueueSize bounds the batches waiting for the flusher. Append blocks when it is full.
	QueueSize  int    `json:"queueSize" yaml:"queueSize"`
	BufferSize int    `json:"bufferSize" yaml:"bufferSize"`
	FilePrefix string `json:"filePrefix" yaml:"filePrefix"`
	// FlushInterval flushes a partial segment when it has been open this long. Zero disables it.
	FlushInterval time.Duration `json:"flushInterval" yaml:"flushInterval"`
}

// DefaultConfig returns a baseline configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		SegmentSize: defaultSegmentSize,
		MaxSegments: defaultMaxSegments,
		QueueSize:   defaultQueueSize,
		BufferSize:  defaultBufferSize,
		FilePrefix:  defaultFilePrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentSize == 0 {
		c.SegmentSize = defaultSegmentSize
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = defaultMaxSegments
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: invalid wal config: Dir is empty", exception.ErrInvalidArgument)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("%w: invalid wal config: SegmentSize must be > 0", exception.ErrInvalidArgument)
	}
	if c.MaxSegments <= 0 {
		return fmt.Errorf("%w: invalid wal config: MaxSegments must be > 0", exception.ErrInvalidArgument)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: invalid wal config: QueueSize must be > 0", exception.ErrInvalidArgument)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: invalid wal config: BufferSize must be > 0", exception.ErrInvalidArgument)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: invalid wal config: FlushInterval must be >= 0", exception.ErrInvalidArgument)
	}
	return nil
}
