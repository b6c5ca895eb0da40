package manifest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/yanun0323/logs"

	"lobreplay/pkg/exception"
)

const (
	defaultLockTimeout  = 10 * time.Second
	defaultStaleLockAge = 30 * time.Second
	defaultPollInterval = 5 * time.Millisecond
	maxLineSize         = 1 << 20
)

// Config controls a Tracker.
type Config struct {
	Path         string        `json:"path" yaml:"path"`
	LockTimeout  time.Duration `json:"lockTimeout" yaml:"lockTimeout"`
	StaleLockAge time.Duration `json:"staleLockAge" yaml:"staleLockAge"`
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.StaleLockAge <= 0 {
		c.StaleLockAge = defaultStaleLockAge
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Tracker appends to and reads one manifest file. Any number of trackers, in any number
// of processes, may share the same path.
type Tracker struct {
	cfg  Config
	lock fileLock
}

// NewTracker prepares the manifest directory.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: manifest path is empty", exception.ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg: cfg,
		lock: fileLock{
			path:     filepath.Join(filepath.Dir(cfg.Path), lockFileName),
			timeout:  cfg.LockTimeout,
			stale:    cfg.StaleLockAge,
			interval: cfg.PollInterval,
			now:      time.Now,
		},
	}, nil
}

// Path returns the manifest file path.
func (t *Tracker) Path() string {
	return t.cfg.Path
}

// AddPartition appends one line and fsyncs it before the lock is released.
func (t *Tracker) AddPartition(meta PartitionMetadata) error {
	line, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	release, err := t.lock.acquire()
	if err != nil {
		return err
	}
	defer release()

	file, err := os.OpenFile(t.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest %s: %w", t.cfg.Path, err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("append manifest %s: %w", t.cfg.Path, err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync manifest %s: %w", t.cfg.Path, err)
	}
	return file.Close()
}

// Read parses every line. Malformed lines are logged and skipped. A missing manifest
// reads as empty.
func (t *Tracker) Read() ([]PartitionMetadata, ReadStats, error) {
	file, err := os.Open(t.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ReadStats{}, nil
	}
	if err != nil {
		return nil, ReadStats{}, err
	}
	defer file.Close()
	return t.decode(file)
}

func (t *Tracker) decode(r io.Reader) ([]PartitionMetadata, ReadStats, error) {
	var (
		out   []PartitionMetadata
		stats ReadStats
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var meta PartitionMetadata
		if err := json.Unmarshal(line, &meta); err != nil {
			stats.Skipped++
			logs.Warnf("manifest: skip malformed line, path: %s, line: %d, err: %+v", t.cfg.Path, lineNo, err)
			continue
		}
		stats.Valid++
		out = append(out, meta)
	}
	if err := scanner.Err(); err != nil {
		return out, stats, fmt.Errorf("read manifest %s: %w", t.cfg.Path, err)
	}
	return out, stats, nil
}

// PartitionsForTimeRange returns the entries whose time span overlaps [start, end].
func (t *Tracker) PartitionsForTimeRange(start, end int64) ([]PartitionMetadata, error) {
	all, _, err := t.Read()
	if err != nil {
		return nil, err
	}
	var out []PartitionMetadata
	for _, meta := range all {
		if meta.Overlaps(start, end) {
			out = append(out, meta)
		}
	}
	return out, nil
}

// Compact rewrites the manifest keeping only the lines that parse. The rewrite goes
// through a temp file and a rename under the append lock.
func (t *Tracker) Compact() (ReadStats, error) {
	release, err := t.lock.acquire()
	if err != nil {
		return ReadStats{}, err
	}
	defer release()

	entries, stats, err := t.Read()
	if err != nil {
		return stats, err
	}
	if stats.Skipped == 0 {
		return stats, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, meta := range entries {
		if err := enc.Encode(meta); err != nil {
			return stats, err
		}
	}

	tmp := t.cfg.Path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return stats, err
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return stats, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return stats, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return stats, err
	}
	if err := os.Rename(tmp, t.cfg.Path); err != nil {
		_ = os.Remove(tmp)
		return stats, err
	}
	logs.Infof("manifest: compacted, path: %s, kept: %d, dropped: %d", t.cfg.Path, stats.Valid, stats.Skipped)
	return stats, nil
}
