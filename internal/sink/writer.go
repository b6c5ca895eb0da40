package sink

import (
	"bufio"
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"
	"github.com/zeebo/blake3"

	"lobreplay/internal/manifest"
	"lobreplay/internal/replay"
	"lobreplay/pkg/exception"
)

const (
	defaultPartition = time.Hour
	defaultMaxRows   = 100_000
)

// Config controls a Writer.
type Config struct {
	Dir string `json:"dir" yaml:"dir"`
	// Partition is the time bucket width. Only whole hours produce hour=HH directories.
	Partition time.Duration `json:"partition" yaml:"partition"`
	// MaxRows flushes a bucket early once it holds this many rows.
	MaxRows int `json:"maxRows" yaml:"maxRows"`
}

func (c Config) withDefaults() Config {
	if c.Partition <= 0 {
		c.Partition = defaultPartition
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	return c
}

// Registry mirrors written partitions somewhere queryable.
type Registry interface {
	RecordPartition(ctx context.Context, meta manifest.PartitionMetadata) error
}

type bucketKey struct {
	symbol string
	start  int64
}

type bucket struct {
	rows   []Row
	minTs  int64
	maxTs  int64
	events map[string]struct{}
}

// Writer buckets rows by symbol and time and writes one file per bucket flush. Every
// file is registered in the manifest after it is durable. A Writer is not safe for
// concurrent use.
type Writer struct {
	cfg      Config
	manifest *manifest.Tracker
	registry Registry
	hook     func(manifest.PartitionMetadata)
	buckets  map[bucketKey]*bucket
	written  []manifest.PartitionMetadata
	now      func() time.Time
}

// NewWriter creates the output directory.
func NewWriter(cfg Config, tracker *manifest.Tracker) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: output dir is empty", exception.ErrInvalidArgument)
	}
	if tracker == nil {
		return nil, fmt.Errorf("%w: manifest tracker is nil", exception.ErrNilInstance)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:      cfg.withDefaults(),
		manifest: tracker,
		buckets:  make(map[bucketKey]*bucket),
		now:      time.Now,
	}, nil
}

// SetRegistry attaches an optional partition registry.
func (w *Writer) SetRegistry(r Registry) {
	w.registry = r
}

// SetPartitionHook installs a callback run after each partition is in the manifest.
func (w *Writer) SetPartitionHook(fn func(manifest.PartitionMetadata)) {
	w.hook = fn
}

// Written returns the metadata of every partition written so far.
func (w *Writer) Written() []manifest.PartitionMetadata {
	return slices.Clone(w.written)
}

// Buffered returns the number of rows not yet written.
func (w *Writer) Buffered() int {
	n := 0
	for _, b := range w.buckets {
		n += len(b.rows)
	}
	return n
}

// Write buffers records. A bucket reaching MaxRows is flushed immediately.
func (w *Writer) Write(ctx context.Context, records []replay.Record) error {
	width := w.cfg.Partition.Nanoseconds()
	for i := range records {
		row := FromRecord(records[i])
		key := bucketKey{symbol: row.Symbol, start: row.TsEvent - mod(row.TsEvent, width)}
		b, ok := w.buckets[key]
		if !ok {
			b = &bucket{minTs: row.TsEvent, maxTs: row.TsEvent, events: make(map[string]struct{}, 3)}
			w.buckets[key] = b
		}
		b.rows = append(b.rows, row)
		b.minTs = min(b.minTs, row.TsEvent)
		b.maxTs = max(b.maxTs, row.TsEvent)
		b.events[row.EventType] = struct{}{}

		if len(b.rows) >= w.cfg.MaxRows {
			if err := w.flushBucket(ctx, key, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes every buffered bucket. Buckets that fail stay buffered for the next call.
func (w *Writer) Flush(ctx context.Context) error {
	keys := make([]bucketKey, 0, len(w.buckets))
	for key := range w.buckets {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b bucketKey) int {
		if c := cmp.Compare(a.start, b.start); c != 0 {
			return c
		}
		return cmp.Compare(a.symbol, b.symbol)
	})

	var firstErr error
	for _, key := range keys {
		if err := w.flushBucket(ctx, key, w.buckets[key]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes the remaining rows.
func (w *Writer) Close(ctx context.Context) error {
	return w.Flush(ctx)
}

func (w *Writer) flushBucket(ctx context.Context, key bucketKey, b *bucket) error {
	if len(b.rows) == 0 {
		delete(w.buckets, key)
		return nil
	}
	meta, err := w.writePartition(key, b)
	if err != nil {
		logs.Errorf("sink: write partition, symbol: %s, rows: %d, err: %+v", key.symbol, len(b.rows), err)
		return err
	}
	delete(w.buckets, key)

	if err := w.manifest.AddPartition(meta); err != nil {
		logs.Errorf("sink: manifest append, file: %s, err: %+v", meta.FileName, err)
		return err
	}
	w.written = append(w.written, meta)
	if w.hook != nil {
		w.hook(meta)
	}
	if w.registry != nil {
		if err := w.registry.RecordPartition(ctx, meta); err != nil {
			// manifest is authoritative, the registry can be rebuilt from it
			logs.Warnf("sink: registry record, file: %s, err: %+v", meta.FileName, err)
		}
	}
	return nil
}

// PartitionPath returns the relative directory of a bucket starting at start.
func PartitionPath(symbol string, start int64) string {
	t := time.Unix(0, start).UTC()
	return fmt.Sprintf("symbol=%s/date=%s/hour=%02d", symbol, t.Format(time.DateOnly), t.Hour())
}

func (w *Writer) writePartition(key bucketKey, b *bucket) (manifest.PartitionMetadata, error) {
	rel := PartitionPath(key.symbol, key.start)
	dir := filepath.Join(w.cfg.Dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return manifest.PartitionMetadata{}, err
	}
	name := "part-" + uuid.NewString() + ".jsonl"
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return manifest.PartitionMetadata{}, err
	}
	hasher := blake3.New()
	bw := bufio.NewWriterSize(io.MultiWriter(file, hasher), 256*1024)
	enc := json.NewEncoder(bw)
	for i := range b.rows {
		if err := enc.Encode(&b.rows[i]); err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
			return manifest.PartitionMetadata{}, err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return manifest.PartitionMetadata{}, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return manifest.PartitionMetadata{}, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return manifest.PartitionMetadata{}, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return manifest.PartitionMetadata{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return manifest.PartitionMetadata{}, err
	}

	events := make([]string, 0, len(b.events))
	for ev := range b.events {
		events = append(events, ev)
	}
	slices.Sort(events)

	return manifest.PartitionMetadata{
		Symbol:         key.symbol,
		PartitionPath:  rel,
		FileName:       name,
		RowCount:       int64(len(b.rows)),
		FileSizeBytes:  info.Size(),
		TimestampMin:   b.minTs,
		TimestampMax:   b.maxTs,
		EventTypes:     events,
		WriteTimestamp: w.now().UnixNano(),
		Checksum:       "blake3:" + hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// mod is the non-negative remainder, so pre-epoch timestamps bucket downwards.
func mod(v, width int64) int64 {
	r := v % width
	if r < 0 {
		r += width
	}
	return r
}
