package pipeline

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/yanun0323/logs"

	"lobreplay/internal/drift"
)

// driftLine is one line of the drift history file.
type driftLine struct {
	Symbol string `json:"symbol"`
	drift.Metrics
}

// driftLog appends drift records evicted from the tracker history to a JSONL file.
// The file is opened on the first write. Records re-evicted while rolling the WAL
// forward after a crash can appear twice.
type driftLog struct {
	path   string
	symbol string
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	failed bool
}

func newDriftLog(path, symbol string) *driftLog {
	return &driftLog{path: path, symbol: symbol}
}

// Write is installed as the drift exporter, which cannot return an error. The first
// failure is logged and later records are dropped.
func (l *driftLog) Write(records []drift.Metrics) {
	if l.failed || len(records) == 0 {
		return
	}
	if err := l.write(records); err != nil {
		l.failed = true
		logs.Errorf("pipeline: drift log write failed, symbol: %s, path: %s, err: %+v", l.symbol, l.path, err)
	}
}

func (l *driftLog) write(records []drift.Metrics) error {
	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return err
		}
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		l.file = file
		l.buf = bufio.NewWriter(file)
		l.enc = json.NewEncoder(l.buf)
	}
	for _, m := range records {
		if err := l.enc.Encode(driftLine{Symbol: l.symbol, Metrics: m}); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and syncs the file. It is safe on a nil or unopened log.
func (l *driftLog) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.buf.Flush()
	if serr := l.file.Sync(); err == nil {
		err = serr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
