package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"lobreplay/internal/codec"
	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
)

// Stats are the cumulative flusher counters.
type Stats struct {
	SegmentsFlushed int64
	EventsFlushed   int64
	FlushFailures   int64
	SegmentsRemoved int64
	LastSegmentID   uint64
}

// FlushHook observes every segment write.
type FlushHook func(seg Segment, elapsed time.Duration, err error)

// Manager appends events of one symbol to WAL segments. AppendEvent, Flush, and Close
// must be called from a single goroutine; segment writes happen on the flusher goroutine.
type Manager struct {
	cfg  Config
	ch   chan flushRequest
	quit chan struct{}
	wg   sync.WaitGroup
	err  atomic.Pointer[error]
	hook FlushHook
	now  func() time.Time

	started uint32
	closed  uint32

	buf       []Entry
	bufOpened time.Time
	currentID uint64

	segmentsFlushed atomic.Int64
	eventsFlushed   atomic.Int64
	flushFailures   atomic.Int64
	segmentsRemoved atomic.Int64
	lastSegmentID   atomic.Uint64
}

type flushRequest struct {
	id      uint64
	entries []Entry
	done    chan error
}

// NewManager prepares the WAL directory and resumes segment numbering after the
// largest id on disk. Leftover temp files are removed.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, dirPerm); err != nil {
		return nil, err
	}
	if err := os.Chmod(cfg.Dir, dirPerm); err != nil {
		return nil, err
	}

	res, err := Scan(cfg.Dir, cfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	for _, path := range res.Stale {
		logs.Warnf("wal: remove interrupted segment write, path: %s", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	m := &Manager{
		cfg:       cfg,
		ch:        make(chan flushRequest, cfg.QueueSize),
		quit:      make(chan struct{}),
		now:       time.Now,
		currentID: res.MaxID + 1,
		buf:       make([]Entry, 0, cfg.SegmentSize),
	}
	m.lastSegmentID.Store(res.MaxID)
	return m, nil
}

// SetFlushHook installs a hook called after each segment write. Call before Start.
func (m *Manager) SetFlushHook(hook FlushHook) {
	m.hook = hook
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start runs the flusher in a new goroutine.
func (m *Manager) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&m.started, 0, 1) {
		return exception.ErrWALAlreadyStarted
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.quit)
		m.run(ctx)
	}()
	return nil
}

// AppendEvent buffers an event and hands the batch to the flusher once it holds
// SegmentSize events. It blocks while the flush queue is full.
func (m *Manager) AppendEvent(ev schema.Event) error {
	return m.AppendEventAt(ev, 0)
}

// AppendEventAt is AppendEvent with the source position of the event recorded.
func (m *Manager) AppendEventAt(ev schema.Event, sourceOffset int64) error {
	if atomic.LoadUint32(&m.closed) != 0 {
		return exception.ErrWALClosed
	}
	if atomic.LoadUint32(&m.started) == 0 {
		return exception.ErrWALNotStarted
	}

	now := m.now()
	if len(m.buf) == 0 {
		m.bufOpened = now
	}
	m.buf = append(m.buf, Entry{
		Event:        ev.Clone(),
		WALTimestamp: now.UnixNano(),
		SegmentID:    m.currentID,
		SourceOffset: sourceOffset,
	})

	full := len(m.buf) >= m.cfg.SegmentSize
	stale := m.cfg.FlushInterval > 0 && now.Sub(m.bufOpened) >= m.cfg.FlushInterval
	if full || stale {
		return m.handoff(nil)
	}
	return nil
}

// Buffered returns the number of events not yet handed to the flusher.
func (m *Manager) Buffered() int {
	return len(m.buf)
}

// Flush hands the current buffer to the flusher and waits until every queued segment
// has been written.
func (m *Manager) Flush() error {
	if atomic.LoadUint32(&m.started) == 0 {
		return exception.ErrWALNotStarted
	}
	done := make(chan error, 1)
	if err := m.handoff(done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-m.quit:
		return exception.ErrWALClosed
	}
}

// Close flushes the buffer, stops the flusher, and returns the last flush error.
func (m *Manager) Close() error {
	if !atomic.CompareAndSwapUint32(&m.closed, 0, 1) {
		return m.Err()
	}
	if atomic.LoadUint32(&m.started) == 0 {
		return nil
	}
	flushErr := m.Flush()
	close(m.ch)
	m.wg.Wait()
	if flushErr != nil && !errors.Is(flushErr, exception.ErrWALClosed) {
		return flushErr
	}
	return m.Err()
}

// Err returns the most recent flush error, if any.
func (m *Manager) Err() error {
	if p := m.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns the flusher counters.
func (m *Manager) Stats() Stats {
	return Stats{
		SegmentsFlushed: m.segmentsFlushed.Load(),
		EventsFlushed:   m.eventsFlushed.Load(),
		FlushFailures:   m.flushFailures.Load(),
		SegmentsRemoved: m.segmentsRemoved.Load(),
		LastSegmentID:   m.lastSegmentID.Load(),
	}
}

// RecoverSegments lists the complete segments of this manager's directory.
func (m *Manager) RecoverSegments() ([]Segment, error) {
	return RecoverSegments(m.cfg.Dir, m.cfg.FilePrefix)
}

// handoff queues the buffer. An empty buffer with a done channel acts as a barrier.
func (m *Manager) handoff(done chan error) error {
	req := flushRequest{done: done}
	if len(m.buf) > 0 {
		req.id = m.currentID
		req.entries = m.buf
		m.buf = make([]Entry, 0, m.cfg.SegmentSize)
		m.currentID++
	} else if done == nil {
		return nil
	}

	select {
	case m.ch <- req:
		return nil
	case <-m.quit:
		return exception.ErrWALClosed
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case req, ok := <-m.ch:
			if !ok {
				return
			}
			m.serve(req)
		}
	}
}

func (m *Manager) drain() {
	for {
		select {
		case req, ok := <-m.ch:
			if !ok {
				return
			}
			m.serve(req)
		default:
			return
		}
	}
}

func (m *Manager) serve(req flushRequest) {
	var err error
	if len(req.entries) > 0 {
		err = m.writeSegment(req.id, req.entries)
	}
	if req.done != nil {
		req.done <- err
	}
}

// writeSegment writes a batch as tmp file, fsync, rename, then the completion marker.
// A failure is logged and the batch is dropped; ingestion continues.
func (m *Manager) writeSegment(id uint64, entries []Entry) (err error) {
	start := time.Now()
	finalPath := filepath.Join(m.cfg.Dir, segmentName(m.cfg.FilePrefix, id))
	tmpPath := finalPath + tmpExt
	seg := Segment{ID: id, Path: finalPath, EventsCount: len(entries)}

	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
			_ = os.Remove(markerPath(finalPath) + tmpExt)
			m.flushFailures.Add(1)
			stored := err
			m.err.Store(&stored)
			logs.Errorf("wal: write segment %d failed, events: %d, err: %+v", id, len(entries), err)
		}
		if m.hook != nil {
			m.hook(seg, time.Since(start), err)
		}
	}()

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	hasher := crc32.New(crcTable)
	buf := bufio.NewWriterSize(io.MultiWriter(file, hasher), m.cfg.BufferSize)

	var (
		headerBuf   = make([]byte, recordHeaderSize)
		checksumBuf [recordChecksumSize]byte
		payload     []byte
	)
	for i, entry := range entries {
		ev := entry.Event
		payload, err = codec.EncodeEvent(payload, ev)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("encode event %d: %w", i, err)
		}
		if uint64(len(payload)) > maxPayloadLen {
			_ = file.Close()
			return exception.ErrWALPayloadTooLarge
		}
		encodeHeader(headerBuf, recordHeader{
			EventType:    ev.Header.Type,
			PayloadLen:   uint32(len(payload)),
			Seq:          ev.Header.Seq,
			WALTimestamp: entry.WALTimestamp,
			SegmentID:    id,
			UpdateID:     ev.Header.UpdateID,
			SourceOffset: entry.SourceOffset,
		})
		binary.LittleEndian.PutUint32(checksumBuf[:], checksum(headerBuf, payload))
		if _, err = buf.Write(headerBuf); err == nil {
			if _, err = buf.Write(payload); err == nil {
				_, err = buf.Write(checksumBuf[:])
			}
		}
		if err != nil {
			_ = file.Close()
			return err
		}
		seg.track(ev, i == 0)
		seg.LastSourceOffset = max(seg.LastSourceOffset, entry.SourceOffset)
	}

	if err = buf.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err = file.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, finalPath); err != nil {
		return err
	}

	seg.Checksum = hasher.Sum32()
	seg.CreatedAt = m.now().UnixNano()
	seg.IsComplete = true
	if err = writeMarker(seg); err != nil {
		return err
	}
	if err = syncDir(m.cfg.Dir); err != nil {
		return err
	}

	m.segmentsFlushed.Add(1)
	m.eventsFlushed.Add(int64(len(entries)))
	m.lastSegmentID.Store(id)
	m.enforceRetention()
	return nil
}

func (s *Segment) track(ev schema.Event, first bool) {
	if first {
		s.FirstSeq, s.LastSeq = ev.Header.Seq, ev.Header.Seq
	}
	s.FirstSeq = min(s.FirstSeq, ev.Header.Seq)
	s.LastSeq = max(s.LastSeq, ev.Header.Seq)
	if !ev.Header.HasUpdateID {
		return
	}
	id := ev.Header.UpdateID
	if s.FirstUpdateID == 0 || id < s.FirstUpdateID {
		s.FirstUpdateID = id
	}
	s.LastUpdateID = max(s.LastUpdateID, id)
}

func writeMarker(seg Segment) error {
	raw, err := json.Marshal(seg)
	if err != nil {
		return err
	}
	path := markerPath(seg.Path)
	tmp := path + tmpExt
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return err
	}
	if _, err := file.Write(raw); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// enforceRetention deletes the oldest complete segments beyond MaxSegments.
func (m *Manager) enforceRetention() {
	res, err := Scan(m.cfg.Dir, m.cfg.FilePrefix)
	if err != nil {
		logs.Errorf("wal: retention scan failed, dir: %s, err: %+v", m.cfg.Dir, err)
		return
	}
	excess := len(res.Complete) - m.cfg.MaxSegments
	for i := 0; i < excess; i++ {
		if err := RemoveSegment(res.Complete[i]); err != nil {
			logs.Errorf("wal: remove segment %d failed, err: %+v", res.Complete[i].ID, err)
			continue
		}
		m.segmentsRemoved.Add(1)
	}
}
