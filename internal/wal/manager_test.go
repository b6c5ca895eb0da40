package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobreplay/internal/schema"
	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

func deltaEvent(seq uint64, uid int64) schema.Event {
	return schema.NewDelta("BTCUSDT", seq, int64(seq)*10, uid, schema.Delta{
		Side:     schema.SideBid,
		Price:    fixed.FromInt(100 + uid),
		Quantity: fixed.One,
	})
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Start(t.Context()))
	return m
}

func readAll(t *testing.T, segs []Segment) []schema.Event {
	t.Helper()
	var events []schema.Event
	for _, seg := range segs {
		require.NoError(t, ReadSegment(seg, func(e Entry) error {
			assert.Equal(t, seg.ID, e.SegmentID)
			events = append(events, e.Event)
			return nil
		}))
	}
	return events
}

func TestManagerWritesCompleteSegments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	m := startManager(t, Config{Dir: dir, SegmentSize: 10})

	var want []schema.Event
	for i := range 25 {
		ev := deltaEvent(uint64(i), int64(i+1))
		want = append(want, ev)
		require.NoError(t, m.AppendEvent(ev))
	}
	assert.Equal(t, 5, m.Buffered())
	require.NoError(t, m.Flush())
	require.NoError(t, m.Close())

	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{segs[0].ID, segs[1].ID, segs[2].ID})
	assert.Equal(t, 10, segs[0].EventsCount)
	assert.Equal(t, int64(1), segs[0].FirstUpdateID)
	assert.Equal(t, int64(10), segs[0].LastUpdateID)
	assert.Equal(t, int64(25), segs[2].LastUpdateID)
	assert.Equal(t, uint64(24), segs[2].LastSeq)

	assert.Equal(t, want, readAll(t, segs))

	st := m.Stats()
	assert.Equal(t, int64(3), st.SegmentsFlushed)
	assert.Equal(t, int64(25), st.EventsFlushed)
	assert.Equal(t, uint64(3), st.LastSegmentID)
}

func TestManagerPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	m := startManager(t, Config{Dir: dir, SegmentSize: 1})
	require.NoError(t, m.AppendEvent(deltaEvent(0, 1)))
	require.NoError(t, m.Close())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	for _, path := range []string{segs[0].Path, markerPath(segs[0].Path)} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), path)
	}
}

func TestManagerRetentionRemovesDataAndMarker(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, Config{Dir: dir, SegmentSize: 1, MaxSegments: 2})
	for i := range 4 {
		require.NoError(t, m.AppendEvent(deltaEvent(uint64(i), int64(i+1))))
	}
	require.NoError(t, m.Close())

	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(3), segs[0].ID)
	assert.Equal(t, uint64(4), segs[1].ID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, int64(2), m.Stats().SegmentsRemoved)
}

func TestRecoverSkipsIncompleteSegments(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, Config{Dir: dir, SegmentSize: 2})
	for i := range 4 {
		require.NoError(t, m.AppendEvent(deltaEvent(uint64(i), int64(i+1))))
	}
	require.NoError(t, m.Close())

	// crash after rename but before the marker
	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.NoError(t, os.Remove(markerPath(segs[1].Path)))
	// crash mid-write
	stale := filepath.Join(dir, segmentName(defaultFilePrefix, 7)+tmpExt)
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o600))

	segs, err = RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, uint64(1), segs[0].ID)
	assert.Equal(t, int64(2), segs[0].LastUpdateID)

	// a restarted manager drops the temp file and numbers after it
	m2 := startManager(t, Config{Dir: dir, SegmentSize: 1})
	_, err = os.Stat(stale)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, m2.AppendEvent(deltaEvent(9, 9)))
	require.NoError(t, m2.Close())

	segs, err = RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(8), segs[1].ID)
}

func TestReadSegmentDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	m := startManager(t, Config{Dir: dir, SegmentSize: 3})
	for i := range 3 {
		require.NoError(t, m.AppendEvent(deltaEvent(uint64(i), int64(i+1))))
	}
	require.NoError(t, m.Close())

	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)

	raw, err := os.ReadFile(segs[0].Path)
	require.NoError(t, err)
	raw[recordHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(segs[0].Path, raw, 0o600))

	err = ReadSegment(segs[0], func(Entry) error { return nil })
	require.ErrorIs(t, err, exception.ErrWALSegmentCorrupt)
	assert.ErrorIs(t, err, exception.ErrWALChecksumMismatch)
}

func TestAppendAfterCloseFails(t *testing.T) {
	m := startManager(t, Config{Dir: t.TempDir()})
	require.NoError(t, m.Close())
	require.ErrorIs(t, m.AppendEvent(deltaEvent(0, 1)), exception.ErrWALClosed)
}

func TestManagerLifecycleErrors(t *testing.T) {
	m, err := NewManager(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.ErrorIs(t, m.AppendEvent(deltaEvent(0, 1)), exception.ErrWALNotStarted)
	assert.ErrorIs(t, m.Flush(), exception.ErrWALNotStarted)

	require.NoError(t, m.Start(t.Context()))
	assert.ErrorIs(t, m.Start(t.Context()), exception.ErrWALAlreadyStarted)
	require.NoError(t, m.Close())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig(t.TempDir()).Validate())

	for name, mutate := range map[string]func(*Config){
		"no dir":         func(c *Config) { c.Dir = "" },
		"segment size":   func(c *Config) { c.SegmentSize = 0 },
		"max segments":   func(c *Config) { c.MaxSegments = -1 },
		"queue size":     func(c *Config) { c.QueueSize = 0 },
		"buffer size":    func(c *Config) { c.BufferSize = 0 },
		"negative flush": func(c *Config) { c.FlushInterval = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), exception.ErrInvalidArgument)
		})
	}

	_, err := NewManager(Config{})
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestReadRecordRejectsBadHeader(t *testing.T) {
	buf := make([]byte, recordHeaderSize)
	encodeHeader(buf, recordHeader{EventType: schema.EventBookDelta})
	_, err := decodeRecordHeader(buf[:10])
	assert.ErrorIs(t, err, exception.ErrWALRecordHeaderSize)

	bad := append([]byte(nil), buf...)
	bad[0] = 'X'
	_, err = decodeRecordHeader(bad)
	assert.ErrorIs(t, err, exception.ErrWALInvalidMagic)

	bad = append([]byte(nil), buf...)
	bad[4] = 9
	_, err = decodeRecordHeader(bad)
	assert.ErrorIs(t, err, exception.ErrWALRecordVersion)
}

func TestFlushIntervalHandsOffPartialSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir, SegmentSize: 100, FlushInterval: time.Second})
	require.NoError(t, err)
	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }
	require.NoError(t, m.Start(t.Context()))

	require.NoError(t, m.AppendEvent(deltaEvent(0, 1)))
	now = now.Add(2 * time.Second)
	require.NoError(t, m.AppendEvent(deltaEvent(1, 2)))
	assert.Zero(t, m.Buffered())
	require.NoError(t, m.Close())

	segs, err := RecoverSegments(dir, "")
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 2, segs[0].EventsCount)
}
