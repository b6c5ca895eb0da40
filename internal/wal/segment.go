package wal

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/yanun0323/logs"

	"lobreplay/pkg/exception"
)

const (
	dataExt   = ".wal"
	tmpExt    = ".tmp"
	markerExt = ".done"
)

// Segment describes one complete WAL segment on disk.
type Segment struct {
	ID            uint64 `json:"segment_id"`
	Path          string `json:"file_path"`
	EventsCount   int    `json:"events_count"`
	FirstUpdateID int64  `json:"first_update_id"`
	LastUpdateID  int64  `json:"last_update_id"`
	FirstSeq      uint64 `json:"first_seq"`
	LastSeq       uint64 `json:"last_seq"`
	// LastSourceOffset is the highest input position recorded in the segment.
	LastSourceOffset int64  `json:"last_source_offset"`
	CreatedAt        int64  `json:"created_at"`
	Checksum         uint32 `json:"checksum"`
	IsComplete       bool   `json:"is_complete"`
}

// HasUpdateIDs reports whether any event in the segment carried an update id.
func (s Segment) HasUpdateIDs() bool {
	return s.LastUpdateID > 0
}

func segmentName(prefix string, id uint64) string {
	return fmt.Sprintf("%s-%012d%s", prefix, id, dataExt)
}

func markerPath(dataPath string) string {
	return dataPath + markerExt
}

// parseSegmentID extracts the id from prefix-000000000001.wal.
func parseSegmentID(prefix, name string) (uint64, bool) {
	if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, dataExt) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), dataExt)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ScanResult is what a directory scan found.
type ScanResult struct {
	Complete []Segment
	// Incomplete are data files without a marker, or with an unreadable one.
	Incomplete []string
	// Stale are leftover temp files of interrupted writes.
	Stale []string
	MaxID uint64
}

// Scan lists the segments in dir ordered by id.
func Scan(dir, prefix string) (ScanResult, error) {
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	var res ScanResult
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)
		switch {
		case strings.HasSuffix(name, tmpExt):
			res.Stale = append(res.Stale, path)
			if id, ok := parseSegmentID(prefix, strings.TrimSuffix(strings.TrimSuffix(name, tmpExt), markerExt)); ok {
				res.MaxID = max(res.MaxID, id)
			}
		case strings.HasSuffix(name, dataExt):
			id, ok := parseSegmentID(prefix, name)
			if !ok {
				continue
			}
			res.MaxID = max(res.MaxID, id)
			seg, err := readMarker(path)
			if err != nil {
				res.Incomplete = append(res.Incomplete, path)
				continue
			}
			seg.ID = id
			seg.Path = path
			seg.IsComplete = true
			res.Complete = append(res.Complete, seg)
		}
	}
	slices.SortFunc(res.Complete, func(a, b Segment) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return res, nil
}

// RecoverSegments returns the complete segments of dir in id order. Segments without a
// marker and leftover temp files are skipped and logged.
func RecoverSegments(dir, prefix string) ([]Segment, error) {
	res, err := Scan(dir, prefix)
	if err != nil {
		return nil, err
	}
	for _, path := range res.Incomplete {
		logs.Warnf("wal: skip segment without completion marker, path: %s", path)
	}
	for _, path := range res.Stale {
		logs.Warnf("wal: skip interrupted segment write, path: %s", path)
	}
	return res.Complete, nil
}

func readMarker(dataPath string) (Segment, error) {
	raw, err := os.ReadFile(markerPath(dataPath))
	if err != nil {
		return Segment{}, err
	}
	var seg Segment
	if err := json.Unmarshal(raw, &seg); err != nil {
		return Segment{}, fmt.Errorf("%w: marker %s: %v", exception.ErrWALSegmentCorrupt, markerPath(dataPath), err)
	}
	return seg, nil
}

// ReadSegment decodes every entry of a complete segment in file order.
func ReadSegment(seg Segment, fn func(Entry) error) error {
	file, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := crc32.New(crcTable)
	r := NewReader(io.TeeReader(file, hasher))
	count := 0
	for {
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s record %d: %w", exception.ErrWALSegmentCorrupt, seg.Path, count, err)
		}
		count++
		if err := fn(entry); err != nil {
			return err
		}
	}
	if seg.EventsCount > 0 && count != seg.EventsCount {
		return fmt.Errorf("%w: %s has %d records, marker says %d", exception.ErrWALSegmentCorrupt, seg.Path, count, seg.EventsCount)
	}
	if seg.Checksum != 0 && hasher.Sum32() != seg.Checksum {
		return fmt.Errorf("%w: %s file checksum mismatch", exception.ErrWALSegmentCorrupt, seg.Path)
	}
	return nil
}

// RemoveSegment deletes the data file and its marker together.
func RemoveSegment(seg Segment) error {
	errData := os.Remove(seg.Path)
	errMarker := os.Remove(markerPath(seg.Path))
	if errData != nil && !errors.Is(errData, os.ErrNotExist) {
		return errData
	}
	if errMarker != nil && !errors.Is(errMarker, os.ErrNotExist) {
		return errMarker
	}
	return nil
}
