// Package manifest keeps the append-only ledger of written output partitions.
package manifest

import (
	"slices"
	"time"
)

// PartitionMetadata describes one output file. It is appended once and never rewritten.
type PartitionMetadata struct {
	Symbol         string   `json:"symbol"`
	PartitionPath  string   `json:"partition_path"`
	FileName       string   `json:"file_name"`
	RowCount       int64    `json:"row_count"`
	FileSizeBytes  int64    `json:"file_size_bytes"`
	TimestampMin   int64    `json:"timestamp_min"`
	TimestampMax   int64    `json:"timestamp_max"`
	EventTypes     []string `json:"event_types"`
	WriteTimestamp int64    `json:"write_timestamp"`
	Checksum       string   `json:"checksum,omitempty"`
}

// Overlaps reports whether [TimestampMin, TimestampMax] intersects [start, end].
func (m PartitionMetadata) Overlaps(start, end int64) bool {
	return m.TimestampMax >= start && m.TimestampMin <= end
}

// HasEventType reports whether the partition holds rows of the given type.
func (m PartitionMetadata) HasEventType(eventType string) bool {
	return slices.Contains(m.EventTypes, eventType)
}

// WrittenAt returns the write timestamp as a time.
func (m PartitionMetadata) WrittenAt() time.Time {
	return time.Unix(0, m.WriteTimestamp).UTC()
}

// ReadStats summarises one pass over the manifest.
type ReadStats struct {
	Valid   int
	Skipped int
}
