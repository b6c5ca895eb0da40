// Package catalog mirrors the partition manifest into a SQL table for range queries.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lobreplay/internal/manifest"
	"lobreplay/pkg/exception"
)

// Partition is one row per output file.
type Partition struct {
	ID             uint   `gorm:"primaryKey"`
	Symbol         string `gorm:"size:32;index:idx_partition_range,priority:1"`
	PartitionPath  string `gorm:"size:255"`
	FileName       string `gorm:"size:128;uniqueIndex"`
	RowCount       int64
	FileSizeBytes  int64
	TimestampMin   int64 `gorm:"index:idx_partition_range,priority:2"`
	TimestampMax   int64
	EventTypes     string `gorm:"size:128"`
	WriteTimestamp int64
	Checksum       string `gorm:"size:80"`
	CreatedAt      time.Time
}

// TableName pins the table name.
func (Partition) TableName() string {
	return "replay_partitions"
}

func fromMetadata(meta manifest.PartitionMetadata) Partition {
	return Partition{
		Symbol:         meta.Symbol,
		PartitionPath:  meta.PartitionPath,
		FileName:       meta.FileName,
		RowCount:       meta.RowCount,
		FileSizeBytes:  meta.FileSizeBytes,
		TimestampMin:   meta.TimestampMin,
		TimestampMax:   meta.TimestampMax,
		EventTypes:     strings.Join(meta.EventTypes, ","),
		WriteTimestamp: meta.WriteTimestamp,
		Checksum:       meta.Checksum,
	}
}

func (p Partition) metadata() manifest.PartitionMetadata {
	var events []string
	if p.EventTypes != "" {
		events = strings.Split(p.EventTypes, ",")
	}
	return manifest.PartitionMetadata{
		Symbol:         p.Symbol,
		PartitionPath:  p.PartitionPath,
		FileName:       p.FileName,
		RowCount:       p.RowCount,
		FileSizeBytes:  p.FileSizeBytes,
		TimestampMin:   p.TimestampMin,
		TimestampMax:   p.TimestampMax,
		EventTypes:     events,
		WriteTimestamp: p.WriteTimestamp,
		Checksum:       p.Checksum,
	}
}

// Catalog stores partition rows.
type Catalog struct {
	db *gorm.DB
}

// New wraps db. Call Migrate before first use.
func New(db *gorm.DB) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: catalog db", exception.ErrNilInstance)
	}
	return &Catalog{db: db}, nil
}

// Migrate creates or updates the table.
func (c *Catalog) Migrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&Partition{})
}

// RecordPartition inserts meta. A file already recorded is left untouched.
func (c *Catalog) RecordPartition(ctx context.Context, meta manifest.PartitionMetadata) error {
	row := fromMetadata(meta)
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "file_name"}}, DoNothing: true}).
		Create(&row).Error
}

// Range returns the partitions of symbol overlapping [start, end], oldest first.
func (c *Catalog) Range(ctx context.Context, symbol string, start, end int64) ([]manifest.PartitionMetadata, error) {
	var rows []Partition
	err := c.db.WithContext(ctx).
		Where("symbol = ? AND timestamp_max >= ? AND timestamp_min <= ?", symbol, start, end).
		Order("timestamp_min, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]manifest.PartitionMetadata, len(rows))
	for i := range rows {
		out[i] = rows[i].metadata()
	}
	return out, nil
}

// Count returns the number of recorded partitions of symbol.
func (c *Catalog) Count(ctx context.Context, symbol string) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&Partition{}).Where("symbol = ?", symbol).Count(&n).Error
	return n, err
}

// SyncFromManifest records every valid manifest entry and returns how many were read.
func (c *Catalog) SyncFromManifest(ctx context.Context, tracker *manifest.Tracker) (int, error) {
	entries, _, err := tracker.Read()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	rows := make([]Partition, len(entries))
	for i := range entries {
		rows[i] = fromMetadata(entries[i])
	}
	err = c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "file_name"}}, DoNothing: true}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}
