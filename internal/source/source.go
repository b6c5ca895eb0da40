// Package source feeds raw rows into the pipeline.
package source

import (
	"context"

	"lobreplay/internal/normalize"
)

// Message is one raw row. Offset is the position just after it; resuming at Offset
// continues with the next row. File names the input the row came from.
type Message struct {
	Row    normalize.Row
	File   string
	Offset int64
}

// Source yields rows in arrival order and io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Seeker is implemented by sources that can resume from a recorded position.
type Seeker interface {
	Seek(offset int64) error
}

// Committer is implemented by sources that acknowledge consumed rows upstream. The
// pipeline commits only after the rows are durable in the WAL.
type Committer interface {
	Commit(ctx context.Context) error
}
