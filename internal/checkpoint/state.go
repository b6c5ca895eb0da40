package checkpoint

import (
	"lobreplay/internal/replay"
)

// Version is the checkpoint file schema version.
const Version = 1

// PipelineState is the checkpoint payload: a value copy of the replayer plus the
// ingestion position.
type PipelineState struct {
	Symbol              string       `json:"symbol"`
	Replay              replay.State `json:"replay"`
	LastUpdateID        int64        `json:"last_update_id"`
	CurrentFile         string       `json:"current_file"`
	FileOffset          int64        `json:"file_offset"`
	EventsProcessed     int64        `json:"events_processed"`
	NextSeq             uint64       `json:"next_seq"`
	ProcessingRate      float64      `json:"processing_rate"`
	CheckpointTimestamp int64        `json:"checkpoint_timestamp"`
}

// StateProvider returns a deep copy of the live pipeline state. It runs on the
// ingestion goroutine.
type StateProvider func() PipelineState

// Reason names what caused a checkpoint.
type Reason string

const (
	ReasonInterval Reason = "interval"
	ReasonEvents   Reason = "events"
	ReasonManual   Reason = "manual"
	ReasonShutdown Reason = "shutdown"
)

// envelope is the on-disk form. The metadata fields are checked before the state is used.
type envelope struct {
	Symbol            string        `json:"symbol"`
	CheckpointVersion int           `json:"checkpoint_version"`
	UpdateID          int64         `json:"update_id"`
	CreatedAt         int64         `json:"created_at"`
	ID                string        `json:"id"`
	Reason            Reason        `json:"reason"`
	State             PipelineState `json:"state"`
}

// Info describes a persisted checkpoint.
type Info struct {
	ID        string
	Path      string
	Symbol    string
	UpdateID  int64
	CreatedAt int64
	Reason    Reason
	Size      int64
}
