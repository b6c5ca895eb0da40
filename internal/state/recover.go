// Package state rebuilds a replayer from the newest checkpoint plus the WAL tail.
package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/yanun0323/logs"

	"lobreplay/internal/checkpoint"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
	"lobreplay/internal/wal"
	"lobreplay/pkg/exception"
)

// RecoverConfig controls checkpoint + WAL recovery.
type RecoverConfig struct {
	Checkpoints *checkpoint.Manager
	WALDir      string
	WALPrefix   string
	Replayer    *replay.Replayer
	// Emit receives the records produced while rolling forward. Nil discards them.
	Emit func([]replay.Record) error
}

// RecoverResult describes where processing resumes.
type RecoverResult struct {
	// Checkpoint is nil when the replayer started from scratch.
	Checkpoint       *checkpoint.Info
	State            checkpoint.PipelineState
	SegmentsReplayed int
	EventsReplayed   int
	EventsSkipped    int
	LastUpdateID     int64
	NextSeq          uint64
	ResumeOffset     int64
	CurrentFile      string
	EventsProcessed  int64
}

// Recover restores the newest valid checkpoint into cfg.Replayer and replays the WAL
// events recorded after it. A missing checkpoint replays the whole WAL. A checkpoint of
// a foreign symbol or version aborts recovery.
func Recover(ctx context.Context, cfg RecoverConfig) (RecoverResult, error) {
	if cfg.Replayer == nil {
		return RecoverResult{}, fmt.Errorf("%w: replayer is nil", exception.ErrNilInstance)
	}
	if cfg.WALDir == "" {
		return RecoverResult{}, fmt.Errorf("%w: wal dir is empty", exception.ErrInvalidArgument)
	}

	var res RecoverResult
	if cfg.Checkpoints != nil {
		st, info, err := cfg.Checkpoints.LoadLatest()
		switch {
		case errors.Is(err, exception.ErrNoCheckpoint):
			logs.Infof("recover: no checkpoint, replaying full wal, dir: %s", cfg.WALDir)
		case err != nil:
			return RecoverResult{}, err
		default:
			if err := cfg.Replayer.Restore(st.Replay); err != nil {
				return RecoverResult{}, fmt.Errorf("restore checkpoint %s: %w", info.Path, err)
			}
			res.Checkpoint = &info
			res.State = st
			res.LastUpdateID = st.LastUpdateID
			res.NextSeq = st.NextSeq
			res.ResumeOffset = st.FileOffset
			res.CurrentFile = st.CurrentFile
			res.EventsProcessed = st.EventsProcessed
			logs.Infof("recover: checkpoint loaded, path: %s, update_id: %d, next_seq: %d", info.Path, st.LastUpdateID, st.NextSeq)
		}
	}

	segments, err := wal.RecoverSegments(cfg.WALDir, cfg.WALPrefix)
	if err != nil {
		return RecoverResult{}, err
	}

	cpUID, cpSeq := res.LastUpdateID, res.NextSeq
	var tail []schema.Event
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return RecoverResult{}, err
		}
		if res.Checkpoint != nil && !segmentAfter(seg, cpUID, cpSeq) {
			continue
		}
		res.SegmentsReplayed++
		err := wal.ReadSegment(seg, func(e wal.Entry) error {
			h := e.Event.Header
			if h.Seq+1 > res.NextSeq {
				res.NextSeq = h.Seq + 1
			}
			if e.SourceOffset > res.ResumeOffset {
				res.ResumeOffset = e.SourceOffset
			}
			if res.Checkpoint != nil && applied(h, cpSeq) {
				res.EventsSkipped++
				return nil
			}
			tail = append(tail, e.Event)
			return nil
		})
		if err != nil {
			return RecoverResult{}, err
		}
	}

	if len(tail) > 0 {
		records, err := cfg.Replayer.Execute(tail)
		if err != nil {
			return RecoverResult{}, fmt.Errorf("replay wal tail: %w", err)
		}
		if cfg.Emit != nil {
			if err := cfg.Emit(records); err != nil {
				return RecoverResult{}, err
			}
		}
	}
	res.EventsReplayed = len(tail)
	res.EventsProcessed += int64(len(tail))
	if uid := cfg.Replayer.LastUpdateID(); uid > res.LastUpdateID {
		res.LastUpdateID = uid
	}

	logs.Infof("recover: done, segments: %d, replayed: %d, skipped: %d, next_seq: %d, resume_offset: %d",
		res.SegmentsReplayed, res.EventsReplayed, res.EventsSkipped, res.NextSeq, res.ResumeOffset)
	return res, nil
}

// segmentAfter reports whether seg may hold events the checkpoint has not applied.
func segmentAfter(seg wal.Segment, cpUID int64, cpSeq uint64) bool {
	return seg.LastUpdateID > cpUID || seg.LastSeq >= cpSeq
}

// applied reports whether the checkpoint already covers the event. Checkpoints are
// only taken between batches, so every arrival before cpSeq is in the restored state.
// Update ids are not used here: a late delta may carry an id below the checkpoint's.
func applied(h schema.EventHeader, cpSeq uint64) bool {
	return h.Seq < cpSeq
}
