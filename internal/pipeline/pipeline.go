// Package pipeline hosts the replay of one symbol: source rows are normalized, logged to
// the WAL, replayed into the book, and written out, with checkpoints along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/yanun0323/logs"

	"lobreplay/internal/checkpoint"
	"lobreplay/internal/manifest"
	"lobreplay/internal/normalize"
	"lobreplay/internal/obs"
	"lobreplay/internal/replay"
	"lobreplay/internal/schema"
	"lobreplay/internal/sink"
	"lobreplay/internal/source"
	"lobreplay/internal/state"
	"lobreplay/internal/wal"
	"lobreplay/pkg/exception"
)

// Result summarises a finished run.
type Result struct {
	Recovered       state.RecoverResult
	EventsProcessed int64
	RowsRejected    int64
	LastUpdateID    int64
	Final           checkpoint.Info
	Counters        replay.Counters
}

// Pipeline is not safe for concurrent use. Run it on its own goroutine, one per symbol.
type Pipeline struct {
	cfg      Config
	src      source.Source
	norm     *normalize.Normalizer
	replayer *replay.Replayer
	wal      *wal.Manager
	ckpt     *checkpoint.Manager
	sink     *sink.Writer
	metrics  *obs.Metrics
	driftLog *driftLog

	batch           []schema.Event
	lastOffset      int64
	currentFile     string
	eventsProcessed int64
	rejected        int64
	nextSeq         uint64
	startedAt       time.Time
	startEvents     int64
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithMetrics reports into m.
func WithMetrics(m *obs.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRegistry mirrors written partitions into r.
func WithRegistry(r sink.Registry) Option {
	return func(p *Pipeline) { p.sink.SetRegistry(r) }
}

// New builds every component of the symbol. Nothing is read until Run.
func New(cfg Config, src source.Source, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: source", exception.ErrNilInstance)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	replayer, err := replay.New(cfg.Replay)
	if err != nil {
		return nil, err
	}
	walManager, err := wal.NewManager(cfg.WAL)
	if err != nil {
		return nil, err
	}
	ckpt, err := checkpoint.NewManager(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	tracker, err := manifest.NewTracker(cfg.Manifest)
	if err != nil {
		ckpt.Close()
		return nil, err
	}
	writer, err := sink.NewWriter(cfg.Output, tracker)
	if err != nil {
		ckpt.Close()
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		src:      src,
		norm:     normalize.NewNormalizer(cfg.Symbol),
		replayer: replayer,
		wal:      walManager,
		ckpt:     ckpt,
		sink:     writer,
		batch:    make([]schema.Event, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	if cfg.DriftLog != "" {
		p.driftLog = newDriftLog(cfg.DriftLog, cfg.Symbol)
		replayer.Drift().SetExporter(p.driftLog.Write)
	}
	if p.metrics != nil {
		walManager.SetFlushHook(p.metrics.ObserveWALFlush)
		ckpt.SetObserver(p.metrics)
		writer.SetPartitionHook(p.metrics.ObservePartition)
	}
	return p, nil
}

// Replayer exposes the replayer for inspection after Run returns.
func (p *Pipeline) Replayer() *replay.Replayer {
	return p.replayer
}

// Run recovers, then consumes the source until io.EOF or ctx ends. Both are a clean
// stop: buffered work is flushed and a final checkpoint is written before returning.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	// WAL writes must outlive ctx so the shutdown flush can complete.
	if err := p.wal.Start(context.WithoutCancel(ctx)); err != nil {
		return Result{}, err
	}

	rec, err := state.Recover(ctx, state.RecoverConfig{
		Checkpoints: p.ckpt,
		WALDir:      p.cfg.WAL.Dir,
		WALPrefix:   p.wal.Config().FilePrefix,
		Replayer:    p.replayer,
		Emit:        p.emit,
	})
	if err != nil {
		_ = p.wal.Close()
		p.ckpt.Close()
		return Result{}, fmt.Errorf("recover %s: %w", p.cfg.Symbol, err)
	}
	if err := p.resume(rec); err != nil {
		_ = p.wal.Close()
		p.ckpt.Close()
		return Result{}, err
	}

	runErr := p.consume(ctx)
	final, stopErr := p.stop(ctx)

	res := Result{
		Recovered:       rec,
		EventsProcessed: p.eventsProcessed,
		RowsRejected:    p.rejected,
		LastUpdateID:    p.replayer.LastUpdateID(),
		Final:           final,
		Counters:        p.replayer.Counters(),
	}
	return res, errors.Join(runErr, stopErr)
}

func (p *Pipeline) resume(rec state.RecoverResult) error {
	p.nextSeq = rec.NextSeq
	p.norm.SetSeq(rec.NextSeq)
	p.eventsProcessed = rec.EventsProcessed
	p.currentFile = rec.CurrentFile
	p.lastOffset = rec.ResumeOffset
	p.startedAt = time.Now()
	p.startEvents = p.eventsProcessed
	if rec.Checkpoint != nil {
		p.ckpt.Resume(rec.State)
	}

	if rec.ResumeOffset > 0 {
		seeker, ok := p.src.(source.Seeker)
		if !ok {
			logs.Warnf("pipeline: source cannot seek, symbol: %s, resume offset: %d", p.cfg.Symbol, rec.ResumeOffset)
			return nil
		}
		if err := seeker.Seek(rec.ResumeOffset); err != nil {
			return fmt.Errorf("seek source to %d: %w", rec.ResumeOffset, err)
		}
	}
	logs.Infof("pipeline: resumed, symbol: %s, next seq: %d, offset: %d, events: %d",
		p.cfg.Symbol, p.nextSeq, p.lastOffset, p.eventsProcessed)
	return nil
}

func (p *Pipeline) consume(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, p.cfg.IdleTimeout)
		msg, err := p.src.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return p.process(ctx)
		case ctx.Err() != nil:
			return p.process(ctx)
		case errors.Is(err, context.DeadlineExceeded):
			if err := p.process(ctx); err != nil {
				return err
			}
			continue
		case errors.Is(err, exception.ErrMalformedEventBody):
			p.metrics.IncMalformed()
			p.rejected++
			logs.Warnf("pipeline: skip malformed row, symbol: %s, err: %+v", p.cfg.Symbol, err)
			continue
		default:
			return fmt.Errorf("read source: %w", err)
		}

		ev, err := p.norm.Normalize(msg.Row)
		if err != nil {
			if errors.Is(err, exception.ErrMissingUpdateID) {
				// events before the bad row are already in the WAL
				return errors.Join(fmt.Errorf("normalize %s@%d: %w", msg.File, msg.Offset, err), p.process(ctx))
			}
			p.metrics.IncRowError()
			p.rejected++
			logs.Warnf("pipeline: skip row, symbol: %s, file: %s, offset: %d, err: %+v", p.cfg.Symbol, msg.File, msg.Offset, err)
			continue
		}
		if err := p.wal.AppendEventAt(ev, msg.Offset); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
		p.batch = append(p.batch, ev)
		p.currentFile = msg.File
		p.lastOffset = msg.Offset

		if len(p.batch) >= p.cfg.BatchSize {
			if err := p.process(ctx); err != nil {
				return err
			}
		}
	}
}

// process replays the pending batch, writes its records, and checks the triggers.
func (p *Pipeline) process(ctx context.Context) error {
	if len(p.batch) > 0 {
		start := time.Now()
		records, err := p.replayer.Execute(p.batch)
		if err != nil {
			return fmt.Errorf("replay %s: %w", p.cfg.Symbol, err)
		}
		p.metrics.ObserveBatch(time.Since(start))
		for _, ev := range p.batch {
			if ev.Header.Seq >= p.nextSeq {
				p.nextSeq = ev.Header.Seq + 1
			}
		}
		p.eventsProcessed += int64(len(p.batch))
		p.batch = p.batch[:0]

		if err := p.emit(records); err != nil {
			logs.Errorf("pipeline: output write failed, symbol: %s, err: %+v", p.cfg.Symbol, err)
		}
	}

	if p.ckpt.MaybeTrigger(p.eventsProcessed, p.snapshot) {
		p.commit(ctx)
	}
	return nil
}

func (p *Pipeline) emit(records []replay.Record) error {
	for i := range records {
		p.metrics.ObserveRecord(&records[i])
	}
	return p.sink.Write(context.Background(), records)
}

// commit makes the WAL durable and then acknowledges the consumed rows upstream.
func (p *Pipeline) commit(ctx context.Context) {
	if err := p.wal.Flush(); err != nil {
		logs.Errorf("pipeline: wal flush failed, symbol: %s, err: %+v", p.cfg.Symbol, err)
		return
	}
	committer, ok := p.src.(source.Committer)
	if !ok {
		return
	}
	if err := committer.Commit(ctx); err != nil {
		logs.Warnf("pipeline: source commit failed, symbol: %s, err: %+v", p.cfg.Symbol, err)
	}
}

func (p *Pipeline) snapshot() checkpoint.PipelineState {
	rate := 0.0
	if elapsed := time.Since(p.startedAt).Seconds(); elapsed > 0 {
		rate = float64(p.eventsProcessed-p.startEvents) / elapsed
	}
	return checkpoint.PipelineState{
		Symbol:          p.cfg.Symbol,
		Replay:          p.replayer.Snapshot(),
		LastUpdateID:    p.replayer.LastUpdateID(),
		CurrentFile:     p.currentFile,
		FileOffset:      p.lastOffset,
		EventsProcessed: p.eventsProcessed,
		NextSeq:         p.nextSeq,
		ProcessingRate:  rate,
	}
}

// stop flushes the WAL and output and writes the awaited shutdown checkpoint.
func (p *Pipeline) stop(ctx context.Context) (checkpoint.Info, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StopTimeout)
	defer cancel()

	var errs []error
	if err := p.wal.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("wal flush: %w", err))
	}
	if err := p.sink.Close(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("output flush: %w", err))
	}

	info, err := p.ckpt.Shutdown(stopCtx, p.snapshot)
	if err != nil {
		errs = append(errs, fmt.Errorf("shutdown checkpoint: %w", err))
	}
	if committer, ok := p.src.(source.Committer); ok && err == nil {
		if err := committer.Commit(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("source commit: %w", err))
		}
	}
	if err := p.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("wal close: %w", err))
	}
	p.ckpt.Close()
	if err := p.driftLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("drift log close: %w", err))
	}
	if err := p.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("source close: %w", err))
	}

	logs.Infof("pipeline: stopped, symbol: %s, events: %d, rejected: %d, last update id: %d",
		p.cfg.Symbol, p.eventsProcessed, p.rejected, p.replayer.LastUpdateID())
	return info, errors.Join(errs...)
}
