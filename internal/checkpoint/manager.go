// Package checkpoint takes point-in-time copies of the pipeline state and persists
// them off the ingestion path.
package checkpoint

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"lobreplay/pkg/exception"
)

// Stats are the checkpoint counters.
type Stats struct {
	Created        int64
	Persisted      int64
	Failed         int64
	SkippedBusy    int64
	SkippedGrace   int64
	LastCopyNanos  int64
	LastWriteNanos int64
	LastUpdateID   int64
}

// Observer receives copy and write latencies.
type Observer interface {
	ObserveCheckpointCopy(d time.Duration)
	ObserveCheckpointWrite(d time.Duration, err error)
}

// Manager decides when to checkpoint. The copy runs synchronously on the caller; the
// write runs on its own goroutine with at most one write in flight.
type Manager struct {
	cfg      Config
	store    *Store
	now      func() time.Time
	observer Observer

	wg       sync.WaitGroup
	inFlight atomic.Bool

	lastAt     time.Time
	lastEvents int64

	created        atomic.Int64
	persisted      atomic.Int64
	failed         atomic.Int64
	skippedBusy    atomic.Int64
	skippedGrace   atomic.Int64
	lastCopyNanos  atomic.Int64
	lastWriteNanos atomic.Int64
	lastUpdateID   atomic.Int64
}

// NewManager creates a manager and its store.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := NewStore(cfg.Dir, cfg.MaxCheckpoints)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		now:   time.Now,
	}
	m.lastAt = m.now()
	return m, nil
}

// SetObserver installs a latency observer.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Store exposes the underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// LoadLatest loads the newest valid checkpoint of the configured symbol.
func (m *Manager) LoadLatest() (PipelineState, Info, error) {
	return m.store.LoadLatest(m.cfg.Symbol)
}

// Resume aligns the trigger baseline with a restored state so the event trigger counts
// from the recovered position.
func (m *Manager) Resume(st PipelineState) {
	m.lastEvents = st.EventsProcessed
	m.lastAt = m.now()
	m.lastUpdateID.Store(st.LastUpdateID)
}

// MaybeTrigger starts a checkpoint when the interval or event-count trigger fired.
// It reports whether a write was started.
func (m *Manager) MaybeTrigger(eventsProcessed int64, provider StateProvider) bool {
	now := m.now()
	var reason Reason
	switch {
	case m.cfg.Interval > 0 && now.Sub(m.lastAt) >= m.cfg.Interval:
		reason = ReasonInterval
	case m.cfg.EventInterval > 0 && eventsProcessed-m.lastEvents >= m.cfg.EventInterval:
		reason = ReasonEvents
	default:
		return false
	}
	return m.trigger(now, reason, provider)
}

// Trigger starts a manual checkpoint, subject to the grace period.
func (m *Manager) Trigger(provider StateProvider) bool {
	return m.trigger(m.now(), ReasonManual, provider)
}

func (m *Manager) trigger(now time.Time, reason Reason, provider StateProvider) bool {
	if m.cfg.GracePeriod > 0 && now.Sub(m.lastAt) < m.cfg.GracePeriod {
		m.skippedGrace.Add(1)
		return false
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		m.skippedBusy.Add(1)
		return false
	}

	st := m.Create(provider)
	m.lastAt = now
	m.lastEvents = st.EventsProcessed

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Store(false)
		if _, err := m.persist(st, reason); err != nil {
			logs.Errorf("checkpoint: persist failed, symbol: %s, reason: %s, err: %+v", st.Symbol, reason, err)
		}
	}()
	return true
}

// Create takes the in-memory copy and stamps it.
func (m *Manager) Create(provider StateProvider) PipelineState {
	start := time.Now()
	st := provider()
	st.Symbol = m.cfg.Symbol
	st.CheckpointTimestamp = m.now().UnixNano()
	elapsed := time.Since(start)
	m.created.Add(1)
	m.lastCopyNanos.Store(int64(elapsed))
	if m.observer != nil {
		m.observer.ObserveCheckpointCopy(elapsed)
	}
	return st
}

func (m *Manager) persist(st PipelineState, reason Reason) (Info, error) {
	start := time.Now()
	info, err := m.store.Persist(st, reason)
	elapsed := time.Since(start)
	m.lastWriteNanos.Store(int64(elapsed))
	if m.observer != nil {
		m.observer.ObserveCheckpointWrite(elapsed, err)
	}
	if err != nil {
		m.failed.Add(1)
		return Info{}, err
	}
	m.persisted.Add(1)
	m.lastUpdateID.Store(info.UpdateID)
	return info, nil
}

// Wait blocks until the in-flight write, if any, has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for the in-flight write, then writes the final checkpoint
// synchronously, ignoring the grace period.
func (m *Manager) Shutdown(ctx context.Context, provider StateProvider) (Info, error) {
	if err := m.Wait(ctx); err != nil {
		return Info{}, err
	}
	if !m.inFlight.CompareAndSwap(false, true) {
		return Info{}, exception.ErrCheckpointInFlight
	}
	defer m.inFlight.Store(false)

	st := m.Create(provider)
	m.lastAt = m.now()
	m.lastEvents = st.EventsProcessed
	info, err := m.persist(st, ReasonShutdown)
	if err != nil {
		return Info{}, err
	}
	logs.Infof("checkpoint: shutdown checkpoint written, symbol: %s, update id: %d, path: %s", info.Symbol, info.UpdateID, info.Path)
	return info, nil
}

// Close releases the store. Call after Shutdown.
func (m *Manager) Close() {
	m.wg.Wait()
	m.store.Close()
}

// Stats returns the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Created:        m.created.Load(),
		Persisted:      m.persisted.Load(),
		Failed:         m.failed.Load(),
		SkippedBusy:    m.skippedBusy.Load(),
		SkippedGrace:   m.skippedGrace.Load(),
		LastCopyNanos:  m.lastCopyNanos.Load(),
		LastWriteNanos: m.lastWriteNanos.Load(),
		LastUpdateID:   m.lastUpdateID.Load(),
	}
}
