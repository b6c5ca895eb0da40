package obs

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/logs"

	"lobreplay/internal/schema"
)

const namespace = "lobreplay"

// Register exports m through reg. Collectors read the counters on scrape.
func Register(reg prometheus.Registerer, symbol string, m *Metrics) error {
	labels := prometheus.Labels{"symbol": symbol}
	counter := func(name, help string, fn func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		}, func() float64 { return fn(m.Snapshot()) })
	}
	gauge := func(name, help string, fn func(Snapshot) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
		}, func() float64 { return fn(m.Snapshot()) })
	}

	collectors := []prometheus.Collector{
		counter("sequence_gaps_total", "Detected update id gaps.", func(s Snapshot) float64 { return float64(s.Gaps) }),
		counter("sequence_missing_ids_total", "Update ids missing inside gaps.", func(s Snapshot) float64 { return float64(s.MissingIDs) }),
		counter("drift_checks_total", "Snapshot comparisons against the live book.", func(s Snapshot) float64 { return float64(s.DriftChecks) }),
		counter("drift_exceeded_total", "Comparisons above the drift threshold.", func(s Snapshot) float64 { return float64(s.DriftExceeds) }),
		counter("resyncs_total", "Book replacements from snapshots.", func(s Snapshot) float64 { return float64(s.Resyncs) }),
		counter("row_errors_total", "Rows rejected by the normalizer.", func(s Snapshot) float64 { return float64(s.RowErrors) }),
		counter("malformed_rows_total", "Source rows that failed to decode.", func(s Snapshot) float64 { return float64(s.MalformedRows) }),
		counter("wal_events_total", "Events durably written to the WAL.", func(s Snapshot) float64 { return float64(s.WALEvents) }),
		counter("wal_flush_failures_total", "Failed WAL segment writes.", func(s Snapshot) float64 { return float64(s.WALFailures) }),
		counter("checkpoints_total", "Persisted checkpoints.", func(s Snapshot) float64 { return float64(s.CheckpointWrites) }),
		counter("checkpoint_failures_total", "Failed checkpoint writes.", func(s Snapshot) float64 { return float64(s.CheckpointFailures) }),
		counter("output_rows_total", "Rows written to output partitions.", func(s Snapshot) float64 { return float64(s.RowsWritten) }),
		counter("output_bytes_total", "Bytes written to output partitions.", func(s Snapshot) float64 { return float64(s.BytesWritten) }),
		gauge("drift_rms_last", "RMS error of the latest snapshot comparison.", func(s Snapshot) float64 { return s.LastDriftRMS }),
		gauge("checkpoint_copy_seconds_max", "Slowest in-memory checkpoint copy.", func(s Snapshot) float64 { return s.CheckpointCopy.Max.Seconds() }),
		gauge("wal_flush_seconds_avg", "Average WAL segment write latency.", func(s Snapshot) float64 { return s.WALFlushLatency.Avg.Seconds() }),
		gauge("batch_seconds_avg", "Average replay batch latency.", func(s Snapshot) float64 { return s.BatchLatency.Avg.Seconds() }),
	}
	for t := schema.EventTrade; t <= schema.EventBookDelta; t++ {
		eventType := t
		collectors = append(collectors, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Replayed events by type.",
			ConstLabels: prometheus.Labels{"symbol": symbol, "event_type": eventType.String()},
		}, func() float64 { return float64(m.Snapshot().EventCounts[eventType]) }))
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Serve exposes gatherer on addr until ctx ends.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("metrics: serving, addr: %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
