package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"lobreplay/internal/catalog"
	"lobreplay/internal/manifest"
	"lobreplay/internal/obs"
	"lobreplay/internal/ops"
	"lobreplay/internal/pipeline"
	"lobreplay/internal/sink"
	"lobreplay/internal/source"
	"lobreplay/pkg/conn"
)

func main() {
	configPath := flag.String("config", "replay.yaml", "Path to JSON or YAML config")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loaded, err := ops.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("replay: shutdown requested, draining pipelines")
			cancel()
		case <-ctx.Done():
		}
	}()

	if loaded.Profile.Pyroscope.ServerAddress != "" {
		profiler, err := startProfiler(loaded.Profile.Pyroscope)
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	registry, closeRegistry, err := openCatalog(ctx, loaded)
	if err != nil {
		return err
	}
	defer closeRegistry()

	promRegistry := prometheus.NewRegistry()
	pipelines := make([]*pipeline.Pipeline, 0, len(loaded.Symbols))
	for _, sc := range loaded.Symbols {
		p, err := buildPipeline(sc, promRegistry, registry)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", sc.Pipeline.Symbol, err)
		}
		pipelines = append(pipelines, p)
	}

	if addr := loaded.Metrics.Addr; addr != "" {
		go func() {
			if err := obs.Serve(ctx, addr, promRegistry); err != nil {
				logs.Errorf("replay: metrics server stopped, addr: %s, err: %+v", addr, err)
			}
		}()
	}
	if interval := loaded.Metrics.MemoryInterval.Std(); interval > 0 {
		go new(obs.MemoryReporter).Run(ctx, interval)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(pipelines))
	)
	for i, p := range pipelines {
		symbol := loaded.Symbols[i].Pipeline.Symbol
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Run(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("symbol %s: %w", symbol, err)
			}
			logs.Infof("replay: finished, symbol: %s, events: %d, rejected: %d, last update id: %d, gaps: %d, resyncs: %d",
				symbol, res.EventsProcessed, res.RowsRejected, res.LastUpdateID,
				res.Counters.Gaps, res.Counters.DriftResyncs+res.Counters.GapResyncs)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func buildPipeline(sc ops.SymbolConfig, reg prometheus.Registerer, registry sink.Registry) (*pipeline.Pipeline, error) {
	var (
		src source.Source
		err error
	)
	switch {
	case sc.Kafka != nil:
		src, err = source.NewKafkaSource(*sc.Kafka)
	default:
		src, err = source.NewFileSource(sc.InputPath)
	}
	if err != nil {
		return nil, err
	}

	metrics := obs.NewMetrics()
	if err := obs.Register(reg, sc.Pipeline.Symbol, metrics); err != nil {
		_ = src.Close()
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithMetrics(metrics)}
	if registry != nil {
		opts = append(opts, pipeline.WithRegistry(registry))
	}
	p, err := pipeline.New(sc.Pipeline, src, opts...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return p, nil
}

// openCatalog connects the partition catalog when configured and backfills it from
// every manifest in use.
func openCatalog(ctx context.Context, loaded ops.Loaded) (sink.Registry, func(), error) {
	if loaded.Catalog == nil {
		return nil, func() {}, nil
	}
	client, err := conn.New(*loaded.Catalog)
	if err != nil {
		return nil, nil, fmt.Errorf("catalog connect: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logs.Errorf("replay: catalog close, err: %+v", err)
		}
	}
	if err := client.Ping(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("catalog ping: %w", err)
	}
	cat, err := catalog.New(client.DB())
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if err := cat.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("catalog migrate: %w", err)
	}

	var synced []string
	for _, sc := range loaded.Symbols {
		if slices.Contains(synced, sc.Pipeline.Manifest.Path) {
			continue
		}
		synced = append(synced, sc.Pipeline.Manifest.Path)
		tracker, err := manifest.NewTracker(sc.Pipeline.Manifest)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		n, err := cat.SyncFromManifest(ctx, tracker)
		if err != nil {
			logs.Warnf("replay: catalog backfill failed, manifest: %s, err: %+v", tracker.Path(), err)
			continue
		}
		logs.Infof("replay: catalog backfilled, manifest: %s, entries: %d", tracker.Path(), n)
	}
	return cat, closeFn, nil
}

func startProfiler(cfg ops.PyroscopeConfig) (*pyroscope.Profiler, error) {
	name := cfg.ApplicationName
	if name == "" {
		name = "lobreplay"
	}
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Infof("pyroscope: "+format, args...) }
func (profilerLogger) Debugf(_ string, _ ...interface{})         {}
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf("pyroscope: "+format, args...) }
