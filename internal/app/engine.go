package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mrelay/internal/config"
	"mrelay/internal/hostinfo"
	"mrelay/internal/ingest"
	"mrelay/internal/metrics"
	"mrelay/internal/pipeline"
	"mrelay/internal/sink"
)

type engineDeps struct {
	probe      func(context.Context, hostinfo.Options, *slog.Logger) (pipeline.StaticTags, error)
	newDialer  func(config.SinkConfig, *slog.Logger) (pipeline.Dialer, error)
	collectors func(withProcess bool) []metrics.Collector
}

// defaultEngineDeps provides production relay dependencies.
// Params: none.
// Returns: dependency set used by newRelayEngine.
func defaultEngineDeps() engineDeps {
	return engineDeps{
		probe: func(ctx context.Context, opts hostinfo.Options, logger *slog.Logger) (pipeline.StaticTags, error) {
			return hostinfo.NewProber(logger).Probe(ctx, opts)
		},
		newDialer: func(cfg config.SinkConfig, logger *slog.Logger) (pipeline.Dialer, error) {
			dialer, err := sink.NewDialer(cfg, logger)
			if err != nil {
				return nil, err
			}
			return dialer, nil
		},
		collectors: metrics.DefaultCollectors,
	}
}

type producer struct {
	name string
	run  func(context.Context) error
}

// relayEngine owns one pipeline and the built-in producers feeding it.
type relayEngine struct {
	cfg       *config.Config
	logger    *slog.Logger
	pipeline  *pipeline.Pipeline
	producers []producer
}

// newRelayEngine resolves static tags, builds and starts the pipeline, then builds configured producers.
// The returned engine accepts Offer immediately; Run must follow to release the pipeline.
// Params: ctx bounds host probing; cfg validated config; logger diagnostics; deps injectable factories.
// Returns: engine or build error.
func newRelayEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps engineDeps) (*relayEngine, error) {
	tags, err := deps.probe(ctx, hostinfo.Options{
		Host:         cfg.Global.Host,
		Hardware:     cfg.Global.Hardware,
		ProbeCommand: cfg.Global.GPUProbeCommand,
		ExtraTags:    cfg.Global.Tags,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("probe host: %w", err)
	}

	var formatter pipeline.Formatter
	switch cfg.Relay.Formatter {
	case config.FormatterActor:
		formatter = pipeline.NewActorFormatter(tags)
	default:
		formatter = pipeline.NewGeneralFormatter(tags)
	}

	dialer, err := deps.newDialer(cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("build sink dialer: %w", err)
	}

	relay, err := pipeline.New(pipeline.Options{
		QueueSize:       cfg.Relay.QueueSize,
		ShutdownTimeout: cfg.Relay.ShutdownTimeout.Duration,
		Writer: pipeline.WriterConfig{
			ConnectTimeout: cfg.Sink.ConnectTimeout.Duration,
			WriteTimeout:   cfg.Sink.WriteTimeout.Duration,
			RetryBackoff:   cfg.Sink.RetryBackoff.Duration,
		},
	}, formatter, dialer, logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	if err := relay.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}

	engine := &relayEngine{cfg: cfg, logger: logger, pipeline: relay}

	if cfg.HostStats.Enabled {
		sampler, err := metrics.NewSampler(metrics.SamplerConfig{
			Interval:   cfg.HostStats.Interval.Duration,
			Collectors: deps.collectors(cfg.HostStats.Process),
			Submit:     relay.Submit,
		}, logger)
		if err != nil {
			relay.Stop()
			return nil, fmt.Errorf("build host stats sampler: %w", err)
		}
		engine.producers = append(engine.producers, producer{name: "hoststats", run: sampler.Run})
	}

	if cfg.Ingest.HTTPListen != "" {
		handler := ingest.NewHandler(cfg.Ingest.HTTPPath, cfg.Ingest.MaxBodyBytes, relay, logger)
		server, err := ingest.NewServer(cfg.Ingest.HTTPListen, handler, logger.With(slog.String("server", "ingest")))
		if err != nil {
			relay.Stop()
			return nil, fmt.Errorf("start http ingest: %w", err)
		}
		engine.producers = append(engine.producers, producer{name: "http_ingest", run: server.Run})
	}

	return engine, nil
}

// Offer forwards one record into the pipeline.
// Params: record producer payload.
// Returns: true when enqueued.
func (e *relayEngine) Offer(record any) bool {
	return e.pipeline.Offer(record)
}

// Run runs the producers until ctx is done, then stops them before draining the pipeline.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop or first producer failure.
func (e *relayEngine) Run(ctx context.Context) error {
	defer e.pipeline.Stop()

	producerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(e.producers))
	var wg sync.WaitGroup
	for _, item := range e.producers {
		wg.Add(1)
		go func(p producer) {
			defer wg.Done()
			if err := p.run(producerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", p.name, err)
			}
		}(item)
	}

	var statsC <-chan time.Time
	if interval := e.cfg.Relay.StatsInterval.Duration; interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case <-statsC:
			e.logStats()
		}
	}

	cancel()
	wg.Wait()
	return runErr
}

// logStats emits one pipeline counter snapshot.
// Params: none.
// Returns: none.
func (e *relayEngine) logStats() {
	stats := e.pipeline.Stats()
	e.logger.Info(
		"relay stats",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("rejected", stats.Rejected),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("written", stats.Written),
		slog.Uint64("write_failed", stats.WriteFailed),
		slog.Uint64("format_failed", stats.FormatFailed),
		slog.Int("pending", stats.Pending),
	)
}
