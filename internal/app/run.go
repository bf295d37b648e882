package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"mrelay/internal/config"
	"mrelay/internal/ingest"
	"mrelay/internal/logging"
)

// Runtime defines runtime inputs required to start the relay.
// Params: ConfigPath points to the TOML configuration; Reload triggers hot reload; Stdin feeds JSON records.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	Reload     <-chan struct{}
	Stdin      io.Reader
}

type engineRunner interface {
	Run(context.Context) error
}

type runDeps struct {
	loadConfig func(string) (*config.Config, error)
	newLogger  func(config.LogConfig) (*slog.Logger, func(), error)
	startPprof func(context.Context, config.PprofConfig, *slog.Logger) (func(), error)
	newEngine  func(context.Context, *config.Config, *slog.Logger) (engineRunner, error)
}

type activeRuntime struct {
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func()
	cancel      context.CancelFunc
	done        chan error
	stopPprof   func()
	engine      engineRunner
}

// recordFeed forwards long-lived producer input to whichever engine is active.
// Records offered between engines are dropped.
type recordFeed struct {
	target atomic.Pointer[ingest.Offerer]
}

// Offer forwards record to the active engine.
// Params: record producer payload.
// Returns: false when no engine accepts records.
func (f *recordFeed) Offer(record any) bool {
	target := f.target.Load()
	if target == nil {
		return false
	}
	return (*target).Offer(record)
}

// attach points the feed at engine when it accepts records.
// Params: engine active runner or nil.
// Returns: none.
func (f *recordFeed) attach(engine engineRunner) {
	offerer, ok := engine.(ingest.Offerer)
	if !ok {
		f.target.Store(nil)
		return
	}
	f.target.Store(&offerer)
}

// Run loads configuration, starts runtime, and supports hot reload via Runtime.Reload.
// Params: ctx controls lifecycle; rt provides runtime inputs and optional reload trigger channel.
// Returns: error on startup/reload failure without rollback, nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

// runWithDeps executes runtime lifecycle using injectable dependencies.
// Params: ctx controls lifecycle; rt runtime inputs; deps start/reload dependencies.
// Returns: runtime error or nil on graceful stop.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	if strings.TrimSpace(rt.ConfigPath) == "" {
		return fmt.Errorf("config path is required")
	}

	active, err := buildRuntimeFromPath(ctx, rt.ConfigPath, deps)
	if err != nil {
		return err
	}

	sup := &supervisor{rt: rt, deps: deps, feed: &recordFeed{}, active: active}
	sup.feed.attach(active.engine)
	return sup.loop(ctx)
}

type streamOutcome struct {
	result ingest.Result
	err    error
}

// supervisor keeps one runtime active and the stdin reader attached to it across reloads.
type supervisor struct {
	rt     Runtime
	deps   runDeps
	feed   *recordFeed
	active *activeRuntime
}

// loop serves runner exit, shutdown, stdin EOF and reload events.
// Params: ctx root lifecycle context.
// Returns: runtime error or nil on graceful stop.
func (s *supervisor) loop(ctx context.Context) error {
	stdinDone := s.startStdin(ctx)
	reloadCh := s.rt.Reload
	for {
		select {
		case runErr := <-s.active.done:
			s.active.done = nil
			if ctx.Err() != nil {
				return s.shutdown(ctx.Err().Error(), nil)
			}
			if runErr == nil {
				runErr = errors.New("runner exited without context cancellation")
			}
			s.active.logger.Error("relay stopped unexpectedly", slog.String("error", runErr.Error()))
			return s.shutdown("", fmt.Errorf("run relay: %w", runErr))
		case <-ctx.Done():
			return s.shutdown(ctx.Err().Error(), nil)
		case out := <-stdinDone:
			stdinDone = nil
			if ctx.Err() != nil {
				continue
			}
			s.active.logger.Info(
				"stream ingest finished",
				slog.Int("accepted", out.result.Accepted),
				slog.Int("dropped", out.result.Dropped),
			)
			if out.err != nil {
				s.active.logger.Error("stdin ingest failed", slog.String("error", out.err.Error()))
			}
			if !s.active.cfg.Ingest.ExitOnEOF {
				continue
			}
			if out.err != nil {
				return s.shutdown("stdin closed", fmt.Errorf("stdin ingest: %w", out.err))
			}
			return s.shutdown("stdin closed", nil)
		case _, ok := <-reloadCh:
			if !ok {
				reloadCh = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			next, reloadErr := reloadActiveRuntime(ctx, s.rt.ConfigPath, s.active, s.deps, s.feed)
			if next == nil {
				return reloadErr
			}
			s.active = next
		}
	}
}

// startStdin launches the stdin reader once; it outlives reloads and feeds the active engine.
// Params: ctx root lifecycle context.
// Returns: outcome channel, or nil when stdin ingest is off.
func (s *supervisor) startStdin(ctx context.Context) <-chan streamOutcome {
	if !s.active.cfg.Ingest.Stdin || s.rt.Stdin == nil {
		return nil
	}
	done := make(chan streamOutcome, 1)
	go func() {
		result, err := ingest.ReadStream(ctx, s.rt.Stdin, s.feed)
		done <- streamOutcome{result: result, err: err}
	}()
	return done
}

// shutdown detaches the feed, stops the active runtime and closes its logger.
// Params: reason logged on stop when non-empty; err returned unchanged.
// Returns: err.
func (s *supervisor) shutdown(reason string, err error) error {
	s.feed.attach(nil)
	s.active.stopRuntime()
	if reason != "" {
		s.active.logger.Info("relay stopped", slog.String("reason", reason))
	}
	s.active.closeLoggerSink()
	return err
}

// defaultRunDeps provides production runtime dependencies.
// Params: none.
// Returns: dependency set used by Run.
func defaultRunDeps() runDeps {
	return runDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		startPprof: startPprofServer,
		newEngine: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engineRunner, error) {
			engine, err := newRelayEngine(ctx, cfg, logger, defaultEngineDeps())
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
	}
}

// buildRuntimeFromPath loads validated config from file path and starts runtime components.
// Params: ctx root lifecycle context; path config file path; deps runtime dependency set.
// Returns: active runtime or startup error.
func buildRuntimeFromPath(ctx context.Context, path string, deps runDeps) (*activeRuntime, error) {
	cfg, err := deps.loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	runtime, err := buildRuntimeFromConfig(ctx, cfg, deps, nil, nil)
	if err != nil {
		return nil, err
	}
	return runtime, nil
}

// buildRuntimeFromConfig starts runtime components from already loaded config.
// Params: ctx root lifecycle context; cfg validated config; deps runtime dependency set; logger/closeFn optional logger override.
// Returns: active runtime or startup error.
func buildRuntimeFromConfig(
	ctx context.Context,
	cfg *config.Config,
	deps runDeps,
	logger *slog.Logger,
	closeFn func(),
) (*activeRuntime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", ctx.Err())
	}

	ownsLogger := false
	if logger == nil {
		createdLogger, loggerCloseFn, err := deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		logger = createdLogger
		closeFn = loggerCloseFn
		ownsLogger = true
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopPprof, err := deps.startPprof(runCtx, cfg.Pprof, logger)
	if err != nil {
		cancel()
		if ownsLogger && closeFn != nil {
			closeFn()
		}
		return nil, fmt.Errorf("start pprof: %w", err)
	}

	engine, err := deps.newEngine(runCtx, cfg, logger)
	if err != nil {
		stopPprof()
		cancel()
		if ownsLogger && closeFn != nil {
			closeFn()
		}
		return nil, fmt.Errorf("build relay: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(runCtx)
	}()

	logStartup(logger, cfg)
	return &activeRuntime{
		cfg:         cfg,
		logger:      logger,
		closeLogger: closeFn,
		cancel:      cancel,
		done:        done,
		stopPprof:   stopPprof,
		engine:      engine,
	}, nil
}

// reloadActiveRuntime applies config reload with validation and rollback.
// The feed is detached only while no engine runs; records offered in that window are dropped.
// Params: ctx root lifecycle context; path config file path; active currently running runtime; deps runtime dependency set; feed stdin record feed.
// Returns: active runtime to keep running and optional reload error (non-fatal when rollback succeeds).
func reloadActiveRuntime(
	ctx context.Context,
	path string,
	active *activeRuntime,
	deps runDeps,
	feed *recordFeed,
) (*activeRuntime, error) {
	active.logger.Info("config reload requested")

	nextCfg, err := deps.loadConfig(path)
	if err != nil {
		active.logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return active, fmt.Errorf("reload config: %w", err)
	}

	nextLogger, nextCloseFn, err := deps.newLogger(nextCfg.Log)
	if err != nil {
		active.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return active, fmt.Errorf("init reload logger: %w", err)
	}

	feed.attach(nil)
	active.stopRuntime()
	nextRuntime, startErr := buildRuntimeFromConfig(ctx, nextCfg, deps, nextLogger, nextCloseFn)
	if startErr == nil {
		feed.attach(nextRuntime.engine)
		active.closeLoggerSink()
		nextRuntime.logger.Info("config reload applied")
		return nextRuntime, nil
	}
	nextCloseFn()
	if ctx.Err() != nil {
		active.logger.Info("config reload interrupted by shutdown")
		return active, nil
	}

	active.logger.Error("config reload apply failed, restoring previous runtime", slog.String("error", startErr.Error()))
	rollbackRuntime, rollbackErr := buildRuntimeFromConfig(ctx, active.cfg, deps, active.logger, active.closeLogger)
	if rollbackErr != nil {
		active.closeLoggerSink()
		return nil, fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, rollbackErr)
	}

	feed.attach(rollbackRuntime.engine)
	rollbackRuntime.logger.Warn("config reload rejected, previous runtime restored", slog.String("error", startErr.Error()))
	return rollbackRuntime, fmt.Errorf("apply reload: %w", startErr)
}

// stopRuntime stops relay and pprof components while keeping logger open.
// Params: none.
// Returns: none.
func (r *activeRuntime) stopRuntime() {
	if r == nil {
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.done != nil {
		<-r.done
		r.done = nil
	}
	if r.stopPprof != nil {
		r.stopPprof()
		r.stopPprof = nil
	}
}

// closeLoggerSink closes active logger resources.
// Params: none.
// Returns: none.
func (r *activeRuntime) closeLoggerSink() {
	if r == nil {
		return
	}
	if r.closeLogger != nil {
		r.closeLogger()
		r.closeLogger = nil
	}
}

// logStartup emits initial startup metadata.
// Params: logger is initialized slog logger; cfg is validated runtime config.
// Returns: none.
func logStartup(logger *slog.Logger, cfg *config.Config) {
	logger.Info(
		"relay runtime started",
		slog.String("sink", cfg.Sink.Kind),
		slog.String("sink_host", cfg.Sink.Host),
		slog.Int("sink_port", cfg.Sink.Port),
		slog.String("formatter", cfg.Relay.Formatter),
		slog.Int("queue_size", cfg.Relay.QueueSize),
		slog.Bool("stdin", cfg.Ingest.Stdin),
		slog.String("http_listen", cfg.Ingest.HTTPListen),
		slog.Bool("hoststats", cfg.HostStats.Enabled),
	)
}
