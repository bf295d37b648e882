package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	pprofhttp "net/http/pprof"

	"mrelay/internal/config"
	"mrelay/internal/ingest"
)

// pprofMux registers the runtime profiling handlers.
// Params: none.
// Returns: mux serving /debug/pprof/*.
func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)
	return mux
}

// startPprofServer binds the optional pprof endpoint and serves it until stop or ctx cancellation.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; logger reports runtime events.
// Returns: stop function (idempotent, waits for shutdown) and bind error.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	server, err := ingest.NewServer(cfg.Listen, pprofMux(), logger.With(slog.String("server", "pprof")))
	if err != nil {
		return nil, fmt.Errorf("pprof: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Run(runCtx); err != nil {
			logger.Error("pprof server failed", slog.String("addr", cfg.Listen), slog.String("error", err.Error()))
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
