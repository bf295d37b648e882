package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	serverReadHeaderTimeout = 5 * time.Second
	serverShutdownTimeout   = 5 * time.Second
)

// Server runs an HTTP endpoint (ingest or debug) tied to a lifecycle context.
// Params: listen address, handler, and logger for diagnostics.
// Returns: runnable HTTP server instance.
type Server struct {
	listen string
	ln     net.Listener
	server *http.Server
	logger *slog.Logger
}

// NewServer creates an HTTP server and binds to the listen address.
// Params: listen address in host:port; handler HTTP handler; logger root logger.
// Returns: server instance or bind error.
func NewServer(listen string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}

	return &Server{
		listen: listen,
		ln:     ln,
		server: server,
		logger: logger,
	}, nil
}

// Addr returns the bound listener address.
// Params: none.
// Returns: listener address (useful with ":0").
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Run starts serving and shuts down on context cancellation.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; error on early serve failures.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()
	s.logger.Info("http server started", slog.String("listen", s.Addr()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		err := <-errCh
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("http server stopped unexpectedly", slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}
