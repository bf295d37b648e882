package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// MaxWriteAttempts bounds deliveries per point: one write plus one retry after reconnect.
	MaxWriteAttempts = 2
)

// ConnState is the sink writer connection state.
// Params: none.
// Returns: enum value.
type ConnState uint8

const (
	// StateConnected means the writer holds a live connection.
	StateConnected ConnState = iota
	// StateReconnecting means the last connection was discarded and a new one is needed.
	StateReconnecting
	// StateFailed means the retry budget of the last point was exhausted.
	StateFailed
)

// String returns the state name used in logs.
func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WriterConfig defines sink writer timing.
// Params: connect timeout for dials; write timeout per attempt; backoff before retry.
// Returns: writer settings.
type WriterConfig struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	RetryBackoff   time.Duration
}

// SinkWriter owns the sink connection and delivers one point at a time.
// Only the consumer goroutine calls it, so it holds no locks.
type SinkWriter struct {
	cfg    WriterConfig
	dialer Dialer
	target SinkTarget
	logger *slog.Logger

	conn  SinkConnection
	state ConnState

	sleep func(context.Context, time.Duration)
}

// NewSinkWriter creates a writer without connecting.
// Params: cfg timing settings; dialer connection factory; logger diagnostics output.
// Returns: writer or error on missing dependencies.
func NewSinkWriter(cfg WriterConfig, dialer Dialer, logger *slog.Logger) (*SinkWriter, error) {
	if dialer == nil {
		return nil, fmt.Errorf("sink dialer is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &SinkWriter{
		cfg:    cfg,
		dialer: dialer,
		target: dialer.Target(),
		logger: logger.With(slog.String("sink", dialer.Target().Kind)),
		state:  StateReconnecting,
		sleep:  sleepContext,
	}, nil
}

// State returns the current connection state.
// Params: none.
// Returns: state enum.
func (w *SinkWriter) State() ConnState {
	return w.state
}

// Connect establishes the initial connection if none is held.
// Params: ctx lifecycle context.
// Returns: *ConnectError on dial failure.
func (w *SinkWriter) Connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	return w.reconnect(ctx)
}

// Write delivers one point, reconnecting and retrying once on failure.
// Errors wrapping ErrPointRejected end the attempt loop with the connection kept.
// Params: ctx lifecycle context; point formatted point.
// Returns: nil on success or *WriteError carrying the last cause.
func (w *SinkWriter) Write(ctx context.Context, point Point) error {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= MaxWriteAttempts; attempt++ {
		if w.conn == nil {
			if err := w.reconnect(ctx); err != nil {
				lastErr = err
				if attempt < MaxWriteAttempts {
					w.backoff(ctx)
				}
				continue
			}
		}

		attempts++
		err := w.writeOnce(ctx, point)
		w.logAttempt(point, attempts, err)
		if err == nil {
			w.state = StateConnected
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrPointRejected) {
			break
		}
		w.discard()
		if attempt < MaxWriteAttempts {
			w.backoff(ctx)
		}
	}

	if w.conn == nil {
		w.state = StateFailed
	}
	return &WriteError{
		Endpoint:    w.target.Endpoint(),
		Measurement: point.Measurement,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

// Close releases the held connection.
// Params: none.
// Returns: close error from the connection.
func (w *SinkWriter) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	w.state = StateReconnecting
	return err
}

// writeOnce runs one write with the configured per-attempt timeout.
// Params: ctx lifecycle context; point payload.
// Returns: connection write error.
func (w *SinkWriter) writeOnce(ctx context.Context, point Point) error {
	writeCtx := ctx
	if w.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
	}
	return w.conn.Write(writeCtx, point)
}

// reconnect dials a new connection for the same target.
// Params: ctx lifecycle context.
// Returns: *ConnectError on dial failure.
func (w *SinkWriter) reconnect(ctx context.Context) error {
	w.state = StateReconnecting

	dialCtx := ctx
	if w.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, w.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := w.dialer.Dial(dialCtx)
	if err != nil {
		w.logger.Warn(
			"sink connect failed",
			slog.String("endpoint", w.target.Endpoint()),
			slog.String("error", err.Error()),
		)
		return &ConnectError{Endpoint: w.target.Endpoint(), Err: err}
	}

	w.conn = conn
	w.state = StateConnected
	return nil
}

// discard closes and forgets the current connection after a failure.
// Params: none.
// Returns: none.
func (w *SinkWriter) discard() {
	if w.conn == nil {
		return
	}
	if err := w.conn.Close(); err != nil {
		w.logger.Debug("close failed sink connection", slog.String("error", err.Error()))
	}
	w.conn = nil
	w.state = StateReconnecting
}

// backoff waits the configured delay before a retry.
// Params: ctx cancels the wait.
// Returns: none.
func (w *SinkWriter) backoff(ctx context.Context) {
	if w.cfg.RetryBackoff <= 0 {
		return
	}
	w.sleep(ctx, w.cfg.RetryBackoff)
}

// logAttempt emits the per-attempt diagnostic line (field names only).
// Params: point written; attempt number; err attempt result.
// Returns: none.
func (w *SinkWriter) logAttempt(point Point, attempt int, err error) {
	attrs := []any{
		slog.String("endpoint", w.target.Endpoint()),
		slog.String("db", w.target.Database),
		slog.String("measurement", point.Measurement),
		slog.Any("tags", point.Tags),
		slog.Any("fields", point.FieldKeys()),
		slog.Int("attempt", attempt),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		w.logger.Warn("emit failed", attrs...)
		return
	}
	w.logger.Info("emit", attrs...)
}

// sleepContext sleeps for d or until ctx is done.
// Params: ctx cancels the wait; d delay.
// Returns: none.
func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
