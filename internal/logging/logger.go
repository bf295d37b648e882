package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"mrelay/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
	ansiGray   = "\x1b[90m"
)

// New builds a slog logger from console/file sink settings.
// Params: cfg log section with console and file sinks.
// Returns: logger, idempotent close function for file sinks, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		handler, err := newHandler(cfg.Console, &colorLineWriter{dst: os.Stdout}, os.Stdout)
		if err != nil {
			return nil, nil, fmt.Errorf("console sink: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("file sink: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("file sink: open %q: %w", cfg.File.Path, err)
		}
		handler, err := newHandler(cfg.File, file, file)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("file sink: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, nil)
	case 1:
		handler = handlers[0]
	default:
		handler = fanoutHandler(handlers)
	}

	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			for _, closer := range closers {
				_ = closer.Close()
			}
		})
	}

	return slog.New(handler), closeFn, nil
}

// newHandler creates one slog handler for a sink.
// Params: sink options; lineOut writer for line format; jsonOut writer for json format.
// Returns: handler or error on unknown level/format.
func newHandler(sink config.LogSinkConfig, lineOut, jsonOut io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "", "line":
		return slog.NewTextHandler(lineOut, opts), nil
	case "json":
		return slog.NewJSONHandler(jsonOut, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

// parseLevel maps config level names to slog levels.
// Params: value level name.
// Returns: slog level or error.
func parseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanoutHandler duplicates records to every configured sink.
type fanoutHandler []slog.Handler

// Enabled reports whether any sink accepts the level.
func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards record clones to sinks enabled for its level.
func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs applies attrs to every sink.
func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithAttrs(attrs)
	}
	return out
}

// WithGroup applies group to every sink.
func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for idx, handler := range h {
		out[idx] = handler.WithGroup(name)
	}
	return out
}

// colorLineWriter colors slog text lines by level and highlights value tokens.
// Lines without a known level pass through unchanged.
type colorLineWriter struct {
	mu  sync.Mutex
	dst io.Writer
}

// Write colors one text handler line.
// Params: p raw line bytes, optionally newline-terminated.
// Returns: len(p) and destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := p
	newline := false
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
		newline = true
	}

	base := levelColor(line)
	if base == "" {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var out bytes.Buffer
	out.Grow(len(p) + 64)
	out.WriteString(base)
	renderTokens(&out, line, base)
	out.WriteString(ansiReset)
	if newline {
		out.WriteByte('\n')
	}

	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor picks the base color from the level attribute.
// Params: line text handler line.
// Returns: ANSI sequence or empty string for unknown level.
func levelColor(line []byte) string {
	switch {
	case bytes.Contains(line, []byte("level=ERROR")):
		return ansiRed
	case bytes.Contains(line, []byte("level=WARN")):
		return ansiYellow
	case bytes.Contains(line, []byte("level=INFO")):
		return ansiBlue
	case bytes.Contains(line, []byte("level=DEBUG")):
		return ansiGray
	default:
		return ""
	}
}

// renderTokens writes line highlighting quoted strings, IPs and numbers.
// Params: out destination buffer; line source; base color restored after each token.
// Returns: none.
func renderTokens(out *bytes.Buffer, line []byte, base string) {
	for idx := 0; idx < len(line); {
		char := line[idx]
		switch {
		case char == '"':
			end := closingQuote(line, idx)
			writeColored(out, ansiGreen, line[idx:end], base)
			idx = end
		case char == ' ' || char == '=':
			out.WriteByte(char)
			idx++
		default:
			end := idx
			for end < len(line) && line[end] != ' ' && line[end] != '=' {
				end++
			}
			token := line[idx:end]
			switch {
			case end < len(line) && line[end] == '=':
				out.Write(token)
			case isIPToken(token):
				writeColored(out, ansiCyan, token, base)
			case isNumberToken(token):
				writeColored(out, ansiYellow, token, base)
			default:
				out.Write(token)
			}
			idx = end
		}
	}
}

// closingQuote finds the end index (exclusive) of a quoted token.
// Params: line source; start index of opening quote.
// Returns: index after closing quote or len(line).
func closingQuote(line []byte, start int) int {
	for idx := start + 1; idx < len(line); idx++ {
		switch line[idx] {
		case '\\':
			idx++
		case '"':
			return idx + 1
		}
	}
	return len(line)
}

// writeColored wraps token in color and restores the base color.
// Params: out destination; color token color; token bytes; base line color.
// Returns: none.
func writeColored(out *bytes.Buffer, color string, token []byte, base string) {
	out.WriteString(color)
	out.Write(token)
	out.WriteString(ansiReset)
	out.WriteString(base)
}

// isIPToken reports whether token is an IP or IP:port.
func isIPToken(token []byte) bool {
	value := string(token)
	if net.ParseIP(value) != nil {
		return true
	}
	host, _, err := net.SplitHostPort(value)
	return err == nil && net.ParseIP(host) != nil
}

// isNumberToken reports whether token parses as a number.
func isNumberToken(token []byte) bool {
	_, err := strconv.ParseFloat(string(token), 64)
	return err == nil
}
