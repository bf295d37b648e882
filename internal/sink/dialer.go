package sink

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"mrelay/internal/config"
	"mrelay/internal/pipeline"
)

// Dialer builds backend connections for the configured sink.
// Host resolution happens on every dial so DNS changes apply on reconnect.
type Dialer struct {
	cfg      config.SinkConfig
	target   pipeline.SinkTarget
	resolver *Resolver
	logger   *slog.Logger

	newInflux func(addr, database, username, password string, timeout time.Duration) (pipeline.SinkConnection, error)
	newProm   func(url string) pipeline.SinkConnection
}

// NewDialer validates sink settings and returns a pipeline dialer.
// Params: cfg sink section; logger diagnostics output.
// Returns: dialer or error for unknown backends.
func NewDialer(cfg config.SinkConfig, logger *slog.Logger) (*Dialer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	switch cfg.Kind {
	case config.SinkInfluxDB, config.SinkPrometheus:
	default:
		return nil, fmt.Errorf("unsupported sink kind %q", cfg.Kind)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("sink host is required")
	}

	return &Dialer{
		cfg: cfg,
		target: pipeline.SinkTarget{
			Kind:     cfg.Kind,
			Host:     cfg.Host,
			Port:     cfg.Port,
			Database: cfg.Database,
		},
		resolver: NewResolver(cfg.DNSServers, cfg.DNSTimeout.Duration),
		logger:   logger.With(slog.String("sink", cfg.Kind)),
		newInflux: func(addr, database, username, password string, timeout time.Duration) (pipeline.SinkConnection, error) {
			return newInfluxConn(addr, database, username, password, timeout)
		},
		newProm: func(url string) pipeline.SinkConnection {
			return newPromConn(url)
		},
	}, nil
}

// Target returns the configured destination.
func (d *Dialer) Target() pipeline.SinkTarget {
	return d.target
}

// Dial resolves the host and opens a backend connection.
// Params: ctx bounds resolution.
// Returns: fresh connection or resolution/setup error.
func (d *Dialer) Dial(ctx context.Context) (pipeline.SinkConnection, error) {
	ip, err := d.resolver.Resolve(ctx, d.cfg.Host)
	if err != nil {
		return nil, err
	}
	base := d.baseURL(ip)
	if d.cfg.Secure {
		// TLS verification needs the configured name in the URL.
		base = d.baseURL(d.cfg.Host)
	}
	d.logger.Debug("dial sink", slog.String("host", d.cfg.Host), slog.String("url", base))

	switch d.cfg.Kind {
	case config.SinkPrometheus:
		return d.newProm(base + d.cfg.Path), nil
	default:
		return d.newInflux(base, d.cfg.Database, d.cfg.Username, d.cfg.Password, d.cfg.ConnectTimeout.Duration)
	}
}

// baseURL builds scheme://ip:port for one resolved address.
// Params: ip resolved address.
// Returns: base URL without trailing slash.
func (d *Dialer) baseURL(ip string) string {
	scheme := "http"
	if d.cfg.Secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(ip, strconv.Itoa(d.cfg.Port))
}
