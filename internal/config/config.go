package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel          = "info"
	defaultLogFormat         = "line"
	defaultQueueSize         = 1024
	defaultFormatter         = FormatterGeneral
	defaultShutdownTimeout   = 5 * time.Second
	defaultSinkKind          = SinkInfluxDB
	defaultInfluxPort        = 8086
	defaultPrometheusPort    = 9090
	defaultPrometheusPath    = "/api/v1/write"
	defaultConnectTimeout    = time.Second
	maxConnectTimeout        = 30 * time.Second
	defaultDNSTimeout        = 800 * time.Millisecond
	defaultGPUProbeCommand   = "nvidia-smi -L"
	defaultIngestPath        = "/write"
	defaultIngestMaxBody     = 4 << 20
	defaultHostStatsInterval = 10 * time.Second
	defaultPprofListen       = "127.0.0.1:6060"
)

const (
	// FormatterGeneral selects "<hardware>_ip_info" points.
	FormatterGeneral = "general"
	// FormatterActor selects actor_metrics points with role/actor_id tags.
	FormatterActor = "actor"

	// SinkInfluxDB selects the InfluxDB 1.x HTTP write API.
	SinkInfluxDB = "influxdb"
	// SinkPrometheus selects Prometheus remote write.
	SinkPrometheus = "prometheus"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root relay configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global    GlobalConfig    `toml:"global"`
	Log       LogConfig       `toml:"log"`
	Pprof     PprofConfig     `toml:"pprof"`
	Relay     RelayConfig     `toml:"relay"`
	Sink      SinkConfig      `toml:"sink"`
	Ingest    IngestConfig    `toml:"ingest"`
	HostStats HostStatsConfig `toml:"hoststats"`
}

// GlobalConfig contains static tag sources.
// Params: optional host/hardware overrides, GPU probe command and extra tags.
// Returns: static tag settings.
type GlobalConfig struct {
	Host            string            `toml:"host"`
	Hardware        string            `toml:"hardware"`
	GPUProbeCommand string            `toml:"gpu_probe_command"`
	Tags            map[string]string `toml:"tags"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// RelayConfig defines the record pipeline.
// Params: queue capacity, formatter variant, shutdown drain deadline and stats log period.
// Returns: pipeline settings.
type RelayConfig struct {
	QueueSize       int      `toml:"queue_size"`
	Formatter       string   `toml:"formatter"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	StatsInterval   Duration `toml:"stats_interval"`
}

// SinkConfig defines the remote time-series store.
// Params: backend kind, endpoint, credentials and connection timing.
// Returns: sink writer settings.
type SinkConfig struct {
	Kind           string   `toml:"kind"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Database       string   `toml:"database"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	Secure         bool     `toml:"secure"`
	Path           string   `toml:"path"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	RetryBackoff   Duration `toml:"retry_backoff"`
	DNSServers     []string `toml:"dns_servers"`
	DNSTimeout     Duration `toml:"dns_timeout"`
}

// IngestConfig defines built-in producer surfaces.
// Params: stdin JSON-lines toggle, exit-on-EOF flag and optional HTTP listener.
// Returns: ingest settings.
type IngestConfig struct {
	Stdin        bool   `toml:"stdin"`
	ExitOnEOF    bool   `toml:"exit_on_eof"`
	HTTPListen   string `toml:"http_listen"`
	HTTPPath     string `toml:"http_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// HostStatsConfig defines the built-in host self-telemetry producer.
// Params: enabled flag, sampling interval and record name.
// Returns: sampler settings.
type HostStatsConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Process  bool     `toml:"process"`
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	return readConfigDir(path)
}

// readConfigDir concatenates config snippets from one directory.
// Params: path to directory that contains *.toml files.
// Returns: concatenated TOML content or error.
func readConfigDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		if len(raw) == 0 || raw[len(raw)-1] != '\n' {
			builder.WriteByte('\n')
		}
		builder.WriteByte('\n')
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: none.
func (c *Config) applyDefaults() {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	c.Global.Host = strings.TrimSpace(c.Global.Host)
	c.Global.Hardware = strings.ToLower(strings.TrimSpace(c.Global.Hardware))
	if strings.TrimSpace(c.Global.GPUProbeCommand) == "" {
		c.Global.GPUProbeCommand = defaultGPUProbeCommand
	}

	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}

	if c.Relay.QueueSize == 0 {
		c.Relay.QueueSize = defaultQueueSize
	}
	c.Relay.Formatter = lowerOrDefault(c.Relay.Formatter, defaultFormatter)
	if c.Relay.ShutdownTimeout.Duration == 0 {
		c.Relay.ShutdownTimeout.Duration = defaultShutdownTimeout
	}

	c.Sink.Kind = lowerOrDefault(c.Sink.Kind, defaultSinkKind)
	c.Sink.Host = strings.TrimSpace(c.Sink.Host)
	if c.Sink.Port == 0 {
		switch c.Sink.Kind {
		case SinkPrometheus:
			c.Sink.Port = defaultPrometheusPort
		default:
			c.Sink.Port = defaultInfluxPort
		}
	}
	if c.Sink.Kind == SinkPrometheus && strings.TrimSpace(c.Sink.Path) == "" {
		c.Sink.Path = defaultPrometheusPath
	}
	if c.Sink.ConnectTimeout.Duration == 0 {
		c.Sink.ConnectTimeout.Duration = defaultConnectTimeout
	}
	if c.Sink.WriteTimeout.Duration == 0 {
		c.Sink.WriteTimeout.Duration = c.Sink.ConnectTimeout.Duration
	}
	if len(c.Sink.DNSServers) > 0 && c.Sink.DNSTimeout.Duration == 0 {
		c.Sink.DNSTimeout.Duration = defaultDNSTimeout
	}

	if strings.TrimSpace(c.Ingest.HTTPPath) == "" {
		c.Ingest.HTTPPath = defaultIngestPath
	}
	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = defaultIngestMaxBody
	}

	if c.HostStats.Interval.Duration == 0 {
		c.HostStats.Interval.Duration = defaultHostStatsInterval
	}
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validatePprofConfig("pprof", c.Pprof); err != nil {
		return err
	}

	switch c.Global.Hardware {
	case "", "cpu", "gpu":
	default:
		return fmt.Errorf("global.hardware must be one of: cpu, gpu")
	}
	for key := range c.Global.Tags {
		switch strings.TrimSpace(key) {
		case "":
			return fmt.Errorf("global.tags contains empty key")
		case "ip_port", "type", "role", "actor_id":
			return fmt.Errorf("global.tags.%s is reserved", key)
		}
	}

	if err := validateRelayConfig("relay", c.Relay); err != nil {
		return err
	}
	if err := validateSinkConfig("sink", c.Sink); err != nil {
		return err
	}
	if err := validateIngestConfig("ingest", c.Ingest); err != nil {
		return err
	}
	if c.HostStats.Enabled && c.HostStats.Interval.Duration <= 0 {
		return fmt.Errorf("hoststats.interval must be > 0")
	}

	return nil
}

// validateRelayConfig validates pipeline settings.
// Params: path config path prefix; cfg relay section.
// Returns: validation error or nil.
func validateRelayConfig(path string, cfg RelayConfig) error {
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("%s.queue_size must be > 0", path)
	}
	switch cfg.Formatter {
	case FormatterGeneral, FormatterActor:
	default:
		return fmt.Errorf("%s.formatter must be one of: general, actor", path)
	}
	if cfg.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("%s.shutdown_timeout must be > 0", path)
	}
	if err := validateNonNegativeDurationField(path+".stats_interval", cfg.StatsInterval.Duration); err != nil {
		return err
	}
	return nil
}

// validateSinkConfig validates time-series store connection settings.
// Params: path config path prefix; cfg sink section.
// Returns: validation error or nil.
func validateSinkConfig(path string, cfg SinkConfig) error {
	switch cfg.Kind {
	case SinkInfluxDB, SinkPrometheus:
	default:
		return fmt.Errorf("%s.kind must be one of: influxdb, prometheus", path)
	}
	if cfg.Host == "" {
		return fmt.Errorf("%s.host is required", path)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%s.port must be within 1..65535", path)
	}
	if cfg.Kind == SinkInfluxDB && strings.TrimSpace(cfg.Database) == "" {
		return fmt.Errorf("%s.database is required for influxdb", path)
	}
	if cfg.Kind == SinkPrometheus && !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("%s.path must start with /", path)
	}
	if cfg.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("%s.connect_timeout must be > 0", path)
	}
	if cfg.ConnectTimeout.Duration > maxConnectTimeout {
		return fmt.Errorf("%s.connect_timeout must be <= %s", path, maxConnectTimeout)
	}
	if cfg.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("%s.write_timeout must be > 0", path)
	}
	if err := validateNonNegativeDurationField(path+".retry_backoff", cfg.RetryBackoff.Duration); err != nil {
		return err
	}
	for idx, server := range cfg.DNSServers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			return fmt.Errorf("%s.dns_servers[%d] must be host:port: %w", path, idx, err)
		}
	}
	return nil
}

// validateIngestConfig validates built-in producer surfaces.
// Params: path config path prefix; cfg ingest section.
// Returns: validation error or nil.
func validateIngestConfig(path string, cfg IngestConfig) error {
	if strings.TrimSpace(cfg.HTTPListen) != "" {
		if _, _, err := net.SplitHostPort(cfg.HTTPListen); err != nil {
			return fmt.Errorf("%s.http_listen must be host:port: %w", path, err)
		}
	}
	if !strings.HasPrefix(cfg.HTTPPath, "/") {
		return fmt.Errorf("%s.http_path must start with /", path)
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("%s.max_body_bytes must be > 0", path)
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	if err := validateLogLevel(sink.Level); err != nil {
		return fmt.Errorf("%s.level: %w", name, err)
	}
	if err := validateLogFormat(sink.Format); err != nil {
		return fmt.Errorf("%s.format: %w", name, err)
	}

	return nil
}

// validateLogLevel validates known log levels.
// Params: level is lower-case level name.
// Returns: error when level is unsupported.
func validateLogLevel(level string) error {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case "info", "warn", "error", "debug":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", level)
	}
}

// validateLogFormat validates supported sink formats.
// Params: format is lower-case format name.
// Returns: error when format is unsupported.
func validateLogFormat(format string) error {
	switch strings.TrimSpace(strings.ToLower(format)) {
	case "line", "json":
		return nil
	default:
		return fmt.Errorf("unsupported value %q", format)
	}
}

// validatePprofConfig validates optional pprof endpoint settings.
// Params: path is config path prefix; cfg pprof section.
// Returns: validation error for invalid listen endpoint.
func validatePprofConfig(path string, cfg PprofConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// validateNonNegativeDurationField validates that duration is not negative.
// Params: fieldPath full config field path; value duration value.
// Returns: validation error or nil.
func validateNonNegativeDurationField(fieldPath string, value time.Duration) error {
	if value < 0 {
		return fmt.Errorf("%s cannot be negative", fieldPath)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
