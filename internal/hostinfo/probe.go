package hostinfo

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"

	"mrelay/internal/pipeline"
)

const (
	defaultProbeTimeout = 3 * time.Second
	nvidiaProcPath      = "/proc/driver/nvidia/gpus"
)

// Options controls static tag discovery.
// Params: optional host/hardware overrides, GPU probe command and extra tags.
// Returns: probe settings.
type Options struct {
	Host         string
	Hardware     string
	ProbeCommand string
	ProbeTimeout time.Duration
	ExtraTags    map[string]string
}

// Prober discovers host identity once at startup.
type Prober struct {
	logger *slog.Logger

	hostname   func(ctx context.Context) (string, error)
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	pathExists func(path string) bool
}

// NewProber builds a prober backed by the local system.
// Params: logger diagnostics output.
// Returns: prober instance.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{
		logger:     logger,
		hostname:   systemHostname,
		runCommand: runCommand,
		pathExists: dirHasEntries,
	}
}

// Probe resolves host name and hardware class, honoring overrides.
// Params: ctx bounds probe commands; opts overrides and probe settings.
// Returns: static tags or error when no host name can be determined.
func (p *Prober) Probe(ctx context.Context, opts Options) (pipeline.StaticTags, error) {
	tags := pipeline.StaticTags{Extra: copyTags(opts.ExtraTags)}

	tags.Host = strings.TrimSpace(opts.Host)
	if tags.Host == "" {
		name, err := p.hostname(ctx)
		if err != nil {
			return pipeline.StaticTags{}, fmt.Errorf("resolve hostname: %w", err)
		}
		tags.Host = name
	}

	if override := strings.TrimSpace(opts.Hardware); override != "" {
		class, ok := pipeline.ParseHardwareClass(override)
		if !ok {
			return pipeline.StaticTags{}, fmt.Errorf("unknown hardware class %q", override)
		}
		tags.Hardware = class
	} else {
		tags.Hardware = pipeline.HardwareCPU
		if p.hasGPU(ctx, opts) {
			tags.Hardware = pipeline.HardwareGPU
		}
	}

	p.logger.Info(
		"host probed",
		slog.String("host", tags.Host),
		slog.String("hardware", string(tags.Hardware)),
	)
	return tags, nil
}

// hasGPU runs the probe command and falls back to the driver proc tree.
// Params: ctx parent context; opts probe command and timeout.
// Returns: true when a GPU is reported.
func (p *Prober) hasGPU(ctx context.Context, opts Options) bool {
	fields := strings.Fields(opts.ProbeCommand)
	if len(fields) > 0 {
		timeout := opts.ProbeTimeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := p.runCommand(probeCtx, fields[0], fields[1:]...)
		cancel()
		if err == nil && len(bytes.TrimSpace(out)) > 0 {
			return true
		}
		if err != nil {
			p.logger.Debug("gpu probe command failed", slog.String("command", opts.ProbeCommand), slog.String("error", err.Error()))
		}
	}
	return p.pathExists(nvidiaProcPath)
}

// systemHostname reads the host name via gopsutil with os.Hostname fallback.
// Params: ctx for cancellation.
// Returns: host name or error.
func systemHostname(ctx context.Context) (string, error) {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info != nil && strings.TrimSpace(info.Hostname) != "" {
		return strings.TrimSpace(info.Hostname), nil
	}
	name, hostErr := os.Hostname()
	if hostErr != nil {
		return "", hostErr
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty hostname")
	}
	return strings.TrimSpace(name), nil
}

// runCommand executes one probe command and returns stdout.
// Params: ctx kills the process on timeout; name executable; args arguments.
// Returns: stdout bytes or exec error.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// dirHasEntries reports whether path is a non-empty directory.
func dirHasEntries(path string) bool {
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

// copyTags clones extra tags.
func copyTags(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
