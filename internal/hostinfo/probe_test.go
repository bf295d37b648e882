package hostinfo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"mrelay/internal/pipeline"
)

// newTestProber builds a prober with fake system hooks.
// Params: out probe stdout; runErr probe error; procGPU result of the proc fallback.
// Returns: prober and pointer to executed command name.
func newTestProber(out string, runErr error, procGPU bool) (*Prober, *string) {
	executed := new(string)
	prober := &Prober{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		hostname: func(context.Context) (string, error) {
			return "node-1", nil
		},
		runCommand: func(_ context.Context, name string, _ ...string) ([]byte, error) {
			*executed = name
			return []byte(out), runErr
		},
		pathExists: func(string) bool {
			return procGPU
		},
	}
	return prober, executed
}

// TestProbe_GPUDetectedByCommand verifies gpu class when the probe lists devices.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_GPUDetectedByCommand(t *testing.T) {
	prober, executed := newTestProber("GPU 0: NVIDIA A100 (UUID: GPU-1)\n", nil, false)

	tags, err := prober.Probe(context.Background(), Options{ProbeCommand: "nvidia-smi -L"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if *executed != "nvidia-smi" {
		t.Fatalf("unexpected command: %q", *executed)
	}
	if tags.Host != "node-1" || tags.Hardware != pipeline.HardwareGPU {
		t.Fatalf("unexpected tags: %+v", tags)
	}
}

// TestProbe_CPUWhenCommandFails verifies cpu fallback on probe failure.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_CPUWhenCommandFails(t *testing.T) {
	prober, _ := newTestProber("", errors.New("executable file not found"), false)

	tags, err := prober.Probe(context.Background(), Options{ProbeCommand: "nvidia-smi -L"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if tags.Hardware != pipeline.HardwareCPU {
		t.Fatalf("expected cpu, got %q", tags.Hardware)
	}
}

// TestProbe_EmptyOutputFallsBackToProc verifies the driver proc tree fallback.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_EmptyOutputFallsBackToProc(t *testing.T) {
	prober, _ := newTestProber("   \n", nil, true)

	tags, err := prober.Probe(context.Background(), Options{ProbeCommand: "nvidia-smi -L"})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if tags.Hardware != pipeline.HardwareGPU {
		t.Fatalf("expected gpu from proc fallback, got %q", tags.Hardware)
	}
}

// TestProbe_OverridesSkipDetection verifies configured host and hardware win.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_OverridesSkipDetection(t *testing.T) {
	prober, executed := newTestProber("GPU 0", nil, true)

	tags, err := prober.Probe(context.Background(), Options{
		Host:         "10.1.2.3:9000",
		Hardware:     "CPU",
		ProbeCommand: "nvidia-smi -L",
		ExtraTags:    map[string]string{"cluster": "train"},
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if *executed != "" {
		t.Fatalf("probe command should not run with hardware override")
	}
	if tags.Host != "10.1.2.3:9000" || tags.Hardware != pipeline.HardwareCPU {
		t.Fatalf("unexpected tags: %+v", tags)
	}
	if tags.Extra["cluster"] != "train" {
		t.Fatalf("expected extra tags copied: %+v", tags.Extra)
	}
}

// TestProbe_RejectsUnknownHardware verifies override validation.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_RejectsUnknownHardware(t *testing.T) {
	prober, _ := newTestProber("", nil, false)

	if _, err := prober.Probe(context.Background(), Options{Hardware: "tpu"}); err == nil {
		t.Fatalf("expected error")
	}
}

// TestProbe_HostnameError verifies hostname failure surfaces.
// Params: testing.T for assertions.
// Returns: none.
func TestProbe_HostnameError(t *testing.T) {
	prober, _ := newTestProber("", nil, false)
	prober.hostname = func(context.Context) (string, error) {
		return "", errors.New("no uts")
	}

	if _, err := prober.Probe(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
