package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mrelay/internal/config"
)

type fakeRelay struct {
	cfg     *config.Config
	runErr  error
	stopped chan struct{}

	mu      sync.Mutex
	records []any
}

// Run blocks until ctx is done, or returns runErr at once when set.
// Params: ctx lifecycle context.
// Returns: runErr or nil on graceful stop.
func (r *fakeRelay) Run(ctx context.Context) error {
	if r.runErr != nil {
		close(r.stopped)
		return r.runErr
	}
	<-ctx.Done()
	close(r.stopped)
	return nil
}

// Offer stores one record.
// Params: record producer payload.
// Returns: true.
func (r *fakeRelay) Offer(record any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return true
}

// keys returns the first key of every stored record in arrival order.
func (r *fakeRelay) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, record := range r.records {
		fields, _ := record.(map[string]any)
		for key := range fields {
			out = append(out, key)
			break
		}
	}
	return out
}

// isStopped reports whether Run has returned.
func (r *fakeRelay) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

type relayFactory struct {
	mu     sync.Mutex
	calls  int
	relays []*fakeRelay
	// failAt maps build call index to a build error.
	failAt map[int]error
	// runErrAt maps build call index to an immediate Run error.
	runErrAt map[int]error
	// gateAt holds build call index until its channel closes.
	gateAt   map[int]chan struct{}
	building chan int
}

// build creates one fake relay for cfg.
// Params: ctx build context; cfg runtime config snapshot; _ ignored logger.
// Returns: fake relay or configured build error.
func (f *relayFactory) build(ctx context.Context, cfg *config.Config, _ *slog.Logger) (engineRunner, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	gate := f.gateAt[call]
	f.mu.Unlock()

	if gate != nil {
		f.building <- call
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, exists := f.failAt[call]; exists {
		return nil, err
	}
	relay := &fakeRelay{cfg: cfg, runErr: f.runErrAt[call], stopped: make(chan struct{})}
	f.relays = append(f.relays, relay)
	return relay, nil
}

// relay returns the relay built at index, waiting for it when needed.
// Params: t test context; index build order among successful builds.
// Returns: fake relay; fails test on timeout.
func (f *relayFactory) relay(t *testing.T, index int) *fakeRelay {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if index < len(f.relays) {
			relay := f.relays[index]
			f.mu.Unlock()
			return relay
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay[%d] never built", index)
	return nil
}

// count returns successful builds.
func (f *relayFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

type loaderResponse struct {
	cfg *config.Config
	err error
}

type loaderSequence struct {
	mu        sync.Mutex
	responses []loaderResponse
	calls     int
}

// load returns the next configured response.
// Params: _ ignored path.
// Returns: config or error.
func (l *loaderSequence) load(_ string) (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.calls
	l.calls++
	if index >= len(l.responses) {
		return nil, errors.New("unexpected config load call")
	}
	return l.responses[index].cfg, l.responses[index].err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends p under lock.
func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns buffered text.
func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls until text contains want.
// Params: t test context; want expected substring.
// Returns: none; fails test on timeout.
func (b *syncBuffer) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(b.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log never contained %q:\n%s", want, b.String())
}

type fakeLoggerFactory struct {
	out     *syncBuffer
	created atomic.Int32
	closed  atomic.Int32
}

// create builds a text logger over out and counts create/close calls.
// Params: _ ignored log config.
// Returns: logger, close callback and nil error.
func (f *fakeLoggerFactory) create(_ config.LogConfig) (*slog.Logger, func(), error) {
	f.created.Add(1)
	var w io.Writer = io.Discard
	if f.out != nil {
		w = f.out
	}
	return slog.New(slog.NewTextHandler(w, nil)), func() {
		f.closed.Add(1)
	}, nil
}

type fakePprofFactory struct {
	started atomic.Int32
	stopped atomic.Int32
}

// start counts pprof starts and returns a counted stop callback.
// Params: ignored context, config and logger.
// Returns: stop callback and nil error.
func (f *fakePprofFactory) start(_ context.Context, _ config.PprofConfig, _ *slog.Logger) (func(), error) {
	f.started.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			f.stopped.Add(1)
		})
	}, nil
}

// testConfig creates a minimal relay config.
// Params: host static host tag; queueSize relay queue capacity; formatter relay formatter kind.
// Returns: config snapshot.
func testConfig(host string, queueSize int, formatter string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			Host:     host,
			Hardware: "cpu",
		},
		Log: config.LogConfig{
			Console: config.LogSinkConfig{
				Enabled: true,
				Level:   "info",
				Format:  "line",
			},
		},
		Relay: config.RelayConfig{
			QueueSize:       queueSize,
			Formatter:       formatter,
			ShutdownTimeout: config.Duration{Duration: time.Second},
		},
		Sink: config.SinkConfig{
			Kind:           config.SinkInfluxDB,
			Host:           "127.0.0.1",
			Port:           8086,
			Database:       "telemetry",
			ConnectTimeout: config.Duration{Duration: time.Second},
		},
	}
}

// stdinConfig returns a config reading records from stdin.
// Params: host static host tag; exitOnEOF stop relay at stream end.
// Returns: config snapshot.
func stdinConfig(host string, exitOnEOF bool) *config.Config {
	cfg := testConfig(host, 16, config.FormatterGeneral)
	cfg.Ingest.Stdin = true
	cfg.Ingest.ExitOnEOF = exitOnEOF
	return cfg
}

type relayHarness struct {
	loader  *loaderSequence
	loggers *fakeLoggerFactory
	pprof   *fakePprofFactory
	relays  *relayFactory
	logs    *syncBuffer
	stdin   *io.PipeWriter
	reload  chan struct{}
	cancel  context.CancelFunc
	done    chan error
}

// startRelay runs runWithDeps over fakes and a piped stdin.
// Params: t test context; relays relay factory; responses config loader sequence.
// Returns: running harness; cleanup cancels the run.
func startRelay(t *testing.T, relays *relayFactory, responses ...loaderResponse) *relayHarness {
	t.Helper()
	logs := &syncBuffer{}
	reader, writer := io.Pipe()
	h := &relayHarness{
		loader:  &loaderSequence{responses: responses},
		loggers: &fakeLoggerFactory{out: logs},
		pprof:   &fakePprofFactory{},
		relays:  relays,
		logs:    logs,
		stdin:   writer,
		reload:  make(chan struct{}, 1),
		done:    make(chan error, 1),
	}
	deps := runDeps{
		loadConfig: h.loader.load,
		newLogger:  h.loggers.create,
		startPprof: h.pprof.start,
		newEngine:  relays.build,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- runWithDeps(ctx, Runtime{ConfigPath: "relay.toml", Reload: h.reload, Stdin: reader}, deps)
	}()
	t.Cleanup(func() {
		cancel()
		_ = writer.Close()
	})
	return h
}

// feedLine writes one NDJSON line to stdin and returns once the reader has offered it.
// Params: t test context; line JSON record.
// Returns: none; fails test when the reader stops consuming.
func (h *relayHarness) feedLine(t *testing.T, line string) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		if _, err := io.WriteString(h.stdin, line+"\n"); err != nil {
			done <- err
			return
		}
		// The reader asks for the next byte only after offering line.
		_, err := io.WriteString(h.stdin, " ")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write stdin: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stdin reader did not consume %q", line)
	}
}

// wait returns the runWithDeps result.
// Params: t test context.
// Returns: run error; fails test on timeout.
func (h *relayHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
		return nil
	}
}

// TestRunWithDeps_StdinFollowsReload verifies the stdin reader survives a reload and feeds the new relay.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_StdinFollowsReload(t *testing.T) {
	relays := &relayFactory{}
	h := startRelay(t, relays,
		loaderResponse{cfg: stdinConfig("h1", false)},
		loaderResponse{cfg: stdinConfig("h2", false)},
	)

	first := relays.relay(t, 0)
	h.feedLine(t, `{"before":1}`)

	h.reload <- struct{}{}
	h.logs.waitFor(t, "config reload applied")
	second := relays.relay(t, 1)
	if !first.isStopped() {
		t.Fatal("previous relay still running after reload")
	}

	h.feedLine(t, `{"after":2}`)
	if got := first.keys(); len(got) != 1 || got[0] != "before" {
		t.Fatalf("previous relay records=%v", got)
	}
	if got := second.keys(); len(got) != 1 || got[0] != "after" {
		t.Fatalf("reloaded relay records=%v", got)
	}
	if second.cfg.Global.Host != "h2" {
		t.Fatalf("reloaded relay host=%q", second.cfg.Global.Host)
	}

	_ = h.stdin.Close()
	h.logs.waitFor(t, "stream ingest finished")
	if second.isStopped() {
		t.Fatal("relay stopped at EOF without exit_on_eof")
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if !second.isStopped() {
		t.Fatal("relay not stopped on shutdown")
	}
	if logs := h.logs.String(); !strings.Contains(logs, "accepted=2") || !strings.Contains(logs, "dropped=0") {
		t.Fatalf("unexpected stream summary:\n%s", logs)
	}
}

// TestRunWithDeps_RecordsDuringSwapAreDropped verifies stdin records arriving between relays count as dropped.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_RecordsDuringSwapAreDropped(t *testing.T) {
	gate := make(chan struct{})
	relays := &relayFactory{
		gateAt:   map[int]chan struct{}{1: gate},
		building: make(chan int, 1),
	}
	h := startRelay(t, relays,
		loaderResponse{cfg: stdinConfig("h1", true)},
		loaderResponse{cfg: stdinConfig("h1", true)},
	)

	first := relays.relay(t, 0)
	h.feedLine(t, `{"kept":1}`)

	h.reload <- struct{}{}
	select {
	case <-relays.building:
	case <-time.After(2 * time.Second):
		t.Fatal("reload build never started")
	}
	if !first.isStopped() {
		t.Fatal("previous relay must stop before the next one is built")
	}
	h.feedLine(t, `{"lost":2}`)

	close(gate)
	h.logs.waitFor(t, "config reload applied")
	second := relays.relay(t, 1)
	h.feedLine(t, `{"kept":3}`)

	_ = h.stdin.Close()
	if err := h.wait(t); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}

	if got := first.keys(); len(got) != 1 {
		t.Fatalf("previous relay records=%v", got)
	}
	if got := second.keys(); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("reloaded relay records=%v", got)
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "accepted=2") || !strings.Contains(logs, "dropped=1") {
		t.Fatalf("unexpected stream summary:\n%s", logs)
	}
	if !strings.Contains(logs, "reason=\"stdin closed\"") {
		t.Fatalf("expected stdin shutdown reason:\n%s", logs)
	}
	if got := h.loggers.closed.Load(); got != 2 {
		t.Fatalf("logger closed=%d, want=2", got)
	}
}

// TestRunWithDeps_RollbackReattachesFeed verifies stdin feeds the restored relay after a failed apply.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_RollbackReattachesFeed(t *testing.T) {
	relays := &relayFactory{failAt: map[int]error{1: errors.New("sink unreachable")}}
	h := startRelay(t, relays,
		loaderResponse{cfg: stdinConfig("h1", false)},
		loaderResponse{cfg: stdinConfig("h2", false)},
	)

	first := relays.relay(t, 0)
	h.reload <- struct{}{}
	h.logs.waitFor(t, "config reload rejected, previous runtime restored")

	restored := relays.relay(t, 1)
	if restored.cfg.Global.Host != "h1" {
		t.Fatalf("restored relay host=%q, want=h1", restored.cfg.Global.Host)
	}
	if !first.isStopped() {
		t.Fatal("previous relay still running")
	}

	h.feedLine(t, `{"after_rollback":1}`)
	if got := restored.keys(); len(got) != 1 || got[0] != "after_rollback" {
		t.Fatalf("restored relay records=%v", got)
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	// The failed apply closes its own logger; the restored runtime keeps the original one.
	if created, closed := h.loggers.created.Load(), h.loggers.closed.Load(); created != 2 || closed != 2 {
		t.Fatalf("loggers created=%d closed=%d", created, closed)
	}
}

// TestRunWithDeps_InvalidReloadKeepsRelay verifies a rejected config leaves the running relay attached.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_InvalidReloadKeepsRelay(t *testing.T) {
	relays := &relayFactory{}
	h := startRelay(t, relays,
		loaderResponse{cfg: stdinConfig("h1", false)},
		loaderResponse{err: errors.New("relay.queue_size must be > 0")},
	)

	first := relays.relay(t, 0)
	h.feedLine(t, `{"a":1}`)
	h.reload <- struct{}{}
	h.logs.waitFor(t, "config reload validation failed")
	h.feedLine(t, `{"b":2}`)

	if first.isStopped() {
		t.Fatal("relay stopped by invalid reload")
	}
	if got := first.keys(); len(got) != 2 {
		t.Fatalf("relay records=%v", got)
	}
	if relays.count() != 1 {
		t.Fatalf("relays built=%d, want=1", relays.count())
	}

	h.cancel()
	if err := h.wait(t); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if got := h.pprof.stopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want=1", got)
	}
}

// TestRunWithDeps_ReloadInterruptedByShutdown verifies shutdown during a reload build exits cleanly.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadInterruptedByShutdown(t *testing.T) {
	gate := make(chan struct{})
	relays := &relayFactory{
		gateAt:   map[int]chan struct{}{1: gate},
		building: make(chan int, 1),
	}
	h := startRelay(t, relays,
		loaderResponse{cfg: testConfig("h1", 16, config.FormatterGeneral)},
		loaderResponse{cfg: testConfig("h1", 32, config.FormatterGeneral)},
	)

	relays.relay(t, 0)
	h.reload <- struct{}{}
	select {
	case <-relays.building:
	case <-time.After(2 * time.Second):
		t.Fatal("reload build never started")
	}
	h.cancel()
	close(gate)

	if err := h.wait(t); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if !strings.Contains(h.logs.String(), "config reload interrupted by shutdown") {
		t.Fatalf("missing interruption log:\n%s", h.logs.String())
	}
	if relays.count() != 1 {
		t.Fatalf("relays built=%d, want=1", relays.count())
	}
	if created, closed := h.loggers.created.Load(), h.loggers.closed.Load(); created != closed {
		t.Fatalf("loggers created=%d closed=%d", created, closed)
	}
}

// TestRunWithDeps_RelayStopsUnexpectedly verifies a relay Run error ends the process with that cause.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_RelayStopsUnexpectedly(t *testing.T) {
	runErr := errors.New("sink writer crashed")
	relays := &relayFactory{runErrAt: map[int]error{0: runErr}}
	h := startRelay(t, relays, loaderResponse{cfg: testConfig("h1", 16, config.FormatterGeneral)})

	err := h.wait(t)
	if !errors.Is(err, runErr) {
		t.Fatalf("expected relay error, got %v", err)
	}
	if !strings.Contains(h.logs.String(), "relay stopped unexpectedly") {
		t.Fatalf("missing failure log:\n%s", h.logs.String())
	}
	if got := h.loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
}

// TestRunWithDeps_StdinExitOnEOF verifies stdin records reach the relay and EOF stops it.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_StdinExitOnEOF(t *testing.T) {
	relays := &relayFactory{}
	loggers := &fakeLoggerFactory{}
	deps := runDeps{
		loadConfig: (&loaderSequence{responses: []loaderResponse{{cfg: stdinConfig("h1", true)}}}).load,
		newLogger:  loggers.create,
		startPprof: (&fakePprofFactory{}).start,
		newEngine:  relays.build,
	}

	stdin := strings.NewReader("{\"a\":1}\n[{\"b\":2},{\"c\":3}]\n")
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(context.Background(), Runtime{ConfigPath: "relay.toml", Stdin: stdin}, deps)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}

	relay := relays.relay(t, 0)
	if got := relay.keys(); len(got) != 3 {
		t.Fatalf("records=%v, want 3", got)
	}
	if !relay.isStopped() {
		t.Fatal("relay not stopped")
	}
	if got := loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
}

// TestRunWithDeps_RequiresConfigPath verifies an empty path fails before any build.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_RequiresConfigPath(t *testing.T) {
	relays := &relayFactory{}
	err := runWithDeps(context.Background(), Runtime{ConfigPath: "  "}, runDeps{newEngine: relays.build})
	if err == nil {
		t.Fatal("expected config path error")
	}
	if relays.count() != 0 {
		t.Fatalf("relays built=%d", relays.count())
	}
}

type plainRunner struct{}

// Run returns immediately.
func (plainRunner) Run(context.Context) error {
	return nil
}

// TestRecordFeed_DropsWithoutRelay verifies offers fail while no record-accepting relay is attached.
// Params: t test context.
// Returns: none.
func TestRecordFeed_DropsWithoutRelay(t *testing.T) {
	feed := &recordFeed{}
	if feed.Offer(map[string]any{"a": 1}) {
		t.Fatal("expected drop without relay")
	}

	relay := &fakeRelay{stopped: make(chan struct{})}
	feed.attach(relay)
	if !feed.Offer(map[string]any{"a": 1}) {
		t.Fatal("expected offer to attached relay")
	}
	feed.attach(plainRunner{})
	if feed.Offer(map[string]any{"a": 1}) {
		t.Fatal("expected drop for runner without Offer")
	}
	feed.attach(nil)
	if feed.Offer(map[string]any{"a": 1}) {
		t.Fatal("expected drop after detach")
	}
	if got := relay.keys(); len(got) != 1 {
		t.Fatalf("records=%v, want 1", got)
	}
}
