package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultShutdownTimeout = 5 * time.Second
)

// Options configures one relay pipeline.
// Params: queue capacity, shutdown drain deadline and writer timing.
// Returns: pipeline runtime settings.
type Options struct {
	QueueSize       int
	ShutdownTimeout time.Duration
	Writer          WriterConfig
}

// Stats is a snapshot of pipeline counters.
// Params: none.
// Returns: counters since construction.
type Stats struct {
	Submitted    uint64
	Rejected     uint64
	Dropped      uint64
	Written      uint64
	WriteFailed  uint64
	FormatFailed uint64
	Pending      int
}

// Pipeline wires filter, relay queue, formatter and sink writer.
// Producers call Submit; one consumer goroutine formats and writes.
type Pipeline struct {
	opts      Options
	formatter Formatter
	writer    *SinkWriter
	logger    *slog.Logger
	now       func() time.Time

	queue atomic.Pointer[RelayQueue]

	// intakeMu orders Offer's enqueue against closeIntake so nothing is
	// enqueued after the consumer's final drain.
	intakeMu     sync.RWMutex
	intakeClosed bool

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancelWait context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once

	submitted    atomic.Uint64
	rejected     atomic.Uint64
	closedDrops  atomic.Uint64
	written      atomic.Uint64
	writeFailed  atomic.Uint64
	formatFailed atomic.Uint64
}

// New builds a pipeline without starting it.
// Params: opts runtime settings; formatter point builder; dialer sink factory; logger diagnostics.
// Returns: pipeline or validation error.
func New(opts Options, formatter Formatter, dialer Dialer, logger *slog.Logger) (*Pipeline, error) {
	if formatter == nil {
		return nil, fmt.Errorf("formatter is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.QueueSize <= 0 {
		return nil, fmt.Errorf("queue size must be > 0")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	writer, err := NewSinkWriter(opts.Writer, dialer, logger)
	if err != nil {
		return nil, fmt.Errorf("init sink writer: %w", err)
	}

	return &Pipeline{
		opts:      opts,
		formatter: formatter,
		writer:    writer,
		logger:    logger.With(slog.String("measurement", formatter.Measurement())),
		now:       time.Now,
		done:      make(chan struct{}),
	}, nil
}

// Start allocates the relay queue, dials the sink and launches the consumer.
// Repeated calls are no-ops; Start after Stop fails.
// Params: ctx lifecycle context; its cancellation stops the consumer with a drain.
// Returns: ErrPipelineStopped after Stop, nil otherwise.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPipelineStopped
	}
	if p.started {
		return nil
	}

	queue, err := NewRelayQueue(p.opts.QueueSize)
	if err != nil {
		return err
	}

	if err := p.writer.Connect(ctx); err != nil {
		p.logger.Warn("initial sink connect failed, will redial on first point", slog.String("error", err.Error()))
	}

	waitCtx, cancel := context.WithCancel(ctx)
	p.cancelWait = cancel
	p.queue.Store(queue)
	p.started = true

	go p.consume(ctx, waitCtx, queue)

	p.logger.Info(
		"relay started",
		slog.String("endpoint", p.writer.target.Endpoint()),
		slog.String("db", p.writer.target.Database),
		slog.Int("queue_size", queue.Cap()),
	)
	return nil
}

// Submit filters and enqueues one record on the caller's goroutine.
// It never blocks and never reports failure to the producer.
// Params: record producer payload.
// Returns: none.
func (p *Pipeline) Submit(record any) {
	_ = p.Offer(record)
}

// Offer is Submit that reports whether the record entered the queue.
// Params: record producer payload.
// Returns: true when the record was admitted and enqueued.
func (p *Pipeline) Offer(record any) bool {
	p.submitted.Add(1)

	if !Admit(record) {
		p.rejected.Add(1)
		return false
	}

	typed, ok := record.(map[string]any)
	if !ok {
		typed, ok = asRecord(record)
		if !ok {
			p.rejected.Add(1)
			return false
		}
	}

	p.intakeMu.RLock()
	defer p.intakeMu.RUnlock()

	queue := p.queue.Load()
	if queue == nil || p.intakeClosed {
		p.closedDrops.Add(1)
		return false
	}
	return queue.Enqueue(typed)
}

// closeIntake rejects further Offers; it returns once in-flight enqueues finished.
// Params: none.
// Returns: none.
func (p *Pipeline) closeIntake() {
	p.intakeMu.Lock()
	p.intakeClosed = true
	p.intakeMu.Unlock()
}

// Stop stops intake, drains pending records up to the shutdown deadline and closes the sink.
// Params: none.
// Returns: none; repeated calls have no further effect.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		cancel := p.cancelWait
		p.mu.Unlock()

		p.closeIntake()
		if !started {
			close(p.done)
			return
		}

		cancel()
		<-p.done

		stats := p.Stats()
		p.logger.Info(
			"relay stopped",
			slog.Uint64("written", stats.Written),
			slog.Uint64("write_failed", stats.WriteFailed),
			slog.Uint64("dropped", stats.Dropped),
		)
	})
}

// Done returns a channel closed once the consumer has exited.
// Params: none.
// Returns: completion channel.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stats returns a snapshot of pipeline counters.
// Params: none.
// Returns: counters and current queue length.
func (p *Pipeline) Stats() Stats {
	stats := Stats{
		Submitted:    p.submitted.Load(),
		Rejected:     p.rejected.Load(),
		Dropped:      p.closedDrops.Load(),
		Written:      p.written.Load(),
		WriteFailed:  p.writeFailed.Load(),
		FormatFailed: p.formatFailed.Load(),
	}
	if queue := p.queue.Load(); queue != nil {
		stats.Dropped += queue.Dropped()
		stats.Pending = queue.Len()
	}
	return stats
}

// consume runs the single consumer loop until stop or ctx cancellation.
// Params: ctx lifecycle context; waitCtx cancels blocking dequeue; queue relay queue.
// Returns: none.
func (p *Pipeline) consume(ctx context.Context, waitCtx context.Context, queue *RelayQueue) {
	defer close(p.done)
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.logger.Warn("close sink connection failed", slog.String("error", err.Error()))
		}
	}()

	writeCtx := context.WithoutCancel(ctx)
	for {
		record, ok := queue.Dequeue(waitCtx)
		if !ok {
			p.closeIntake()
			p.drain(writeCtx, queue)
			return
		}
		p.process(writeCtx, record)
	}
}

// drain processes queued records until empty or the shutdown deadline passes.
// Params: ctx parent write context; queue relay queue.
// Returns: none.
func (p *Pipeline) drain(ctx context.Context, queue *RelayQueue) {
	drainCtx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()

	for {
		if drainCtx.Err() != nil {
			remaining := 0
			for {
				if _, ok := queue.TryDequeue(); !ok {
					break
				}
				remaining++
			}
			if remaining > 0 {
				p.closedDrops.Add(uint64(remaining))
				p.logger.Warn("shutdown deadline reached, dropping pending records", slog.Int("pending", remaining))
			}
			return
		}
		record, ok := queue.TryDequeue()
		if !ok {
			return
		}
		p.process(drainCtx, record)
	}
}

// process formats and writes one record; failures are logged and dropped.
// Params: ctx write context; record dequeued payload.
// Returns: none.
func (p *Pipeline) process(ctx context.Context, record Record) {
	point, err := p.formatter.Format(record, p.now())
	if err != nil {
		p.formatFailed.Add(1)
		p.logger.Warn("drop record: format failed", slog.String("error", err.Error()))
		return
	}

	if err := p.writer.Write(ctx, point); err != nil {
		p.writeFailed.Add(1)
		attrs := []any{slog.String("error", err.Error())}
		var writeErr *WriteError
		if errors.As(err, &writeErr) {
			attrs = append(attrs, slog.Int("attempts", writeErr.Attempts))
		}
		p.logger.Error("drop point: sink write failed", attrs...)
		return
	}
	p.written.Add(1)
}
