// Package stream delivers canonical events to handlers in per-user order with
// at-least-once semantics, retry with backoff and a dead-letter fallback.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/goadapt/internal/bus"
	"github.com/basket/goadapt/internal/events"
	gaotel "github.com/basket/goadapt/internal/otel"
	"github.com/basket/goadapt/internal/persistence"
	"github.com/basket/goadapt/internal/shared"
	"github.com/basket/goadapt/internal/telemetry"
)

// Handler consumes delivered events. Handle must be idempotent per event id:
// a retried event is delivered to every handler again.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev events.Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, ev events.Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, ev events.Event) error { return h.fn(ctx, ev) }

// HandlerFunc adapts a function to Handler.
func HandlerFunc(name string, fn func(ctx context.Context, ev events.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}

type Config struct {
	// WorkerCount caps how many partitions dispatch at the same time.
	WorkerCount    int
	Retry          persistence.RetryPolicy
	HandlerTimeout time.Duration
	DrainTimeout   time.Duration
	// ErrorPollInterval is the pause after a storage error before the
	// partition worker tries again.
	ErrorPollInterval time.Duration

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *gaotel.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// PartitionLag mirrors persistence.PartitionLag for monitoring callers.
type PartitionLag struct {
	Key     string `json:"key"`
	Pending int    `json:"pending"`
	LagMs   int64  `json:"lag_ms"`
}

// Health is a read-only snapshot of the consumer.
type Health struct {
	PendingDepth     int            `json:"pending_depth"`
	DeadLetterDepth  int            `json:"dead_letter_depth"`
	Partitions       []PartitionLag `json:"partitions"`
	ActivePartitions int            `json:"active_partitions"`
	LastError        string         `json:"last_error,omitempty"`
}

type partitionWorker struct {
	wake chan struct{}
}

type Consumer struct {
	store  *persistence.Store
	cfg    Config
	logger *slog.Logger

	sem *semaphore.Weighted

	handlersMu sync.RWMutex
	handlers   []Handler

	mu       sync.Mutex
	started  bool
	stopped  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	workers  map[string]*partitionWorker

	wg        sync.WaitGroup
	lastError atomic.Pointer[string]
}

func New(store *persistence.Store, cfg Config) *Consumer {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.ErrorPollInterval <= 0 {
		cfg.ErrorPollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = gaotel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = gaotel.NoopTracer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Consumer{
		store:    store,
		cfg:      cfg,
		logger:   telemetry.Component(cfg.Logger, "stream"),
		sem:      semaphore.NewWeighted(int64(cfg.WorkerCount)),
		stopping: make(chan struct{}),
		workers:  make(map[string]*partitionWorker),
	}
}

// Register adds a handler. Every event is delivered to all handlers in
// registration order; the first failure stops delivery of that attempt.
func (c *Consumer) Register(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Enqueue durably appends ev to its user's partition before returning. It
// never dispatches inline. Re-enqueueing a known event id is a no-op.
func (c *Consumer) Enqueue(ctx context.Context, ev events.Event) error {
	if ev.ID == "" || ev.UserID == "" {
		return fmt.Errorf("enqueue: event id and user id are required")
	}
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("enqueue: encode event: %w", err)
	}
	inserted, err := c.store.AppendEvent(ctx, ev.ID, ev.UserID, string(ev.Type), payload)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if inserted {
		c.cfg.Metrics.EventsEnqueued.Add(ctx, 1, metric.WithAttributes(gaotel.AttrEventType.String(string(ev.Type))))
		c.cfg.Bus.Publish(bus.TopicEventEnqueued, ev)
	}
	c.wake(ev.UserID)
	return nil
}

// Start begins dispatch and resumes every partition that still holds pending
// events from a previous process.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	c.started = true
	c.mu.Unlock()

	partitions, err := c.store.PendingPartitions(ctx)
	if err != nil {
		return fmt.Errorf("recover pending partitions: %w", err)
	}
	if len(partitions) > 0 {
		c.logger.Info("resuming pending partitions", "count", len(partitions))
	}
	for _, p := range partitions {
		c.wake(p)
	}
	return nil
}

// Stop stops picking up new events, waits up to DrainTimeout for in-flight
// handlers, then cancels them. Unacknowledged events stay pending for the
// next Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopping)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("stream consumer drained cleanly")
	case <-time.After(c.cfg.DrainTimeout):
		c.logger.Warn("stream drain timeout; cancelling in-flight handlers", "timeout", c.cfg.DrainTimeout)
		c.cancel()
		<-done
	}
	c.cancel()
}

// Health reports queue depths and per-partition lag. It never mutates state.
func (c *Consumer) Health(ctx context.Context) (Health, error) {
	h, err := c.store.StreamHealth(ctx)
	if err != nil {
		return Health{}, err
	}
	out := Health{
		PendingDepth:    h.PendingDepth,
		DeadLetterDepth: h.DeadLetterDepth,
		Partitions:      make([]PartitionLag, 0, len(h.Partitions)),
	}
	for _, p := range h.Partitions {
		out.Partitions = append(out.Partitions, PartitionLag{Key: p.PartitionKey, Pending: p.Pending, LagMs: p.LagMs})
	}
	c.mu.Lock()
	out.ActivePartitions = len(c.workers)
	c.mu.Unlock()
	if msg := c.lastError.Load(); msg != nil {
		out.LastError = *msg
	}
	return out, nil
}

// wake makes sure a worker is running for the partition. Before Start and
// after Stop it does nothing; the next Start recovers from the store.
func (c *Consumer) wake(partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return
	}
	if w, ok := c.workers[partition]; ok {
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return
	}
	w := &partitionWorker{wake: make(chan struct{}, 1)}
	c.workers[partition] = w
	c.wg.Add(1)
	c.cfg.Metrics.ActivePartitions.Add(context.Background(), 1)
	go func() {
		defer c.wg.Done()
		defer c.cfg.Metrics.ActivePartitions.Add(context.Background(), -1)
		c.runPartition(partition, w)
	}()
}

// retire removes an idle worker unless a wake arrived after its last look at
// the store, in which case the worker keeps going.
func (c *Consumer) retire(partition string, w *partitionWorker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-w.wake:
		return false
	default:
	}
	delete(c.workers, partition)
	return true
}

func (c *Consumer) forget(partition string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, partition)
}

func (c *Consumer) isStopping() bool {
	select {
	case <-c.stopping:
		return true
	default:
		return false
	}
}

// pause waits for d, a wake, stop or cancellation. It reports false when the
// worker should exit.
func (c *Consumer) pause(d time.Duration, w *partitionWorker) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.baseCtx.Done():
		return false
	case <-c.stopping:
		return false
	case <-timer.C:
		return true
	case <-w.wake:
		return true
	}
}

func (c *Consumer) runPartition(partition string, w *partitionWorker) {
	for {
		if c.isStopping() || c.baseCtx.Err() != nil {
			c.forget(partition)
			return
		}
		head, err := c.store.HeadOfPartition(c.baseCtx, partition)
		if err != nil {
			c.setLastError(err)
			c.logger.Error("read partition head failed", "partition", partition, "error", err)
			if !c.pause(c.cfg.ErrorPollInterval, w) {
				c.forget(partition)
				return
			}
			continue
		}
		if head == nil {
			if c.retire(partition, w) {
				return
			}
			continue
		}
		if wait := head.AvailableAt.Sub(c.cfg.Now()); wait > 0 {
			if !c.pause(wait, w) {
				c.forget(partition)
				return
			}
			continue
		}

		if err := c.sem.Acquire(c.baseCtx, 1); err != nil {
			c.forget(partition)
			return
		}
		if c.isStopping() {
			c.sem.Release(1)
			c.forget(partition)
			return
		}
		c.dispatch(*head)
		c.sem.Release(1)
	}
}

func (c *Consumer) snapshotHandlers() []Handler {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return append([]Handler(nil), c.handlers...)
}

// dispatch delivers one event to every handler and records the result.
func (c *Consumer) dispatch(row persistence.StreamEvent) {
	started := c.cfg.Now()
	ev, decodeErr := events.Decode(row.Payload)

	traceID := ev.TraceID
	if traceID == "" {
		traceID = shared.NewTraceID()
	}
	ctx := shared.WithTraceID(c.baseCtx, traceID)
	ctx = shared.WithUserID(ctx, row.PartitionKey)
	ctx = shared.WithEventID(ctx, row.EventID)
	if ev.RunID != "" {
		ctx = shared.WithRunID(ctx, ev.RunID)
	}
	ctx, span := gaotel.StartSpan(ctx, c.cfg.Tracer, "stream.dispatch",
		gaotel.AttrEventID.String(row.EventID),
		gaotel.AttrEventType.String(row.EventType),
		gaotel.AttrUserID.String(row.PartitionKey),
		gaotel.AttrAttempt.Int(row.Attempt+1),
	)
	defer span.End()
	logger := telemetry.WithTrace(ctx, c.logger)

	var handlerErr error
	if decodeErr != nil {
		handlerErr = Permanent(decodeErr)
	} else {
		for _, h := range c.snapshotHandlers() {
			if err := c.invoke(ctx, h, ev); err != nil {
				handlerErr = fmt.Errorf("%s: %w", h.Name(), err)
				break
			}
		}
	}
	elapsed := c.cfg.Now().Sub(started)
	c.cfg.Metrics.HandlerDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(gaotel.AttrEventType.String(row.EventType)))

	// A shutdown that cancelled the handlers is not a delivery failure.
	if handlerErr != nil && c.baseCtx.Err() != nil {
		logger.Info("dispatch interrupted by shutdown; event stays pending", "error", handlerErr)
		return
	}

	if handlerErr == nil {
		if _, err := c.store.AckEvent(context.Background(), row.Seq); err != nil {
			c.setLastError(err)
			logger.Error("ack failed; event will be redelivered", "error", err)
			return
		}
		c.cfg.Metrics.EventsAcked.Add(ctx, 1)
		c.cfg.Bus.Publish(bus.TopicEventDelivered, bus.EventDelivered{
			EventID:   row.EventID,
			UserID:    row.PartitionKey,
			Type:      row.EventType,
			Attempts:  row.Attempt + 1,
			LatencyMs: c.cfg.Now().Sub(row.EnqueuedAt).Milliseconds(),
		})
		return
	}

	span.RecordError(handlerErr)
	c.setLastError(handlerErr)
	permanent := Classify(handlerErr) == KindPermanent
	decision, err := c.store.HandleEventFailure(context.Background(), row.Seq, handlerErr.Error(), permanent, c.cfg.Retry)
	if err != nil {
		c.setLastError(err)
		logger.Error("record handler failure", "error", err)
		return
	}
	switch decision.Outcome {
	case persistence.FailureOutcomeDeadLetter:
		c.cfg.Metrics.EventsDeadLettered.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason_code", decision.ReasonCode)))
		logger.Warn("event dead-lettered",
			"attempt", decision.Attempt, "reason_code", decision.ReasonCode, "error", handlerErr)
	default:
		backoff := time.Duration(0)
		if decision.BackoffUntil != nil {
			backoff = decision.BackoffUntil.Sub(c.cfg.Now())
		}
		c.cfg.Metrics.EventsRetried.Add(ctx, 1)
		c.cfg.Bus.Publish(bus.TopicEventRetrying, bus.EventRetrying{
			EventID:    row.EventID,
			UserID:     row.PartitionKey,
			Attempt:    decision.Attempt,
			BackoffMs:  backoff.Milliseconds(),
			ReasonCode: decision.ReasonCode,
			Error:      shared.Redact(handlerErr.Error()),
		})
		logger.Warn("handler failed; retry scheduled",
			"attempt", decision.Attempt, "max_retries", decision.MaxRetries, "backoff", backoff, "error", handlerErr)
	}
}

// invoke runs one handler with a timeout and converts a panic into a
// transient error.
func (c *Consumer) invoke(ctx context.Context, h Handler, ev events.Event) (err error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Handler: h.Name(), Value: r}
		}
	}()
	err = h.Handle(hctx, ev)
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("handler timeout exceeded: %w", err)
	}
	return err
}

func (c *Consumer) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	c.lastError.Store(&msg)
}
