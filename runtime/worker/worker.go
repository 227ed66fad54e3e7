// Package worker implements the executor: a poll loop that atomically claims
// queued tool calls, validates and dispatches them to handlers under per-tool
// timeouts, and writes exactly one terminal receipt per call. Workers back off
// exponentially on an empty queue and drain in-flight jobs on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/idempotency"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/registry"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/validator"
)

const (
	// DefaultPollInterval is the idle delay between claim attempts.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxConcurrent bounds simultaneous handler executions per worker.
	DefaultMaxConcurrent = 1
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight jobs.
	DefaultShutdownTimeout = 30 * time.Second
	// backoffMultiplier grows the poll interval on consecutive empty polls.
	backoffMultiplier = 1.5
	// backoffCap bounds the grown poll interval.
	backoffCap = 60 * time.Second
)

type (
	// Worker claims and executes tool calls from the shared queue.
	Worker struct {
		id       string
		store    queue.Store
		registry *registry.Registry
		handlers *handler.Table
		engine   *idempotency.Engine
		val      *validator.Validator
		bus      events.Bus

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		pollInterval    time.Duration
		maxConcurrent   int
		shutdownTimeout time.Duration
		limiter         *rate.Limiter

		mu         sync.Mutex
		active     map[string]struct{}
		emptyPolls int
		lastClaim  time.Time
		startedAt  time.Time
		running    bool

		pollCancel context.CancelFunc
		jobCancel  context.CancelFunc
		pollWG     sync.WaitGroup
		jobWG      sync.WaitGroup
	}

	// Health is a readable snapshot of worker state. The worker does not serve
	// it over the network itself.
	Health struct {
		WorkerID              string    `json:"worker_id"`
		Running               bool      `json:"running"`
		ActiveJobs            int       `json:"active_jobs"`
		ConsecutiveEmptyPolls int       `json:"consecutive_empty_polls"`
		LastClaimAt           time.Time `json:"last_claim_at,omitempty"`
		StartedAt             time.Time `json:"started_at,omitempty"`
	}

	// Option configures a Worker.
	Option func(*Worker)
)

// WithPollInterval sets the idle delay between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxConcurrent bounds simultaneous handler executions.
func WithMaxConcurrent(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxConcurrent = n
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight jobs before
// abandoning them.
func WithShutdownTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.shutdownTimeout = d
		}
	}
}

// WithClaimLimiter rate-limits claim attempts against the store. Useful when
// many workers share a small store deployment.
func WithClaimLimiter(l *rate.Limiter) Option {
	return func(w *Worker) {
		w.limiter = l
	}
}

// WithLogger sets the structured logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(w *Worker) {
		w.logger = l
	}
}

// WithMetrics sets the metrics recorder. Defaults to noop.
func WithMetrics(m telemetry.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithTracer sets the tracer. Defaults to noop.
func WithTracer(t telemetry.Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

// WithValidator shares a compiled-schema cache across workers.
func WithValidator(v *validator.Validator) Option {
	return func(w *Worker) {
		w.val = v
	}
}

// New constructs a worker over the shared queue store, the loaded registry,
// and the handler registration table. The worker id combines host identity
// with a random suffix so claims are attributable across a fleet.
func New(store queue.Store, reg *registry.Registry, handlers *handler.Table, bus events.Bus, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, errors.New("queue store is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if handlers == nil {
		return nil, errors.New("handler table is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	w := &Worker{
		id:              workerID(),
		store:           store,
		registry:        reg,
		handlers:        handlers,
		engine:          idempotency.New(store),
		bus:             bus,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		tracer:          telemetry.NewNoopTracer(),
		pollInterval:    DefaultPollInterval,
		maxConcurrent:   DefaultMaxConcurrent,
		shutdownTimeout: DefaultShutdownTimeout,
		active:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.val == nil {
		w.val = validator.New()
	}
	return w, nil
}

// ID returns the worker's globally unique identity.
func (w *Worker) ID() string { return w.id }

// Start spawns the poll loop. It returns immediately; call Stop to shut down.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.running = true
	w.startedAt = time.Now().UTC()
	pollCtx, pollCancel := context.WithCancel(ctx)
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	w.pollCancel = pollCancel
	w.jobCancel = jobCancel
	w.mu.Unlock()

	w.pollWG.Add(1)
	go w.poll(pollCtx, jobCtx)
	w.logger.Info(ctx, "worker started", telemetry.Fields{
		"worker_id":      w.id,
		"poll_interval":  w.pollInterval.String(),
		"max_concurrent": w.maxConcurrent,
	})
	return nil
}

// Stop halts polling, waits up to the shutdown timeout for in-flight jobs,
// and abandons anything still running beyond it. Abandoned calls stay in
// running; the declared idempotency mode of their tools governs safe
// re-execution after requeue.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	pollCancel := w.pollCancel
	jobCancel := w.jobCancel
	w.mu.Unlock()

	pollCancel()
	w.pollWG.Wait()

	done := make(chan struct{})
	go func() {
		w.jobWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info(ctx, "worker stopped", telemetry.Fields{"worker_id": w.id})
		return nil
	case <-time.After(w.shutdownTimeout):
	case <-ctx.Done():
	}

	jobCancel()
	w.mu.Lock()
	abandoned := len(w.active)
	w.mu.Unlock()
	w.logger.Warn(ctx, "worker stopped with jobs abandoned", telemetry.Fields{
		"worker_id": w.id,
		"abandoned": abandoned,
	})
	return fmt.Errorf("shutdown abandoned %d in-flight job(s)", abandoned)
}

// Health returns a snapshot of worker state.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Health{
		WorkerID:              w.id,
		Running:               w.running,
		ActiveJobs:            len(w.active),
		ConsecutiveEmptyPolls: w.emptyPolls,
		LastClaimAt:           w.lastClaim,
		StartedAt:             w.startedAt,
	}
}

// poll claims calls while capacity is available, executing each one
// asynchronously so polling continues. Consecutive empty polls grow the sleep
// interval by backoffMultiplier up to backoffCap; a successful claim resets it.
func (w *Worker) poll(ctx, jobCtx context.Context) {
	defer w.pollWG.Done()

	interval := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.activeCount() >= w.maxConcurrent {
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}

		call, err := w.store.ClaimNext(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error(ctx, "claim failed", telemetry.Fields{"worker_id": w.id, "err": err})
			w.metrics.ClaimError(w.id)
			if !sleep(ctx, interval) {
				return
			}
			interval = grow(interval)
			continue
		}
		if call == nil {
			w.mu.Lock()
			w.emptyPolls++
			polls := w.emptyPolls
			w.mu.Unlock()
			w.metrics.EmptyPolls(w.id, polls)
			if !sleep(ctx, interval) {
				return
			}
			interval = grow(interval)
			continue
		}

		interval = w.pollInterval
		w.mu.Lock()
		w.emptyPolls = 0
		w.lastClaim = time.Now().UTC()
		w.active[call.ID] = struct{}{}
		activeJobs := len(w.active)
		w.mu.Unlock()
		w.metrics.JobClaimed(w.id, call.ToolName)
		w.metrics.ActiveJobs(w.id, activeJobs)

		w.jobWG.Add(1)
		go func(call *queue.ToolCall) {
			defer w.jobWG.Done()
			defer func() {
				w.mu.Lock()
				delete(w.active, call.ID)
				remaining := len(w.active)
				w.mu.Unlock()
				w.metrics.ActiveJobs(w.id, remaining)
			}()
			w.execute(jobCtx, call)
		}(call)
	}
}

func (w *Worker) activeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// sleep waits for d or until the context ends; it reports whether polling
// should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func grow(interval time.Duration) time.Duration {
	grown := time.Duration(float64(interval) * backoffMultiplier)
	if grown > backoffCap {
		return backoffCap
	}
	return grown
}

// workerID combines host identity with a random suffix.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return host + "-" + suffix
}
