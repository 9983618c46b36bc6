// Package worker drains the notification queue and hands each notification
// to a Publisher.
package worker

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
	"github.com/okian/mindtriage/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	defaultRetries          = 2
	defaultRetryBackoff     = 100 * time.Millisecond
	metricsUpdateInterval   = 5 * time.Second
	poolShutdownTimeout     = 30 * time.Second
)

// Notification is what workers read off the queue.
type Notification = model.Notification

// Publisher delivers a notification to its destination.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Queue defines how workers receive notifications.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Notification
}

// Worker publishes notifications using the provided interfaces.
type Worker interface {
	// Run starts the worker loop until ctx is canceled or the queue is drained.
	Run(ctx context.Context)

	// Shutdown stops the worker without draining.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker for publishing notifications.
type InMemoryWorker struct {
	queue     Queue
	publisher Publisher
	name      string

	retries int
	backoff time.Duration

	// processed is shared with the pool for throughput metrics.
	processed *atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, publisher Publisher, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:     queue,
		publisher: publisher,
		name:      "worker",
		retries:   defaultRetries,
		backoff:   defaultRetryBackoff,
		processed: &atomic.Int64{},
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}

	return w
}

// Run starts the worker loop. It returns once the queue is closed and
// drained, ctx is canceled or Shutdown is called.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	items := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case n, ok := <-items:
			if !ok {
				return
			}
			if err := w.process(ctx, n); err != nil {
				w.logger.Error(ctx, "notification not delivered",
					logger.String("notification_id", n.ID),
					logger.String("kind", string(n.Kind)),
					logger.Error(err),
				)
			}
		}
	}
}

// Shutdown stops the worker.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker) process(ctx context.Context, n Notification) error { //nolint:gocritic // hugeParam: passed by value for channel semantics
	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	kind := string(n.Kind)
	var err error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff * time.Duration(attempt)):
			}
		}
		if err = w.publisher.Publish(ctx, n); err == nil {
			metrics.RecordNotificationPublished(kind)
			w.processed.Add(1)
			return nil
		}
		w.logger.Debug(ctx, "publish attempt failed",
			logger.String("notification_id", n.ID),
			logger.Int("attempt", attempt+1),
			logger.Error(err),
		)
	}

	metrics.RecordNotificationFailure(kind)
	metrics.RecordWorkerError()
	metrics.RecordErrorByComponent("worker", "publish_error")
	metrics.RecordErrorByType("publish_error", "medium")
	return fmt.Errorf("publish %s after %d attempts: %w", n.ID, w.retries+1, err)
}

// Pool manages multiple workers sharing one queue and one publisher.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}

	processed         atomic.Int64
	lastProcessedTime time.Time

	logger logger.Logger
}

// NewPool creates a new worker pool. A workerCount below one selects a
// count derived from the number of CPUs.
func NewPool(workerCount int, queue Queue, publisher Publisher, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers:           make([]*InMemoryWorker, workerCount),
		queue:             queue,
		stopped:           make(chan struct{}),
		lastProcessedTime: time.Now(),
		logger:            logger.Get().Named("worker-pool"),
	}

	for i := 0; i < workerCount; i++ {
		workerOpts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		w := NewInMemoryWorker(queue, publisher, workerOpts...)
		w.processed = &pool.processed
		pool.workers[i] = w
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(workerCount)
	metrics.UpdateWorkerIdleCount(0)
	metrics.UpdateWorkerMessagesPerSecond(0.0)

	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns the number of notifications delivered so far.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Start starts all workers in the pool. The workers outlive ctx only until
// Shutdown is called; canceling ctx stops them immediately.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-p.stopped:
		}
	}()

	for _, w := range p.workers {
		go w.Run(runCtx)
	}

	go p.startMetricsUpdater(runCtx)
}

func (p *Pool) startMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = p.updateMetrics(last)
		}
	}
}

func (p *Pool) updateMetrics(last int64) int64 {
	now := time.Now()
	current := p.processed.Load()
	if elapsed := now.Sub(p.lastProcessedTime).Seconds(); elapsed > 0 {
		metrics.UpdateWorkerMessagesPerSecond(float64(current-last) / elapsed)
	}
	p.lastProcessedTime = now

	active := 0
	for _, w := range p.workers {
		select {
		case <-w.done:
		default:
			active++
		}
	}
	metrics.UpdateWorkerActiveCount(active)
	metrics.UpdateWorkerIdleCount(len(p.workers) - active)
	return current
}

// Shutdown closes the queue and lets the workers drain what is left. When
// ctx expires first the remaining notifications are abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var err error
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			p.logger.Warn(ctx, "worker drain timed out", logger.Int("worker_id", i))
			err = fmt.Errorf("drain timed out: %w", shutdownCtx.Err())
		}
		if err != nil {
			break
		}
	}

	p.stopOnce.Do(func() {
		close(p.stopped)
		if p.cancel != nil {
			p.cancel()
		}
	})

	metrics.UpdateWorkerActiveCount(0)
	metrics.UpdateWorkerIdleCount(len(p.workers))
	return err
}
