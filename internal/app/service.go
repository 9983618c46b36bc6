// Package service wires the triage engine to storage and notification
// delivery and implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/mindtriage/internal/adapters/mq/natsbus"
	"github.com/okian/mindtriage/internal/adapters/mq/queue"
	"github.com/okian/mindtriage/internal/adapters/mq/worker"
	"github.com/okian/mindtriage/internal/adapters/repository"
	"github.com/okian/mindtriage/internal/config"
	"github.com/okian/mindtriage/internal/domain/dedupe"
	"github.com/okian/mindtriage/internal/domain/triage"
	"github.com/okian/mindtriage/pkg/logger"
	"github.com/okian/mindtriage/pkg/metrics"
)

// Publisher delivers notifications and releases its connection on Close.
type Publisher interface {
	worker.Publisher
	Close() error
}

// Overrides relax submission rules. They are granted by the HTTP layer in
// dev mode and never reach the engine.
type Overrides struct {
	AllowBackdate  bool
	BypassCooldown bool
}

// Service implements the API dependencies for the triage system.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	engine    *triage.Engine
	store     repository.Store
	deduper   dedupe.Deduper
	queue     *queue.InMemoryQueue
	pool      *worker.Pool
	publisher Publisher

	// userLocks serializes submissions of one user.
	userLocks sync.Map

	ownsStore bool
	started   bool
	now       func() time.Time

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore injects a repository instead of opening the configured one.
// The caller keeps ownership and closes it.
func WithStore(s repository.Store) Option {
	return func(svc *Service) {
		if s != nil {
			svc.store = s
		}
	}
}

// WithPublisher injects the notification publisher.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service from cfg. A nil cfg selects the defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens storage, builds the engine and starts the notification workers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}

	s.logger.Info(ctx, "starting triage service...")

	engine, err := triage.New(s.cfg.Engine)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	s.engine = engine

	if s.store == nil {
		store, err := OpenStore(ctx, s.cfg.Storage)
		if err != nil {
			return err
		}
		s.store = store
		s.ownsStore = true
	}

	if s.publisher == nil {
		pub, err := s.openPublisher(ctx)
		if err != nil {
			s.closeStore(ctx)
			return err
		}
		s.publisher = pub
	}

	s.deduper = dedupe.NewInMemoryDeduper(
		dedupe.WithMaxSize(s.cfg.Dedupe.Size),
		dedupe.WithTTL(s.cfg.Dedupe.TTL),
		dedupe.WithClock(s.now),
	)
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.Queue.Capacity))
	s.pool = worker.NewPool(s.cfg.Workers.Count, s.queue, s.publisher)
	s.pool.Start(ctx)

	if c, err := s.store.Counts(ctx); err == nil {
		repository.UpdateCountMetrics(c)
	}

	s.started = true
	s.logger.Info(ctx, "triage service started",
		logger.String("storage", s.cfg.Storage.Driver),
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueCapacity", s.queue.Cap()),
		logger.Bool("devMode", s.cfg.DevMode),
	)
	return nil
}

func (s *Service) openPublisher(ctx context.Context) (Publisher, error) {
	if s.cfg.NATS.URL == "" {
		s.logger.Info(ctx, "no NATS url configured, notifications are logged")
		return natsbus.NewLogPublisher(s.cfg.NATS.SubjectPrefix), nil
	}
	pub, err := natsbus.Connect(ctx, s.cfg.NATS)
	if err != nil {
		return nil, fmt.Errorf("connect notification bus: %w", err)
	}
	s.logger.Info(ctx, "publishing notifications to NATS", logger.String("prefix", s.cfg.NATS.SubjectPrefix))
	return pub, nil
}

// Stop drains pending notifications and releases resources.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.logger.Info(ctx, "stopping triage service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "notification drain incomplete", logger.Error(err))
	}
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn(ctx, "closing publisher", logger.Error(err))
	}
	s.closeStore(ctx)

	s.started = false
	s.logger.Info(ctx, "triage service stopped")
}

func (s *Service) closeStore(ctx context.Context) {
	if !s.ownsStore || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn(ctx, "closing store", logger.Error(err))
	}
	s.store = nil
	s.ownsStore = false
}

// running returns the live components or ErrNotStarted.
func (s *Service) running() (repository.Store, *triage.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, ErrNotStarted
	}
	return s.store, s.engine, nil
}

// DevMode reports whether dev-mode overrides are enabled.
func (s *Service) DevMode() bool { return s.cfg.DevMode }

// Health pings the store.
func (s *Service) Health(ctx context.Context) error {
	store, _, err := s.running()
	if err != nil {
		return err
	}
	return store.Ping(ctx)
}

// StorageDriver names the configured repository.
func (s *Service) StorageDriver() string { return s.cfg.Storage.Driver }

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started": s.started,
		"storage": s.cfg.Storage.Driver,
		"devMode": s.cfg.DevMode,
	}
	if !s.started {
		return stats
	}

	stats["queueLength"] = s.queue.Len(ctx)
	stats["queueCapacity"] = s.queue.Cap()
	stats["workerCount"] = s.pool.Size()
	stats["notificationsDelivered"] = s.pool.Processed()
	stats["submissionIDsTracked"] = s.deduper.Size()

	if c, err := s.store.Counts(ctx); err == nil {
		stats["entries"] = c.Entries
		stats["users"] = c.Users
		stats["crisisEvents"] = c.CrisisEvents
	} else {
		s.logger.Warn(ctx, "counting store records", logger.Error(err))
	}

	metrics.UpdateWorkerCount(s.pool.Size())
	return stats
}

// lockUser serializes work on one user's timeline.
func (s *Service) lockUser(userID string) func() {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
