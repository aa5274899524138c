package promotion

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/peptide-ai/experiment-layer/internal/app/system"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// DefaultSchedule runs a promotion cycle every minute.
const DefaultSchedule = "@every 1m"

const defaultCycleTimeout = 30 * time.Second

// Scheduler triggers promotion cycles on a cron schedule. Each tick runs one
// bounded cycle; the same cycle is also invokable on demand over HTTP, so
// tests drive it deterministically without the clock.
type Scheduler struct {
	controller *Controller
	log        *logger.Logger
	schedule   string
	timeout    time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	running bool
}

// NewScheduler creates a lifecycle-managed promotion scheduler.
func NewScheduler(controller *Controller, schedule string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("promotion-scheduler")
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		controller: controller,
		log:        log,
		schedule:   schedule,
		timeout:    defaultCycleTimeout,
	}
}

// WithCycleTimeout bounds each scheduled cycle. Call before Start.
func (s *Scheduler) WithCycleTimeout(timeout time.Duration) *Scheduler {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

func (s *Scheduler) Name() string { return "promotion-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runner := cron.New()
	if _, err := runner.AddFunc(s.schedule, s.tick); err != nil {
		return err
	}

	s.cron = runner
	s.baseCtx = ctx
	s.running = true
	runner.Start()

	s.log.WithField("schedule", s.schedule).Info("promotion scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	runner := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	done := runner.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("promotion scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	base := s.baseCtx
	running := s.running
	s.mu.Unlock()
	if !running || s.controller == nil {
		return
	}
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()

	if _, err := s.controller.RunCycle(ctx); err != nil {
		s.log.WithError(err).Warn("scheduled promotion cycle failed")
	}
}
