// Package app wires the experiment services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/peptide-ai/experiment-layer/internal/app/services/assignment"
	"github.com/peptide-ai/experiment-layer/internal/app/services/evaluator"
	"github.com/peptide-ai/experiment-layer/internal/app/services/experiments"
	"github.com/peptide-ai/experiment-layer/internal/app/services/promotion"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
	"github.com/peptide-ai/experiment-layer/internal/app/storage/memory"
	"github.com/peptide-ai/experiment-layer/internal/app/system"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Experiments   storage.ExperimentStore
	Events        storage.EventStore
	ActiveConfigs storage.ActiveConfigStore
}

// Options tunes background behavior.
type Options struct {
	// PromotionSchedule is a cron expression for the promotion loop.
	// Empty uses the default (every minute).
	PromotionSchedule string
	// PromotionCycleTimeout bounds a single scheduled cycle.
	PromotionCycleTimeout time.Duration
	// DisablePromotionLoop leaves promotion on-demand only.
	DisablePromotionLoop bool
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Experiments *experiments.Service
	Assignments *assignment.Service
	Promotion   *promotion.Controller
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Experiments == nil {
		stores.Experiments = mem
	}
	if stores.Events == nil {
		stores.Events = mem
	}
	if stores.ActiveConfigs == nil {
		stores.ActiveConfigs = mem
	}

	manager := system.NewManager()

	expService := experiments.New(stores.Experiments, stores.ActiveConfigs, log)
	assignService := assignment.New(stores.Experiments, stores.Events, log)
	eval := evaluator.New(log)
	controller := promotion.New(stores.Experiments, stores.Events, stores.ActiveConfigs, eval, log)

	for _, name := range []string{"experiments", "assignment"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}

	if !opts.DisablePromotionLoop {
		scheduler := promotion.NewScheduler(controller, opts.PromotionSchedule, log)
		if opts.PromotionCycleTimeout > 0 {
			scheduler.WithCycleTimeout(opts.PromotionCycleTimeout)
		}
		if err := manager.Register(scheduler); err != nil {
			return nil, fmt.Errorf("register %s: %w", scheduler.Name(), err)
		}
	} else {
		log.Warn("promotion loop disabled; experiments conclude on demand only")
	}

	return &Application{
		manager:     manager,
		log:         log,
		Experiments: expService,
		Assignments: assignService,
		Promotion:   controller,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
