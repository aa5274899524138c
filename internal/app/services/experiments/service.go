// Package experiments implements the experiment registry: definition CRUD
// with lifecycle guards that keep running definitions immutable.
package experiments

import (
	"context"
	"fmt"
	"strings"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

// Service manages experiment definitions.
type Service struct {
	store   storage.ExperimentStore
	configs storage.ActiveConfigStore
	log     *logger.Logger
}

// New constructs a registry service.
func New(store storage.ExperimentStore, configs storage.ActiveConfigStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("experiments")
	}
	return &Service{store: store, configs: configs, log: log}
}

// Create validates and stores a new experiment in draft state. A failing
// definition is rejected whole; nothing is partially applied.
func (s *Service) Create(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	normalize(&exp)
	if err := exp.Validate(); err != nil {
		return experiment.Experiment{}, err
	}

	exp.Status = experiment.StatusDraft
	exp.Winner = ""
	created, err := s.store.CreateExperiment(ctx, exp)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", created.ID).
		WithField("metric", created.Metric).
		WithField("variants", len(created.Variants)).
		Info("experiment created")
	return created, nil
}

// Update applies a definition change. Variants, weights, and traffic fraction
// are only mutable while the experiment is a draft; running definitions are
// immutable because assignment determinism depends on them.
func (s *Service) Update(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	current, err := s.store.GetExperiment(ctx, exp.ID)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if current.Status != experiment.StatusDraft {
		return experiment.Experiment{}, fmt.Errorf("experiment %s is %s: %w", exp.ID, current.Status, experiment.ErrRunningImmutable)
	}

	normalize(&exp)
	if err := exp.Validate(); err != nil {
		return experiment.Experiment{}, err
	}
	exp.Status = current.Status
	exp.Winner = current.Winner

	updated, err := s.store.UpdateExperiment(ctx, exp)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", updated.ID).Info("experiment updated")
	return updated, nil
}

// Start moves a draft experiment to running. Experiments with zero traffic
// cannot start; they would never assign anyone.
func (s *Service) Start(ctx context.Context, id string) (experiment.Experiment, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if exp.TrafficFraction <= 0 {
		return experiment.Experiment{}, fmt.Errorf("%w: traffic_fraction must be positive to start", experiment.ErrInvalidDefinition)
	}

	started, err := s.store.TransitionStatus(ctx, id, experiment.StatusDraft, experiment.StatusRunning)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", id).Info("experiment started")
	return started, nil
}

// Abandon rolls a running experiment back to draft. The transition is
// synchronous; assignment calls observing the new state immediately stop
// placing users. Accumulated events are retained.
func (s *Service) Abandon(ctx context.Context, id string) (experiment.Experiment, error) {
	exp, err := s.store.TransitionStatus(ctx, id, experiment.StatusRunning, experiment.StatusDraft)
	if err != nil {
		return experiment.Experiment{}, err
	}
	s.log.WithField("experiment_id", id).Warn("experiment abandoned")
	return exp, nil
}

// Get fetches an experiment by identifier.
func (s *Service) Get(ctx context.Context, id string) (experiment.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// List lists experiments, optionally filtered by lifecycle state.
func (s *Service) List(ctx context.Context, status experiment.Status) ([]experiment.Experiment, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status filter %q", status)
	}
	return s.store.ListExperiments(ctx, status)
}

// ActiveConfig returns the current default configuration for a routing key.
func (s *Service) ActiveConfig(ctx context.Context, key string) (experiment.ActiveConfig, error) {
	return s.configs.GetActiveConfig(ctx, key)
}

func normalize(exp *experiment.Experiment) {
	exp.Name = strings.TrimSpace(exp.Name)
	exp.Metric = strings.TrimSpace(exp.Metric)
	exp.ConfigKey = strings.TrimSpace(exp.ConfigKey)
	if exp.ConfigKey == "" {
		exp.ConfigKey = exp.Metric
	}
	for i := range exp.Variants {
		exp.Variants[i].ID = strings.TrimSpace(exp.Variants[i].ID)
		exp.Variants[i].Label = strings.TrimSpace(exp.Variants[i].Label)
		if exp.Variants[i].Label == "" {
			exp.Variants[i].Label = exp.Variants[i].ID
		}
	}
}
