package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	experiments   map[string]experiment.Experiment
	exposures     map[string]map[string]event.Exposure // experiment id -> user id
	conversions   map[string][]event.Conversion        // experiment id
	activeConfigs map[string]experiment.ActiveConfig   // config key
}

var _ storage.ExperimentStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.ActiveConfigStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:        1,
		experiments:   make(map[string]experiment.Experiment),
		exposures:     make(map[string]map[string]event.Exposure),
		conversions:   make(map[string][]event.Conversion),
		activeConfigs: make(map[string]experiment.ActiveConfig),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// ExperimentStore implementation ----------------------------------------------

func (s *Store) CreateExperiment(_ context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp.ID == "" {
		exp.ID = s.nextIDLocked()
	} else if _, exists := s.experiments[exp.ID]; exists {
		return experiment.Experiment{}, fmt.Errorf("experiment %s already exists", exp.ID)
	}

	now := time.Now().UTC()
	exp.CreatedAt = now
	exp.UpdatedAt = now
	exp.Variants = cloneVariants(exp.Variants)

	s.experiments[exp.ID] = exp
	return cloneExperiment(exp), nil
}

func (s *Store) UpdateExperiment(_ context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.experiments[exp.ID]
	if !ok {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", exp.ID, experiment.ErrNotFound)
	}

	exp.CreatedAt = original.CreatedAt
	exp.UpdatedAt = time.Now().UTC()
	exp.Variants = cloneVariants(exp.Variants)

	s.experiments[exp.ID] = exp
	return cloneExperiment(exp), nil
}

func (s *Store) GetExperiment(_ context.Context, id string) (experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.experiments[id]
	if !ok {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	return cloneExperiment(exp), nil
}

func (s *Store) ListExperiments(_ context.Context, status experiment.Status) ([]experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]experiment.Experiment, 0)
	for _, exp := range s.experiments {
		if status == "" || exp.Status == status {
			result = append(result, cloneExperiment(exp))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from, to experiment.Status) (experiment.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return experiment.Experiment{}, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	if exp.Status != from {
		return experiment.Experiment{}, fmt.Errorf("experiment %s is %s, expected %s: %w", id, exp.Status, from, experiment.ErrStatusConflict)
	}

	exp.Status = to
	exp.UpdatedAt = time.Now().UTC()
	s.experiments[id] = exp
	return cloneExperiment(exp), nil
}

func (s *Store) ConcludeExperiment(_ context.Context, id, winner string) (experiment.Experiment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.experiments[id]
	if !ok {
		return experiment.Experiment{}, false, fmt.Errorf("experiment %s: %w", id, experiment.ErrNotFound)
	}
	if exp.Status == experiment.StatusConcluded {
		return cloneExperiment(exp), false, nil
	}

	now := time.Now().UTC()
	exp.Status = experiment.StatusConcluded
	exp.Winner = winner
	exp.ConcludedAt = now
	exp.UpdatedAt = now
	s.experiments[id] = exp
	return cloneExperiment(exp), true, nil
}

// EventStore implementation ----------------------------------------------------

func (s *Store) RecordExposure(_ context.Context, exp event.Exposure) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := s.exposures[exp.ExperimentID]
	if byUser == nil {
		byUser = make(map[string]event.Exposure)
		s.exposures[exp.ExperimentID] = byUser
	}
	if _, exists := byUser[exp.UserID]; exists {
		return false, nil
	}

	if exp.AssignedAt.IsZero() {
		exp.AssignedAt = time.Now().UTC()
	}
	byUser[exp.UserID] = exp
	return true, nil
}

func (s *Store) GetExposure(_ context.Context, experimentID, userID string) (event.Exposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.exposures[experimentID][userID]
	if !ok {
		return event.Exposure{}, fmt.Errorf("exposure for user %s in experiment %s: %w", userID, experimentID, experiment.ErrNotFound)
	}
	return exp, nil
}

func (s *Store) ListUserExposures(_ context.Context, userID string) ([]event.Exposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Exposure, 0)
	for _, byUser := range s.exposures {
		if exp, ok := byUser[userID]; ok {
			result = append(result, exp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AssignedAt.Before(result[j].AssignedAt) })
	return result, nil
}

func (s *Store) RecordConversion(_ context.Context, conv event.Conversion) (event.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv.ID == "" {
		conv.ID = s.nextIDLocked()
	}
	if conv.OccurredAt.IsZero() {
		conv.OccurredAt = time.Now().UTC()
	}
	s.conversions[conv.ExperimentID] = append(s.conversions[conv.ExperimentID], conv)
	return conv, nil
}

func (s *Store) AggregateCounts(_ context.Context, experimentID string) ([]event.VariantCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byVariant := make(map[string]*event.VariantCounts)
	order := make([]string, 0)
	counts := func(variantID string) *event.VariantCounts {
		c, ok := byVariant[variantID]
		if !ok {
			c = &event.VariantCounts{VariantID: variantID}
			byVariant[variantID] = c
			order = append(order, variantID)
		}
		return c
	}

	for _, exp := range s.exposures[experimentID] {
		counts(exp.VariantID).Exposures++
	}

	converted := make(map[string]map[string]bool)
	for _, conv := range s.conversions[experimentID] {
		c := counts(conv.VariantID)
		c.Conversions++
		c.ValueSum += conv.Value
		users := converted[conv.VariantID]
		if users == nil {
			users = make(map[string]bool)
			converted[conv.VariantID] = users
		}
		if !users[conv.UserID] {
			users[conv.UserID] = true
			c.ConvertedUsers++
		}
	}

	sort.Strings(order)
	result := make([]event.VariantCounts, 0, len(order))
	for _, id := range order {
		result = append(result, *byVariant[id])
	}
	return result, nil
}

// ActiveConfigStore implementation ---------------------------------------------

func (s *Store) GetActiveConfig(_ context.Context, key string) (experiment.ActiveConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.activeConfigs[key]
	if !ok {
		return experiment.ActiveConfig{}, fmt.Errorf("active config %s: %w", key, experiment.ErrNotFound)
	}
	return cloneActiveConfig(cfg), nil
}

func (s *Store) CompareAndSwapActiveConfig(_ context.Context, cfg experiment.ActiveConfig, expectedVersion int64) (experiment.ActiveConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.activeConfigs[cfg.Key]
	if exists && current.Version != expectedVersion {
		return experiment.ActiveConfig{}, fmt.Errorf("active config %s at version %d, expected %d: %w", cfg.Key, current.Version, expectedVersion, experiment.ErrVersionConflict)
	}
	if !exists && expectedVersion != 0 {
		return experiment.ActiveConfig{}, fmt.Errorf("active config %s does not exist, expected version %d: %w", cfg.Key, expectedVersion, experiment.ErrVersionConflict)
	}

	cfg.Version = expectedVersion + 1
	cfg.UpdatedAt = time.Now().UTC()
	cfg.Config = cloneRaw(cfg.Config)
	s.activeConfigs[cfg.Key] = cfg
	return cloneActiveConfig(cfg), nil
}

// Helpers ----------------------------------------------------------------------

func cloneRaw(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	return append([]byte(nil), src...)
}

func cloneVariants(src []experiment.Variant) []experiment.Variant {
	if len(src) == 0 {
		return nil
	}
	dst := make([]experiment.Variant, len(src))
	copy(dst, src)
	for i := range dst {
		dst[i].Config = cloneRaw(dst[i].Config)
	}
	return dst
}

func cloneExperiment(exp experiment.Experiment) experiment.Experiment {
	exp.Variants = cloneVariants(exp.Variants)
	return exp
}

func cloneActiveConfig(cfg experiment.ActiveConfig) experiment.ActiveConfig {
	cfg.Config = cloneRaw(cfg.Config)
	return cfg
}
