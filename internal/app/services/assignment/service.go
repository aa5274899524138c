// Package assignment implements deterministic user-to-variant assignment with
// idempotent exposure recording.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/metrics"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

// Assignment is the result of placing a user against an experiment.
// InExperiment=false means the caller should serve its default path.
type Assignment struct {
	ExperimentID  string          `json:"experiment_id"`
	VariantID     string          `json:"variant_id,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	InExperiment  bool            `json:"in_experiment"`
	FirstExposure bool            `json:"first_exposure"`
}

// Service computes assignments and records exposure and conversion events.
type Service struct {
	experiments storage.ExperimentStore
	events      storage.EventStore
	log         *logger.Logger
}

// New constructs an assignment service.
func New(experiments storage.ExperimentStore, events storage.EventStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("assignment")
	}
	return &Service{experiments: experiments, events: events, log: log}
}

// Assign deterministically places a user into a variant of the experiment.
// Repeated calls for the same (experiment, user) always return the same
// variant and record at most one exposure. Storage outages degrade to
// InExperiment=false with a nil error so the caller's response path is never
// blocked; an unknown experiment id is the one condition reported as an error.
func (s *Service) Assign(ctx context.Context, experimentID, userID string) (Assignment, error) {
	experimentID = strings.TrimSpace(experimentID)
	userID = strings.TrimSpace(userID)
	if experimentID == "" || userID == "" {
		return Assignment{}, fmt.Errorf("experiment id and user id are required")
	}

	out := Assignment{ExperimentID: experimentID}

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return Assignment{}, err
		}
		s.log.WithError(err).WithField("experiment_id", experimentID).Warn("registry unavailable; serving default path")
		metrics.RecordAssignment(metrics.AssignmentDegraded)
		return out, nil
	}

	exp, ok := s.ensureRunning(ctx, exp)
	if !ok {
		metrics.RecordAssignment(metrics.AssignmentNotRunning)
		return out, nil
	}

	if hashUnit(experimentID, userID, saltTraffic) >= exp.TrafficFraction {
		metrics.RecordAssignment(metrics.AssignmentExcluded)
		return out, nil
	}

	variant := selectVariant(exp, userID)

	created, err := s.events.RecordExposure(ctx, event.Exposure{
		ExperimentID: experimentID,
		VariantID:    variant.ID,
		UserID:       userID,
		AssignedAt:   time.Now().UTC(),
	})
	if err != nil {
		// The variant is still served; only the exposure record is lost.
		s.log.WithError(err).
			WithField("experiment_id", experimentID).
			WithField("variant_id", variant.ID).
			Warn("record exposure failed")
	}
	if created {
		metrics.RecordExposure()
	} else if err == nil {
		// An exposure already exists. Honor it even if it predates a
		// definition edit made between an abandon and a restart, so the
		// user keeps the variant they were first assigned.
		if stored, getErr := s.events.GetExposure(ctx, experimentID, userID); getErr == nil && stored.VariantID != variant.ID {
			if v, found := exp.Variant(stored.VariantID); found {
				variant = v
			}
		}
	}

	metrics.RecordAssignment(metrics.AssignmentAssigned)
	out.VariantID = variant.ID
	out.Config = variant.Config
	out.InExperiment = true
	out.FirstExposure = created
	return out, nil
}

// RecordConversion appends a conversion event for an exposed user. Calls
// against draft or concluded experiments, or for users outside the
// experiment, are dropped silently so callers need not branch on lifecycle.
func (s *Service) RecordConversion(ctx context.Context, experimentID, userID string, value float64) error {
	experimentID = strings.TrimSpace(experimentID)
	userID = strings.TrimSpace(userID)
	if experimentID == "" || userID == "" {
		return fmt.Errorf("experiment id and user id are required")
	}

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return err
		}
		s.log.WithError(err).WithField("experiment_id", experimentID).Warn("registry unavailable; conversion dropped")
		return nil
	}
	if exp.Status != experiment.StatusRunning {
		s.log.WithField("experiment_id", experimentID).
			WithField("status", string(exp.Status)).
			Debug("conversion against non-running experiment dropped")
		return nil
	}

	exposure, err := s.events.GetExposure(ctx, experimentID, userID)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return nil
		}
		s.log.WithError(err).WithField("experiment_id", experimentID).Warn("exposure lookup failed; conversion dropped")
		return nil
	}

	_, err = s.events.RecordConversion(ctx, event.Conversion{
		ExperimentID: experimentID,
		VariantID:    exposure.VariantID,
		UserID:       userID,
		Value:        value,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	metrics.RecordConversion()
	return nil
}

// ListUserAssignments returns every exposure recorded for a user.
func (s *Service) ListUserAssignments(ctx context.Context, userID string) ([]event.Exposure, error) {
	return s.events.ListUserExposures(ctx, userID)
}

// ensureRunning auto-starts a draft experiment with positive traffic on first
// assignment, mirroring the registry lifecycle. The transition is a
// compare-and-swap; losing the race just means someone else started it.
func (s *Service) ensureRunning(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, bool) {
	switch exp.Status {
	case experiment.StatusRunning:
		return exp, true
	case experiment.StatusDraft:
		if exp.TrafficFraction <= 0 {
			return exp, false
		}
		started, err := s.experiments.TransitionStatus(ctx, exp.ID, experiment.StatusDraft, experiment.StatusRunning)
		if err == nil {
			s.log.WithField("experiment_id", exp.ID).Info("experiment started on first assignment")
			return started, true
		}
		if errors.Is(err, experiment.ErrStatusConflict) {
			current, getErr := s.experiments.GetExperiment(ctx, exp.ID)
			if getErr == nil && current.Status == experiment.StatusRunning {
				return current, true
			}
		}
		return exp, false
	default:
		return exp, false
	}
}
