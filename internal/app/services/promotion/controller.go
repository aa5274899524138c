// Package promotion decides, per evaluation cycle, whether running
// experiments continue collecting data or conclude with a promoted winner.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/metrics"
	"github.com/peptide-ai/experiment-layer/internal/app/services/evaluator"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

const activeConfigRetries = 3

// PromotedExperiment describes an experiment concluded during a cycle.
type PromotedExperiment struct {
	ExperimentID string  `json:"experiment_id"`
	Name         string  `json:"name"`
	Winner       string  `json:"winner"`
	Confidence   float64 `json:"confidence"`
}

// PendingExperiment describes an experiment left running after a cycle.
type PendingExperiment struct {
	ExperimentID   string `json:"experiment_id"`
	Name           string `json:"name"`
	Recommendation string `json:"recommendation"`
}

// CycleReport summarizes one promotion cycle. Waiting experiments simply need
// more data; NeedsAttention flags experiments where the leading probability
// sits below an even coin flip, meaning the control is likely winning.
type CycleReport struct {
	Promoted       []PromotedExperiment `json:"promoted"`
	Waiting        []PendingExperiment  `json:"waiting"`
	NeedsAttention []PendingExperiment  `json:"needs_attention"`
}

// Controller runs evaluation cycles and applies promotion side effects.
type Controller struct {
	experiments storage.ExperimentStore
	events      storage.EventStore
	configs     storage.ActiveConfigStore
	eval        *evaluator.Evaluator
	log         *logger.Logger
}

// New constructs a promotion controller.
func New(experiments storage.ExperimentStore, events storage.EventStore, configs storage.ActiveConfigStore, eval *evaluator.Evaluator, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("promotion")
	}
	if eval == nil {
		eval = evaluator.New(log)
	}
	return &Controller{
		experiments: experiments,
		events:      events,
		configs:     configs,
		eval:        eval,
		log:         log,
	}
}

// Results evaluates a single experiment on demand.
func (c *Controller) Results(ctx context.Context, experimentID string) (evaluator.Result, error) {
	exp, err := c.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return evaluator.Result{}, err
	}
	counts, err := c.events.AggregateCounts(ctx, experimentID)
	if err != nil {
		return evaluator.Result{}, err
	}
	return c.eval.Evaluate(exp, counts), nil
}

// RunCycle evaluates every running experiment once and promotes confident
// winners. A cycle with nothing to decide is a no-op and may be repeated
// indefinitely; experiments never conclude on absence of data.
func (c *Controller) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{
		Promoted:       []PromotedExperiment{},
		Waiting:        []PendingExperiment{},
		NeedsAttention: []PendingExperiment{},
	}

	running, err := c.experiments.ListExperiments(ctx, experiment.StatusRunning)
	if err != nil {
		metrics.RecordPromotionCycle(false)
		return report, fmt.Errorf("list running experiments: %w", err)
	}

	var firstErr error
	for _, exp := range running {
		res, err := c.Results(ctx, exp.ID)
		if err != nil {
			c.log.WithError(err).WithField("experiment_id", exp.ID).Warn("evaluation failed; retried next cycle")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		switch {
		case res.Significant && res.RecommendedWinner != "":
			concluded, err := c.conclude(ctx, exp, res.RecommendedWinner)
			if err != nil {
				c.log.WithError(err).WithField("experiment_id", exp.ID).Warn("promotion failed; retried next cycle")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			report.Promoted = append(report.Promoted, PromotedExperiment{
				ExperimentID: exp.ID,
				Name:         exp.Name,
				Winner:       concluded.Winner,
				Confidence:   res.BestProbability,
			})
		case res.Leader != "" && res.BestProbability < 0.5:
			report.NeedsAttention = append(report.NeedsAttention, PendingExperiment{
				ExperimentID:   exp.ID,
				Name:           exp.Name,
				Recommendation: res.Recommendation,
			})
		default:
			report.Waiting = append(report.Waiting, PendingExperiment{
				ExperimentID:   exp.ID,
				Name:           exp.Name,
				Recommendation: res.Recommendation,
			})
		}
	}

	metrics.RecordPromotionCycle(firstErr == nil)
	c.log.WithField("promoted", len(report.Promoted)).
		WithField("waiting", len(report.Waiting)).
		WithField("needs_attention", len(report.NeedsAttention)).
		Info("promotion cycle finished")
	return report, firstErr
}

// Conclude force-concludes an experiment. An empty winner picks the current
// evaluation leader, falling back to the control variant. Concluding an
// already-concluded experiment returns the recorded winner without re-applying
// the transition, but still re-propagates the winning configuration when the
// active-config pointer does not reflect it yet, so a propagation that failed
// after the transition is retried by calling Conclude again.
func (c *Controller) Conclude(ctx context.Context, experimentID, winner string) (experiment.Experiment, error) {
	exp, err := c.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if exp.Status == experiment.StatusConcluded {
		if err := c.ensurePropagated(ctx, exp); err != nil {
			return experiment.Experiment{}, err
		}
		return exp, nil
	}

	if winner == "" {
		res, err := c.Results(ctx, experimentID)
		if err != nil {
			return experiment.Experiment{}, err
		}
		winner = res.Leader
		if winner == "" {
			winner = exp.ControlVariant().ID
		}
	}
	if _, ok := exp.Variant(winner); !ok {
		return experiment.Experiment{}, fmt.Errorf("%w: unknown winner variant %q", experiment.ErrInvalidDefinition, winner)
	}

	return c.conclude(ctx, exp, winner)
}

// conclude applies the one-way transition and propagates the winning
// configuration. The transition is a compare-and-swap; the loser of a
// concurrent race observes applied=false and returns the recorded winner
// without re-applying side effects.
func (c *Controller) conclude(ctx context.Context, exp experiment.Experiment, winner string) (experiment.Experiment, error) {
	concluded, applied, err := c.experiments.ConcludeExperiment(ctx, exp.ID, winner)
	if err != nil {
		return experiment.Experiment{}, err
	}
	if !applied {
		return concluded, nil
	}

	metrics.RecordPromotion()
	c.log.WithField("experiment_id", concluded.ID).
		WithField("winner", concluded.Winner).
		Info("experiment concluded")

	if err := c.propagate(ctx, concluded); err != nil {
		// The conclusion stands; only the default pointer is stale.
		// Re-running Conclude retries the propagation once the store is
		// healthy again.
		c.log.WithError(err).
			WithField("experiment_id", concluded.ID).
			WithField("config_key", concluded.ConfigKey).
			Error("propagate winning configuration failed")
		return concluded, err
	}
	return concluded, nil
}

// ensurePropagated repairs the active-config pointer for a concluded
// experiment. A concluded experiment whose routing key does not point at its
// recorded winner had its propagation interrupted, so the pointer update is
// replayed here.
func (c *Controller) ensurePropagated(ctx context.Context, exp experiment.Experiment) error {
	if exp.Winner == "" {
		return nil
	}
	current, err := c.configs.GetActiveConfig(ctx, exp.ConfigKey)
	switch {
	case err == nil:
		if current.ExperimentID == exp.ID && current.VariantID == exp.Winner {
			return nil
		}
	case errors.Is(err, experiment.ErrNotFound):
	default:
		return err
	}

	c.log.WithField("experiment_id", exp.ID).
		WithField("config_key", exp.ConfigKey).
		Info("re-propagating winning configuration")
	return c.propagate(ctx, exp)
}

// propagate updates the active-configuration pointer for the experiment's
// routing key via compare-and-swap, retrying on version races.
func (c *Controller) propagate(ctx context.Context, exp experiment.Experiment) error {
	variant, ok := exp.Variant(exp.Winner)
	if !ok {
		return fmt.Errorf("%w: winner variant %q missing from definition", experiment.ErrInvalidDefinition, exp.Winner)
	}

	for attempt := 0; attempt < activeConfigRetries; attempt++ {
		var version int64
		current, err := c.configs.GetActiveConfig(ctx, exp.ConfigKey)
		switch {
		case err == nil:
			version = current.Version
		case errors.Is(err, experiment.ErrNotFound):
			version = 0
		default:
			return err
		}

		_, err = c.configs.CompareAndSwapActiveConfig(ctx, experiment.ActiveConfig{
			Key:          exp.ConfigKey,
			ExperimentID: exp.ID,
			VariantID:    variant.ID,
			Config:       variant.Config,
			UpdatedAt:    time.Now().UTC(),
		}, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, experiment.ErrVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("active config %s: %w", exp.ConfigKey, experiment.ErrVersionConflict)
}
