package storage

import (
	"context"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
)

// ExperimentStore persists experiment definitions and owns the lifecycle
// compare-and-swap primitives.
type ExperimentStore interface {
	CreateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error)
	UpdateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error)
	GetExperiment(ctx context.Context, id string) (experiment.Experiment, error)
	ListExperiments(ctx context.Context, status experiment.Status) ([]experiment.Experiment, error)

	// TransitionStatus atomically moves an experiment from one lifecycle
	// state to another. It returns experiment.ErrStatusConflict when the
	// current state differs from the expected one.
	TransitionStatus(ctx context.Context, id string, from, to experiment.Status) (experiment.Experiment, error)

	// ConcludeExperiment atomically moves a draft or running experiment to
	// concluded with the given winner. When the experiment is already
	// concluded it reports applied=false and returns the stored record
	// untouched, so racing concluders converge on a single winner.
	ConcludeExperiment(ctx context.Context, id, winner string) (exp experiment.Experiment, applied bool, err error)
}

// EventStore appends exposure and conversion events and serves the aggregate
// counts the evaluator reads. Writes must be safe under arbitrary concurrency;
// aggregation is a pure read.
type EventStore interface {
	// RecordExposure inserts the exposure unless one already exists for the
	// (experiment, user) pair. created reports whether this call won.
	RecordExposure(ctx context.Context, exp event.Exposure) (created bool, err error)
	GetExposure(ctx context.Context, experimentID, userID string) (event.Exposure, error)
	ListUserExposures(ctx context.Context, userID string) ([]event.Exposure, error)

	RecordConversion(ctx context.Context, conv event.Conversion) (event.Conversion, error)

	AggregateCounts(ctx context.Context, experimentID string) ([]event.VariantCounts, error)
}

// ActiveConfigStore persists the versioned default-configuration pointers
// promoted winners are propagated to.
type ActiveConfigStore interface {
	GetActiveConfig(ctx context.Context, key string) (experiment.ActiveConfig, error)

	// CompareAndSwapActiveConfig writes cfg if the stored version equals
	// expectedVersion (0 for a key with no record yet) and returns the new
	// record with its version incremented. A mismatch returns
	// experiment.ErrVersionConflict.
	CompareAndSwapActiveConfig(ctx context.Context, cfg experiment.ActiveConfig, expectedVersion int64) (experiment.ActiveConfig, error)
}
