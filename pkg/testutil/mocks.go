// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"sync"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage"
)

// FaultStore wraps a storage implementation and injects failures per method
// name. It exercises the degraded paths that a healthy store never reaches.
type FaultStore struct {
	Experiments storage.ExperimentStore
	Events      storage.EventStore
	Configs     storage.ActiveConfigStore

	mu     sync.RWMutex
	faults map[string]error
}

// NewFaultStore wraps the given backing stores.
func NewFaultStore(experiments storage.ExperimentStore, events storage.EventStore, configs storage.ActiveConfigStore) *FaultStore {
	return &FaultStore{
		Experiments: experiments,
		Events:      events,
		Configs:     configs,
		faults:      make(map[string]error),
	}
}

// FailWith makes the named method return err. A nil err clears the fault.
func (f *FaultStore) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, method)
		return
	}
	f.faults[method] = err
}

func (f *FaultStore) fault(method string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.faults[method]
}

func (f *FaultStore) CreateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	if err := f.fault("CreateExperiment"); err != nil {
		return experiment.Experiment{}, err
	}
	return f.Experiments.CreateExperiment(ctx, exp)
}

func (f *FaultStore) UpdateExperiment(ctx context.Context, exp experiment.Experiment) (experiment.Experiment, error) {
	if err := f.fault("UpdateExperiment"); err != nil {
		return experiment.Experiment{}, err
	}
	return f.Experiments.UpdateExperiment(ctx, exp)
}

func (f *FaultStore) GetExperiment(ctx context.Context, id string) (experiment.Experiment, error) {
	if err := f.fault("GetExperiment"); err != nil {
		return experiment.Experiment{}, err
	}
	return f.Experiments.GetExperiment(ctx, id)
}

func (f *FaultStore) ListExperiments(ctx context.Context, status experiment.Status) ([]experiment.Experiment, error) {
	if err := f.fault("ListExperiments"); err != nil {
		return nil, err
	}
	return f.Experiments.ListExperiments(ctx, status)
}

func (f *FaultStore) TransitionStatus(ctx context.Context, id string, from, to experiment.Status) (experiment.Experiment, error) {
	if err := f.fault("TransitionStatus"); err != nil {
		return experiment.Experiment{}, err
	}
	return f.Experiments.TransitionStatus(ctx, id, from, to)
}

func (f *FaultStore) ConcludeExperiment(ctx context.Context, id, winner string) (experiment.Experiment, bool, error) {
	if err := f.fault("ConcludeExperiment"); err != nil {
		return experiment.Experiment{}, false, err
	}
	return f.Experiments.ConcludeExperiment(ctx, id, winner)
}

func (f *FaultStore) RecordExposure(ctx context.Context, exposure event.Exposure) (bool, error) {
	if err := f.fault("RecordExposure"); err != nil {
		return false, err
	}
	return f.Events.RecordExposure(ctx, exposure)
}

func (f *FaultStore) GetExposure(ctx context.Context, experimentID, userID string) (event.Exposure, error) {
	if err := f.fault("GetExposure"); err != nil {
		return event.Exposure{}, err
	}
	return f.Events.GetExposure(ctx, experimentID, userID)
}

func (f *FaultStore) ListUserExposures(ctx context.Context, userID string) ([]event.Exposure, error) {
	if err := f.fault("ListUserExposures"); err != nil {
		return nil, err
	}
	return f.Events.ListUserExposures(ctx, userID)
}

func (f *FaultStore) RecordConversion(ctx context.Context, conv event.Conversion) (event.Conversion, error) {
	if err := f.fault("RecordConversion"); err != nil {
		return event.Conversion{}, err
	}
	return f.Events.RecordConversion(ctx, conv)
}

func (f *FaultStore) AggregateCounts(ctx context.Context, experimentID string) ([]event.VariantCounts, error) {
	if err := f.fault("AggregateCounts"); err != nil {
		return nil, err
	}
	return f.Events.AggregateCounts(ctx, experimentID)
}

func (f *FaultStore) GetActiveConfig(ctx context.Context, key string) (experiment.ActiveConfig, error) {
	if err := f.fault("GetActiveConfig"); err != nil {
		return experiment.ActiveConfig{}, err
	}
	return f.Configs.GetActiveConfig(ctx, key)
}

func (f *FaultStore) CompareAndSwapActiveConfig(ctx context.Context, cfg experiment.ActiveConfig, expectedVersion int64) (experiment.ActiveConfig, error) {
	if err := f.fault("CompareAndSwapActiveConfig"); err != nil {
		return experiment.ActiveConfig{}, err
	}
	return f.Configs.CompareAndSwapActiveConfig(ctx, cfg, expectedVersion)
}

var _ storage.ExperimentStore = (*FaultStore)(nil)
var _ storage.EventStore = (*FaultStore)(nil)
var _ storage.ActiveConfigStore = (*FaultStore)(nil)
