package experiments

import (
	"context"
	"errors"
	"testing"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage/memory"
)

func newService() *Service {
	store := memory.New()
	return New(store, store, nil)
}

func definition() experiment.Experiment {
	return experiment.Experiment{
		Name:                "pricing page layout",
		Metric:              "upgrade",
		TrafficFraction:     0.5,
		ConfidenceThreshold: 0.95,
		Variants: []experiment.Variant{
			{ID: "control", Weight: 1, Control: true},
			{ID: "cards", Weight: 1},
		},
	}
}

func TestCreateDefaultsAndDraftState(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, definition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != experiment.StatusDraft {
		t.Fatalf("new experiments must be drafts, got %s", created.Status)
	}
	if created.ConfigKey != "upgrade" {
		t.Fatalf("config key should default to the metric, got %q", created.ConfigKey)
	}
	if created.Variants[0].Label != "control" {
		t.Fatalf("label should default to the variant id, got %q", created.Variants[0].Label)
	}
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	svc := newService()
	def := definition()
	def.Variants = def.Variants[:1]

	if _, err := svc.Create(context.Background(), def); !errors.Is(err, experiment.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestUpdateOnlyWhileDraft(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, definition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	created.Hypothesis = "cards read faster"
	if _, err := svc.Update(ctx, created); err != nil {
		t.Fatalf("draft update: %v", err)
	}

	if _, err := svc.Start(ctx, created.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	created.TrafficFraction = 1
	if _, err := svc.Update(ctx, created); !errors.Is(err, experiment.ErrRunningImmutable) {
		t.Fatalf("expected ErrRunningImmutable, got %v", err)
	}
}

func TestStartRequiresTraffic(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	def := definition()
	def.TrafficFraction = 0
	created, err := svc.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Start(ctx, created.ID); !errors.Is(err, experiment.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestAbandonReturnsToDraft(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	created, err := svc.Create(ctx, definition())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Start(ctx, created.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	abandoned, err := svc.Abandon(ctx, created.ID)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.Status != experiment.StatusDraft {
		t.Fatalf("expected draft after abandon, got %s", abandoned.Status)
	}

	// A draft cannot be abandoned again.
	if _, err := svc.Abandon(ctx, created.ID); !errors.Is(err, experiment.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}
