package assignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/storage/memory"
)

func seedRunning(t *testing.T, store *memory.Store, traffic float64) experiment.Experiment {
	t.Helper()
	exp, err := store.CreateExperiment(context.Background(), experiment.Experiment{
		Name:                "search ranking",
		Metric:              "click_through",
		ConfigKey:           "click_through",
		TrafficFraction:     traffic,
		ConfidenceThreshold: 0.95,
		Status:              experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "control", Label: "control", Weight: 1, Control: true},
			{ID: "ml-rank", Label: "ml rank", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("seed experiment: %v", err)
	}
	return exp
}

func TestAssignIsDeterministic(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	first, err := svc.Assign(ctx, exp.ID, "user-42")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !first.InExperiment || !first.FirstExposure {
		t.Fatalf("unexpected first assignment: %+v", first)
	}

	for i := 0; i < 10; i++ {
		repeat, err := svc.Assign(ctx, exp.ID, "user-42")
		if err != nil {
			t.Fatalf("repeat assign: %v", err)
		}
		if repeat.VariantID != first.VariantID {
			t.Fatalf("assignment changed from %q to %q", first.VariantID, repeat.VariantID)
		}
		if repeat.FirstExposure {
			t.Fatal("repeat assignment reported as first exposure")
		}
	}
}

func TestAssignSplitsTrafficEvenly(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	const users = 10000
	perVariant := map[string]int{}
	for i := 0; i < users; i++ {
		a, err := svc.Assign(ctx, exp.ID, fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if !a.InExperiment {
			t.Fatalf("user-%d excluded with full traffic", i)
		}
		perVariant[a.VariantID]++
	}

	for variant, count := range perVariant {
		share := float64(count) / users
		if math.Abs(share-0.5) > 0.03 {
			t.Fatalf("variant %q share %.3f outside 0.5±0.03", variant, share)
		}
	}
}

func TestAssignHonorsTrafficFraction(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 0.1)

	const users = 10000
	in := 0
	for i := 0; i < users; i++ {
		a, err := svc.Assign(ctx, exp.ID, fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if a.InExperiment {
			in++
		}
	}

	share := float64(in) / users
	if math.Abs(share-0.1) > 0.02 {
		t.Fatalf("in-experiment share %.3f outside 0.1±0.02", share)
	}
}

func TestExcludedUserStaysExcluded(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 0.01)

	// Find an excluded user, then confirm the decision is stable.
	var excluded string
	for i := 0; i < 1000; i++ {
		userID := fmt.Sprintf("user-%d", i)
		a, err := svc.Assign(ctx, exp.ID, userID)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if !a.InExperiment {
			excluded = userID
			break
		}
	}
	if excluded == "" {
		t.Fatal("no excluded user found at 1% traffic")
	}

	for i := 0; i < 5; i++ {
		a, err := svc.Assign(ctx, exp.ID, excluded)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if a.InExperiment {
			t.Fatal("excluded user was admitted on retry")
		}
	}
}

func TestAssignUnknownExperiment(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)

	if _, err := svc.Assign(context.Background(), "missing", "user-1"); !errors.Is(err, experiment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignConcludedExperimentServesDefault(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	if _, _, err := store.ConcludeExperiment(ctx, exp.ID, "control"); err != nil {
		t.Fatalf("conclude: %v", err)
	}

	a, err := svc.Assign(ctx, exp.ID, "user-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.InExperiment {
		t.Fatal("concluded experiment still assigning users")
	}
}

func TestAssignAutoStartsDraftWithTraffic(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()

	exp, err := store.CreateExperiment(ctx, experiment.Experiment{
		Name:                "onboarding checklist",
		Metric:              "activation",
		ConfigKey:           "activation",
		TrafficFraction:     1,
		ConfidenceThreshold: 0.95,
		Status:              experiment.StatusDraft,
		Variants: []experiment.Variant{
			{ID: "control", Weight: 1, Control: true},
			{ID: "checklist", Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a, err := svc.Assign(ctx, exp.ID, "user-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !a.InExperiment {
		t.Fatal("draft with traffic should auto-start and assign")
	}

	current, err := store.GetExperiment(ctx, exp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != experiment.StatusRunning {
		t.Fatalf("expected running after auto-start, got %s", current.Status)
	}
}

func TestConcurrentAssignRecordsOneExposure(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	const callers = 32
	firsts := make(chan bool, callers)
	variants := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.Assign(ctx, exp.ID, "user-7")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			firsts <- a.FirstExposure
			variants <- a.VariantID
		}()
	}
	wg.Wait()
	close(firsts)
	close(variants)

	firstCount := 0
	for f := range firsts {
		if f {
			firstCount++
		}
	}
	if firstCount != 1 {
		t.Fatalf("expected exactly one first exposure, got %d", firstCount)
	}

	var variant string
	for v := range variants {
		if variant == "" {
			variant = v
		} else if v != variant {
			t.Fatalf("concurrent callers saw different variants: %q vs %q", variant, v)
		}
	}
}

func TestRecordConversionRequiresExposure(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	// Unexposed user: dropped silently.
	if err := svc.RecordConversion(ctx, exp.ID, "stranger", 1); err != nil {
		t.Fatalf("conversion for unexposed user should be dropped, got %v", err)
	}
	counts, err := store.AggregateCounts(ctx, exp.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected no counts, got %+v", counts)
	}

	a, err := svc.Assign(ctx, exp.ID, "user-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := svc.RecordConversion(ctx, exp.ID, "user-1", 9.5); err != nil {
		t.Fatalf("conversion: %v", err)
	}

	counts, err = store.AggregateCounts(ctx, exp.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(counts) != 1 || counts[0].VariantID != a.VariantID || counts[0].ConvertedUsers != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestRecordConversionDroppedWhenNotRunning(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()
	exp := seedRunning(t, store, 1)

	if _, err := svc.Assign(ctx, exp.ID, "user-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, _, err := store.ConcludeExperiment(ctx, exp.ID, "control"); err != nil {
		t.Fatalf("conclude: %v", err)
	}

	if err := svc.RecordConversion(ctx, exp.ID, "user-1", 1); err != nil {
		t.Fatalf("conversion after conclusion should be dropped, got %v", err)
	}
	counts, err := store.AggregateCounts(ctx, exp.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(counts) != 1 || counts[0].Conversions != 0 {
		t.Fatalf("conversion leaked into concluded experiment: %+v", counts)
	}
}

func TestListUserAssignments(t *testing.T) {
	store := memory.New()
	svc := New(store, store, nil)
	ctx := context.Background()

	expA := seedRunning(t, store, 1)
	expB := seedRunning(t, store, 1)

	if _, err := svc.Assign(ctx, expA.ID, "user-1"); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := svc.Assign(ctx, expB.ID, "user-1"); err != nil {
		t.Fatalf("assign b: %v", err)
	}

	exposures, err := svc.ListUserAssignments(ctx, "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(exposures) != 2 {
		t.Fatalf("expected 2 exposures, got %d", len(exposures))
	}
	for _, e := range exposures {
		if e.UserID != "user-1" {
			t.Fatalf("wrong user in exposure: %+v", e)
		}
	}
}

func TestHashUnitRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		u := hashUnit("exp", fmt.Sprintf("user-%d", i), saltVariant)
		if u < 0 || u >= 1 {
			t.Fatalf("hashUnit out of range: %v", u)
		}
	}
}

func TestTrafficAndVariantHashesAreIndependent(t *testing.T) {
	same := 0
	const n = 2000
	for i := 0; i < n; i++ {
		userID := fmt.Sprintf("user-%d", i)
		a := hashUnit("exp", userID, saltTraffic) < 0.5
		b := hashUnit("exp", userID, saltVariant) < 0.5
		if a == b {
			same++
		}
	}
	share := float64(same) / n
	if math.Abs(share-0.5) > 0.05 {
		t.Fatalf("salted hashes correlate: agreement %.3f", share)
	}
}

func TestSelectVariantRespectsWeights(t *testing.T) {
	exp := experiment.Experiment{
		ID: "weighted",
		Variants: []experiment.Variant{
			{ID: "control", Weight: 3},
			{ID: "treatment", Weight: 1},
		},
	}

	const users = 10000
	counts := map[string]int{}
	for i := 0; i < users; i++ {
		v := selectVariant(exp, fmt.Sprintf("user-%d", i))
		counts[v.ID]++
	}

	controlShare := float64(counts["control"]) / users
	if math.Abs(controlShare-0.75) > 0.03 {
		t.Fatalf("control share %.3f outside 0.75±0.03", controlShare)
	}
}
