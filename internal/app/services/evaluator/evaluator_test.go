package evaluator

import (
	"testing"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
)

func twoArmExperiment(minSample int64, threshold float64) experiment.Experiment {
	return experiment.Experiment{
		ID:                  "exp-1",
		Name:                "paywall copy",
		Metric:              "subscribe",
		ConfigKey:           "subscribe",
		MinSampleSize:       minSample,
		ConfidenceThreshold: threshold,
		Status:              experiment.StatusRunning,
		Variants: []experiment.Variant{
			{ID: "control", Label: "control", Weight: 1, Control: true},
			{ID: "benefit-led", Label: "benefit led", Weight: 1},
		},
	}
}

func variantResult(t *testing.T, res Result, id string) VariantResult {
	t.Helper()
	for _, vr := range res.Variants {
		if vr.VariantID == id {
			return vr
		}
	}
	t.Fatalf("variant %q missing from result", id)
	return VariantResult{}
}

func TestEvaluateFindsClearWinner(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(50, 0.95)
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 1000, ConvertedUsers: 100},
		{VariantID: "benefit-led", Exposures: 1000, ConvertedUsers: 200},
	}

	res := eval.Evaluate(exp, counts)
	if !res.Significant {
		t.Fatalf("expected significance: %+v", res)
	}
	if res.RecommendedWinner != "benefit-led" || res.Leader != "benefit-led" {
		t.Fatalf("expected benefit-led as winner, got %+v", res)
	}
	if res.BestProbability < 0.95 {
		t.Fatalf("best probability %.3f below threshold", res.BestProbability)
	}

	winner := variantResult(t, res, "benefit-led")
	if winner.UpliftVsControl == nil || *winner.UpliftVsControl < 0.5 {
		t.Fatalf("expected ~100%% uplift, got %+v", winner.UpliftVsControl)
	}
	if ctrl := variantResult(t, res, "control"); ctrl.UpliftVsControl != nil {
		t.Fatal("control should not report uplift against itself")
	}
}

func TestEvaluateCloseRaceIsNotSignificant(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(50, 0.95)
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 1000, ConvertedUsers: 150},
		{VariantID: "benefit-led", Exposures: 1000, ConvertedUsers: 152},
	}

	res := eval.Evaluate(exp, counts)
	if res.Significant {
		t.Fatalf("near-tie declared significant: %+v", res)
	}
	if res.RecommendedWinner != "" {
		t.Fatalf("no winner expected, got %q", res.RecommendedWinner)
	}
}

func TestEvaluateMinSampleSizeGate(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(1000, 0.9)
	// Extreme rates, but far under the sample floor.
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 5, ConvertedUsers: 0},
		{VariantID: "benefit-led", Exposures: 5, ConvertedUsers: 5},
	}

	res := eval.Evaluate(exp, counts)
	if res.Significant {
		t.Fatal("undersampled experiment declared significant")
	}
	for _, vr := range res.Variants {
		if !vr.InsufficientData {
			t.Fatalf("variant %q should be flagged undersampled", vr.VariantID)
		}
	}
}

func TestEvaluateNoExposures(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(10, 0.95)

	res := eval.Evaluate(exp, nil)
	if res.Significant || res.Leader != "" || res.BestProbability != 0 {
		t.Fatalf("empty experiment should have no leader: %+v", res)
	}
	if res.Recommendation == "" {
		t.Fatal("recommendation text missing")
	}
}

func TestEvaluateOneSidedExposure(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(10, 0.95)
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 500, ConvertedUsers: 400},
	}

	res := eval.Evaluate(exp, counts)
	if res.Significant {
		t.Fatal("experiment with an unexposed variant declared significant")
	}
	if res.Leader != "control" || res.BestProbability != 1 {
		t.Fatalf("single evaluable variant should lead outright: %+v", res)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(50, 0.95)
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 800, ConvertedUsers: 90},
		{VariantID: "benefit-led", Exposures: 820, ConvertedUsers: 110},
	}

	first := eval.Evaluate(exp, counts)
	for i := 0; i < 3; i++ {
		again := eval.Evaluate(exp, counts)
		if again.BestProbability != first.BestProbability || again.Leader != first.Leader {
			t.Fatalf("evaluation drifted: %.4f/%s vs %.4f/%s",
				first.BestProbability, first.Leader, again.BestProbability, again.Leader)
		}
	}
}

func TestEvaluateProbabilitiesSumToOne(t *testing.T) {
	eval := New(nil)
	exp := twoArmExperiment(10, 0.95)
	counts := []event.VariantCounts{
		{VariantID: "control", Exposures: 300, ConvertedUsers: 30},
		{VariantID: "benefit-led", Exposures: 300, ConvertedUsers: 36},
	}

	res := eval.Evaluate(exp, counts)
	sum := 0.0
	for _, vr := range res.Variants {
		sum += vr.ProbabilityBest
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("probabilities sum to %.4f", sum)
	}
}
