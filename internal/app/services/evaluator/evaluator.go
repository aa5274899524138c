// Package evaluator computes, per experiment, the posterior probability that
// each variant is the best, using a Beta-Binomial model over binary per-user
// conversion.
package evaluator

import (
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/peptide-ai/experiment-layer/internal/app/domain/event"
	"github.com/peptide-ai/experiment-layer/internal/app/domain/experiment"
	"github.com/peptide-ai/experiment-layer/internal/app/metrics"
	"github.com/peptide-ai/experiment-layer/pkg/logger"
)

const defaultDraws = 10000

// VariantResult reports a variant's observed metrics and its posterior
// probability of being the best arm.
type VariantResult struct {
	VariantID        string   `json:"variant_id"`
	Label            string   `json:"label"`
	Control          bool     `json:"control,omitempty"`
	Exposures        int64    `json:"exposures"`
	ConvertedUsers   int64    `json:"converted_users"`
	Conversions      int64    `json:"conversions"`
	ValueSum         float64  `json:"value_sum"`
	ConversionRate   float64  `json:"conversion_rate"`
	ProbabilityBest  float64  `json:"probability_best"`
	UpliftVsControl  *float64 `json:"uplift_vs_control,omitempty"`
	InsufficientData bool     `json:"insufficient_data,omitempty"`
}

// Result is the evaluation of one experiment.
type Result struct {
	ExperimentID      string          `json:"experiment_id"`
	Metric            string          `json:"metric"`
	Variants          []VariantResult `json:"variants"`
	Significant       bool            `json:"significant"`
	RecommendedWinner string          `json:"recommended_winner,omitempty"`
	Leader            string          `json:"leader,omitempty"`
	BestProbability   float64         `json:"best_probability"`
	Recommendation    string          `json:"recommendation"`
}

// Evaluator estimates probability-of-best by Monte Carlo sampling from each
// variant's Beta posterior.
type Evaluator struct {
	draws int
	log   *logger.Logger
}

// New constructs an evaluator with the default number of posterior draws.
func New(log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewDefault("evaluator")
	}
	return &Evaluator{draws: defaultDraws, log: log}
}

// WithDraws overrides the number of Monte Carlo draws.
func (e *Evaluator) WithDraws(n int) *Evaluator {
	if n > 0 {
		e.draws = n
	}
	return e
}

// Evaluate scores the experiment against the aggregated counts. It is a pure
// function of its inputs: the random source is seeded from the experiment id
// and the counts, so re-evaluating unchanged data returns identical results.
func (e *Evaluator) Evaluate(exp experiment.Experiment, counts []event.VariantCounts) Result {
	start := time.Now()
	defer func() { metrics.RecordEvaluation(time.Since(start)) }()

	byVariant := make(map[string]event.VariantCounts, len(counts))
	for _, c := range counts {
		byVariant[c.VariantID] = c
	}

	res := Result{ExperimentID: exp.ID, Metric: exp.Metric}
	res.Variants = make([]VariantResult, 0, len(exp.Variants))
	evaluable := make([]int, 0, len(exp.Variants))
	for i, v := range exp.Variants {
		c := byVariant[v.ID]
		vr := VariantResult{
			VariantID:      v.ID,
			Label:          v.Label,
			Control:        v.Control,
			Exposures:      c.Exposures,
			ConvertedUsers: c.ConvertedUsers,
			Conversions:    c.Conversions,
			ValueSum:       c.ValueSum,
		}
		if c.Exposures > 0 {
			vr.ConversionRate = float64(c.ConvertedUsers) / float64(c.Exposures)
			evaluable = append(evaluable, i)
		}
		vr.InsufficientData = c.Exposures == 0 || c.Exposures < exp.MinSampleSize
		res.Variants = append(res.Variants, vr)
	}

	e.scoreProbabilities(exp, &res, evaluable)
	addUplift(exp, &res)

	// Significance requires every variant, control included, to clear the
	// sample-size gate; a variant with no exposures is not evaluable and
	// blocks the decision regardless of the others' rates.
	significant := len(evaluable) == len(exp.Variants)
	for _, vr := range res.Variants {
		if vr.InsufficientData {
			significant = false
		}
	}
	res.Significant = significant && res.BestProbability >= exp.ConfidenceThreshold
	if res.Significant {
		res.RecommendedWinner = res.Leader
	}
	res.Recommendation = recommend(exp, res)
	return res
}

// scoreProbabilities fills ProbabilityBest, Leader, and BestProbability.
// Variants without exposures are excluded from the draw and keep zero
// probability.
func (e *Evaluator) scoreProbabilities(exp experiment.Experiment, res *Result, evaluable []int) {
	switch len(evaluable) {
	case 0:
		return
	case 1:
		only := evaluable[0]
		res.Variants[only].ProbabilityBest = 1
		res.Leader = res.Variants[only].VariantID
		res.BestProbability = 1
		return
	}

	src := rand.NewSource(seedFor(exp, res.Variants))
	posteriors := make([]distuv.Beta, len(evaluable))
	for i, idx := range evaluable {
		vr := res.Variants[idx]
		posteriors[i] = distuv.Beta{
			Alpha: 1 + float64(vr.ConvertedUsers),
			Beta:  1 + float64(vr.Exposures-vr.ConvertedUsers),
			Src:   src,
		}
	}

	wins := make([]int, len(evaluable))
	for draw := 0; draw < e.draws; draw++ {
		best := 0
		bestSample := posteriors[0].Rand()
		for i := 1; i < len(posteriors); i++ {
			if sample := posteriors[i].Rand(); sample > bestSample {
				best = i
				bestSample = sample
			}
		}
		wins[best]++
	}

	for i, idx := range evaluable {
		p := float64(wins[i]) / float64(e.draws)
		res.Variants[idx].ProbabilityBest = p
		if p > res.BestProbability {
			res.BestProbability = p
			res.Leader = res.Variants[idx].VariantID
		}
	}
}

func addUplift(exp experiment.Experiment, res *Result) {
	control := exp.ControlVariant()
	var controlRate float64
	for _, vr := range res.Variants {
		if vr.VariantID == control.ID {
			controlRate = vr.ConversionRate
		}
	}
	if controlRate == 0 {
		return
	}
	for i := range res.Variants {
		if res.Variants[i].VariantID == control.ID {
			continue
		}
		uplift := (res.Variants[i].ConversionRate - controlRate) / controlRate
		res.Variants[i].UpliftVsControl = &uplift
	}
}

func recommend(exp experiment.Experiment, res Result) string {
	switch {
	case exp.Status == experiment.StatusConcluded:
		return fmt.Sprintf("experiment concluded; winner %s serves as the default", exp.Winner)
	case res.Significant:
		return fmt.Sprintf("confident winner %s (%.1f%% probability of best); ready to promote", res.Leader, res.BestProbability*100)
	case res.Leader == "":
		return "no exposures recorded yet"
	case underSampled(exp, res):
		return fmt.Sprintf("need more data: min sample size %d per variant not reached", exp.MinSampleSize)
	default:
		return fmt.Sprintf("no clear winner yet; best probability %.1f%%", res.BestProbability*100)
	}
}

func underSampled(exp experiment.Experiment, res Result) bool {
	for _, vr := range res.Variants {
		if vr.Exposures < exp.MinSampleSize {
			return true
		}
	}
	return false
}

// seedFor derives the Monte Carlo seed from the experiment id and the counts
// so the evaluation is reproducible for a given data snapshot.
func seedFor(exp experiment.Experiment, variants []VariantResult) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(exp.ID))
	for _, vr := range variants {
		fmt.Fprintf(h, "|%s:%d:%d", vr.VariantID, vr.Exposures, vr.ConvertedUsers)
	}
	return h.Sum64()
}
