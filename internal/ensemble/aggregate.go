// Package ensemble combines strategy outcomes into one weighted-consensus decision.
package ensemble

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// MaxBonus caps the ensemble accuracy bonus.
	MaxBonus = 1.05

	// MaxEstimatedAccuracy keeps an ensemble from claiming certainty.
	MaxEstimatedAccuracy = 0.999

	// MaxUncertainty is the upper clamp of the uncertainty score (0-100 scale).
	MaxUncertainty = 30.0

	tieEpsilon = 1e-12
)

// ErrNoOutcomes is returned when there is nothing to aggregate.
var ErrNoOutcomes = errors.New("no strategy outcomes")

// Result is the consensus of the present strategies.
type Result struct {
	Label             string
	Confidence        float64
	Uncertainty       float64
	EstimatedAccuracy float64
	Majority          bool

	// Weights are renormalized over the present strategies.
	Weights       map[string]float64
	Contributions []domain.StrategyContribution
	Reasoning     []string
}

// UniqueLabels returns the number of distinct labels among the outcomes.
func UniqueLabels(outcomes []domain.StrategyOutcome) int {
	seen := make(map[string]struct{}, len(outcomes))
	for _, o := range outcomes {
		seen[o.Label] = struct{}{}
	}
	return len(seen)
}

// Aggregate combines outcomes by weighted consensus.
//
// Algorithm:
// 1. Renormalize configured weights over the present outcomes
// 2. Combined confidence = sum(weight * confidence)
// 3. A strict majority label wins; otherwise the outcome with the highest
//    weight * confidence wins (ties: higher weight, then smaller id)
// 4. Uncertainty = 2 * population stddev of confidences on a 0-100 scale, clamped to [0, 30]
// 5. Estimated accuracy = sum(weight * accuracy), times bonus when at least
//    two outcomes are present, capped at 0.999
func Aggregate(outcomes []domain.StrategyOutcome, weights map[string]float64, bonus float64) (*Result, error) {
	if len(outcomes) == 0 {
		return nil, ErrNoOutcomes
	}

	sorted := append([]domain.StrategyOutcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StrategyID < sorted[j].StrategyID })

	norm := Normalize(sorted, weights)

	var combined, accuracy float64
	for _, o := range sorted {
		w := norm[o.StrategyID]
		combined += w * o.Confidence
		accuracy += w * o.Accuracy
	}

	label, majority, leader := chooseLabel(sorted, norm)

	if len(sorted) >= 2 {
		accuracy *= clampBonus(bonus)
	}

	result := &Result{
		Label:             label,
		Confidence:        clamp(combined, 0, 1),
		Uncertainty:       uncertainty(sorted),
		EstimatedAccuracy: math.Min(accuracy, MaxEstimatedAccuracy),
		Majority:          majority,
		Weights:           norm,
		Contributions:     make([]domain.StrategyContribution, 0, len(sorted)),
		Reasoning:         make([]string, 0, len(sorted)+2),
	}

	for _, o := range sorted {
		w := norm[o.StrategyID]
		result.Contributions = append(result.Contributions, domain.StrategyContribution{
			StrategyID:   o.StrategyID,
			Label:        o.Label,
			Confidence:   o.Confidence,
			Weight:       w,
			Contribution: w * o.Confidence,
			Agreed:       o.Label == label,
		})
		result.Reasoning = append(result.Reasoning, fmt.Sprintf(
			"%s proposed %q with confidence %.1f%% (weight %.2f)",
			o.StrategyID, o.Label, o.Confidence*100, w,
		))
	}

	if majority {
		result.Reasoning = append(result.Reasoning, fmt.Sprintf(
			"consensus %q by majority of %d/%d strategies",
			label, countLabel(sorted, label), len(sorted),
		))
	} else {
		result.Reasoning = append(result.Reasoning, fmt.Sprintf(
			"no majority; %q chosen from %s with the highest weighted confidence",
			label, leader,
		))
	}
	result.Reasoning = append(result.Reasoning, fmt.Sprintf(
		"combined confidence %.1f%%, uncertainty %.1f, estimated accuracy %.1f%%",
		result.Confidence*100, result.Uncertainty, result.EstimatedAccuracy*100,
	))

	return result, nil
}

// Normalize rescales the configured weights of the present outcomes to sum
// to 1. If they sum to zero every outcome gets an equal share.
func Normalize(outcomes []domain.StrategyOutcome, weights map[string]float64) map[string]float64 {
	norm := make(map[string]float64, len(outcomes))

	var total float64
	for _, o := range outcomes {
		if w := weights[o.StrategyID]; w > 0 {
			total += w
		}
	}

	for _, o := range outcomes {
		if total <= 0 {
			norm[o.StrategyID] = 1 / float64(len(outcomes))
			continue
		}
		w := weights[o.StrategyID]
		if w < 0 {
			w = 0
		}
		norm[o.StrategyID] = w / total
	}
	return norm
}

// chooseLabel returns the winning label, whether it won by strict majority,
// and the strategy that led when there was no majority.
func chooseLabel(outcomes []domain.StrategyOutcome, norm map[string]float64) (string, bool, string) {
	counts := make(map[string]int, len(outcomes))
	for _, o := range outcomes {
		counts[o.Label]++
	}
	for label, n := range counts {
		if 2*n > len(outcomes) {
			return label, true, ""
		}
	}

	best := outcomes[0]
	for _, o := range outcomes[1:] {
		if better(o, best, norm) {
			best = o
		}
	}
	return best.Label, false, best.StrategyID
}

// better reports whether a beats b: higher weight*confidence, then higher
// weight, then smaller strategy id.
func better(a, b domain.StrategyOutcome, norm map[string]float64) bool {
	wa, wb := norm[a.StrategyID], norm[b.StrategyID]
	sa, sb := wa*a.Confidence, wb*b.Confidence

	if math.Abs(sa-sb) > tieEpsilon {
		return sa > sb
	}
	if math.Abs(wa-wb) > tieEpsilon {
		return wa > wb
	}
	return a.StrategyID < b.StrategyID
}

func countLabel(outcomes []domain.StrategyOutcome, label string) int {
	n := 0
	for _, o := range outcomes {
		if o.Label == label {
			n++
		}
	}
	return n
}

func uncertainty(outcomes []domain.StrategyOutcome) float64 {
	n := float64(len(outcomes))

	var mean float64
	for _, o := range outcomes {
		mean += o.Confidence * 100
	}
	mean /= n

	var variance float64
	for _, o := range outcomes {
		d := o.Confidence*100 - mean
		variance += d * d
	}
	variance /= n

	return clamp(2*math.Sqrt(variance), 0, MaxUncertainty)
}

func clampBonus(bonus float64) float64 {
	if bonus <= 0 {
		return 1
	}
	return math.Min(bonus, MaxBonus)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
