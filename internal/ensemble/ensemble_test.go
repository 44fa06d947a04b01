package ensemble

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const tolerance = 1e-9

func outcome(id, label string, confidence, accuracy float64) domain.StrategyOutcome {
	return domain.StrategyOutcome{StrategyID: id, Label: label, Confidence: confidence, Accuracy: accuracy}
}

func TestAggregateCombinedConfidence(t *testing.T) {
	outcomes := []domain.StrategyOutcome{
		outcome("a", "approve", 0.9, 0.95),
		outcome("b", "approve", 0.8, 0.95),
		outcome("c", "review", 0.6, 0.95),
	}
	weights := map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}

	result, err := Aggregate(outcomes, weights, 1.05)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}

	want := 0.5*0.9 + 0.3*0.8 + 0.2*0.6
	if math.Abs(result.Confidence-want) > tolerance {
		t.Errorf("expected combined confidence %f, got %f", want, result.Confidence)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		t.Errorf("combined confidence out of range: %f", result.Confidence)
	}
	if result.Label != "approve" || !result.Majority {
		t.Errorf("expected majority approve, got %s (majority=%v)", result.Label, result.Majority)
	}
}

func TestAggregateRenormalizesOverPresent(t *testing.T) {
	// "c" (weight 0.45) is absent
	outcomes := []domain.StrategyOutcome{
		outcome("a", "approve", 1.0, 0.9),
		outcome("b", "approve", 0.5, 0.9),
	}
	weights := map[string]float64{"a": 0.30, "b": 0.25, "c": 0.45}

	result, err := Aggregate(outcomes, weights, 1.0)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}

	wa := 0.30 / 0.55
	wb := 0.25 / 0.55
	if math.Abs(result.Weights["a"]-wa) > tolerance || math.Abs(result.Weights["b"]-wb) > tolerance {
		t.Errorf("unexpected normalized weights: %v", result.Weights)
	}
	if _, ok := result.Weights["c"]; ok {
		t.Error("absent strategy should have no weight")
	}

	want := wa*1.0 + wb*0.5
	if math.Abs(result.Confidence-want) > tolerance {
		t.Errorf("expected %f, got %f", want, result.Confidence)
	}
}

func TestAggregateZeroWeightsAreEqual(t *testing.T) {
	outcomes := []domain.StrategyOutcome{
		outcome("a", "approve", 0.8, 0.9),
		outcome("b", "approve", 0.6, 0.9),
	}

	result, err := Aggregate(outcomes, map[string]float64{}, 1.0)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if math.Abs(result.Confidence-0.7) > tolerance {
		t.Errorf("expected 0.7, got %f", result.Confidence)
	}
}

func TestAggregateTieBreak(t *testing.T) {
	t.Run("equal score and weight picks smaller id", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{
			outcome("beta", "review", 0.8, 0.9),
			outcome("alpha", "approve", 0.8, 0.9),
		}
		weights := map[string]float64{"alpha": 0.5, "beta": 0.5}

		for i := 0; i < 100; i++ {
			rand.Shuffle(len(outcomes), func(a, b int) { outcomes[a], outcomes[b] = outcomes[b], outcomes[a] })

			result, err := Aggregate(outcomes, weights, 1.05)
			if err != nil {
				t.Fatalf("aggregate failed: %v", err)
			}
			if result.Label != "approve" {
				t.Fatalf("run %d: expected alpha's label approve, got %s", i, result.Label)
			}
			if result.Majority {
				t.Fatal("expected no majority")
			}
		}
	})

	t.Run("equal score picks higher weight", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{
			outcome("a", "approve", 0.5, 0.9),
			outcome("b", "review", 0.8, 0.9),
		}
		weights := map[string]float64{"a": 0.4, "b": 0.25}

		result, err := Aggregate(outcomes, weights, 1.05)
		if err != nil {
			t.Fatalf("aggregate failed: %v", err)
		}
		if result.Label != "approve" {
			t.Errorf("expected heavier strategy's label approve, got %s", result.Label)
		}
	})

	t.Run("highest weighted confidence wins without majority", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{
			outcome("a", "approve", 0.6, 0.9),
			outcome("b", "review", 0.9, 0.9),
			outcome("c", "reject", 0.7, 0.9),
		}
		weights := map[string]float64{"a": 0.4, "b": 0.4, "c": 0.2}

		result, err := Aggregate(outcomes, weights, 1.05)
		if err != nil {
			t.Fatalf("aggregate failed: %v", err)
		}
		if result.Label != "review" {
			t.Errorf("expected review, got %s", result.Label)
		}
	})
}

func TestAggregateMajorityBeatsScore(t *testing.T) {
	outcomes := []domain.StrategyOutcome{
		outcome("a", "approve", 0.6, 0.9),
		outcome("b", "approve", 0.6, 0.9),
		outcome("c", "review", 0.99, 0.9),
	}
	weights := map[string]float64{"a": 0.2, "b": 0.2, "c": 0.6}

	result, err := Aggregate(outcomes, weights, 1.05)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if result.Label != "approve" {
		t.Errorf("expected majority label approve, got %s", result.Label)
	}
}

func TestAggregateUncertainty(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []domain.StrategyOutcome
		want     float64
	}{
		{
			name:     "unanimous",
			outcomes: []domain.StrategyOutcome{outcome("a", "x", 0.9, 0.9), outcome("b", "x", 0.9, 0.9)},
			want:     0,
		},
		{
			name:     "small spread",
			outcomes: []domain.StrategyOutcome{outcome("a", "x", 0.90, 0.9), outcome("b", "x", 0.94, 0.9)},
			want:     4, // stddev 2 on a 0-100 scale
		},
		{
			name:     "clamped",
			outcomes: []domain.StrategyOutcome{outcome("a", "x", 0.0, 0.9), outcome("b", "x", 1.0, 0.9)},
			want:     MaxUncertainty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Aggregate(tt.outcomes, map[string]float64{"a": 0.5, "b": 0.5}, 1.0)
			if err != nil {
				t.Fatalf("aggregate failed: %v", err)
			}
			if math.Abs(result.Uncertainty-tt.want) > 1e-6 {
				t.Errorf("expected uncertainty %f, got %f", tt.want, result.Uncertainty)
			}
		})
	}
}

func TestAggregateEstimatedAccuracy(t *testing.T) {
	t.Run("single outcome gets no bonus", func(t *testing.T) {
		result, _ := Aggregate([]domain.StrategyOutcome{outcome("a", "x", 0.9, 0.90)}, map[string]float64{"a": 1}, 1.05)
		if math.Abs(result.EstimatedAccuracy-0.90) > tolerance {
			t.Errorf("expected 0.90, got %f", result.EstimatedAccuracy)
		}
	})

	t.Run("bonus applied", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{outcome("a", "x", 0.9, 0.90), outcome("b", "x", 0.9, 0.90)}
		result, _ := Aggregate(outcomes, map[string]float64{"a": 0.5, "b": 0.5}, 1.05)
		if math.Abs(result.EstimatedAccuracy-0.945) > tolerance {
			t.Errorf("expected 0.945, got %f", result.EstimatedAccuracy)
		}
	})

	t.Run("bonus clamped", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{outcome("a", "x", 0.9, 0.90), outcome("b", "x", 0.9, 0.90)}
		result, _ := Aggregate(outcomes, map[string]float64{"a": 0.5, "b": 0.5}, 2.0)
		if math.Abs(result.EstimatedAccuracy-0.945) > tolerance {
			t.Errorf("expected bonus capped at 1.05, got %f", result.EstimatedAccuracy)
		}
	})

	t.Run("never certain", func(t *testing.T) {
		outcomes := []domain.StrategyOutcome{outcome("a", "x", 0.9, 0.99), outcome("b", "x", 0.9, 0.99)}
		result, _ := Aggregate(outcomes, map[string]float64{"a": 0.5, "b": 0.5}, 1.05)
		if result.EstimatedAccuracy != MaxEstimatedAccuracy {
			t.Errorf("expected cap %f, got %f", MaxEstimatedAccuracy, result.EstimatedAccuracy)
		}
	})
}

func TestAggregateReasoningReferencesEveryOutcome(t *testing.T) {
	outcomes := []domain.StrategyOutcome{
		outcome("gradient-boost", "approve", 0.9, 0.97),
		outcome("neural-net", "review", 0.7, 0.96),
		outcome("rule-based", "approve", 0.95, 0.99),
	}
	weights := map[string]float64{"gradient-boost": 0.3, "neural-net": 0.25, "rule-based": 0.2}

	result, err := Aggregate(outcomes, weights, 1.05)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}

	trace := strings.Join(result.Reasoning, "\n")
	for _, o := range outcomes {
		if !strings.Contains(trace, o.StrategyID) {
			t.Errorf("reasoning does not reference %s:\n%s", o.StrategyID, trace)
		}
	}

	if len(result.Contributions) != 3 {
		t.Fatalf("expected 3 contributions, got %d", len(result.Contributions))
	}
	for _, c := range result.Contributions {
		if c.Agreed != (c.Label == result.Label) {
			t.Errorf("%s: agreed flag mismatch", c.StrategyID)
		}
	}
}

func TestAggregateNoOutcomes(t *testing.T) {
	_, err := Aggregate(nil, nil, 1.05)
	if !errors.Is(err, ErrNoOutcomes) {
		t.Errorf("expected ErrNoOutcomes, got %v", err)
	}
}

func TestAlternatives(t *testing.T) {
	outcomes := []domain.StrategyOutcome{
		outcome("a", "approve", 0.9, 0.9),
		outcome("b", "review", 0.8, 0.9),
		outcome("c", "review", 0.6, 0.9),
		outcome("d", "reject", 0.95, 0.9),
		outcome("e", "escalate", 0.5, 0.9),
	}
	norm := map[string]float64{"a": 0.4, "b": 0.2, "c": 0.2, "d": 0.1, "e": 0.1}

	alts := Alternatives(outcomes, norm, "approve", 2)
	if len(alts) != 2 {
		t.Fatalf("expected 2 alternatives, got %d", len(alts))
	}

	if alts[0].Label != "reject" {
		t.Errorf("expected reject first, got %s", alts[0].Label)
	}
	if alts[0].RiskLevel != domain.SeverityLow {
		t.Errorf("expected low risk for reject, got %s", alts[0].RiskLevel)
	}

	if alts[1].Label != "review" {
		t.Errorf("expected review second, got %s", alts[1].Label)
	}
	if math.Abs(alts[1].Confidence-0.7) > tolerance {
		t.Errorf("expected weighted mean 0.7, got %f", alts[1].Confidence)
	}
	if alts[1].Supporters != 2 {
		t.Errorf("expected 2 supporters, got %d", alts[1].Supporters)
	}
	if alts[1].RiskLevel != domain.SeverityHigh {
		t.Errorf("expected high risk for review, got %s", alts[1].RiskLevel)
	}
	if alts[1].Pros[0] != "supported by 2 strategies" || alts[1].Cons[0] != "minority decision" {
		t.Errorf("unexpected pros/cons: %v / %v", alts[1].Pros, alts[1].Cons)
	}

	for _, alt := range alts {
		if alt.Label == "approve" {
			t.Error("winning label must not be an alternative")
		}
	}
}

func TestAlternativesUnanimous(t *testing.T) {
	outcomes := []domain.StrategyOutcome{outcome("a", "approve", 0.9, 0.9), outcome("b", "approve", 0.8, 0.9)}
	if alts := Alternatives(outcomes, map[string]float64{"a": 0.5, "b": 0.5}, "approve", 3); len(alts) != 0 {
		t.Errorf("expected no alternatives, got %d", len(alts))
	}
}

func TestRiskBand(t *testing.T) {
	tests := []struct {
		confidence float64
		want       domain.Severity
	}{
		{0.95, domain.SeverityLow},
		{0.90, domain.SeverityMedium},
		{0.80, domain.SeverityMedium},
		{0.75, domain.SeverityMedium},
		{0.74, domain.SeverityHigh},
		{0.10, domain.SeverityHigh},
	}

	for _, tt := range tests {
		if got := RiskBand(tt.confidence); got != tt.want {
			t.Errorf("RiskBand(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}
