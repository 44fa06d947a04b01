package risk

import (
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

func consensus(t *testing.T, outcomes ...domain.StrategyOutcome) *ensemble.Result {
	t.Helper()
	weights := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		weights[o.StrategyID] = 1
	}
	result, err := ensemble.Aggregate(outcomes, weights, 1.05)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	return result
}

func TestAssessNoFactors(t *testing.T) {
	result := consensus(t,
		domain.StrategyOutcome{StrategyID: "a", Label: "approve", Confidence: 0.95},
		domain.StrategyOutcome{StrategyID: "b", Label: "approve", Confidence: 0.92},
	)

	assessment := NewAssessor(0).Assess(&domain.DecisionRequest{Kind: "k"}, result)

	if assessment.Overall != domain.SeverityLow {
		t.Errorf("expected low overall, got %s", assessment.Overall)
	}
	if len(assessment.Factors) != 0 {
		t.Errorf("expected no factors, got %d", len(assessment.Factors))
	}
	if assessment.ConfidenceImpact != 0 {
		t.Errorf("expected zero impact, got %f", assessment.ConfidenceImpact)
	}
	if len(assessment.Mitigations) != len(DefaultMitigations) {
		t.Errorf("expected default mitigations only, got %v", assessment.Mitigations)
	}
}

func TestAssessLowConfidenceAndDisagreement(t *testing.T) {
	result := consensus(t,
		domain.StrategyOutcome{StrategyID: "a", Label: "approve", Confidence: 0.7},
		domain.StrategyOutcome{StrategyID: "b", Label: "approve", Confidence: 0.6},
		domain.StrategyOutcome{StrategyID: "c", Label: "review", Confidence: 0.8},
	)

	assessment := NewAssessor(0.8).Assess(&domain.DecisionRequest{Kind: "k"}, result)

	if len(assessment.Factors) != 2 {
		t.Fatalf("expected 2 factors, got %d", len(assessment.Factors))
	}
	if assessment.Factors[0].Name != FactorLowConfidence || assessment.Factors[0].Severity != domain.SeverityMedium {
		t.Errorf("unexpected first factor: %+v", assessment.Factors[0])
	}
	if assessment.Factors[1].Name != FactorDisagreement || assessment.Factors[1].Severity != domain.SeverityLow {
		t.Errorf("unexpected second factor: %+v", assessment.Factors[1])
	}
	if assessment.Overall != domain.SeverityMedium {
		t.Errorf("expected medium overall, got %s", assessment.Overall)
	}

	// mitigations = 2 factor texts + 3 defaults
	if len(assessment.Mitigations) != 5 {
		t.Errorf("expected 5 mitigations, got %v", assessment.Mitigations)
	}

	want := (1-result.Confidence)*0.25 + (1.0/3.0)*0.1
	if math.Abs(assessment.ConfidenceImpact-want) > 1e-9 {
		t.Errorf("expected impact %f, got %f", want, assessment.ConfidenceImpact)
	}
}

func TestAssessRuleHooks(t *testing.T) {
	hook := RuleFunc(func(req *domain.DecisionRequest, result *ensemble.Result) []domain.RiskFactor {
		if req.Module != "missing_contribution" {
			return nil
		}
		return []domain.RiskFactor{{
			Name:        "external submission required",
			Severity:    domain.SeverityHigh,
			Probability: 1,
			Mitigation:  "submit through the portal",
		}}
	})

	result := consensus(t, domain.StrategyOutcome{StrategyID: "a", Label: "manual_submission", Confidence: 0.95})
	assessor := NewAssessor(0.8, hook)

	assessment := assessor.Assess(&domain.DecisionRequest{Module: "missing_contribution"}, result)
	if assessment.Overall != domain.SeverityHigh {
		t.Errorf("expected high overall, got %s", assessment.Overall)
	}
	if assessment.ConfidenceImpact != 0.5 {
		t.Errorf("expected impact 0.5, got %f", assessment.ConfidenceImpact)
	}

	assessment = assessor.Assess(&domain.DecisionRequest{Module: "calculation_error"}, result)
	if assessment.Overall != domain.SeverityLow {
		t.Errorf("expected low overall without hook factor, got %s", assessment.Overall)
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		factors []domain.RiskFactor
		want    domain.Severity
	}{
		{"none", nil, domain.SeverityLow},
		{"only low", []domain.RiskFactor{{Severity: domain.SeverityLow}}, domain.SeverityMedium},
		{"medium", []domain.RiskFactor{{Severity: domain.SeverityMedium}}, domain.SeverityMedium},
		{"high", []domain.RiskFactor{{Severity: domain.SeverityLow}, {Severity: domain.SeverityHigh}}, domain.SeverityHigh},
		{"critical", []domain.RiskFactor{{Severity: domain.SeverityHigh}, {Severity: domain.SeverityCritical}}, domain.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.factors); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestConfidenceImpactCapped(t *testing.T) {
	factors := []domain.RiskFactor{
		{Severity: domain.SeverityCritical, Probability: 1},
		{Severity: domain.SeverityCritical, Probability: 1},
	}
	if got := confidenceImpact(factors); got != 1 {
		t.Errorf("expected impact capped at 1, got %f", got)
	}
}
