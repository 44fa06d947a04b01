// Package risk evaluates aggregated decisions against deterministic risk rules.
package risk

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
)

// DefaultLowConfidenceThreshold raises a low confidence factor below it.
const DefaultLowConfidenceThreshold = 0.8

// Factor names produced by the built-in rules.
const (
	FactorLowConfidence = "low confidence"
	FactorDisagreement  = "runner disagreement"
)

// DefaultMitigations are appended to every assessment.
var DefaultMitigations = []string{
	"continuous monitoring",
	"manual review fallback",
	"schedule model retraining",
}

// severityWeight scales a factor's probability into the confidence impact.
var severityWeight = map[domain.Severity]float64{
	domain.SeverityLow:      0.1,
	domain.SeverityMedium:   0.25,
	domain.SeverityHigh:     0.5,
	domain.SeverityCritical: 0.75,
}

// Rule is a domain hook that may add risk factors to a decision.
type Rule interface {
	Evaluate(req *domain.DecisionRequest, result *ensemble.Result) []domain.RiskFactor
}

// RuleFunc adapts a function to a Rule.
type RuleFunc func(req *domain.DecisionRequest, result *ensemble.Result) []domain.RiskFactor

// Evaluate calls f.
func (f RuleFunc) Evaluate(req *domain.DecisionRequest, result *ensemble.Result) []domain.RiskFactor {
	return f(req, result)
}

// Assessor applies the built-in rules and any registered hooks.
type Assessor struct {
	LowConfidenceThreshold float64
	Rules                  []Rule
}

// NewAssessor creates an assessor. A threshold <= 0 selects the default.
func NewAssessor(lowConfidence float64, rules ...Rule) *Assessor {
	if lowConfidence <= 0 {
		lowConfidence = DefaultLowConfidenceThreshold
	}
	return &Assessor{LowConfidenceThreshold: lowConfidence, Rules: rules}
}

// Assess evaluates the consensus for req.
func (a *Assessor) Assess(req *domain.DecisionRequest, result *ensemble.Result) domain.RiskAssessment {
	factors := make([]domain.RiskFactor, 0, 2)

	if result.Confidence < a.LowConfidenceThreshold {
		factors = append(factors, domain.RiskFactor{
			Name:        FactorLowConfidence,
			Severity:    domain.SeverityMedium,
			Probability: 1 - result.Confidence,
			Impact:      fmt.Sprintf("combined confidence %.1f%% is below %.1f%%", result.Confidence*100, a.LowConfidenceThreshold*100),
			Mitigation:  "route to human review before acting",
		})
	}

	labels := make(map[string]struct{}, len(result.Contributions))
	dissent := 0
	for _, c := range result.Contributions {
		labels[c.Label] = struct{}{}
		if !c.Agreed {
			dissent++
		}
	}
	if len(labels) > 1 {
		factors = append(factors, domain.RiskFactor{
			Name:        FactorDisagreement,
			Severity:    domain.SeverityLow,
			Probability: float64(dissent) / float64(len(result.Contributions)),
			Impact:      fmt.Sprintf("%d of %d strategies proposed a different label", dissent, len(result.Contributions)),
			Mitigation:  "compare alternatives before acting",
		})
	}

	for _, rule := range a.Rules {
		factors = append(factors, rule.Evaluate(req, result)...)
	}

	return domain.RiskAssessment{
		Overall:          Overall(factors),
		Factors:          factors,
		Mitigations:      mitigations(factors),
		ConfidenceImpact: confidenceImpact(factors),
	}
}

// Overall is the highest of any high or critical factor, medium when any
// other factor exists, and low otherwise.
func Overall(factors []domain.RiskFactor) domain.Severity {
	if len(factors) == 0 {
		return domain.SeverityLow
	}

	overall := domain.SeverityMedium
	for _, f := range factors {
		if f.Severity.Rank() >= domain.SeverityHigh.Rank() && f.Severity.Rank() > overall.Rank() {
			overall = f.Severity
		}
	}
	return overall
}

func mitigations(factors []domain.RiskFactor) []string {
	out := make([]string, 0, len(factors)+len(DefaultMitigations))
	seen := make(map[string]bool)
	for _, f := range factors {
		if f.Mitigation != "" && !seen[f.Mitigation] {
			seen[f.Mitigation] = true
			out = append(out, f.Mitigation)
		}
	}
	for _, m := range DefaultMitigations {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func confidenceImpact(factors []domain.RiskFactor) float64 {
	var impact float64
	for _, f := range factors {
		impact += f.Probability * severityWeight[f.Severity]
	}
	return math.Min(1, impact)
}
