package compliance

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// FactorExternalSubmission is raised for errors only the authority can clear.
const FactorExternalSubmission = "external submission required"

// RiskRule flags decisions about missing contributions: no automated fix can
// resolve them, so acting on the decision carries high risk.
var RiskRule risk.Rule = risk.RuleFunc(func(req *domain.DecisionRequest, _ *ensemble.Result) []domain.RiskFactor {
	if req.Module != string(domain.ClassMissingContribution) {
		return nil
	}
	return []domain.RiskFactor{{
		Name:        FactorExternalSubmission,
		Severity:    domain.SeverityHigh,
		Probability: 1,
		Impact:      "contribution stays unpaid until submitted to the insurance authority",
		Mitigation:  "submit the missing contribution manually",
	}}
})
