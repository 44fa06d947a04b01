package domain

import (
	"time"
)

// StrategyOutcome is one strategy's proposal for a request.
type StrategyOutcome struct {
	StrategyID string        `json:"strategyId"`
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"` // 0.0-1.0
	Accuracy   float64       `json:"accuracy"`   // static rating of the strategy
	Features   []string      `json:"features,omitempty"`
	Duration   time.Duration `json:"durationNs"`
}

// AbsentStrategy records a strategy that failed or timed out and was
// excluded from aggregation.
type AbsentStrategy struct {
	StrategyID string `json:"strategyId"`
	Reason     string `json:"reason"`
}

// StrategyContribution shows how a single strategy contributed to the decision.
type StrategyContribution struct {
	StrategyID   string  `json:"strategyId"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	Weight       float64 `json:"weight"`       // renormalized over present strategies
	Contribution float64 `json:"contribution"` // confidence * weight
	Agreed       bool    `json:"agreed"`       // proposed the chosen label
}

// Severity grades risks and compliance errors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities (low=1 .. critical=4). Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// RiskFactor is a single identified risk of acting on a decision.
type RiskFactor struct {
	Name        string   `json:"name"`
	Severity    Severity `json:"severity"`
	Probability float64  `json:"probability"`
	Impact      string   `json:"impact"`
	Mitigation  string   `json:"mitigation"`
}

// RiskAssessment is the rule-based evaluation of an aggregated decision.
type RiskAssessment struct {
	Overall          Severity     `json:"overall"`
	Factors          []RiskFactor `json:"factors"`
	Mitigations      []string     `json:"mitigations"`
	ConfidenceImpact float64      `json:"confidenceImpact"`
}

// Alternative is a minority label surfaced next to the chosen one.
type Alternative struct {
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Supporters int      `json:"supporters"`
	Pros       []string `json:"pros"`
	Cons       []string `json:"cons"`
	RiskLevel  Severity `json:"riskLevel"`
}

// DecisionStatus tracks a decision through escalation.
type DecisionStatus string

const (
	StatusPending           DecisionStatus = "pending"
	StatusResolvedAuto      DecisionStatus = "resolved_auto"
	StatusResolvedEscalated DecisionStatus = "resolved_escalated"
)

// AggregatedDecision is the engine's auditable answer to a DecisionRequest.
// Once stored it is never updated.
type AggregatedDecision struct {
	ID        string   `json:"id"`
	TenantID  string   `json:"tenantId"`
	UserID    string   `json:"userId"`
	Module    string   `json:"module,omitempty"`
	Kind      string   `json:"kind"`
	Priority  Priority `json:"priority"`
	TraceID   string   `json:"traceId,omitempty"`

	Label             string  `json:"label"`
	Confidence        float64 `json:"confidence"`
	Uncertainty       float64 `json:"uncertainty"` // 0-30 on a 0-100 scale
	EstimatedAccuracy float64 `json:"estimatedAccuracy"`

	Alternatives    []Alternative          `json:"alternatives"`
	Reasoning       []string               `json:"reasoning"`
	Risk            RiskAssessment         `json:"risk"`
	Recommendations []string               `json:"recommendations"`
	Contributions   []StrategyContribution `json:"contributions"`
	Outcomes        []StrategyOutcome      `json:"outcomes"`
	Absent          []AbsentStrategy       `json:"absent,omitempty"`

	Status    DecisionStatus `json:"status"`
	Escalated bool           `json:"escalated"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
}

// FeedbackRecord captures the real-world outcome of a past decision.
type FeedbackRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	DecisionID    string    `json:"decisionId"`
	Correct       bool      `json:"correct"`
	ActualOutcome string    `json:"actualOutcome,omitempty"`
	DecisionLabel string    `json:"decisionLabel"`
	Confidence    float64   `json:"confidence"`
	CreatedAt     time.Time `json:"createdAt"`
}
