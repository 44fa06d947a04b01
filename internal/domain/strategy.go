package domain

// StrategyConfig defines one ensemble strategy.
type StrategyConfig struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// CEL expression returning the proposed label (string)
	LabelExpression string `json:"labelExpression" yaml:"label_expression"`

	// CEL expression returning the confidence (double, clamped to 0.0-1.0)
	ConfidenceExpression string `json:"confidenceExpression" yaml:"confidence_expression"`

	// Weight in the ensemble. Weights of enabled strategies sum to 1.
	Weight float64 `json:"weight" yaml:"weight"`

	// Accuracy is the static accuracy rating used for estimated accuracy.
	Accuracy float64 `json:"accuracy" yaml:"accuracy"`

	// Features lists the inputs the strategy looks at (audit only).
	Features []string `json:"features,omitempty" yaml:"features"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// StrategyPerformance is the per-strategy row of the engine metrics table.
type StrategyPerformance struct {
	StrategyID        string  `json:"strategyId"`
	Runs              int64   `json:"runs"`
	Failures          int64   `json:"failures"`
	AverageConfidence float64 `json:"averageConfidence"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	Agreements        int64   `json:"agreements"` // outcome matched the chosen label
	FeedbackMatches   int64   `json:"feedbackMatches"`
	FeedbackTotal     int64   `json:"feedbackTotal"`
}

// EngineMetrics are the cumulative, process-lifetime engine statistics.
type EngineMetrics struct {
	TotalDecisions      int64   `json:"totalDecisions"`
	SuccessfulDecisions int64   `json:"successfulDecisions"`
	EscalatedDecisions  int64   `json:"escalatedDecisions"`
	FailedDecisions     int64   `json:"failedDecisions"`
	AverageConfidence   float64 `json:"averageConfidence"`
	AverageAccuracy     float64 `json:"averageAccuracy"`
	AverageLatencyMs    float64 `json:"averageLatencyMs"`
	FeedbackCount       int64   `json:"feedbackCount"`
	FeedbackCorrect     int64   `json:"feedbackCorrect"`

	Strategies map[string]StrategyPerformance `json:"strategies"`
}

// HealthState is the coarse engine health.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
)

// HealthReport is returned by the engine health check.
type HealthReport struct {
	Status           HealthState `json:"status"`
	Initialized      bool        `json:"initialized"`
	StrategiesLoaded int         `json:"strategiesLoaded"`
	StrategiesWanted int         `json:"strategiesWanted"`
	AccuracyOK       bool        `json:"accuracyOk"`
	LatencyOK        bool        `json:"latencyOk"`
	Issues           []string    `json:"issues,omitempty"`
}

// EngineStatus is the monitoring snapshot of the engine.
type EngineStatus struct {
	Version    string        `json:"version"`
	Health     HealthReport  `json:"health"`
	Metrics    EngineMetrics `json:"metrics"`
	Strategies []string      `json:"strategies"`
	Thresholds Thresholds    `json:"thresholds"`
}

// Thresholds are the confidence cut-offs in effect.
type Thresholds struct {
	Escalation    float64 `json:"escalation"`
	LowConfidence float64 `json:"lowConfidence"`
}
