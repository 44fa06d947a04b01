package decision

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HealthCheck grades the engine. Repeated calls without new decisions
// return the same report.
func (e *Engine) HealthCheck() domain.HealthReport {
	snap := e.tracker.Snapshot()

	report := domain.HealthReport{
		Initialized:      e.initialized.Load(),
		StrategiesLoaded: e.registry.Count(),
		StrategiesWanted: e.registry.Wanted(),
	}

	accuracy := snap.AverageAccuracy
	if snap.SuccessfulDecisions == 0 {
		accuracy = e.configuredAccuracy()
	}
	report.AccuracyOK = accuracy >= e.cfg.AccuracyTarget
	report.LatencyOK = snap.AverageLatencyMs <= float64(e.cfg.LatencyCeiling)/float64(time.Millisecond)

	switch {
	case !report.Initialized:
		report.Issues = append(report.Issues, "engine not initialized")
	case report.StrategiesLoaded == 0:
		report.Issues = append(report.Issues, "no strategies loaded")
	}
	if report.StrategiesLoaded < report.StrategiesWanted {
		report.Issues = append(report.Issues, fmt.Sprintf("%d of %d strategies loaded",
			report.StrategiesLoaded, report.StrategiesWanted))
	}
	if !report.AccuracyOK {
		report.Issues = append(report.Issues, fmt.Sprintf("accuracy %.3f below target %.3f",
			accuracy, e.cfg.AccuracyTarget))
	}
	if !report.LatencyOK {
		report.Issues = append(report.Issues, fmt.Sprintf("mean latency %.0fms above %s",
			snap.AverageLatencyMs, e.cfg.LatencyCeiling))
	}

	switch {
	case !report.Initialized || report.StrategiesLoaded == 0:
		report.Status = domain.HealthCritical
	case len(report.Issues) > 0:
		report.Status = domain.HealthDegraded
	default:
		report.Status = domain.HealthHealthy
	}
	return report
}

// Status returns the monitoring snapshot of the engine. It carries no
// wall-clock fields.
func (e *Engine) Status() domain.EngineStatus {
	return domain.EngineStatus{
		Version:    Version,
		Health:     e.HealthCheck(),
		Metrics:    e.tracker.Snapshot(),
		Strategies: e.registry.IDs(),
		Thresholds: domain.Thresholds{
			Escalation:    e.cfg.EscalationThreshold,
			LowConfidence: e.cfg.LowConfidenceThreshold,
		},
	}
}

// configuredAccuracy is the weight-averaged static accuracy of the active set.
func (e *Engine) configuredAccuracy() float64 {
	var sum, weights float64
	set := e.registry.Snapshot()
	for _, s := range set {
		sum += s.Weight() * s.Accuracy()
		weights += s.Weight()
	}
	if weights == 0 {
		if len(set) == 0 {
			return 0
		}
		for _, s := range set {
			sum += s.Accuracy()
		}
		return sum / float64(len(set))
	}
	return sum / weights
}
