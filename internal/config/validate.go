package config

import (
	"errors"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// weightTolerance is how far enabled strategy weights may drift from 1.
const weightTolerance = 0.01

// ValidationError collects every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0]
	}
	return fmt.Sprintf("%d problems: %v", len(e.Problems), e.Problems)
}

// Validate checks the engine and compliance sections and the driver names.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return errors.New("configuration is nil")
	}
	v := &ValidationError{}
	add := func(format string, args ...any) {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}

	// engine
	e := cfg.Engine
	var sum float64
	enabled := 0
	seen := make(map[string]bool)
	for _, s := range e.Strategies {
		if s.ID == "" {
			add("engine.strategies: id is required")
			continue
		}
		if seen[s.ID] {
			add("engine.strategies: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Enabled {
			continue
		}
		enabled++
		if s.Weight < 0 {
			add("engine.strategies[%s].weight must not be negative", s.ID)
		}
		if s.Accuracy < 0 || s.Accuracy > 1 {
			add("engine.strategies[%s].accuracy must be in [0,1]", s.ID)
		}
		if s.LabelExpression == "" || s.ConfidenceExpression == "" {
			add("engine.strategies[%s]: label and confidence expressions are required", s.ID)
		}
		sum += s.Weight
	}
	if enabled == 0 {
		add("engine.strategies: at least one strategy must be enabled")
	} else if math.Abs(sum-1) > weightTolerance {
		add("engine.strategies: enabled weights sum to %.3f, want 1", sum)
	}
	if e.MinQuorum < 1 {
		add("engine.min_quorum must be at least 1")
	}
	if e.MinQuorum > enabled && enabled > 0 {
		add("engine.min_quorum %d exceeds the %d enabled strategies", e.MinQuorum, enabled)
	}
	for _, th := range []struct {
		name string
		val  float64
	}{
		{"engine.escalation_threshold", e.EscalationThreshold},
		{"engine.low_confidence_threshold", e.LowConfidenceThreshold},
		{"engine.accuracy_target", e.AccuracyTarget},
	} {
		if th.val < 0 || th.val > 1 {
			add("%s must be in [0,1], got %v", th.name, th.val)
		}
	}
	if e.EnsembleBonus < 1 || e.EnsembleBonus > 1.05 {
		add("engine.ensemble_bonus must be in [1,1.05], got %v", e.EnsembleBonus)
	}
	if e.RunnerTimeout <= 0 {
		add("engine.runner_timeout must be positive")
	}

	// compliance
	c := cfg.Compliance
	if c.ScanInterval <= 0 {
		add("compliance.scan_interval must be positive")
	}
	if c.Tolerance < 0 {
		add("compliance.tolerance must not be negative")
	}
	if c.GraceMonths < 0 {
		add("compliance.grace_months must not be negative")
	}
	if c.FixSuccessFactor < 0 || c.FixSuccessFactor > 1 {
		add("compliance.fix_success_factor must be in [0,1]")
	}
	for class, conf := range c.ClassConfidence {
		if conf < 0 || conf > 1 {
			add("compliance.class_confidence[%s] must be in [0,1]", class)
		}
	}
	for residency, rate := range c.Rates {
		if rate.Employee < 0 || rate.Employer < 0 || rate.Employee > 1 || rate.Employer > 1 {
			add("compliance.rates[%s] must be in [0,1]", residency)
		}
	}

	// components
	switch cfg.Repository.Driver {
	case "", "memory", "sqlite", "postgres":
	default:
		add("repository.driver %q is not supported", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "", "memory", "redis":
	default:
		add("cache.type %q is not supported", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "", "channel", "nats":
	default:
		add("event_bus.type %q is not supported", cfg.EventBus.Type)
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}
