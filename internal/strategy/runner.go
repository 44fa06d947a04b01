package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Runner executes strategies in parallel.
type Runner struct {
	maxWorkers int
	timeout    time.Duration
}

// NewRunner creates a runner with a bounded worker pool and a per-strategy timeout.
func NewRunner(maxWorkers int, timeout time.Duration) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Runner{maxWorkers: maxWorkers, timeout: timeout}
}

// Result is the fan-in of one run. Outcomes and Absent are sorted by strategy id.
type Result struct {
	Outcomes []domain.StrategyOutcome
	Absent   []domain.AbsentStrategy

	// Weights are the configured weights of the present strategies.
	Weights map[string]float64
}

type runOutput struct {
	outcome *domain.StrategyOutcome
	absent  *domain.AbsentStrategy
	weight  float64
}

// RunAll runs every strategy against in. A strategy that errors, panics or
// exceeds the timeout is reported absent rather than failing the run.
func (r *Runner) RunAll(ctx context.Context, set []Strategy, in *Input) *Result {
	outputs := make([]runOutput, len(set))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, r.maxWorkers)

	for i, s := range set {
		wg.Add(1)
		go func(idx int, s Strategy) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outputs[idx] = r.runOne(ctx, s, in.clone())
		}(i, s)
	}

	wg.Wait()

	result := &Result{Weights: make(map[string]float64, len(set))}
	for _, o := range outputs {
		if o.outcome != nil {
			result.Outcomes = append(result.Outcomes, *o.outcome)
			result.Weights[o.outcome.StrategyID] = o.weight
		} else if o.absent != nil {
			result.Absent = append(result.Absent, *o.absent)
		}
	}

	sort.Slice(result.Outcomes, func(i, j int) bool {
		return result.Outcomes[i].StrategyID < result.Outcomes[j].StrategyID
	})
	sort.Slice(result.Absent, func(i, j int) bool {
		return result.Absent[i].StrategyID < result.Absent[j].StrategyID
	})

	return result
}

type predictReply struct {
	pred Prediction
	err  error
}

func (r *Runner) runOne(ctx context.Context, s Strategy, in *Input) runOutput {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply := make(chan predictReply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				reply <- predictReply{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		pred, err := s.Predict(ctx, in)
		reply <- predictReply{pred: pred, err: err}
	}()

	var got predictReply
	select {
	case got = <-reply:
	case <-ctx.Done():
		got.err = ctx.Err()
	}

	if got.err != nil {
		slog.Warn("strategy absent",
			"strategy_id", s.ID(),
			"error", got.err,
		)
		return runOutput{absent: &domain.AbsentStrategy{
			StrategyID: s.ID(),
			Reason:     fmt.Errorf("%w: %v", domain.ErrRunnerFailure, got.err).Error(),
		}}
	}

	return runOutput{
		outcome: &domain.StrategyOutcome{
			StrategyID: s.ID(),
			Label:      got.pred.Label,
			Confidence: clamp01(got.pred.Confidence),
			Accuracy:   s.Accuracy(),
			Features:   s.Features(),
			Duration:   time.Since(start),
		},
		weight: s.Weight(),
	}
}
