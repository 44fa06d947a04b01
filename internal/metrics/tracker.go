// Package metrics tracks engine statistics and exposes them to Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DecisionObservation is everything the tracker learns from one decision.
type DecisionObservation struct {
	Label             string
	Confidence        float64
	EstimatedAccuracy float64
	Latency           time.Duration
	Escalated         bool
	Outcomes          []domain.StrategyOutcome
	Absent            []domain.AbsentStrategy
}

// FeedbackObservation is one feedback record joined with its decision.
type FeedbackObservation struct {
	Correct       bool
	ActualOutcome string
	DecisionLabel string
	Outcomes      []domain.StrategyOutcome
}

type opKind int

const (
	opDecision opKind = iota
	opFailure
	opFeedback
	opBarrier
)

type op struct {
	kind     opKind
	decision DecisionObservation
	feedback FeedbackObservation
	absent   []domain.AbsentStrategy
	barrier  chan struct{}
}

// Tracker owns the engine metrics. All updates are applied by a single
// goroutine in submission order; readers get eventually consistent copies.
type Tracker struct {
	ops  chan op
	quit chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.RWMutex
	state domain.EngineMetrics
}

// NewTracker starts a tracker with the given queue size.
func NewTracker(buffer int) *Tracker {
	if buffer <= 0 {
		buffer = 1024
	}
	t := &Tracker{
		ops:  make(chan op, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		state: domain.EngineMetrics{
			Strategies: make(map[string]domain.StrategyPerformance),
		},
	}
	go t.run()
	return t
}

// RecordDecision queues a successful decision.
func (t *Tracker) RecordDecision(obs DecisionObservation) {
	t.submit(op{kind: opDecision, decision: obs})
}

// RecordFailure queues a decision that could not be produced.
func (t *Tracker) RecordFailure(absent []domain.AbsentStrategy) {
	t.submit(op{kind: opFailure, absent: absent})
}

// RecordFeedback queues a feedback observation.
func (t *Tracker) RecordFeedback(obs FeedbackObservation) {
	t.submit(op{kind: opFeedback, feedback: obs})
}

// Sync blocks until every observation queued before the call is applied.
func (t *Tracker) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	select {
	case t.ops <- op{kind: opBarrier, barrier: barrier}:
	case <-t.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a deep copy of the current metrics.
func (t *Tracker) Snapshot() domain.EngineMetrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := t.state
	snap.Strategies = make(map[string]domain.StrategyPerformance, len(t.state.Strategies))
	for id, perf := range t.state.Strategies {
		snap.Strategies[id] = perf
	}
	return snap
}

// Close applies the queued observations and stops the writer.
func (t *Tracker) Close() {
	t.once.Do(func() {
		close(t.quit)
		<-t.done
	})
}

func (t *Tracker) submit(o op) {
	select {
	case t.ops <- o:
	case <-t.quit:
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case o := <-t.ops:
			t.apply(o)
		case <-t.quit:
			for {
				select {
				case o := <-t.ops:
					t.apply(o)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracker) apply(o op) {
	if o.kind == opBarrier {
		close(o.barrier)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.state
	switch o.kind {
	case opDecision:
		d := o.decision
		s.TotalDecisions++
		s.SuccessfulDecisions++
		if d.Escalated {
			s.EscalatedDecisions++
		}
		n := s.SuccessfulDecisions
		s.AverageConfidence = runningMean(s.AverageConfidence, d.Confidence, n)
		s.AverageAccuracy = runningMean(s.AverageAccuracy, d.EstimatedAccuracy, n)
		s.AverageLatencyMs = runningMean(s.AverageLatencyMs, float64(d.Latency)/float64(time.Millisecond), n)

		for _, out := range d.Outcomes {
			perf := s.Strategies[out.StrategyID]
			perf.StrategyID = out.StrategyID
			perf.Runs++
			ok := perf.Runs - perf.Failures
			perf.AverageConfidence = runningMean(perf.AverageConfidence, out.Confidence, ok)
			perf.AverageLatencyMs = runningMean(perf.AverageLatencyMs, float64(out.Duration)/float64(time.Millisecond), ok)
			if out.Label == d.Label {
				perf.Agreements++
			}
			s.Strategies[out.StrategyID] = perf
		}
		t.recordAbsent(d.Absent)

	case opFailure:
		s.TotalDecisions++
		s.FailedDecisions++
		t.recordAbsent(o.absent)

	case opFeedback:
		f := o.feedback
		s.FeedbackCount++
		if f.Correct {
			s.FeedbackCorrect++
		}
		for _, out := range f.Outcomes {
			perf := s.Strategies[out.StrategyID]
			perf.StrategyID = out.StrategyID
			perf.FeedbackTotal++
			if strategyWasRight(out.Label, f) {
				perf.FeedbackMatches++
			}
			s.Strategies[out.StrategyID] = perf
		}
	}
}

// recordAbsent must be called with mu held.
func (t *Tracker) recordAbsent(absent []domain.AbsentStrategy) {
	for _, a := range absent {
		perf := t.state.Strategies[a.StrategyID]
		perf.StrategyID = a.StrategyID
		perf.Runs++
		perf.Failures++
		t.state.Strategies[a.StrategyID] = perf
	}
}

func strategyWasRight(label string, f FeedbackObservation) bool {
	if f.ActualOutcome != "" {
		return label == f.ActualOutcome
	}
	return (label == f.DecisionLabel) == f.Correct
}

// runningMean folds x into a mean over n samples (x included).
func runningMean(mean, x float64, n int64) float64 {
	if n <= 0 {
		return mean
	}
	return mean + (x-mean)/float64(n)
}
