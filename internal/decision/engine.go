// Package decision implements the ensemble decision engine: it validates a
// request, fans it out to the strategy set, aggregates the outcomes, assesses
// risk and escalation, and records the result.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/strategy"
)

// Version is reported by Status and stamped on engine events.
const Version = "kestrel-1.0"

var tracer = otel.Tracer("kestrel-decision")

// Options carries the collaborators of an Engine. Every field is optional.
type Options struct {
	Repository domain.Repository
	Cache      domain.Cache
	CacheTTL   time.Duration
	Emitter    *events.Emitter
	Collector  *metrics.Collector

	// RiskRules are extra domain hooks for the risk assessor.
	RiskRules []risk.Rule

	// Strategies replaces the CEL set built from the config.
	Strategies []strategy.Strategy

	FeedbackSink FeedbackSink
}

// Engine is the ensemble decision engine. It is safe for concurrent use.
type Engine struct {
	cfg       domain.EngineConfig
	registry  *strategy.Registry
	runner    *strategy.Runner
	assessor  *risk.Assessor
	tracker   *metrics.Tracker
	collector *metrics.Collector
	repo      domain.Repository
	cache     domain.Cache
	cacheTTL  time.Duration
	emitter   *events.Emitter
	sink      FeedbackSink

	initialized atomic.Bool
	closeOnce   sync.Once
	now         func() time.Time
}

// New builds an engine from cfg. The engine refuses decisions until
// Initialize has been called.
func New(cfg domain.EngineConfig, opts Options) (*Engine, error) {
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = domain.DefaultStrategies()
	}
	if cfg.MinQuorum <= 0 {
		cfg.MinQuorum = 1
	}
	if cfg.EscalationThreshold == 0 {
		cfg.EscalationThreshold = 0.70
	}
	if cfg.LowConfidenceThreshold == 0 {
		cfg.LowConfidenceThreshold = risk.DefaultLowConfidenceThreshold
	}
	if cfg.EnsembleBonus == 0 {
		cfg.EnsembleBonus = ensemble.MaxBonus
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = ensemble.DefaultAlternatives
	}
	if cfg.LatencyCeiling <= 0 {
		cfg.LatencyCeiling = time.Second
	}

	registry, err := strategy.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to create strategy registry: %w", err)
	}
	if opts.Strategies != nil {
		registry.Replace(opts.Strategies)
	} else if err := registry.Load(cfg.Strategies); err != nil {
		return nil, fmt.Errorf("failed to load strategies: %w", err)
	}

	repo := opts.Repository
	if repo == nil {
		repo = repository.NewMemoryRepository()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		runner:    strategy.NewRunner(cfg.MaxWorkers, cfg.RunnerTimeout),
		assessor:  risk.NewAssessor(cfg.LowConfidenceThreshold, opts.RiskRules...),
		tracker:   metrics.NewTracker(cfg.MetricsBuffer),
		collector: opts.Collector,
		repo:      repo,
		cache:     opts.Cache,
		cacheTTL:  ttl,
		emitter:   opts.Emitter,
		sink:      opts.FeedbackSink,
		now:       time.Now,
	}, nil
}

// Initialize marks the engine ready. It fails when no strategy is loaded.
// Calling it again is a no-op.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.initialized.Load() {
		return nil
	}
	if e.registry.Count() == 0 {
		return fmt.Errorf("%w: no strategies loaded", domain.ErrEngineNotInitialized)
	}
	if !e.initialized.CompareAndSwap(false, true) {
		return nil
	}

	slog.Info("decision engine initialized",
		"strategies", e.registry.IDs(),
		"escalation_threshold", e.cfg.EscalationThreshold,
	)
	e.emitter.Emit(ctx, domain.SystemTenantID, domain.TopicEngineInitialized, map[string]any{
		"version":    Version,
		"strategies": e.registry.IDs(),
	})
	return nil
}

// MakeDecision runs the full pipeline for req and records the result.
func (e *Engine) MakeDecision(ctx context.Context, req *domain.DecisionRequest) (*domain.AggregatedDecision, error) {
	if !e.initialized.Load() {
		return nil, domain.ErrEngineNotInitialized
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	req = normalize(req)

	ctx, span := tracer.Start(ctx, "decision.make",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("decision.kind", req.Kind),
			attribute.String("decision.module", req.Module),
		),
	)
	defer span.End()

	start := e.now()
	in := strategy.NewInput(req)
	if req.RequiredAccuracy == nil {
		in.RequiredAccuracy = e.cfg.AccuracyTarget
	}

	run := e.runner.RunAll(ctx, e.registry.Snapshot(), in)
	for _, a := range run.Absent {
		e.collector.IncrementStrategyFailure(a.StrategyID)
	}

	if len(run.Outcomes) < e.cfg.MinQuorum {
		err := fmt.Errorf("%w: %d of %d strategies produced an outcome, need %d: %w",
			domain.ErrQuorumNotMet, len(run.Outcomes), len(run.Outcomes)+len(run.Absent), e.cfg.MinQuorum, domain.ErrRunnerFailure)
		e.fail(ctx, span, req, run.Absent, err)
		return nil, err
	}

	agg, err := ensemble.Aggregate(run.Outcomes, run.Weights, e.cfg.EnsembleBonus)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrRunnerFailure, err)
		e.fail(ctx, span, req, run.Absent, err)
		return nil, err
	}

	d := &domain.AggregatedDecision{
		ID:                uuid.New().String(),
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Module:            req.Module,
		Kind:              req.Kind,
		Priority:          req.Priority,
		Label:             agg.Label,
		Confidence:        agg.Confidence,
		Uncertainty:       agg.Uncertainty,
		EstimatedAccuracy: agg.EstimatedAccuracy,
		Reasoning:         agg.Reasoning,
		Contributions:     agg.Contributions,
		Outcomes:          run.Outcomes,
		Absent:            run.Absent,
		Status:            domain.StatusPending,
		Timestamp:         start.UTC(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		d.TraceID = sc.TraceID().String()
	}

	d.Risk = e.assessor.Assess(req, agg)
	d.Alternatives = ensemble.Alternatives(run.Outcomes, agg.Weights, agg.Label, e.cfg.MaxAlternatives)
	d.Escalated = Escalate(agg.Confidence, e.cfg.EscalationThreshold)
	if d.Escalated {
		d.Status = domain.StatusResolvedEscalated
	} else {
		d.Status = domain.StatusResolvedAuto
	}
	d.Recommendations = e.recommendations(req, d)

	latency := e.now().Sub(start)
	d.DurationMs = latency.Milliseconds()

	if err := e.repo.SaveDecision(ctx, d.TenantID, d); err != nil {
		err = fmt.Errorf("failed to record decision: %w", err)
		e.fail(ctx, span, req, nil, err)
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.SetDecision(ctx, d.TenantID, d, e.cacheTTL); err != nil {
			slog.Warn("failed to cache decision", "decision_id", d.ID, "error", err)
		}
	}

	e.tracker.RecordDecision(metrics.DecisionObservation{
		Label:             d.Label,
		Confidence:        d.Confidence,
		EstimatedAccuracy: d.EstimatedAccuracy,
		Latency:           latency,
		Escalated:         d.Escalated,
		Outcomes:          d.Outcomes,
		Absent:            d.Absent,
	})
	e.collector.ObserveDecision(string(d.Status), d.Module, d.Confidence, latency)

	span.SetAttributes(
		attribute.String("decision.id", d.ID),
		attribute.String("decision.label", d.Label),
		attribute.Float64("decision.confidence", d.Confidence),
		attribute.Bool("decision.escalated", d.Escalated),
	)

	topic := domain.TopicDecisionMade
	if d.Escalated {
		topic = domain.TopicDecisionEscalated
	}
	e.emitter.Emit(ctx, d.TenantID, topic, d)

	slog.Info("decision made",
		"decision_id", d.ID,
		"tenant_id", d.TenantID,
		"kind", d.Kind,
		"label", d.Label,
		"confidence", d.Confidence,
		"escalated", d.Escalated,
		"absent", len(d.Absent),
		"duration_ms", d.DurationMs,
	)
	return d, nil
}

// GetDecision looks a decision up in the cache, then in the repository.
func (e *Engine) GetDecision(ctx context.Context, tenantID, decisionID string) (*domain.AggregatedDecision, error) {
	if e.cache != nil {
		d, err := e.cache.GetDecision(ctx, tenantID, decisionID)
		if err != nil {
			slog.Warn("decision cache read failed", "decision_id", decisionID, "error", err)
		}
		if d != nil {
			return d, nil
		}
	}

	d, err := e.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		_ = e.cache.SetDecision(ctx, tenantID, d, e.cacheTTL)
	}
	return d, nil
}

// ListDecisions returns the most recent decisions of a tenant.
func (e *Engine) ListDecisions(ctx context.Context, tenantID string, limit int) ([]*domain.AggregatedDecision, error) {
	return e.repo.ListDecisions(ctx, tenantID, limit)
}

// ReloadStrategies compiles configs and swaps the active set. On error the
// previous set stays active.
func (e *Engine) ReloadStrategies(configs []domain.StrategyConfig) error {
	if err := e.registry.Load(configs); err != nil {
		slog.Error("strategy reload rejected", "error", err)
		return err
	}
	slog.Info("strategies reloaded", "strategies", e.registry.IDs())
	return nil
}

// Metrics waits for queued observations and returns the current metrics.
func (e *Engine) Metrics(ctx context.Context) (domain.EngineMetrics, error) {
	if err := e.tracker.Sync(ctx); err != nil {
		return domain.EngineMetrics{}, err
	}
	return e.tracker.Snapshot(), nil
}

// Close stops the metrics writer after draining it.
func (e *Engine) Close() error {
	e.closeOnce.Do(e.tracker.Close)
	return nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, req *domain.DecisionRequest, absent []domain.AbsentStrategy, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	e.tracker.RecordFailure(absent)
	e.collector.IncrementFailedDecision(req.Module)

	level := slog.LevelWarn
	if !errors.Is(err, domain.ErrQuorumNotMet) {
		level = slog.LevelError
	}
	slog.Log(ctx, level, "decision failed",
		"tenant_id", req.TenantID,
		"kind", req.Kind,
		"absent", len(absent),
		"error", err,
	)

	e.emitter.Emit(ctx, req.TenantID, domain.TopicDecisionFailed, map[string]any{
		"kind":   req.Kind,
		"module": req.Module,
		"absent": absent,
		"error":  err.Error(),
	})
}

func (e *Engine) recommendations(req *domain.DecisionRequest, d *domain.AggregatedDecision) []string {
	var recs []string
	if d.Escalated {
		recs = append(recs, fmt.Sprintf("Escalate to manual review: confidence %.1f%% is below %.1f%%",
			d.Confidence*100, e.cfg.EscalationThreshold*100))
	} else {
		recs = append(recs, fmt.Sprintf("Proceed with %q", d.Label))
	}

	if d.Risk.Overall.Rank() >= domain.SeverityHigh.Rank() {
		recs = append(recs, fmt.Sprintf("Resolve %s risk factors before execution", d.Risk.Overall))
	}
	if d.Uncertainty > ensemble.MaxUncertainty/2 {
		recs = append(recs, "Strategies disagree strongly; collect more context")
	}
	if len(d.Absent) > 0 {
		recs = append(recs, fmt.Sprintf("Investigate %d unavailable strategies", len(d.Absent)))
	}
	if ra := req.RequiredAccuracy; ra != nil && d.EstimatedAccuracy < *ra {
		recs = append(recs, fmt.Sprintf("Estimated accuracy %.1f%% is below the required %.1f%%",
			d.EstimatedAccuracy*100, *ra*100))
	}
	return recs
}
