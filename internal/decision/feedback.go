package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// FeedbackSink receives every recorded feedback, e.g. to recalibrate
// strategy weights. Implementations must not block.
type FeedbackSink interface {
	Record(ctx context.Context, decision *domain.AggregatedDecision, feedback *domain.FeedbackRecord)
}

// ProvideFeedback records the real-world outcome of a past decision.
// Feedback for an unknown decision is ignored and returns nil, nil.
func (e *Engine) ProvideFeedback(ctx context.Context, tenantID, decisionID string, correct bool, actualOutcome string) (*domain.FeedbackRecord, error) {
	if tenantID == "" || decisionID == "" {
		return nil, fmt.Errorf("%w: tenantId and decisionId are required", domain.ErrInvalidRequest)
	}

	d, err := e.GetDecision(ctx, tenantID, decisionID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Debug("feedback for unknown decision ignored",
			"tenant_id", tenantID,
			"decision_id", decisionID,
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}

	rec := &domain.FeedbackRecord{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		DecisionID:    decisionID,
		Correct:       correct,
		ActualOutcome: actualOutcome,
		DecisionLabel: d.Label,
		Confidence:    d.Confidence,
		CreatedAt:     e.now().UTC(),
	}
	if err := e.repo.SaveFeedback(ctx, tenantID, rec); err != nil {
		return nil, fmt.Errorf("failed to save feedback: %w", err)
	}

	e.tracker.RecordFeedback(metrics.FeedbackObservation{
		Correct:       correct,
		ActualOutcome: actualOutcome,
		DecisionLabel: d.Label,
		Outcomes:      d.Outcomes,
	})
	e.collector.IncrementFeedback(correct)
	if e.sink != nil {
		e.sink.Record(ctx, d, rec)
	}
	e.emitter.Emit(ctx, tenantID, domain.TopicFeedbackRecorded, rec)

	slog.Info("feedback recorded",
		"tenant_id", tenantID,
		"decision_id", decisionID,
		"correct", correct,
	)
	return rec, nil
}
