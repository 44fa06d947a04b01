package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// CorrectionKind is the decision kind requested for every fix.
const CorrectionKind = "gosi_error_correction"

// correctorUser is recorded as the requesting user of fix decisions.
const correctorUser = "compliance-autocorrector"

// Fix outcome labels used in metrics.
const (
	fixResultFixed      = "fixed"
	fixResultFailed     = "failed"
	fixResultEscalated  = "escalated"
	fixResultNotFixable = "not_fixable"
	fixResultResolved   = "resolved"
)

// AutoFixErrors attempts to remediate the given outstanding errors, or all
// of them when ids is empty. Every error gets a FixDetail; an error is only
// removed once a re-scan of its entity no longer reports it.
func (c *AutoCorrector) AutoFixErrors(ctx context.Context, tenantID string, ids []string) (*domain.FixResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId is required", domain.ErrInvalidRequest)
	}

	ctx, span := tracer.Start(ctx, "compliance.autofix",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	outstanding, err := c.repo.ListComplianceErrors(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outstanding errors: %w", err)
	}

	var details []domain.FixDetail
	selected := outstanding
	if len(ids) > 0 {
		byID := make(map[string]*domain.ComplianceError, len(outstanding))
		for _, ce := range outstanding {
			byID[ce.ID] = ce
		}
		selected = nil
		for _, id := range ids {
			ce, ok := byID[id]
			if !ok {
				details = append(details, domain.FixDetail{ErrorID: id, Reason: "not an outstanding error"})
				continue
			}
			selected = append(selected, ce)
		}
	}

	// one goroutine per entity; errors of the same entity run in order
	byEntity := make(map[string][]*domain.ComplianceError)
	var order []string
	for _, ce := range selected {
		if _, ok := byEntity[ce.EntityID]; !ok {
			order = append(order, ce.EntityID)
		}
		byEntity[ce.EntityID] = append(byEntity[ce.EntityID], ce)
	}

	results := make([][]domain.FixDetail, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, entityID := range order {
		i, entityID := i, entityID
		g.Go(func() error {
			mu := c.entityLock(tenantID, entityID)
			mu.Lock()
			defer mu.Unlock()

			for _, ce := range byEntity[entityID] {
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = append(results[i], c.fixOne(gctx, tenantID, ce))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range results {
		details = append(details, r...)
	}
	sort.Slice(details, func(i, j int) bool { return details[i].ErrorID < details[j].ErrorID })

	result := &domain.FixResult{Details: details}
	for _, d := range details {
		if d.Fixed {
			result.Fixed++
		} else {
			result.Failed++
		}
	}
	c.totalFixed.Add(int64(result.Fixed))

	if remaining, err := c.repo.ListComplianceErrors(ctx, tenantID); err == nil {
		c.collector.SetOutstanding(tenantID, len(remaining))
	}

	span.SetAttributes(attribute.Int("compliance.fixed", result.Fixed), attribute.Int("compliance.failed", result.Failed))
	c.emitter.Emit(ctx, tenantID, domain.TopicComplianceAutoFixed, result)

	c.logger.Info("auto-fix pass completed",
		"tenant_id", tenantID,
		"fixed", result.Fixed,
		"failed", result.Failed,
	)
	return result, nil
}

// fixOne runs the decide, execute, verify sequence for one error.
func (c *AutoCorrector) fixOne(ctx context.Context, tenantID string, ce *domain.ComplianceError) domain.FixDetail {
	detail := domain.FixDetail{ErrorID: ce.ID, EntityID: ce.EntityID, Class: ce.Class}

	if !ce.AutoFixable {
		detail.Reason = "requires external submission"
		c.collector.IncrementFix(string(ce.Class), fixResultNotFixable)
		return detail
	}

	d, err := c.engine.MakeDecision(ctx, correctionRequest(tenantID, ce))
	if err != nil {
		detail.Reason = fmt.Errorf("%w: decision failed: %w", domain.ErrAutoFixFailure, err).Error()
		c.collector.IncrementFix(string(ce.Class), fixResultFailed)
		c.logger.Warn("fix decision failed", "tenant_id", tenantID, "error_id", ce.ID, "error", err)
		return detail
	}
	detail.DecisionID = d.ID
	detail.Confidence = d.Confidence

	if d.Escalated {
		detail.Reason = "escalated for manual review"
		c.collector.IncrementFix(string(ce.Class), fixResultEscalated)
		return detail
	}

	detail.Executed = true
	p := ce.Confidence * d.Confidence * c.cfg.FixSuccessFactor
	if c.random() >= p {
		detail.Reason = fmt.Sprintf("fix attempt did not succeed (p=%.3f)", p)
		c.collector.IncrementFix(string(ce.Class), fixResultFailed)
		return detail
	}

	if err := c.apply(ctx, tenantID, ce); err != nil {
		detail.Reason = fmt.Errorf("%w: %w", domain.ErrAutoFixFailure, err).Error()
		c.collector.IncrementFix(string(ce.Class), fixResultFailed)
		c.logger.Error("failed to apply fix", "tenant_id", tenantID, "error_id", ce.ID, "error", err)
		return detail
	}

	if err := c.verify(ctx, tenantID, ce); err != nil {
		detail.Reason = err.Error()
		c.collector.IncrementFix(string(ce.Class), fixResultFailed)
		return detail
	}

	detail.Fixed = true
	detail.Reason = "fixed and verified"
	c.collector.IncrementFix(string(ce.Class), fixResultFixed)
	c.logger.Info("compliance error fixed",
		"tenant_id", tenantID,
		"error_id", ce.ID,
		"decision_id", d.ID,
	)
	return detail
}

// apply rewrites the entity so that ce no longer holds.
func (c *AutoCorrector) apply(ctx context.Context, tenantID string, ce *domain.ComplianceError) error {
	e, err := c.repo.GetEntity(ctx, tenantID, ce.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load entity: %w", err)
	}
	e = e.Clone()

	switch ce.Class {
	case domain.ClassCalculationError:
		employee, employer := c.expected(e)
		found := false
		for i := range e.Records {
			if e.Records[i].Period == ce.Period {
				e.Records[i].EmployeeAmount = employee
				e.Records[i].EmployerAmount = employer
				found = true
			}
		}
		if !found {
			return fmt.Errorf("no record for period %s", ce.Period)
		}
	case domain.ClassStatusMismatch:
		e.Status = c.rollup(e, c.now().UTC())
	default:
		return fmt.Errorf("class %s cannot be fixed automatically", ce.Class)
	}

	e.UpdatedAt = c.now().UTC()
	return c.repo.SaveEntity(ctx, tenantID, e)
}

// verify re-runs detection on the entity and deletes ce only if it is gone.
func (c *AutoCorrector) verify(ctx context.Context, tenantID string, ce *domain.ComplianceError) error {
	e, err := c.repo.GetEntity(ctx, tenantID, ce.EntityID)
	if err != nil {
		return fmt.Errorf("%w: failed to reload entity: %w", domain.ErrAutoFixFailure, err)
	}
	for _, again := range c.detect(e, c.now().UTC()) {
		if again.ID == ce.ID {
			return fmt.Errorf("%w: error still reproduces after fix", domain.ErrAutoFixFailure)
		}
	}
	if err := c.repo.DeleteComplianceError(ctx, tenantID, ce.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to clear error: %w", err)
	}
	return nil
}

func correctionRequest(tenantID string, ce *domain.ComplianceError) *domain.DecisionRequest {
	return &domain.DecisionRequest{
		TenantID: tenantID,
		UserID:   correctorUser,
		Module:   string(ce.Class),
		Kind:     CorrectionKind,
		Priority: priorityFor(ce.Severity),
		Payload: map[string]any{
			"errorId":    ce.ID,
			"entityId":   ce.EntityID,
			"period":     ce.Period,
			"confidence": ce.Confidence,
		},
		Metadata: map[string]string{"source": "compliance"},
	}
}

func priorityFor(s domain.Severity) domain.Priority {
	switch s {
	case domain.SeverityCritical:
		return domain.PriorityCritical
	case domain.SeverityHigh:
		return domain.PriorityHigh
	case domain.SeverityLow:
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}
