package compliance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const periodLayout = "2006-01"

// ErrorID is the deterministic key of a detected error. Repeated scans of an
// unchanged entity produce the same ids.
func ErrorID(class domain.ErrorClass, entityID, period string) string {
	if period == "" {
		return string(class) + ":" + entityID
	}
	return string(class) + ":" + entityID + ":" + period
}

// DetectErrors scans one entity, or every entity of the tenant when entityID
// is empty, and records what it finds as outstanding errors. An error that
// is already outstanding keeps its original detection time. Outstanding
// errors of a scanned entity that no longer reproduce are resolved.
func (c *AutoCorrector) DetectErrors(ctx context.Context, tenantID, entityID string) ([]domain.ComplianceError, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantId is required", domain.ErrInvalidRequest)
	}

	ctx, span := tracer.Start(ctx, "compliance.detect",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("entity.id", entityID),
		),
	)
	defer span.End()

	entities, err := c.scope(ctx, tenantID, entityID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	now := c.now().UTC()
	scans := make([]entityScan, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, e := range entities {
		i, e := i, e
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scan, err := c.reconcile(gctx, tenantID, e.ID, now)
			if err != nil {
				return err
			}
			scans[i] = scan
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var detected []domain.ComplianceError
	var resolved []string
	added := make(map[domain.ErrorClass]int)
	for _, scan := range scans {
		detected = append(detected, scan.detected...)
		resolved = append(resolved, scan.resolved...)
		for class, n := range scan.added {
			added[class] += n
		}
	}
	sort.Slice(detected, func(i, j int) bool { return detected[i].ID < detected[j].ID })
	sort.Strings(resolved)

	newCount := 0
	for class, n := range added {
		c.collector.AddDetected(string(class), n)
		newCount += n
	}
	c.lastScan.Store(&now)
	if outstanding, err := c.repo.ListComplianceErrors(ctx, tenantID); err == nil {
		c.collector.SetOutstanding(tenantID, len(outstanding))
	}

	span.SetAttributes(
		attribute.Int("compliance.detected", len(detected)),
		attribute.Int("compliance.new", newCount),
		attribute.Int("compliance.resolved", len(resolved)),
	)
	c.emitter.Emit(ctx, tenantID, domain.TopicComplianceDetected, map[string]any{
		"entityId": entityID,
		"entities": len(entities),
		"detected": len(detected),
		"new":      newCount,
		"resolved": resolved,
	})

	c.logger.Info("compliance scan completed",
		"tenant_id", tenantID,
		"entities", len(entities),
		"detected", len(detected),
		"new", newCount,
		"resolved", len(resolved),
	)
	return detected, nil
}

// entityScan is the outcome of reconciling one entity.
type entityScan struct {
	detected []domain.ComplianceError
	added    map[domain.ErrorClass]int
	resolved []string
}

// reconcile re-reads the entity under its lock, records what detection
// finds and removes the entity's outstanding errors that no longer
// reproduce. Holding the lock keeps a scan from racing a fix on the same
// entity.
func (c *AutoCorrector) reconcile(ctx context.Context, tenantID, entityID string, now time.Time) (entityScan, error) {
	mu := c.entityLock(tenantID, entityID)
	mu.Lock()
	defer mu.Unlock()

	scan := entityScan{added: make(map[domain.ErrorClass]int)}

	e, err := c.repo.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		return scan, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}

	current, err := c.repo.ListComplianceErrors(ctx, tenantID)
	if err != nil {
		return scan, fmt.Errorf("failed to list outstanding errors: %w", err)
	}
	existing := make(map[string]*domain.ComplianceError)
	for _, ce := range current {
		if ce.EntityID == entityID {
			existing[ce.ID] = ce
		}
	}

	scan.detected = c.detect(e, now)
	still := make(map[string]bool, len(scan.detected))
	for i := range scan.detected {
		ce := &scan.detected[i]
		still[ce.ID] = true
		if prev, ok := existing[ce.ID]; ok {
			ce.DetectedAt = prev.DetectedAt
		} else {
			scan.added[ce.Class]++
		}
		if err := c.repo.SaveComplianceError(ctx, tenantID, ce); err != nil {
			return scan, fmt.Errorf("failed to record compliance error %s: %w", ce.ID, err)
		}
	}

	for id, ce := range existing {
		if still[id] {
			continue
		}
		if err := c.repo.DeleteComplianceError(ctx, tenantID, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return scan, fmt.Errorf("failed to resolve compliance error %s: %w", id, err)
		}
		scan.resolved = append(scan.resolved, id)
		c.collector.IncrementFix(string(ce.Class), fixResultResolved)
		c.logger.Info("compliance error resolved",
			"tenant_id", tenantID,
			"entity_id", entityID,
			"error_id", id,
		)
	}
	return scan, nil
}

func (c *AutoCorrector) scope(ctx context.Context, tenantID, entityID string) ([]*domain.ComplianceEntity, error) {
	if entityID == "" {
		entities, err := c.repo.ListEntities(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to list entities: %w", err)
		}
		return entities, nil
	}

	e, err := c.repo.GetEntity(ctx, tenantID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", entityID, err)
	}
	return []*domain.ComplianceEntity{e}, nil
}

// detect runs every pass over one entity. It is pure.
func (c *AutoCorrector) detect(e *domain.ComplianceEntity, now time.Time) []domain.ComplianceError {
	var out []domain.ComplianceError
	out = append(out, c.detectCalculation(e, now)...)
	out = append(out, c.detectMissing(e, now)...)
	out = append(out, c.detectStatus(e, now)...)
	return out
}

func (c *AutoCorrector) detectCalculation(e *domain.ComplianceEntity, now time.Time) []domain.ComplianceError {
	employee, employer := c.expected(e)

	var out []domain.ComplianceError
	for _, r := range e.Records {
		dEmployee := math.Abs(r.EmployeeAmount - employee)
		dEmployer := math.Abs(r.EmployerAmount - employer)
		if dEmployee <= c.cfg.Tolerance && dEmployer <= c.cfg.Tolerance {
			continue
		}
		out = append(out, domain.ComplianceError{
			ID:       ErrorID(domain.ClassCalculationError, e.ID, r.Period),
			TenantID: e.TenantID,
			Class:    domain.ClassCalculationError,
			Severity: domain.SeverityHigh,
			EntityID: e.ID,
			Period:   r.Period,
			Description: fmt.Sprintf("contribution for %s is %.2f/%.2f, expected %.2f/%.2f",
				r.Period, r.EmployeeAmount, r.EmployerAmount, employee, employer),
			SuggestedFix: fmt.Sprintf("set employee amount to %.2f and employer amount to %.2f", employee, employer),
			AutoFixable:  true,
			Confidence:   c.classConfidence(domain.ClassCalculationError),
			DetectedAt:   now,
		})
	}
	return out
}

func (c *AutoCorrector) detectMissing(e *domain.ComplianceEntity, now time.Time) []domain.ComplianceError {
	var out []domain.ComplianceError
	for _, period := range c.missingPeriods(e, now) {
		out = append(out, domain.ComplianceError{
			ID:           ErrorID(domain.ClassMissingContribution, e.ID, period),
			TenantID:     e.TenantID,
			Class:        domain.ClassMissingContribution,
			Severity:     domain.SeverityCritical,
			EntityID:     e.ID,
			Period:       period,
			Description:  fmt.Sprintf("no contribution record for %s", period),
			SuggestedFix: "submit the missing contribution to the insurance authority",
			AutoFixable:  false,
			Confidence:   c.classConfidence(domain.ClassMissingContribution),
			DetectedAt:   now,
		})
	}
	return out
}

// detectStatus flags an entity still marked compliant while one of its
// records is overdue or disputed.
func (c *AutoCorrector) detectStatus(e *domain.ComplianceEntity, now time.Time) []domain.ComplianceError {
	if e.Status != domain.ComplianceCompliant {
		return nil
	}
	var offending string
	for _, r := range e.Records {
		if r.Status == domain.RecordOverdue || r.Status == domain.RecordDisputed {
			offending = r.Period
			break
		}
	}
	if offending == "" {
		return nil
	}
	return []domain.ComplianceError{{
		ID:           ErrorID(domain.ClassStatusMismatch, e.ID, ""),
		TenantID:     e.TenantID,
		Class:        domain.ClassStatusMismatch,
		Severity:     domain.SeverityMedium,
		EntityID:     e.ID,
		Description:  fmt.Sprintf("entity is marked compliant but the record for %s is not settled", offending),
		SuggestedFix: fmt.Sprintf("set status to %q", domain.ComplianceNonCompliant),
		AutoFixable:  true,
		Confidence:   c.classConfidence(domain.ClassStatusMismatch),
		DetectedAt:   now,
	}}
}

// expected returns the statutory employee and employer amounts, rounded to cents.
func (c *AutoCorrector) expected(e *domain.ComplianceEntity) (employee, employer float64) {
	rate, ok := c.cfg.Rates[e.Residency]
	if !ok {
		rate = c.cfg.Rates[domain.ResidencyNational]
	}
	return roundCents(e.Salary * rate.Employee), roundCents(e.Salary * rate.Employer)
}

// missingPeriods lists the periods due since enrollment, minus the grace
// months, that have no record.
func (c *AutoCorrector) missingPeriods(e *domain.ComplianceEntity, now time.Time) []string {
	if e.EnrolledAt.IsZero() {
		return nil
	}
	due := monthsBetween(e.EnrolledAt, now) - c.cfg.GraceMonths
	if due <= 0 {
		return nil
	}

	have := make(map[string]bool, len(e.Records))
	for _, r := range e.Records {
		have[r.Period] = true
	}

	start := time.Date(e.EnrolledAt.Year(), e.EnrolledAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	var missing []string
	for i := 0; i < due; i++ {
		p := start.AddDate(0, i, 0).Format(periodLayout)
		if !have[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

// rollup derives an entity's status from its records.
func (c *AutoCorrector) rollup(e *domain.ComplianceEntity, now time.Time) domain.ComplianceStatus {
	if len(c.missingPeriods(e, now)) > 0 {
		return domain.ComplianceNonCompliant
	}
	status := domain.ComplianceCompliant
	for _, r := range e.Records {
		switch r.Status {
		case domain.RecordOverdue, domain.RecordDisputed:
			return domain.ComplianceNonCompliant
		case domain.RecordPending:
			status = domain.CompliancePending
		}
	}
	return status
}

func (c *AutoCorrector) classConfidence(class domain.ErrorClass) float64 {
	if v, ok := c.cfg.ClassConfidence[class]; ok {
		return v
	}
	return domain.DefaultConfig().Compliance.ClassConfidence[class]
}

func monthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
