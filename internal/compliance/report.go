package compliance

import (
	"context"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// slotsPerEntity is the number of checks each entity can fail.
const slotsPerEntity = 3

// degradedConfidence is reported when the store could not be read.
const degradedConfidence = 0.5

// GenerateReport summarizes the compliance state of a tenant. It never
// fails: store errors produce a degraded report.
func (c *AutoCorrector) GenerateReport(ctx context.Context, tenantID string) *domain.ComplianceReport {
	report := &domain.ComplianceReport{
		TenantID:       tenantID,
		GeneratedAt:    c.now().UTC(),
		Outstanding:    []domain.ComplianceError{},
		ByClass:        map[domain.ErrorClass]int{},
		BySeverity:     map[domain.Severity]int{},
		EntityStatuses: map[domain.ComplianceStatus]int{},
		TotalFixed:     c.totalFixed.Load(),
		LastScanAt:     c.lastScan.Load(),
	}

	entities, err := c.repo.ListEntities(ctx, tenantID)
	if err != nil {
		return c.degrade(report, err)
	}
	outstanding, err := c.repo.ListComplianceErrors(ctx, tenantID)
	if err != nil {
		return c.degrade(report, err)
	}

	report.Entities = len(entities)
	for _, e := range entities {
		report.EntityStatuses[e.Status]++
	}

	var confidence float64
	for _, ce := range outstanding {
		report.Outstanding = append(report.Outstanding, *ce)
		report.ByClass[ce.Class]++
		report.BySeverity[ce.Severity]++
		if ce.AutoFixable {
			report.AutoFixable++
		}
		confidence += ce.Confidence
	}

	slots := len(entities) * slotsPerEntity
	report.ComplianceRate = 1
	if slots > 0 {
		report.ComplianceRate = math.Max(0, float64(slots-len(outstanding))/float64(slots))
	}

	report.Confidence = 1
	if len(outstanding) > 0 {
		report.Confidence = confidence / float64(len(outstanding))
	}
	return report
}

func (c *AutoCorrector) degrade(report *domain.ComplianceReport, err error) *domain.ComplianceReport {
	c.logger.Warn("compliance report degraded", "tenant_id", report.TenantID, "error", err)
	report.Degraded = true
	report.Confidence = degradedConfidence
	return report
}
