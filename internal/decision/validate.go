package decision

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Validate checks that a request can be decided. It does not modify req.
func Validate(req *domain.DecisionRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: userId is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Kind) == "" {
		return fmt.Errorf("%w: kind is required", domain.ErrInvalidRequest)
	}
	if req.Priority != "" && req.Priority.Level() < 0 {
		return fmt.Errorf("%w: unknown priority %q", domain.ErrInvalidRequest, req.Priority)
	}
	if ra := req.RequiredAccuracy; ra != nil && (*ra < 0 || *ra > 1) {
		return fmt.Errorf("%w: requiredAccuracy %v outside [0,1]", domain.ErrInvalidRequest, *ra)
	}
	return nil
}

// normalize returns a private copy of req with defaults applied.
func normalize(req *domain.DecisionRequest) *domain.DecisionRequest {
	c := req.Clone()
	if c.Priority == "" {
		c.Priority = domain.PriorityMedium
	}
	return c
}

// Escalate reports whether a decision must go to manual review.
func Escalate(confidence, threshold float64) bool {
	return confidence < threshold
}
