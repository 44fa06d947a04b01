package domain

// Priority orders decision requests by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Level returns the ordinal of the priority (low=0 .. critical=3), or -1 when unknown.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// DecisionRequest is an inbound request for an automated decision.
// The engine never mutates a submitted request.
type DecisionRequest struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`

	// Module tags the domain that asked (e.g. a compliance error class).
	Module string `json:"module,omitempty"`

	// Kind is the request type, e.g. "gosi_error_correction".
	Kind string `json:"kind"`

	Payload  map[string]any `json:"payload,omitempty"`
	Priority Priority       `json:"priority"`

	// RequiredAccuracy is optional; nil means the engine default applies.
	RequiredAccuracy *float64 `json:"requiredAccuracy,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy whose maps are not shared with the receiver.
func (r *DecisionRequest) Clone() *DecisionRequest {
	c := *r
	if r.Payload != nil {
		c.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			c.Payload[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.RequiredAccuracy != nil {
		v := *r.RequiredAccuracy
		c.RequiredAccuracy = &v
	}
	return &c
}
