package domain

import "time"

// ErrorClass identifies the detection pass that produced a compliance error.
type ErrorClass string

const (
	ClassCalculationError    ErrorClass = "calculation_error"
	ClassMissingContribution ErrorClass = "missing_contribution"
	ClassStatusMismatch      ErrorClass = "status_mismatch"
)

// Residency selects the statutory rate row for an entity.
type Residency string

const (
	ResidencyNational   Residency = "national"
	ResidencyExpatriate Residency = "expatriate"
)

// RecordStatus is the state of a periodic contribution record.
type RecordStatus string

const (
	RecordPaid     RecordStatus = "paid"
	RecordPending  RecordStatus = "pending"
	RecordOverdue  RecordStatus = "overdue"
	RecordDisputed RecordStatus = "disputed"
)

// ComplianceStatus is the rolled-up status of an entity.
type ComplianceStatus string

const (
	ComplianceCompliant    ComplianceStatus = "compliant"
	CompliancePending      ComplianceStatus = "pending"
	ComplianceNonCompliant ComplianceStatus = "non_compliant"
)

// ContributionRecord is one period of contributions for an entity.
type ContributionRecord struct {
	Period         string       `json:"period"` // YYYY-MM
	EmployeeAmount float64      `json:"employeeAmount"`
	EmployerAmount float64      `json:"employerAmount"`
	Status         RecordStatus `json:"status"`
	ConfirmationID string       `json:"confirmationId,omitempty"`
}

// ComplianceEntity is a tracked contributor (typically an employee).
type ComplianceEntity struct {
	ID         string               `json:"id"`
	TenantID   string               `json:"tenantId"`
	Name       string               `json:"name,omitempty"`
	Salary     float64              `json:"salary"`
	Residency  Residency            `json:"residency"`
	EnrolledAt time.Time            `json:"enrolledAt"`
	Records    []ContributionRecord `json:"records"`
	Status     ComplianceStatus     `json:"status"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// Clone returns a deep copy of the entity.
func (e *ComplianceEntity) Clone() *ComplianceEntity {
	c := *e
	c.Records = append([]ContributionRecord(nil), e.Records...)
	return &c
}

// ComplianceError is a detected contribution problem awaiting remediation.
type ComplianceError struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	Class        ErrorClass `json:"class"`
	Severity     Severity   `json:"severity"`
	EntityID     string     `json:"entityId"`
	Period       string     `json:"period,omitempty"`
	Description  string     `json:"description"`
	SuggestedFix string     `json:"suggestedFix"`
	AutoFixable  bool       `json:"autoFixable"`
	Confidence   float64    `json:"confidence"`
	DetectedAt   time.Time  `json:"detectedAt"`
}

// FixDetail reports what happened to one error during an auto-fix pass.
type FixDetail struct {
	ErrorID    string     `json:"errorId"`
	EntityID   string     `json:"entityId"`
	Class      ErrorClass `json:"class"`
	Fixed      bool       `json:"fixed"`
	Executed   bool       `json:"executed"`
	DecisionID string     `json:"decisionId,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Reason     string     `json:"reason"`
}

// FixResult summarizes an auto-fix pass.
type FixResult struct {
	Fixed   int         `json:"fixed"`
	Failed  int         `json:"failed"`
	Details []FixDetail `json:"details"`
}

// ComplianceReport is the presentation-facing compliance summary.
type ComplianceReport struct {
	TenantID       string                   `json:"tenantId"`
	GeneratedAt    time.Time                `json:"generatedAt"`
	Entities       int                      `json:"entities"`
	Outstanding    []ComplianceError        `json:"outstanding"`
	ByClass        map[ErrorClass]int       `json:"byClass"`
	BySeverity     map[Severity]int         `json:"bySeverity"`
	EntityStatuses map[ComplianceStatus]int `json:"entityStatuses"`
	AutoFixable    int                      `json:"autoFixable"`
	TotalFixed     int64                    `json:"totalFixed"`
	ComplianceRate float64                  `json:"complianceRate"`
	Confidence     float64                  `json:"confidence"`
	LastScanAt     *time.Time               `json:"lastScanAt,omitempty"`
	Degraded       bool                     `json:"degraded,omitempty"`
}
