// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListDecisions when no limit is given.
const DefaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite", "":
		cfg.Driver = "sqlite"
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDecision appends a decision. A second save of the same id fails with
// domain.ErrDuplicateDecision and leaves the stored row untouched.
func (r *SQLRepository) SaveDecision(ctx context.Context, tenantID string, d *domain.AggregatedDecision) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, tenant_id, kind, module, label, confidence,
			status, escalated, body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		d.ID, tenantID, d.Kind, d.Module, d.Label, d.Confidence,
		string(d.Status), boolInt(d.Escalated), string(body), d.Timestamp.UTC(),
	)
	if r.uniqueViolation(err) {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateDecision, d.ID)
	}
	return err
}

// GetDecision retrieves a decision by ID with tenant isolation.
func (r *SQLRepository) GetDecision(ctx context.Context, tenantID string, decisionID string) (*domain.AggregatedDecision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT body FROM decisions WHERE tenant_id = ? AND id = ?`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, decisionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var d domain.AggregatedDecision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision %s: %w", decisionID, err)
	}
	return &d, nil
}

// ListDecisions returns the newest decisions first.
func (r *SQLRepository) ListDecisions(ctx context.Context, tenantID string, limit int) ([]*domain.AggregatedDecision, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT body FROM decisions
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.AggregatedDecision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d domain.AggregatedDecision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// SaveFeedback stores a feedback record.
func (r *SQLRepository) SaveFeedback(ctx context.Context, tenantID string, fb *domain.FeedbackRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO feedback (
			id, tenant_id, decision_id, correct, actual_outcome,
			decision_label, confidence, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		fb.ID, tenantID, fb.DecisionID, boolInt(fb.Correct), fb.ActualOutcome,
		fb.DecisionLabel, fb.Confidence, fb.CreatedAt.UTC(),
	)
	return err
}

// ListFeedback returns feedback for a decision, oldest first.
func (r *SQLRepository) ListFeedback(ctx context.Context, tenantID string, decisionID string) ([]*domain.FeedbackRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, decision_id, correct, actual_outcome,
			   decision_label, confidence, created_at
		FROM feedback
		WHERE tenant_id = ? AND decision_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.FeedbackRecord
	for rows.Next() {
		var fb domain.FeedbackRecord
		var correct int
		var actual sql.NullString
		if err := rows.Scan(
			&fb.ID, &fb.TenantID, &fb.DecisionID, &correct, &actual,
			&fb.DecisionLabel, &fb.Confidence, &fb.CreatedAt,
		); err != nil {
			return nil, err
		}
		fb.Correct = correct != 0
		fb.ActualOutcome = actual.String
		records = append(records, &fb)
	}
	return records, rows.Err()
}

// SaveEntity inserts or replaces a compliance entity.
func (r *SQLRepository) SaveEntity(ctx context.Context, tenantID string, e *domain.ComplianceEntity) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}

	query := `
		INSERT INTO compliance_entities (id, tenant_id, status, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		e.ID, tenantID, string(e.Status), string(body), updatedAt(e.UpdatedAt),
	)
	return err
}

// GetEntity retrieves a compliance entity by ID.
func (r *SQLRepository) GetEntity(ctx context.Context, tenantID string, entityID string) (*domain.ComplianceEntity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT body FROM compliance_entities WHERE tenant_id = ? AND id = ?`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var e domain.ComplianceEntity
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity %s: %w", entityID, err)
	}
	return &e, nil
}

// ListEntities returns all entities of a tenant ordered by ID.
func (r *SQLRepository) ListEntities(ctx context.Context, tenantID string) ([]*domain.ComplianceEntity, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT body FROM compliance_entities WHERE tenant_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*domain.ComplianceEntity
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e domain.ComplianceEntity
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entity: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// SaveComplianceError inserts or replaces an outstanding error.
func (r *SQLRepository) SaveComplianceError(ctx context.Context, tenantID string, ce *domain.ComplianceError) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if ce == nil || ce.ID == "" {
		return fmt.Errorf("%w: error id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("failed to encode compliance error: %w", err)
	}

	query := `
		INSERT INTO compliance_errors (id, tenant_id, class, severity, entity_id, body, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			severity = excluded.severity,
			body = excluded.body,
			detected_at = excluded.detected_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		ce.ID, tenantID, string(ce.Class), string(ce.Severity), ce.EntityID,
		string(body), updatedAt(ce.DetectedAt),
	)
	return err
}

// ListComplianceErrors returns outstanding errors ordered by ID.
func (r *SQLRepository) ListComplianceErrors(ctx context.Context, tenantID string) ([]*domain.ComplianceError, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT body FROM compliance_errors WHERE tenant_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []*domain.ComplianceError
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ce domain.ComplianceError
		if err := json.Unmarshal([]byte(body), &ce); err != nil {
			return nil, fmt.Errorf("failed to decode compliance error: %w", err)
		}
		errs = append(errs, &ce)
	}
	return errs, rows.Err()
}

// DeleteComplianceError removes a resolved error.
func (r *SQLRepository) DeleteComplianceError(ctx context.Context, tenantID string, errorID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `DELETE FROM compliance_errors WHERE tenant_id = ? AND id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, errorID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) uniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if r.driver == "postgres" {
		return postgresUniqueViolation(err)
	}
	return sqliteUniqueViolation(err)
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
		n++
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
