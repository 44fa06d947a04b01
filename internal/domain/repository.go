// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Decision history is append-only: SaveDecision never overwrites and
	// returns ErrDuplicateDecision for a known id.
	SaveDecision(ctx context.Context, tenantID string, decision *AggregatedDecision) error
	GetDecision(ctx context.Context, tenantID string, decisionID string) (*AggregatedDecision, error)
	ListDecisions(ctx context.Context, tenantID string, limit int) ([]*AggregatedDecision, error)

	// Feedback records
	SaveFeedback(ctx context.Context, tenantID string, feedback *FeedbackRecord) error
	ListFeedback(ctx context.Context, tenantID string, decisionID string) ([]*FeedbackRecord, error)

	// Compliance entities (sync feed and fixes)
	SaveEntity(ctx context.Context, tenantID string, entity *ComplianceEntity) error
	GetEntity(ctx context.Context, tenantID string, entityID string) (*ComplianceEntity, error)
	ListEntities(ctx context.Context, tenantID string) ([]*ComplianceEntity, error)

	// Outstanding compliance errors
	SaveComplianceError(ctx context.Context, tenantID string, ce *ComplianceError) error
	ListComplianceErrors(ctx context.Context, tenantID string) ([]*ComplianceError, error)
	DeleteComplianceError(ctx context.Context, tenantID string, errorID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "memory", "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
