// Package compliance detects and remediates social-insurance contribution
// errors for tracked entities, using the decision engine to approve each fix.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

var tracer = otel.Tracer("kestrel-compliance")

// Decider is the part of the decision engine the corrector needs.
type Decider interface {
	MakeDecision(ctx context.Context, req *domain.DecisionRequest) (*domain.AggregatedDecision, error)
}

// Option configures an AutoCorrector.
type Option func(*AutoCorrector)

// WithRandom replaces the source of fix outcomes. fn returns values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(c *AutoCorrector) { c.random = fn }
}

// WithClock replaces the wall clock used for detection.
func WithClock(now func() time.Time) Option {
	return func(c *AutoCorrector) { c.now = now }
}

// WithEmitter publishes detection and fix events.
func WithEmitter(e *events.Emitter) Option {
	return func(c *AutoCorrector) { c.emitter = e }
}

// WithCollector records Prometheus metrics.
func WithCollector(m *metrics.Collector) Option {
	return func(c *AutoCorrector) { c.collector = m }
}

// WithLogger sets the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *AutoCorrector) { c.logger = l }
}

// AutoCorrector owns the compliance entities and their outstanding errors.
type AutoCorrector struct {
	cfg       domain.ComplianceConfig
	engine    Decider
	repo      domain.Repository
	emitter   *events.Emitter
	collector *metrics.Collector
	logger    *slog.Logger
	random    func() float64
	now       func() time.Time

	// entity locks serialize fixes touching the same entity
	locks   sync.Map
	tenants sync.Map

	totalFixed atomic.Int64
	lastScan   atomic.Pointer[time.Time]
}

// New creates an auto-corrector. Zero config values fall back to the defaults.
func New(cfg domain.ComplianceConfig, engine Decider, repo domain.Repository, opts ...Option) (*AutoCorrector, error) {
	if engine == nil {
		return nil, errors.New("compliance: decision engine is required")
	}
	if repo == nil {
		return nil, errors.New("compliance: repository is required")
	}

	def := domain.DefaultConfig().Compliance
	if len(cfg.Rates) == 0 {
		cfg.Rates = def.Rates
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.GraceMonths < 0 {
		cfg.GraceMonths = 0
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.FixSuccessFactor <= 0 {
		cfg.FixSuccessFactor = def.FixSuccessFactor
	}
	if cfg.ClassConfidence == nil {
		cfg.ClassConfidence = def.ClassConfidence
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}

	c := &AutoCorrector{
		cfg:    cfg,
		engine: engine,
		repo:   repo,
		logger: slog.Default().With("component", "compliance.corrector"),
		random: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, t := range cfg.Tenants {
		c.tenants.Store(t, struct{}{})
	}
	return c, nil
}

// UpsertEntity stores an entity from the sync feed.
func (c *AutoCorrector) UpsertEntity(ctx context.Context, tenantID string, e *domain.ComplianceEntity) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantId is required", domain.ErrInvalidRequest)
	}
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidRequest)
	}
	if e.Salary < 0 {
		return fmt.Errorf("%w: salary must not be negative", domain.ErrInvalidRequest)
	}

	stored := e.Clone()
	stored.TenantID = tenantID
	if stored.Residency == "" {
		stored.Residency = domain.ResidencyNational
	}
	if _, ok := c.cfg.Rates[stored.Residency]; !ok {
		return fmt.Errorf("%w: unknown residency %q", domain.ErrInvalidRequest, stored.Residency)
	}
	for _, r := range stored.Records {
		if _, err := time.Parse(periodLayout, r.Period); err != nil {
			return fmt.Errorf("%w: record period %q is not YYYY-MM", domain.ErrInvalidRequest, r.Period)
		}
	}
	now := c.now().UTC()
	if stored.Status == "" {
		stored.Status = c.rollup(stored, now)
	}
	stored.UpdatedAt = now

	if err := c.repo.SaveEntity(ctx, tenantID, stored); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	c.tenants.Store(tenantID, struct{}{})

	c.logger.Debug("entity synced", "tenant_id", tenantID, "entity_id", stored.ID, "records", len(stored.Records))
	return nil
}

// Entity returns one tracked entity.
func (c *AutoCorrector) Entity(ctx context.Context, tenantID, entityID string) (*domain.ComplianceEntity, error) {
	return c.repo.GetEntity(ctx, tenantID, entityID)
}

// Entities returns all tracked entities of a tenant.
func (c *AutoCorrector) Entities(ctx context.Context, tenantID string) ([]*domain.ComplianceEntity, error) {
	return c.repo.ListEntities(ctx, tenantID)
}

// Outstanding returns the unresolved errors of a tenant.
func (c *AutoCorrector) Outstanding(ctx context.Context, tenantID string) ([]*domain.ComplianceError, error) {
	return c.repo.ListComplianceErrors(ctx, tenantID)
}

// Tenants returns the tenants the monitor scans, sorted.
func (c *AutoCorrector) Tenants() []string {
	var out []string
	c.tenants.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (c *AutoCorrector) entityLock(tenantID, entityID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(tenantID+"/"+entityID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
