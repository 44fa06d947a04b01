package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines feature availability
	Tier Tier `yaml:"tier"`

	// Decision engine and compliance auto-corrector
	Engine     EngineConfig     `yaml:"engine"`
	Compliance ComplianceConfig `yaml:"compliance"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig tunes the ensemble decision engine.
type EngineConfig struct {
	Strategies []StrategyConfig `yaml:"strategies"`

	// MinQuorum is the minimum number of strategies that must produce an outcome.
	MinQuorum int `yaml:"min_quorum"`

	// RunnerTimeout bounds a single strategy run; a timed-out strategy is absent.
	RunnerTimeout time.Duration `yaml:"runner_timeout"`
	MaxWorkers    int           `yaml:"max_workers"`

	// EscalationThreshold is the inclusive lower bound for auto-resolution.
	EscalationThreshold float64 `yaml:"escalation_threshold"`

	// LowConfidenceThreshold raises a "low confidence" risk factor below it.
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold"`

	// EnsembleBonus multiplies estimated accuracy when several strategies agree to vote (<= 1.05).
	EnsembleBonus   float64 `yaml:"ensemble_bonus"`
	MaxAlternatives int     `yaml:"max_alternatives"`

	// Health targets
	AccuracyTarget float64       `yaml:"accuracy_target"`
	LatencyCeiling time.Duration `yaml:"latency_ceiling"`

	// MetricsBuffer is the queue size of the metrics single-writer.
	MetricsBuffer int `yaml:"metrics_buffer"`
}

// StatutoryRate is the contribution rate row for one residency class.
type StatutoryRate struct {
	Employee float64 `yaml:"employee"`
	Employer float64 `yaml:"employer"`
}

// ComplianceConfig tunes the contribution auto-corrector.
type ComplianceConfig struct {
	Rates map[Residency]StatutoryRate `yaml:"rates"`

	// Tolerance is the allowed absolute difference in currency units.
	Tolerance float64 `yaml:"tolerance"`

	// GraceMonths are not yet expected to have a stored record.
	GraceMonths int `yaml:"grace_months"`

	// ScanInterval drives the background detection pass.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// Tenants scanned by the background monitor.
	Tenants []string `yaml:"tenants"`

	// FixSuccessFactor is the fixed factor in the fix success probability.
	FixSuccessFactor float64 `yaml:"fix_success_factor"`

	// ClassConfidence is the detection confidence per error class.
	ClassConfidence map[ErrorClass]float64 `yaml:"class_confidence"`

	// Parallelism bounds concurrent entity scans and fixes.
	Parallelism int `yaml:"parallelism"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultStrategies returns the built-in four-strategy ensemble.
// Weights sum to 1.
func DefaultStrategies() []StrategyConfig {
	const correction = `kind.endsWith("_error_correction")`
	const missing = `module == "missing_contribution"`

	return []StrategyConfig{
		{
			ID:                   "gradient-boost",
			Name:                 "Gradient Boosting",
			LabelExpression:      missing + ` ? "manual_submission" : (` + correction + ` ? "auto_correct" : (priority_level >= 2 ? "review" : "approve"))`,
			ConfidenceExpression: correction + ` ? (priority_level >= 3 ? 0.96 : 0.92) : 0.82`,
			Weight:               0.30,
			Accuracy:             0.97,
			Features:             []string{"kind", "module", "priority"},
			Enabled:              true,
		},
		{
			ID:                   "neural-net",
			Name:                 "Neural Network",
			LabelExpression:      missing + ` ? "manual_submission" : (` + correction + ` ? "auto_correct" : (priority_level >= 3 ? "review" : "approve"))`,
			ConfidenceExpression: correction + ` ? 0.94 : (priority_level >= 2 ? 0.78 : 0.85)`,
			Weight:               0.25,
			Accuracy:             0.96,
			Features:             []string{"kind", "module", "priority"},
			Enabled:              true,
		},
		{
			ID:                   "random-forest",
			Name:                 "Random Forest",
			LabelExpression:      missing + ` ? "manual_submission" : (kind.contains("correction") ? "auto_correct" : "approve")`,
			ConfidenceExpression: `0.88 + 0.02 * double(priority_level)`,
			Weight:               0.25,
			Accuracy:             0.95,
			Features:             []string{"kind", "module", "priority"},
			Enabled:              true,
		},
		{
			ID:                   "rule-based",
			Name:                 "Rule Based",
			LabelExpression:      missing + ` ? "manual_submission" : (` + correction + ` ? "auto_correct" : ("amount" in payload && double(payload.amount) > 100000.0 ? "review" : "approve"))`,
			ConfidenceExpression: correction + ` ? 0.97 : 0.9`,
			Weight:               0.20,
			Accuracy:             0.99,
			Features:             []string{"kind", "module", "payload.amount"},
			Enabled:              true,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			Strategies:             DefaultStrategies(),
			MinQuorum:              1,
			RunnerTimeout:          2 * time.Second,
			MaxWorkers:             10,
			EscalationThreshold:    0.70,
			LowConfidenceThreshold: 0.80,
			EnsembleBonus:          1.05,
			MaxAlternatives:        3,
			AccuracyTarget:         0.95,
			LatencyCeiling:         time.Second,
			MetricsBuffer:          1024,
		},
		Compliance: ComplianceConfig{
			Rates: map[Residency]StatutoryRate{
				ResidencyNational:   {Employee: 0.0975, Employer: 0.1175},
				ResidencyExpatriate: {Employee: 0, Employer: 0.02},
			},
			Tolerance:        0.01,
			GraceMonths:      1,
			ScanInterval:     5 * time.Minute,
			FixSuccessFactor: 0.98,
			ClassConfidence: map[ErrorClass]float64{
				ClassCalculationError:    0.998,
				ClassMissingContribution: 0.995,
				ClassStatusMismatch:      0.987,
			},
			Parallelism: 8,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			DecisionTTL:  24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		DecisionTTL:    24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
