// Package config loads, validates and hot-reloads the Kestrel configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "KESTREL_"

// Load builds the configuration. The tier defaults come first
// (KESTREL_TIER=pro selects ProConfig), then the YAML file at path if path is
// not empty, then KESTREL_* environment overrides. The result is validated.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv(envPrefix+"TIER") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML onto cfg after expanding ${VAR} references. Keys missing
// from the document keep the values already in cfg.
func Parse(data []byte, cfg *domain.Config) error {
	expanded := os.ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

// applyEnvOverrides applies KESTREL_SECTION_FIELD variables. Malformed values
// are reported instead of being silently ignored.
func applyEnvOverrides(cfg *domain.Config) error {
	var errs []string

	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(envPrefix + name); ok && val != "" {
			*dst = val
		}
	}
	integer := func(name string, dst *int) {
		if val, ok := os.LookupEnv(envPrefix + name); ok && val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	float := func(name string, dst *float64) {
		if val, ok := os.LookupEnv(envPrefix + name); ok && val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if val, ok := os.LookupEnv(envPrefix + name); ok && val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	// Server
	str("HOST", &cfg.Server.Host)
	integer("PORT", &cfg.Server.Port)

	// Repository
	str("DB_DRIVER", &cfg.Repository.Driver)
	str("SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	integer("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("POSTGRES_SSL_MODE", &cfg.Repository.PostgresSSLMode)

	// Cache
	str("CACHE_TYPE", &cfg.Cache.Type)
	str("REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	// Event bus
	str("BUS_TYPE", &cfg.EventBus.Type)
	str("NATS_URL", &cfg.EventBus.NATSUrl)
	str("NATS_TOKEN", &cfg.EventBus.NATSToken)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	// Engine
	integer("MIN_QUORUM", &cfg.Engine.MinQuorum)
	float("ESCALATION_THRESHOLD", &cfg.Engine.EscalationThreshold)
	duration("RUNNER_TIMEOUT", &cfg.Engine.RunnerTimeout)

	// Compliance
	duration("SCAN_INTERVAL", &cfg.Compliance.ScanInterval)
	float("TOLERANCE", &cfg.Compliance.Tolerance)
	if val := os.Getenv(envPrefix + "TENANTS"); val != "" {
		cfg.Compliance.Tenants = splitList(val)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
