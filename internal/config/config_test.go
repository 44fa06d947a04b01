package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const sampleYAML = `
server:
  port: ${KESTREL_TEST_PORT}
engine:
  escalation_threshold: 0.65
  runner_timeout: 500ms
  strategies:
    - id: primary
      label_expression: '"approve"'
      confidence_expression: "0.9"
      weight: 0.6
      accuracy: 0.95
      enabled: true
    - id: secondary
      label_expression: '"approve"'
      confidence_expression: "0.8"
      weight: 0.4
      accuracy: 0.9
      enabled: true
compliance:
  scan_interval: 10m
  rates:
    national:
      employee: 0.1
      employer: 0.12
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "kestrel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("expected community tier, got %s", cfg.Tier)
	}
	if len(cfg.Engine.Strategies) != 4 {
		t.Errorf("expected 4 default strategies, got %d", len(cfg.Engine.Strategies))
	}
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("expected pro components, got %s/%s", cfg.Repository.Driver, cfg.EventBus.Type)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("KESTREL_TEST_PORT", "9090")
	path := writeFile(t, t.TempDir(), sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected ${VAR} expansion, got port %d", cfg.Server.Port)
	}
	if cfg.Engine.EscalationThreshold != 0.65 {
		t.Errorf("unexpected threshold %v", cfg.Engine.EscalationThreshold)
	}
	if cfg.Engine.RunnerTimeout != 500*time.Millisecond {
		t.Errorf("unexpected runner timeout %v", cfg.Engine.RunnerTimeout)
	}
	if len(cfg.Engine.Strategies) != 2 {
		t.Errorf("file strategies must replace the defaults, got %d", len(cfg.Engine.Strategies))
	}
	if cfg.Compliance.ScanInterval != 10*time.Minute {
		t.Errorf("unexpected scan interval %v", cfg.Compliance.ScanInterval)
	}
	if r := cfg.Compliance.Rates[domain.ResidencyNational]; r.Employee != 0.1 {
		t.Errorf("unexpected national rate %+v", r)
	}
	if _, ok := cfg.Compliance.Rates[domain.ResidencyExpatriate]; !ok {
		t.Error("rates missing from the file must keep their defaults")
	}
	if cfg.Engine.MinQuorum != 1 {
		t.Errorf("keys missing from the file must keep their defaults, got quorum %d", cfg.Engine.MinQuorum)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "7000")
	t.Setenv("KESTREL_DB_DRIVER", "memory")
	t.Setenv("KESTREL_ESCALATION_THRESHOLD", "0.8")
	t.Setenv("KESTREL_SCAN_INTERVAL", "30s")
	t.Setenv("KESTREL_TENANTS", "tenant-a, tenant-b,,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Repository.Driver != "memory" {
		t.Errorf("overrides not applied: port=%d driver=%s", cfg.Server.Port, cfg.Repository.Driver)
	}
	if cfg.Engine.EscalationThreshold != 0.8 || cfg.Compliance.ScanInterval != 30*time.Second {
		t.Errorf("overrides not applied: %v %v", cfg.Engine.EscalationThreshold, cfg.Compliance.ScanInterval)
	}
	if got := strings.Join(cfg.Compliance.Tenants, "|"); got != "tenant-a|tenant-b" {
		t.Errorf("unexpected tenants %q", got)
	}

	t.Run("Malformed", func(t *testing.T) {
		t.Setenv("KESTREL_MIN_QUORUM", "three")
		_, err := Load("")
		if err == nil || !strings.Contains(err.Error(), "KESTREL_MIN_QUORUM") {
			t.Fatalf("expected malformed override error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		want   string
	}{
		{"valid defaults", func(*domain.Config) {}, ""},
		{"weights", func(c *domain.Config) { c.Engine.Strategies[0].Weight = 0.5 }, "enabled weights sum"},
		{"weights within tolerance", func(c *domain.Config) { c.Engine.Strategies[0].Weight += 0.005 }, ""},
		{"disabled strategy ignored", func(c *domain.Config) {
			c.Engine.Strategies[3].Enabled = false
			c.Engine.Strategies[0].Weight += c.Engine.Strategies[3].Weight
		}, ""},
		{"threshold range", func(c *domain.Config) { c.Engine.EscalationThreshold = 1.2 }, "engine.escalation_threshold"},
		{"bonus cap", func(c *domain.Config) { c.Engine.EnsembleBonus = 1.2 }, "engine.ensemble_bonus"},
		{"interval", func(c *domain.Config) { c.Compliance.ScanInterval = 0 }, "compliance.scan_interval"},
		{"driver", func(c *domain.Config) { c.Repository.Driver = "oracle" }, "repository.driver"},
		{"duplicate id", func(c *domain.Config) { c.Engine.Strategies[1].ID = c.Engine.Strategies[0].ID }, "duplicate id"},
		{"quorum", func(c *domain.Config) { c.Engine.MinQuorum = 9 }, "engine.min_quorum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)

			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestStoreSwap(t *testing.T) {
	first := domain.DefaultConfig()
	s := NewStore(first)

	next := domain.DefaultConfig()
	next.Engine.EscalationThreshold = 0.75
	prev, err := s.Swap(next)
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if prev != first || s.Load() != next {
		t.Error("swap did not replace the snapshot")
	}

	bad := domain.DefaultConfig()
	bad.Compliance.ScanInterval = -1
	if _, err := s.Swap(bad); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if s.Load() != next {
		t.Error("rejected config must not replace the snapshot")
	}
}

func TestWatcherReloads(t *testing.T) {
	t.Setenv("KESTREL_TEST_PORT", "9090")
	dir := t.TempDir()
	path := writeFile(t, dir, sampleYAML)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	store := NewStore(initial)

	reloaded := make(chan *domain.Config, 4)
	w, err := NewWatcher(path, store, func(c *domain.Config) { reloaded <- c }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-w.Done()
	}()
	go w.Watch(ctx)

	updated := strings.Replace(sampleYAML, "escalation_threshold: 0.65", "escalation_threshold: 0.55", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case cfg := <-reloaded:
			if cfg.Engine.EscalationThreshold != 0.55 {
				t.Fatalf("unexpected reloaded threshold %v", cfg.Engine.EscalationThreshold)
			}
			if store.Load().Engine.EscalationThreshold != 0.55 {
				t.Fatal("store was not updated")
			}
			return
		case <-tick.C:
			// rewrite until the watcher has registered the directory
			writeFile(t, dir, updated)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
