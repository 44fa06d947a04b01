package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Monitor runs periodic detection passes until stopped.
type Monitor struct {
	corrector *AutoCorrector
	cron      *cron.Cron
	schedule  string
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// StartMonitoring schedules a detection pass over every known tenant at the
// configured scan interval. The monitor stops when ctx is cancelled or Stop
// is called.
func (c *AutoCorrector) StartMonitoring(ctx context.Context) (*Monitor, error) {
	schedule := fmt.Sprintf("@every %s", c.cfg.ScanInterval)
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid scan interval %s: %w", c.cfg.ScanInterval, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		corrector: c,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule:  schedule,
		logger:    c.logger.With("component", "compliance.monitor"),
		cancel:    cancel,
	}

	if _, err := m.cron.AddFunc(schedule, func() { m.RunOnce(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule compliance scan: %w", err)
	}

	m.cron.Start()
	m.running = true
	m.logger.Info("compliance monitor started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	return m, nil
}

// RunOnce performs one detection pass over every known tenant.
func (m *Monitor) RunOnce(ctx context.Context) {
	start := time.Now()
	tenants := m.corrector.Tenants()
	detected := 0

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		errs, err := m.corrector.DetectErrors(ctx, tenantID, "")
		if err != nil {
			m.logger.Error("scheduled scan failed", "tenant_id", tenantID, "error", err)
			continue
		}
		detected += len(errs)
	}

	m.logger.Debug("scheduled scan completed",
		"tenants", len(tenants),
		"detected", detected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop stops the schedule and waits for a running pass to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	<-m.cron.Stop().Done()
	m.running = false
	m.logger.Info("compliance monitor stopped")
}

// Running reports whether the schedule is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// NextRun returns the next scheduled pass, or nil when stopped.
func (m *Monitor) NextRun() *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	entries := m.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
