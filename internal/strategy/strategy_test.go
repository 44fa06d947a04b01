package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func correctionRequest() *domain.DecisionRequest {
	return &domain.DecisionRequest{
		TenantID: "tenant-001",
		UserID:   "user-001",
		Module:   string(domain.ClassCalculationError),
		Kind:     "gosi_error_correction",
		Priority: domain.PriorityCritical,
		Payload:  map[string]any{"amount": 975.0},
	}
}

func TestDefaultStrategiesCompile(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}

	if err := reg.Load(domain.DefaultStrategies()); err != nil {
		t.Fatalf("failed to load default strategies: %v", err)
	}

	if reg.Count() != 4 {
		t.Fatalf("expected 4 strategies, got %d", reg.Count())
	}

	want := []string{"gradient-boost", "neural-net", "random-forest", "rule-based"}
	for i, id := range reg.IDs() {
		if id != want[i] {
			t.Errorf("expected id %s at %d, got %s", want[i], i, id)
		}
	}

	total := 0.0
	for _, s := range reg.Snapshot() {
		total += s.Weight()
	}
	if total < 0.999 || total > 1.001 {
		t.Errorf("expected weights to sum to 1, got %f", total)
	}
}

func TestDefaultStrategiesPredict(t *testing.T) {
	reg, _ := NewRegistry()
	if err := reg.Load(domain.DefaultStrategies()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	t.Run("critical correction", func(t *testing.T) {
		in := NewInput(correctionRequest())
		for _, s := range reg.Snapshot() {
			pred, err := s.Predict(context.Background(), in)
			if err != nil {
				t.Fatalf("%s: predict failed: %v", s.ID(), err)
			}
			if pred.Label != "auto_correct" {
				t.Errorf("%s: expected auto_correct, got %s", s.ID(), pred.Label)
			}
			if pred.Confidence < 0.9 {
				t.Errorf("%s: expected confidence >= 0.9, got %f", s.ID(), pred.Confidence)
			}
		}
	})

	t.Run("missing contribution", func(t *testing.T) {
		req := correctionRequest()
		req.Module = string(domain.ClassMissingContribution)
		in := NewInput(req)
		for _, s := range reg.Snapshot() {
			pred, err := s.Predict(context.Background(), in)
			if err != nil {
				t.Fatalf("%s: predict failed: %v", s.ID(), err)
			}
			if pred.Label != "manual_submission" {
				t.Errorf("%s: expected manual_submission, got %s", s.ID(), pred.Label)
			}
		}
	})

	t.Run("large payment review", func(t *testing.T) {
		in := NewInput(&domain.DecisionRequest{
			Kind:     "payment_approval",
			Priority: domain.PriorityLow,
			Payload:  map[string]any{"amount": 250000.0},
		})
		var rb Strategy
		for _, s := range reg.Snapshot() {
			if s.ID() == "rule-based" {
				rb = s
			}
		}
		pred, err := rb.Predict(context.Background(), in)
		if err != nil {
			t.Fatalf("predict failed: %v", err)
		}
		if pred.Label != "review" {
			t.Errorf("expected review, got %s", pred.Label)
		}
	})
}

func TestCompileInvalidStrategy(t *testing.T) {
	env, err := NewEnv()
	if err != nil {
		t.Fatalf("failed to create env: %v", err)
	}

	tests := []struct {
		name string
		cfg  domain.StrategyConfig
	}{
		{"missing id", domain.StrategyConfig{LabelExpression: `"a"`, ConfidenceExpression: "1.0"}},
		{"bad syntax", domain.StrategyConfig{ID: "x", LabelExpression: "this is not CEL !!!", ConfidenceExpression: "1.0"}},
		{"label not string", domain.StrategyConfig{ID: "x", LabelExpression: "1 + 1", ConfidenceExpression: "1.0"}},
		{"confidence not number", domain.StrategyConfig{ID: "x", LabelExpression: `"a"`, ConfidenceExpression: `"high"`}},
		{"negative weight", domain.StrategyConfig{ID: "x", Weight: -1, LabelExpression: `"a"`, ConfidenceExpression: "1.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CompileCEL(env, tt.cfg); err == nil {
				t.Error("expected compile error")
			}
		})
	}
}

func TestCELConfidenceClamped(t *testing.T) {
	env, _ := NewEnv()
	s, err := CompileCEL(env, domain.StrategyConfig{
		ID:                   "over",
		LabelExpression:      `"approve"`,
		ConfidenceExpression: "1.7",
		Weight:               1,
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	pred, err := s.Predict(context.Background(), NewInput(&domain.DecisionRequest{Kind: "k"}))
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if pred.Confidence != 1.0 {
		t.Errorf("expected confidence clamped to 1.0, got %f", pred.Confidence)
	}
}

func TestRegistryReloadKeepsSetOnError(t *testing.T) {
	reg, _ := NewRegistry()
	if err := reg.Load(domain.DefaultStrategies()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	bad := []domain.StrategyConfig{
		{ID: "ok", LabelExpression: `"a"`, ConfidenceExpression: "0.5", Weight: 0.5, Enabled: true},
		{ID: "broken", LabelExpression: "!!!", ConfidenceExpression: "0.5", Weight: 0.5, Enabled: true},
	}
	if err := reg.Load(bad); err == nil {
		t.Fatal("expected reload error")
	}

	if reg.Count() != 4 {
		t.Errorf("expected previous 4 strategies to stay active, got %d", reg.Count())
	}
	if reg.Wanted() != 2 {
		t.Errorf("expected 2 wanted strategies, got %d", reg.Wanted())
	}
}

func TestRegistryConcurrentLoadsAgree(t *testing.T) {
	reg, _ := NewRegistry()

	set := func(n int) []domain.StrategyConfig {
		out := make([]domain.StrategyConfig, n)
		for i := range out {
			out[i] = domain.StrategyConfig{
				ID:                   fmt.Sprintf("s%d", i),
				LabelExpression:      `"a"`,
				ConfidenceExpression: "0.5",
				Weight:               0.5,
				Enabled:              true,
			}
		}
		return out
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := reg.Load(set(n)); err != nil {
				t.Errorf("load failed: %v", err)
			}
		}(i%5 + 1)
	}
	wg.Wait()

	if reg.Wanted() != reg.Count() {
		t.Errorf("wanted %d does not match active %d", reg.Wanted(), reg.Count())
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	reg, _ := NewRegistry()
	cfg := domain.StrategyConfig{ID: "dup", LabelExpression: `"a"`, ConfidenceExpression: "0.5", Weight: 0.5, Enabled: true}
	if err := reg.Load([]domain.StrategyConfig{cfg, cfg}); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestRunnerAbsorbsFailures(t *testing.T) {
	ok := NewFunc("a-ok", 0.5, 0.9, func(ctx context.Context, in *Input) (Prediction, error) {
		return Prediction{Label: "approve", Confidence: 0.9}, nil
	})
	failing := NewFunc("b-fail", 0.2, 0.9, func(ctx context.Context, in *Input) (Prediction, error) {
		return Prediction{}, errors.New("model unavailable")
	})
	slow := NewFunc("c-slow", 0.2, 0.9, func(ctx context.Context, in *Input) (Prediction, error) {
		time.Sleep(500 * time.Millisecond)
		return Prediction{Label: "approve", Confidence: 0.9}, nil
	})
	panicking := NewFunc("d-panic", 0.1, 0.9, func(ctx context.Context, in *Input) (Prediction, error) {
		panic("boom")
	})

	runner := NewRunner(4, 50*time.Millisecond)
	result := runner.RunAll(context.Background(), []Strategy{panicking, slow, failing, ok}, NewInput(correctionRequest()))

	if len(result.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(result.Outcomes))
	}
	if result.Outcomes[0].StrategyID != "a-ok" {
		t.Errorf("expected a-ok outcome, got %s", result.Outcomes[0].StrategyID)
	}
	if result.Weights["a-ok"] != 0.5 {
		t.Errorf("expected weight 0.5, got %f", result.Weights["a-ok"])
	}

	if len(result.Absent) != 3 {
		t.Fatalf("expected 3 absent strategies, got %d", len(result.Absent))
	}
	want := []string{"b-fail", "c-slow", "d-panic"}
	for i, a := range result.Absent {
		if a.StrategyID != want[i] {
			t.Errorf("expected absent %s at %d, got %s", want[i], i, a.StrategyID)
		}
		if !strings.Contains(a.Reason, domain.ErrRunnerFailure.Error()) {
			t.Errorf("expected runner failure reason, got %q", a.Reason)
		}
	}
}

func TestRunnerDoesNotMutateRequest(t *testing.T) {
	mutating := NewFunc("mutator", 1, 0.9, func(ctx context.Context, in *Input) (Prediction, error) {
		in.Payload["amount"] = -1.0
		in.Metadata["touched"] = "yes"
		return Prediction{Label: "approve", Confidence: 0.8}, nil
	})

	req := correctionRequest()
	req.Metadata = map[string]string{"source": "test"}

	NewRunner(1, time.Second).RunAll(context.Background(), []Strategy{mutating}, NewInput(req))

	if req.Payload["amount"] != 975.0 {
		t.Errorf("payload was mutated: %v", req.Payload["amount"])
	}
	if _, ok := req.Metadata["touched"]; ok {
		t.Error("metadata was mutated")
	}
}
