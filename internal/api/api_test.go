package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/strategy"
)

const testTenant = "tenant-001"

var testNow = time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	server    *Server
	engine    *decision.Engine
	repo      domain.Repository
	collector *metrics.Collector
	store     *config.Store
}

// createTestServer wires the default engine and a compliance corrector on an
// in-memory repository.
func createTestServer(t *testing.T, initialize bool) *testEnv {
	t.Helper()

	cfg := domain.DefaultConfig()
	repo := repository.NewMemoryRepository()
	collector := metrics.NewCollector("kestrel", prometheus.NewRegistry())

	engine, err := decision.New(cfg.Engine, decision.Options{
		Repository: repo,
		Collector:  collector,
		RiskRules:  []risk.Rule{compliance.RiskRule},
	})
	if err != nil {
		t.Fatalf("decision.New failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	if initialize {
		if err := engine.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize failed: %v", err)
		}
	}

	corrector, err := compliance.New(cfg.Compliance, engine, repo,
		compliance.WithClock(func() time.Time { return testNow }),
		compliance.WithRandom(func() float64 { return 0 }),
		compliance.WithCollector(collector),
	)
	if err != nil {
		t.Fatalf("compliance.New failed: %v", err)
	}

	store := config.NewStore(cfg)
	server := NewServer(cfg.Server, Deps{
		Engine:    engine,
		Corrector: corrector,
		Repo:      repo,
		Collector: collector,
		Config:    store,
		Version:   "test-v1",
	})
	return &testEnv{server: server, engine: engine, repo: repo, collector: collector, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TenantIDHeader, testTenant)

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func correction() domain.DecisionRequest {
	return domain.DecisionRequest{
		UserID:   "user-001",
		Module:   string(domain.ClassCalculationError),
		Kind:     "gosi_error_correction",
		Priority: domain.PriorityCritical,
	}
}

func TestDecisionEndpoints(t *testing.T) {
	env := createTestServer(t, true)

	t.Run("MissingTenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/decisions", strings.NewReader(`{}`))
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/decisions", strings.NewReader(`{bad`))
		req.Header.Set(TenantIDHeader, testTenant)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		req := correction()
		req.UserID = ""
		rr := env.do(t, http.MethodPost, "/decisions", req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	var decisionID string
	t.Run("MakeDecision", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/decisions", correction())
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr.Header().Get(TraceIDHeader) == "" || rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected trace and request id headers")
		}

		var d domain.AggregatedDecision
		if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if d.TenantID != testTenant || d.Label != "auto_correct" || d.Escalated {
			t.Errorf("unexpected decision tenant=%s label=%s escalated=%v", d.TenantID, d.Label, d.Escalated)
		}
		if d.Confidence < 0.9 {
			t.Errorf("expected confidence >= 0.9, got %v", d.Confidence)
		}
		decisionID = d.ID
	})

	t.Run("GetDecision", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions/"+decisionID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var d domain.AggregatedDecision
		json.Unmarshal(rr.Body.Bytes(), &d)
		if d.ID != decisionID {
			t.Errorf("expected %s, got %s", decisionID, d.ID)
		}
	})

	t.Run("GetUnknownDecision", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions/does-not-exist", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ListDecisions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/decisions?limit=10", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 decision, got %d", resp.Count)
		}

		if rr := env.do(t, http.MethodGet, "/decisions?limit=x", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("Feedback", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/decisions/"+decisionID+"/feedback", FeedbackRequest{Correct: true})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = env.do(t, http.MethodPost, "/decisions/unknown/feedback", FeedbackRequest{Correct: false})
		if rr.Code != http.StatusAccepted {
			t.Errorf("unknown decision feedback must be accepted, got %d", rr.Code)
		}
	})

	t.Run("Status", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/status", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var st domain.EngineStatus
		json.Unmarshal(rr.Body.Bytes(), &st)
		if st.Metrics.TotalDecisions != 1 || st.Metrics.FeedbackCount != 1 {
			t.Errorf("unexpected metrics %+v", st.Metrics)
		}
		if len(st.Strategies) != 4 {
			t.Errorf("expected 4 strategies, got %v", st.Strategies)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "kestrel_decisions_total") {
			t.Error("expected decision counter in exposition")
		}
	})
}

func TestEngineNotInitialized(t *testing.T) {
	env := createTestServer(t, false)

	rr := env.do(t, http.MethodPost, "/decisions", correction())
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodGet, "/ready", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected ready 503, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/health", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected health 503 for a critical engine, got %d", rr.Code)
	}
}

func TestQuorumNotMet(t *testing.T) {
	down := strategy.NewFunc("down", 1, 0.9, func(ctx context.Context, in *strategy.Input) (strategy.Prediction, error) {
		return strategy.Prediction{}, errors.New("model unavailable")
	})
	engine, err := decision.New(domain.DefaultConfig().Engine, decision.Options{Strategies: []strategy.Strategy{down}})
	if err != nil {
		t.Fatalf("decision.New failed: %v", err)
	}
	defer engine.Close()
	engine.Initialize(context.Background())

	env := &testEnv{server: NewServer(domain.ServerConfig{}, Deps{Engine: engine})}
	rr := env.do(t, http.MethodPost, "/decisions", correction())
	if rr.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d: %s", rr.Code, rr.Body.String())
	}

	// compliance routes are not mounted without a corrector
	if rr := env.do(t, http.MethodGet, "/compliance/report", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without corrector, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t, true)

	rr := env.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Status     domain.HealthState `json:"status"`
		Version    string             `json:"version"`
		Components map[string]string  `json:"components"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Status != domain.HealthHealthy || resp.Version != "test-v1" {
		t.Errorf("unexpected health %+v", resp)
	}
	if resp.Components["repository"] != "ok" {
		t.Errorf("expected repository ok, got %q", resp.Components["repository"])
	}

	env.repo.Close()
	rr = env.do(t, http.MethodGet, "/health", nil)
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if rr.Code != http.StatusOK || resp.Status != domain.HealthDegraded {
		t.Errorf("closed repository must degrade health, got %d %s", rr.Code, resp.Status)
	}
}

func TestReloadStrategies(t *testing.T) {
	env := createTestServer(t, true)

	t.Run("FromSnapshot", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/strategies/reload", nil)
		req.Header.Set(TenantIDHeader, testTenant)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("FromBody", func(t *testing.T) {
		body := ReloadRequest{Strategies: []domain.StrategyConfig{{
			ID:                   "only",
			LabelExpression:      `"approve"`,
			ConfidenceExpression: "0.9",
			Weight:               1,
			Accuracy:             0.95,
			Enabled:              true,
		}}}
		rr := env.do(t, http.MethodPost, "/strategies/reload", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := env.engine.Status().Strategies; len(got) != 1 || got[0] != "only" {
			t.Errorf("unexpected strategies %v", got)
		}
		if n := len(env.store.Load().Engine.Strategies); n != 1 {
			t.Errorf("config snapshot not updated, %d strategies", n)
		}
	})

	t.Run("BadWeights", func(t *testing.T) {
		body := ReloadRequest{Strategies: []domain.StrategyConfig{{
			ID:                   "half",
			LabelExpression:      `"approve"`,
			ConfidenceExpression: "0.9",
			Weight:               0.5,
			Accuracy:             0.95,
			Enabled:              true,
		}}}
		rr := env.do(t, http.MethodPost, "/strategies/reload", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if got := env.engine.Status().Strategies; len(got) != 1 || got[0] != "only" {
			t.Errorf("rejected reload must keep the active set, got %v", got)
		}
	})

	t.Run("BadExpression", func(t *testing.T) {
		body := ReloadRequest{Strategies: []domain.StrategyConfig{{
			ID:                   "broken",
			LabelExpression:      `(((`,
			ConfidenceExpression: "0.9",
			Weight:               1,
			Accuracy:             0.95,
			Enabled:              true,
		}}}
		rr := env.do(t, http.MethodPost, "/strategies/reload", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestComplianceEndpoints(t *testing.T) {
	env := createTestServer(t, true)

	entity := domain.ComplianceEntity{
		Salary:     10000,
		Residency:  domain.ResidencyNational,
		EnrolledAt: testNow.AddDate(0, -1, 0),
		Records: []domain.ContributionRecord{
			{Period: "2026-05", EmployeeAmount: 900, EmployerAmount: 1175, Status: domain.RecordPaid},
		},
	}

	t.Run("UpsertEntity", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/compliance/entities/emp-1", entity)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var stored domain.ComplianceEntity
		json.Unmarshal(rr.Body.Bytes(), &stored)
		if stored.ID != "emp-1" || stored.TenantID != testTenant {
			t.Errorf("unexpected entity %+v", stored)
		}

		bad := entity
		bad.Salary = -1
		if rr := env.do(t, http.MethodPut, "/compliance/entities/emp-2", bad); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("GetEntity", func(t *testing.T) {
		if rr := env.do(t, http.MethodGet, "/compliance/entities/emp-1", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := env.do(t, http.MethodGet, "/compliance/entities/nope", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		rr := env.do(t, http.MethodGet, "/compliance/entities", nil)
		if !strings.Contains(rr.Body.String(), `"count":1`) {
			t.Errorf("expected one entity, got %s", rr.Body.String())
		}
	})

	t.Run("Detect", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/compliance/detect", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Errors []domain.ComplianceError `json:"errors"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if len(resp.Errors) != 1 || resp.Errors[0].Class != domain.ClassCalculationError {
			t.Fatalf("expected one calculation error, got %+v", resp.Errors)
		}

		rr = env.do(t, http.MethodGet, "/compliance/errors", nil)
		if !strings.Contains(rr.Body.String(), `"count":1`) {
			t.Errorf("expected one outstanding error, got %s", rr.Body.String())
		}
	})

	t.Run("AutoFix", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/compliance/autofix", AutoFixRequest{})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var result domain.FixResult
		json.Unmarshal(rr.Body.Bytes(), &result)
		if result.Fixed != 1 || result.Failed != 0 {
			t.Errorf("unexpected fix result %+v", result)
		}
	})

	t.Run("Report", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/compliance/report", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var report domain.ComplianceReport
		json.Unmarshal(rr.Body.Bytes(), &report)
		if report.ComplianceRate != 1 || report.TotalFixed != 1 || len(report.Outstanding) != 0 {
			t.Errorf("unexpected report %+v", report)
		}
	})
}
