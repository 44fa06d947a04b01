package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	engine    *decision.Engine
	corrector *compliance.AutoCorrector
	repo      domain.Repository
	cache     domain.Cache
	config    *config.Store
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		engine:    deps.Engine,
		corrector: deps.Corrector,
		repo:      deps.Repo,
		cache:     deps.Cache,
		config:    deps.Config,
		version:   deps.Version,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// MakeDecision handles POST /decisions. The tenant comes from the header and
// overrides any tenantId in the body.
func (h *Handler) MakeDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.DecisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	req.TenantID = GetTenantID(ctx)

	d, err := h.engine.MakeDecision(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDecision handles GET /decisions/{id}.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	d, err := h.engine.GetDecision(ctx, GetTenantID(ctx), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListDecisions handles GET /decisions?limit=n.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	decisions, err := h.engine.ListDecisions(ctx, GetTenantID(ctx), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// FeedbackRequest is the body of POST /decisions/{id}/feedback.
type FeedbackRequest struct {
	Correct       bool   `json:"correct"`
	ActualOutcome string `json:"actualOutcome,omitempty"`
}

// ProvideFeedback handles POST /decisions/{id}/feedback. Feedback for an
// unknown decision is accepted and ignored.
func (h *Handler) ProvideFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	rec, err := h.engine.ProvideFeedback(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Correct, req.ActualOutcome)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"recorded": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true, "feedback": rec})
}

// ReloadRequest is the optional body of POST /strategies/reload.
type ReloadRequest struct {
	Strategies []domain.StrategyConfig `json:"strategies"`
}

// ReloadStrategies handles POST /strategies/reload. Without a body the
// strategies of the current configuration snapshot are recompiled.
func (h *Handler) ReloadStrategies(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	strategies := req.Strategies
	var next *domain.Config
	if h.config != nil {
		cur := *h.config.Load()
		if len(strategies) > 0 {
			cur.Engine.Strategies = strategies
		}
		strategies = cur.Engine.Strategies
		if err := config.Validate(&cur); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		next = &cur
	}
	if len(strategies) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no strategies to load"})
		return
	}

	if err := h.engine.ReloadStrategies(strategies); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if next != nil {
		if _, err := h.config.Swap(next); err != nil {
			slog.Error("failed to store reloaded configuration", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "strategies reloaded successfully",
		"strategies": h.engine.Status().Strategies,
	})
}

// Health returns engine health plus store and cache reachability. Only a
// critical engine answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.engine.HealthCheck()
	components := map[string]string{}

	if h.repo != nil {
		components["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			components["repository"] = err.Error()
			report.Issues = append(report.Issues, "repository unreachable")
			if report.Status == domain.HealthHealthy {
				report.Status = domain.HealthDegraded
			}
		}
	}
	if h.cache != nil {
		components["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			components["cache"] = err.Error()
			report.Issues = append(report.Issues, "cache unreachable")
			if report.Status == domain.HealthHealthy {
				report.Status = domain.HealthDegraded
			}
		}
	}

	status := http.StatusOK
	if report.Status == domain.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     report.Status,
		"health":     report,
		"components": components,
		"version":    h.version,
	})
}

// Ready returns whether the engine accepts decisions.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.engine.HealthCheck().Initialized {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Status returns the engine monitoring snapshot after pending metric
// updates have been applied.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.Metrics(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateDecision):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrQuorumNotMet):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
