package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// UpsertEntity handles PUT /compliance/entities/{id}. The path id wins over
// the body.
func (h *Handler) UpsertEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var e domain.ComplianceEntity
	if err := decodeBody(r, &e); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}
	e.ID = chi.URLParam(r, "id")

	if err := h.corrector.UpsertEntity(ctx, tenantID, &e); err != nil {
		writeError(w, err)
		return
	}

	stored, err := h.corrector.Entity(ctx, tenantID, e.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// GetEntity handles GET /compliance/entities/{id}.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	e, err := h.corrector.Entity(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListEntities handles GET /compliance/entities.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entities, err := h.corrector.Entities(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": entities,
		"count":    len(entities),
	})
}

// DetectRequest is the optional body of POST /compliance/detect.
type DetectRequest struct {
	EntityID string `json:"entityId,omitempty"`
}

// DetectErrors handles POST /compliance/detect.
func (h *Handler) DetectErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DetectRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	errs, err := h.corrector.DetectErrors(ctx, GetTenantID(ctx), req.EntityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": errs,
		"count":  len(errs),
	})
}

// AutoFixRequest is the optional body of POST /compliance/autofix. No ids
// means every outstanding error.
type AutoFixRequest struct {
	ErrorIDs []string `json:"errorIds,omitempty"`
}

// AutoFixErrors handles POST /compliance/autofix.
func (h *Handler) AutoFixErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AutoFixRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return
	}

	result, err := h.corrector.AutoFixErrors(ctx, GetTenantID(ctx), req.ErrorIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListErrors handles GET /compliance/errors.
func (h *Handler) ListErrors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	errs, err := h.corrector.Outstanding(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": errs,
		"count":  len(errs),
	})
}

// Report handles GET /compliance/report. It always answers 200; a report
// built without store access is marked degraded.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, h.corrector.GenerateReport(ctx, GetTenantID(ctx)))
}
