package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/tenantvault/internal/audit"
)

const defaultAuditLimit = 100

// TenantMetrics returns the tenant's usage snapshot
// @Summary Tenant Metrics
// @Tags Insight
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Success 200 {object} usage.Metrics
// @Router /metrics/{tenantID} [get]
func (h *Handler) TenantMetrics(w http.ResponseWriter, r *http.Request) {
	req := gatewayRequest(r, chi.URLParam(r, "tenantID"), "")

	m, err := h.gateway.Metrics(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// AuditLog returns the tenant's newest audit entries first
// @Summary Tenant Audit Log
// @Tags Insight
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param limit query int false "Maximum entries"
// @Success 200 {array} audit.Entry
// @Router /audit/{tenantID} [get]
func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	req := gatewayRequest(r, chi.URLParam(r, "tenantID"), "")
	limit, err := intParam(r, "limit", defaultAuditLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, err := h.gateway.AuditLog(r.Context(), req, limit)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// Alerts lists the tenant's security alerts
// @Summary Tenant Security Alerts
// @Tags Insight
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param severity query string false "low, medium or high"
// @Param since query string false "RFC 3339 lower bound"
// @Param limit query int false "Maximum alerts"
// @Success 200 {array} audit.SecurityAlert
// @Router /alerts/{tenantID} [get]
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	req := gatewayRequest(r, chi.URLParam(r, "tenantID"), "")

	filter := audit.AlertFilter{Severity: audit.Severity(r.URL.Query().Get("severity"))}
	if filter.Severity != "" && !filter.Severity.Valid() {
		respondError(w, http.StatusBadRequest, "severity must be low, medium or high")
		return
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = since
	}
	limit, err := intParam(r, "limit", defaultAuditLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = min(limit, maxListLimit)

	alerts, err := h.gateway.Alerts(r.Context(), req, filter)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*audit.SecurityAlert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}
