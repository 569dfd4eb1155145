// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/gateway"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/record"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/opentrusty/tenantvault/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Gateway is the tenant-scoped operation surface.
type Gateway interface {
	Store(ctx context.Context, req gateway.Request, in record.StoreInput, idempotencyKey string) (*gateway.Receipt, error)
	Retrieve(ctx context.Context, req gateway.Request, q record.Query) ([]*record.Record, error)
	Get(ctx context.Context, req gateway.Request, key record.Key) (*record.Record, error)
	Update(ctx context.Context, req gateway.Request, key record.Key, in record.UpdateInput) (*record.Record, error)
	Delete(ctx context.Context, req gateway.Request, key record.Key) error
	Metrics(ctx context.Context, req gateway.Request) (*usage.Metrics, error)
	AuditLog(ctx context.Context, req gateway.Request, limit int) ([]*audit.Entry, error)
	Alerts(ctx context.Context, req gateway.Request, filter audit.AlertFilter) ([]*audit.SecurityAlert, error)
	Health(ctx context.Context) gateway.Health
}

// Registry manages tenant configurations.
type Registry interface {
	CreateTenant(ctx context.Context, cfg *tenant.Tenant) (*tenant.Tenant, error)
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	ListTenants(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error)
	UpdateTenantPolicy(ctx context.Context, id string, update tenant.PolicyUpdate) (*tenant.Tenant, error)
	DeactivateTenant(ctx context.Context, id string) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	gateway  Gateway
	registry Registry
	gatherer prometheus.Gatherer
}

// NewHandler creates a new HTTP handler. gatherer may be nil, in which case
// the Prometheus endpoint is not mounted.
func NewHandler(gw Gateway, registry Registry, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		gateway:  gw,
		registry: registry,
		gatherer: gatherer,
	}
}

// RouterConfig holds router-level settings
type RouterConfig struct {
	// IPLimiter and IPRate bound requests per client address.
	IPLimiter *gateway.RateLimiter
	IPRate    float64
	// AdminToken guards /tenants when set.
	AdminToken     string
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(cfg.IPLimiter, cfg.IPRate))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(TenantMiddleware)
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", h.HealthCheck)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/debug/prometheus", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/data/{module}/{dataType}", func(r chi.Router) {
		r.Post("/", h.StoreRecord)
		r.Get("/", h.RetrieveRecords)
		r.Get("/{recordID}", h.GetRecord)
		r.Put("/{recordID}", h.UpdateRecord)
		r.Delete("/{recordID}", h.DeleteRecord)
	})

	r.Route("/tenants", func(r chi.Router) {
		r.Use(AdminMiddleware(cfg.AdminToken))
		r.Post("/", h.CreateTenant)
		r.Get("/", h.ListTenants)
		r.Get("/{tenantID}", h.GetTenant)
		r.Patch("/{tenantID}", h.UpdateTenant)
		r.Delete("/{tenantID}", h.DeactivateTenant)
	})

	r.Get("/metrics/{tenantID}", h.TenantMetrics)
	r.Get("/audit/{tenantID}", h.AuditLog)
	r.Get("/alerts/{tenantID}", h.Alerts)

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Reports registry reachability, tenant count and open partition connections
// @Tags System
// @Produce json
// @Success 200 {object} gateway.Health
// @Failure 503 {object} gateway.Health
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := h.gateway.Health(r.Context())
	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", logger.Error(err))
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondErrorKind(w, status, message, "InvalidRequest", false)
}

func respondErrorKind(w http.ResponseWriter, status int, message, kind string, retryable bool) {
	respondJSON(w, status, errorBody{Error: message, Kind: kind, Retryable: retryable})
}

// statusByKind maps error kinds to HTTP status codes.
var statusByKind = map[string]int{
	"TenantNotFound":          http.StatusNotFound,
	"TenantDisabled":          http.StatusForbidden,
	"DuplicateTenant":         http.StatusConflict,
	"ImmutableFieldViolation": http.StatusUnprocessableEntity,
	"TenantContextMissing":    http.StatusBadRequest,
	"QuotaExceeded":           http.StatusInsufficientStorage,
	"IntegrityViolation":      http.StatusInternalServerError,
	"IsolationViolation":      http.StatusInternalServerError,
	"StorageUnavailable":      http.StatusServiceUnavailable,
	"TenantMismatch":          http.StatusForbidden,
	"FeatureDisabled":         http.StatusForbidden,
	"RateLimited":             http.StatusTooManyRequests,
	"UserLimitExceeded":       http.StatusForbidden,
	"RecordNotFound":          http.StatusNotFound,
	"RecordConflict":          http.StatusConflict,
	"InvalidRequest":          http.StatusBadRequest,
	"Unauthorized":            http.StatusUnauthorized,
}

// respondErr writes err with the status of its kind. Unclassified errors are
// logged and reported without detail.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := gateway.Kind(err)
	status, ok := statusByKind[kind]
	message := err.Error()
	if !ok {
		status = http.StatusInternalServerError
		message = "internal error"
		slog.ErrorContext(r.Context(), "request failed",
			logger.RequestID(middleware.GetReqID(r.Context())),
			logger.Path(r.URL.Path),
			logger.Error(err),
		)
	}
	retryable := gateway.Retryable(err)
	if kind == "RateLimited" {
		w.Header().Set("Retry-After", "1")
	}
	respondErrorKind(w, status, message, kind, retryable)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}
