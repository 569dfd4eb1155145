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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// CreateTenant handles tenant creation
// @Summary Create Tenant
// @Description Register a tenant and provision its partition
// @Tags Tenant
// @Accept json
// @Produce json
// @Param request body tenant.Tenant true "Tenant configuration"
// @Success 201 {object} tenant.Tenant
// @Failure 400 {object} errorBody
// @Failure 409 {object} errorBody
// @Router /tenants [post]
func (h *Handler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenant.Tenant
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := h.registry.CreateTenant(r.Context(), &req)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, t)
}

// ListTenants handles listing all tenants, deactivated ones included
// @Summary List Tenants
// @Tags Tenant
// @Produce json
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} tenant.Tenant
// @Router /tenants [get]
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	tenants, err := h.registry.ListTenants(r.Context(), limit, offset)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if tenants == nil {
		tenants = []*tenant.Tenant{}
	}

	respondJSON(w, http.StatusOK, tenants)
}

// GetTenant returns an active tenant's configuration
// @Summary Get Tenant
// @Tags Tenant
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Success 200 {object} tenant.Tenant
// @Failure 404 {object} errorBody
// @Router /tenants/{tenantID} [get]
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.GetTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// UpdateTenant applies a partial policy update
// @Summary Update Tenant Policy
// @Tags Tenant
// @Accept json
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Param request body tenant.PolicyUpdate true "Changed fields"
// @Success 200 {object} tenant.Tenant
// @Failure 422 {object} errorBody
// @Router /tenants/{tenantID} [patch]
func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	var update tenant.PolicyUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := h.registry.UpdateTenantPolicy(r.Context(), chi.URLParam(r, "tenantID"), update)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// DeactivateTenant disables a tenant without deleting its data
// @Summary Deactivate Tenant
// @Tags Tenant
// @Produce json
// @Param tenantID path string true "Tenant ID"
// @Success 200 {object} map[string]string
// @Router /tenants/{tenantID} [delete]
func (h *Handler) DeactivateTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.registry.DeactivateTenant(r.Context(), id); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tenant_id": id, "status": "deactivated"})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &paramError{name: name}
	}
	return n, nil
}

type paramError struct {
	name string
}

func (e *paramError) Error() string {
	return e.name + " must be a non-negative integer"
}
