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

// Package memory provides in-process registry repositories for development
// and tests. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opentrusty/tenantvault/internal/tenant"
)

// TenantRepository implements tenant.Repository
type TenantRepository struct {
	mu      sync.RWMutex
	tenants map[string]*tenant.Tenant
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository() *TenantRepository {
	return &TenantRepository{tenants: make(map[string]*tenant.Tenant)}
}

// Create creates a new tenant
func (r *TenantRepository) Create(_ context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; ok {
		return fmt.Errorf("%w: %s", tenant.ErrDuplicateTenant, t.ID)
	}
	r.tenants[t.ID] = t.Clone()
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
	}
	return t.Clone(), nil
}

// Update updates a tenant
func (r *TenantRepository) Update(_ context.Context, t *tenant.Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tenants[t.ID]; !ok {
		return fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, t.ID)
	}
	r.tenants[t.ID] = t.Clone()
	return nil
}

// List lists tenants with pagination
func (r *TenantRepository) List(_ context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	r.mu.RLock()
	all := make([]*tenant.Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		all = append(all, t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return []*tenant.Tenant{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Count returns the number of tenants
func (r *TenantRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants), nil
}
