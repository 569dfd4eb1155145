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

package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/partition"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Provisioner creates and releases tenant partitions. Create must fail with
// partition.ErrPartitionExists rather than reuse existing storage.
type Provisioner interface {
	Create(ctx context.Context, tenantID string) (*partition.Handle, error)
	Release(ctx context.Context, tenantID string) error
}

// Service provides tenant registry business logic
type Service struct {
	repo        Repository
	provisioner Provisioner
	auditLogger audit.Logger
	clock       clock.Clock

	// serializes registry mutations
	mu sync.Mutex
}

// NewService creates a new tenant service
func NewService(repo Repository, provisioner Provisioner, auditLogger audit.Logger, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		repo:        repo,
		provisioner: provisioner,
		auditLogger: auditLogger,
		clock:       clk,
	}
}

// CreateTenant registers a tenant and provisions a fresh partition for it.
// The partition exists before the configuration is persisted, and is
// released again when persisting fails. Storage already present under the
// id is never adopted or released.
func (s *Service) CreateTenant(ctx context.Context, cfg *Tenant) (*Tenant, error) {
	t := cfg.Clone()
	applyDefaults(t)
	if err := validate(t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.repo.GetByID(ctx, t.ID); err == nil {
		s.audit(ctx, t.ID, "tenant/create", false, ErrDuplicateTenant, nil)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTenant, t.ID)
	} else if !errors.Is(err, ErrTenantNotFound) {
		return nil, fmt.Errorf("failed to check tenant: %w", err)
	}

	now := s.clock.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Enabled = true

	if _, err := s.provisioner.Create(ctx, t.ID); err != nil {
		s.audit(ctx, t.ID, "tenant/create", false, err, nil)
		if errors.Is(err, partition.ErrPartitionExists) {
			return nil, fmt.Errorf("%w: %w", ErrDuplicateTenant, err)
		}
		return nil, fmt.Errorf("failed to provision partition: %w", err)
	}

	if err := s.repo.Create(ctx, t); err != nil {
		if rerr := s.provisioner.Release(ctx, t.ID); rerr != nil {
			slog.ErrorContext(ctx, "failed to release partition after registry failure",
				logger.Component("tenant"),
				logger.TenantID(t.ID),
				logger.Error(rerr),
			)
		}
		s.audit(ctx, t.ID, "tenant/create", false, err, nil)
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	s.audit(ctx, t.ID, "tenant/create", true, nil, map[string]any{
		"tier":        string(t.Tier),
		"max_storage": t.MaxStorage.String(),
	})
	slog.InfoContext(ctx, "tenant created",
		logger.Component("tenant"),
		logger.TenantID(t.ID),
		logger.Tier(string(t.Tier)),
	)
	return t.Clone(), nil
}

// GetTenant retrieves an active tenant by ID. Deactivated tenants are
// reported as not found.
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.LookupTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return t, nil
}

// LookupTenant retrieves a tenant by ID, including deactivated ones.
func (s *Service) LookupTenant(ctx context.Context, id string) (*Tenant, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty tenant id", ErrTenantNotFound)
	}
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTenants lists tenants ordered by creation time.
func (s *Service) ListTenants(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// CountTenants returns the number of registered tenants.
func (s *Service) CountTenants(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// UpdateTenantPolicy applies a partial update to mutable fields.
func (s *Service) UpdateTenantPolicy(ctx context.Context, id string, update PolicyUpdate) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}

	changed, err := update.apply(t)
	if err != nil {
		s.audit(ctx, id, "tenant/update", false, err, nil)
		return nil, err
	}
	if err := validate(t); err != nil {
		s.audit(ctx, id, "tenant/update", false, err, nil)
		return nil, err
	}

	t.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, t); err != nil {
		s.audit(ctx, id, "tenant/update", false, err, nil)
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}

	s.audit(ctx, id, "tenant/update", true, nil, map[string]any{"fields": changed})
	return t, nil
}

// DeactivateTenant disables a tenant. Its data and partition are kept and
// its id is never reused.
func (s *Service) DeactivateTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}

	t.Enabled = false
	t.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, t); err != nil {
		s.audit(ctx, id, "tenant/deactivate", false, err, nil)
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}

	s.audit(ctx, id, "tenant/deactivate", true, nil, nil)
	slog.InfoContext(ctx, "tenant deactivated", logger.Component("tenant"), logger.TenantID(id))
	return nil
}

func (s *Service) audit(ctx context.Context, tenantID, resource string, success bool, err error, metadata map[string]any) {
	entry := audit.Entry{
		TenantID: tenantID,
		ActorID:  audit.ActorFromContext(ctx),
		Action:   audit.ActionAdmin,
		Resource: resource,
		Success:  success,
		Metadata: metadata,
	}
	if err != nil {
		entry.Reason = err.Error()
	}
	s.auditLogger.Log(ctx, entry)
}
