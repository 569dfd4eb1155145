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

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

const tenantColumns = `tenant_id, name, tier, creation_time, updated_at, data_retention_days,
	max_users, max_storage, enabled_features, compliance_requirements,
	encryption_level, backup_frequency, rate_limit, enabled`

// TenantRepository implements tenant.Repository
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant. Ids are never reused, deactivated ones included.
func (r *TenantRepository) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		t.ID, t.Name, string(t.Tier), t.CreatedAt, t.UpdatedAt, t.DataRetentionDays,
		t.MaxUsers, int64(t.MaxStorage), nonNil(t.EnabledFeatures), nonNil(t.ComplianceRequirements),
		string(t.EncryptionLevel), string(t.BackupFrequency), t.RateLimit, t.Enabled,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", tenant.ErrDuplicateTenant, t.ID)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// Update replaces the mutable fields of a tenant
func (r *TenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenants SET
			name = $2, tier = $3, updated_at = $4, data_retention_days = $5,
			max_users = $6, max_storage = $7, enabled_features = $8,
			compliance_requirements = $9, encryption_level = $10,
			backup_frequency = $11, rate_limit = $12, enabled = $13
		WHERE tenant_id = $1
	`,
		t.ID, t.Name, string(t.Tier), t.UpdatedAt, t.DataRetentionDays,
		t.MaxUsers, int64(t.MaxStorage), nonNil(t.EnabledFeatures),
		nonNil(t.ComplianceRequirements), string(t.EncryptionLevel),
		string(t.BackupFrequency), t.RateLimit, t.Enabled,
	)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, t.ID)
	}
	return nil
}

// List returns tenants ordered by creation time
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		ORDER BY creation_time ASC, tenant_id ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Count returns the number of registered tenants
func (r *TenantRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return n, nil
}

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var (
		t          tenant.Tenant
		tier       string
		maxStorage int64
		encryption string
		backup     string
	)
	err := row.Scan(
		&t.ID, &t.Name, &tier, &t.CreatedAt, &t.UpdatedAt, &t.DataRetentionDays,
		&t.MaxUsers, &maxStorage, &t.EnabledFeatures, &t.ComplianceRequirements,
		&encryption, &backup, &t.RateLimit, &t.Enabled,
	)
	if err != nil {
		return nil, err
	}
	t.Tier = tenant.Tier(tier)
	t.MaxStorage = tenant.ByteSize(maxStorage)
	t.EncryptionLevel = tenant.EncryptionLevel(encryption)
	t.BackupFrequency = tenant.BackupFrequency(backup)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
