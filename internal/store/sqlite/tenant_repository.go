package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

var tenantColumns = []string{
	"tenant_id", "name", "tier", "creation_time", "updated_at", "data_retention_days",
	"max_users", "max_storage", "enabled_features", "compliance_requirements",
	"encryption_level", "backup_frequency", "rate_limit", "enabled",
}

type tenantRow struct {
	ID                     string  `db:"tenant_id"`
	Name                   string  `db:"name"`
	Tier                   string  `db:"tier"`
	CreatedAt              int64   `db:"creation_time"`
	UpdatedAt              int64   `db:"updated_at"`
	DataRetentionDays      int     `db:"data_retention_days"`
	MaxUsers               int     `db:"max_users"`
	MaxStorage             int64   `db:"max_storage"`
	EnabledFeatures        string  `db:"enabled_features"`
	ComplianceRequirements string  `db:"compliance_requirements"`
	EncryptionLevel        string  `db:"encryption_level"`
	BackupFrequency        string  `db:"backup_frequency"`
	RateLimit              float64 `db:"rate_limit"`
	Enabled                bool    `db:"enabled"`
}

func (r tenantRow) tenant() (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:                r.ID,
		Name:              r.Name,
		Tier:              tenant.Tier(r.Tier),
		CreatedAt:         time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:         time.Unix(0, r.UpdatedAt).UTC(),
		DataRetentionDays: r.DataRetentionDays,
		MaxUsers:          r.MaxUsers,
		MaxStorage:        tenant.ByteSize(r.MaxStorage),
		EncryptionLevel:   tenant.EncryptionLevel(r.EncryptionLevel),
		BackupFrequency:   tenant.BackupFrequency(r.BackupFrequency),
		RateLimit:         r.RateLimit,
		Enabled:           r.Enabled,
	}
	if err := json.Unmarshal([]byte(r.EnabledFeatures), &t.EnabledFeatures); err != nil {
		return nil, fmt.Errorf("failed to decode enabled_features: %w", err)
	}
	if err := json.Unmarshal([]byte(r.ComplianceRequirements), &t.ComplianceRequirements); err != nil {
		return nil, fmt.Errorf("failed to decode compliance_requirements: %w", err)
	}
	return t, nil
}

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
	features, requirements, err := encodeSets(t)
	if err != nil {
		return err
	}
	query, args, err := r.db.sb.Insert("tenants").
		Columns(tenantColumns...).
		Values(
			t.ID, t.Name, string(t.Tier), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), t.DataRetentionDays,
			t.MaxUsers, int64(t.MaxStorage), features, requirements,
			string(t.EncryptionLevel), string(t.BackupFrequency), t.RateLimit, t.Enabled,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := r.db.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", tenant.ErrDuplicateTenant, t.ID)
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	query, args, err := r.db.sb.Select(tenantColumns...).From("tenants").Where(sq.Eq{"tenant_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var row tenantRow
	if err := r.db.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, id)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return row.tenant()
}

// Update replaces the mutable fields of a tenant
func (r *TenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	features, requirements, err := encodeSets(t)
	if err != nil {
		return err
	}
	query, args, err := r.db.sb.Update("tenants").
		SetMap(map[string]any{
			"name":                    t.Name,
			"tier":                    string(t.Tier),
			"updated_at":              t.UpdatedAt.UnixNano(),
			"data_retention_days":     t.DataRetentionDays,
			"max_users":               t.MaxUsers,
			"max_storage":             int64(t.MaxStorage),
			"enabled_features":        features,
			"compliance_requirements": requirements,
			"encryption_level":        string(t.EncryptionLevel),
			"backup_frequency":        string(t.BackupFrequency),
			"rate_limit":              t.RateLimit,
			"enabled":                 t.Enabled,
		}).
		Where(sq.Eq{"tenant_id": t.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	res, err := r.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, t.ID)
	}
	return nil
}

// List returns tenants ordered by creation time
func (r *TenantRepository) List(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	b := r.db.sb.Select(tenantColumns...).From("tenants").OrderBy("creation_time ASC", "tenant_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	if offset > 0 {
		if limit <= 0 {
			// sqlite needs a LIMIT before OFFSET
			b = b.Limit(uint64(1<<62 - 1))
		}
		b = b.Offset(uint64(offset))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list: %w", err)
	}

	var rows []tenantRow
	if err := r.db.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	tenants := make([]*tenant.Tenant, 0, len(rows))
	for _, row := range rows {
		t, err := row.tenant()
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// Count returns the number of registered tenants
func (r *TenantRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM tenants`); err != nil {
		return 0, fmt.Errorf("failed to count tenants: %w", err)
	}
	return n, nil
}

func encodeSets(t *tenant.Tenant) (string, string, error) {
	features, err := json.Marshal(nonNil(t.EnabledFeatures))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode enabled_features: %w", err)
	}
	requirements, err := json.Marshal(nonNil(t.ComplianceRequirements))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode compliance_requirements: %w", err)
	}
	return string(features), string(requirements), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
