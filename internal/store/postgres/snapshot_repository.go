package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/tenantvault/internal/usage"
)

// SnapshotRepository keeps the latest usage snapshot per tenant.
type SnapshotRepository struct {
	db *DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// SaveSnapshot upserts the tenant's snapshot
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, m *usage.Metrics) error {
	var lastActivity *time.Time
	if !m.LastActivity.IsZero() {
		lastActivity = &m.LastActivity
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenant_metrics (tenant_id, storage_used, stored_records, active_users, api_calls_today,
			last_activity, compliance_score, performance_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			storage_used = EXCLUDED.storage_used,
			stored_records = EXCLUDED.stored_records,
			active_users = EXCLUDED.active_users,
			api_calls_today = EXCLUDED.api_calls_today,
			last_activity = EXCLUDED.last_activity,
			compliance_score = EXCLUDED.compliance_score,
			performance_score = EXCLUDED.performance_score,
			updated_at = EXCLUDED.updated_at
	`,
		m.TenantID, m.StorageUsed, m.StoredRecords, m.ActiveUsers, m.APICallsToday,
		lastActivity, m.ComplianceScore, m.PerformanceScore, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the tenant's stored snapshot
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context, tenantID string) (*usage.Metrics, error) {
	var (
		m            usage.Metrics
		lastActivity *time.Time
	)
	err := r.db.pool.QueryRow(ctx, `
		SELECT tenant_id, storage_used, stored_records, active_users, api_calls_today,
			last_activity, compliance_score, performance_score, updated_at
		FROM tenant_metrics WHERE tenant_id = $1
	`, tenantID).Scan(
		&m.TenantID, &m.StorageUsed, &m.StoredRecords, &m.ActiveUsers, &m.APICallsToday,
		&lastActivity, &m.ComplianceScore, &m.PerformanceScore, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", usage.ErrSnapshotNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to get metrics snapshot: %w", err)
	}
	if lastActivity != nil {
		m.LastActivity = lastActivity.UTC()
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}
