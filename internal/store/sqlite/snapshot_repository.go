package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/opentrusty/tenantvault/internal/usage"
)

var snapshotColumns = []string{
	"tenant_id", "storage_used", "stored_records", "active_users", "api_calls_today",
	"last_activity", "compliance_score", "performance_score", "updated_at",
}

type snapshotRow struct {
	TenantID         string  `db:"tenant_id"`
	StorageUsed      int64   `db:"storage_used"`
	StoredRecords    int64   `db:"stored_records"`
	ActiveUsers      int     `db:"active_users"`
	APICallsToday    int64   `db:"api_calls_today"`
	LastActivity     int64   `db:"last_activity"`
	ComplianceScore  float64 `db:"compliance_score"`
	PerformanceScore float64 `db:"performance_score"`
	UpdatedAt        int64   `db:"updated_at"`
}

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
	var lastActivity int64
	if !m.LastActivity.IsZero() {
		lastActivity = m.LastActivity.UnixNano()
	}
	query, args, err := r.db.sb.Insert("tenant_metrics").
		Columns(snapshotColumns...).
		Values(
			m.TenantID, m.StorageUsed, m.StoredRecords, m.ActiveUsers, m.APICallsToday,
			lastActivity, m.ComplianceScore, m.PerformanceScore, m.UpdatedAt.UnixNano(),
		).
		Suffix(`ON CONFLICT (tenant_id) DO UPDATE SET
			storage_used = excluded.storage_used,
			stored_records = excluded.stored_records,
			active_users = excluded.active_users,
			api_calls_today = excluded.api_calls_today,
			last_activity = excluded.last_activity,
			compliance_score = excluded.compliance_score,
			performance_score = excluded.performance_score,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build upsert: %w", err)
	}
	if _, err := r.db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save metrics snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the tenant's stored snapshot
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context, tenantID string) (*usage.Metrics, error) {
	query, args, err := r.db.sb.Select(snapshotColumns...).From("tenant_metrics").
		Where(sq.Eq{"tenant_id": tenantID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var row snapshotRow
	if err := r.db.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", usage.ErrSnapshotNotFound, tenantID)
		}
		return nil, fmt.Errorf("failed to get metrics snapshot: %w", err)
	}

	m := &usage.Metrics{
		TenantID:         row.TenantID,
		StorageUsed:      row.StorageUsed,
		StoredRecords:    row.StoredRecords,
		ActiveUsers:      row.ActiveUsers,
		APICallsToday:    row.APICallsToday,
		ComplianceScore:  row.ComplianceScore,
		PerformanceScore: row.PerformanceScore,
		UpdatedAt:        time.Unix(0, row.UpdatedAt).UTC(),
	}
	if row.LastActivity != 0 {
		m.LastActivity = time.Unix(0, row.LastActivity).UTC()
	}
	return m, nil
}
