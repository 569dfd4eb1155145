package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/tenantvault/internal/audit"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// AuditRepository implements audit.Repository. The audit_log table is the
// global stream; a tenant stream is the subset with that tenant_id.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts an audit entry
func (r *AuditRepository) Append(ctx context.Context, e *audit.Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}
	if e.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO audit_log (log_id, tenant_id, actor_id, action, resource, timestamp, origin, success, risk_score, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID, e.TenantID, e.ActorID, string(e.Action), e.Resource, e.Timestamp,
		e.Origin, e.Success, e.RiskScore, e.Reason, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByTenant returns the tenant's newest entries first
func (r *AuditRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*audit.Entry, error) {
	return r.list(ctx, sq.Eq{"tenant_id": tenantID}, limit)
}

// ListGlobal returns the newest entries of all tenants first
func (r *AuditRepository) ListGlobal(ctx context.Context, limit int) ([]*audit.Entry, error) {
	return r.list(ctx, nil, limit)
}

func (r *AuditRepository) list(ctx context.Context, where sq.Sqlizer, limit int) ([]*audit.Entry, error) {
	b := psql.Select("log_id", "tenant_id", "actor_id", "action", "resource", "timestamp",
		"origin", "success", "risk_score", "reason", "metadata").
		From("audit_log").
		OrderBy("timestamp DESC", "log_id DESC")
	if where != nil {
		b = b.Where(where)
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit query: %w", err)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e        audit.Entry
			action   string
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &action, &e.Resource, &e.Timestamp,
			&e.Origin, &e.Success, &e.RiskScore, &e.Reason, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = audit.Action(action)
		e.Timestamp = e.Timestamp.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AppendAlert stores a security alert
func (r *AuditRepository) AppendAlert(ctx context.Context, a *audit.SecurityAlert) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO security_alerts (alert_id, tenant_id, actor_id, severity, pattern, count, window_start, timestamp, trigger_log_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		a.ID, a.TenantID, a.ActorID, string(a.Severity), string(a.Pattern),
		a.Count, a.WindowStart, a.Timestamp, a.TriggerLogID,
	)
	if err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// ListAlerts returns matching alerts, newest first
func (r *AuditRepository) ListAlerts(ctx context.Context, f audit.AlertFilter) ([]*audit.SecurityAlert, error) {
	b := psql.Select("alert_id", "tenant_id", "actor_id", "severity", "pattern", "count",
		"window_start", "timestamp", "trigger_log_id").
		From("security_alerts").
		OrderBy("timestamp DESC", "alert_id DESC")
	if f.TenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.Severity != "" {
		b = b.Where(sq.Eq{"severity": string(f.Severity)})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"timestamp": f.Since})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build alert query: %w", err)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*audit.SecurityAlert, error) {
		var (
			a                 audit.SecurityAlert
			severity, pattern string
		)
		err := row.Scan(&a.ID, &a.TenantID, &a.ActorID, &severity, &pattern, &a.Count,
			&a.WindowStart, &a.Timestamp, &a.TriggerLogID)
		a.Severity = audit.Severity(severity)
		a.Pattern = audit.Pattern(pattern)
		a.WindowStart = a.WindowStart.UTC()
		a.Timestamp = a.Timestamp.UTC()
		return &a, err
	})
}

// CountAlerts counts the tenant's alerts raised since t
func (r *AuditRepository) CountAlerts(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := r.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_alerts WHERE tenant_id = $1 AND timestamp >= $2`,
		tenantID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes the tenant's audit entries and alerts older than before
func (r *AuditRepository) PurgeBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM audit_log WHERE tenant_id = $1 AND timestamp < $2`, tenantID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM security_alerts WHERE tenant_id = $1 AND timestamp < $2`, tenantID, before); err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
