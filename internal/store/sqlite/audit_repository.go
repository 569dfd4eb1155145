package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/opentrusty/tenantvault/internal/audit"
)

var (
	entryColumns = []string{
		"log_id", "tenant_id", "actor_id", "action", "resource", "timestamp",
		"origin", "success", "risk_score", "reason", "metadata",
	}
	alertColumns = []string{
		"alert_id", "tenant_id", "actor_id", "severity", "pattern", "count",
		"window_start", "timestamp", "trigger_log_id",
	}
)

type entryRow struct {
	ID        string  `db:"log_id"`
	TenantID  string  `db:"tenant_id"`
	ActorID   string  `db:"actor_id"`
	Action    string  `db:"action"`
	Resource  string  `db:"resource"`
	Timestamp int64   `db:"timestamp"`
	Origin    string  `db:"origin"`
	Success   bool    `db:"success"`
	RiskScore float64 `db:"risk_score"`
	Reason    string  `db:"reason"`
	Metadata  string  `db:"metadata"`
}

type alertRow struct {
	ID           string `db:"alert_id"`
	TenantID     string `db:"tenant_id"`
	ActorID      string `db:"actor_id"`
	Severity     string `db:"severity"`
	Pattern      string `db:"pattern"`
	Count        int    `db:"count"`
	WindowStart  int64  `db:"window_start"`
	Timestamp    int64  `db:"timestamp"`
	TriggerLogID string `db:"trigger_log_id"`
}

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
	metadata := []byte("{}")
	if e.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
	}

	query, args, err := r.db.sb.Insert("audit_log").
		Columns(entryColumns...).
		Values(
			e.ID, e.TenantID, e.ActorID, string(e.Action), e.Resource, e.Timestamp.UnixNano(),
			e.Origin, e.Success, e.RiskScore, e.Reason, string(metadata),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.db.ExecContext(ctx, query, args...); err != nil {
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
	b := r.db.sb.Select(entryColumns...).From("audit_log").OrderBy("timestamp DESC", "log_id DESC")
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

	var rows []entryRow
	if err := r.db.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]*audit.Entry, 0, len(rows))
	for _, row := range rows {
		e := &audit.Entry{
			ID:        row.ID,
			TenantID:  row.TenantID,
			ActorID:   row.ActorID,
			Action:    audit.Action(row.Action),
			Resource:  row.Resource,
			Timestamp: time.Unix(0, row.Timestamp).UTC(),
			Origin:    row.Origin,
			Success:   row.Success,
			RiskScore: row.RiskScore,
			Reason:    row.Reason,
		}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// AppendAlert stores a security alert
func (r *AuditRepository) AppendAlert(ctx context.Context, a *audit.SecurityAlert) error {
	query, args, err := r.db.sb.Insert("security_alerts").
		Columns(alertColumns...).
		Values(
			a.ID, a.TenantID, a.ActorID, string(a.Severity), string(a.Pattern), a.Count,
			a.WindowStart.UnixNano(), a.Timestamp.UnixNano(), a.TriggerLogID,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

// ListAlerts returns matching alerts, newest first
func (r *AuditRepository) ListAlerts(ctx context.Context, f audit.AlertFilter) ([]*audit.SecurityAlert, error) {
	b := r.db.sb.Select(alertColumns...).From("security_alerts").OrderBy("timestamp DESC", "alert_id DESC")
	if f.TenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.Severity != "" {
		b = b.Where(sq.Eq{"severity": string(f.Severity)})
	}
	if !f.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"timestamp": f.Since.UnixNano()})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build alert query: %w", err)
	}

	var rows []alertRow
	if err := r.db.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}

	alerts := make([]*audit.SecurityAlert, 0, len(rows))
	for _, row := range rows {
		alerts = append(alerts, &audit.SecurityAlert{
			ID:           row.ID,
			TenantID:     row.TenantID,
			ActorID:      row.ActorID,
			Severity:     audit.Severity(row.Severity),
			Pattern:      audit.Pattern(row.Pattern),
			Count:        row.Count,
			WindowStart:  time.Unix(0, row.WindowStart).UTC(),
			Timestamp:    time.Unix(0, row.Timestamp).UTC(),
			TriggerLogID: row.TriggerLogID,
		})
	}
	return alerts, nil
}

// CountAlerts counts the tenant's alerts raised since t
func (r *AuditRepository) CountAlerts(ctx context.Context, tenantID string, since time.Time) (int, error) {
	query, args, err := r.db.sb.Select("COUNT(*)").From("security_alerts").
		Where(sq.Eq{"tenant_id": tenantID}).
		Where(sq.GtOrEq{"timestamp": since.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count: %w", err)
	}
	var n int
	if err := r.db.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// PurgeBefore deletes the tenant's audit entries and alerts older than before
func (r *AuditRepository) PurgeBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	tx, err := r.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cond := sq.And{sq.Eq{"tenant_id": tenantID}, sq.Lt{"timestamp": before.UnixNano()}}

	query, args, err := r.db.sb.Delete("audit_log").Where(cond).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build purge: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}

	query, args, err = r.db.sb.Delete("security_alerts").Where(cond).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build purge: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to purge alerts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return purged, nil
}
