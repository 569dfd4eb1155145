package audit

import (
	"context"
	"time"
)

// Repository persists access log entries and alerts. Listings are newest
// first; a limit <= 0 means no limit.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
	ListGlobal(ctx context.Context, limit int) ([]*Entry, error)
	AppendAlert(ctx context.Context, alert *SecurityAlert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*SecurityAlert, error)
	CountAlerts(ctx context.Context, tenantID string, since time.Time) (int, error)
	PurgeBefore(ctx context.Context, tenantID string, before time.Time) (int64, error)
}
