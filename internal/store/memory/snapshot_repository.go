package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentrusty/tenantvault/internal/usage"
)

// SnapshotRepository implements usage.SnapshotRepository keeping only the
// latest snapshot per tenant.
type SnapshotRepository struct {
	mu     sync.RWMutex
	latest map[string]usage.Metrics
}

func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{latest: make(map[string]usage.Metrics)}
}

func (r *SnapshotRepository) SaveSnapshot(_ context.Context, m *usage.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest[m.TenantID] = *m
	return nil
}

func (r *SnapshotRepository) LatestSnapshot(_ context.Context, tenantID string) (*usage.Metrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.latest[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", usage.ErrSnapshotNotFound, tenantID)
	}
	return &m, nil
}
