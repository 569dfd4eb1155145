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

package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/opentrusty/tenantvault/internal/audit"
)

// DefaultAuditCapacity is the number of entries an AuditRepository keeps.
const DefaultAuditCapacity = 100_000

// AuditRepository implements audit.Repository. Entries are kept in append
// order per tenant and globally. It holds at most capacity entries and
// alerts; the oldest are dropped first, and a tenant stream that becomes
// empty is removed.
type AuditRepository struct {
	mu       sync.RWMutex
	capacity int
	global   []*audit.Entry
	tenants  map[string][]*audit.Entry
	alerts   []*audit.SecurityAlert
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository() *AuditRepository {
	return NewBoundedAuditRepository(DefaultAuditCapacity)
}

// NewBoundedAuditRepository creates a repository holding at most capacity
// entries.
func NewBoundedAuditRepository(capacity int) *AuditRepository {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditRepository{capacity: capacity, tenants: make(map[string][]*audit.Entry)}
}

func cloneEntry(e *audit.Entry) *audit.Entry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

func (r *AuditRepository) Append(_ context.Context, entry *audit.Entry) error {
	e := cloneEntry(entry)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.global = append(r.global, e)
	if e.TenantID != "" {
		r.tenants[e.TenantID] = append(r.tenants[e.TenantID], e)
	}
	r.trimLocked()
	return nil
}

// slack is how far past capacity the log may grow before it is trimmed,
// so trimming is amortized over many appends.
func (r *AuditRepository) slack() int {
	return r.capacity / 10
}

func (r *AuditRepository) trimLocked() {
	over := len(r.global) - r.capacity
	if over <= r.slack() {
		return
	}
	for _, e := range r.global[:over] {
		if e.TenantID == "" {
			continue
		}
		// streams share the global append order
		stream := r.tenants[e.TenantID]
		if len(stream) > 0 && stream[0] == e {
			stream = stream[1:]
		}
		if len(stream) == 0 {
			delete(r.tenants, e.TenantID)
		} else {
			r.tenants[e.TenantID] = stream
		}
	}
	r.global = append([]*audit.Entry(nil), r.global[over:]...)
}

// newestFirst copies up to limit entries from the end of in.
func newestFirst(in []*audit.Entry, limit int) []*audit.Entry {
	n := len(in)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*audit.Entry, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneEntry(in[i]))
	}
	return out
}

func (r *AuditRepository) ListByTenant(_ context.Context, tenantID string, limit int) ([]*audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newestFirst(r.tenants[tenantID], limit), nil
}

func (r *AuditRepository) ListGlobal(_ context.Context, limit int) ([]*audit.Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return newestFirst(r.global, limit), nil
}

func (r *AuditRepository) AppendAlert(_ context.Context, alert *audit.SecurityAlert) error {
	a := *alert

	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, &a)
	if over := len(r.alerts) - r.capacity; over > r.slack() {
		r.alerts = append([]*audit.SecurityAlert(nil), r.alerts[over:]...)
	}
	return nil
}

func (r *AuditRepository) ListAlerts(_ context.Context, filter audit.AlertFilter) ([]*audit.SecurityAlert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []*audit.SecurityAlert{}
	for i := len(r.alerts) - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		if filter.Matches(r.alerts[i]) {
			a := *r.alerts[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

func (r *AuditRepository) CountAlerts(_ context.Context, tenantID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter := audit.AlertFilter{TenantID: tenantID, Since: since}
	n := 0
	for _, a := range r.alerts {
		if filter.Matches(a) {
			n++
		}
	}
	return n, nil
}

// PurgeBefore removes the tenant's entries and alerts older than before.
// Global stream entries of the tenant are removed as well.
func (r *AuditRepository) PurgeBefore(_ context.Context, tenantID string, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := func(e *audit.Entry) bool {
		return e.TenantID == tenantID && e.Timestamp.Before(before)
	}

	var purged int64
	kept := r.tenants[tenantID][:0]
	for _, e := range r.tenants[tenantID] {
		if old(e) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(r.tenants, tenantID)
	} else {
		r.tenants[tenantID] = kept
	}

	global := r.global[:0]
	for _, e := range r.global {
		if !old(e) {
			global = append(global, e)
		}
	}
	r.global = global

	alerts := r.alerts[:0]
	for _, a := range r.alerts {
		if a.TenantID == tenantID && a.Timestamp.Before(before) {
			continue
		}
		alerts = append(alerts, a)
	}
	r.alerts = alerts

	return purged, nil
}
