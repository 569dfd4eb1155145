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

// Package usage aggregates per-tenant usage metrics. Snapshots are
// eventually consistent: they converge on the next collection tick or read.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

// ErrSnapshotNotFound is returned when no snapshot was persisted for a tenant.
var ErrSnapshotNotFound = errors.New("metrics snapshot not found")

// Metrics is a point-in-time usage snapshot of one tenant.
type Metrics struct {
	TenantID         string    `json:"tenant_id"`
	StorageUsed      int64     `json:"storage_used"`
	StoredRecords    int64     `json:"stored_records"`
	ActiveUsers      int       `json:"active_users"`
	APICallsToday    int64     `json:"api_calls_today"`
	LastActivity     time.Time `json:"last_activity"`
	ComplianceScore  float64   `json:"compliance_score"`
	PerformanceScore float64   `json:"performance_score"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// MetricsUpdate overrides snapshot fields. Nil fields are left unchanged.
type MetricsUpdate struct {
	StorageUsed      *int64     `json:"storage_used,omitempty"`
	StoredRecords    *int64     `json:"stored_records,omitempty"`
	ActiveUsers      *int       `json:"active_users,omitempty"`
	APICallsToday    *int64     `json:"api_calls_today,omitempty"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	ComplianceScore  *float64   `json:"compliance_score,omitempty"`
	PerformanceScore *float64   `json:"performance_score,omitempty"`
}

func (u MetricsUpdate) apply(m *Metrics) {
	if u.StorageUsed != nil {
		m.StorageUsed = *u.StorageUsed
	}
	if u.StoredRecords != nil {
		m.StoredRecords = *u.StoredRecords
	}
	if u.ActiveUsers != nil {
		m.ActiveUsers = *u.ActiveUsers
	}
	if u.APICallsToday != nil {
		m.APICallsToday = *u.APICallsToday
	}
	if u.LastActivity != nil {
		m.LastActivity = *u.LastActivity
	}
	if u.ComplianceScore != nil {
		m.ComplianceScore = *u.ComplianceScore
	}
	if u.PerformanceScore != nil {
		m.PerformanceScore = *u.PerformanceScore
	}
}

// Event is one completed tenant operation.
type Event struct {
	TenantID  string
	ActorID   string
	Operation string
	Success   bool
	Latency   time.Duration
	At        time.Time
}

// UsageSource reports partition usage.
type UsageSource interface {
	Usage(ctx context.Context, tenantID string) (partition.Usage, error)
}

// AlertSource counts security alerts.
type AlertSource interface {
	AlertCount(ctx context.Context, tenantID string, since time.Time) (int, error)
}

// TenantLister enumerates tenants for periodic collection.
type TenantLister interface {
	ListTenants(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error)
}

// SnapshotRepository persists collected snapshots.
type SnapshotRepository interface {
	SaveSnapshot(ctx context.Context, m *Metrics) error
	LatestSnapshot(ctx context.Context, tenantID string) (*Metrics, error)
}

// Config tunes the collector.
type Config struct {
	Interval      time.Duration
	ActiveWindow  time.Duration
	LatencyTarget time.Duration
	AlertBudget   int
	BufferSize    int
}

// DefaultConfig returns the default collector settings.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		ActiveWindow:  15 * time.Minute,
		LatencyTarget: 200 * time.Millisecond,
		AlertBudget:   10,
		BufferSize:    1024,
	}
}

// ComplianceScore maps the number of alerts in the last 24 hours to 0..100.
func ComplianceScore(alerts24h, budget int) float64 {
	if budget <= 0 {
		budget = 1
	}
	ratio := float64(alerts24h) / float64(budget)
	if ratio > 1 {
		ratio = 1
	}
	return 100 * (1 - ratio)
}

// PerformanceScore maps mean latency to 0..100. No samples scores 100.
func PerformanceScore(mean, target time.Duration) float64 {
	if mean <= 0 {
		return 100
	}
	ratio := float64(target) / float64(mean)
	if ratio > 1 {
		ratio = 1
	}
	return 100 * ratio
}
