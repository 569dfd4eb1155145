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

// Package retention enforces each tenant's data retention period.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

// TenantLister enumerates tenants, including deactivated ones.
type TenantLister interface {
	ListTenants(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error)
}

// AuditPurger deletes audit entries older than a cutoff.
type AuditPurger interface {
	Purge(ctx context.Context, tenantID string, before time.Time) (int64, error)
}

// RecordPurger deletes records created before a cutoff.
type RecordPurger interface {
	Purge(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// Result summarizes one sweep.
type Result struct {
	Tenants int
	Records int64
	Entries int64
}

// Sweeper purges records and audit entries past retention.
type Sweeper struct {
	tenants TenantLister
	records RecordPurger
	audit   AuditPurger
	clock   clock.Clock
}

// NewSweeper creates a sweeper. A nil clock uses wall time.
func NewSweeper(tenants TenantLister, records RecordPurger, audit AuditPurger, clk clock.Clock) *Sweeper {
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{tenants: tenants, records: records, audit: audit, clock: clk}
}

// Sweep purges every tenant with a retention period. Tenants without one
// keep their data forever. Failures of one tenant do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var (
		res    Result
		errs   *multierror.Error
		offset int
	)
	const page = 100
	now := s.clock.Now()

	for {
		tenants, err := s.tenants.ListTenants(ctx, page, offset)
		if err != nil {
			return res, fmt.Errorf("failed to list tenants: %w", err)
		}
		for _, t := range tenants {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if t.DataRetentionDays <= 0 {
				continue
			}
			cutoff := now.Add(-t.Retention())
			records, entries, err := s.sweepTenant(ctx, t.ID, cutoff)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
				continue
			}
			res.Tenants++
			res.Records += records
			res.Entries += entries
		}
		if len(tenants) < page {
			break
		}
		offset += page
	}
	return res, errs.ErrorOrNil()
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenantID string, cutoff time.Time) (int64, int64, error) {
	records, err := s.records.Purge(ctx, tenantID, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to purge records: %w", err)
	}
	entries, err := s.audit.Purge(ctx, tenantID, cutoff)
	if err != nil {
		return records, 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	if records > 0 || entries > 0 {
		slog.InfoContext(ctx, "retention purge",
			logger.Component("retention"),
			logger.TenantID(tenantID),
			slog.Time("cutoff", cutoff),
			slog.Int64("records", records),
			slog.Int64("audit_entries", entries),
		)
	}
	return records, entries, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "retention sweep failed", logger.Component("retention"), logger.Error(err))
			}
			slog.DebugContext(ctx, "retention sweep complete",
				logger.Component("retention"),
				slog.Int("tenants", res.Tenants),
				slog.Int64("records", res.Records),
				slog.Int64("audit_entries", res.Entries),
			)
		}
	}
}
