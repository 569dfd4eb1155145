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

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
)

const latencySamples = 100

// tenantUsage is the in-memory activity state of one tenant.
type tenantUsage struct {
	actors       map[string]time.Time
	day          string
	apiCalls     int64
	lastActivity time.Time

	latencies [latencySamples]time.Duration
	samples   int
	next      int

	snapshot *Metrics
	dirty    bool
}

func (t *tenantUsage) meanLatency() time.Duration {
	if t.samples == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < t.samples; i++ {
		sum += t.latencies[i]
	}
	return sum / time.Duration(t.samples)
}

func (t *tenantUsage) activeUsers(now time.Time, window time.Duration) int {
	n := 0
	for actor, seen := range t.actors {
		if now.Sub(seen) <= window {
			n++
		} else {
			delete(t.actors, actor)
		}
	}
	return n
}

// Collector aggregates tenant usage.
type Collector struct {
	usage     UsageSource
	alerts    AlertSource
	tenants   TenantLister
	snapshots SnapshotRepository
	clock     clock.Clock
	cfg       Config

	events chan Event

	mu    sync.Mutex
	state map[string]*tenantUsage
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// WithSnapshotRepository persists every collected snapshot.
func WithSnapshotRepository(r SnapshotRepository) Option {
	return func(col *Collector) { col.snapshots = r }
}

// WithConfig overrides the defaults. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(col *Collector) {
		if cfg.Interval > 0 {
			col.cfg.Interval = cfg.Interval
		}
		if cfg.ActiveWindow > 0 {
			col.cfg.ActiveWindow = cfg.ActiveWindow
		}
		if cfg.LatencyTarget > 0 {
			col.cfg.LatencyTarget = cfg.LatencyTarget
		}
		if cfg.AlertBudget > 0 {
			col.cfg.AlertBudget = cfg.AlertBudget
		}
		if cfg.BufferSize > 0 {
			col.cfg.BufferSize = cfg.BufferSize
		}
	}
}

// NewCollector creates a collector.
func NewCollector(usage UsageSource, alerts AlertSource, tenants TenantLister, opts ...Option) *Collector {
	c := &Collector{
		usage:   usage,
		alerts:  alerts,
		tenants: tenants,
		clock:   clock.New(),
		cfg:     DefaultConfig(),
		state:   make(map[string]*tenantUsage),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan Event, c.cfg.BufferSize)
	return c
}

// Observe records an operation without blocking. When the buffer is full
// the event is applied directly.
func (c *Collector) Observe(ev Event) {
	if ev.TenantID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	select {
	case c.events <- ev:
	default:
		c.apply(ev)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case ev := <-c.events:
			c.apply(ev)
		default:
			return
		}
	}
}

// stateLocked returns the tenant state. c.mu must be held.
func (c *Collector) stateLocked(tenantID string) *tenantUsage {
	st, ok := c.state[tenantID]
	if !ok {
		st = &tenantUsage{actors: make(map[string]time.Time)}
		c.state[tenantID] = st
	}
	return st
}

func (c *Collector) apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(ev.TenantID)
	c.rollDay(st, ev.At)

	st.apiCalls++
	if ev.ActorID != "" {
		st.actors[ev.ActorID] = ev.At
	}
	if ev.At.After(st.lastActivity) {
		st.lastActivity = ev.At
	}
	if ev.Latency > 0 {
		st.latencies[st.next] = ev.Latency
		st.next = (st.next + 1) % latencySamples
		if st.samples < latencySamples {
			st.samples++
		}
	}
	st.dirty = true
}

// rollDay resets the daily API counter at the UTC day boundary.
func (c *Collector) rollDay(st *tenantUsage, at time.Time) {
	day := at.UTC().Format(time.DateOnly)
	if st.day != day {
		st.day = day
		st.apiCalls = 0
	}
}

// GetMetrics returns the tenant snapshot, collecting it first when it is
// missing, stale, or behind recorded activity.
func (c *Collector) GetMetrics(ctx context.Context, tenantID string) (*Metrics, error) {
	c.drain()

	c.mu.Lock()
	st := c.stateLocked(tenantID)
	fresh := st.snapshot != nil && !st.dirty && c.clock.Since(st.snapshot.UpdatedAt) < c.cfg.Interval
	var snap Metrics
	if fresh {
		snap = *st.snapshot
	}
	c.mu.Unlock()

	if fresh {
		return &snap, nil
	}
	return c.Refresh(ctx, tenantID)
}

// Refresh recomputes and stores the tenant snapshot.
func (c *Collector) Refresh(ctx context.Context, tenantID string) (*Metrics, error) {
	usage, err := c.usage.Usage(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition usage: %w", err)
	}

	now := c.clock.Now()
	alerts := 0
	if c.alerts != nil {
		alerts, err = c.alerts.AlertCount(ctx, tenantID, now.Add(-24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to count alerts: %w", err)
		}
	}

	c.mu.Lock()
	st := c.stateLocked(tenantID)
	c.rollDay(st, now)
	m := &Metrics{
		TenantID:         tenantID,
		StorageUsed:      usage.Bytes,
		StoredRecords:    usage.Rows,
		ActiveUsers:      st.activeUsers(now, c.cfg.ActiveWindow),
		APICallsToday:    st.apiCalls,
		LastActivity:     st.lastActivity,
		ComplianceScore:  ComplianceScore(alerts, c.cfg.AlertBudget),
		PerformanceScore: PerformanceScore(st.meanLatency(), c.cfg.LatencyTarget),
		UpdatedAt:        now.UTC(),
	}
	st.snapshot = m
	st.dirty = false
	snap := *m
	c.mu.Unlock()

	c.persist(ctx, &snap)
	return &snap, nil
}

// UpdateMetrics overrides fields of the current snapshot. Overrides hold
// until the next collection.
func (c *Collector) UpdateMetrics(ctx context.Context, tenantID string, update MetricsUpdate) (*Metrics, error) {
	if _, err := c.GetMetrics(ctx, tenantID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	st := c.stateLocked(tenantID)
	update.apply(st.snapshot)
	st.snapshot.UpdatedAt = c.clock.Now().UTC()
	snap := *st.snapshot
	c.mu.Unlock()

	c.persist(ctx, &snap)
	return &snap, nil
}

func (c *Collector) persist(ctx context.Context, m *Metrics) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.SaveSnapshot(ctx, m); err != nil {
		slog.ErrorContext(ctx, "failed to persist metrics snapshot",
			logger.Component("usage"),
			logger.TenantID(m.TenantID),
			logger.Error(err),
		)
	}
}

// ActiveUsers returns the number of distinct actors seen within the active
// window.
func (c *Collector) ActiveUsers(tenantID string) int {
	c.drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[tenantID]
	if !ok {
		return 0
	}
	return st.activeUsers(c.clock.Now(), c.cfg.ActiveWindow)
}

// IsActive reports whether actorID was seen within the active window.
func (c *Collector) IsActive(tenantID, actorID string) bool {
	c.drain()

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[tenantID]
	if !ok {
		return false
	}
	seen, ok := st.actors[actorID]
	return ok && c.clock.Since(seen) <= c.cfg.ActiveWindow
}

// Run consumes events and collects every tenant on each tick until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "metrics collector started",
		logger.Component("usage"),
		slog.Duration("interval", c.cfg.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "metrics collector stopped", logger.Component("usage"))
			return
		case ev := <-c.events:
			c.apply(ev)
		case <-ticker.C:
			c.collectAll(ctx)
		}
	}
}

func (c *Collector) collectAll(ctx context.Context) {
	if c.tenants == nil {
		return
	}
	const page = 100
	for offset := 0; ; offset += page {
		tenants, err := c.tenants.ListTenants(ctx, page, offset)
		if err != nil {
			slog.ErrorContext(ctx, "failed to list tenants for collection",
				logger.Component("usage"), logger.Error(err))
			return
		}
		for _, t := range tenants {
			if ctx.Err() != nil {
				return
			}
			if !t.Enabled {
				continue
			}
			if _, err := c.Refresh(ctx, t.ID); err != nil {
				slog.WarnContext(ctx, "failed to collect tenant metrics",
					logger.Component("usage"),
					logger.TenantID(t.ID),
					logger.Error(err),
				)
			}
		}
		if len(tenants) < page {
			return
		}
	}
}

// Snapshots returns copies of every known snapshot.
func (c *Collector) Snapshots() []Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Metrics, 0, len(c.state))
	for _, st := range c.state {
		if st.snapshot != nil {
			out = append(out, *st.snapshot)
		}
	}
	return out
}
