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

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
)

// Risk scores shared by callers that audit failures.
const (
	HighRisk    = 0.9
	DefaultRisk = 0.5
)

// stateSweepInterval bounds how often idle analysis state is evicted.
const stateSweepInterval = time.Minute

// Config tunes risk analysis.
type Config struct {
	RecentWindowSize int
	FailureThreshold int
	FailureWindow    time.Duration
	BurstThreshold   int
	BurstWindow      time.Duration
}

// DefaultConfig returns the default analysis thresholds.
func DefaultConfig() Config {
	return Config{
		RecentWindowSize: 100,
		FailureThreshold: 5,
		FailureWindow:    time.Hour,
		BurstThreshold:   20,
		BurstWindow:      5 * time.Minute,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithPublisher sets the side channel alerts are published on.
func WithPublisher(p AlertPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMirror sets where entries are mirrored besides the repository.
func WithMirror(l Logger) Option {
	return func(s *Service) { s.mirror = l }
}

// WithConfig overrides the analysis thresholds. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.RecentWindowSize > 0 {
			s.cfg.RecentWindowSize = cfg.RecentWindowSize
		}
		if cfg.FailureThreshold > 0 {
			s.cfg.FailureThreshold = cfg.FailureThreshold
		}
		if cfg.FailureWindow > 0 {
			s.cfg.FailureWindow = cfg.FailureWindow
		}
		if cfg.BurstThreshold > 0 {
			s.cfg.BurstThreshold = cfg.BurstThreshold
		}
		if cfg.BurstWindow > 0 {
			s.cfg.BurstWindow = cfg.BurstWindow
		}
	}
}

// WithAlertHook registers a callback invoked for every raised alert.
func WithAlertHook(fn func(ctx context.Context, alert *SecurityAlert)) Option {
	return func(s *Service) { s.onAlert = fn }
}

// Service is the audit logger: it appends entries, mirrors them, and runs
// per-tenant risk analysis.
type Service struct {
	repo      Repository
	mirror    Logger
	publisher AlertPublisher
	clock     clock.Clock
	cfg       Config
	onAlert   func(ctx context.Context, alert *SecurityAlert)

	mu        sync.Mutex
	tenants   map[string]*tenantState
	lastSweep time.Time
}

// NewService creates a new audit service
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		mirror:  NewSlogLogger(),
		clock:   clock.New(),
		cfg:     DefaultConfig(),
		tenants: make(map[string]*tenantState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type alertKey struct {
	actor   string
	pattern Pattern
}

// tenantState is the bounded analysis window of one tenant.
type tenantState struct {
	mu        sync.Mutex
	recent    []Entry
	lastAlert map[alertKey]time.Time

	// guarded by Service.mu
	seen time.Time
}

func (s *Service) state(tenantID string) *tenantState {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked(now)
	st, ok := s.tenants[tenantID]
	if !ok {
		st = &tenantState{lastAlert: make(map[alertKey]time.Time)}
		s.tenants[tenantID] = st
	}
	st.seen = now
	return st
}

// horizon is how long analysis state stays relevant after its last entry.
func (s *Service) horizon() time.Duration {
	return max(s.cfg.FailureWindow, s.cfg.BurstWindow)
}

// evictLocked drops the state of tenants whose last entry is older than
// the longest detection window. Tenant ids come from callers, so the map
// must not outlive the windows it serves.
func (s *Service) evictLocked(now time.Time) {
	horizon := s.horizon()
	if now.Sub(s.lastSweep) < min(horizon, stateSweepInterval) {
		return
	}
	s.lastSweep = now
	for id, st := range s.tenants {
		if now.Sub(st.seen) > horizon {
			delete(s.tenants, id)
		}
	}
}

// Tracked returns the number of tenants with live analysis state.
func (s *Service) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}

// Log appends the entry and analyzes it. It never fails the caller:
// persistence and alerting errors are logged and swallowed.
func (s *Service) Log(ctx context.Context, entry Entry) {
	s.normalize(&entry)
	if entry.Origin == "" {
		entry.Origin = OriginFromContext(ctx)
	}

	if err := s.repo.Append(ctx, &entry); err != nil {
		slog.ErrorContext(ctx, "failed to append audit entry",
			logger.Component("audit"),
			logger.TenantID(entry.TenantID),
			logger.Error(err),
		)
	}
	if s.mirror != nil {
		s.mirror.Log(ctx, entry)
	}

	if entry.TenantID == "" || entry.Action == ActionSecurityAlert {
		return
	}
	for _, alert := range s.analyze(entry) {
		s.raise(ctx, alert)
	}
}

func (s *Service) normalize(e *Entry) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now().UTC()
	}
	if e.RiskScore == 0 && !e.Success {
		e.RiskScore = DefaultRisk
	}
	e.RiskScore = clamp(e.RiskScore)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func isFailedAccess(e Entry) bool {
	return !e.Success && (e.Action == ActionRead || e.Action == ActionCreate)
}

func isRead(e Entry) bool {
	return e.Action == ActionRead
}

func (s *Service) analyze(e Entry) []*SecurityAlert {
	st := s.state(e.TenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.recent = append(st.recent, e)
	if over := len(st.recent) - s.cfg.RecentWindowSize; over > 0 {
		st.recent = append(st.recent[:0:0], st.recent[over:]...)
	}

	var alerts []*SecurityAlert
	if isFailedAccess(e) {
		if a := st.check(e, PatternRepeatedFailure, SeverityHigh, s.cfg.FailureThreshold, s.cfg.FailureWindow, isFailedAccess); a != nil {
			alerts = append(alerts, a)
		}
	}
	if isRead(e) {
		if a := st.check(e, PatternBurstAccess, SeverityMedium, s.cfg.BurstThreshold, s.cfg.BurstWindow, isRead); a != nil {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// check counts entries of e's actor matching fn inside the window ending at
// e and returns an alert once the threshold is reached, unless an alert for
// the same actor and pattern is still inside the window.
func (st *tenantState) check(e Entry, pattern Pattern, severity Severity, threshold int, window time.Duration, fn func(Entry) bool) *SecurityAlert {
	start := e.Timestamp.Add(-window)

	count := 0
	first := e.Timestamp
	for _, x := range st.recent {
		if x.ActorID != e.ActorID || x.Timestamp.Before(start) || !fn(x) {
			continue
		}
		count++
		if x.Timestamp.Before(first) {
			first = x.Timestamp
		}
	}
	if count < threshold {
		return nil
	}

	key := alertKey{actor: e.ActorID, pattern: pattern}
	if last, ok := st.lastAlert[key]; ok && e.Timestamp.Sub(last) < window {
		return nil
	}
	st.lastAlert[key] = e.Timestamp

	return &SecurityAlert{
		ID:           newID(),
		TenantID:     e.TenantID,
		ActorID:      e.ActorID,
		Severity:     severity,
		Pattern:      pattern,
		Count:        count,
		WindowStart:  first,
		Timestamp:    e.Timestamp,
		TriggerLogID: e.ID,
	}
}

func (s *Service) raise(ctx context.Context, alert *SecurityAlert) {
	attrs := []any{
		logger.Component("audit"),
		logger.TenantID(alert.TenantID),
		logger.ActorID(alert.ActorID),
		logger.Severity(string(alert.Severity)),
		slog.String("pattern", string(alert.Pattern)),
		slog.Int("count", alert.Count),
	}
	slog.WarnContext(ctx, "security alert raised", attrs...)

	if err := s.repo.AppendAlert(ctx, alert); err != nil {
		slog.ErrorContext(ctx, "failed to store security alert", append(attrs, logger.Error(err))...)
	}

	s.Log(ctx, Entry{
		TenantID:  alert.TenantID,
		ActorID:   alert.ActorID,
		Action:    ActionSecurityAlert,
		Resource:  fmt.Sprintf("alert/%s", alert.Pattern),
		Timestamp: alert.Timestamp,
		Success:   true,
		RiskScore: alert.Severity.Risk(),
		Metadata: map[string]any{
			"alert_id":       alert.ID,
			"severity":       string(alert.Severity),
			"count":          alert.Count,
			"trigger_log_id": alert.TriggerLogID,
		},
	})

	if s.publisher != nil {
		if err := s.publisher.PublishAlert(ctx, alert); err != nil {
			slog.ErrorContext(ctx, "failed to publish security alert", append(attrs, logger.Error(err))...)
		}
	}
	if s.onAlert != nil {
		s.onAlert(ctx, alert)
	}
}

// Recent returns the tenant's most recent entries, newest first.
func (s *Service) Recent(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	entries, err := s.repo.ListByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Global returns the most recent entries of all tenants, newest first.
func (s *Service) Global(ctx context.Context, limit int) ([]*Entry, error) {
	entries, err := s.repo.ListGlobal(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Alerts lists stored alerts, newest first.
func (s *Service) Alerts(ctx context.Context, filter AlertFilter) ([]*SecurityAlert, error) {
	alerts, err := s.repo.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return alerts, nil
}

// AlertCount returns the number of alerts raised for the tenant since t.
func (s *Service) AlertCount(ctx context.Context, tenantID string, since time.Time) (int, error) {
	n, err := s.repo.CountAlerts(ctx, tenantID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// Purge deletes the tenant's entries older than before.
func (s *Service) Purge(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	n, err := s.repo.PurgeBefore(ctx, tenantID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit entries: %w", err)
	}
	return n, nil
}

// Now returns the service clock time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
