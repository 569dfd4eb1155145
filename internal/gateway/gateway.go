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

// Package gateway is the single ingress for tenant data operations. Every
// request is bound to an explicit tenant, checked against the registry and
// the tenant's limits, and only then dispatched to the record store.
// Rejections are audited here; dispatched calls are audited by the store.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/idempotency"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/observability/metrics"
	"github.com/opentrusty/tenantvault/internal/observability/tracing"
	"github.com/opentrusty/tenantvault/internal/record"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/opentrusty/tenantvault/internal/token"
	"github.com/opentrusty/tenantvault/internal/usage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AnonymousActor is used when a request names no actor.
const AnonymousActor = "anonymous"

// Directory resolves tenants, including deactivated ones.
type Directory interface {
	LookupTenant(ctx context.Context, id string) (*tenant.Tenant, error)
	CountTenants(ctx context.Context) (int, error)
}

// Records is the tenant-scoped record store.
type Records interface {
	Store(ctx context.Context, tenantID, actor string, in record.StoreInput) (*record.Record, error)
	Retrieve(ctx context.Context, tenantID, actor string, q record.Query) ([]*record.Record, error)
	Get(ctx context.Context, tenantID, actor string, key record.Key) (*record.Record, error)
	Update(ctx context.Context, tenantID, actor string, key record.Key, in record.UpdateInput) (*record.Record, error)
	Delete(ctx context.Context, tenantID, actor string, key record.Key) error
	// Checksum returns the digest a record with payload carries for the tenant.
	Checksum(tenantID string, payload map[string]any) (string, error)
}

// Usage answers activity questions and serves metrics snapshots.
type Usage interface {
	GetMetrics(ctx context.Context, tenantID string) (*usage.Metrics, error)
	IsActive(tenantID, actorID string) bool
	ActiveUsers(tenantID string) int
}

// AuditTrail is the audit logger plus its query side.
type AuditTrail interface {
	audit.Logger
	Recent(ctx context.Context, tenantID string, limit int) ([]*audit.Entry, error)
	Alerts(ctx context.Context, filter audit.AlertFilter) ([]*audit.SecurityAlert, error)
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// PartitionCounter reports open partitions.
type PartitionCounter interface {
	Count() int
}

// Request carries the caller context of one operation.
type Request struct {
	TenantID string
	ActorID  string
	Token    string
	Origin   string
	// Module is checked against the tenant's enabled features when set.
	Module string
	// ClaimedTenant is a tenant id asserted through a second channel, such
	// as a header on a route that names the tenant in its path. When set it
	// must equal TenantID.
	ClaimedTenant string
}

// Caller is an admitted request.
type Caller struct {
	TenantID string
	ActorID  string
	Role     string
	Tenant   *tenant.Tenant
}

// Receipt is the result of a store operation.
type Receipt struct {
	RecordID string `json:"record_id"`
	TenantID string `json:"tenant_id"`
	Module   string `json:"module"`
	DataType string `json:"data_type"`
	Status   string `json:"status"`
	Checksum string `json:"-"`
}

// Health is the service health summary.
type Health struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Tenants     int    `json:"tenants"`
	Connections int    `json:"connections"`
}

// Config tunes the gateway.
type Config struct {
	ServiceName    string
	RequireToken   bool
	IdempotencyTTL time.Duration
}

// DefaultConfig returns the default gateway settings.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "tenantvault",
		IdempotencyTTL: idempotency.DefaultTTL,
	}
}

// Gateway admits and dispatches tenant operations.
type Gateway struct {
	directory  Directory
	records    Records
	usage      Usage
	audit      AuditTrail
	partitions PartitionCounter

	tokens      TokenVerifier
	idempotency idempotency.Store
	limiter     *RateLimiter
	tracer      *tracing.Tracer
	instruments *metrics.Instruments
	clock       clock.Clock
	cfg         Config
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTokens enables bearer token verification.
func WithTokens(v TokenVerifier) Option {
	return func(g *Gateway) { g.tokens = v }
}

// WithIdempotency caches store receipts by Idempotency-Key.
func WithIdempotency(s idempotency.Store) Option {
	return func(g *Gateway) { g.idempotency = s }
}

// WithTracer sets the span tracer.
func WithTracer(t *tracing.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

// WithInstruments records operation metrics.
func WithInstruments(i *metrics.Instruments) Option {
	return func(g *Gateway) { g.instruments = i }
}

// WithRateLimiter shares a limiter set, e.g. with a cleanup loop.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(g *Gateway) { g.limiter = rl }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithConfig overrides the defaults. Zero fields keep defaults.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) {
		if cfg.ServiceName != "" {
			g.cfg.ServiceName = cfg.ServiceName
		}
		g.cfg.RequireToken = cfg.RequireToken
		if cfg.IdempotencyTTL > 0 {
			g.cfg.IdempotencyTTL = cfg.IdempotencyTTL
		}
	}
}

// New creates a gateway.
func New(directory Directory, records Records, usage Usage, trail AuditTrail, partitions PartitionCounter, opts ...Option) *Gateway {
	g := &Gateway{
		directory:  directory,
		records:    records,
		usage:      usage,
		audit:      trail,
		partitions: partitions,
		limiter:    NewRateLimiter(),
		tracer:     tracing.Noop(),
		clock:      clock.New(),
		cfg:        DefaultConfig(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit runs every ingress check for req. A rejection is audited once as
// action and returned.
func (g *Gateway) Admit(ctx context.Context, req Request, action audit.Action, resource string) (*Caller, error) {
	caller, err := g.admit(ctx, req)
	if err != nil {
		g.reject(ctx, req, action, resource, err)
		return nil, err
	}
	return caller, nil
}

func (g *Gateway) admit(ctx context.Context, req Request) (*Caller, error) {
	if req.TenantID == "" {
		return nil, ErrTenantContextMissing
	}

	if req.ClaimedTenant != "" && req.ClaimedTenant != req.TenantID {
		return nil, fmt.Errorf("%w: request names tenant %s", ErrTenantMismatch, req.ClaimedTenant)
	}

	caller := &Caller{TenantID: req.TenantID, ActorID: req.ActorID}

	if req.Token != "" && g.tokens != nil {
		claims, err := g.tokens.Verify(req.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if claims.TenantID != req.TenantID {
			return nil, fmt.Errorf("%w: token is bound to another tenant", ErrTenantMismatch)
		}
		if req.ActorID != "" && req.ActorID != claims.Actor() {
			return nil, fmt.Errorf("%w: actor does not match token subject", ErrUnauthorized)
		}
		caller.ActorID = claims.Actor()
		caller.Role = claims.Role
	} else if g.cfg.RequireToken {
		return nil, fmt.Errorf("%w: bearer token required", ErrUnauthorized)
	}
	if caller.ActorID == "" {
		caller.ActorID = AnonymousActor
	}

	t, err := g.directory.LookupTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTenantDisabled, t.ID)
	}
	caller.Tenant = t

	if req.Module != "" && !t.FeatureEnabled(req.Module) {
		return nil, fmt.Errorf("%w: %s", ErrFeatureDisabled, req.Module)
	}

	if !g.limiter.Allow(t.ID, t.RateLimit) {
		return nil, ErrRateLimited
	}

	if t.MaxUsers > 0 && g.usage != nil && !g.usage.IsActive(t.ID, caller.ActorID) {
		if g.usage.ActiveUsers(t.ID) >= t.MaxUsers {
			return nil, fmt.Errorf("%w: %d active users", ErrUserLimitExceeded, t.MaxUsers)
		}
	}
	return caller, nil
}

func (g *Gateway) reject(ctx context.Context, req Request, action audit.Action, resource string, err error) {
	kind := Kind(err)
	actor := req.ActorID
	if actor == "" {
		actor = AnonymousActor
	}

	slog.WarnContext(ctx, "request rejected",
		logger.Component("gateway"),
		logger.TenantID(req.TenantID),
		logger.ActorID(actor),
		logger.Action(string(action)),
		logger.ErrorKind(kind),
		logger.Error(err),
	)

	g.audit.Log(audit.ContextWithOrigin(ctx, req.Origin), audit.Entry{
		TenantID:  req.TenantID,
		ActorID:   actor,
		Action:    action,
		Resource:  resource,
		Success:   false,
		RiskScore: rejectionRisk(err),
		Reason:    kind,
		Metadata: map[string]any{
			"stage": "gateway",
			"error": err.Error(),
		},
	})
	g.instruments.RecordRejection(ctx, req.TenantID, kind)
}

// span starts an operation span tagged with the request tenant.
func (g *Gateway) span(ctx context.Context, op string, req Request) (context.Context, trace.Span) {
	return g.tracer.StartTenantSpan(ctx, "gateway."+op, req.TenantID, req.ActorID, req.Module)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
	}
	span.End()
}

// dispatch runs fn and records its outcome. Transient storage failures are
// retried inside the record store, so each call is audited exactly once.
func (g *Gateway) dispatch(ctx context.Context, caller *Caller, op string, fn func() error) error {
	start := g.clock.Now()
	err := fn()
	elapsed := g.clock.Since(start)
	g.instruments.RecordOperation(ctx, caller.TenantID, op, err == nil, float64(elapsed.Microseconds())/1000)
	return err
}

func withCaller(ctx context.Context, req Request, caller *Caller) context.Context {
	ctx = audit.ContextWithActor(ctx, caller.ActorID)
	return audit.ContextWithOrigin(ctx, req.Origin)
}

// Store persists a record. With an idempotency key the record id is derived
// from tenant and key, and the receipt of the first success is replayed.
func (g *Gateway) Store(ctx context.Context, req Request, in record.StoreInput, idempotencyKey string) (receipt *Receipt, err error) {
	req.Module = in.Module
	ctx, span := g.span(ctx, "Store", req)
	defer func() { endSpan(span, err) }()

	resource := in.Module + "/" + in.DataType
	caller, err := g.Admit(ctx, req, audit.ActionCreate, resource)
	if err != nil {
		return nil, err
	}
	ctx = withCaller(ctx, req, caller)

	if idempotencyKey != "" {
		in.ID = IdempotentID(caller.TenantID, idempotencyKey)
		if receipt, ok, err := g.cachedReceipt(ctx, caller, in, idempotencyKey); ok || err != nil {
			return receipt, err
		}
	}

	var rec *record.Record
	err = g.dispatch(ctx, caller, "store", func() error {
		var err error
		rec, err = g.records.Store(ctx, caller.TenantID, caller.ActorID, in)
		return err
	})
	if err != nil {
		return nil, err
	}

	receipt = &Receipt{
		RecordID: rec.ID,
		TenantID: rec.TenantID,
		Module:   rec.Module,
		DataType: rec.DataType,
		Status:   "stored",
		Checksum: rec.Checksum,
	}
	if idempotencyKey != "" {
		g.cacheReceipt(ctx, caller, idempotencyKey, receipt)
	}
	return receipt, nil
}

// Retrieve queries the tenant's records.
func (g *Gateway) Retrieve(ctx context.Context, req Request, q record.Query) (recs []*record.Record, err error) {
	req.Module = q.Module
	ctx, span := g.span(ctx, "Retrieve", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionRead, q.Module+"/"+q.DataType)
	if err != nil {
		return nil, err
	}
	ctx = withCaller(ctx, req, caller)

	err = g.dispatch(ctx, caller, "retrieve", func() error {
		var err error
		recs, err = g.records.Retrieve(ctx, caller.TenantID, caller.ActorID, q)
		return err
	})
	span.SetAttributes(attribute.Int("records", len(recs)))
	return recs, err
}

// Get returns one record.
func (g *Gateway) Get(ctx context.Context, req Request, key record.Key) (rec *record.Record, err error) {
	req.Module = key.Module
	ctx, span := g.span(ctx, "Get", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionRead, keyResource(key))
	if err != nil {
		return nil, err
	}
	ctx = withCaller(ctx, req, caller)

	err = g.dispatch(ctx, caller, "get", func() error {
		var err error
		rec, err = g.records.Get(ctx, caller.TenantID, caller.ActorID, key)
		return err
	})
	return rec, err
}

// Update replaces a record payload.
func (g *Gateway) Update(ctx context.Context, req Request, key record.Key, in record.UpdateInput) (rec *record.Record, err error) {
	req.Module = key.Module
	ctx, span := g.span(ctx, "Update", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionUpdate, keyResource(key))
	if err != nil {
		return nil, err
	}
	ctx = withCaller(ctx, req, caller)

	err = g.dispatch(ctx, caller, "update", func() error {
		var err error
		rec, err = g.records.Update(ctx, caller.TenantID, caller.ActorID, key, in)
		return err
	})
	return rec, err
}

// Delete removes a record.
func (g *Gateway) Delete(ctx context.Context, req Request, key record.Key) (err error) {
	req.Module = key.Module
	ctx, span := g.span(ctx, "Delete", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionDelete, keyResource(key))
	if err != nil {
		return err
	}
	ctx = withCaller(ctx, req, caller)

	return g.dispatch(ctx, caller, "delete", func() error {
		return g.records.Delete(ctx, caller.TenantID, caller.ActorID, key)
	})
}

// Metrics returns the tenant's usage snapshot.
func (g *Gateway) Metrics(ctx context.Context, req Request) (m *usage.Metrics, err error) {
	ctx, span := g.span(ctx, "Metrics", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionRead, "metrics")
	if err != nil {
		return nil, err
	}
	m, err = g.usage.GetMetrics(ctx, caller.TenantID)
	g.logRead(ctx, req, caller, "metrics", err, nil)
	return m, err
}

// AuditLog returns the tenant's most recent audit entries, newest first.
func (g *Gateway) AuditLog(ctx context.Context, req Request, limit int) (entries []*audit.Entry, err error) {
	ctx, span := g.span(ctx, "AuditLog", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionRead, "audit_log")
	if err != nil {
		return nil, err
	}
	// read before logging so the listing does not include this access
	entries, err = g.audit.Recent(ctx, caller.TenantID, limit)
	g.logRead(ctx, req, caller, "audit_log", err, map[string]any{"limit": limit, "count": len(entries)})
	return entries, err
}

// Alerts lists the tenant's security alerts.
func (g *Gateway) Alerts(ctx context.Context, req Request, filter audit.AlertFilter) (alerts []*audit.SecurityAlert, err error) {
	ctx, span := g.span(ctx, "Alerts", req)
	defer func() { endSpan(span, err) }()

	caller, err := g.Admit(ctx, req, audit.ActionRead, "alerts")
	if err != nil {
		return nil, err
	}
	filter.TenantID = caller.TenantID
	alerts, err = g.audit.Alerts(ctx, filter)
	g.logRead(ctx, req, caller, "alerts", err, map[string]any{"count": len(alerts)})
	return alerts, err
}

// logRead audits a gateway-served read of tenant metadata.
func (g *Gateway) logRead(ctx context.Context, req Request, caller *Caller, resource string, err error, metadata map[string]any) {
	entry := audit.Entry{
		TenantID: caller.TenantID,
		ActorID:  caller.ActorID,
		Action:   audit.ActionRead,
		Resource: resource,
		Success:  err == nil,
		Metadata: metadata,
	}
	if err != nil {
		entry.Reason = Kind(err)
	}
	g.audit.Log(audit.ContextWithOrigin(ctx, req.Origin), entry)
}

// Health reports service status.
func (g *Gateway) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Service: g.cfg.ServiceName}
	n, err := g.directory.CountTenants(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "health check failed", logger.Component("gateway"), logger.Error(err))
		h.Status = "degraded"
	}
	h.Tenants = n
	if g.partitions != nil {
		h.Connections = g.partitions.Count()
	}
	return h
}

func keyResource(k record.Key) string {
	return k.Module + "/" + k.DataType + "/" + k.ID
}
