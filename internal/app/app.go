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

// Package app assembles the service graph from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/config"
	"github.com/opentrusty/tenantvault/internal/events"
	"github.com/opentrusty/tenantvault/internal/gateway"
	"github.com/opentrusty/tenantvault/internal/idempotency"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/observability/metrics"
	"github.com/opentrusty/tenantvault/internal/observability/tracing"
	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/record"
	"github.com/opentrusty/tenantvault/internal/retention"
	"github.com/opentrusty/tenantvault/internal/seal"
	"github.com/opentrusty/tenantvault/internal/store/memory"
	"github.com/opentrusty/tenantvault/internal/store/postgres"
	"github.com/opentrusty/tenantvault/internal/store/sqlite"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/opentrusty/tenantvault/internal/token"
	transportHTTP "github.com/opentrusty/tenantvault/internal/transport/http"
	"github.com/opentrusty/tenantvault/internal/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App holds the wired services. Close releases everything Build opened.
type App struct {
	Config      *config.Config
	Tracer      *tracing.Tracer
	Provisioner *partition.Provisioner
	Audit       *audit.Service
	Tenants     *tenant.Service
	Records     *record.Store
	Collector   *usage.Collector
	Tokens      *token.Service
	Gateway     *gateway.Gateway
	Sweeper     *retention.Sweeper
	Registry    *prometheus.Registry

	// TenantLimiter backs the per-tenant quotas; IPLimiter the per-address
	// limit in front of the router.
	TenantLimiter *gateway.RateLimiter
	IPLimiter     *gateway.RateLimiter
	Idempotency   idempotency.Store

	closers []func() error
}

// Build wires the service graph for cfg.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		tracer = tracing.Noop()
	}
	a.Tracer = tracer
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracer.Shutdown(shutdownCtx)
	})

	instruments, err := metrics.NewInstruments(metrics.New(metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName))
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	keyring, err := newKeyring(cfg)
	if err != nil {
		return nil, err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.close...)

	a.Provisioner = partition.NewProvisioner(st.backend, cfg.Storage.OperationTimeout)
	a.closers = append(a.closers, a.Provisioner.Close)

	auditOpts := []audit.Option{
		audit.WithConfig(audit.Config{
			RecentWindowSize: cfg.Audit.RecentWindowSize,
			FailureThreshold: cfg.Audit.FailureThreshold,
			FailureWindow:    cfg.Audit.FailureWindow,
			BurstThreshold:   cfg.Audit.BurstThreshold,
			BurstWindow:      cfg.Audit.BurstWindow,
		}),
		audit.WithAlertHook(func(ctx context.Context, alert *audit.SecurityAlert) {
			instruments.RecordAlert(ctx, alert.TenantID, string(alert.Severity))
		}),
	}
	if !cfg.Audit.MirrorToLog {
		auditOpts = append(auditOpts, audit.WithMirror(nil))
	}
	if cfg.NATS.Enabled {
		publisher, err := events.Connect(events.Config{
			Servers:       []string{cfg.NATS.URL},
			Name:          cfg.Observability.ServiceName,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Timeout:       cfg.NATS.Timeout,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		auditOpts = append(auditOpts, audit.WithPublisher(publisher))
		slog.Info("publishing security alerts to nats", logger.Component("events"))
	}
	a.Audit = audit.NewService(st.audit, auditOpts...)

	a.Tenants = tenant.NewService(st.tenants, a.Provisioner, a.Audit, nil)

	usageOpts := []usage.Option{usage.WithConfig(usage.Config{
		Interval:      cfg.Metrics.Interval,
		ActiveWindow:  cfg.Metrics.ActiveWindow,
		LatencyTarget: cfg.Metrics.LatencyTarget,
		AlertBudget:   cfg.Metrics.AlertBudget,
	})}
	if st.snapshots != nil {
		usageOpts = append(usageOpts, usage.WithSnapshotRepository(st.snapshots))
	}
	a.Collector = usage.NewCollector(a.Provisioner, a.Audit, a.Tenants, usageOpts...)

	a.Records = record.NewStore(a.Tenants, a.Provisioner, seal.NewSealer(keyring), a.Audit,
		record.WithObserver(a.Collector),
		record.WithRetry(uint64(cfg.Storage.RetryAttempts), cfg.Storage.RetryInterval))

	a.Sweeper = retention.NewSweeper(a.Tenants, a.Records, a.Audit, nil)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		a.Collector,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.Idempotency, err = newIdempotencyStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Idempotency.Close)

	a.TenantLimiter = gateway.NewRateLimiter()
	a.IPLimiter = gateway.NewRateLimiter()

	gwOpts := []gateway.Option{
		gateway.WithConfig(gateway.Config{
			ServiceName:    cfg.Observability.ServiceName,
			RequireToken:   cfg.Security.RequireToken,
			IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		}),
		gateway.WithTracer(tracer),
		gateway.WithInstruments(instruments),
		gateway.WithRateLimiter(a.TenantLimiter),
		gateway.WithIdempotency(a.Idempotency),
	}
	if cfg.Security.TokenSecret != "" {
		a.Tokens, err = token.NewService(cfg.Security.TokenIssuer, []byte(cfg.Security.TokenSecret), cfg.Security.TokenTTL)
		if err != nil {
			return nil, err
		}
		gwOpts = append(gwOpts, gateway.WithTokens(a.Tokens))
	}
	a.Gateway = gateway.New(a.Tenants, a.Records, a.Collector, a.Audit, a.Provisioner, gwOpts...)

	ok = true
	return a, nil
}

// Handler returns the HTTP router for the wired gateway.
func (a *App) Handler() http.Handler {
	h := transportHTTP.NewHandler(a.Gateway, a.Tenants, a.Registry)
	return transportHTTP.NewRouter(h, transportHTTP.RouterConfig{
		IPLimiter:      a.IPLimiter,
		IPRate:         a.Config.RateLimit.RequestsPerSecond,
		AdminToken:     a.Config.Security.AdminToken,
		RequestTimeout: a.Config.Server.WriteTimeout,
	})
}

// RunBackground starts the collector, retention and cleanup loops. They stop
// when ctx is cancelled.
func (a *App) RunBackground(ctx context.Context) {
	go a.Collector.Run(ctx)
	go a.TenantLimiter.RunCleanup(ctx, a.Config.RateLimit.CleanupInterval, a.Config.RateLimit.IdleTTL)
	go a.IPLimiter.RunCleanup(ctx, a.Config.RateLimit.CleanupInterval, a.Config.RateLimit.IdleTTL)

	if a.Config.Retention.Enabled {
		go a.Sweeper.Run(ctx, a.Config.Retention.Interval)
	}

	if mem, ok := a.Idempotency.(*idempotency.MemoryStore); ok {
		go func() {
			ticker := time.NewTicker(a.Config.RateLimit.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mem.Sweep()
				}
			}
		}()
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func newKeyring(cfg *config.Config) (*seal.Keyring, error) {
	master, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	if len(master) == 0 {
		slog.Warn("MASTER_KEY not set; sealed data will not survive a restart",
			logger.Component("seal"))
		if master, err = seal.GenerateMasterKey(); err != nil {
			return nil, err
		}
	}
	return seal.NewKeyring(master)
}

type storeSet struct {
	backend   partition.Backend
	tenants   tenant.Repository
	audit     audit.Repository
	snapshots usage.SnapshotRepository
	close     []func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*storeSet, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		v, err := db.Version(ctx)
		if err == nil && v == 0 {
			err = errors.New("no migrations applied")
		}
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("registry schema missing, run migrate first: %w", err)
		}
		slog.Info("connected to database", logger.Component("postgres"))
		return &storeSet{
			backend:   postgres.NewSchemaBackend(db, int32(cfg.Storage.PartitionConns)),
			tenants:   postgres.NewTenantRepository(db),
			audit:     postgres.NewAuditRepository(db),
			snapshots: postgres.NewSnapshotRepository(db),
			close:     []func() error{func() error { db.Close(); return nil }},
		}, nil

	case config.BackendSQLite:
		backend, err := partition.NewSQLiteBackend(cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		db, err := sqlite.Open(ctx, cfg.Storage.DataDir)
		if err != nil {
			return nil, err
		}
		slog.Info("opened registry", logger.Component("sqlite"),
			slog.String("path", filepath.Join(cfg.Storage.DataDir, sqlite.RegistryFile)))
		return &storeSet{
			backend:   backend,
			tenants:   sqlite.NewTenantRepository(db),
			audit:     sqlite.NewAuditRepository(db),
			snapshots: sqlite.NewSnapshotRepository(db),
			close:     []func() error{db.Close},
		}, nil

	default:
		return &storeSet{
			backend:   partition.NewMemoryBackend(),
			tenants:   memory.NewTenantRepository(),
			audit:     memory.NewAuditRepository(),
			snapshots: memory.NewSnapshotRepository(),
		}, nil
	}
}

// OpenDB connects to the configured PostgreSQL registry.
func OpenDB(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	return postgres.New(ctx, postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func newIdempotencyStore(ctx context.Context, cfg *config.Config) (idempotency.Store, error) {
	if !cfg.Redis.Enabled {
		return idempotency.NewMemoryStore(nil), nil
	}
	s, err := idempotency.NewRedisStore(ctx, idempotency.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("idempotency keys stored in redis", logger.Component("idempotency"))
	return s, nil
}
