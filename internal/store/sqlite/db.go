// Package sqlite keeps the tenant registry, audit streams and usage
// snapshots in a single SQLite database next to the per-tenant partition
// files.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// RegistryFile is the registry database name inside the data directory.
const RegistryFile = "registry.db"

const registrySchema = `
CREATE TABLE IF NOT EXISTS tenants (
	tenant_id               TEXT PRIMARY KEY,
	name                    TEXT NOT NULL,
	tier                    TEXT NOT NULL,
	creation_time           INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL,
	data_retention_days     INTEGER NOT NULL DEFAULT 0,
	max_users               INTEGER NOT NULL DEFAULT 0,
	max_storage             INTEGER NOT NULL DEFAULT 0,
	enabled_features        TEXT NOT NULL DEFAULT '[]',
	compliance_requirements TEXT NOT NULL DEFAULT '[]',
	encryption_level        TEXT NOT NULL,
	backup_frequency        TEXT NOT NULL,
	rate_limit              REAL NOT NULL DEFAULT 0,
	enabled                 BOOLEAN NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tenants_creation ON tenants (creation_time, tenant_id);

CREATE TABLE IF NOT EXISTS audit_log (
	log_id     TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL DEFAULT '',
	actor_id   TEXT NOT NULL,
	action     TEXT NOT NULL,
	resource   TEXT NOT NULL DEFAULT '',
	timestamp  INTEGER NOT NULL,
	origin     TEXT NOT NULL DEFAULT '',
	success    BOOLEAN NOT NULL,
	risk_score REAL NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_log_tenant ON audit_log (tenant_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp);

CREATE TABLE IF NOT EXISTS security_alerts (
	alert_id       TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	actor_id       TEXT NOT NULL,
	severity       TEXT NOT NULL,
	pattern        TEXT NOT NULL,
	count          INTEGER NOT NULL,
	window_start   INTEGER NOT NULL,
	timestamp      INTEGER NOT NULL,
	trigger_log_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_alerts_tenant ON security_alerts (tenant_id, timestamp);

CREATE TABLE IF NOT EXISTS tenant_metrics (
	tenant_id         TEXT PRIMARY KEY,
	storage_used      INTEGER NOT NULL,
	stored_records    INTEGER NOT NULL,
	active_users      INTEGER NOT NULL,
	api_calls_today   INTEGER NOT NULL,
	last_activity     INTEGER NOT NULL DEFAULT 0,
	compliance_score  REAL NOT NULL,
	performance_score REAL NOT NULL,
	updated_at        INTEGER NOT NULL
);
`

// DB wraps the registry database.
type DB struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

// Open opens (creating if needed) the registry database in dir.
func Open(ctx context.Context, dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	path := filepath.Join(dir, RegistryFile)
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry schema: %w", err)
	}

	return &DB{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close closes the registry database.
func (d *DB) Close() error {
	return d.db.Close()
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}
