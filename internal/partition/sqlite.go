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

package partition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	module         TEXT NOT NULL,
	data_type      TEXT NOT NULL,
	classification TEXT NOT NULL,
	payload        BLOB NOT NULL,
	encrypted      BOOLEAN NOT NULL DEFAULT 0,
	checksum       TEXT NOT NULL,
	created_by     TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_module_type ON records (module, data_type, created_at);
`

var recordColumns = []string{
	"id", "tenant_id", "module", "data_type", "classification",
	"payload", "encrypted", "checksum", "created_by", "created_at", "updated_at",
}

// SQLiteBackend stores each tenant in its own database file.
type SQLiteBackend struct {
	dir string
}

// NewSQLiteBackend creates the data directory if needed.
func NewSQLiteBackend(dir string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &SQLiteBackend{dir: dir}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) path(tenantID string) string {
	return filepath.Join(b.dir, Name(tenantID)+".db")
}

func (b *SQLiteBackend) Open(ctx context.Context, tenantID string) (Partition, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", b.path(tenantID))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", Name(tenantID), err)
	}
	// single writer per file
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create partition schema: %w", err)
	}

	return &sqlitePartition{
		tenantID: tenantID,
		db:       db,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

func (b *SQLiteBackend) Exists(_ context.Context, tenantID string) (bool, error) {
	_, err := os.Stat(b.path(tenantID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat %s: %w", Name(tenantID), err)
	}
}

func (b *SQLiteBackend) Drop(_ context.Context, tenantID string) error {
	base := b.path(tenantID)
	for _, p := range []string{base, base + "-wal", base + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

type sqlRow struct {
	ID             string `db:"id"`
	TenantID       string `db:"tenant_id"`
	Module         string `db:"module"`
	DataType       string `db:"data_type"`
	Classification string `db:"classification"`
	Payload        []byte `db:"payload"`
	Encrypted      bool   `db:"encrypted"`
	Checksum       string `db:"checksum"`
	CreatedBy      string `db:"created_by"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r sqlRow) row() *Row {
	return &Row{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Module:         r.Module,
		DataType:       r.DataType,
		Classification: r.Classification,
		Payload:        r.Payload,
		Encrypted:      r.Encrypted,
		Checksum:       r.Checksum,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, r.UpdatedAt).UTC(),
	}
}

type sqlitePartition struct {
	tenantID string
	db       *sqlx.DB
	sb       sq.StatementBuilderType
}

func (p *sqlitePartition) Insert(ctx context.Context, row *Row) error {
	query, args, err := p.sb.Insert("records").
		Columns(recordColumns...).
		Values(
			row.ID, row.TenantID, row.Module, row.DataType, row.Classification,
			row.Payload, row.Encrypted, row.Checksum, row.CreatedBy,
			row.CreatedAt.UnixNano(), row.UpdatedAt.UnixNano(),
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLite(err)
	}
	if n == 0 {
		return ErrRowExists
	}
	return nil
}

func (p *sqlitePartition) Get(ctx context.Context, id string) (*Row, error) {
	query, args, err := p.sb.Select(recordColumns...).From("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	var r sqlRow
	if err := p.db.GetContext(ctx, &r, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRowNotFound
		}
		return nil, classifySQLite(err)
	}
	return r.row(), nil
}

func (p *sqlitePartition) Update(ctx context.Context, row *Row) error {
	query, args, err := p.sb.Update("records").
		SetMap(map[string]any{
			"classification": row.Classification,
			"payload":        row.Payload,
			"encrypted":      row.Encrypted,
			"checksum":       row.Checksum,
			"updated_at":     row.UpdatedAt.UnixNano(),
		}).
		Where(sq.Eq{"id": row.ID, "tenant_id": row.TenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	return p.execOne(ctx, query, args)
}

func (p *sqlitePartition) Delete(ctx context.Context, id string) error {
	query, args, err := p.sb.Delete("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	return p.execOne(ctx, query, args)
}

func (p *sqlitePartition) execOne(ctx context.Context, query string, args []any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLite(err)
	}
	if n == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (p *sqlitePartition) Query(ctx context.Context, q Query) ([]*Row, error) {
	b := p.sb.Select(recordColumns...).From("records")
	if q.Module != "" {
		b = b.Where(sq.Eq{"module": q.Module})
	}
	if q.DataType != "" {
		b = b.Where(sq.Eq{"data_type": q.DataType})
	}
	if q.CreatedBy != "" {
		b = b.Where(sq.Eq{"created_by": q.CreatedBy})
	}
	if !q.Since.IsZero() {
		b = b.Where(sq.GtOrEq{"created_at": q.Since.UnixNano()})
	}
	if !q.Until.IsZero() {
		b = b.Where(sq.Lt{"created_at": q.Until.UnixNano()})
	}
	b = b.OrderBy("created_at ASC", "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []sqlRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classifySQLite(err)
	}

	out := make([]*Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.row())
	}
	return out, nil
}

func (p *sqlitePartition) Usage(ctx context.Context) (Usage, error) {
	var u struct {
		Bytes int64 `db:"total_bytes"`
		Rows  int64 `db:"row_count"`
	}
	err := p.db.GetContext(ctx, &u,
		`SELECT COALESCE(SUM(LENGTH(payload)), 0) AS total_bytes, COUNT(*) AS row_count FROM records`)
	if err != nil {
		return Usage{}, classifySQLite(err)
	}
	return Usage{Bytes: u.Bytes, Rows: u.Rows}, nil
}

func (p *sqlitePartition) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := p.sb.Delete("records").Where(sq.Lt{"created_at": cutoff.UnixNano()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classifySQLite(err)
	}
	return res.RowsAffected()
}

func (p *sqlitePartition) Close() error {
	return p.db.Close()
}

// classifySQLite maps lock contention to ErrStorageUnavailable so callers
// can retry.
func classifySQLite(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
