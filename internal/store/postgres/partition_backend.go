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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opentrusty/tenantvault/internal/partition"
)

// records is created unqualified so it lands in the pool's search_path.
const partitionSchema = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	module         TEXT NOT NULL,
	data_type      TEXT NOT NULL,
	classification TEXT NOT NULL,
	payload        BYTEA NOT NULL,
	encrypted      BOOLEAN NOT NULL DEFAULT FALSE,
	checksum       TEXT NOT NULL,
	created_by     TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_module_type ON records (module, data_type, created_at);
`

var recordColumns = []string{
	"id", "tenant_id", "module", "data_type", "classification",
	"payload", "encrypted", "checksum", "created_by", "created_at", "updated_at",
}

// SchemaBackend stores each tenant in its own schema, reached through a
// dedicated pool whose search_path is pinned to that schema.
type SchemaBackend struct {
	db         *DB
	connString string
	maxConns   int32
}

// NewSchemaBackend creates a backend on db. maxConns bounds each tenant pool.
func NewSchemaBackend(db *DB, maxConns int32) *SchemaBackend {
	if maxConns <= 0 {
		maxConns = 4
	}
	return &SchemaBackend{db: db, connString: db.cfg.ConnString(), maxConns: maxConns}
}

func (b *SchemaBackend) Name() string { return "postgres" }

func (b *SchemaBackend) Open(ctx context.Context, tenantID string) (partition.Partition, error) {
	schema := partition.Name(tenantID)
	ident := pgx.Identifier{schema}.Sanitize()

	if _, err := b.db.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
		return nil, classify(fmt.Errorf("failed to create schema %s: %w", schema, err))
	}

	cfg, err := pgxpool.ParseConfig(b.connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = b.maxConns
	cfg.MinConns = 0
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for %s: %w", schema, err)
	}
	if _, err := pool.Exec(ctx, partitionSchema); err != nil {
		pool.Close()
		return nil, classify(fmt.Errorf("failed to create partition schema: %w", err))
	}

	return &schemaPartition{
		tenantID: tenantID,
		pool:     pool,
		sb:       sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func (b *SchemaBackend) Exists(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := b.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`,
		partition.Name(tenantID),
	).Scan(&exists)
	if err != nil {
		return false, classify(fmt.Errorf("failed to look up schema: %w", err))
	}
	return exists, nil
}

func (b *SchemaBackend) Drop(ctx context.Context, tenantID string) error {
	ident := pgx.Identifier{partition.Name(tenantID)}.Sanitize()
	if _, err := b.db.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema: %w", err)
	}
	return nil
}

type schemaPartition struct {
	tenantID string
	pool     *pgxpool.Pool
	sb       sq.StatementBuilderType
}

func (p *schemaPartition) Insert(ctx context.Context, row *partition.Row) error {
	query, args, err := p.sb.Insert("records").
		Columns(recordColumns...).
		Values(
			row.ID, row.TenantID, row.Module, row.DataType, row.Classification,
			row.Payload, row.Encrypted, row.Checksum, row.CreatedBy,
			row.CreatedAt, row.UpdatedAt,
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return partition.ErrRowExists
	}
	return nil
}

func (p *schemaPartition) Get(ctx context.Context, id string) (*partition.Row, error) {
	query, args, err := p.sb.Select(recordColumns...).From("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}
	row, err := scanRow(p.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, partition.ErrRowNotFound
		}
		return nil, classify(err)
	}
	return row, nil
}

func (p *schemaPartition) Update(ctx context.Context, row *partition.Row) error {
	query, args, err := p.sb.Update("records").
		SetMap(map[string]any{
			"classification": row.Classification,
			"payload":        row.Payload,
			"encrypted":      row.Encrypted,
			"checksum":       row.Checksum,
			"updated_at":     row.UpdatedAt,
		}).
		Where(sq.Eq{"id": row.ID, "tenant_id": row.TenantID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	return p.execOne(ctx, query, args)
}

func (p *schemaPartition) Delete(ctx context.Context, id string) error {
	query, args, err := p.sb.Delete("records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	return p.execOne(ctx, query, args)
}

func (p *schemaPartition) execOne(ctx context.Context, query string, args []any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return partition.ErrRowNotFound
	}
	return nil
}

func (p *schemaPartition) Query(ctx context.Context, q partition.Query) ([]*partition.Row, error) {
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
		b = b.Where(sq.GtOrEq{"created_at": q.Since})
	}
	if !q.Until.IsZero() {
		b = b.Where(sq.Lt{"created_at": q.Until})
	}
	b = b.OrderBy("created_at ASC", "id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (*partition.Row, error) {
		return scanRow(r)
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (p *schemaPartition) Usage(ctx context.Context) (partition.Usage, error) {
	var u partition.Usage
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(OCTET_LENGTH(payload)), 0), COUNT(*) FROM records`,
	).Scan(&u.Bytes, &u.Rows)
	if err != nil {
		return partition.Usage{}, classify(err)
	}
	return u, nil
}

func (p *schemaPartition) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := p.sb.Delete("records").Where(sq.Lt{"created_at": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func (p *schemaPartition) Close() error {
	p.pool.Close()
	return nil
}

func scanRow(row pgx.Row) (*partition.Row, error) {
	var r partition.Row
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Module, &r.DataType, &r.Classification,
		&r.Payload, &r.Encrypted, &r.Checksum, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// classify maps connection loss, timeouts and resource exhaustion to
// partition.ErrStorageUnavailable so callers can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	switch {
	case pgconn.Timeout(err), pgconn.SafeToRetry(err):
	case errors.As(err, &pgErr) &&
		(strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P")):
	default:
		return err
	}
	return fmt.Errorf("%w: %v", partition.ErrStorageUnavailable, err)
}
