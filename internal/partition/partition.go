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

// Package partition owns the isolated storage unit of every tenant.
//
// A Backend opens a Partition that is bound to exactly one tenant at
// construction time (its own file, schema or map) and exposes no way to name
// another tenant. Partitions are only reachable through a Handle, which the
// Provisioner creates and owns.
package partition

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrMissingTenantID    = errors.New("tenant id is required")
	ErrRowExists          = errors.New("row already exists")
	ErrRowNotFound        = errors.New("row not found")
	ErrIsolationViolation = errors.New("tenant isolation violation")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPartitionClosed    = errors.New("partition closed")
	ErrPartitionExists    = errors.New("partition already exists")
)

// Row is the stored form of a data record. Payload holds either the
// plaintext JSON or a sealed envelope, depending on Encrypted.
type Row struct {
	ID             string
	TenantID       string
	Module         string
	DataType       string
	Classification string
	Payload        []byte
	Encrypted      bool
	Checksum       string
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Size is the number of bytes the row counts against the tenant quota.
func (r *Row) Size() int64 {
	return int64(len(r.Payload))
}

func (r *Row) clone() *Row {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}

// Query selects rows inside one partition. Zero values are ignored.
type Query struct {
	Module    string
	DataType  string
	CreatedBy string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Usage summarizes what a partition holds.
type Usage struct {
	Bytes int64 `json:"bytes"`
	Rows  int64 `json:"rows"`
}

// Partition is a tenant-bound store. Implementations must never read or
// write data belonging to any tenant other than the one they were opened for.
type Partition interface {
	Insert(ctx context.Context, row *Row) error
	Get(ctx context.Context, id string) (*Row, error)
	Update(ctx context.Context, row *Row) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, q Query) ([]*Row, error)
	Usage(ctx context.Context) (Usage, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Backend materializes partitions.
type Backend interface {
	// Name identifies the backend in logs and health output.
	Name() string
	// Open creates the tenant's partition if needed and returns it.
	Open(ctx context.Context, tenantID string) (Partition, error)
	// Drop permanently removes the tenant's partition storage.
	Drop(ctx context.Context, tenantID string) error
	// Exists reports whether storage for the tenant is already present.
	Exists(ctx context.Context, tenantID string) (bool, error)
}

// Name returns the storage name of a tenant partition. The sanitized prefix
// keeps it readable; the digest suffix keeps distinct tenant ids distinct.
func Name(tenantID string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(tenantID) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 32 {
			break
		}
	}
	sum := blake2b.Sum256([]byte(tenantID))
	return "tenant_" + b.String() + "_" + hex.EncodeToString(sum[:6])
}
