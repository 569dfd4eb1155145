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
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRow(id string, created time.Time) *Row {
	return &Row{
		ID:             id,
		Module:         "finance",
		DataType:       "invoice",
		Classification: "internal",
		Payload:        []byte(`{"amount":42}`),
		Checksum:       "c",
		CreatedBy:      "alice",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

// backends runs fn against every local backend.
func backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryBackend())
	})
	t.Run("sqlite", func(t *testing.T) {
		b, err := NewSQLiteBackend(t.TempDir())
		require.NoError(t, err)
		fn(t, b)
	})
}

// TestPurpose: Validates that two tenants provisioned on the same backend never see each other's rows.
// Scope: Unit Test
// Security: Tenant data isolation (CWE-639)
// Expected: Each handle returns only its own rows; usage is counted per tenant.
// Test Case ID: PART-01
func TestProvisioner_Isolation(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := NewProvisioner(b, time.Second)
		defer p.Close()

		h1, err := p.Provision(ctx, "t1")
		require.NoError(t, err)
		h2, err := p.Provision(ctx, "t2")
		require.NoError(t, err)

		now := time.Now().UTC()
		require.NoError(t, h1.Insert(ctx, newRow("r1", now)))
		require.NoError(t, h1.Insert(ctx, newRow("r2", now.Add(time.Millisecond))))

		rows, err := h1.Query(ctx, Query{Module: "finance"})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "t1", rows[0].TenantID)
		assert.Equal(t, "r1", rows[0].ID)

		rows, err = h2.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Empty(t, rows)

		_, err = h2.Get(ctx, "r1")
		assert.ErrorIs(t, err, ErrRowNotFound)

		u, err := p.Usage(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), u.Rows)
		assert.Equal(t, int64(2*len(`{"amount":42}`)), u.Bytes)

		u, err = p.Usage(ctx, "t2")
		require.NoError(t, err)
		assert.Zero(t, u.Rows)
	})
}

// TestPurpose: Validates that a handle refuses rows stamped with another tenant id.
// Scope: Unit Test
// Security: Tenant data isolation (CWE-639)
// Expected: Insert and Update fail with ErrIsolationViolation and nothing is written.
// Test Case ID: PART-02
func TestHandle_RejectsForeignTenantRows(t *testing.T) {
	ctx := context.Background()
	p := NewProvisioner(NewMemoryBackend(), time.Second)
	h, err := p.Provision(ctx, "t1")
	require.NoError(t, err)

	row := newRow("r1", time.Now())
	row.TenantID = "t2"
	assert.ErrorIs(t, h.Insert(ctx, row), ErrIsolationViolation)
	assert.ErrorIs(t, h.Update(ctx, row), ErrIsolationViolation)

	u, err := h.Usage(ctx)
	require.NoError(t, err)
	assert.Zero(t, u.Rows)
}

func TestHandle_CRUD(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := NewProvisioner(b, time.Second)
		defer p.Close()
		h, err := p.Provision(ctx, "acme")
		require.NoError(t, err)

		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, h.Insert(ctx, newRow("r1", created)))
		assert.ErrorIs(t, h.Insert(ctx, newRow("r1", created)), ErrRowExists)

		got, err := h.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "acme", got.TenantID)
		assert.Equal(t, []byte(`{"amount":42}`), got.Payload)
		assert.True(t, got.CreatedAt.Equal(created))

		got.Payload = []byte(`{"amount":43}`)
		got.UpdatedAt = created.Add(time.Hour)
		require.NoError(t, h.Update(ctx, got))

		got, err = h.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"amount":43}`), got.Payload)

		assert.ErrorIs(t, h.Update(ctx, newRow("missing", created)), ErrRowNotFound)

		require.NoError(t, h.Delete(ctx, "r1"))
		assert.ErrorIs(t, h.Delete(ctx, "r1"), ErrRowNotFound)
	})
}

func TestHandle_QueryFiltersAndDeleteBefore(t *testing.T) {
	backends(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		p := NewProvisioner(b, time.Second)
		defer p.Close()
		h, err := p.Provision(ctx, "acme")
		require.NoError(t, err)

		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			r := newRow(fmt.Sprintf("r%d", i), base.Add(time.Duration(i)*time.Hour))
			if i%2 == 1 {
				r.CreatedBy = "bob"
			}
			require.NoError(t, h.Insert(ctx, r))
		}

		rows, err := h.Query(ctx, Query{CreatedBy: "bob"})
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		rows, err = h.Query(ctx, Query{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "r1", rows[0].ID)
		assert.Equal(t, "r2", rows[1].ID)

		rows, err = h.Query(ctx, Query{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, rows, 3)

		n, err := h.DeleteBefore(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		rows, err = h.Query(ctx, Query{})
		require.NoError(t, err)
		assert.Len(t, rows, 3)
	})
}

// TestPurpose: Validates that concurrent provisioning of the same tenant yields one handle.
// Scope: Unit Test
// Expected: All callers receive the identical handle and one partition exists.
// Test Case ID: PART-03
func TestProvisioner_ConcurrentProvisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := NewProvisioner(NewMemoryBackend(), time.Second)

	var wg sync.WaitGroup
	handles := make([]*Handle, 20)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Provision(ctx, "t1")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, p.Count())
}

func TestProvisioner_RequiresTenantID(t *testing.T) {
	p := NewProvisioner(NewMemoryBackend(), time.Second)
	_, err := p.Provision(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingTenantID)
}

// TestPurpose: Validates that creating a partition never adopts storage left behind under the same tenant id.
// Scope: Unit Test
// Security: Tenant data isolation across id reuse (CWE-672)
// Expected: Create fails with ErrPartitionExists for an open handle and for storage found on disk after a restart; the old rows survive.
// Test Case ID: PART-05
func TestProvisioner_CreateRejectsExistingStorage(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(t.TempDir())
	require.NoError(t, err)

	p := NewProvisioner(b, time.Second)
	h, err := p.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, newRow("r1", time.Now())))

	_, err = p.Create(ctx, "t1")
	assert.ErrorIs(t, err, ErrPartitionExists)
	require.NoError(t, p.Close())

	p = NewProvisioner(b, time.Second)
	defer p.Close()
	_, err = p.Create(ctx, "t1")
	assert.ErrorIs(t, err, ErrPartitionExists)
	assert.Equal(t, 0, p.Count())

	h, err = p.Handle(ctx, "t1")
	require.NoError(t, err)
	_, err = h.Get(ctx, "r1")
	assert.NoError(t, err)

	_, err = p.Create(ctx, "t2")
	assert.NoError(t, err)
}

func TestProvisioner_ReleaseDropsStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewSQLiteBackend(dir)
	require.NoError(t, err)
	p := NewProvisioner(b, time.Second)

	h, err := p.Provision(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, newRow("r1", time.Now())))

	_, err = os.Stat(b.path("t1"))
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, "t1"))
	assert.Equal(t, 0, p.Count())
	_, err = os.Stat(b.path("t1"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = h.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrPartitionClosed)
}

func TestProvisioner_ReopensAfterClose(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQLiteBackend(t.TempDir())
	require.NoError(t, err)

	p := NewProvisioner(b, time.Second)
	h, err := p.Provision(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, newRow("r1", time.Now())))
	require.NoError(t, p.Close())

	p = NewProvisioner(b, time.Second)
	defer p.Close()
	h, err = p.Handle(ctx, "t1")
	require.NoError(t, err)
	got, err := h.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
}

type slowBackend struct {
	*MemoryBackend
	delay time.Duration
}

func (b *slowBackend) Open(ctx context.Context, tenantID string) (Partition, error) {
	part, err := b.MemoryBackend.Open(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &slowPartition{Partition: part, delay: b.delay}, nil
}

type slowPartition struct {
	Partition
	delay time.Duration
}

func (p *slowPartition) Usage(ctx context.Context) (Usage, error) {
	time.Sleep(p.delay)
	return p.Partition.Usage(ctx)
}

// TestPurpose: Validates that a hung partition call surfaces as a storage error instead of blocking.
// Scope: Unit Test
// Expected: Usage on a slow partition fails with ErrStorageUnavailable within the timeout.
// Test Case ID: PART-04
func TestHandle_TimeoutSurfacesStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	b := &slowBackend{MemoryBackend: NewMemoryBackend(), delay: 500 * time.Millisecond}
	p := NewProvisioner(b, 20*time.Millisecond)

	h, err := p.Provision(ctx, "t1")
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Usage(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestName_IsDistinctAndSanitized(t *testing.T) {
	a := Name("Acme.Corp")
	b := Name("acme_corp")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^tenant_[a-z0-9_]+_[0-9a-f]{12}$`, a)
	assert.Equal(t, a, Name("Acme.Corp"))
}
