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
	"sync"
	"time"
)

// Handle is the only way to reach a tenant partition. It is bound to one
// tenant id for its whole lifetime.
type Handle struct {
	tenantID string
	name     string
	part     Partition
	timeout  time.Duration

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

func newHandle(tenantID string, part Partition, timeout time.Duration) *Handle {
	return &Handle{
		tenantID: tenantID,
		name:     Name(tenantID),
		part:     part,
		timeout:  timeout,
	}
}

// TenantID returns the owner of the partition.
func (h *Handle) TenantID() string { return h.tenantID }

// Name returns the partition storage name.
func (h *Handle) Name() string { return h.name }

// Exclusive runs fn while holding the tenant write lock. Writes of other
// tenants are not affected.
func (h *Handle) Exclusive(fn func() error) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return fn()
}

// Insert stores a new row, stamping the owner tenant id.
func (h *Handle) Insert(ctx context.Context, row *Row) error {
	if err := h.stamp(row); err != nil {
		return err
	}
	return h.run(ctx, func(ctx context.Context) error {
		return h.part.Insert(ctx, row)
	})
}

// Get loads a row by id.
func (h *Handle) Get(ctx context.Context, id string) (*Row, error) {
	var row *Row
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		row, err = h.part.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := h.verify(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Update replaces an existing row.
func (h *Handle) Update(ctx context.Context, row *Row) error {
	if err := h.stamp(row); err != nil {
		return err
	}
	return h.run(ctx, func(ctx context.Context) error {
		return h.part.Update(ctx, row)
	})
}

// Delete removes a row by id.
func (h *Handle) Delete(ctx context.Context, id string) error {
	return h.run(ctx, func(ctx context.Context) error {
		return h.part.Delete(ctx, id)
	})
}

// Query lists rows matching q, oldest first.
func (h *Handle) Query(ctx context.Context, q Query) ([]*Row, error) {
	var rows []*Row
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		rows, err = h.part.Query(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := h.verify(row); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Usage reports bytes and rows held by the partition.
func (h *Handle) Usage(ctx context.Context) (Usage, error) {
	var u Usage
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		u, err = h.part.Usage(ctx)
		return err
	})
	return u, err
}

// DeleteBefore removes rows created before cutoff.
func (h *Handle) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := h.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = h.part.DeleteBefore(ctx, cutoff)
		return err
	})
	return n, err
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.part.Close()
}

func (h *Handle) stamp(row *Row) error {
	if row.TenantID == "" {
		row.TenantID = h.tenantID
		return nil
	}
	if row.TenantID != h.tenantID {
		return fmt.Errorf("%w: row for %q written to partition of %q", ErrIsolationViolation, row.TenantID, h.tenantID)
	}
	return nil
}

func (h *Handle) verify(row *Row) error {
	if row.TenantID != h.tenantID {
		return fmt.Errorf("%w: row %s belongs to %q, partition of %q", ErrIsolationViolation, row.ID, row.TenantID, h.tenantID)
	}
	return nil
}

// run executes fn with the operation timeout. A backend that ignores the
// context is abandoned once the deadline passes.
func (h *Handle) run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrPartitionClosed
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: operation timed out after %s", ErrStorageUnavailable, h.timeout)
		}
		return ctx.Err()
	}
}
