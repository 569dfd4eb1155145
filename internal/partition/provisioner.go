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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
)

// Provisioner creates and owns tenant partition handles.
type Provisioner struct {
	backend Backend
	timeout time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewProvisioner creates a provisioner over backend. Every partition call is
// bounded by operationTimeout when it is positive.
func NewProvisioner(backend Backend, operationTimeout time.Duration) *Provisioner {
	return &Provisioner{
		backend: backend,
		timeout: operationTimeout,
		handles: make(map[string]*Handle),
	}
}

// Backend returns the backend name.
func (p *Provisioner) Backend() string {
	return p.backend.Name()
}

// Provision creates the tenant partition if it does not exist yet and returns
// its handle. Calling it again for the same tenant returns the same handle.
func (p *Provisioner) Provision(ctx context.Context, tenantID string) (*Handle, error) {
	if tenantID == "" {
		return nil, ErrMissingTenantID
	}

	p.mu.RLock()
	h, ok := p.handles[tenantID]
	p.mu.RUnlock()
	if ok {
		return h, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[tenantID]; ok {
		return h, nil
	}

	openCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	part, err := p.backend.Open(openCtx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open partition for %s: %v", ErrStorageUnavailable, tenantID, err)
	}

	h = newHandle(tenantID, part, p.timeout)
	p.handles[tenantID] = h

	slog.InfoContext(ctx, "partition provisioned",
		logger.TenantID(tenantID),
		slog.String("partition", h.Name()),
		slog.String("backend", p.backend.Name()),
	)
	return h, nil
}

// Create provisions a partition for a newly registered tenant. It fails with
// ErrPartitionExists when the tenant already has storage, open or on disk,
// so a reused id never adopts rows left by an earlier registration.
func (p *Provisioner) Create(ctx context.Context, tenantID string) (*Handle, error) {
	if tenantID == "" {
		return nil, ErrMissingTenantID
	}

	p.mu.RLock()
	_, open := p.handles[tenantID]
	p.mu.RUnlock()
	if open {
		return nil, fmt.Errorf("%w: %s", ErrPartitionExists, Name(tenantID))
	}

	exists, err := p.backend.Exists(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrPartitionExists, Name(tenantID))
	}
	return p.Provision(ctx, tenantID)
}

// Handle returns the tenant's handle, re-materializing the partition when
// the process has not opened it yet.
func (p *Provisioner) Handle(ctx context.Context, tenantID string) (*Handle, error) {
	return p.Provision(ctx, tenantID)
}

// Release closes the tenant's handle and removes its partition storage.
func (p *Provisioner) Release(ctx context.Context, tenantID string) error {
	p.mu.Lock()
	h, ok := p.handles[tenantID]
	delete(p.handles, tenantID)
	p.mu.Unlock()

	var result *multierror.Error
	if ok {
		if err := h.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close partition: %w", err))
		}
	}
	if err := p.backend.Drop(ctx, tenantID); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to drop partition: %w", err))
	}

	slog.InfoContext(ctx, "partition released", logger.TenantID(tenantID))
	return result.ErrorOrNil()
}

// Close closes every open handle.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result *multierror.Error
	for id, h := range p.handles {
		if err := h.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("tenant %s: %w", id, err))
		}
		delete(p.handles, id)
	}
	return result.ErrorOrNil()
}

// Count returns the number of open partitions.
func (p *Provisioner) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// Usage reports the tenant's partition usage.
func (p *Provisioner) Usage(ctx context.Context, tenantID string) (Usage, error) {
	h, err := p.Handle(ctx, tenantID)
	if err != nil {
		return Usage{}, err
	}
	return h.Usage(ctx)
}
