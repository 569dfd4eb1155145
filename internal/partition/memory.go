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
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps every partition in its own map. Partitions survive
// Close so a restarted handle sees the same rows, mirroring on-disk backends.
type MemoryBackend struct {
	mu    sync.Mutex
	parts map[string]*memoryPartition
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{parts: make(map[string]*memoryPartition)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Open(_ context.Context, tenantID string) (Partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.parts[tenantID]
	if !ok {
		p = &memoryPartition{tenantID: tenantID, rows: make(map[string]*Row)}
		b.parts[tenantID] = p
	}
	return p, nil
}

func (b *MemoryBackend) Exists(_ context.Context, tenantID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.parts[tenantID]
	return ok, nil
}

func (b *MemoryBackend) Drop(_ context.Context, tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.parts, tenantID)
	return nil
}

type memoryPartition struct {
	tenantID string

	mu   sync.RWMutex
	rows map[string]*Row
}

func (p *memoryPartition) Insert(_ context.Context, row *Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rows[row.ID]; ok {
		return ErrRowExists
	}
	p.rows[row.ID] = row.clone()
	return nil
}

func (p *memoryPartition) Get(_ context.Context, id string) (*Row, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	row, ok := p.rows[id]
	if !ok {
		return nil, ErrRowNotFound
	}
	return row.clone(), nil
}

func (p *memoryPartition) Update(_ context.Context, row *Row) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rows[row.ID]; !ok {
		return ErrRowNotFound
	}
	p.rows[row.ID] = row.clone()
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.rows[id]; !ok {
		return ErrRowNotFound
	}
	delete(p.rows, id)
	return nil
}

func (p *memoryPartition) Query(_ context.Context, q Query) ([]*Row, error) {
	p.mu.RLock()
	var out []*Row
	for _, row := range p.rows {
		if matches(row, q) {
			out = append(out, row.clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (p *memoryPartition) Usage(_ context.Context) (Usage, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var u Usage
	for _, row := range p.rows {
		u.Bytes += row.Size()
		u.Rows++
	}
	return u, nil
}

func (p *memoryPartition) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	for id, row := range p.rows {
		if row.CreatedAt.Before(cutoff) {
			delete(p.rows, id)
			n++
		}
	}
	return n, nil
}

func (p *memoryPartition) Close() error { return nil }

func matches(row *Row, q Query) bool {
	if q.Module != "" && row.Module != q.Module {
		return false
	}
	if q.DataType != "" && row.DataType != q.DataType {
		return false
	}
	if q.CreatedBy != "" && row.CreatedBy != q.CreatedBy {
		return false
	}
	if !q.Since.IsZero() && row.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !row.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}
