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

package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/seal"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/opentrusty/tenantvault/internal/usage"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000

	DefaultRetryAttempts = 3
	DefaultRetryInterval = 50 * time.Millisecond
)

// TenantSource resolves active tenants.
type TenantSource interface {
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Partitions hands out tenant partition handles.
type Partitions interface {
	Handle(ctx context.Context, tenantID string) (*partition.Handle, error)
}

// Observer receives completed operations.
type Observer interface {
	Observe(ev usage.Event)
}

// Store is the record store.
type Store struct {
	tenants     TenantSource
	partitions  Partitions
	sealer      *seal.Sealer
	auditLogger audit.Logger
	observer    Observer
	clock       clock.Clock

	retryAttempts uint64
	retryInterval time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithObserver reports every call to the metrics collector.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithRetry sets how often a call failing with
// partition.ErrStorageUnavailable is retried, and the first backoff
// interval. Zero attempts disables retries.
func WithRetry(attempts uint64, interval time.Duration) Option {
	return func(s *Store) {
		s.retryAttempts = attempts
		if interval > 0 {
			s.retryInterval = interval
		}
	}
}

// NewStore creates a record store.
func NewStore(tenants TenantSource, partitions Partitions, sealer *seal.Sealer, auditLogger audit.Logger, opts ...Option) *Store {
	s := &Store{
		tenants:     tenants,
		partitions:  partitions,
		sealer:      sealer,
		auditLogger: auditLogger,
		clock:       clock.New(),

		retryAttempts: DefaultRetryAttempts,
		retryInterval: DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// call carries what is audited about one store operation.
type call struct {
	tenantID string
	actor    string
	action   audit.Action
	resource string
	start    time.Time
	metadata map[string]any
}

func (s *Store) begin(tenantID, actor string, action audit.Action, resource string) *call {
	return &call{
		tenantID: tenantID,
		actor:    actor,
		action:   action,
		resource: resource,
		start:    s.clock.Now(),
		metadata: map[string]any{},
	}
}

// finish writes exactly one audit entry for the call and notifies the
// metrics collector.
func (s *Store) finish(ctx context.Context, c *call, err error) {
	latency := s.clock.Since(c.start)

	entry := audit.Entry{
		TenantID: c.tenantID,
		ActorID:  c.actor,
		Action:   c.action,
		Resource: c.resource,
		Success:  err == nil,
		Metadata: c.metadata,
	}
	if err != nil {
		entry.Reason = Kind(err)
		entry.RiskScore = risk(err)
		c.metadata["error"] = err.Error()

		level := slog.LevelWarn
		if entry.RiskScore >= audit.HighRisk {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "record operation failed",
			logger.Component("record"),
			logger.TenantID(c.tenantID),
			logger.ActorID(c.actor),
			logger.Action(string(c.action)),
			logger.ErrorKind(entry.Reason),
			logger.Error(err),
		)
	}
	c.metadata["latency_ms"] = latency.Milliseconds()
	s.auditLogger.Log(ctx, entry)

	if s.observer != nil && c.actor != audit.SystemActor {
		s.observer.Observe(usage.Event{
			TenantID:  c.tenantID,
			ActorID:   c.actor,
			Operation: string(c.action),
			Success:   err == nil,
			Latency:   latency,
			At:        s.clock.Now(),
		})
	}
}

// retry runs fn until it succeeds, fails with anything other than
// partition.ErrStorageUnavailable, or runs out of attempts. All attempts
// belong to the one audited call c.
func (s *Store) retry(ctx context.Context, c *call, fn func(attempt int) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(attempt)
		if err != nil && !errors.Is(err, partition.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, s.retryAttempts), ctx), func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "storage unavailable, retrying",
			logger.Component("record"),
			logger.TenantID(c.tenantID),
			logger.Operation(string(c.action)),
			slog.Int("attempt", attempt),
			logger.Duration(wait),
		)
	})
	if attempt > 1 {
		c.metadata["attempts"] = attempt
	}
	return err
}

func (s *Store) open(ctx context.Context, tenantID string) (*tenant.Tenant, *partition.Handle, error) {
	t, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.partitions.Handle(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return t, h, nil
}

// Store persists a record in the tenant's partition. Replaying a store with
// the same record id and identical payload returns the stored record.
func (s *Store) Store(ctx context.Context, tenantID, actor string, in StoreInput) (*Record, error) {
	c := s.begin(tenantID, actor, audit.ActionCreate, in.Module+"/"+in.DataType)
	rec, err := s.store(ctx, tenantID, actor, &in, c)
	s.finish(ctx, c, err)
	return rec, err
}

func (s *Store) store(ctx context.Context, tenantID, actor string, in *StoreInput, c *call) (*Record, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	t, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidRecord, err)
	}
	checksum, err := s.sealer.Checksum(tenantID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum payload: %w", err)
	}

	// The id is fixed before the first attempt. An attempt that timed out
	// may still commit, so later attempts look for the row first.
	clientID := in.ID != ""
	id := in.ID
	if !clientID {
		id = newID()
	}
	c.resource = in.Module + "/" + in.DataType + "/" + id
	c.metadata["record_id"] = id
	c.metadata["classification"] = string(in.Classification)

	now := s.clock.Now().UTC()
	row := &partition.Row{
		ID:             id,
		TenantID:       tenantID,
		Module:         in.Module,
		DataType:       in.DataType,
		Classification: string(in.Classification),
		Checksum:       checksum,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.sealRow(t, row, plaintext); err != nil {
		return nil, err
	}

	var existing *partition.Row
	err = s.retry(ctx, c, func(attempt int) error {
		existing = nil
		h, err := s.partitions.Handle(ctx, tenantID)
		if err != nil {
			return err
		}
		return h.Exclusive(func() error {
			if clientID || attempt > 1 {
				found, err := h.Get(ctx, id)
				if err == nil {
					existing = found
					return nil
				}
				if !errors.Is(err, partition.ErrRowNotFound) {
					return err
				}
			}
			if err := s.checkQuota(ctx, t, h, row.Size()); err != nil {
				return err
			}
			err := h.Insert(ctx, row)
			if errors.Is(err, partition.ErrRowExists) {
				found, gerr := h.Get(ctx, id)
				if gerr != nil {
					return fmt.Errorf("%w: %s", ErrRecordConflict, id)
				}
				existing = found
				return nil
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Checksum != checksum ||
			existing.Module != in.Module ||
			existing.DataType != in.DataType ||
			existing.Classification != string(in.Classification) {
			return nil, fmt.Errorf("%w: %s", ErrRecordConflict, id)
		}
		if clientID {
			c.metadata["replayed"] = true
		}
		return s.decode(tenantID, existing)
	}

	return &Record{
		ID:             id,
		TenantID:       tenantID,
		Module:         in.Module,
		DataType:       in.DataType,
		Classification: in.Classification,
		Payload:        in.Payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatedBy:      actor,
		Encrypted:      row.Encrypted,
		Checksum:       checksum,
	}, nil
}

// Checksum returns the digest a record carrying payload has in the
// tenant's partition.
func (s *Store) Checksum(tenantID string, payload map[string]any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidRecord, err)
	}
	return s.sealer.Checksum(tenantID, plaintext)
}

// checkQuota fails when adding delta bytes would exceed the tenant quota.
// The handle write lock must be held.
func (s *Store) checkQuota(ctx context.Context, t *tenant.Tenant, h *partition.Handle, delta int64) error {
	if t.MaxStorage <= 0 {
		return nil
	}
	u, err := h.Usage(ctx)
	if err != nil {
		return err
	}
	if u.Bytes+delta > int64(t.MaxStorage) {
		return fmt.Errorf("%w: %s used of %s", ErrQuotaExceeded, tenant.ByteSize(u.Bytes), t.MaxStorage)
	}
	return nil
}

// sealRow sets the stored payload, encrypting classified data.
func (s *Store) sealRow(t *tenant.Tenant, row *partition.Row, plaintext []byte) error {
	if !Classification(row.Classification).Sealed() {
		row.Payload = plaintext
		row.Encrypted = false
		return nil
	}
	env, err := s.sealer.Seal(t.ID, row.ID, seal.Level(t.EncryptionLevel), plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal payload: %w", err)
	}
	row.Payload = env
	row.Encrypted = true
	return nil
}

// decode opens and verifies a stored row.
func (s *Store) decode(tenantID string, row *partition.Row) (*Record, error) {
	plaintext := row.Payload
	if row.Encrypted {
		var err error
		plaintext, err = s.sealer.Open(tenantID, row.ID, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", ErrIntegrityViolation, row.ID, err)
		}
	}
	if !s.sealer.VerifyChecksum(tenantID, plaintext, row.Checksum) {
		return nil, fmt.Errorf("%w: record %s: checksum mismatch", ErrIntegrityViolation, row.ID)
	}

	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrIntegrityViolation, row.ID, err)
	}

	return &Record{
		ID:             row.ID,
		TenantID:       row.TenantID,
		Module:         row.Module,
		DataType:       row.DataType,
		Classification: Classification(row.Classification),
		Payload:        payload,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		CreatedBy:      row.CreatedBy,
		Encrypted:      row.Encrypted,
		Checksum:       row.Checksum,
	}, nil
}

// Retrieve returns the tenant's records matching q, oldest first. Every
// record is decrypted and verified; any corrupted record fails the call.
func (s *Store) Retrieve(ctx context.Context, tenantID, actor string, q Query) ([]*Record, error) {
	c := s.begin(tenantID, actor, audit.ActionRead, q.Module+"/"+q.DataType)
	var recs []*Record
	err := s.retry(ctx, c, func(int) error {
		var err error
		recs, err = s.retrieve(ctx, tenantID, q)
		return err
	})
	if err == nil {
		c.metadata["count"] = len(recs)
	}
	s.finish(ctx, c, err)
	return recs, err
}

func (s *Store) retrieve(ctx context.Context, tenantID string, q Query) ([]*Record, error) {
	_, h, err := s.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	pq := partition.Query{
		Module:    q.Module,
		DataType:  q.DataType,
		CreatedBy: q.CreatedBy,
		Since:     q.Since,
		Until:     q.Until,
	}
	// payload filters run after decryption, so the limit is applied here
	if len(q.Fields) == 0 {
		pq.Limit = limit
	}

	rows, err := h.Query(ctx, pq)
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		rec, err := s.decode(tenantID, row)
		if err != nil {
			return nil, err
		}
		if !matchFields(rec.Payload, q.Fields) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchFields(payload map[string]any, fields map[string]string) bool {
	for k, want := range fields {
		v, ok := payload[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, tenantID, actor string, key Key) (*Record, error) {
	c := s.begin(tenantID, actor, audit.ActionRead, key.resource())
	c.metadata["record_id"] = key.ID
	var rec *Record
	err := s.retry(ctx, c, func(int) error {
		var err error
		rec, err = s.get(ctx, tenantID, key)
		return err
	})
	s.finish(ctx, c, err)
	return rec, err
}

func (s *Store) get(ctx context.Context, tenantID string, key Key) (*Record, error) {
	_, h, err := s.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	row, err := s.load(ctx, h, key)
	if err != nil {
		return nil, err
	}
	return s.decode(tenantID, row)
}

// load fetches the row behind key, treating a module or type mismatch as
// not found.
func (s *Store) load(ctx context.Context, h *partition.Handle, key Key) (*partition.Row, error) {
	row, err := h.Get(ctx, key.ID)
	if errors.Is(err, partition.ErrRowNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key.ID)
	}
	if err != nil {
		return nil, err
	}
	if row.Module != key.Module || row.DataType != key.DataType {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, key.ID)
	}
	return row, nil
}

// Update replaces a record payload. The new payload is re-checksummed,
// re-sealed and counted against the quota.
func (s *Store) Update(ctx context.Context, tenantID, actor string, key Key, in UpdateInput) (*Record, error) {
	c := s.begin(tenantID, actor, audit.ActionUpdate, key.resource())
	c.metadata["record_id"] = key.ID
	var rec *Record
	err := s.retry(ctx, c, func(int) error {
		var err error
		rec, err = s.update(ctx, tenantID, key, in)
		return err
	})
	s.finish(ctx, c, err)
	return rec, err
}

func (s *Store) update(ctx context.Context, tenantID string, key Key, in UpdateInput) (*Record, error) {
	if in.Payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidRecord)
	}
	if in.Classification != "" && !in.Classification.Valid() {
		return nil, fmt.Errorf("%w: unknown classification %q", ErrInvalidRecord, in.Classification)
	}
	t, h, err := s.open(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not serializable: %v", ErrInvalidRecord, err)
	}

	var updated *partition.Row
	err = h.Exclusive(func() error {
		row, err := s.load(ctx, h, key)
		if err != nil {
			return err
		}
		// refuse to overwrite a record that no longer verifies
		if _, err := s.decode(tenantID, row); err != nil {
			return err
		}

		oldSize := row.Size()
		if in.Classification != "" {
			row.Classification = string(in.Classification)
		}
		row.Checksum, err = s.sealer.Checksum(tenantID, plaintext)
		if err != nil {
			return fmt.Errorf("failed to checksum payload: %w", err)
		}
		row.UpdatedAt = s.clock.Now().UTC()
		if err := s.sealRow(t, row, plaintext); err != nil {
			return err
		}
		if err := s.checkQuota(ctx, t, h, row.Size()-oldSize); err != nil {
			return err
		}
		if err := h.Update(ctx, row); err != nil {
			if errors.Is(err, partition.ErrRowNotFound) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, key.ID)
			}
			return err
		}
		updated = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	rec, err := s.decode(tenantID, updated)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, tenantID, actor string, key Key) error {
	c := s.begin(tenantID, actor, audit.ActionDelete, key.resource())
	c.metadata["record_id"] = key.ID
	err := s.retry(ctx, c, func(attempt int) error {
		err := s.delete(ctx, tenantID, key)
		// an earlier attempt that timed out may have removed the row
		if attempt > 1 && errors.Is(err, ErrRecordNotFound) {
			c.metadata["removed_by_earlier_attempt"] = true
			return nil
		}
		return err
	})
	s.finish(ctx, c, err)
	return err
}

func (s *Store) delete(ctx context.Context, tenantID string, key Key) error {
	_, h, err := s.open(ctx, tenantID)
	if err != nil {
		return err
	}
	return h.Exclusive(func() error {
		if _, err := s.load(ctx, h, key); err != nil {
			return err
		}
		err := h.Delete(ctx, key.ID)
		if errors.Is(err, partition.ErrRowNotFound) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, key.ID)
		}
		return err
	})
}

// Purge deletes the tenant's records created before cutoff. It is audited
// as a compliance request of the system actor.
func (s *Store) Purge(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	c := s.begin(tenantID, audit.SystemActor, audit.ActionComplianceRequest, "records/retention")
	c.metadata["cutoff"] = cutoff.UTC().Format(time.RFC3339)

	var n int64
	err := s.retry(ctx, c, func(int) error {
		h, err := s.partitions.Handle(ctx, tenantID)
		if err != nil {
			return err
		}
		return h.Exclusive(func() error {
			purged, err := h.DeleteBefore(ctx, cutoff)
			n += purged
			return err
		})
	})
	c.metadata["purged"] = n
	s.finish(ctx, c, err)
	return n, err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
