package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/idempotency"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
	"github.com/opentrusty/tenantvault/internal/record"
)

var idempotencyNamespace = uuid.MustParse("6f1b7d3e-2b8e-5a57-9d5f-3c1c2a0e9b41")

// IdempotentID derives the record id of a store carrying an Idempotency-Key.
func IdempotentID(tenantID, key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(tenantID+"\x00"+key)).String()
}

type receiptEntry struct {
	Receipt
	Checksum string `json:"checksum"`
}

// cachedReceipt answers a replayed store from the idempotency cache. ok is
// false on a miss; cache failures are treated as misses since the record
// id alone keeps the store idempotent.
func (g *Gateway) cachedReceipt(ctx context.Context, caller *Caller, in record.StoreInput, key string) (*Receipt, bool, error) {
	if g.idempotency == nil {
		return nil, false, nil
	}
	data, err := g.idempotency.Get(ctx, caller.TenantID, key)
	if errors.Is(err, idempotency.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		slog.WarnContext(ctx, "idempotency cache unavailable",
			logger.Component("gateway"), logger.TenantID(caller.TenantID), logger.Error(err))
		return nil, false, nil
	}

	var cached receiptEntry
	if err := json.Unmarshal(data, &cached); err != nil {
		slog.WarnContext(ctx, "discarding unreadable idempotency entry",
			logger.Component("gateway"), logger.TenantID(caller.TenantID), logger.Error(err))
		return nil, false, nil
	}

	checksum, err := g.records.Checksum(caller.TenantID, in.Payload)
	if err == nil && (checksum != cached.Checksum || cached.Module != in.Module || cached.DataType != in.DataType) {
		err = fmt.Errorf("%w: idempotency key reused with a different request", record.ErrRecordConflict)
	}

	entry := audit.Entry{
		TenantID: caller.TenantID,
		ActorID:  caller.ActorID,
		Action:   audit.ActionCreate,
		Resource: in.Module + "/" + in.DataType + "/" + cached.RecordID,
		Success:  err == nil,
		Metadata: map[string]any{"record_id": cached.RecordID, "replayed": true, "stage": "idempotency"},
	}
	if err != nil {
		entry.Reason = Kind(err)
		entry.RiskScore = 0.4
	}
	g.audit.Log(ctx, entry)
	if err != nil {
		return nil, true, err
	}

	r := cached.Receipt
	r.Status = "replayed"
	r.Checksum = cached.Checksum
	return &r, true, nil
}

func (g *Gateway) cacheReceipt(ctx context.Context, caller *Caller, key string, r *Receipt) {
	if g.idempotency == nil {
		return
	}
	data, err := json.Marshal(receiptEntry{Receipt: *r, Checksum: r.Checksum})
	if err == nil {
		err = g.idempotency.Set(ctx, caller.TenantID, key, data, g.cfg.IdempotencyTTL)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to cache idempotent receipt",
			logger.Component("gateway"), logger.TenantID(caller.TenantID), logger.Error(err))
	}
}
