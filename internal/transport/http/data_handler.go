package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/tenantvault/internal/record"
)

var errBadBody = fmt.Errorf("%w: request body must be a JSON object", record.ErrInvalidRecord)

// recordBody accepts either {"payload": {...}, "classification": "..."} or a
// bare JSON object, which is stored as the payload with the default
// classification.
type recordBody struct {
	ID             string
	Classification record.Classification
	Payload        map[string]any
}

func parseRecordBody(w http.ResponseWriter, r *http.Request) (recordBody, error) {
	var raw map[string]any
	if err := decodeJSON(w, r, &raw); err != nil || raw == nil {
		return recordBody{}, errBadBody
	}

	payload, wrapped := raw["payload"].(map[string]any)
	if !wrapped {
		return recordBody{Payload: raw}, nil
	}

	body := recordBody{Payload: payload}
	if c, ok := raw["classification"].(string); ok {
		body.Classification = record.Classification(c)
	}
	if id, ok := raw["record_id"].(string); ok {
		body.ID = id
	}
	return body, nil
}

// StoreRecord stores a record in the caller's tenant partition
// @Summary Store Record
// @Tags Data
// @Accept json
// @Produce json
// @Param X-Tenant-ID header string true "Tenant ID"
// @Param Idempotency-Key header string false "Replay-safe store key"
// @Success 201 {object} gateway.Receipt
// @Router /data/{module}/{data_type} [post]
func (h *Handler) StoreRecord(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	req := gatewayRequest(r, "", module)

	body, err := parseRecordBody(w, r)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	receipt, err := h.gateway.Store(r.Context(), req, record.StoreInput{
		ID:             body.ID,
		Module:         module,
		DataType:       chi.URLParam(r, "dataType"),
		Classification: body.Classification,
		Payload:        body.Payload,
	}, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		respondErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if receipt.Status == "replayed" {
		status = http.StatusOK
	}
	respondJSON(w, status, receipt)
}

// retrieveResponse is the listing returned by RetrieveRecords.
type retrieveResponse struct {
	TenantID string           `json:"tenant_id"`
	Module   string           `json:"module"`
	DataType string           `json:"data_type"`
	Count    int              `json:"count"`
	Data     []*record.Record `json:"data"`
}

// reserved query parameters; every other key filters on a payload field.
var reservedParams = map[string]bool{"created_by": true, "since": true, "until": true, "limit": true}

func parseQuery(r *http.Request, module, dataType string) (record.Query, error) {
	q := record.Query{Module: module, DataType: dataType}
	values := r.URL.Query()

	q.CreatedBy = values.Get("created_by")
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		if v := values.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, fmt.Errorf("%w: %s must be RFC 3339", record.ErrInvalidRecord, p.name)
			}
			*p.dst = t
		}
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: limit must be a non-negative integer", record.ErrInvalidRecord)
		}
		q.Limit = n
	}

	for key := range values {
		if reservedParams[key] {
			continue
		}
		if q.Fields == nil {
			q.Fields = make(map[string]string)
		}
		q.Fields[key] = values.Get(key)
	}
	return q, nil
}

// RetrieveRecords lists the caller's records of one module and data type
// @Summary Retrieve Records
// @Tags Data
// @Produce json
// @Param X-Tenant-ID header string true "Tenant ID"
// @Success 200 {object} retrieveResponse
// @Router /data/{module}/{data_type} [get]
func (h *Handler) RetrieveRecords(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	dataType := chi.URLParam(r, "dataType")
	req := gatewayRequest(r, "", module)

	q, err := parseQuery(r, module, dataType)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	recs, err := h.gateway.Retrieve(r.Context(), req, q)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []*record.Record{}
	}

	respondJSON(w, http.StatusOK, retrieveResponse{
		TenantID: req.TenantID,
		Module:   module,
		DataType: dataType,
		Count:    len(recs),
		Data:     recs,
	})
}

func recordKey(r *http.Request) record.Key {
	return record.Key{
		Module:   chi.URLParam(r, "module"),
		DataType: chi.URLParam(r, "dataType"),
		ID:       chi.URLParam(r, "recordID"),
	}
}

// GetRecord returns one record
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)
	req := gatewayRequest(r, "", key.Module)

	rec, err := h.gateway.Get(r.Context(), req, key)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// UpdateRecord replaces a record's payload
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)
	req := gatewayRequest(r, "", key.Module)

	body, err := parseRecordBody(w, r)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if body.ID != "" && body.ID != key.ID {
		respondErr(w, r, fmt.Errorf("%w: record_id does not match path", record.ErrInvalidRecord))
		return
	}

	rec, err := h.gateway.Update(r.Context(), req, key, record.UpdateInput{
		Classification: body.Classification,
		Payload:        body.Payload,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// DeleteRecord removes a record
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	key := recordKey(r)
	req := gatewayRequest(r, "", key.Module)

	if err := h.gateway.Delete(r.Context(), req, key); err != nil {
		respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
