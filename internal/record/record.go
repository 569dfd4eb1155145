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

// Package record stores classified tenant records. It is the only reader and
// writer of payloads and only ever touches partitions through a
// partition.Handle obtained for the requested tenant.
package record

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrRecordConflict     = errors.New("record id already stored with a different payload")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrIntegrityViolation = errors.New("record integrity violation")
	ErrInvalidRecord      = errors.New("invalid record")
)

// Classification is the sensitivity of a record.
type Classification string

const (
	Public       Classification = "public"
	Internal     Classification = "internal"
	Confidential Classification = "confidential"
	Restricted   Classification = "restricted"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case Public, Internal, Confidential, Restricted:
		return true
	}
	return false
}

// Sealed reports whether payloads of this classification are encrypted at
// rest.
func (c Classification) Sealed() bool {
	return c == Confidential || c == Restricted
}

// Record is a decrypted, verified data record.
type Record struct {
	ID             string         `json:"record_id"`
	TenantID       string         `json:"tenant_id"`
	Module         string         `json:"module"`
	DataType       string         `json:"data_type"`
	Classification Classification `json:"classification"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CreatedBy      string         `json:"created_by"`
	Encrypted      bool           `json:"encrypted"`
	Checksum       string         `json:"checksum"`
}

// StoreInput describes a record to store. ID is optional.
type StoreInput struct {
	ID             string
	Module         string
	DataType       string
	Classification Classification
	Payload        map[string]any
}

// UpdateInput replaces the payload, and optionally the classification.
type UpdateInput struct {
	Classification Classification
	Payload        map[string]any
}

// Query selects records of one tenant. Fields match payload values by their
// string form.
type Query struct {
	Module    string
	DataType  string
	CreatedBy string
	Since     time.Time
	Until     time.Time
	Fields    map[string]string
	Limit     int
}

// Key addresses a single record.
type Key struct {
	Module   string
	DataType string
	ID       string
}

func (k Key) resource() string {
	return k.Module + "/" + k.DataType + "/" + k.ID
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func validateName(field, v string) error {
	if !namePattern.MatchString(v) {
		return fmt.Errorf("%w: %s %q must match %s", ErrInvalidRecord, field, v, namePattern)
	}
	return nil
}

func (in *StoreInput) validate() error {
	if err := validateName("module", in.Module); err != nil {
		return err
	}
	if err := validateName("data_type", in.DataType); err != nil {
		return err
	}
	if in.Classification == "" {
		in.Classification = Internal
	}
	if !in.Classification.Valid() {
		return fmt.Errorf("%w: unknown classification %q", ErrInvalidRecord, in.Classification)
	}
	if in.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidRecord)
	}
	if len(in.ID) > 128 {
		return fmt.Errorf("%w: record id too long", ErrInvalidRecord)
	}
	return nil
}

// Kind names the failure class of err for audit reasons and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, tenant.ErrTenantNotFound):
		return "TenantNotFound"
	case errors.Is(err, ErrQuotaExceeded):
		return "QuotaExceeded"
	case errors.Is(err, ErrIntegrityViolation):
		return "IntegrityViolation"
	case errors.Is(err, partition.ErrIsolationViolation):
		return "IsolationViolation"
	case errors.Is(err, partition.ErrStorageUnavailable):
		return "StorageUnavailable"
	case errors.Is(err, ErrRecordNotFound):
		return "RecordNotFound"
	case errors.Is(err, ErrRecordConflict):
		return "RecordConflict"
	case errors.Is(err, ErrInvalidRecord):
		return "InvalidRequest"
	default:
		return "Internal"
	}
}

// risk returns the audit risk score of a failed call.
func risk(err error) float64 {
	switch Kind(err) {
	case "":
		return 0
	case "IntegrityViolation", "IsolationViolation":
		return 0.9
	case "RecordConflict":
		return 0.4
	case "TenantNotFound", "RecordNotFound":
		return 0.3
	case "QuotaExceeded", "InvalidRequest":
		return 0.2
	case "StorageUnavailable":
		return 0.1
	default:
		return 0.5
	}
}
