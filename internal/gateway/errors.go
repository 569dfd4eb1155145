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

package gateway

import (
	"errors"

	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/record"
	"github.com/opentrusty/tenantvault/internal/tenant"
)

var (
	ErrTenantContextMissing = errors.New("tenant context missing")
	ErrTenantDisabled       = errors.New("tenant is disabled")
	ErrTenantMismatch       = errors.New("caller tenant does not match request tenant")
	ErrFeatureDisabled      = errors.New("module is not enabled for tenant")
	ErrRateLimited          = errors.New("tenant rate limit exceeded")
	ErrUserLimitExceeded    = errors.New("tenant active user limit exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
)

// Kind names the failure class of err. It is used as the audit reason, the
// metric label and the "kind" field of HTTP error bodies.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTenantContextMissing):
		return "TenantContextMissing"
	case errors.Is(err, ErrTenantDisabled):
		return "TenantDisabled"
	case errors.Is(err, ErrTenantMismatch):
		return "TenantMismatch"
	case errors.Is(err, ErrFeatureDisabled):
		return "FeatureDisabled"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrUserLimitExceeded):
		return "UserLimitExceeded"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, tenant.ErrDuplicateTenant):
		return "DuplicateTenant"
	case errors.Is(err, tenant.ErrImmutableField):
		return "ImmutableFieldViolation"
	case errors.Is(err, tenant.ErrInvalidTenant):
		return "InvalidRequest"
	default:
		return record.Kind(err)
	}
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	return errors.Is(err, partition.ErrStorageUnavailable) || errors.Is(err, ErrRateLimited)
}

// rejectionRisk is the audit risk score of a gateway rejection.
func rejectionRisk(err error) float64 {
	switch Kind(err) {
	case "TenantMismatch":
		return 0.9
	case "Unauthorized":
		return 0.7
	case "TenantDisabled":
		return 0.4
	case "TenantNotFound", "FeatureDisabled", "UserLimitExceeded", "TenantContextMissing":
		return 0.3
	case "RateLimited":
		return 0.2
	default:
		return 0.5
	}
}
