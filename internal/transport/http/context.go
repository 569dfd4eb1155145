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

package http

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/opentrusty/tenantvault/internal/gateway"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	actorIDKey  contextKey = "actor_id"
)

// Request headers.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// GetTenantID retrieves the Tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if val, ok := ctx.Value(tenantIDKey).(string); ok {
		return val
	}
	return ""
}

// GetActorID retrieves the Actor ID from context.
func GetActorID(ctx context.Context) string {
	if val, ok := ctx.Value(actorIDKey).(string); ok {
		return val
	}
	return ""
}

// gatewayRequest builds the caller context of r. Routes that name a tenant in
// the path pass it as pathTenant; the header tenant is then only a claim the
// gateway checks against it.
func gatewayRequest(r *http.Request, pathTenant, module string) gateway.Request {
	req := gateway.Request{
		TenantID: GetTenantID(r.Context()),
		ActorID:  GetActorID(r.Context()),
		Token:    bearerToken(r),
		Origin:   clientIP(r),
		Module:   module,
	}
	if pathTenant != "" {
		req.ClaimedTenant = req.TenantID
		req.TenantID = pathTenant
	}
	return req
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// clientIP extracts the caller address, preferring the first proxy hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
