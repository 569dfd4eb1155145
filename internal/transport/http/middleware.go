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
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/observability/logger"
)

// Tenant Context Principles:
// 1. Every data route names exactly one tenant, explicitly
// 2. No tenant id is ever inferred from defaults, sessions or hostnames
// 3. A missing tenant is rejected (and audited) by the gateway, never guessed

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.DebugContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.TenantID(GetTenantID(r.Context())),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// TenantMiddleware copies the tenant and actor headers into the request
// context. It performs no validation; the gateway owns that.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tid := r.Header.Get(HeaderTenantID); tid != "" {
			ctx = context.WithValue(ctx, tenantIDKey, tid)
		}
		if actor := r.Header.Get(HeaderActorID); actor != "" {
			ctx = context.WithValue(ctx, actorIDKey, actor)
			ctx = audit.ContextWithActor(ctx, actor)
		}
		ctx = audit.ContextWithOrigin(ctx, clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware guards the tenant registry. An empty token leaves the
// registry open, which is only suitable for local development.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.WarnContext(r.Context(), "registry access denied",
					logger.Path(r.URL.Path),
					logger.RemoteAddr(clientIP(r)),
				)
				respondErrorKind(w, http.StatusUnauthorized, "admin token required", "Unauthorized", false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
