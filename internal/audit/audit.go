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

package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Action is what an audited access did.
type Action string

const (
	ActionCreate            Action = "create"
	ActionRead              Action = "read"
	ActionUpdate            Action = "update"
	ActionDelete            Action = "delete"
	ActionAdmin             Action = "admin_action"
	ActionSecurityAlert     Action = "security_alert"
	ActionComplianceRequest Action = "compliance_request"
)

// Entry is one append-only access log record.
type Entry struct {
	ID        string         `json:"log_id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id"`
	Action    Action         `json:"action"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Origin    string         `json:"origin,omitempty"`
	Success   bool           `json:"success"`
	RiskScore float64        `json:"risk_score"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger defines the interface for audit logging. Implementations never
// fail the caller.
type Logger interface {
	Log(ctx context.Context, entry Entry)
}

// SlogLogger mirrors entries to the structured log.
type SlogLogger struct{}

// NewSlogLogger creates a new audit logger
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit entry
func (l *SlogLogger) Log(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("log_id", entry.ID),
		slog.String("action", string(entry.Action)),
		slog.String("tenant_id", entry.TenantID),
		slog.String("actor_id", entry.ActorID),
		slog.String("resource", entry.Resource),
		slog.Bool("success", entry.Success),
		slog.Float64("risk_score", entry.RiskScore),
		slog.Time("timestamp", entry.Timestamp),
	}

	if entry.Origin != "" {
		attrs = append(attrs, slog.String("origin", entry.Origin))
	}
	if entry.Reason != "" {
		attrs = append(attrs, slog.String("reason", entry.Reason))
	}

	if len(entry.Metadata) > 0 {
		attrs = append(attrs, slog.Group("metadata", redact(entry.Metadata)...))
	}

	level := slog.LevelInfo
	if entry.RiskScore >= HighRisk {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

func redact(metadata map[string]any) []any {
	group := make([]any, 0, len(metadata))
	for k, v := range metadata {
		if isSecret(k) {
			v = "[REDACTED]"
		}
		group = append(group, slog.Any(k, v))
	}
	return group
}

var secretMarkers = []string{"password", "secret", "token", "key", "authorization", "hash", "credential"}

// isSecret checks if a key likely contains a secret
func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretMarkers {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
