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
	"time"
)

// Severity of a security alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Risk returns the risk score attached to alert entries of this severity.
func (s Severity) Risk() float64 {
	switch s {
	case SeverityHigh:
		return 0.9
	case SeverityMedium:
		return 0.6
	default:
		return 0.3
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s == SeverityLow || s == SeverityMedium || s == SeverityHigh
}

// Pattern names the behaviour that raised an alert.
type Pattern string

const (
	PatternRepeatedFailure Pattern = "repeated-failure"
	PatternBurstAccess     Pattern = "burst-access"
)

// SecurityAlert is raised by risk analysis. It is a side-channel event and
// never an error returned to the caller.
type SecurityAlert struct {
	ID           string    `json:"alert_id"`
	TenantID     string    `json:"tenant_id"`
	ActorID      string    `json:"actor_id"`
	Severity     Severity  `json:"severity"`
	Pattern      Pattern   `json:"pattern"`
	Count        int       `json:"count"`
	WindowStart  time.Time `json:"window_start"`
	Timestamp    time.Time `json:"timestamp"`
	TriggerLogID string    `json:"trigger_log_id"`
}

// AlertFilter selects alerts. Zero values are ignored.
type AlertFilter struct {
	TenantID string
	Severity Severity
	Since    time.Time
	Limit    int
}

// Matches reports whether the alert passes the filter (limit excluded).
func (f AlertFilter) Matches(a *SecurityAlert) bool {
	if f.TenantID != "" && a.TenantID != f.TenantID {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AlertPublisher delivers alerts to an external side channel.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *SecurityAlert) error
}
