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

package logger

import (
	"log/slog"
	"time"
)

// Common attribute keys for consistent logging across the application

// Request attributes
func RequestID(id string) slog.Attr {
	return slog.String("request_id", id)
}

func Method(method string) slog.Attr {
	return slog.String("method", method)
}

func Path(path string) slog.Attr {
	return slog.String("path", path)
}

func RemoteAddr(addr string) slog.Attr {
	return slog.String("remote_addr", addr)
}

func StatusCode(code int) slog.Attr {
	return slog.Int("status_code", code)
}

func Duration(d time.Duration) slog.Attr {
	return slog.Int64("duration_ms", d.Milliseconds())
}

// Tenant attributes
func TenantID(id string) slog.Attr {
	return slog.String("tenant_id", id)
}

func ActorID(id string) slog.Attr {
	return slog.String("actor_id", id)
}

func Tier(tier string) slog.Attr {
	return slog.String("tier", tier)
}

// Record attributes
func RecordID(id string) slog.Attr {
	return slog.String("record_id", id)
}

func Module(module string) slog.Attr {
	return slog.String("module", module)
}

func DataType(dataType string) slog.Attr {
	return slog.String("data_type", dataType)
}

func Classification(c string) slog.Attr {
	return slog.String("classification", c)
}

// Audit attributes
func Action(action string) slog.Attr {
	return slog.String("action", action)
}

func RiskScore(score float64) slog.Attr {
	return slog.Float64("risk_score", score)
}

func Severity(severity string) slog.Attr {
	return slog.String("severity", severity)
}

// Error attributes
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func ErrorKind(kind string) slog.Attr {
	return slog.String("error_kind", kind)
}

// Storage attributes
func RowsAffected(rows int64) slog.Attr {
	return slog.Int64("rows_affected", rows)
}

// Component attributes
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Operation(op string) slog.Attr {
	return slog.String("operation", op)
}
