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

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance. When disabled every instrument is a no-op.
func New(cfg Config, serviceName string) *Meter {
	if !cfg.Enabled {
		return &Meter{meter: noop.NewMeterProvider().Meter(serviceName)}
	}
	// meter provider and exporters are configured globally at startup
	return &Meter{meter: otel.Meter(serviceName)}
}

// Instruments are the operation-level instruments recorded by the gateway.
type Instruments struct {
	operations metric.Int64Counter
	rejections metric.Int64Counter
	latency    metric.Float64Histogram
	alerts     metric.Int64Counter
}

// NewInstruments registers the gateway instruments on m.
func NewInstruments(m *Meter) (*Instruments, error) {
	operations, err := m.meter.Int64Counter("tenantvault.operations",
		metric.WithDescription("Dispatched tenant operations"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter tenantvault.operations: %w", err)
	}

	rejections, err := m.meter.Int64Counter("tenantvault.rejections",
		metric.WithDescription("Requests rejected at the gateway"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter tenantvault.rejections: %w", err)
	}

	latency, err := m.meter.Float64Histogram("tenantvault.operation.duration",
		metric.WithDescription("Latency of dispatched tenant operations"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram tenantvault.operation.duration: %w", err)
	}

	alerts, err := m.meter.Int64Counter("tenantvault.security_alerts",
		metric.WithDescription("Security alerts raised by risk analysis"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter tenantvault.security_alerts: %w", err)
	}

	return &Instruments{
		operations: operations,
		rejections: rejections,
		latency:    latency,
		alerts:     alerts,
	}, nil
}

// RecordOperation records one dispatched operation and its latency.
func (i *Instruments) RecordOperation(ctx context.Context, tenantID, op string, success bool, ms float64) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("operation", op),
		attribute.Bool("success", success),
	)
	i.operations.Add(ctx, 1, attrs)
	i.latency.Record(ctx, ms, attrs)
}

// RecordRejection records a gateway rejection by error kind.
func (i *Instruments) RecordRejection(ctx context.Context, tenantID, kind string) {
	if i == nil {
		return
	}
	i.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("kind", kind),
	))
}

// RecordAlert records a raised security alert.
func (i *Instruments) RecordAlert(ctx context.Context, tenantID, severity string) {
	if i == nil {
		return
	}
	i.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("severity", severity),
	))
}
