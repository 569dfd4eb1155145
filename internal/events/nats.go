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

// Package events publishes security alerts on the NATS side channel.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opentrusty/tenantvault/internal/audit"
)

// Config configures the NATS connection.
type Config struct {
	Servers       []string
	Name          string
	SubjectPrefix string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher publishes alerts to `<prefix>.alerts.<tenant>.<severity>`.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// Connect dials NATS and returns a publisher.
func Connect(cfg Config) (*NATSPublisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSPublisher(nc, cfg.SubjectPrefix), nil
}

// NewNATSPublisher wraps an established connection.
func NewNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "tenantvault"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an alert is published on.
func (p *NATSPublisher) Subject(alert *audit.SecurityAlert) string {
	return fmt.Sprintf("%s.alerts.%s.%s", p.prefix, subjectToken(alert.TenantID), alert.Severity)
}

// PublishAlert implements audit.AlertPublisher.
func (p *NATSPublisher) PublishAlert(ctx context.Context, alert *audit.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	msg := nats.NewMsg(p.Subject(alert))
	msg.Data = data
	msg.Header.Add("Nats-Msg-Id", alert.ID)
	msg.Header.Add("Tenant-Id", alert.TenantID)
	msg.Header.Add("Severity", string(alert.Severity))
	msg.Header.Add("Pattern", string(alert.Pattern))

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// subjectToken replaces characters NATS treats as subject separators or
// wildcards.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
