package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Drain() error { return nil }

func alert() *audit.SecurityAlert {
	return &audit.SecurityAlert{
		ID:        "a-1",
		TenantID:  "acme.eu",
		ActorID:   "mallory",
		Severity:  audit.SeverityHigh,
		Pattern:   audit.PatternRepeatedFailure,
		Count:     5,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNATSPublisher_PublishAlert(t *testing.T) {
	fc := &fakeConn{}
	p := NewNATSPublisher(fc, "tv")

	require.NoError(t, p.PublishAlert(context.Background(), alert()))
	require.Len(t, fc.msgs, 1)

	msg := fc.msgs[0]
	assert.Equal(t, "tv.alerts.acme_eu.high", msg.Subject)
	assert.Equal(t, "a-1", msg.Header.Get("Nats-Msg-Id"))
	assert.Equal(t, "acme.eu", msg.Header.Get("Tenant-Id"))

	var got audit.SecurityAlert
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "mallory", got.ActorID)
	assert.Equal(t, 5, got.Count)
}

func TestNATSPublisher_Errors(t *testing.T) {
	p := NewNATSPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "")
	assert.Error(t, p.PublishAlert(context.Background(), alert()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishAlert(ctx, alert()), context.Canceled)
}

func TestConnect_RequiresServers(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)
}
