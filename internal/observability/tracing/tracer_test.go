package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartTenantSpan_TagsTenant(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tr := &Tracer{tracer: provider.Tracer("test"), provider: provider}

	_, span := tr.StartTenantSpan(context.Background(), "gateway.store", "T1", "alice", "")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "gateway.store", spans[0].Name)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "T1", attrs["tenant.id"])
	assert.Equal(t, "alice", attrs["actor.id"])
	assert.NotContains(t, attrs, attribute.Key("tenant.module"))
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tr, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	_, span := tr.StartTenantSpan(context.Background(), "op", "T1", "", "")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}
