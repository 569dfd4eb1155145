package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstruments_DisabledMeterIsNoop(t *testing.T) {
	inst, err := NewInstruments(New(Config{Enabled: false}, "tenantvault"))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		inst.RecordOperation(context.Background(), "t1", "store", true, 1.5)
		inst.RecordRejection(context.Background(), "t1", "RateLimited")
		inst.RecordAlert(context.Background(), "t1", "high")
	})
}

func TestInstruments_NilSafe(t *testing.T) {
	var inst *Instruments
	assert.NotPanics(t, func() {
		inst.RecordOperation(context.Background(), "t1", "store", false, 0)
	})
}
