package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListTenants(ctx context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]*tenant.Tenant), args.Error(1)
}

type mockPurger struct {
	mock.Mock
}

func (m *mockPurger) Purge(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, tenantID, cutoff)
	return int64(args.Int(0)), args.Error(1)
}

// TestPurpose: Validates that data is purged exactly at each tenant's retention boundary.
// Scope: Unit Test
// Security: Data retention compliance
// Expected: Only tenants with retention are purged, with cutoff = now - retention.
// Test Case ID: RET-01
func TestSweeper_Sweep(t *testing.T) {
	clk := clock.NewMock()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk.Set(now)
	ctx := context.Background()

	lister := new(mockLister)
	records := new(mockPurger)
	entries := new(mockPurger)

	lister.On("ListTenants", ctx, 100, 0).Return([]*tenant.Tenant{
		{ID: "keep", DataRetentionDays: 0},
		{ID: "month", DataRetentionDays: 30},
		{ID: "broken", DataRetentionDays: 7},
	}, nil)

	monthCutoff := now.Add(-30 * 24 * time.Hour)
	records.On("Purge", ctx, "month", monthCutoff).Return(4, nil)
	entries.On("Purge", ctx, "month", monthCutoff).Return(9, nil)
	records.On("Purge", ctx, "broken", now.Add(-7*24*time.Hour)).Return(0, errors.New("disk full"))

	res, err := NewSweeper(lister, records, entries, clk).Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, Result{Tenants: 1, Records: 4, Entries: 9}, res)

	records.AssertNotCalled(t, "Purge", ctx, "keep", mock.Anything)
	records.AssertExpectations(t)
	entries.AssertExpectations(t)
}

func TestSweeper_Pages(t *testing.T) {
	ctx := context.Background()
	lister := new(mockLister)

	page := make([]*tenant.Tenant, 100)
	for i := range page {
		page[i] = &tenant.Tenant{ID: "t"}
	}
	lister.On("ListTenants", ctx, 100, 0).Return(page, nil)
	lister.On("ListTenants", ctx, 100, 100).Return([]*tenant.Tenant{}, nil)

	res, err := NewSweeper(lister, new(mockPurger), new(mockPurger), nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Tenants)
	lister.AssertExpectations(t)
}
