package usage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/partition"
	"github.com/opentrusty/tenantvault/internal/tenant"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUsage struct {
	mock.Mock
}

func (m *mockUsage) Usage(ctx context.Context, tenantID string) (partition.Usage, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(partition.Usage), args.Error(1)
}

type fixedAlerts int

func (f fixedAlerts) AlertCount(context.Context, string, time.Time) (int, error) {
	return int(f), nil
}

type staticTenants []*tenant.Tenant

func (s staticTenants) ListTenants(_ context.Context, limit, offset int) ([]*tenant.Tenant, error) {
	if offset >= len(s) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s) {
		end = len(s)
	}
	return s[offset:end], nil
}

type recordingSnapshots struct {
	saved chan Metrics
}

func (r *recordingSnapshots) SaveSnapshot(_ context.Context, m *Metrics) error {
	select {
	case r.saved <- *m:
	default:
	}
	return nil
}

func (r *recordingSnapshots) LatestSnapshot(context.Context, string) (*Metrics, error) {
	return nil, errors.New("not implemented")
}

func newTestCollector(alerts int) (*Collector, *mockUsage, *clock.Mock) {
	u := new(mockUsage)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))
	c := NewCollector(u, fixedAlerts(alerts), nil, WithClock(clk))
	return c, u, clk
}

func TestScores(t *testing.T) {
	assert.Equal(t, 100.0, ComplianceScore(0, 10))
	assert.Equal(t, 50.0, ComplianceScore(5, 10))
	assert.Equal(t, 0.0, ComplianceScore(30, 10))

	assert.Equal(t, 100.0, PerformanceScore(0, 200*time.Millisecond))
	assert.Equal(t, 100.0, PerformanceScore(100*time.Millisecond, 200*time.Millisecond))
	assert.Equal(t, 50.0, PerformanceScore(400*time.Millisecond, 200*time.Millisecond))
}

// TestPurpose: Validates that observed operations converge into the tenant snapshot on read.
// Scope: Unit Test
// Expected: API calls, active users, last activity and scores reflect the observed events.
// Test Case ID: MET-01
func TestCollector_GetMetrics(t *testing.T) {
	c, u, clk := newTestCollector(5)
	ctx := context.Background()
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{Bytes: 2048, Rows: 3}, nil)

	c.Observe(Event{TenantID: "t1", ActorID: "alice", Latency: 400 * time.Millisecond, Success: true})
	clk.Add(time.Second)
	c.Observe(Event{TenantID: "t1", ActorID: "bob", Latency: 400 * time.Millisecond, Success: true})
	c.Observe(Event{TenantID: "t2", ActorID: "carol"})

	m, err := c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2048), m.StorageUsed)
	assert.Equal(t, int64(3), m.StoredRecords)
	assert.Equal(t, int64(2), m.APICallsToday)
	assert.Equal(t, 2, m.ActiveUsers)
	assert.Equal(t, clk.Now(), m.LastActivity)
	assert.Equal(t, 50.0, m.ComplianceScore)
	assert.Equal(t, 50.0, m.PerformanceScore)
}

func TestCollector_GetMetrics_CachesWithinInterval(t *testing.T) {
	c, u, clk := newTestCollector(0)
	ctx := context.Background()
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{Bytes: 1, Rows: 1}, nil)

	_, err := c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	_, err = c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	u.AssertNumberOfCalls(t, "Usage", 1)

	clk.Add(2 * time.Minute)
	_, err = c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	u.AssertNumberOfCalls(t, "Usage", 2)
}

func TestCollector_DailyCounterResets(t *testing.T) {
	c, u, clk := newTestCollector(0)
	ctx := context.Background()
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{}, nil)

	clk.Set(time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC))
	c.Observe(Event{TenantID: "t1", ActorID: "alice"})
	c.Observe(Event{TenantID: "t1", ActorID: "alice"})

	m, err := c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.APICallsToday)

	clk.Add(2 * time.Minute)
	c.Observe(Event{TenantID: "t1", ActorID: "alice"})
	m, err = c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.APICallsToday)
}

func TestCollector_ActiveUsersWindow(t *testing.T) {
	c, _, clk := newTestCollector(0)

	c.Observe(Event{TenantID: "t1", ActorID: "alice"})
	assert.True(t, c.IsActive("t1", "alice"))
	assert.False(t, c.IsActive("t1", "bob"))
	assert.Equal(t, 1, c.ActiveUsers("t1"))

	clk.Add(time.Hour)
	assert.False(t, c.IsActive("t1", "alice"))
	assert.Equal(t, 0, c.ActiveUsers("t1"))
}

func TestCollector_ObserveFallsBackWhenBufferFull(t *testing.T) {
	u := new(mockUsage)
	c := NewCollector(u, nil, nil, WithConfig(Config{BufferSize: 1}))

	for i := 0; i < 10; i++ {
		c.Observe(Event{TenantID: "t1", ActorID: "alice"})
	}
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{}, nil)
	m, err := c.GetMetrics(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.APICallsToday)
}

func TestCollector_UpdateMetrics(t *testing.T) {
	c, u, _ := newTestCollector(0)
	ctx := context.Background()
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{Bytes: 10}, nil)

	score := 42.0
	m, err := c.UpdateMetrics(ctx, "t1", MetricsUpdate{ComplianceScore: &score})
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.ComplianceScore)
	assert.Equal(t, int64(10), m.StorageUsed)

	m, err = c.GetMetrics(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, m.ComplianceScore)
}

func TestCollector_UsageErrorPropagates(t *testing.T) {
	c, u, _ := newTestCollector(0)
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{}, partition.ErrStorageUnavailable)

	_, err := c.GetMetrics(context.Background(), "t1")
	assert.ErrorIs(t, err, partition.ErrStorageUnavailable)
}

// TestPurpose: Validates that the background loop collects every enabled tenant and stops on cancellation.
// Scope: Unit Test
// Expected: A snapshot is persisted after one tick; Run returns when the context is cancelled.
// Test Case ID: MET-02
func TestCollector_Run(t *testing.T) {
	u := new(mockUsage)
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{Bytes: 7}, nil)
	clk := clock.NewMock()
	snaps := &recordingSnapshots{saved: make(chan Metrics, 1)}
	tenants := staticTenants{{ID: "t1", Enabled: true}, {ID: "off", Enabled: false}}

	c := NewCollector(u, nil, tenants, WithClock(clk), WithSnapshotRepository(snaps),
		WithConfig(Config{Interval: time.Minute}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// wait for the ticker to be registered before advancing the clock
	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Minute)

	select {
	case m := <-snaps.saved:
		assert.Equal(t, "t1", m.TenantID)
		assert.Equal(t, int64(7), m.StorageUsed)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot collected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	u.AssertNotCalled(t, "Usage", mock.Anything, "off")
}

func TestCollector_PrometheusExport(t *testing.T) {
	c, u, _ := newTestCollector(0)
	u.On("Usage", mock.Anything, "t1").Return(partition.Usage{Bytes: 512, Rows: 2}, nil)

	_, err := c.GetMetrics(context.Background(), "t1")
	require.NoError(t, err)

	expected := `
# HELP tenantvault_tenant_storage_bytes Bytes stored in the tenant partition.
# TYPE tenantvault_tenant_storage_bytes gauge
tenantvault_tenant_storage_bytes{tenant_id="t1"} 512
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "tenantvault_tenant_storage_bytes"))
	assert.Equal(t, 6, testutil.CollectAndCount(c))
}
