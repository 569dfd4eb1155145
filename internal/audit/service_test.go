package audit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opentrusty/tenantvault/internal/audit"
	"github.com/opentrusty/tenantvault/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishAlert(ctx context.Context, alert *audit.SecurityAlert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

type nopMirror struct{}

func (nopMirror) Log(context.Context, audit.Entry) {}

func newService(t *testing.T, opts ...audit.Option) (*audit.Service, *memory.AuditRepository, *clock.Mock) {
	t.Helper()
	repo := memory.NewAuditRepository()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	opts = append([]audit.Option{audit.WithClock(clk), audit.WithMirror(nopMirror{})}, opts...)
	return audit.NewService(repo, opts...), repo, clk
}

func failedRead(actor string) audit.Entry {
	return audit.Entry{
		TenantID: "t1",
		ActorID:  actor,
		Action:   audit.ActionRead,
		Resource: "finance/invoice",
		Success:  false,
		Reason:   "IntegrityViolation",
	}
}

// TestPurpose: Validates that five failed reads by one actor raise exactly one high-severity alert, with no duplicate on the sixth.
// Scope: Unit Test
// Security: Brute-force and enumeration detection
// Expected: One repeated-failure alert after the fifth failure; the sixth failure raises nothing new.
// Test Case ID: AUD-02
func TestAudit_RepeatedFailureAlert(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishAlert", mock.Anything, mock.MatchedBy(func(a *audit.SecurityAlert) bool {
		return a.Pattern == audit.PatternRepeatedFailure && a.Severity == audit.SeverityHigh
	})).Return(nil).Once()

	svc, _, clk := newService(t, audit.WithPublisher(pub))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.Log(ctx, failedRead("mallory"))
		clk.Add(time.Second)
	}
	alerts, err := svc.Alerts(ctx, audit.AlertFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	svc.Log(ctx, failedRead("mallory"))
	clk.Add(time.Second)
	svc.Log(ctx, failedRead("mallory"))

	alerts, err = svc.Alerts(ctx, audit.AlertFilter{TenantID: "t1", Severity: audit.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "mallory", alerts[0].ActorID)
	assert.Equal(t, 5, alerts[0].Count)
	assert.NotEmpty(t, alerts[0].TriggerLogID)

	pub.AssertExpectations(t)

	entries, err := svc.Recent(ctx, "t1", 0)
	require.NoError(t, err)
	var alertEntries int
	for _, e := range entries {
		if e.Action == audit.ActionSecurityAlert {
			alertEntries++
			assert.GreaterOrEqual(t, e.RiskScore, audit.HighRisk)
		}
	}
	assert.Equal(t, 1, alertEntries)
	assert.Len(t, entries, 7)
}

// TestPurpose: Validates that failures of different actors are analyzed independently.
// Scope: Unit Test
// Expected: No alert when five failures are spread across actors.
// Test Case ID: AUD-03
func TestAudit_FailuresArePerActor(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	for _, actor := range []string{"a", "b", "c", "a", "b", "c"} {
		svc.Log(ctx, failedRead(actor))
		clk.Add(time.Second)
	}
	n, err := svc.AlertCount(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAudit_RepeatedFailureRearmsAfterWindow(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		for i := 0; i < 5; i++ {
			svc.Log(ctx, failedRead("mallory"))
			clk.Add(time.Second)
		}
		clk.Add(2 * time.Hour)
	}

	n, err := svc.AlertCount(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAudit_BurstAccessAlert(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		svc.Log(ctx, audit.Entry{TenantID: "t1", ActorID: "scraper", Action: audit.ActionRead, Success: true})
		clk.Add(time.Second)
	}

	alerts, err := svc.Alerts(ctx, audit.AlertFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, audit.PatternBurstAccess, alerts[0].Pattern)
	assert.Equal(t, audit.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, 20, alerts[0].Count)
}

func TestAudit_ConfigurableThresholds(t *testing.T) {
	svc, _, _ := newService(t, audit.WithConfig(audit.Config{FailureThreshold: 2}))
	ctx := context.Background()

	svc.Log(ctx, failedRead("mallory"))
	svc.Log(ctx, failedRead("mallory"))

	n, err := svc.AlertCount(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestPurpose: Validates that a failing side channel never fails the caller.
// Scope: Unit Test
// Expected: Log returns normally and the alert is still stored.
// Test Case ID: AUD-04
func TestAudit_PublisherFailureIsSwallowed(t *testing.T) {
	pub := new(mockPublisher)
	pub.On("PublishAlert", mock.Anything, mock.Anything).Return(errors.New("nats down"))

	svc, _, _ := newService(t, audit.WithPublisher(pub))
	ctx := context.Background()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			svc.Log(ctx, failedRead("mallory"))
		}
	})
	n, err := svc.AlertCount(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAudit_LogAssignsIDTimestampAndRisk(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := audit.ContextWithOrigin(context.Background(), "10.0.0.1")

	svc.Log(ctx, audit.Entry{TenantID: "t1", ActorID: "alice", Action: audit.ActionCreate, Success: false})
	svc.Log(ctx, audit.Entry{TenantID: "t1", ActorID: "alice", Action: audit.ActionCreate, Success: true, RiskScore: 7})

	entries, err := svc.Recent(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, 1.0, entries[0].RiskScore)
	assert.Equal(t, audit.DefaultRisk, entries[1].RiskScore)
	assert.NotEmpty(t, entries[1].ID)
	assert.Equal(t, clk.Now().UTC(), entries[1].Timestamp)
	assert.Equal(t, "10.0.0.1", entries[1].Origin)
}

func TestAudit_GlobalStreamAndPurge(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	svc.Log(ctx, audit.Entry{TenantID: "t1", Action: audit.ActionCreate, Success: true})
	svc.Log(ctx, audit.Entry{TenantID: "t2", Action: audit.ActionCreate, Success: true})
	clk.Add(48 * time.Hour)
	svc.Log(ctx, audit.Entry{TenantID: "t1", Action: audit.ActionRead, Success: true})

	global, err := svc.Global(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, global, 3)
	assert.Equal(t, audit.ActionRead, global[0].Action)

	n, err := svc.Purge(ctx, "t1", clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	t1, err := svc.Recent(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, t1, 1)

	t2, err := svc.Recent(ctx, "t2", 0)
	require.NoError(t, err)
	assert.Len(t, t2, 1)
}

// TestPurpose: Validates that analysis state of idle tenant ids is evicted once it can no longer affect detection.
// Scope: Unit Test
// Security: Memory exhaustion through arbitrary tenant ids (CWE-770)
// Expected: State of ids idle past the longest window is dropped; a tenant active inside the window keeps its state and still alerts.
// Test Case ID: AUD-05
func TestAudit_EvictsIdleTenantState(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.Log(ctx, failedRead("mallory"))
		clk.Add(time.Second)
	}
	for i := 0; i < 50; i++ {
		svc.Log(ctx, audit.Entry{TenantID: fmt.Sprintf("ghost-%d", i), ActorID: "anonymous", Action: audit.ActionRead, Reason: "TenantNotFound"})
	}
	assert.Equal(t, 51, svc.Tracked())

	clk.Add(50 * time.Minute)
	svc.Log(ctx, failedRead("mallory"))
	svc.Log(ctx, audit.Entry{TenantID: "other", ActorID: "alice", Action: audit.ActionCreate, Success: true})
	assert.Equal(t, 52, svc.Tracked())

	n, err := svc.AlertCount(ctx, "t1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "state inside the window is kept")

	clk.Add(15 * time.Minute)
	svc.Log(ctx, audit.Entry{TenantID: "other", ActorID: "alice", Action: audit.ActionCreate, Success: true})
	assert.Equal(t, 2, svc.Tracked())

	clk.Add(2 * time.Hour)
	svc.Log(ctx, audit.Entry{TenantID: "other", ActorID: "alice", Action: audit.ActionCreate, Success: true})
	assert.Equal(t, 1, svc.Tracked())
}
