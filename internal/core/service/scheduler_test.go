package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudvia/keystone-sync/internal/core/domain"
	"github.com/cloudvia/keystone-sync/internal/errors"
)

type captureReporter struct {
	mu      sync.Mutex
	reports []domain.PassReport
}

func (r *captureReporter) Report(_ context.Context, report domain.PassReport) error {
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	return nil
}

func TestRunPassSyncsEveryListedResource(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	source := newFakeSource()
	source.resources = []domain.Resource{
		{ID: "r1", Name: "One"},
		{ID: "r2", Name: "Two"},
	}
	source.setMembership("r1", domain.Member{Subject: "alice", Role: "member"})
	source.setMembership("r2", domain.Member{Subject: "bob", Role: "admin"})

	rec := newTestReconciler(gateway, source)
	reporter := &captureReporter{}
	sched := NewSyncScheduler(source, rec, newKeyMutex(), nil, reporter, nopLogger{}, time.Hour, 4)

	report, err := sched.RunPass(ctx, domain.TriggerStartup)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.NotEmpty(t, report.PassID)
	assert.Equal(t, domain.TriggerStartup, report.Trigger)

	// Results come back in resource id order.
	assert.Equal(t, "r1", report.Results[0].ResourceID)
	assert.Equal(t, "r2", report.Results[1].ResourceID)
	for _, res := range report.Results {
		assert.Equal(t, domain.StatusApplied, res.Status)
	}

	assert.True(t, gateway.membership("be-r1").Contains(domain.Member{Subject: "alice", Role: "member"}))
	assert.True(t, gateway.membership("be-r2").Contains(domain.Member{Subject: "bob", Role: "admin"}))

	require.Len(t, reporter.reports, 1)
	assert.Equal(t, report.PassID, reporter.reports[0].PassID)
}

func TestRunPassCoversTrackedButUnlistedResources(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	source := newFakeSource()
	rec := newTestReconciler(gateway, source)

	// Terminated in the source but deletion previously deferred.
	rec.Apply(ctx, domain.ChangeIntent{Kind: domain.IntentResourceCreated, ResourceID: "r1", Seq: 1})
	gateway.deleteProjectErr = errors.New(errors.CodeBackendTransient, "gateway timeout")
	rec.Apply(ctx, domain.ChangeIntent{Kind: domain.IntentResourceTerminated, ResourceID: "r1", Seq: 2})
	gateway.deleteProjectErr = nil

	sched := NewSyncScheduler(source, rec, newKeyMutex(), nil, nil, nopLogger{}, time.Hour, 1)
	report, err := sched.RunPass(ctx, domain.TriggerInterval)
	require.NoError(t, err)
	require.Len(t, report.Results, 1, "resource absent from listing still syncs")
	assert.NotContains(t, gateway.projects, "be-r1")
}

func TestRunPassIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	source := newFakeSource()
	source.resources = []domain.Resource{{ID: "r1"}, {ID: "r2"}}
	source.setMembership("r2", domain.Member{Subject: "bob", Role: "member"})

	rec := newTestReconciler(gateway, source)
	// r1 is parked in a failed state; r2 must still converge.
	gateway.ensureProjectErr = errors.New(errors.CodeBackendRejected, "name already in use")
	rec.Apply(ctx, domain.ChangeIntent{Kind: domain.IntentResourceCreated, ResourceID: "r1", Seq: 1})
	gateway.ensureProjectErr = nil

	sched := NewSyncScheduler(source, rec, newKeyMutex(), nil, nil, nopLogger{}, time.Hour, 2)
	report, err := sched.RunPass(ctx, domain.TriggerInterval)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	byID := map[string]domain.PassResult{}
	for _, res := range report.Results {
		byID[res.ResourceID] = res
	}
	assert.Equal(t, domain.StatusRejected, byID["r1"].Status)
	assert.Equal(t, domain.StatusApplied, byID["r2"].Status)
	assert.True(t, gateway.membership("be-r2").HasSubject("bob"))
}

func TestTriggerResourceRunsOnDemandSync(t *testing.T) {
	gateway := newFakeGateway()
	source := newFakeSource()
	source.setMembership("r1", domain.Member{Subject: "alice", Role: "member"})
	rec := newTestReconciler(gateway, source)

	sched := NewSyncScheduler(source, rec, newKeyMutex(), nil, nil, nopLogger{}, time.Hour, 1)
	sched.TriggerResource("r1", domain.TriggerGap)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		return gateway.membership("be-r1") != nil && gateway.membership("be-r1").HasSubject("alice")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunPassWaitsForBusyEventQueue(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	source := newFakeSource()
	source.resources = []domain.Resource{{ID: "r1", Name: "One"}}
	source.setMembership("r1", domain.Member{Subject: "alice", Role: "member"})

	rec := newTestReconciler(gateway, source)
	locks := newKeyMutex()
	in := NewEventIngestor(source, rec, locks, &triggerRecorder{}, nopLogger{})
	sched := NewSyncScheduler(source, rec, locks, in, nil, nopLogger{}, time.Hour, 1)

	// Park the event worker inside the grant for seq 2.
	gate := make(chan struct{})
	gateway.gateGrants(gate)
	in.Ingest(ctx, domain.RawEvent{Kind: domain.EventResourceCreated, ResourceID: "r1", Seq: 1})
	in.Ingest(ctx, domain.RawEvent{Kind: domain.EventUserAdded, ResourceID: "r1", Subject: "alice", Role: "member", Seq: 2})
	require.Eventually(t, func() bool {
		return gateway.callCount("grant_role") == 1
	}, 5*time.Second, 5*time.Millisecond)

	type passOut struct {
		report domain.PassReport
		err    error
	}
	done := make(chan passOut, 1)
	go func() {
		report, err := sched.RunPass(context.Background(), domain.TriggerInterval)
		done <- passOut{report, err}
	}()

	// While the event worker holds the resource, the pass must not read or
	// mutate anything on the backend.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gateway.callCount("list_membership"), "pass waits for the event queue to drain")
	select {
	case out := <-done:
		t.Fatalf("pass finished while the event worker held the resource: %+v", out.report)
	default:
	}

	close(gate)
	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.report.Results, 1)
	assert.Equal(t, domain.StatusApplied, out.report.Results[0].Status)
	assert.Equal(t, 1, gateway.callCount("grant_role"), "pass found the resource already converged")
}

func TestEngineEventThenPassConverges(t *testing.T) {
	ctx := context.Background()
	gateway := newFakeGateway()
	source := newFakeSource()
	source.resources = []domain.Resource{{ID: "r1", Name: "One"}}
	source.setMembership("r1", domain.Member{Subject: "alice", Role: "member"})

	engine := NewEngine(gateway, source, nil, nopLogger{}, Options{
		SyncInterval:  time.Hour,
		MaxConcurrent: 2,
		DefaultRole:   "member",
		EventStream:   true,
	})
	require.NotNil(t, engine.Ingestor)

	// Event path provisions and grants; the pass then finds nothing to do.
	engine.Ingestor.Ingest(ctx, domain.RawEvent{Kind: domain.EventResourceCreated, ResourceID: "r1", Seq: 1})
	engine.Ingestor.Ingest(ctx, domain.RawEvent{Kind: domain.EventUserAdded, ResourceID: "r1", Subject: "alice", Role: "member", Seq: 2})
	waitIdle(t, engine.Ingestor, "r1")

	grants := gateway.callCount("grant_role")
	report, err := engine.Scheduler.RunPass(ctx, domain.TriggerManual)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.StatusApplied, report.Results[0].Status)
	assert.Equal(t, grants, gateway.callCount("grant_role"), "converged resource needs no mutations")
}
