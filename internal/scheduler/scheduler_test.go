package scheduler

import (
	"testing"
	"time"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/eventlog"
	"github.com/firestige-labs/aof/internal/hooks"
	"github.com/firestige-labs/aof/internal/lease"
	"github.com/firestige-labs/aof/internal/workflow"
)

func newTestScheduler(t *testing.T, workflows map[string]*workflow.Workflow, opts ...Option) (*Scheduler, *aoftask.Store, *hooks.Registry) {
	t.Helper()
	dir := t.TempDir()
	store, err := aoftask.Open(dir)
	if err != nil {
		t.Fatalf("aoftask.Open failed: %v", err)
	}
	events, err := eventlog.Open(dir + "/events")
	if err != nil {
		t.Fatalf("eventlog.Open failed: %v", err)
	}
	t.Cleanup(func() { events.Close() })
	reg := hooks.NewRegistry()
	s := New(store, reg, events, workflows, time.Second, opts...)
	return s, store, reg
}

func TestPollExpiresLeasesAndUpdatesStatus(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil)
	now := time.Now().UTC()

	task, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "lease me", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(task.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	m := lease.New(store)
	if _, err := m.Acquire(task.ID, "bot-1", time.Minute, now); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	later := now.Add(5 * time.Minute)
	s.poll(later)

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != aoftask.StatusReady {
		t.Errorf("Status = %s, want ready (lease should have expired)", got.Status)
	}

	status := s.Status()
	if !status.LastPollAt.Equal(later) {
		t.Errorf("LastPollAt = %v, want %v", status.LastPollAt, later)
	}
}

func TestPollDryRunDoesNotExpireLeases(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil, WithDryRun(true))
	now := time.Now().UTC()

	task, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "lease me", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(task.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	m := lease.New(store)
	if _, err := m.Acquire(task.ID, "bot-1", time.Minute, now); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	s.poll(now.Add(5 * time.Minute))

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != aoftask.StatusInProgress {
		t.Errorf("Status = %s, want in-progress to be left untouched by dry-run", got.Status)
	}
}

func TestPollFiresSchedulerPollHook(t *testing.T) {
	s, _, reg := newTestScheduler(t, nil)
	fired := false
	reg.Subscribe("scheduler.poll", func(evt hooks.Event) error {
		fired = true
		return nil
	})
	s.poll(time.Now().UTC())
	if !fired {
		t.Error("expected scheduler.poll hook to fire")
	}
}

func gatedWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Project: "atlas",
		Gates: []workflow.Gate{
			{ID: "design-review", Role: "lead"},
			{ID: "qa-signoff", Role: "qa", CanReject: true, Timeout: 10 * time.Minute, EscalateTo: "eng-manager"},
		},
	}
}

func TestSweepGateTimeoutsEscalatesPastDeadline(t *testing.T) {
	wf := gatedWorkflow()
	workflows := map[string]*workflow.Workflow{"atlas": wf}
	s, store, _ := newTestScheduler(t, workflows)
	now := time.Now().UTC()

	task, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "gated", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(task.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	l := &aoftask.Lease{Agent: "bot", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
	task, err = store.Transition(task.ID, aoftask.StatusInProgress, "bot", l, now)
	if err != nil {
		t.Fatalf("Transition to in-progress failed: %v", err)
	}
	gs := workflow.GateState0(wf, now)
	gs.Current = "qa-signoff"
	task.Gate = &gs
	if err := store.Update(task, now); err != nil {
		t.Fatalf("seeding gate state failed: %v", err)
	}

	escalated := s.sweepGateTimeouts([]*aoftask.Task{task}, now.Add(20*time.Minute))
	if escalated != 1 {
		t.Errorf("escalated = %d, want 1 (qa-signoff's 10m timeout has passed)", escalated)
	}

	got, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EscalatedAt == nil {
		t.Error("expected EscalatedAt to be set after sweep")
	}

	// A second sweep at the same moment should not double-escalate.
	again := s.sweepGateTimeouts([]*aoftask.Task{got}, now.Add(20*time.Minute))
	if again != 0 {
		t.Errorf("second sweep escalated = %d, want 0 (already escalated since gate entry)", again)
	}
}

func TestSweepGateTimeoutsLeavesZeroTimeoutGateAlone(t *testing.T) {
	wf := gatedWorkflow()
	workflows := map[string]*workflow.Workflow{"atlas": wf}
	s, store, _ := newTestScheduler(t, workflows)
	now := time.Now().UTC()

	task, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "gated", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(task.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	l := &aoftask.Lease{Agent: "bot", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
	task, err = store.Transition(task.ID, aoftask.StatusInProgress, "bot", l, now)
	if err != nil {
		t.Fatalf("Transition to in-progress failed: %v", err)
	}
	gs := workflow.GateState0(wf, now)
	task.Gate = &gs
	if err := store.Update(task, now); err != nil {
		t.Fatalf("seeding gate state failed: %v", err)
	}

	escalated := s.sweepGateTimeouts([]*aoftask.Task{task}, now.Add(20*time.Minute))
	if escalated != 0 {
		t.Errorf("escalated = %d, want 0 (design-review gate has no timeout)", escalated)
	}
}

func TestSweepGateTimeoutsIgnoresTasksWithoutWorkflow(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil)
	now := time.Now().UTC()
	task, err := store.CreateTask(aoftask.TaskDraft{Project: "unmapped", Title: "no workflow", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	count := s.sweepGateTimeouts([]*aoftask.Task{task}, now)
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestCountByAgentAndOldestLease(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil)
	now := time.Now().UTC()

	a, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "a", CreatedBy: "alice", Routing: aoftask.Routing{Agent: "bot-1"}}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	b, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "b", CreatedBy: "alice", Routing: aoftask.Routing{Agent: "bot-1"}}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "c", CreatedBy: "alice", Routing: aoftask.Routing{Agent: "bot-2"}}, now); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if _, err := store.Transition(a.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	older := now.Add(-30 * time.Minute)
	if _, err := store.Transition(a.ID, aoftask.StatusInProgress, "bot-1", &aoftask.Lease{Agent: "bot-1", AcquiredAt: older, ExpiresAt: now.Add(time.Hour)}, older); err != nil {
		t.Fatalf("Transition to in-progress failed: %v", err)
	}
	if _, err := store.Transition(b.ID, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("Transition to ready failed: %v", err)
	}
	if _, err := store.Transition(b.ID, aoftask.StatusInProgress, "bot-1", &aoftask.Lease{Agent: "bot-1", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}, now); err != nil {
		t.Fatalf("Transition to in-progress failed: %v", err)
	}

	tasks, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	byAgent, oldest := countByAgentAndOldestLease(tasks, now)
	if byAgent["bot-1"] != 2 {
		t.Errorf("byAgent[bot-1] = %d, want 2", byAgent["bot-1"])
	}
	if byAgent["bot-2"] != 1 {
		t.Errorf("byAgent[bot-2] = %d, want 1", byAgent["bot-2"])
	}
	if oldest < 29*time.Minute || oldest > 31*time.Minute {
		t.Errorf("oldest = %v, want ~30m (task a's lease is the older of the two)", oldest)
	}

	s.poll(now)
	status := s.Status()
	if !status.LastPollAt.Equal(now) {
		t.Errorf("LastPollAt = %v, want %v", status.LastPollAt, now)
	}
}

func TestRunBlockCascadesPropagatesToDependents(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil, WithCascadeOnBlock(true))
	now := time.Now().UTC()

	upstream, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "upstream", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	dependent, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "dependent", CreatedBy: "alice", DependsOn: []string{upstream.ID}}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(upstream.ID, aoftask.StatusBlocked, "alice", nil, now); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	s.poll(now)

	got, err := store.Get(dependent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != aoftask.StatusBlocked {
		t.Errorf("Status = %s, want blocked (cascade should have propagated)", got.Status)
	}
}

func TestRunBlockCascadesOffByDefault(t *testing.T) {
	s, store, _ := newTestScheduler(t, nil)
	now := time.Now().UTC()

	upstream, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "upstream", CreatedBy: "alice"}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	dependent, err := store.CreateTask(aoftask.TaskDraft{Project: "atlas", Title: "dependent", CreatedBy: "alice", DependsOn: []string{upstream.ID}}, now)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := store.Transition(upstream.ID, aoftask.StatusBlocked, "alice", nil, now); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	s.poll(now)

	got, err := store.Get(dependent.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status == aoftask.StatusBlocked {
		t.Error("expected dependent to remain unblocked when cascadeOnBlock is disabled")
	}
}
