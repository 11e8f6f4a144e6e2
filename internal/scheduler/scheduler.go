// Package scheduler implements the poll loop: a single-threaded,
// cooperative periodic task that ages leases, sweeps timed-out gates,
// recomputes metrics, and records a scheduler.poll event on a
// gauge-set-on-poll pattern over task-status counters.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/cascade"
	"github.com/firestige-labs/aof/internal/eventlog"
	"github.com/firestige-labs/aof/internal/hooks"
	"github.com/firestige-labs/aof/internal/lease"
	"github.com/firestige-labs/aof/internal/metrics"
	"github.com/firestige-labs/aof/internal/workflow"
)

// Status is a read-only snapshot of the scheduler's last completed poll,
// consulted by the daemon's health endpoint.
type Status struct {
	LastPollAt  time.Time
	LastEventAt time.Time
}

// Scheduler drives the periodic poll cycle: lease expiry, gate-timeout
// sweep, optional block cascade, metrics, and the summary event.
type Scheduler struct {
	store      *aoftask.Store
	leases     *lease.Manager
	cascader   *cascade.Cascader
	engine     *workflow.Engine
	workflows  map[string]*workflow.Workflow
	hooks      *hooks.Registry
	events     *eventlog.Log
	interval   time.Duration
	cascadeOnBlock bool
	dryRun     bool

	mu     sync.Mutex
	status Status
}

// Option configures optional behavior of a Scheduler, applied in New.
type Option func(*Scheduler)

// WithCascadeOnBlock enables the opt-in block-propagation cascade,
// off by default.
func WithCascadeOnBlock(enabled bool) Option {
	return func(s *Scheduler) { s.cascadeOnBlock = enabled }
}

// WithDryRun makes every poll read-only on the store: lease expiry and
// block cascades are skipped, and due gate escalations are counted but
// not written back.
func WithDryRun(dryRun bool) Option {
	return func(s *Scheduler) { s.dryRun = dryRun }
}

// New builds a Scheduler. workflows maps project name to its declared
// Workflow, used for the gate-timeout sweep.
func New(store *aoftask.Store, hookRegistry *hooks.Registry, events *eventlog.Log, workflows map[string]*workflow.Workflow, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		leases:    lease.New(store),
		cascader:  cascade.New(store),
		engine:    workflow.New(store),
		workflows: workflows,
		hooks:     hookRegistry,
		events:    events,
		interval:  interval,
	}
	s.leases.SetEventLog(events)
	s.cascader.SetEventLog(events)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns a snapshot of the last completed poll.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run blocks, polling every interval until ctx is cancelled. Polls never
// run concurrently: a slow poll simply lengthens the effective interval
// rather than catching up with a burst of queued ticks.
func (s *Scheduler) Run(ctx context.Context) {
	metrics.SchedulerUp.Set(1)
	defer metrics.SchedulerUp.Set(0)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(time.Now())
		}
	}
}

// poll runs exactly one scan, in a fixed order: lease-expiry, then the
// gate-timeout sweep, then metrics (count by status, count by agent,
// oldest lease age, poll duration), then the summary event.
func (s *Scheduler) poll(now time.Time) {
	start := time.Now()

	tasks, err := s.store.List()
	if err != nil {
		slog.Error("scheduler: list tasks failed", "error", err)
		return
	}

	var expired []string
	if !s.dryRun {
		expired, err = s.leases.ExpireLeases(now)
		if err != nil {
			slog.Error("scheduler: expire leases failed", "error", err)
		}
	}

	escalated := s.sweepGateTimeouts(tasks, now)

	var cascadeActions int
	if s.cascadeOnBlock && !s.dryRun {
		cascadeActions = s.runBlockCascades(tasks, now)
	}

	counts, err := s.store.CountByStatus()
	if err != nil {
		slog.Error("scheduler: count by status failed", "error", err)
	}
	for status, n := range counts {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(n))
	}

	byAgent, oldestLeaseAge := countByAgentAndOldestLease(tasks, now)
	metrics.TasksByAgent.Reset()
	for agent, n := range byAgent {
		metrics.TasksByAgent.WithLabelValues(agent).Set(float64(n))
	}
	metrics.OldestLeaseAgeSeconds.Set(oldestLeaseAge.Seconds())

	duration := time.Since(start)
	evt := eventlog.Event{
		Timestamp: now,
		Kind:      "scheduler.poll",
		Payload: map[string]interface{}{
			"scannedAt":  now,
			"durationMs": duration.Milliseconds(),
			"actions": map[string]interface{}{
				"leasesExpired":  len(expired),
				"gatesEscalated": escalated,
				"cascaded":       cascadeActions,
			},
			"stats":                 counts,
			"countByAgent":          byAgent,
			"oldestLeaseAgeSeconds": oldestLeaseAge.Seconds(),
			"dryRun":                s.dryRun,
		},
	}
	if s.events != nil {
		if err := s.events.Append(evt); err != nil {
			slog.Error("scheduler: event log append failed", "error", err)
		}
	}
	if s.hooks != nil {
		s.hooks.Fire(hooks.Event{Kind: "scheduler.poll", Payload: evt.Payload})
	}

	s.mu.Lock()
	s.status = Status{LastPollAt: now, LastEventAt: now}
	s.mu.Unlock()
}

// sweepGateTimeouts scans for every
// in-progress task with an active gate whose project workflow declares a
// timeout, escalate once gate.entered+timeout has passed and no
// escalation has been recorded since. Dry-run performs the read but skips
// the mutating Escalate call.
func (s *Scheduler) sweepGateTimeouts(tasks []*aoftask.Task, now time.Time) int {
	count := 0
	for _, t := range tasks {
		if t.Status != aoftask.StatusInProgress || t.Gate == nil {
			continue
		}
		w, ok := s.workflows[t.Project]
		if !ok {
			continue
		}
		var gate *workflow.Gate
		for i := range w.Gates {
			if w.Gates[i].ID == t.Gate.Current {
				g := w.Gates[i]
				gate = &g
				break
			}
		}
		if gate == nil || gate.Timeout == 0 {
			continue
		}
		if now.Before(t.Gate.Entered.Add(gate.Timeout)) {
			continue
		}
		if escalatedSince(t, t.Gate.Entered) {
			continue
		}
		count++
		if s.dryRun {
			continue
		}
		if _, err := s.engine.Escalate(w, t.ID, "scheduler", now); err != nil {
			slog.Error("scheduler: escalate failed", "task", t.ID, "error", err)
		}
	}
	return count
}

// countByAgentAndOldestLease tallies tasks per routing agent (across every
// status) and finds the age of the oldest lease still held by an
// in-progress task, both recomputed fresh on every poll.
func countByAgentAndOldestLease(tasks []*aoftask.Task, now time.Time) (map[string]int, time.Duration) {
	byAgent := make(map[string]int)
	var oldest time.Duration
	for _, t := range tasks {
		if t.Routing.Agent != "" {
			byAgent[t.Routing.Agent]++
		}
		if t.Status == aoftask.StatusInProgress && t.Lease != nil {
			if age := now.Sub(t.Lease.AcquiredAt); age > oldest {
				oldest = age
			}
		}
	}
	return byAgent, oldest
}

func escalatedSince(t *aoftask.Task, since time.Time) bool {
	if t.Gate == nil {
		return false
	}
	for _, h := range t.Gate.History {
		if h.Outcome == "escalated" && !h.At.Before(since) {
			return true
		}
	}
	return false
}

// runBlockCascades propagates blocked-status to dependents for every
// currently-blocked task (the opt-in half of the Dependency Cascader,
// cascade.OnBlock, normally left to explicit CLI/hook invocation).
func (s *Scheduler) runBlockCascades(tasks []*aoftask.Task, now time.Time) int {
	count := 0
	for _, t := range tasks {
		if t.Status != aoftask.StatusBlocked {
			continue
		}
		result, err := s.cascader.OnBlock(t.ID, now)
		if err != nil {
			slog.Error("scheduler: cascade on block failed", "task", t.ID, "error", err)
			continue
		}
		count += len(result.Blocked)
	}
	return count
}
