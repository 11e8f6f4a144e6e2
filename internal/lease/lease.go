// Package lease implements exclusive, time-bounded task ownership on top of
// the aoftask Store.
package lease

import (
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/eventlog"
)

// Sentinel errors for lease conflicts, checked via errors.Is.
var (
	// ErrAlreadyLeased is returned by Acquire when an unexpired lease is
	// held by a different agent.
	ErrAlreadyLeased = errors.New("lease: already held by another agent")
	// ErrNotLeaseHolder is returned by Renew/Release when the calling agent
	// does not match the current lease holder.
	ErrNotLeaseHolder = errors.New("lease: caller does not hold the lease")
	// ErrLeaseExpired is returned by Renew when the lease has already
	// passed its expiry.
	ErrLeaseExpired = errors.New("lease: expired")
)

// Manager grants, renews, releases, and sweeps task leases. All lease data
// lives on the Task record in the Store; the optional event log is the only
// other state it holds.
type Manager struct {
	store  *aoftask.Store
	events *eventlog.Log
}

// New returns a Manager operating against store.
func New(store *aoftask.Store) *Manager {
	return &Manager{store: store}
}

// SetEventLog wires events so every Acquire/Renew/Release/ExpireLeases call
// appends a matching "task.lease.*" event. Passing nil disables it.
func (m *Manager) SetEventLog(events *eventlog.Log) {
	m.events = events
}

func (m *Manager) logEvent(kind, taskID, agent string, now time.Time, extra map[string]interface{}) {
	if m.events == nil {
		return
	}
	payload := map[string]interface{}{"agent": agent}
	for k, v := range extra {
		payload[k] = v
	}
	evt := eventlog.Event{Timestamp: now, Kind: kind, TaskID: taskID, Actor: agent, Payload: payload}
	if err := m.events.Append(evt); err != nil {
		slog.Warn("lease: event log append failed", "kind", kind, "task_id", taskID, "error", err)
	}
}

// Acquire grants agent an exclusive lease on taskId for ttl, then
// transitions the task to in-progress. It fails with ErrAlreadyLeased if an
// unexpired lease held by a different agent already exists.
func (m *Manager) Acquire(taskID, agent string, ttl time.Duration, now time.Time) (*aoftask.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Lease != nil && t.Lease.Agent != agent && t.Lease.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: task %q held by %q until %s", ErrAlreadyLeased, taskID, t.Lease.Agent, t.Lease.ExpiresAt)
	}

	newLease := &aoftask.Lease{
		Agent:      agent,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		RenewCount: 0,
	}
	var updated *aoftask.Task
	if t.Status == aoftask.StatusInProgress {
		// Transition to the current status is a no-op, so an in-progress
		// task gets its new lease written through Update instead.
		t.Lease = newLease
		if err := m.store.Update(t, now); err != nil {
			return nil, err
		}
		updated = t
	} else {
		updated, err = m.store.Transition(taskID, aoftask.StatusInProgress, agent, newLease, now)
		if err != nil {
			return nil, err
		}
	}
	m.logEvent("task.lease.acquired", taskID, agent, now, map[string]interface{}{"expiresAt": newLease.ExpiresAt})
	return updated, nil
}

// Renew extends an existing lease held by agent. Fails with
// ErrNotLeaseHolder on agent mismatch, ErrLeaseExpired once now has reached
// expiresAt (now == expiresAt already counts as expired).
func (m *Manager) Renew(taskID, agent string, ttl time.Duration, now time.Time) (*aoftask.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: task %q", ErrNotLeaseHolder, taskID)
	}
	if !t.Lease.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: task %q lease expired at %s", ErrLeaseExpired, taskID, t.Lease.ExpiresAt)
	}

	t.Lease.ExpiresAt = now.Add(ttl)
	t.Lease.RenewCount++
	if err := m.store.Update(t, now); err != nil {
		return nil, err
	}
	m.logEvent("task.lease.renewed", taskID, agent, now, map[string]interface{}{
		"expiresAt":  t.Lease.ExpiresAt,
		"renewCount": t.Lease.RenewCount,
	})
	return t, nil
}

// Release clears a lease held by agent and returns the task to ready.
// A non-holder calling Release gets ErrNotLeaseHolder.
func (m *Manager) Release(taskID, agent string, now time.Time) (*aoftask.Task, error) {
	t, err := m.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: task %q", ErrNotLeaseHolder, taskID)
	}
	updated, err := m.store.Transition(taskID, aoftask.StatusReady, agent, nil, now)
	if err != nil {
		return nil, err
	}
	m.logEvent("task.lease.released", taskID, agent, now, nil)
	return updated, nil
}

// ExpireLeases sweeps every in-progress task whose lease.expiresAt is
// strictly before now, clears the lease, and transitions it back to ready.
// Returns the IDs of tasks that were reclaimed.
func (m *Manager) ExpireLeases(now time.Time) ([]string, error) {
	tasks, err := m.store.Filter(aoftask.ListFilter{Status: aoftask.StatusInProgress})
	if err != nil {
		return nil, err
	}

	var expired []string
	for _, t := range tasks {
		if t.Lease == nil || !t.Lease.ExpiresAt.Before(now) {
			continue
		}
		agent := t.Lease.Agent
		expiresAt := t.Lease.ExpiresAt
		if _, err := m.store.Transition(t.ID, aoftask.StatusReady, "scheduler", nil, now); err != nil {
			slog.Warn("lease: failed to reclaim expired lease", "task_id", t.ID, "error", err)
			continue
		}
		slog.Info("task.lease.expired", "task_id", t.ID, "agent", agent)
		m.logEvent("task.lease.expired", t.ID, agent, now, map[string]interface{}{"expiresAt": expiresAt})
		expired = append(expired, t.ID)
	}
	return expired, nil
}
