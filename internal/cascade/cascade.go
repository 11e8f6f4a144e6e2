// Package cascade implements the Dependency Cascader: pure, single-hop
// propagation of completion/blocking across a task DAG.
package cascade

import (
	"time"

	"log/slog"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/eventlog"
)

// Result summarizes one cascade call: a single
// "dependency.cascaded" event is recorded per invocation.
type Result struct {
	Promoted []string
	Skipped  []string
	Blocked  []string
}

// Cascader propagates dependency effects through the Store. It holds no
// state of its own beyond an optional event log; every call recomputes
// from the current on-disk graph.
type Cascader struct {
	store  *aoftask.Store
	events *eventlog.Log
}

// New returns a Cascader operating against store.
func New(store *aoftask.Store) *Cascader {
	return &Cascader{store: store}
}

// SetEventLog wires events so every OnCompletion/OnBlock call appends its
// own "dependency.cascaded" summary event. Passing nil disables it.
func (c *Cascader) SetEventLog(events *eventlog.Log) {
	c.events = events
}

// OnCompletion promotes every backlog/blocked task that depends on
// completedID to ready, provided all of its dependencies are now done.
// Tasks whose other dependencies are still outstanding are recorded as
// skipped rather than promoted. A single "dependency.cascaded" event
// summarizing the result is appended to the event log, if one is wired.
func (c *Cascader) OnCompletion(completedID string, now time.Time) (*Result, error) {
	all, err := c.store.List()
	if err != nil {
		return nil, err
	}
	byID := indexByID(all)

	res := &Result{}
	for _, t := range all {
		if t.Status != aoftask.StatusBacklog && t.Status != aoftask.StatusBlocked {
			continue
		}
		if !dependsOn(t, completedID) {
			continue
		}
		if allDepsDone(t, byID) {
			if _, err := c.store.Transition(t.ID, aoftask.StatusReady, "cascade", nil, now); err != nil {
				slog.Warn("cascade: failed to promote dependent", "task_id", t.ID, "error", err)
				continue
			}
			res.Promoted = append(res.Promoted, t.ID)
		} else {
			res.Skipped = append(res.Skipped, t.ID)
		}
	}
	c.logResult("dependency.cascaded", completedID, res, now)
	return res, nil
}

// OnBlock is opt-in (config-gated): every dependent of blockedID currently
// in backlog or ready is set to blocked with a reason referencing blockedID.
func (c *Cascader) OnBlock(blockedID string, now time.Time) (*Result, error) {
	all, err := c.store.List()
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, t := range all {
		if t.Status != aoftask.StatusBacklog && t.Status != aoftask.StatusReady {
			continue
		}
		if !dependsOn(t, blockedID) {
			continue
		}
		reason := "upstream blocked: " + blockedID
		if _, err := c.store.Block(t.ID, reason, "cascade", now); err != nil {
			slog.Warn("cascade: failed to block dependent", "task_id", t.ID, "error", err)
			continue
		}
		res.Blocked = append(res.Blocked, t.ID)
	}
	c.logResult("dependency.cascaded", blockedID, res, now)
	return res, nil
}

// logResult appends a summarizing event for one cascade call. A Result with
// no promoted/skipped/blocked entries still produces an event: an empty
// cascade is itself useful information about the poll that triggered it.
func (c *Cascader) logResult(kind, originID string, res *Result, now time.Time) {
	if c.events == nil {
		return
	}
	evt := eventlog.Event{
		Timestamp: now,
		Kind:      kind,
		TaskID:    originID,
		Payload: map[string]interface{}{
			"promoted": res.Promoted,
			"skipped":  res.Skipped,
			"blocked":  res.Blocked,
		},
	}
	if err := c.events.Append(evt); err != nil {
		slog.Warn("cascade: event log append failed", "task_id", originID, "error", err)
	}
}

func indexByID(tasks []*aoftask.Task) map[string]*aoftask.Task {
	m := make(map[string]*aoftask.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func dependsOn(t *aoftask.Task, id string) bool {
	for _, d := range t.DependsOn {
		if d == id {
			return true
		}
	}
	return false
}

func allDepsDone(t *aoftask.Task, byID map[string]*aoftask.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok || d.Status != aoftask.StatusDone {
			return false
		}
	}
	return true
}
