// Package workflow implements the Gate Engine: the secondary,
// per-project state machine that tracks review/approval progress
// orthogonally to a task's primary lifecycle status.
package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// Sentinel errors specific to workflow/gate handling. Structural task
// errors (invalid status transition, terminal state) still flow through
// aoftask's sentinels via errors.Is.
var (
	// ErrUnknownGate is returned when a task's gate.current does not match
	// any gate declared in its project's workflow.
	ErrUnknownGate = errors.New("workflow: unknown gate")
	// ErrCannotReject is returned when reject is attempted on a gate that
	// does not declare canReject, or that has no prior gate.
	ErrCannotReject = errors.New("workflow: gate cannot reject")
	// ErrInvalidWorkflow is returned by Validate for a malformed workflow
	// definition.
	ErrInvalidWorkflow = errors.New("workflow: invalid definition")
)

// action is the effect a gate outcome produces.
type action string

const (
	actionAdvance action = "advance"
	actionReject  action = "reject"
)

// defaultOutcomes is applied to any workflow that does not override it.
var defaultOutcomes = map[string]action{
	"complete":     actionAdvance,
	"needs_review": actionReject,
}

// Gate is one ordered step of a project's workflow.
type Gate struct {
	ID         string
	Role       string
	CanReject  bool
	Timeout    time.Duration // zero means no timeout
	EscalateTo string
}

// Workflow is the ordered gate sequence declared for a project. The only
// supported RejectionStrategy today is "origin": a reject returns
// gate.current to Gates[0].
type Workflow struct {
	Project           string
	Gates             []Gate
	RejectionStrategy string
	// Outcomes maps an outcome label (as passed to TransitionGate) to the
	// action it produces. Unset means defaultOutcomes applies.
	Outcomes map[string]action
}

var timeoutPattern = regexp.MustCompile(`^\d+[mh]$`)

// Validate checks the structural rules: the first gate
// cannot reject, gate IDs are unique, and any non-zero Timeout must have
// come from a string matching ^\d+[mh]$ (callers constructing Gate.Timeout
// from config should validate the raw string with ValidateTimeoutString
// before converting it to a time.Duration).
func (w *Workflow) Validate() error {
	if len(w.Gates) == 0 {
		return fmt.Errorf("%w: workflow %q declares no gates", ErrInvalidWorkflow, w.Project)
	}
	if w.Gates[0].CanReject {
		return fmt.Errorf("%w: first gate %q cannot declare canReject", ErrInvalidWorkflow, w.Gates[0].ID)
	}
	if w.RejectionStrategy == "" {
		w.RejectionStrategy = "origin"
	}
	if w.RejectionStrategy != "origin" {
		return fmt.Errorf("%w: unsupported rejection strategy %q", ErrInvalidWorkflow, w.RejectionStrategy)
	}
	seen := make(map[string]bool, len(w.Gates))
	for _, g := range w.Gates {
		if g.ID == "" {
			return fmt.Errorf("%w: gate with empty id", ErrInvalidWorkflow)
		}
		if seen[g.ID] {
			return fmt.Errorf("%w: duplicate gate id %q", ErrInvalidWorkflow, g.ID)
		}
		seen[g.ID] = true
		if g.EscalateTo != "" && g.Timeout == 0 {
			return fmt.Errorf("%w: gate %q declares escalateTo without a timeout", ErrInvalidWorkflow, g.ID)
		}
	}
	return nil
}

// ValidateTimeoutString checks a raw config timeout string against the
// required `^\d+[mh]$` pattern.
func ValidateTimeoutString(s string) error {
	if !timeoutPattern.MatchString(s) {
		return fmt.Errorf("%w: timeout %q must match ^\\d+[mh]$", ErrInvalidWorkflow, s)
	}
	return nil
}

func (w *Workflow) gateIndex(id string) int {
	for i, g := range w.Gates {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func (w *Workflow) outcomeAction(outcome string) (action, bool) {
	if w.Outcomes != nil {
		if a, ok := w.Outcomes[outcome]; ok {
			return a, true
		}
	}
	a, ok := defaultOutcomes[outcome]
	return a, ok
}

// TransitionResult reports the effect of a completed gate transition, for
// callers that record duration metrics and emit events.
type TransitionResult struct {
	Task     *aoftask.Task
	FromGate string
	ToGate   string
	Outcome  string
	Duration time.Duration
	Rejected bool
}

// Engine applies gate outcomes to tasks, writing the result back through
// the Task Store so every gate move is also crash-safe.
type Engine struct {
	store *aoftask.Store
}

// New returns an Engine operating against store.
func New(store *aoftask.Store) *Engine {
	return &Engine{store: store}
}

// TransitionGate applies outcome to the task's current gate.
func (e *Engine) TransitionGate(w *Workflow, taskID, outcome, actor, summary, rejectionNotes string, now time.Time) (*TransitionResult, error) {
	t, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Gate == nil {
		gs := GateState0(w, now)
		t.Gate = &gs
	}

	idx := w.gateIndex(t.Gate.Current)
	if idx < 0 {
		return nil, fmt.Errorf("%w: task %q gate %q", ErrUnknownGate, taskID, t.Gate.Current)
	}
	gate := w.Gates[idx]

	act, ok := w.outcomeAction(outcome)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized outcome %q", ErrInvalidWorkflow, outcome)
	}

	duration := now.Sub(t.Gate.Entered)
	fromGate := gate.ID
	var toGateID string
	var becameDone bool

	switch act {
	case actionReject:
		if !gate.CanReject || idx == 0 {
			return nil, fmt.Errorf("%w: gate %q (idx %d)", ErrCannotReject, gate.ID, idx)
		}
		toGateID = w.Gates[0].ID // "origin" strategy
		t.Gate.Current = toGateID
		t.Gate.Entered = now
	case actionAdvance:
		if idx == len(w.Gates)-1 {
			toGateID = "complete"
			becameDone = true
		} else {
			toGateID = w.Gates[idx+1].ID
			t.Gate.Current = toGateID
			t.Gate.Entered = now
		}
	}

	t.Gate.History = append(t.Gate.History, aoftask.GateHistoryEntry{
		Gate: fromGate, Outcome: outcome, At: now, Actor: actor,
	})

	if err := e.store.Update(t, now); err != nil {
		return nil, err
	}

	result := &TransitionResult{
		Task: t, FromGate: fromGate, ToGate: toGateID, Outcome: outcome,
		Duration: duration, Rejected: act == actionReject,
	}

	if becameDone {
		updated, err := e.store.Transition(taskID, aoftask.StatusDone, actor, nil, now)
		if err != nil {
			return nil, err
		}
		result.Task = updated
		return result, nil
	}
	if act == actionReject && t.Status != aoftask.StatusInProgress {
		updated, err := e.store.Transition(taskID, aoftask.StatusInProgress, actor, &aoftask.Lease{Agent: actor, AcquiredAt: now, ExpiresAt: now.Add(24 * time.Hour)}, now)
		if err != nil {
			return nil, err
		}
		result.Task = updated
	}
	return result, nil
}

// Escalate records a gate-timeout escalation without moving gate.current:
// it is a notification, not a transition.
func (e *Engine) Escalate(w *Workflow, taskID, actor string, now time.Time) (*aoftask.Task, error) {
	t, err := e.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Gate == nil {
		return nil, fmt.Errorf("%w: task %q has no active gate", ErrUnknownGate, taskID)
	}
	idx := w.gateIndex(t.Gate.Current)
	if idx < 0 {
		return nil, fmt.Errorf("%w: task %q gate %q", ErrUnknownGate, taskID, t.Gate.Current)
	}
	t.Gate.History = append(t.Gate.History, aoftask.GateHistoryEntry{
		Gate: t.Gate.Current, Outcome: "escalated", At: now, Actor: actor,
	})
	t.EscalatedAt = &now
	if err := e.store.Update(t, now); err != nil {
		return nil, err
	}
	return t, nil
}

// GateState0 builds the initial gate state for a task entering a workflow
// for the first time, positioned at the first declared gate.
func GateState0(w *Workflow, now time.Time) aoftask.GateState {
	return aoftask.GateState{Current: w.Gates[0].ID, Entered: now}
}
