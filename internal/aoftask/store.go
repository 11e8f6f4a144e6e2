// Package aoftask implements the task record, its on-disk serialization,
// and the file-backed task store: one markdown+YAML-header file per task,
// filed under a directory named for its current status.
package aoftask

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a directory-per-status, file-backed Task Store. All writes go
// through os.CreateTemp + os.Rename so a crash mid-write
// never leaves a half-written file visible under its final name; status
// transitions additionally use os.Rename to move the file across directories.
//
// Store serializes its own writes with an in-process mutex. The daemon's PID
// lock keeps two daemons from running against the same root concurrently,
// but a single daemon process may still serve overlapping CLI-triggered and
// scheduler-triggered calls.
type Store struct {
	root string
	mu   sync.Mutex

	// changeHook, if set, is invoked synchronously immediately after the
	// authoritative rename for create/transition operations, with no lock
	// held. It is the Store's only coupling to internal/hooks: the daemon
	// wires it to a hooks.Registry.Fire call, keeping this package free of
	// a dependency on the hooks package itself.
	changeHook func(kind, taskID, actor string)
}

// Open creates (if absent) the tasks/{status} directory tree under root and
// returns a Store rooted there.
func Open(root string) (*Store, error) {
	for _, st := range Statuses {
		dir := filepath.Join(root, "tasks", string(st))
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create %q: %v", ErrIO, dir, err)
		}
	}
	return &Store{root: root}, nil
}

// SetChangeHook installs the post-write callback fired after CreateTask and
// Transition. Passing nil disables it.
func (s *Store) SetChangeHook(hook func(kind, taskID, actor string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeHook = hook
}

func (s *Store) statusDir(st Status) string {
	return filepath.Join(s.root, "tasks", string(st))
}

func (s *Store) filePath(st Status, id string) string {
	return filepath.Join(s.statusDir(st), id+".md")
}

// TaskDraft holds the fields a caller supplies when creating a task; every
// other field (ID, timestamps, status, contentHash) is assigned by
// CreateTask.
type TaskDraft struct {
	Project         string
	Title           string
	Description     string
	Priority        Priority
	Routing         Routing
	CreatedBy       string
	DependsOn       []string
	ParentID        string
	RequiredRunbook string
	Metadata        map[string]interface{}
}

// maxIDAttempts bounds the per-day sequence-collision retry loop in
// CreateTask.
const maxIDAttempts = 1000

// CreateTask assigns a new task ID of the form TASK-{YYYY-MM-DD}-{seq},
// fills in timestamps, and writes the task under status=backlog.
func (s *Store) CreateTask(draft TaskDraft, now time.Time) (*Task, error) {
	s.mu.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			s.mu.Unlock()
		}
	}()

	existing, err := s.List()
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.ID] = true
	}

	id, err := nextTaskID(now, taken)
	if err != nil {
		return nil, err
	}

	t := &Task{
		SchemaVersion:    CurrentSchemaVersion,
		ID:               id,
		Project:          draft.Project,
		Title:            draft.Title,
		Description:      draft.Description,
		Status:           StatusBacklog,
		Priority:         draft.Priority,
		Routing:          draft.Routing,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
		CreatedBy:        draft.CreatedBy,
		DependsOn:        draft.DependsOn,
		ParentID:         draft.ParentID,
		RequiredRunbook:  draft.RequiredRunbook,
		Metadata:         draft.Metadata,
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	if err := checkCycle(t, existing); err != nil {
		return nil, err
	}
	for _, dep := range t.DependsOn {
		if !containsID(existing, dep) {
			return nil, fmt.Errorf("%w: dependsOn references unknown task %q", ErrSchemaViolation, dep)
		}
	}
	if t.ParentID != "" && !containsID(existing, t.ParentID) {
		return nil, fmt.Errorf("%w: parentId references unknown task %q", ErrSchemaViolation, t.ParentID)
	}

	RecomputeContentHash(t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := s.writeFile(t); err != nil {
		return nil, err
	}
	hook := s.changeHook
	s.mu.Unlock()
	unlocked = true
	if hook != nil {
		hook("task.created", t.ID, draft.CreatedBy)
	}
	return t, nil
}

// nextTaskID picks the first unused TASK-{date}-{seq} id for now, retrying
// the sequence up to maxIDAttempts times to dodge a same-day collision.
func nextTaskID(now time.Time, taken map[string]bool) (string, error) {
	datePart := now.UTC().Format("2006-01-02")
	for seq := 1; seq <= maxIDAttempts; seq++ {
		id := fmt.Sprintf("TASK-%s-%03d", datePart, seq)
		if !taken[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: exhausted %d id attempts for %s", ErrIO, maxIDAttempts, datePart)
}

// insertExisting writes a fully-formed task (already carrying its own ID)
// as a brand-new file. It exists for store-rebuild/import paths and test
// fixtures that need to seed a specific ID rather than auto-assign one.
func (s *Store) insertExisting(t *Task, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.SchemaVersion == 0 {
		t.SchemaVersion = CurrentSchemaVersion
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.LastTransitionAt.IsZero() {
		t.LastTransitionAt = now
	}
	if t.Status == "" {
		t.Status = StatusBacklog
	}

	if _, st, err := s.locate(t.ID); err == nil {
		return fmt.Errorf("%w: id %q already exists in %s", ErrSchemaViolation, t.ID, st)
	}

	existing, err := s.List()
	if err != nil {
		return err
	}
	if err := checkCycle(t, existing); err != nil {
		return err
	}
	for _, dep := range t.DependsOn {
		if !containsID(existing, dep) {
			return fmt.Errorf("%w: dependsOn references unknown task %q", ErrSchemaViolation, dep)
		}
	}
	if t.ParentID != "" && !containsID(existing, t.ParentID) {
		return fmt.Errorf("%w: parentId references unknown task %q", ErrSchemaViolation, t.ParentID)
	}

	RecomputeContentHash(t)
	if err := t.Validate(); err != nil {
		return err
	}
	return s.writeFile(t)
}

// Get loads a task by its exact ID, scanning every status directory.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.locate(id)
	return t, err
}

// GetByPrefix resolves a (possibly abbreviated) ID prefix to exactly one
// task, the way a short git hash resolves to one commit. Zero matches is
// ErrNotFound; more than one is ErrAmbiguous.
func (s *Store) GetByPrefix(prefix string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var matches []*Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, prefix) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d tasks", ErrAmbiguous, prefix, len(matches))
	}
}

// List returns every task across all status directories, unreadable files
// skipped and logged rather than failing the whole scan.
func (s *Store) List() ([]*Task, error) {
	var out []*Task
	for _, st := range Statuses {
		dir := s.statusDir(st)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: read %q: %v", ErrIO, dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("aoftask: skipping unreadable task file", "path", path, "error", err)
				continue
			}
			t, err := Parse(data)
			if err != nil {
				slog.Warn("aoftask: skipping unparseable task file", "path", path, "error", err)
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListFilter narrows List results to tasks matching every non-empty field.
type ListFilter struct {
	Agent  string
	Status Status
}

// Filter returns every task matching f, applied in-memory over List.
func (s *Store) Filter(f ListFilter) ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Agent != "" && t.Routing.Agent != f.Agent {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// CountByStatus returns the number of tasks filed under each status, used
// by the scheduler to populate the aof_tasks_total gauge on every poll.
func (s *Store) CountByStatus() (map[Status]int, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

// Update rewrites a task in place without changing its status. Callers
// mutating Routing, Description, Metadata, DependsOn, etc. go through here;
// status changes must go through Transition.
func (s *Store) Update(t *Task, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, curStatus, err := s.locate(t.ID)
	if err != nil {
		return err
	}
	if t.Status != curStatus {
		return fmt.Errorf("%w: Update cannot change status (use Transition)", ErrInvalidTransition)
	}
	if IsTerminal(curStatus) {
		return fmt.Errorf("%w: task %q is %s", ErrTerminalState, t.ID, curStatus)
	}
	all, err := s.List()
	if err != nil {
		return err
	}
	if err := checkCycle(t, all); err != nil {
		return err
	}
	t.CreatedAt = existing.CreatedAt
	t.LastTransitionAt = existing.LastTransitionAt
	t.UpdatedAt = now
	RecomputeContentHash(t)
	if err := t.Validate(); err != nil {
		return err
	}
	return s.writeFile(t)
}

// Transition moves a task from its current status to to, validating against
// the lifecycle table and recording the move with an os.Rename across
// status directories. The Lease invariant (lease iff in-progress) is
// maintained here: entering in-progress requires lease to be non-nil
// (the Lease Manager acquires it first and passes it through); leaving
// in-progress clears it. For any other transition lease is ignored.
func (s *Store) Transition(id string, to Status, actor string, lease *Lease, now time.Time) (*Task, error) {
	s.mu.Lock()
	unlocked := false
	defer func() {
		if !unlocked {
			s.mu.Unlock()
		}
	}()

	t, from, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	if from == to {
		return t, nil
	}
	if IsTerminal(from) {
		return nil, fmt.Errorf("%w: task %q is %s", ErrTerminalState, id, from)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StatusInProgress && lease == nil {
		return nil, fmt.Errorf("%w: entering in-progress requires an acquired lease", ErrSchemaViolation)
	}

	oldPath := s.filePath(from, id)
	t.Status = to
	t.UpdatedAt = now
	t.LastTransitionAt = now

	if to == StatusInProgress {
		t.Lease = lease
	} else {
		t.Lease = nil
	}

	RecomputeContentHash(t)
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if err := s.writeFileTo(t, to); err != nil {
		return nil, err
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("aoftask: stale file left after transition", "path", oldPath, "error", err)
	}
	slog.Info("task transitioned", "task_id", id, "from", from, "to", to, "actor", actor)
	hook := s.changeHook
	s.mu.Unlock()
	unlocked = true
	if hook != nil {
		hook("task.transitioned", id, actor)
	}
	return t, nil
}

// Block is a convenience wrapper over Transition(id, StatusBlocked, ...)
// that records reason in the task's metadata.
func (s *Store) Block(id, reason, actor string, now time.Time) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	t.Metadata["blockReason"] = reason
	if err := s.Update(t, now); err != nil {
		return nil, err
	}
	return s.Transition(id, StatusBlocked, actor, nil, now)
}

// TaskPatch is a merge-patch over a task's mutable fields. A nil field is
// left untouched; Metadata entries are merged key-by-key, not replaced
// wholesale.
type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *Priority
	Routing     *Routing
	Metadata    map[string]interface{}
}

// PatchTask applies patch to the task with the given id via Update.
func (s *Store) PatchTask(id string, patch TaskPatch, now time.Time) (*Task, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Routing != nil {
		t.Routing = *patch.Routing
	}
	if len(patch.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = map[string]interface{}{}
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	if err := s.Update(t, now); err != nil {
		return nil, err
	}
	return t, nil
}

// Delete removes a task's file outright. Used only for deadletter cleanup
// and test fixtures; the ordinary lifecycle never deletes a record.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, st, err := s.locate(id)
	if err != nil {
		return err
	}
	path := s.filePath(st, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %q: %v", ErrIO, path, err)
	}
	return nil
}

// LintFinding describes one integrity problem Lint discovered. Lint never
// fails outright on a single bad file; it collects findings and keeps going.
type LintFinding struct {
	Path   string
	Reason string
}

// Lint walks every status directory (including any non-standard ones found
// alongside the canonical set) and reports content-hash mismatches, parse
// failures, files misfiled relative to the directory they live in, and
// orphaned subtasks (a parentId that does not resolve to any task on disk).
func (s *Store) Lint() ([]LintFinding, error) {
	var findings []LintFinding

	tasksDir := filepath.Join(s.root, "tasks")
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %q: %v", ErrIO, tasksDir, err)
	}

	type parsedFile struct {
		path string
		task *Task
	}
	var parsed []parsedFile

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		dirStatus := Status(dirEntry.Name())
		dir := filepath.Join(tasksDir, dirEntry.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			findings = append(findings, LintFinding{Path: dir, Reason: err.Error()})
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				findings = append(findings, LintFinding{Path: path, Reason: err.Error()})
				continue
			}
			t, err := Parse(data)
			if err != nil {
				findings = append(findings, LintFinding{Path: path, Reason: err.Error()})
				continue
			}
			if !VerifyContentHash(t) {
				findings = append(findings, LintFinding{Path: path, Reason: "contentHash mismatch"})
			}
			if dirStatus.valid() && t.Status != dirStatus {
				findings = append(findings, LintFinding{
					Path:   path,
					Reason: fmt.Sprintf("filed under %s but header status is %s", dirStatus, t.Status),
				})
			}
			parsed = append(parsed, parsedFile{path: path, task: t})
		}
	}

	ids := make(map[string]bool, len(parsed))
	for _, p := range parsed {
		ids[p.task.ID] = true
	}
	for _, p := range parsed {
		if p.task.ParentID != "" && !ids[p.task.ParentID] {
			findings = append(findings, LintFinding{
				Path:   p.path,
				Reason: fmt.Sprintf("orphaned subtask: parentId %q does not exist", p.task.ParentID),
			})
		}
	}
	return findings, nil
}

// locate finds a task by exact ID, returning it along with the status
// directory it was found in.
func (s *Store) locate(id string) (*Task, Status, error) {
	for _, st := range Statuses {
		path := s.filePath(st, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("%w: read %q: %v", ErrIO, path, err)
		}
		t, err := Parse(data)
		if err != nil {
			return nil, "", err
		}
		return t, st, nil
	}
	return nil, "", fmt.Errorf("%w: %q", ErrNotFound, id)
}

// writeFile persists t under its own Status directory.
func (s *Store) writeFile(t *Task) error {
	return s.writeFileTo(t, t.Status)
}

// writeFileTo persists t's serialized form under the given status
// directory via create-temp-in-same-dir + rename, so a crash mid-write
// never leaves a partial file visible under its final name.
func (s *Store) writeFileTo(t *Task, st Status) error {
	dir := s.statusDir(st)
	data := Serialize(t)

	tmp, err := os.CreateTemp(dir, "."+t.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %q: %v", ErrIO, t.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file for %q: %v", ErrIO, t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file for %q: %v", ErrIO, t.ID, err)
	}

	final := filepath.Join(dir, t.ID+".md")
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename into %q: %v", ErrIO, final, err)
	}
	return nil
}

func containsID(tasks []*Task, id string) bool {
	for _, t := range tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// checkCycle reports ErrCycleDetected if adding candidate (with its
// dependsOn list) to existing would create a dependency cycle. It runs a
// DFS from candidate's dependencies looking for a path back to candidate.
func checkCycle(candidate *Task, existing []*Task) error {
	byID := make(map[string]*Task, len(existing)+1)
	for _, t := range existing {
		byID[t.ID] = t
	}
	byID[candidate.ID] = candidate

	visited := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if id == candidate.ID {
			return fmt.Errorf("%w: via %q", ErrCycleDetected, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		t, ok := byID[id]
		if !ok {
			return nil
		}
		for _, dep := range t.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range candidate.DependsOn {
		if err := visit(dep); err != nil {
			return err
		}
	}
	return nil
}
