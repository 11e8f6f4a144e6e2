// Package projection materializes read-only pointer files under
// {dataDir}/views for human consumption: a Kanban board, a per-agent
// Mailbox, and Delegation handoff artifacts. The
// authoritative task files under tasks/{status}/ never move as a result of
// a projection sync; only pointer files under views/ are written, compared,
// and pruned.
//
// Each sync computes the desired set of pointer files, diffs it against
// what is already on disk, writes only the files whose content changed,
// and removes files no longer in the desired set. All writes use the same
// create-temp-then-rename pattern as the Task Store
// (aoftask.Store.writeFile) so a sync can be interrupted without leaving a
// half-written pointer.
package projection

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// Swimlane selects how the Kanban projection buckets tasks.
type Swimlane string

const (
	SwimlanePriority Swimlane = "priority"
	SwimlaneProject  Swimlane = "project"
	SwimlanePhase     Swimlane = "phase"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeName collapses whitespace/path separators/anything not
// alphanumeric-dash-underscore into a single "-" so the result is always a
// safe single path segment.
func sanitizeName(name string) string {
	if name == "" {
		return "unassigned"
	}
	s := unsafeNameChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "unassigned"
	}
	return s
}

// Engine syncs views/ projections from the authoritative Store.
type Engine struct {
	dataDir string
	store   *aoftask.Store
}

// New creates a projection Engine rooted at dataDir (views/ is created
// beneath it), reading tasks from store.
func New(dataDir string, store *aoftask.Store) *Engine {
	return &Engine{dataDir: dataDir, store: store}
}

func (e *Engine) viewsDir() string { return filepath.Join(e.dataDir, "views") }

// SyncAll rebuilds every projection from the current store state. It is
// safe to call after every transition (hook-triggered) or on demand
// (forced rebuild).
func (e *Engine) SyncAll() error {
	tasks, err := e.store.List()
	if err != nil {
		return fmt.Errorf("projection: list tasks: %w", err)
	}
	if err := e.syncKanban(tasks); err != nil {
		return err
	}
	if err := e.syncMailbox(tasks); err != nil {
		return err
	}
	if err := e.syncDelegation(tasks); err != nil {
		return err
	}
	return nil
}

// pointerFile is one desired pointer file: relative path under views/, and
// its full content.
type pointerFile struct {
	relPath string
	content []byte
}

// reconcile writes/prunes files under root so exactly the desired set
// exists, skipping writes for files whose content is unchanged.
func reconcile(root string, desired []pointerFile) error {
	desiredSet := make(map[string][]byte, len(desired))
	for _, pf := range desired {
		desiredSet[pf.relPath] = pf.content
	}

	existing := make(map[string]bool)
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		existing[filepath.ToSlash(rel)] = true
		return nil
	})

	for rel, content := range desiredSet {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if current, err := os.ReadFile(full); err == nil && string(current) == string(content) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return fmt.Errorf("projection: mkdir %q: %w", filepath.Dir(full), err)
		}
		if err := atomicWrite(full, content); err != nil {
			return err
		}
	}

	for rel := range existing {
		if _, ok := desiredSet[rel]; ok {
			continue
		}
		_ = os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
	}

	return nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("projection: create temp in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("projection: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projection: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("projection: rename temp to %q: %w", path, err)
	}
	return nil
}

func header(t *aoftask.Task, relLink string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	fmt.Fprintf(&b, "- id: %s\n", t.ID)
	fmt.Fprintf(&b, "- status: %s\n", t.Status)
	fmt.Fprintf(&b, "- priority: %s\n", t.Priority)
	fmt.Fprintf(&b, "- link: %s\n", relLink)
	return []byte(b.String())
}

// relativeTaskLink computes the relative path from a views/ pointer
// directory back to the task's canonical file.
func relativeTaskLink(fromDir, dataDir string, t *aoftask.Task) string {
	target := filepath.Join(dataDir, "tasks", string(t.Status), t.ID+".md")
	rel, err := filepath.Rel(fromDir, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

func sortedPointers(pfs []pointerFile) []pointerFile {
	sort.Slice(pfs, func(i, j int) bool { return pfs[i].relPath < pfs[j].relPath })
	return pfs
}
