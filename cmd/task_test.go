package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// readEventLog concatenates every events/*.jsonl file under dir, for tests
// that assert on what was appended.
func readEventLog(t *testing.T, dir string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("ReadDir failed: %v", err)
	}
	var buf bytes.Buffer
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, "events", e.Name()))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		buf.Write(data)
	}
	return buf.String()
}

func withTestDataDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	old := dataDir
	dataDir = dir
	t.Cleanup(func() { dataDir = old })
	return dir
}

func execRoot(t *testing.T, args []string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestTaskCreateAndList(t *testing.T) {
	dir := withTestDataDir(t)

	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "wire up ingestion",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	assert.Contains(t, out, "TASK-")

	out, err = execRoot(t, []string{"task", "list", "--data-dir", dir})
	assert.NoError(t, err)
	assert.Contains(t, out, "wire up ingestion")
	assert.Contains(t, out, "backlog")
}

func TestTaskShowPrintsSerializedHeader(t *testing.T) {
	dir := withTestDataDir(t)
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "show me",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	id := firstTaskIDFromOutput(out)

	out, err = execRoot(t, []string{"task", "show", id, "--data-dir", dir})
	assert.NoError(t, err)
	assert.Contains(t, out, "title: show me")
	assert.Contains(t, out, "project: atlas")
}

func TestTaskTransitionRejectsInvalidEdge(t *testing.T) {
	dir := withTestDataDir(t)
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "invalid edge",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	id := firstTaskIDFromOutput(out)

	_, err = execRoot(t, []string{"task", "transition", id, "done", "--data-dir", dir, "--actor", "alice"})
	assert.Error(t, err)
}

func TestTaskLeaseAcquireAndRelease(t *testing.T) {
	dir := withTestDataDir(t)
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "lease flow",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	id := firstTaskIDFromOutput(out)

	_, err = execRoot(t, []string{"task", "transition", id, "ready", "--data-dir", dir, "--actor", "alice"})
	assert.NoError(t, err)

	out, err = execRoot(t, []string{"task", "lease", "acquire", id, "--data-dir", dir, "--agent", "bot-1", "--ttl", "1h"})
	assert.NoError(t, err)
	assert.Contains(t, out, "leased to bot-1")

	out, err = execRoot(t, []string{"task", "lease", "release", id, "--data-dir", dir, "--agent", "bot-1"})
	assert.NoError(t, err)
	assert.Contains(t, out, "released, now ready")
}

func TestTaskCreateAndTransitionAppendEvents(t *testing.T) {
	dir := withTestDataDir(t)
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "logged",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	id := firstTaskIDFromOutput(out)

	_, err = execRoot(t, []string{"task", "transition", id, "ready", "--data-dir", dir, "--actor", "alice"})
	assert.NoError(t, err)

	log := readEventLog(t, dir)
	assert.Contains(t, log, `"kind":"task.created"`)
	assert.Contains(t, log, `"kind":"task.transitioned"`)
	assert.Contains(t, log, id)
}

func TestTaskLeaseAcquireAndReleaseAppendEvents(t *testing.T) {
	dir := withTestDataDir(t)
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "leased and logged",
		"--created-by", "alice",
	})
	assert.NoError(t, err)
	id := firstTaskIDFromOutput(out)

	_, err = execRoot(t, []string{"task", "transition", id, "ready", "--data-dir", dir, "--actor", "alice"})
	assert.NoError(t, err)
	_, err = execRoot(t, []string{"task", "lease", "acquire", id, "--data-dir", dir, "--agent", "bot-1", "--ttl", "1h"})
	assert.NoError(t, err)
	_, err = execRoot(t, []string{"task", "lease", "release", id, "--data-dir", dir, "--agent", "bot-1"})
	assert.NoError(t, err)

	log := readEventLog(t, dir)
	assert.Contains(t, log, `"kind":"task.lease.acquired"`)
	assert.Contains(t, log, `"kind":"task.lease.released"`)
}

func TestTaskCreateRejectsUnknownParent(t *testing.T) {
	dir := withTestDataDir(t)
	t.Cleanup(func() { createParentID = "" })
	_, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "orphan",
		"--created-by", "alice",
		"--parent", "TASK-2026-07-31-999",
	})
	assert.Error(t, err)
}

// writeTestProject writes a minimal aofd.yaml + project.yaml pair declaring
// a two-gate workflow for project "atlas", returning the config file path.
func writeTestProject(t *testing.T, dataDir string) string {
	t.Helper()
	cfgDir := t.TempDir()

	projectsPath := filepath.Join(cfgDir, "project.yaml")
	projectsYAML := `
projects:
  atlas:
    gates:
      - id: design-review
        role: lead
      - id: qa-signoff
        role: qa
        canReject: true
`
	if err := os.WriteFile(projectsPath, []byte(projectsYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfgPath := filepath.Join(cfgDir, "aofd.yaml")
	cfgYAML := fmt.Sprintf("aof:\n  data_dir: %s\n  projects_file: %s\n", dataDir, projectsPath)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return cfgPath
}

// seedGatedTask creates a task, advances it to in-progress under a lease,
// and positions it at the first gate of the given workflow.
func seedGatedTask(t *testing.T, dir, gateID string) string {
	t.Helper()
	out, err := execRoot(t, []string{
		"task", "create",
		"--data-dir", dir,
		"--project", "atlas",
		"--title", "gated task",
		"--created-by", "alice",
	})
	if err != nil {
		t.Fatalf("task create failed: %v", err)
	}
	id := firstTaskIDFromOutput(out)

	store, err := aoftask.Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	now := time.Now().UTC()
	if _, err := store.Transition(id, aoftask.StatusReady, "alice", nil, now); err != nil {
		t.Fatalf("transition to ready failed: %v", err)
	}
	l := &aoftask.Lease{Agent: "bot", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
	task, err := store.Transition(id, aoftask.StatusInProgress, "bot", l, now)
	if err != nil {
		t.Fatalf("transition to in-progress failed: %v", err)
	}
	task.Gate = &aoftask.GateState{Current: gateID, Entered: now}
	if err := store.Update(task, now); err != nil {
		t.Fatalf("seeding gate state failed: %v", err)
	}
	return id
}

func TestTaskGateAdvancesAndRecordsEvent(t *testing.T) {
	dir := withTestDataDir(t)
	cfgPath := writeTestProject(t, dir)
	id := seedGatedTask(t, dir, "design-review")

	out, err := execRoot(t, []string{
		"task", "gate", id,
		"--data-dir", dir, "--config", cfgPath,
		"--outcome", "complete", "--actor", "lead",
	})
	assert.NoError(t, err)
	assert.Contains(t, out, "design-review -> qa-signoff")

	log := readEventLog(t, dir)
	assert.Contains(t, log, `"kind":"workflow.gate.transitioned"`)
	assert.Contains(t, log, `"toGate":"qa-signoff"`)
}

func TestTaskGateRejectReturnsToOrigin(t *testing.T) {
	dir := withTestDataDir(t)
	cfgPath := writeTestProject(t, dir)
	id := seedGatedTask(t, dir, "qa-signoff")

	out, err := execRoot(t, []string{
		"task", "gate", id,
		"--data-dir", dir, "--config", cfgPath,
		"--outcome", "needs_review", "--actor", "qa",
	})
	assert.NoError(t, err)
	assert.Contains(t, out, "qa-signoff -> design-review")

	log := readEventLog(t, dir)
	assert.Contains(t, log, `"rejected":true`)
}

func TestLintReportsNoIssuesOnFreshStore(t *testing.T) {
	dir := withTestDataDir(t)
	if _, err := aoftask.Open(dir); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	out, err := execRoot(t, []string{"lint", "--data-dir", dir})
	assert.NoError(t, err)
	assert.Contains(t, out, "no issues found")
}

// firstTaskIDFromOutput extracts the TASK-... id printed by `task create`,
// which writes exactly the id followed by a newline.
func firstTaskIDFromOutput(out string) string {
	for i := 0; i < len(out); i++ {
		if out[i] == '\n' {
			return out[:i]
		}
	}
	return out
}
