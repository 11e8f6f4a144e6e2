package projection

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// syncDelegation emits, for every parent→child relation, a subtask
// pointer inside the parent's own view directory and a handoff pointer
// inside the child's, each cross-linking to the other's canonical file.
func (e *Engine) syncDelegation(tasks []*aoftask.Task) error {
	root := filepath.Join(e.viewsDir(), "delegation")
	byID := make(map[string]*aoftask.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var desired []pointerFile
	for _, t := range tasks {
		if t.ParentID == "" {
			continue
		}
		parent, ok := byID[t.ParentID]
		if !ok {
			continue
		}

		subtaskDir := filepath.Join(parent.ID, "subtasks")
		subtaskRel := filepath.ToSlash(filepath.Join(subtaskDir, t.ID+".md"))
		subtaskLink := relativeTaskLink(filepath.Join(root, subtaskDir), e.dataDir, t)
		desired = append(desired, pointerFile{
			relPath: subtaskRel,
			content: delegationContent(t, "subtask of", parent.ID, subtaskLink),
		})

		handoffDir := t.ID
		handoffRel := filepath.ToSlash(filepath.Join(handoffDir, "handoff.md"))
		handoffLink := relativeTaskLink(filepath.Join(root, handoffDir), e.dataDir, parent)
		desired = append(desired, pointerFile{
			relPath: handoffRel,
			content: delegationContent(parent, "handed off to", t.ID, handoffLink),
		})
	}

	return reconcile(root, sortedPointers(desired))
}

func delegationContent(t *aoftask.Task, relation, otherID, link string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.Title)
	fmt.Fprintf(&b, "- id: %s\n", t.ID)
	fmt.Fprintf(&b, "- %s: %s\n", relation, otherID)
	fmt.Fprintf(&b, "- link: %s\n", link)
	return []byte(b.String())
}
