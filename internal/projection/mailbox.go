package projection

import (
	"path/filepath"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// mailboxFolder maps a task's status to its folder in the assigned
// agent's mailbox. Tasks whose status has no mapping (backlog, done,
// cancelled, deadletter) are omitted from the mailbox projection entirely.
func mailboxFolder(status aoftask.Status) (string, bool) {
	switch status {
	case aoftask.StatusReady:
		return "inbox", true
	case aoftask.StatusInProgress, aoftask.StatusBlocked:
		return "processing", true
	case aoftask.StatusReview:
		return "outbox", true
	default:
		return "", false
	}
}

func (e *Engine) syncMailbox(tasks []*aoftask.Task) error {
	root := filepath.Join(e.viewsDir(), "mailbox")
	var desired []pointerFile

	for _, t := range tasks {
		agent := t.Routing.Agent
		if agent == "" {
			continue
		}
		folder, ok := mailboxFolder(t.Status)
		if !ok {
			continue
		}
		relDir := filepath.Join(sanitizeName(agent), folder)
		relPath := filepath.ToSlash(filepath.Join(relDir, t.ID+".md"))
		link := relativeTaskLink(filepath.Join(root, relDir), e.dataDir, t)
		desired = append(desired, pointerFile{relPath: relPath, content: header(t, link)})
	}

	return reconcile(root, sortedPointers(desired))
}
