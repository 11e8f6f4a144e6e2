package projection

import (
	"path/filepath"

	"github.com/firestige-labs/aof/internal/aoftask"
)

// kanbanModes lists every swimlane mode materialized side by side under
// views/kanban/{mode}/..., so all three groupings are always available
// without a forced rebuild.
var kanbanModes = []Swimlane{SwimlanePriority, SwimlaneProject, SwimlanePhase}

func (e *Engine) syncKanban(tasks []*aoftask.Task) error {
	root := filepath.Join(e.viewsDir(), "kanban")
	var desired []pointerFile

	for _, mode := range kanbanModes {
		for _, t := range tasks {
			lane := sanitizeName(kanbanLaneValue(mode, t))
			relDir := filepath.Join(string(mode), lane, string(t.Status))
			relPath := filepath.ToSlash(filepath.Join(relDir, t.ID+".md"))
			link := relativeTaskLink(filepath.Join(root, relDir), e.dataDir, t)
			desired = append(desired, pointerFile{relPath: relPath, content: header(t, link)})
		}
	}

	return reconcile(root, sortedPointers(desired))
}

func kanbanLaneValue(mode Swimlane, t *aoftask.Task) string {
	switch mode {
	case SwimlanePriority:
		return string(t.Priority)
	case SwimlaneProject:
		return t.Project
	case SwimlanePhase:
		if t.Gate != nil {
			return t.Gate.Current
		}
		return "no-gate"
	default:
		return "unknown"
	}
}
