package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firestige-labs/aof/internal/workflow"
)

// projectsFile is the on-disk shape of project.yaml: one workflow
// declaration per project, keyed by project name.
type projectsFile struct {
	Projects map[string]projectDef `yaml:"projects"`
}

type projectDef struct {
	RejectionStrategy string    `yaml:"rejectionStrategy"`
	Gates             []gateDef `yaml:"gates"`
}

type gateDef struct {
	ID         string `yaml:"id"`
	Role       string `yaml:"role"`
	CanReject  bool   `yaml:"canReject"`
	Timeout    string `yaml:"timeout"`
	EscalateTo string `yaml:"escalateTo"`
}

// LoadProjects reads project.yaml and returns one validated Workflow per
// declared project, the same tolerant-YAML-then-validate approach the task
// header parser uses for task files.
func LoadProjects(path string) (map[string]*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read projects file %q: %w", path, err)
	}

	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parse projects file %q: %w", path, err)
	}

	result := make(map[string]*workflow.Workflow, len(pf.Projects))
	for name, def := range pf.Projects {
		w := &workflow.Workflow{
			Project:           name,
			RejectionStrategy: def.RejectionStrategy,
		}
		for _, g := range def.Gates {
			var timeout time.Duration
			if g.Timeout != "" {
				if err := workflow.ValidateTimeoutString(g.Timeout); err != nil {
					return nil, fmt.Errorf("config: project %q gate %q: %w", name, g.ID, err)
				}
				timeout, err = time.ParseDuration(g.Timeout)
				if err != nil {
					return nil, fmt.Errorf("config: project %q gate %q: invalid timeout %q: %w", name, g.ID, g.Timeout, err)
				}
			}
			w.Gates = append(w.Gates, workflow.Gate{
				ID:         g.ID,
				Role:       g.Role,
				CanReject:  g.CanReject,
				Timeout:    timeout,
				EscalateTo: g.EscalateTo,
			})
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("config: project %q: %w", name, err)
		}
		result[name] = w
	}
	return result, nil
}

// OrgChart is the parsed shape of org/org-chart.yaml: role → team
// membership. Nothing in the CLI or daemon loads it; routing.role is not
// checked against it.
type OrgChart struct {
	Roles map[string][]string `yaml:"roles"`
}

// LoadOrgChart reads org/org-chart.yaml. A missing file is not an error;
// it returns an empty chart, since org-chart enrichment is optional.
func LoadOrgChart(path string) (*OrgChart, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &OrgChart{Roles: map[string][]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read org chart %q: %w", path, err)
	}
	var chart OrgChart
	if err := yaml.Unmarshal(data, &chart); err != nil {
		return nil, fmt.Errorf("config: parse org chart %q: %w", path, err)
	}
	if chart.Roles == nil {
		chart.Roles = map[string][]string{}
	}
	return &chart, nil
}
