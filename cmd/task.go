package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/cascade"
	"github.com/firestige-labs/aof/internal/config"
	"github.com/firestige-labs/aof/internal/eventlog"
	"github.com/firestige-labs/aof/internal/lease"
	"github.com/firestige-labs/aof/internal/metrics"
	"github.com/firestige-labs/aof/internal/workflow"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect, and transition tasks",
}

func openStore() (*aoftask.Store, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	return aoftask.Open(dir)
}

// openStoreWithEvents opens the task store and wires its change hook to
// append every create/transition into the event log rooted at
// {dataDir}/events, so a one-off CLI invocation logs exactly the same
// events a running daemon would.
func openStoreWithEvents() (*aoftask.Store, *eventlog.Log, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := aoftask.Open(dir)
	if err != nil {
		return nil, nil, err
	}
	events, err := eventlog.Open(filepath.Join(dir, "events"))
	if err != nil {
		return nil, nil, err
	}
	store.SetChangeHook(func(kind, taskID, actor string) {
		evt := eventlog.Event{Kind: kind, TaskID: taskID, Actor: actor}
		if err := events.Append(evt); err != nil {
			slog.Error("cli: event log append failed", "kind", kind, "task_id", taskID, "error", err)
		}
	})
	return store, events, nil
}

// loadWorkflowForProject reads the configured projects file and returns the
// declared Workflow for project.
func loadWorkflowForProject(project string) (*workflow.Workflow, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	workflows, err := config.LoadProjects(cfg.ProjectsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load projects file %q: %w", cfg.ProjectsFile, err)
	}
	w, ok := workflows[project]
	if !ok {
		return nil, fmt.Errorf("no workflow declared for project %q", project)
	}
	return w, nil
}

var (
	createProject     string
	createTitle       string
	createDescription string
	createPriority    string
	createAgent       string
	createCreatedBy   string
	createDependsOn   []string
	createParentID    string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task in the backlog",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStoreWithEvents()
		if err != nil {
			return err
		}
		draft := aoftask.TaskDraft{
			Project:     createProject,
			Title:       createTitle,
			Description: createDescription,
			Priority:    aoftask.Priority(createPriority),
			Routing:     aoftask.Routing{Agent: createAgent},
			CreatedBy:   createCreatedBy,
			DependsOn:   createDependsOn,
			ParentID:    createParentID,
		}
		t, err := store.CreateTask(draft, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by status or agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		statusFilter, _ := cmd.Flags().GetString("status")
		agentFilter, _ := cmd.Flags().GetString("agent")

		tasks, err := store.Filter(aoftask.ListFilter{
			Status: aoftask.Status(statusFilter),
			Agent:  agentFilter,
		})
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		for _, t := range tasks {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Title)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a task's full header and body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		t, err := store.GetByPrefix(args[0])
		if err != nil {
			return fmt.Errorf("failed to look up task %q: %w", args[0], err)
		}
		cmd.OutOrStdout().Write(aoftask.Serialize(t))
		return nil
	},
}

var taskTransitionCmd = &cobra.Command{
	Use:   "transition [id] [status]",
	Short: "Transition a task to a new status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, events, err := openStoreWithEvents()
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")
		t, err := store.GetByPrefix(args[0])
		if err != nil {
			return fmt.Errorf("failed to look up task %q: %w", args[0], err)
		}
		to := aoftask.Status(strings.ToLower(args[1]))
		updated, err := store.Transition(t.ID, to, actor, nil, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to transition %s: %w", t.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", updated.ID, updated.Status)

		if to == aoftask.StatusDone {
			cascader := cascade.New(store)
			cascader.SetEventLog(events)
			if _, err := cascader.OnCompletion(updated.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("completion cascade failed: %w", err)
			}
		}
		return nil
	},
}

var (
	leaseAgent string
	leaseTTL   string
)

var taskLeaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Acquire or release a task's lease",
}

var taskLeaseAcquireCmd = &cobra.Command{
	Use:   "acquire [id]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, events, err := openStoreWithEvents()
		if err != nil {
			return err
		}
		ttl, err := time.ParseDuration(leaseTTL)
		if err != nil {
			return fmt.Errorf("invalid --ttl %q: %w", leaseTTL, err)
		}
		t, err := store.GetByPrefix(args[0])
		if err != nil {
			return err
		}
		m := lease.New(store)
		m.SetEventLog(events)
		updated, err := m.Acquire(t.ID, leaseAgent, ttl, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s leased to %s until %s\n", updated.ID, updated.Lease.Agent, updated.Lease.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var taskLeaseReleaseCmd = &cobra.Command{
	Use:   "release [id]",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, events, err := openStoreWithEvents()
		if err != nil {
			return err
		}
		t, err := store.GetByPrefix(args[0])
		if err != nil {
			return err
		}
		m := lease.New(store)
		m.SetEventLog(events)
		updated, err := m.Release(t.ID, leaseAgent, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to release lease: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s released, now %s\n", updated.ID, updated.Status)
		return nil
	},
}

var (
	gateOutcome        string
	gateActor          string
	gateSummary        string
	gateRejectionNotes string
)

var taskGateCmd = &cobra.Command{
	Use:   "gate [id]",
	Short: "Advance or reject a task's current workflow gate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, events, err := openStoreWithEvents()
		if err != nil {
			return err
		}
		t, err := store.GetByPrefix(args[0])
		if err != nil {
			return fmt.Errorf("failed to look up task %q: %w", args[0], err)
		}
		w, err := loadWorkflowForProject(t.Project)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		result, err := workflow.New(store).TransitionGate(w, t.ID, gateOutcome, gateActor, gateSummary, gateRejectionNotes, now)
		if err != nil {
			return fmt.Errorf("failed to transition gate: %w", err)
		}

		metrics.GateDurationSeconds.WithLabelValues(w.Project, result.FromGate, result.Outcome).Observe(result.Duration.Seconds())
		metrics.GateTransitionsTotal.WithLabelValues(result.FromGate, result.ToGate).Inc()
		if result.Rejected {
			metrics.GateRejectionsTotal.WithLabelValues(result.FromGate, w.Project).Inc()
		}

		if events != nil {
			evt := eventlog.Event{
				Timestamp: now,
				Kind:      "workflow.gate.transitioned",
				TaskID:    t.ID,
				Actor:     gateActor,
				Payload: map[string]interface{}{
					"fromGate":   result.FromGate,
					"toGate":     result.ToGate,
					"outcome":    result.Outcome,
					"rejected":   result.Rejected,
					"durationMs": result.Duration.Milliseconds(),
				},
			}
			if err := events.Append(evt); err != nil {
				slog.Error("cli: event log append failed", "kind", evt.Kind, "task_id", t.ID, "error", err)
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%s)\n", t.ID, result.FromGate, result.ToGate, result.Outcome)
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&createProject, "project", "", "project name")
	taskCreateCmd.Flags().StringVar(&createTitle, "title", "", "task title")
	taskCreateCmd.Flags().StringVar(&createDescription, "description", "", "task description")
	taskCreateCmd.Flags().StringVar(&createPriority, "priority", string(aoftask.PriorityNormal), "priority (low/normal/high/critical)")
	taskCreateCmd.Flags().StringVar(&createAgent, "agent", "", "routing.agent")
	taskCreateCmd.Flags().StringVar(&createCreatedBy, "created-by", "", "actor creating the task")
	taskCreateCmd.Flags().StringSliceVar(&createDependsOn, "depends-on", nil, "dependency task IDs")
	taskCreateCmd.Flags().StringVar(&createParentID, "parent", "", "parent task ID")

	taskListCmd.Flags().String("status", "", "filter by status")
	taskListCmd.Flags().String("agent", "", "filter by routing.agent")

	taskTransitionCmd.Flags().String("actor", "", "actor performing the transition")

	taskLeaseAcquireCmd.Flags().StringVar(&leaseAgent, "agent", "", "agent acquiring the lease")
	taskLeaseAcquireCmd.Flags().StringVar(&leaseTTL, "ttl", "1h", "lease TTL")
	taskLeaseReleaseCmd.Flags().StringVar(&leaseAgent, "agent", "", "agent releasing the lease")

	taskGateCmd.Flags().StringVar(&gateOutcome, "outcome", "", "gate outcome (e.g. complete, needs_review)")
	taskGateCmd.Flags().StringVar(&gateActor, "actor", "", "actor recording the outcome")
	taskGateCmd.Flags().StringVar(&gateSummary, "summary", "", "summary recorded with the outcome")
	taskGateCmd.Flags().StringVar(&gateRejectionNotes, "rejection-notes", "", "notes recorded when the outcome rejects")

	taskLeaseCmd.AddCommand(taskLeaseAcquireCmd, taskLeaseReleaseCmd)
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskTransitionCmd, taskLeaseCmd, taskGateCmd)
}
