package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tasknet/dispatch/internal/scheduler"
	"github.com/tasknet/dispatch/pkg/models"
)

var submitDispatch bool

var submitCmd = &cobra.Command{
	Use:   "submit <manifest.yaml>",
	Short: "Submit a task manifest",
	Long: `Submit a task and its subtasks from a YAML manifest.

Subtask names are manifest-local: depends_on refers to the name of
another subtask in the same manifest, and the dependency graph is
validated for unknown references and cycles before anything is
stored. Example:

  title: Nightly report
  privacy_tier: 1
  subtasks:
    - name: fetch
      title: Fetch source data
      recommended_tool: browser
      priority: 5
    - name: render
      title: Render the report
      depends_on: [fetch]

With --dispatch the submitted subtasks are allocated immediately
instead of waiting for the daemon's next cycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVar(&submitDispatch, "dispatch", false, "Allocate the submitted subtasks immediately")
}

// taskManifest is the YAML shape accepted by submit.
type taskManifest struct {
	Title       string            `yaml:"title"`
	Description string            `yaml:"description"`
	PrivacyTier int               `yaml:"privacy_tier"`
	Subtasks    []subtaskManifest `yaml:"subtasks"`
}

type subtaskManifest struct {
	Name            string   `yaml:"name"`
	Title           string   `yaml:"title"`
	RecommendedTool string   `yaml:"recommended_tool"`
	Priority        int      `yaml:"priority"`
	PrivacyTier     int      `yaml:"privacy_tier"`
	DependsOn       []string `yaml:"depends_on"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest taskManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Title == "" {
		return fmt.Errorf("manifest has no title")
	}
	if len(manifest.Subtasks) == 0 {
		return fmt.Errorf("manifest has no subtasks")
	}

	task, subtasks, err := buildTask(&manifest)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.QueryTimeout)
	defer cancel()

	if err := db.CreateTask(ctx, task); err != nil {
		return err
	}
	for _, st := range subtasks {
		if err := db.CreateSubtask(ctx, st); err != nil {
			return err
		}
	}

	fmt.Printf("Submitted task %s with %d subtasks\n", task.ID, len(subtasks))

	if submitDispatch {
		sched := newLocalScheduler(cfg, db)
		res := sched.ScheduleTask(context.Background(), task.ID)
		if res.Err != "" {
			fmt.Fprintf(os.Stderr, "Warning: dispatch: %s\n", res.Err)
		}
		fmt.Printf("Dispatched: %d allocated, %d queued\n", res.SubtasksAllocated, res.SubtasksQueued)
	}
	return nil
}

// buildTask converts a manifest into store records, resolving
// manifest-local names to generated IDs and validating the
// dependency graph.
func buildTask(manifest *taskManifest) (*models.Task, []*models.Subtask, error) {
	now := time.Now()
	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       manifest.Title,
		Description: manifest.Description,
		Status:      models.TaskStatusPending,
		PrivacyTier: manifest.PrivacyTier,
		CreatedAt:   now,
	}

	ids := make(map[string]string, len(manifest.Subtasks))
	for i, sm := range manifest.Subtasks {
		if sm.Name == "" {
			return nil, nil, fmt.Errorf("subtask %d has no name", i+1)
		}
		if _, dup := ids[sm.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate subtask name %q", sm.Name)
		}
		ids[sm.Name] = uuid.New().String()
	}

	subtasks := make([]*models.Subtask, 0, len(manifest.Subtasks))
	for _, sm := range manifest.Subtasks {
		deps := make([]string, 0, len(sm.DependsOn))
		for _, dep := range sm.DependsOn {
			depID, ok := ids[dep]
			if !ok {
				return nil, nil, fmt.Errorf("subtask %q depends on unknown subtask %q", sm.Name, dep)
			}
			deps = append(deps, depID)
		}
		title := sm.Title
		if title == "" {
			title = sm.Name
		}
		privacy := sm.PrivacyTier
		if privacy == 0 {
			privacy = manifest.PrivacyTier
		}
		subtasks = append(subtasks, &models.Subtask{
			ID:              ids[sm.Name],
			TaskID:          task.ID,
			Title:           title,
			Status:          models.SubtaskStatusPending,
			DependsOn:       deps,
			RecommendedTool: sm.RecommendedTool,
			Priority:        sm.Priority,
			PrivacyTier:     privacy,
			CreatedAt:       now,
		})
	}

	graph := scheduler.NewDependencyGraph()
	if err := graph.Build(subtasks); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return task, subtasks, nil
}
