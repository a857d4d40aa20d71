package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/mnemo/internal/beads"
	"github.com/thebtf/mnemo/internal/config"
	"github.com/thebtf/mnemo/internal/db/gorm"
	"github.com/thebtf/mnemo/internal/plan"
	"github.com/thebtf/mnemo/pkg/hooks"
	"github.com/thebtf/mnemo/pkg/models"
)

var (
	syncSession   string
	syncFile      string
	syncKeepOpen  bool
	planFileInput string
)

func init() {
	rootCmd.AddCommand(syncCmd, hookCmd)
	syncCmd.AddCommand(syncTodosCmd, syncObservationsCmd, syncIssuesCmd, syncPlanCmd)

	syncTodosCmd.Flags().StringVar(&syncSession, "session", "", "Session id owning the todos (required)")
	syncTodosCmd.Flags().StringVar(&syncFile, "file", "-", "JSON todo list or hook payload (- for stdin)")
	syncTodosCmd.Flags().BoolVar(&syncKeepOpen, "keep-missing", false, "Do not close issues whose todo is absent")
	_ = syncTodosCmd.MarkFlagRequired("session")

	syncPlanCmd.Flags().StringVar(&syncSession, "session", "", "Session id owning the plan (required)")
	syncPlanCmd.Flags().StringVar(&planFileInput, "file", "-", "YAML plan (- for stdin)")
	_ = syncPlanCmd.MarkFlagRequired("session")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize todos, observations and the issue store",
	Long: `Synchronize the observation store with the beads issue store.
A missing issue store is reported as skipped, not as an error.

Examples:
  mnemo sync todos --session s1 --file todos.json
  mnemo sync observations
  mnemo sync issues`,
}

var syncTodosCmd = &cobra.Command{
	Use:   "todos",
	Short: "Upsert one issue per todo of a session",
	RunE:  runSyncTodos,
}

var syncObservationsCmd = &cobra.Command{
	Use:   "observations",
	Short: "Link blocker and decision observations to their issues",
	RunE:  runSyncObservations,
}

var syncIssuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "Record a progress observation for every closed issue",
	RunE:  runSyncIssues,
}

var syncPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Sync a YAML task plan as a session's todos",
	Long: `Load a task plan and sync it as the session's todo list.

Plan format:
  id: release
  tasks:
    - content: Design schema
      priority: high
      status: completed
    - content: Write migration
      depends_on: [t1]`,
	RunE: runSyncPlan,
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle an agent hook payload from stdin",
	Long: `Read one hook payload from stdin and route it: a todo change syncs the
session's todos, an idle event also runs both issue passes. Always writes an
empty JSON object and exits 0 so the host is never blocked.`,
	RunE: runHook,
}

func runSyncTodos(cmd *cobra.Command, _ []string) error {
	data, err := readInput(syncFile)
	if err != nil {
		return err
	}
	todos, err := decodeTodos(data)
	if err != nil {
		return err
	}
	return syncTodos(cmd, syncSession, todos, !syncKeepOpen)
}

func syncTodos(cmd *cobra.Command, session string, todos []models.Todo, closeMissing bool) error {
	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		res, err := newBridge(obs).SyncTodos(ctx, session, todos, beads.SyncOptions{CloseMissing: closeMissing})
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("session id is required")
		}
		return emit(cmd, res, func(w io.Writer) {
			if res.Skipped {
				fmt.Fprintf(w, "Skipped: %s\n", res.Reason)
				return
			}
			fmt.Fprintf(w, "total %d, created %d, updated %d, closed %d\n", res.Total, res.Created, res.Updated, res.Closed)
		})
	})
}

func runSyncObservations(cmd *cobra.Command, _ []string) error {
	return runPass(cmd, (*beads.Bridge).SyncObservationsIntoIssues)
}

func runSyncIssues(cmd *cobra.Command, _ []string) error {
	return runPass(cmd, (*beads.Bridge).SyncIssuesIntoObservations)
}

func runPass(cmd *cobra.Command, pass func(*beads.Bridge, context.Context) (*beads.PassResult, error)) error {
	return withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		res, err := pass(newBridge(obs), ctx)
		if err != nil {
			return err
		}
		return emit(cmd, res, func(w io.Writer) {
			if res.Skipped {
				fmt.Fprintf(w, "Skipped: %s\n", res.Reason)
				return
			}
			fmt.Fprintf(w, "processed %d, changed %d\n", res.Processed, res.Changed)
		})
	})
}

// planFile is the YAML shape of a task plan.
type planFile struct {
	ID    string `yaml:"id"`
	Tasks []struct {
		Content   string   `yaml:"content"`
		Priority  string   `yaml:"priority"`
		Status    string   `yaml:"status"`
		DependsOn []string `yaml:"depends_on"`
	} `yaml:"tasks"`
}

func runSyncPlan(cmd *cobra.Command, _ []string) error {
	data, err := readInput(planFileInput)
	if err != nil {
		return err
	}
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse plan: %w", err)
	}

	if pf.ID == "" {
		pf.ID = "plan"
	}
	p := plan.New(syncSession, plan.WithID(pf.ID))
	for _, t := range pf.Tasks {
		id, err := p.AddTask(t.Content, t.Priority, t.DependsOn...)
		if err != nil {
			return err
		}
		if t.Status != "" {
			if err := p.SetStatus(id, t.Status); err != nil {
				return err
			}
		}
	}
	log.Debug().Str("plan_id", p.ID()).Int("tasks", len(pf.Tasks)).Int("ready", len(p.Ready())).Msg("Plan loaded")
	return syncTodos(cmd, syncSession, p.Todos(), true)
}

func runHook(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	defer fmt.Fprintln(out, "{}")

	in, err := hooks.Decode(cmd.InOrStdin())
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable hook payload")
		return nil
	}
	if in.CWD != "" && projectDir == "" {
		if reloaded, err := config.Load(in.CWD); err == nil {
			cfg = reloaded
		}
	}

	err = withObservations(cmd.Context(), func(ctx context.Context, _ *gorm.Store, obs *gorm.ObservationStore) error {
		res, err := hooks.NewDispatcher(newBridge(obs), log.Logger).Dispatch(ctx, in)
		if res != nil && !res.Ignored {
			log.Debug().Str("event", res.Event).Msg("Hook handled")
		}
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("hook_event_name", in.HookEventName).Msg("Hook failed")
	}
	return nil
}

// decodeTodos accepts a bare JSON todo array or a hook payload carrying todos.
func decodeTodos(data []byte) ([]models.Todo, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("no todo input")
	}
	if trimmed[0] == '[' {
		var todos []models.Todo
		if err := json.Unmarshal(trimmed, &todos); err != nil {
			return nil, fmt.Errorf("decode todos: %w", err)
		}
		return todos, nil
	}

	in, err := hooks.Decode(bytes.NewReader(trimmed))
	if err != nil {
		return nil, err
	}
	todos, ok := in.TodoList()
	if !ok {
		return nil, errors.New("input carries no todo list")
	}
	return todos, nil
}
