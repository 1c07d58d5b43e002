package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/executor"
	"flowline/internal/migrate"
	"flowline/internal/orchestrator"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline turns measurable goals into scheduled work.
Core concepts:
- Workspace: your .flowline directory holding the database; config lives in flowline.yml.
- Goal: a target value (count of deliverables or summed business value) plus the task DAG that should reach it.
- Task: one unit of work; runs only when every dependency has completed, retried per the recovery ladder.
- Flow: the per-goal pipeline (decomposition -> generation -> execution -> validation -> assets -> deliverables).
- Deliverable: accepted task output; the only thing that moves a goal's current value.
- Review queue: ambiguous results and exhausted recoveries wait there for a human (fl review).
- Event log: every cross-component signal, view with 'fl log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(flowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
}

// resolveConfig prefers flowline.yml, then the config imported into the
// database, then built-in defaults.
func resolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	stored, err := r.GetWorkspaceConfig(ctx, "default")
	if err == nil && stored != nil {
		return stored, nil
	}
	return config.Default("default"), nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// withOrchestrator wires the full component set for single-shot commands:
// the command runs fn, then drains the event queue so flows advance before
// the process exits.
func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	o, err := orchestrator.New(ctx, conn, cfg, executor.Echo())
	if err != nil {
		return err
	}
	if err := fn(ctx, o); err != nil {
		return err
	}
	o.ProcessPending(ctx)
	return nil
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage goals"}
	goal.AddCommand(goalSubmitCmd())
	goal.AddCommand(goalListCmd())
	goal.AddCommand(goalShowCmd())
	goal.AddCommand(goalCancelCmd())
	goal.AddCommand(goalSyncCmd())
	return goal
}

func goalSubmitCmd() *cobra.Command {
	var file, description, metric, workspaceID string
	var target float64
	var priority int
	var taskSpecs, depSpecs []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a goal with its task graph",
		Long: `Submit from a spec file (--file, YAML or JSON) or from flags:
  fl goal submit --description "Ship docs" --target 2 \
    --task outline:"Write outline" --task draft:"Write draft" --dep draft:outline`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec engine.GoalSpec
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := yaml.Unmarshal(data, &spec); err != nil {
					return fmt.Errorf("parse %s: %w", file, err)
				}
			} else {
				spec = engine.GoalSpec{
					WorkspaceID: workspaceID,
					Description: description,
					MetricType:  metric,
					TargetValue: target,
					Priority:    priority,
				}
				tasks, err := parseTaskFlags(taskSpecs, depSpecs)
				if err != nil {
					return err
				}
				spec.Tasks = tasks
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				g, err := o.SubmitGoal(ctx, spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "goal spec file (YAML or JSON)")
	cmd.Flags().StringVar(&description, "description", "", "goal description")
	cmd.Flags().StringVar(&metric, "metric", "count", "metric type (count|business_value)")
	cmd.Flags().Float64Var(&target, "target", 0, "target value")
	cmd.Flags().IntVar(&priority, "priority", 3, "priority 1..5")
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace id (defaults to config)")
	cmd.Flags().StringArrayVar(&taskSpecs, "task", nil, "task as key:title (repeatable)")
	cmd.Flags().StringArrayVar(&depSpecs, "dep", nil, "dependency as key:depkey (repeatable)")
	return cmd
}

func parseTaskFlags(taskSpecs, depSpecs []string) ([]engine.TaskSpec, error) {
	byKey := map[string]*engine.TaskSpec{}
	var order []string
	for _, raw := range taskSpecs {
		key, title, ok := strings.Cut(raw, ":")
		if !ok || key == "" || title == "" {
			return nil, fmt.Errorf("invalid --task %q, want key:title", raw)
		}
		byKey[key] = &engine.TaskSpec{Key: key, Title: title}
		order = append(order, key)
	}
	for _, raw := range depSpecs {
		key, dep, ok := strings.Cut(raw, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --dep %q, want key:depkey", raw)
		}
		ts := byKey[key]
		if ts == nil {
			return nil, fmt.Errorf("--dep %q names unknown task %q", raw, key)
		}
		ts.DependsOn = append(ts.DependsOn, dep)
	}
	tasks := make([]engine.TaskSpec, 0, len(order))
	for _, key := range order {
		tasks = append(tasks, *byKey[key])
	}
	return tasks, nil
}

func goalListCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListGoals(ctx, workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Description", "Metric", "Progress", "Status", "Priority"})
				for _, g := range items {
					tw.AppendRow(table.Row{
						g.ID, g.Description, g.MetricType,
						fmt.Sprintf("%.1f/%.1f", g.CurrentValue, g.TargetValue),
						g.Status, g.Priority,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	return cmd
}

func goalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <goal-id>",
		Short: "Show goal with deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				deliverables, err := r.ListDeliverables(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"goal": g, "deliverables": deliverables})
			})
		},
	}
	return cmd
}

func goalCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <goal-id>",
		Short: "Cancel goal and its unstarted tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if err := o.Engine.CancelGoal(ctx, args[0]); err != nil {
					return err
				}
				g, err := o.Repo.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func goalSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <goal-id>",
		Short: "Recompute goal progress from deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				g, err := o.Engine.SyncGoalProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func flowCmd() *cobra.Command {
	flow := &cobra.Command{Use: "flow", Short: "Orchestration flows"}
	flow.AddCommand(&cobra.Command{
		Use:   "status <goal-id>",
		Short: "Show flow stage and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				st, err := o.Engine.FlowStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("goal:     %s (%s)\n", st.Goal.Description, st.Goal.ID)
				fmt.Printf("stage:    %s\n", st.Flow.CurrentStage)
				fmt.Printf("status:   %s\n", st.Flow.Status)
				fmt.Printf("progress: %.1f%%  (%.1f/%.1f %s)\n", st.Flow.ProgressPercentage, st.Goal.CurrentValue, st.Goal.TargetValue, st.Goal.MetricType)
				fmt.Printf("tasks:    %v\n", st.TaskCounts)
				if st.OpenReview > 0 {
					fmt.Printf("review:   %d task(s) awaiting a human\n", st.OpenReview)
				}
				if st.Flow.FailureReason != nil {
					fmt.Printf("failure:  %s\n", *st.Flow.FailureReason)
				}
				return nil
			})
		},
	})
	flow.AddCommand(&cobra.Command{
		Use:   "pause <goal-id>",
		Short: "Pause automatic stage advancement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.Engine.PauseFlow(ctx, args[0])
			})
		},
	})
	flow.AddCommand(&cobra.Command{
		Use:   "resume <goal-id>",
		Short: "Resume a paused flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				return o.Engine.ResumeFlow(ctx, args[0])
			})
		},
	})
	return flow
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Retries", "Corrective"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries), t.IsCorrective})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	cmd.Flags().StringVar(&f.GoalID, "goal", "", "goal filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show task with its executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				execs, err := r.ListExecutionsForTask(ctx, args[0])
				if err != nil {
					return err
				}
				deps, err := r.ListTaskDependencies(ctx, args[0])
				if err != nil {
					return err
				}
				t.DependsOn = deps
				return printJSONOrTable(map[string]any{"task": t, "executions": execs})
			})
		},
	}
	return cmd
}

func graphCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the task dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				edges, err := r.ListEdges(ctx, workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(edges)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Depends on"})
				for _, e := range edges {
					tw.AppendRow(table.Row{e.TaskID, e.DependsOnTaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{Use: "review", Short: "Human review queue"}
	review.AddCommand(reviewListCmd())
	review.AddCommand(reviewResolveCmd())
	return review
}

func reviewListCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRecoveryStates(ctx, "escalated_to_human", workspaceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Reason", "Since"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.TaskID, s.Reason, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	return cmd
}

func reviewResolveCmd() *cobra.Command {
	var accept, reject bool
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <task-id>",
		Short: "Accept or reject a reviewed result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == reject {
				return fmt.Errorf("exactly one of --accept or --reject is required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				if err := o.Gate.Resolve(ctx, args[0], accept, note); err != nil {
					return err
				}
				t, err := o.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&accept, "accept", false, "accept the result")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the result")
	cmd.Flags().StringVar(&note, "note", "", "reviewer note")
	return cmd
}

func statusCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountTasksByStatus(ctx, workspaceID)
				if err != nil {
					return err
				}
				health, err := r.ListComponentHealth(ctx)
				if err != nil {
					return err
				}
				review, err := r.ListRecoveryStates(ctx, "escalated_to_human", workspaceID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"task_counts": counts,
					"components":  health,
					"open_review": len(review),
				})
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Integration event log"}
	var limit int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.IntegrationEvent
				var err error
				items, err = eventsOf(ctx, r, limit, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Source", "Status", "Priority", "At"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.EventType, e.SourceComponent, e.Status, e.Priority, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault("default")), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := resolveConfig(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	})
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a config file into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file required")
			}
			c, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkspaceConfig(ctx, c.Workspace.ID, c); err != nil {
					return err
				}
				fmt.Println("imported config for workspace", c.Workspace.ID)
				return nil
			})
		},
	}
	importCmd.Flags().String("file", "", "config file path")
	cfg.AddCommand(importCmd)
	return cfg
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and event loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), "", "")
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(cmd.Context(), addr, basePath)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// runOrchestrator starts the full component set; addr != "" also serves HTTP.
func runOrchestrator(parent context.Context, addr, basePath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	o, err := orchestrator.New(ctx, conn, cfg, executor.Echo())
	if err != nil {
		return err
	}
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Stop()

	if addr != "" {
		handler, err := server.New(server.Config{Orchestrator: o, BasePath: basePath})
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: addr, Handler: handler}
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
		fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	fmt.Println("Flowline orchestrator running (Ctrl-C to stop)")
	<-ctx.Done()
	return nil
}

func eventsOf(ctx context.Context, r repo.Repo, limit int, evtType string) ([]domain.IntegrationEvent, error) {
	return events.Writer{DB: r.DB}.Latest(ctx, limit, evtType)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
