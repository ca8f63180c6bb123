package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tokengovernor/internal/config"
	"tokengovernor/internal/db"
	"tokengovernor/internal/domain"
	"tokengovernor/internal/engine"
	"tokengovernor/internal/migrate"
	"tokengovernor/internal/repo"
	"tokengovernor/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tg",
	Short: "Token governor CLI",
	Long: `tg governs token budgets for hierarchical agent work.
- Workspace: the .tokengovernor directory holding the database; governor.yml holds tunables.
- Projects own budgets; agents are ephemeral executors; tasks carry estimates and consumption.
- Usage reports append to an immutable ledger; crossing the threshold requests a checkpoint.
- Exhausted tasks pause; the scheduler re-admits them tier-first under a rate limit.
- The bus carries checkpoint and resume messages between the governor and agents.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("TOKENGOVERNOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(packageCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actorID() string { return viper.GetString("actor-id") }

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage governor.yml"}
	var projectID string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default governor.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644)
		},
	}
	initCmd.Flags().StringVar(&projectID, "project", "default", "default project id")
	var showProject string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved config, or a project's registered snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showProject != "" {
				return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
					cfg, err := r.GetGovernorConfig(ctx, showProject)
					if err != nil {
						return err
					}
					return printJSONOrText(cfg)
				})
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("default")
			}
			return printJSONOrText(cfg)
		},
	}
	showCmd.Flags().StringVar(&showProject, "project", "", "show the snapshot stored for a project")
	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}

	var id, name, desc, tier, owner string
	var budget int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.RegisterProject(ctx, engine.ProjectCreateOptions{
					ID:          id,
					Name:        name,
					Description: desc,
					TokenBudget: budget,
					Tier:        tier,
					Owner:       owner,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id (generated when empty)")
	create.Flags().StringVar(&name, "name", "", "name")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().Int64Var(&budget, "budget", 0, "token budget (default from config)")
	create.Flags().StringVar(&tier, "tier", domain.Tier2, "tier_1 or tier_2")
	create.Flags().StringVar(&owner, "owner", "", "owner")
	_ = create.MarkFlagRequired("owner")

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Tier", "Budget", "Status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Tier, p.TokenBudget, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(p)
			})
		},
	}

	var newBudget int64
	budgetCmd := &cobra.Command{
		Use:   "budget <project-id>",
		Short: "Adjust or show a project budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if cmd.Flags().Changed("set") {
					p, err := e.AdjustProjectBudget(ctx, args[0], newBudget, actorID())
					if err != nil {
						return err
					}
					return printJSONOrText(p)
				}
				st, err := e.ProjectBudget(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(st)
			})
		},
	}
	budgetCmd.Flags().Int64Var(&newBudget, "set", 0, "new token budget")

	archive := &cobra.Command{
		Use:   "archive <project-id>",
		Short: "Archive a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ArchiveProject(ctx, args[0], actorID())
			})
		},
	}

	prj.AddCommand(create, list, show, budgetCmd, archive)
	return prj
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}

	var id, projectID, agentType string
	var budget int64
	create := &cobra.Command{
		Use:   "create",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.RegisterAgent(ctx, engine.AgentCreateOptions{
					ID:          id,
					ProjectID:   projectID,
					Type:        agentType,
					TokenBudget: budget,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(a)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "agent id (generated when empty)")
	create.Flags().StringVar(&projectID, "project", "", "project id")
	create.Flags().StringVar(&agentType, "type", "worker", "agent type")
	create.Flags().Int64Var(&budget, "budget", 0, "agent token budget")
	_ = create.MarkFlagRequired("project")

	var filterProject, filterStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx, repo.AgentFilters{ProjectID: filterProject, Status: filterStatus})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Type", "Status", "Used", "Heartbeat"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ProjectID, a.Type, a.Status, a.TokensUsed, a.LastHeartbeat})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterProject, "project", "", "filter by project")
	list.Flags().StringVar(&filterStatus, "status", "", "filter by status")

	var hbStatus, hbTask string
	heartbeat := &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Send a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var taskPtr *string
				if cmd.Flags().Changed("task") {
					taskPtr = &hbTask
				}
				a, err := e.AgentHeartbeat(ctx, args[0], hbStatus, taskPtr)
				if err != nil {
					return err
				}
				return printJSONOrText(a)
			})
		},
	}
	heartbeat.Flags().StringVar(&hbStatus, "status", "", "agent status")
	heartbeat.Flags().StringVar(&hbTask, "task", "", "current task id")

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Mark stale agents offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ids, err := e.ReapStaleAgents(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"reaped": ids})
			})
		},
	}

	ag.AddCommand(create, list, heartbeat, reap)
	return ag
}

func taskCmd() *cobra.Command {
	tk := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var id, agent, project, name, desc, complexity string
	var estimate int64
	var subtasks []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RegisterTask(ctx, engine.TaskCreateOptions{
					ID:              id,
					AgentID:         agent,
					ProjectID:       project,
					Name:            name,
					Description:     desc,
					Complexity:      complexity,
					EstimatedTokens: estimate,
					SubtaskIDs:      subtasks,
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	create.Flags().StringVar(&agent, "agent", "", "agent id")
	create.Flags().StringVar(&project, "project", "", "project id")
	create.Flags().StringVar(&name, "name", "", "name")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().StringVar(&complexity, "complexity", "", "simple, complex or very_complex (derived when empty)")
	create.Flags().Int64Var(&estimate, "estimate", 0, "estimated tokens")
	create.Flags().StringSliceVar(&subtasks, "subtask", nil, "subtask id (repeatable)")
	_ = create.MarkFlagRequired("agent")
	_ = create.MarkFlagRequired("project")

	var filterProject, filterAgent, filterStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTasks(ctx, repo.TaskFilters{
					ProjectID: filterProject,
					AgentID:   filterAgent,
					Status:    filterStatus,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Complexity", "Consumed", "Estimate", "Checkpoint"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.Complexity, t.ConsumedTokens, t.EstimatedTokens, t.CheckpointState})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterProject, "project", "", "filter by project")
	list.Flags().StringVar(&filterAgent, "agent", "", "filter by agent")
	list.Flags().StringVar(&filterStatus, "status", "", "filter by status")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}

	simple := func(use, short string, do func(e *engine.Engine, ctx context.Context, id string) (domain.Task, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <task-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					t, err := do(e, ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrText(t)
				})
			},
		}
	}
	start := simple("start", "Start a task", func(e *engine.Engine, ctx context.Context, id string) (domain.Task, error) {
		return e.StartTask(ctx, id, actorID())
	})
	complete := simple("complete", "Complete a task", func(e *engine.Engine, ctx context.Context, id string) (domain.Task, error) {
		return e.CompleteTask(ctx, id, actorID())
	})
	resume := simple("resume", "Resume a paused task", func(e *engine.Engine, ctx context.Context, id string) (domain.Task, error) {
		return e.ResumeTask(ctx, id, actorID())
	})

	var failReason string
	fail := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Fail a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.FailTask(ctx, args[0], failReason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}
	fail.Flags().StringVar(&failReason, "reason", "", "failure reason")

	var pauseReason string
	pause := &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.PauseTask(ctx, args[0], pauseReason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}
	pause.Flags().StringVar(&pauseReason, "reason", domain.PauseRateLimited, "pause reason")

	tk.AddCommand(create, list, show, start, complete, resume, fail, pause)
	return tk
}

func packageCmd() *cobra.Command {
	pk := &cobra.Command{Use: "package", Short: "Manage work packages"}

	var id, project, name, desc, timeline string
	var tasks []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Group tasks into a package",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.CreatePackage(ctx, engine.PackageCreateOptions{
					ID:          id,
					ProjectID:   project,
					Name:        name,
					Description: desc,
					TaskIDs:     tasks,
					Timeline:    timeline,
					ActorID:     actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "package id (generated when empty)")
	create.Flags().StringVar(&project, "project", "", "project id")
	create.Flags().StringVar(&name, "name", "", "name")
	create.Flags().StringVar(&desc, "description", "", "description")
	create.Flags().StringVar(&timeline, "timeline", "", "timeline label")
	create.Flags().StringSliceVar(&tasks, "task", nil, "task id (repeatable)")
	_ = create.MarkFlagRequired("project")
	_ = create.MarkFlagRequired("task")

	var filterProject string
	list := &cobra.Command{
		Use:   "list",
		Short: "List packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPackages(ctx, filterProject)
				if err != nil {
					return err
				}
				return printJSONOrText(items)
			})
		},
	}
	list.Flags().StringVar(&filterProject, "project", "", "filter by project")

	pk.AddCommand(create, list)
	return pk
}

func usageCmd() *cobra.Command {
	us := &cobra.Command{Use: "usage", Short: "Report and inspect token usage"}

	var taskID, agentID, op string
	var tokens int64
	var failed bool
	report := &cobra.Command{
		Use:   "report",
		Short: "Report token consumption",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				success := !failed
				res, err := e.RecordUsage(ctx, engine.UsageReport{
					TaskID:        taskID,
					AgentID:       agentID,
					Tokens:        tokens,
					OperationType: op,
					Success:       &success,
					ActorID:       actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrText(res)
			})
		},
	}
	report.Flags().StringVar(&taskID, "task", "", "task id")
	report.Flags().StringVar(&agentID, "agent", "", "agent id")
	report.Flags().Int64Var(&tokens, "tokens", 0, "tokens consumed")
	report.Flags().StringVar(&op, "operation", "api_call", "operation type")
	report.Flags().BoolVar(&failed, "failed", false, "mark the operation unsuccessful")
	_ = report.MarkFlagRequired("task")
	_ = report.MarkFlagRequired("tokens")

	var limit int
	history := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show the usage ledger for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.UsageHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Tokens", "Operation", "Success"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.TS, rec.Tokens, rec.OperationType, rec.Success})
				}
				tw.Render()
				return nil
			})
		},
	}
	history.Flags().IntVar(&limit, "limit", 50, "max records")

	us.AddCommand(report, history)
	return us
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{Use: "checkpoint", Short: "Checkpoint coordination"}

	request := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Request a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := e.RequestCheckpoint(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}

	var storageRef string
	var gen int
	confirm := &cobra.Command{
		Use:   "confirm <task-id>",
		Short: "Confirm a saved checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var genPtr *int
				if cmd.Flags().Changed("generation") {
					genPtr = &gen
				}
				t, err := e.ConfirmCheckpoint(ctx, args[0], storageRef, genPtr, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}
	confirm.Flags().StringVar(&storageRef, "ref", "", "checkpoint storage reference")
	confirm.Flags().IntVar(&gen, "generation", 0, "request generation being confirmed")
	_ = confirm.MarkFlagRequired("ref")

	var failReason string
	var failGen int
	failCmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Report a failed checkpoint attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var genPtr *int
				if cmd.Flags().Changed("generation") {
					genPtr = &failGen
				}
				t, err := e.FailCheckpoint(ctx, args[0], failReason, genPtr, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(t)
			})
		},
	}
	failCmd.Flags().StringVar(&failReason, "reason", "", "failure reason")
	failCmd.Flags().IntVar(&failGen, "generation", 0, "request generation that failed")

	cp.AddCommand(request, confirm, failCmd)
	return cp
}

func msgCmd() *cobra.Command {
	mg := &cobra.Command{Use: "msg", Short: "Message bus"}

	var channel, receiver, msgType, payload string
	var priority, maxRetries int
	send := &cobra.Command{
		Use:   "send",
		Short: "Enqueue a message",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var retriesPtr *int
				if cmd.Flags().Changed("max-retries") {
					retriesPtr = &maxRetries
				}
				m, err := e.EnqueueMessage(ctx, engine.MessageCreateOptions{
					Channel:     channel,
					SenderID:    actorID(),
					ReceiverID:  receiver,
					Type:        msgType,
					PayloadJSON: payload,
					Priority:    priority,
					MaxRetries:  retriesPtr,
				})
				if err != nil {
					return err
				}
				return printJSONOrText(m)
			})
		},
	}
	send.Flags().StringVar(&channel, "channel", "", "channel")
	send.Flags().StringVar(&receiver, "receiver", "", "receiver id (empty = broadcast)")
	send.Flags().StringVar(&msgType, "type", "notification", "message type")
	send.Flags().StringVar(&payload, "payload", "{}", "payload JSON")
	send.Flags().IntVar(&priority, "priority", 3, "priority 1-5")
	send.Flags().IntVar(&maxRetries, "max-retries", 0, "delivery retries before failing")
	_ = send.MarkFlagRequired("channel")

	var filterChannel, filterStatus string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMessages(ctx, repo.MessageFilters{
					Channel: filterChannel,
					Status:  filterStatus,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Channel", "Type", "Priority", "Status", "Retries"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Channel, m.Type, m.Priority, m.Status, m.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterChannel, "channel", "", "filter by channel")
	list.Flags().StringVar(&filterStatus, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "max messages")

	dispatch := &cobra.Command{
		Use:   "dispatch <channel>",
		Short: "Deliver the next message on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				m, err := e.DispatchNext(ctx, args[0], engine.DelivererFunc(
					func(ctx context.Context, m domain.Message) error { return nil },
				))
				if err != nil {
					return err
				}
				if m == nil {
					fmt.Println("no pending messages")
					return nil
				}
				return printJSONOrText(m)
			})
		},
	}

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d messages\n", n)
				return nil
			})
		},
	}

	mg.AddCommand(send, list, dispatch, sweep)
	return mg
}

func schedulerCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scheduler", Short: "Resume scheduling"}
	tick := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Tick(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(res)
			})
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the admission queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.SchedulerQueue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("allowance: %d\n", st.Allowance)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Tier", "Pause Reason", "Paused At", "Eligible"})
				for _, entry := range st.Queue {
					reason := ""
					if entry.Task.PauseReason != nil {
						reason = *entry.Task.PauseReason
					}
					pausedAt := ""
					if entry.Task.PausedAt != nil {
						pausedAt = *entry.Task.PausedAt
					}
					tw.AppendRow(table.Row{entry.Task.ID, entry.Tier, reason, pausedAt, entry.Eligible})
				}
				tw.Render()
				return nil
			})
		},
	}
	sc.AddCommand(tick, show)
	return sc
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [project|agent|task|package] [id]",
		Short: "Status projections",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if len(args) == 0 {
					st, err := e.StatusSystem(ctx)
					if err != nil {
						return err
					}
					return printJSONOrText(st)
				}
				if len(args) != 2 {
					return fmt.Errorf("usage: tg status <level> <id>")
				}
				var (
					v   any
					err error
				)
				switch args[0] {
				case "project":
					v, err = e.StatusProject(ctx, args[1])
				case "agent":
					v, err = e.StatusAgent(ctx, args[1])
				case "task":
					v, err = e.StatusTask(ctx, args[1])
				case "package":
					v, err = e.StatusPackage(ctx, args[1])
				default:
					return fmt.Errorf("unknown status level %s", args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrText(v)
			})
		},
	}
	return cmd
}

func errorsCmd() *cobra.Command {
	er := &cobra.Command{Use: "errors", Short: "Error log"}

	var agentID, category, severity, message string
	record := &cobra.Command{
		Use:   "record",
		Short: "Record an error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var agentPtr *string
				if agentID != "" {
					agentPtr = &agentID
				}
				rec, err := e.RecordError(ctx, agentPtr, category, severity, message)
				if err != nil {
					return err
				}
				return printJSONOrText(rec)
			})
		},
	}
	record.Flags().StringVar(&agentID, "agent", "", "agent id")
	record.Flags().StringVar(&category, "category", "", "error category")
	record.Flags().StringVar(&severity, "severity", "", "severity (defaults by category)")
	record.Flags().StringVar(&message, "message", "", "message")
	_ = record.MarkFlagRequired("category")
	_ = record.MarkFlagRequired("message")

	var filterCategory, filterSeverity, filterResolution string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListErrorRecords(ctx, repo.ErrorFilters{
					Category:   filterCategory,
					Severity:   filterSeverity,
					Resolution: filterResolution,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Severity", "Resolution", "Message"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.Category, rec.Severity, rec.Resolution, rec.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterCategory, "category", "", "filter by category")
	list.Flags().StringVar(&filterSeverity, "severity", "", "filter by severity")
	list.Flags().StringVar(&filterResolution, "resolution", "", "filter by resolution")
	list.Flags().IntVar(&limit, "limit", 50, "max records")

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <error-id>",
		Short: "Advance error resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.ResolveError(ctx, args[0], resolution, actorID())
				if err != nil {
					return err
				}
				return printJSONOrText(rec)
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "to", domain.ResolutionResolved, "investigating, resolved or ignored")

	er.AddCommand(record, list, resolve)
	return er
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit trail"}
	var n int
	var evtType, entityKind, entityID, projectID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					ev := events[i]
					fmt.Printf("%s %s %s/%s actor=%s %s\n", ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID, ev.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "filter by entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "filter by entity id")
	tail.Flags().StringVar(&projectID, "project", "", "filter by project")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default("default")
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("TOKENGOVERNOR_JWT_SECRET"),
				DevLogin:  devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TOKENGOVERNOR_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving governor API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable /auth/dev/login")
	return cmd
}

func printJSONOrText(v any) error {
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
