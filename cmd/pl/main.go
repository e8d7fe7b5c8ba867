package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"paperline/internal/app"
	"paperline/internal/audit"
	"paperline/internal/config"
	"paperline/internal/db"
	"paperline/internal/domain"
	"paperline/internal/ledger"
	"paperline/internal/migrate"
	"paperline/internal/repo"
	"paperline/internal/scenario"
	"paperline/internal/server"
	"paperline/internal/stage"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Paperline CLI",
	Long: `Paperline tracks research projects through a gated lifecycle.
Core concepts:
- Workspace: your .paperline directory holding only the database; configs live in the DB.
- Project: a research effort moving backlog -> ready -> in_progress -> in_review -> done.
- Reviews: scored opinions; machine reviews move the score by 0.5, human ones by 1.0,
  critical ones leave it alone but knock the project back a stage.
- Stage gates: each stage requires artifacts plus a score threshold before advancing;
  every transition resets the score to zero.
- Validate: self-audit of the ledger, and optionally a tracker snapshot, without blocking anything.
- Simulate: replay a YAML scenario against the real engine with canned review replies.
- Event log: diary of changes, view with 'pl log tail'.`,
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
	viper.SetEnvPrefix("PAPERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// components bundles everything a command needs against one open DB.
type components struct {
	DB        *sql.DB
	Repo      repo.Repo
	Cfg       *config.Config
	Ledger    ledger.Ledger
	Machine   stage.Machine
	Validator audit.Validator
	ProjectID string
}

func withComponents(ctx context.Context, fn func(context.Context, components) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	l := ledger.New(conn, cfg)
	m := stage.New(conn, cfg, l)
	return fn(ctx, components{
		DB:        conn,
		Repo:      r,
		Cfg:       cfg,
		Ledger:    l,
		Machine:   m,
		Validator: audit.New(l, m, cfg),
		ProjectID: projectID,
	})
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

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectUseCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg := config.Default(id)
				if err := app.CreateProject(ctx, r, id, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				if desc != "" {
					if err := r.UpdateProject(ctx, id, "", &desc); err != nil {
						return err
					}
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				p, err := c.Repo.GetProject(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var status string
	var description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := c.Repo.UpdateProject(ctx, c.ProjectID, status, descPtr); err != nil {
					return err
				}
				p, err := c.Repo.GetProject(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, paused, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				return c.Repo.DeleteProject(ctx, c.ProjectID)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PAPERLINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set PAPERLINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				return printJSONOrTable(c.Cfg)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				if projectID == "" {
					projectID = c.ProjectID
				}
				if err := c.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{
		Use:   "review",
		Short: "Record and list reviews",
	}
	rev.AddCommand(reviewAddCmd())
	rev.AddCommand(reviewListCmd())
	return rev
}

func reviewAddCmd() *cobra.Command {
	var reviewer, comment string
	var positive, human, critical bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a review",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reviewer == "" {
				return fmt.Errorf("--reviewer required")
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				rv := domain.Review{
					ProjectID:  c.ProjectID,
					ReviewerID: reviewer,
					Positive:   positive,
					Human:      human,
					Critical:   critical,
					Comment:    comment,
				}
				score, err := c.Ledger.AddReview(ctx, c.ProjectID, rv, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"score": score})
				}
				fmt.Printf("Score: %.1f\n", score)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "reviewer id")
	cmd.Flags().BoolVar(&positive, "positive", false, "positive review")
	cmd.Flags().BoolVar(&human, "human", false, "human reviewer (weight 1.0 instead of 0.5)")
	cmd.Flags().BoolVar(&critical, "critical", false, "critical review (score untouched, stage rolls back)")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	_ = cmd.MarkFlagRequired("reviewer")
	return cmd
}

func reviewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List reviews in arrival order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				items, err := c.Ledger.Reviews(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Reviewer", "Positive", "Human", "Critical", "Comment", "TS"})
				for _, rv := range items {
					tw.AppendRow(table.Row{rv.ReviewerID, rv.Positive, rv.Human, rv.Critical, rv.Comment, rv.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func scoreCmd() *cobra.Command {
	sc := &cobra.Command{
		Use:   "score",
		Short: "Inspect and reset the project score",
	}
	sc.AddCommand(scoreShowCmd())
	sc.AddCommand(scoreHistoryCmd())
	sc.AddCommand(scoreResetCmd())
	return sc
}

func scoreShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show score breakdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				b, err := c.Ledger.Breakdown(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Project: %s\n", b.ProjectID)
				fmt.Printf("Score: %.1f (%.1f to advance)\n", b.CurrentScore, b.PointsToAdvance)
				fmt.Printf("Reviews: %d total, %d positive, %d negative, %d critical\n",
					b.TotalReviews, b.PositiveReviews, b.NegativeReviews, b.CriticalReviews)
				fmt.Printf("Sources: %d human, %d machine\n", b.HumanReviews, b.MachineReviews)
				return nil
			})
		},
	}
}

func scoreHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the score mutation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				items, err := c.Ledger.ScoreHistory(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Old", "New", "Cause", "Reason"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.OldScore, e.NewScore, e.Cause, e.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func scoreResetCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset the score to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				if err := c.Ledger.ResetScore(ctx, c.ProjectID, reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				b, err := c.Ledger.Breakdown(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual reset", "reason recorded in history")
	return cmd
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Inspect and move the project's lifecycle stage",
	}
	st.AddCommand(stageShowCmd())
	st.AddCommand(stageAdvanceCmd())
	st.AddCommand(stageRollbackCmd())
	st.AddCommand(stageSetCmd())
	st.AddCommand(stageHistoryCmd())
	return st
}

func snapshotFlags(cmd *cobra.Command, artifacts, flags *[]string) {
	cmd.Flags().StringArrayVar(artifacts, "artifact", []string{}, "artifact as name=path (repeatable)")
	cmd.Flags().StringArrayVar(flags, "flag", []string{}, "readiness flag name (repeatable)")
}

func buildSnapshot(artifacts, flags []string) (domain.Snapshot, error) {
	snap := domain.Snapshot{
		Artifacts: map[string]string{},
		Flags:     map[string]bool{},
	}
	for _, a := range artifacts {
		name, path, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return snap, fmt.Errorf("invalid --artifact %q, expected name=path", a)
		}
		snap.Artifacts[name] = path
	}
	for _, f := range flags {
		if f == "" {
			return snap, fmt.Errorf("empty --flag")
		}
		snap.Flags[f] = true
	}
	return snap, nil
}

func stageShowCmd() *cobra.Command {
	var artifacts, flags []string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stage summary against a deliverable snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := buildSnapshot(artifacts, flags)
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				s, err := c.Machine.Summary(ctx, c.ProjectID, snap)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Project: %s\n", s.ProjectID)
				fmt.Printf("Stage: %s", s.CurrentStage)
				if s.NextStage != "" {
					fmt.Printf(" -> %s", s.NextStage)
				}
				fmt.Println()
				fmt.Printf("Score: %.1f, can advance: %v\n", s.CurrentScore, s.CanAdvance)
				for _, m := range s.Missing {
					fmt.Printf("  missing: %s\n", m)
				}
				return nil
			})
		},
	}
	snapshotFlags(cmd, &artifacts, &flags)
	return cmd
}

func stageAdvanceCmd() *cobra.Command {
	var artifacts, flags []string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance to the next stage if requirements hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := buildSnapshot(artifacts, flags)
			if err != nil {
				return err
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				ok, rec, err := c.Machine.AdvanceStage(ctx, c.ProjectID, snap, viper.GetString("actor-id"), viper.GetBool("force"))
				if err != nil {
					return err
				}
				if !ok {
					s, sumErr := c.Machine.Summary(ctx, c.ProjectID, snap)
					if sumErr != nil {
						return sumErr
					}
					if viper.GetBool("json") {
						return printJSON(map[string]any{"advanced": false, "missing_requirements": s.Missing})
					}
					fmt.Println("Advance denied; missing requirements:")
					for _, m := range s.Missing {
						fmt.Printf("  %s\n", m)
					}
					return nil
				}
				return printJSONOrTable(rec)
			})
		},
	}
	snapshotFlags(cmd, &artifacts, &flags)
	return cmd
}

func stageRollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Move one stage back",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				ok, rec, err := c.Machine.MoveToPreviousStage(ctx, c.ProjectID, reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("already at %s; nothing to roll back", domain.StageBacklog)
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition")
	return cmd
}

func stageSetCmd() *cobra.Command {
	var target, reason string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Manually set the stage (audited override)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--stage required")
			}
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				if err := c.Machine.SetStage(ctx, c.ProjectID, domain.Stage(target), reason, viper.GetString("actor-id")); err != nil {
					return err
				}
				s, err := c.Machine.Summary(ctx, c.ProjectID, domain.Snapshot{})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&target, "stage", "", "target stage")
	cmd.Flags().StringVar(&reason, "reason", "manual override", "reason recorded on the transition")
	return cmd
}

func stageHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List stage transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				items, err := c.Repo.ListTransitions(ctx, c.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "From", "To", "Manual", "Reason"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.TS, t.FromStage, t.ToStage, t.Manual, t.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func validateCmd() *cobra.Command {
	var label, column, trackerStage string
	var trackerScore float64
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run consistency checks over the ledger (and optionally a tracker snapshot)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				var tracker *domain.TrackerSnapshot
				if cmd.Flags().Changed("tracker-label") || cmd.Flags().Changed("tracker-column") {
					tracker = &domain.TrackerSnapshot{
						StatusLabel: label,
						BoardColumn: column,
						Stage:       domain.Stage(trackerStage),
						Score:       trackerScore,
					}
				}
				report, err := c.Validator.Run(ctx, c.ProjectID, tracker)
				if err != nil {
					return err
				}
				if err := c.Repo.SaveReport(ctx, report.ID, c.ProjectID, repo.ReportKindValidation, report.Overall, report, report.CreatedAt); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Validation: %s (%d checks, %d failed, %d errors, %d warnings)\n",
					report.Overall, report.TotalChecks, report.Failed, report.Errors, report.Warnings)
				for _, check := range report.Checks {
					mark := "ok"
					if !check.Passed {
						mark = check.Severity
					}
					fmt.Printf("  [%s] %s: %s\n", mark, check.Name, check.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&label, "tracker-label", "", "tracker status label to cross-check")
	cmd.Flags().StringVar(&column, "tracker-column", "", "tracker board column to cross-check")
	cmd.Flags().StringVar(&trackerStage, "tracker-stage", "", "stage the tracker believes the project is in")
	cmd.Flags().Float64Var(&trackerScore, "tracker-score", 0, "score the tracker has recorded")
	return cmd
}

func simulateCmd() *cobra.Command {
	sim := &cobra.Command{
		Use:   "simulate",
		Short: "Run scenario scripts against the real engine",
	}
	sim.AddCommand(simulateRunCmd())
	return sim
}

func simulateRunCmd() *cobra.Command {
	var filePath, workDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario script",
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := scenario.LoadScript(filePath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), script.ProjectID, viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			if workDir == "" {
				workDir = filepath.Join(workspace, ".paperline", "simulations")
			}
			runner := scenario.New(conn, cfg, workDir)
			report, err := runner.Run(cmd.Context(), script)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(report)
			}
			fmt.Print(report.Summary())
			if !report.Success {
				return fmt.Errorf("scenario %q did not succeed", report.Scenario)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to scenario YAML")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory for stand-in artifacts")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd.Context(), func(ctx context.Context, c components) error {
				events, err := c.Repo.LatestEvents(ctx, n, c.ProjectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			l := ledger.New(conn, cfg)
			m := stage.New(conn, cfg, l)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PAPERLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PAPERLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DB:        conn,
				Repo:      r,
				Ledger:    l,
				Machine:   m,
				Validator: audit.New(l, m, cfg),
				Project:   cfg,
				BasePath:  basePath,
				Auth:      authCfg,
			})
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
			fmt.Printf("Serving Paperline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
