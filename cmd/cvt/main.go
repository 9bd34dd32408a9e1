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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"civitrack/internal/app"
	"civitrack/internal/config"
	"civitrack/internal/db"
	"civitrack/internal/domain"
	"civitrack/internal/engine"
	"civitrack/internal/migrate"
	"civitrack/internal/repo"
	"civitrack/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cvt",
	Short: "Civitrack CLI",
	Long: `Civitrack tracks infrastructure project lifecycles and deliverable validation.
External planning systems own tasks and milestones; civitrack mirrors them into
validation items, versions field submissions against each item, runs reviewer
decisions through a single transactional path, and rolls approved weights up
into a project completion percentage with a full audit trail.`,
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
	viper.SetEnvPrefix("CIVITRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-role", "", "actor role recorded in the audit log")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with seeded roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := config.LoadOptional(workspace)
				if err != nil {
					return err
				}
				if cfg == nil {
					cfg = config.Default(id)
				}
				cfg.Project.ID = id
				if err := app.CreateProject(ctx, r, id, name, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printResult(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				projects, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Priority"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printResult(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printResult(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default civitrack.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "default-project"
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "status", Short: "Project status lifecycle"}
	cmd.AddCommand(statusShowCmd())
	cmd.AddCommand(statusValidateCmd())
	cmd.AddCommand(statusSetCmd())
	cmd.AddCommand(statusHistoryCmd())
	return cmd
}

func statusShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountItemsByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				percent, err := e.ProjectPercent(ctx, p.ID)
				if err != nil {
					return err
				}
				return printResult(map[string]any{
					"project_id":       p.ID,
					"status":           p.Status,
					"item_counts":      counts,
					"progress_percent": percent,
				})
			})
		},
	}
}

func statusValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <status>",
		Short: "Dry-run a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				check, err := e.ValidateStatusTransition(ctx, e.Config.Project.ID, args[0])
				if err != nil {
					return err
				}
				return printResult(check)
			})
		},
	}
}

func statusSetCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "set <status>",
		Short: "Apply a status transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProjectStatus(ctx, e.Config.Project.ID, args[0], viper.GetString("actor-id"), note)
				if err != nil {
					return err
				}
				return printResult(p)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "free-text note for the history entry")
	return cmd
}

func statusHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show status history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history, err := e.Repo.ListStatusHistory(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printResult(history)
			})
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirror source deliverables into validation items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SyncDeliverables(ctx, e.Config.Project.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Validation items"}
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	return cmd
}

func itemListCmd() *cobra.Command {
	var status, deliverableType string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validation items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if status != "" {
					normalized, err := domain.NormalizeItemStatus(status)
					if err != nil {
						return err
					}
					status = normalized
				}
				items, total, err := e.Repo.ListItems(ctx, repo.ItemFilters{
					ProjectID:       e.Config.Project.ID,
					Status:          status,
					DeliverableType: deliverableType,
					Page:            page,
					PerPage:         perPage,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"data": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Ref", "Name", "Weight", "Status"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.DeliverableType, it.DeliverableRefID, it.DeliverableName, it.Weight, it.Status})
				}
				tw.Render()
				fmt.Printf("%d of %d items\n", len(items), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&deliverableType, "type", "", "deliverable type (task, milestone)")
	cmd.Flags().IntVar(&page, "page", 0, "page number")
	cmd.Flags().IntVar(&perPage, "per-page", 0, "page size")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show item detail with submissions and audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetItemDetail(ctx, itemID)
				if err != nil {
					return err
				}
				return printResult(detail)
			})
		},
	}
}

func submitCmd() *cobra.Command {
	var itemID int64
	var percent float64
	var summary, attachment string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Record a progress submission against an item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RecordSubmission(ctx, engine.SubmitOptions{
					ItemID:          itemID,
					ProgressPercent: percent,
					Summary:         summary,
					AttachmentRef:   attachment,
					SubmitterID:     viper.GetString("actor-id"),
					SubmitterRole:   viper.GetString("actor-role"),
				})
				if err != nil {
					return err
				}
				return printResult(s)
			})
		},
	}
	cmd.Flags().Int64Var(&itemID, "item", 0, "validation item id")
	cmd.Flags().Float64Var(&percent, "percent", 0, "claimed progress percent (0-100)")
	cmd.Flags().StringVar(&summary, "summary", "", "change summary")
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment reference")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func decideCmd() *cobra.Command {
	var remarks string
	cmd := &cobra.Command{
		Use:   "decide <item-id> <decision>",
		Short: "Apply a reviewer decision (send_for_approval, approve, reject, return_for_revision)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decide(ctx, engine.DecideOptions{
					ItemID:    itemID,
					Decision:  args[1],
					Remarks:   remarks,
					ActorID:   viper.GetString("actor-id"),
					ActorRole: viper.GetString("actor-role"),
					Origin:    "cli",
				})
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "reviewer remarks (required for reject and return_for_revision)")
	return cmd
}

func progressCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show project completion percentage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				percent, err := e.ProjectPercent(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id":       e.Config.Project.ID,
					"progress_percent": percent,
				}
				if history {
					updates, err := e.Repo.ListProgress(ctx, e.Config.Project.ID, 0)
					if err != nil {
						return err
					}
					out["history"] = updates
				}
				return printResult(out)
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include snapshot history")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Validation audit log"}
	cmd.AddCommand(&cobra.Command{
		Use:   "item <item-id>",
		Short: "Show the audit trail for one item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, err := parseItemID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logs, err := e.Repo.ListLogsByItem(ctx, itemID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Action", "From", "To", "Actor", "TS"})
				for _, l := range logs {
					tw.AppendRow(table.Row{l.ID, l.ActionType, l.PreviousStatus, l.NewStatus, l.ActorID, l.TS})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
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
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("CIVITRACK_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("CIVITRACK_JWT_SECRET is required for bearer auth")
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
			fmt.Printf("Serving Civitrack API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id header (local development only)")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rbac", Short: "RBAC management"}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actorID := viper.GetString("actor-id")
				roles, err := e.Repo.ActorRoles(ctx, e.Config.Project.ID, actorID)
				if err != nil {
					return err
				}
				perms, err := e.Repo.ActorPermissions(ctx, e.Config.Project.ID, actorID)
				if err != nil {
					return err
				}
				return printResult(map[string]any{
					"actor_id":    actorID,
					"project_id":  e.Config.Project.ID,
					"roles":       roles,
					"permissions": perms,
				})
			})
		},
	}
}

func rbacGrantCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
					return err
				}
				if err := e.Repo.AssignRole(ctx, tx, e.Config.Project.ID, actorID, roleID); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s\n", roleID, actorID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var actorID, roleID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role from an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.RevokeRole(ctx, tx, e.Config.Project.ID, actorID, roleID); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s\n", roleID, actorID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&roleID, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API key management"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once, stored hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := uuid.NewString()
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printResult(map[string]any{"id": rec.ID, "actor_id": actorID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printResult(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
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

func parseItemID(arg string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(strings.TrimSpace(arg), "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", arg)
	}
	return id, nil
}

// printResult emits indented JSON; list commands with tabular shapes render
// go-pretty tables instead and only fall through here for --json.
func printResult(v any) error {
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
