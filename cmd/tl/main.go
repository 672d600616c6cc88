package main

import (
	"bufio"
	"context"
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

	"treeline/internal/app"
	"treeline/internal/config"
	"treeline/internal/db"
	"treeline/internal/engine"
	"treeline/internal/layout"
	"treeline/internal/migrate"
	"treeline/internal/model"
	"treeline/internal/progress"
	"treeline/internal/repo"
	"treeline/internal/server"
	"treeline/internal/view"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Treeline CLI",
	Long: `Treeline tracks product progress as a four-level tree and rolls completion up.
Core concepts:
- Workspace: your .treeline directory with the database; config lives in the DB and is imported explicitly.
- Product: the root of the tree; its completion is derived from its domains.
- Domains: big areas of the product (Billing, Auth); completion derived from features.
- Features: units of deliverable work with a priority (CRITICAL/HIGH/MEDIUM/LOW), a derived status, and optional dependencies on other features.
- Subtasks: the leaves where completion is actually authored (0-100); everything above is computed.
- Score: a priority-weighted completion number, so CRITICAL work moves the needle more.
- View: a deterministic top-down layout of the expanded part of the tree ('tl view').
- Event log: diary of changes, view with 'tl log tail'.`,
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
	viper.SetEnvPrefix("TREELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("product", "", "product id (overrides workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("product", rootCmd.PersistentFlags().Lookup("product"))
}

func registerCommands() {
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(domainCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(subtaskCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(depsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// productOverride resolves the product id from the --product flag, falling
// back to the workspace default (TREELINE_DEFAULT_PRODUCT, set by
// 'tl product use').
func productOverride() string {
	if p := strings.TrimSpace(viper.GetString("product")); p != "" {
		return p
	}
	return strings.TrimSpace(viper.GetString("default-product"))
}

func productCmd() *cobra.Command {
	prd := &cobra.Command{Use: "product", Short: "Manage products"}
	prd.AddCommand(productListCmd())
	prd.AddCommand(productCreateCmd())
	prd.AddCommand(productShowCmd())
	prd.AddCommand(productUpdateCmd())
	prd.AddCommand(productDeleteCmd())
	prd.AddCommand(productConfigCmd())
	prd.AddCommand(productUseCmd())
	return prd
}

func productListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProducts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Completion"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, fmt.Sprintf("%d%%", p.Completion)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func productCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
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
			e := engine.New(conn, config.Default(id))
			p, err := e.InitProduct(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			// A workspace treeline.yml overrides the seeded defaults.
			if fileCfg, err := config.LoadOptional(workspace); err != nil {
				return err
			} else if fileCfg != nil {
				if err := e.Repo.UpsertProductConfig(cmd.Context(), p.ID, fileCfg); err != nil {
					return err
				}
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "product id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func productShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProduct(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func productUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a product's name or description",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProduct(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("name") {
					p.Name = name
				}
				if cmd.Flags().Changed("description") {
					p.Description = description
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := e.Repo.UpdateProduct(ctx, tx, p, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "product name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func productDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a product and its whole tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProduct(ctx, e.Config.Product.ID)
			})
		},
	}
	return cmd
}

func productUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current product for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID := strings.TrimSpace(args[0])
			if productID == "" {
				return fmt.Errorf("product id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TREELINE_DEFAULT_PRODUCT", productID); err != nil {
				return err
			}
			fmt.Printf("Set TREELINE_DEFAULT_PRODUCT=%s in %s/.env\n", productID, workspace)
			return nil
		},
	}
	return cmd
}

func productConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage product config",
	}
	cfg.AddCommand(productConfigShowCmd())
	cfg.AddCommand(productConfigImportCmd())
	cfg.AddCommand(productConfigInitCmd())
	return cfg
}

func productConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show product config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func productConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import product config from YAML into the DB",
		Long:  "Reads the given --file, or the workspace treeline.yml when omitted, and stores it as the product's config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if filePath != "" {
				cfg, err = config.FromFile(filePath)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			productID := cfg.Product.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if productID == "" {
					productID = e.Config.Product.ID
				}
				if err := e.Repo.UpsertProductConfig(ctx, productID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to <workspace>/treeline.yml)")
	return cmd
}

func productConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <product-id>",
		Short: "Write a default treeline.yml for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(args[0])), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func domainCmd() *cobra.Command {
	dom := &cobra.Command{
		Use:   "domain",
		Short: "Manage domains",
		Long:  "Domains group features under a product. Their completion is derived from their features; a domain with no features keeps whatever completion you set on it.",
	}
	dom.AddCommand(domainUpsertCmd())
	dom.AddCommand(domainRemoveCmd())
	dom.AddCommand(domainListCmd())
	return dom
}

func domainUpsertCmd() *cobra.Command {
	var opts engine.DomainOptions
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProductID = e.Config.Product.ID
				d, err := e.UpsertDomain(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "domain id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "domain name")
	cmd.Flags().IntVar(&opts.Completion, "completion", 0, "completion 0-100 (used only while the domain has no features)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	return cmd
}

func domainRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a domain and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDomain(ctx, e.Config.Product.ID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func domainListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List domains with derived completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tree, err := e.Tree(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree.Product.Domains)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Completion", "Features"})
				for _, d := range tree.Product.Domains {
					tw.AppendRow(table.Row{d.ID, d.Name, fmt.Sprintf("%d%%", d.Completion), len(d.Features)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func featureCmd() *cobra.Command {
	feat := &cobra.Command{
		Use:   "feature",
		Short: "Manage features",
		Long:  "Features live under a domain and carry priority, derived status, and optional dependencies on sibling features. With subtasks present their completion is the rounded mean of the subtasks.",
	}
	feat.AddCommand(featureUpsertCmd())
	feat.AddCommand(featureRemoveCmd())
	return feat
}

func featureUpsertCmd() *cobra.Command {
	var opts engine.FeatureOptions
	var priority, status string
	var dependencies []string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.DomainID == "" {
				return fmt.Errorf("--domain required")
			}
			opts.ActorID = viper.GetString("actor-id")
			opts.Priority = model.Priority(strings.ToUpper(priority))
			opts.Status = model.Status(status)
			opts.Dependencies = dependencies
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProductID = e.Config.Product.ID
				f, err := e.UpsertFeature(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(f)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "feature id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.DomainID, "domain", "", "domain id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "feature name")
	cmd.Flags().IntVar(&opts.Completion, "completion", 0, "completion 0-100 (used only while the feature has no subtasks)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (CRITICAL, HIGH, MEDIUM, LOW)")
	cmd.Flags().StringVar(&status, "status", "", "status (complete, in-progress, pending); must agree with completion")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringArrayVar(&dependencies, "depends-on", []string{}, "dependency feature id (repeatable, replaces the stored set)")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func featureRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a feature and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveFeature(ctx, e.Config.Product.ID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func subtaskCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "subtask",
		Short: "Manage subtasks",
		Long:  "Subtasks are the leaves: the only place completion is authored rather than derived. Setting one ripples up through feature, domain, and product.",
	}
	sub.AddCommand(subtaskUpsertCmd())
	sub.AddCommand(subtaskRemoveCmd())
	return sub
}

func subtaskUpsertCmd() *cobra.Command {
	var opts engine.SubtaskOptions
	var status string
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a subtask",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.FeatureID == "" {
				return fmt.Errorf("--feature required")
			}
			opts.ActorID = viper.GetString("actor-id")
			opts.Status = model.Status(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ProductID = e.Config.Product.ID
				s, err := e.UpsertSubtask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "subtask id (optional, deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.FeatureID, "feature", "", "feature id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "subtask name")
	cmd.Flags().IntVar(&opts.Completion, "completion", 0, "completion 0-100")
	cmd.Flags().StringVar(&status, "status", "", "status (complete, in-progress, pending); must agree with completion")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func subtaskRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a subtask",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveSubtask(ctx, e.Config.Product.ID, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func treeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the product tree with derived completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tree, err := e.Tree(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree.Product)
				}
				p := tree.Product
				fmt.Printf("%s [%d%%]\n", p.Name, p.Completion)
				for i, d := range p.Domains {
					printDomainTree(d, "", i == len(p.Domains)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func viewCmd() *cobra.Command {
	var expanded []string
	var all bool
	var status, priority, name string
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Lay out the visible tree as positioned nodes",
		Long:  "Computes node positions for the expanded part of the tree, exactly as the layout API does. Collapsed by default; pass --expand per id or --all.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tree, err := e.Tree(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				ctrl := view.NewController(layout.NewEngine(e.Config.Geometry()))
				if all {
					ctrl.ExpandAll(tree)
				} else {
					for _, id := range expanded {
						ctrl.Expand(tree, strings.TrimSpace(id))
					}
				}
				ctrl.SetFilter(progress.Filter{
					Status:   model.Status(status),
					Priority: model.Priority(strings.ToUpper(priority)),
					Name:     name,
				})
				res := ctrl.Layout(tree)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Level", "X", "Y", "W", "H", "Completion", "Status", "Priority"})
				for _, n := range res.Nodes {
					tw.AppendRow(table.Row{
						n.ID, n.Level,
						fmt.Sprintf("%.0f", n.X), fmt.Sprintf("%.0f", n.Y),
						fmt.Sprintf("%.0f", n.Width), fmt.Sprintf("%.0f", n.Height),
						fmt.Sprintf("%d%%", n.Completion), n.Status, n.Priority,
					})
				}
				tw.Render()
				fmt.Printf("%d nodes, %d edges\n", len(res.Nodes), len(res.Edges))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&expanded, "expand", []string{}, "expand a domain or feature id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "expand everything")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&name, "name", "", "name substring filter")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Priority-weighted completion score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				score, err := e.Score(ctx, e.Config.Product.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"product_id": e.Config.Product.ID, "score": score})
				}
				fmt.Printf("%d\n", score)
				return nil
			})
		},
	}
	return cmd
}

func depsCmd() *cobra.Command {
	deps := &cobra.Command{Use: "deps", Short: "Feature dependencies"}
	deps.AddCommand(depsCheckCmd())
	return deps
}

func depsCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify feature dependencies resolve and contain no cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				err := e.CheckDependencies(ctx, e.Config.Product.ID)
				if viper.GetBool("json") {
					out := map[string]any{"product_id": e.Config.Product.ID, "ok": err == nil}
					var cycle *progress.CycleError
					if errors.As(err, &cycle) {
						out["cycle"] = cycle.Members
					}
					if err != nil {
						out["error"] = err.Error()
					}
					return printJSON(out)
				}
				if err != nil {
					return err
				}
				fmt.Println("ok")
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show product status",
		Long:  "The scoreboard for your product: overall completion, weighted score, and feature counts per derived status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				productID := e.Config.Product.ID
				tree, err := e.Tree(ctx, productID)
				if err != nil {
					return err
				}
				counts, err := e.StatusSummary(ctx, productID)
				if err != nil {
					return err
				}
				score, err := e.Score(ctx, productID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"product_id":     productID,
					"completion":     tree.Product.Completion,
					"score":          score,
					"feature_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Product: %s (%d%%)\n", tree.Product.Name, tree.Product.Completion)
				fmt.Printf("Weighted score: %d\n", score)
				fmt.Println("Features:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: product creation, upserts, removals.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var interval time.Duration
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Product.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				return followEvents(ctx, e, interval)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new events")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval with --follow")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// followEvents polls forward from the newest event id until the context is
// canceled.
func followEvents(ctx context.Context, e engine.Engine, interval time.Duration) error {
	cursor, err := e.Repo.LatestEventID(ctx, e.Config.Product.ID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		batch, err := e.Repo.EventsAfter(ctx, 100, cursor, e.Config.Product.ID)
		if err != nil {
			return err
		}
		for _, evt := range batch {
			if err := printJSONOrTable(evt); err != nil {
				return err
			}
			cursor = evt.ID
		}
	}
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
			_, cfg, err := app.ResolveProductAndConfig(cmd.Context(), productOverride(), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("TREELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if !authCfg.Enabled() {
				fmt.Println("WARNING: no TREELINE_JWT_SECRET set; serving without authentication")
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
			fmt.Printf("Using database %s\n", db.Path(workspace))
			fmt.Printf("Serving Treeline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the legacy X-Actor-Id header")
	return cmd
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
	_, cfg, err := app.ResolveProductAndConfig(ctx, productOverride(), viper.GetString("actor-id"), r)
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
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

func printDomainTree(d model.Domain, prefix string, last bool) {
	connector, childPrefix := branch(prefix, last)
	fmt.Printf("%s%s%s [%d%%]\n", prefix, connector, d.Name, d.Completion)
	for i, f := range d.Features {
		printFeatureTree(f, childPrefix, i == len(d.Features)-1)
	}
}

func printFeatureTree(f model.Feature, prefix string, last bool) {
	connector, childPrefix := branch(prefix, last)
	fmt.Printf("%s%s%s [%d%%] (%s, %s)\n", prefix, connector, f.Name, f.Completion, f.Priority, f.Status)
	for i, s := range f.Subtasks {
		connector, _ := branch(childPrefix, i == len(f.Subtasks)-1)
		fmt.Printf("%s%s%s [%d%%] (%s)\n", childPrefix, connector, s.Name, s.Completion, s.Status)
	}
}

func branch(prefix string, last bool) (connector, childPrefix string) {
	if last {
		return "└── ", prefix + "    "
	}
	return "├── ", prefix + "│   "
}
