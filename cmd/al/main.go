package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"actionline/internal/config"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/engine/auth"
	"actionline/internal/jobs"
	"actionline/internal/migrate"
	"actionline/internal/remote"
	"actionline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Actionline CLI",
	Long: `Actionline plans and runs actions on content from a pool of identities.
Core concepts:
- Workspace: directory holding actionline.yml and the registry, content and quota databases.
- Jobs: validate-identity, refresh-content and act-on-post work items, reserved by workers under a lease.
- Identities: accounts that act; each has a reuse cooldown and can be excluded for good.
- Addresses: outbound network addresses; each admits a limited number of distinct identities per rolling window.
- Planner: turns recent content into act-on-post jobs following the acceptance curve.
- Codes: verification codes an operator supplies while a worker waits.
- Event log: audit trail of changes, view with 'al log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(viper.GetString("log-level"))
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ACTIONLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier recorded in the event log")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for API bearer tokens")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(addressCmd())
	rootCmd.AddCommand(contentCmd())
	rootCmd.AddCommand(codeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create actionline.yml and the workspace databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conns, err := migrate.OpenAll(workspace)
			if err != nil {
				return err
			}
			migrate.CloseAll(conns)
			fmt.Printf("Initialized workspace %s\n", workspace)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate actionline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			var gaps []string
			for _, ch := range c.Channels {
				if _, ok := c.ChannelTargets[ch]; !ok {
					gaps = append(gaps, ch)
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "channels_without_target": gaps})
			}
			fmt.Println("config ok")
			for _, g := range gaps {
				fmt.Printf("warning: channel %s has no target and will be skipped by the planner\n", g)
			}
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, identity, address and code status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Kind", "Pending", "Reserved", "Done", "Failed"})
				for _, kind := range domain.JobKinds() {
					c := st.Jobs[kind]
					tw.AppendRow(table.Row{kind, c[domain.JobPending], c[domain.JobReserved], c[domain.JobDone], c[domain.JobFailed]})
				}
				tw.Render()
				fmt.Printf("Identities: available=%d in_use=%d cooling=%d excluded=%d\n",
					st.Identities["available"], st.Identities["in_use"], st.Identities["cooling"], st.Identities["excluded"])
				for _, a := range st.Addresses {
					fmt.Printf("Address %s (%s): %d/%d in window\n", a.ID, a.ExternalAddress, a.WindowUsage, e.Config.MaxIdentitiesPerAddress)
				}
				for _, ch := range st.Channels {
					target := "yes"
					if !ch.HasTarget {
						target = "MISSING"
					}
					fmt.Printf("Channel %s: target=%s last_fetched=%s\n", ch.ID, target, orDash(ch.LastFetchedAt))
				}
				if len(st.PendingCodes) > 0 {
					fmt.Printf("Pending verification codes: %d (see 'al code pending')\n", len(st.PendingCodes))
				}
				if st.Quiet {
					fmt.Println("Quiet hours: active")
				}
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	var workers int
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool",
		Long:  "Workers reserve jobs, acquire an identity and an address, then call the collaborator service. With --scheduler the planner and sweeper run in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemoteEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, client *remote.Client) error {
				pool, err := e.NewPool(engine.Collaborators{Executor: client, Fetcher: client, Validator: client}, workers)
				if err != nil {
					return err
				}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return pool.Run(gctx) })
				if withScheduler {
					sched := e.NewScheduler()
					g.Go(func() error { return sched.Run(gctx) })
				}
				err = g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of workers (defaults to config)")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "also run the planner and sweeper")
	return cmd
}

func planCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Run a planner pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if loop {
					err := e.NewScheduler().Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				rep, err := e.Plan(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				fmt.Printf("channels=%d refresh_jobs=%d action_jobs=%d duplicates=%d skipped=%d\n",
					rep.Channels, rep.RefreshJobs, rep.ActionJobs, rep.Duplicates, rep.Skipped)
				for _, g := range rep.Gaps {
					fmt.Printf("gap: channel %s has no target\n", g)
				}
				for ch, msg := range rep.Errors {
					fmt.Printf("error: channel %s: %s\n", ch, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep planning and sweeping on the configured intervals")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Requeue expired reservations, refresh identities and prune address usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("ACTIONLINE_JWT_SECRET is required for bearer auth")
			}
			return withRemoteEngineOptional(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				logger := slog.Default()
				e.SetLogger(logger)
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{JWTSecret: secret}, Logger: logger})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e.Events, e.Config.Webhooks, logger)
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				if withScheduler {
					sched := e.NewScheduler()
					g.Go(func() error { return sched.Run(gctx) })
				}
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Actionline API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				err = g.Wait()
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", true, "run the planner and sweeper alongside the API")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect and retry jobs",
	}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobGetCmd())
	job.AddCommand(jobRetryCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var f jobs.Filter
	var kind, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = domain.JobKind(kind)
			f.State = domain.JobState(state)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Jobs.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Channel", "Content", "Identity", "Attempts", "Last error"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.State, j.ChannelID, j.ContentID, j.IdentityID, j.Attempts, j.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().StringVar(&f.ChannelID, "channel", "", "channel filter")
	cmd.Flags().StringVar(&f.ContentID, "content", "", "content filter")
	cmd.Flags().StringVar(&f.IdentityID, "identity", "", "identity filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.Jobs.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func jobRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.RetryJob(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func identityCmd() *cobra.Command {
	id := &cobra.Command{
		Use:   "identity",
		Short: "Manage identities",
		Long:  "Identities act on content. After each use an identity cools down before it can be acquired again; revoked or frozen identities are excluded for good.",
	}
	id.AddCommand(identityAddCmd())
	id.AddCommand(identityListCmd())
	id.AddCommand(identityValidateCmd())
	id.AddCommand(identityExcludeCmd())
	return id
}

func identityAddCmd() *cobra.Command {
	var validate bool
	cmd := &cobra.Command{
		Use:   "add <id>...",
		Short: "Register identities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.AddIdentities(ctx, validate, args...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"added": n})
				}
				fmt.Printf("Added %d identities\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&validate, "validate", false, "enqueue a validation job for each identity")
	return cmd
}

func identityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Identities.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Ready at", "Holder", "Excluded reason"})
				for _, i := range items {
					tw.AppendRow(table.Row{i.ID, i.Status, i.ReadyAt, i.Holder, i.ExcludedReason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func identityValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Enqueue a validation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				j, err := e.ValidateIdentity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
}

func identityExcludeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "exclude <id>",
		Short: "Exclude an identity and purge its pending jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ExcludeIdentity(ctx, args[0], reason, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "exclusion reason")
	return cmd
}

func addressCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "address",
		Short: "Manage outbound addresses",
	}
	a.AddCommand(addressAddCmd())
	a.AddCommand(addressListCmd())
	a.AddCommand(addressUsageCmd())
	a.AddCommand(addressRotateCmd())
	return a
}

func addressAddCmd() *cobra.Command {
	var external string
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Quota.RegisterAddress(ctx, args[0], external)
			})
		},
	}
	cmd.Flags().StringVar(&external, "external", "", "current external address")
	return cmd
}

func addressListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List addresses with in-window usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Quota.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "External", "Usage", "Cap", "Rotated at"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ExternalAddress, a.WindowUsage, e.Config.MaxIdentitiesPerAddress, a.RotatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func addressUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage <id>",
		Short: "Show identities placed on an address in the current window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Quota.Usage(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Identity", "External", "Used at"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.IdentityID, u.ExternalAddress, u.UsedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func addressRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <id>",
		Short: "Ask the collaborator service for a fresh external address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRemoteEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ *remote.Client) error {
				external, err := e.Quota.Rotate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": args[0], "external_address": external})
			})
		},
	}
}

func contentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "content",
		Short: "Inspect cached content and steer the planner",
	}
	c.AddCommand(contentListCmd())
	c.AddCommand(contentSuppressCmd(true))
	c.AddCommand(contentSuppressCmd(false))
	c.AddCommand(contentForceCmd())
	return c
}

func contentListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <channel>",
		Short: "List cached items, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Content.Recent(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Content", "Posted at", "Target", "Completed", "Suppressed", "Forced"})
				for _, it := range items {
					target := "-"
					if it.Target != nil {
						target = fmt.Sprint(*it.Target)
					}
					tw.AppendRow(table.Row{it.ContentID, it.PostedAt, target, len(it.CompletedBy), it.Suppressed, it.ForcedParameter})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func contentSuppressCmd(on bool) *cobra.Command {
	use, short := "suppress", "Stop acting on an item and purge its pending jobs"
	if !on {
		use, short = "unsuppress", "Allow the planner to act on an item again"
	}
	return &cobra.Command{
		Use:   use + " <channel> <content>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SuppressContent(ctx, args[0], args[1], on, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"purged": n})
				}
				if on {
					fmt.Printf("Suppressed %s/%s, purged %d pending jobs\n", args[0], args[1], n)
				} else {
					fmt.Printf("Unsuppressed %s/%s\n", args[0], args[1])
				}
				return nil
			})
		},
	}
}

func contentForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force <channel> <content> [parameter]",
		Short: "Force the action parameter for an item (omit to clear)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			param := ""
			if len(args) == 3 {
				param = args[2]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.ForceParameter(ctx, args[0], args[1], param, viper.GetString("actor-id"))
			})
		},
	}
}

func codeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "code",
		Short: "Answer verification code requests",
		Long:  "When the collaborator service asks for a verification code, the worker waits until an operator submits or cancels it, or the timeout passes.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List open code requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Codes.Pending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Identity", "Requested at"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.IdentityID, r.RequestedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "submit <identity> <code>",
		Short: "Submit a verification code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.SubmitCode(ctx, args[0], strings.TrimSpace(args[1]), viper.GetString("actor-id"))
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "cancel <identity>",
		Short: "Tell the waiting worker to give up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.CancelCode(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "View the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.RecentEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage API bearer tokens"}
	var subject string
	var roles []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("ACTIONLINE_JWT_SECRET is required to sign tokens")
			}
			tok, err := auth.IssueToken(secret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "actor id carried by the token")
	issue.Flags().StringArrayVar(&roles, "role", []string{"operator"}, "role ("+strings.Join(auth.Roles(), ", ")+"), repeatable")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = issue.MarkFlagRequired("subject")
	t.AddCommand(issue)
	return t
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, viper.GetString("workspace"), cfg, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func newRemote(cfg *config.Config) (*remote.Client, error) {
	c := cfg.Collaborators
	if c.BaseURL == "" {
		return nil, fmt.Errorf("collaborators.base_url is required")
	}
	client := remote.New(c.BaseURL, c.Token, c.RatePerSecond, c.Burst)
	if c.TimeoutSeconds > 0 {
		client.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	return client, nil
}

// withRemoteEngine opens an engine whose quota manager rotates addresses
// through the collaborator service.
func withRemoteEngine(ctx context.Context, fn func(context.Context, *engine.Engine, *remote.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newRemote(cfg)
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, viper.GetString("workspace"), cfg, client)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e, client)
}

// withRemoteEngineOptional wires the collaborator service when one is
// configured and runs without rotation otherwise.
func withRemoteEngineOptional(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var e *engine.Engine
	if cfg.Collaborators.BaseURL != "" {
		client, err := newRemote(cfg)
		if err != nil {
			return err
		}
		e, err = engine.Open(ctx, viper.GetString("workspace"), cfg, client)
		if err != nil {
			return err
		}
	} else {
		e, err = engine.Open(ctx, viper.GetString("workspace"), cfg, nil)
		if err != nil {
			return err
		}
	}
	defer e.Close()
	return fn(ctx, e)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
