package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/companionmemory/compmem/internal/chat"
	"github.com/companionmemory/compmem/internal/cli/ui"
	"github.com/companionmemory/compmem/internal/clock"
	"github.com/companionmemory/compmem/internal/config"
	"github.com/companionmemory/compmem/internal/cron"
	"github.com/companionmemory/compmem/internal/heartbeat"
	"github.com/companionmemory/compmem/internal/jobs"
	"github.com/companionmemory/compmem/internal/leader"
	"github.com/companionmemory/compmem/internal/llm"
	"github.com/companionmemory/compmem/internal/logstore"
	"github.com/companionmemory/compmem/internal/reporter"
	"github.com/companionmemory/compmem/internal/sampling"
	"github.com/companionmemory/compmem/internal/server"
	"github.com/companionmemory/compmem/internal/summary"
	"github.com/companionmemory/compmem/internal/table"
	"github.com/companionmemory/compmem/internal/usersettings"
	"github.com/companionmemory/compmem/internal/usersync"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the full backend: HTTP API, cron planner, and job worker",
	Long: `Run everything in one process. The scheduler competes for the singleton
lock, so several instances can run side by side; exactly one plans cron
work at a time while all of them serve HTTP and execute jobs.`,
	RunE: runScheduler,
}

var workerCmd = &cobra.Command{
	Use:   "job-worker",
	Short: "Run a job worker only (no HTTP, no cron planning)",
	Long: `Run a process that polls the shared table for due jobs and executes
them. Add job-worker processes to scale execution independently of the
HTTP tier.`,
	RunE: runWorker,
}

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Run the HTTP API only (no job execution)",
	RunE:  runWeb,
}

func init() {
	for _, cmd := range []*cobra.Command{schedulerCmd, workerCmd, webCmd} {
		cmd.Flags().String("config", "", "Path to config file (default compmem.toml)")
		cmd.Flags().String("store-path", "", "Bolt store file (overrides config)")
	}
	for _, cmd := range []*cobra.Command{schedulerCmd, webCmd} {
		cmd.Flags().Int("port", 0, "HTTP port (overrides config)")
		cmd.Flags().String("host", "", "HTTP host (overrides config)")
	}
}

// loadServeConfig resolves configuration for the process commands:
// defaults, then compmem.toml, then environment, then explicit flags.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	flags := map[string]string{}
	for _, name := range []string{"port", "host", "store-path"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[name] = f.Value.String()
		}
	}
	return config.Load(configPath, flags)
}

// stack is the wiring every process shares: the table, the queue layers over
// it, and the job services registered on the registry. Which components get
// started on top (worker, planner, HTTP server) is up to the command.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	tbl      table.Client
	store    *jobs.Store
	registry *jobs.Registry
	sched    *jobs.Scheduler
	logs     *logstore.Store
	settings *usersettings.Store
	reporter jobs.ErrorReporter

	beat     *heartbeat.Beat
	summary  *summary.Service
	sampling *sampling.Service
	usersync *usersync.Service

	closers []func()
}

func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	tbl, err := buildTable(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st := &stack{
		cfg:    cfg,
		logger: logger,
		clock:  clock.System(),
		tbl:    tbl,
	}
	st.closers = append(st.closers, func() {
		if err := tbl.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	})

	st.store = jobs.NewStore(tbl, logger)
	st.registry = jobs.NewRegistry()
	st.sched = jobs.NewScheduler(st.store, jobs.NewDedupIndex(tbl), st.registry, st.clock, logger)
	st.logs = logstore.NewStore(tbl, logger)
	st.settings = usersettings.NewStore(tbl)

	rep, closeRep, err := buildReporter(cfg, logger)
	if err != nil {
		st.close()
		return nil, err
	}
	st.reporter = rep
	if closeRep != nil {
		st.closers = append(st.closers, closeRep)
	}

	if err := st.registerServices(); err != nil {
		st.close()
		return nil, err
	}
	return st, nil
}

// registerServices wires the job services and installs their handlers. Every
// process registers the full set: workers need the handlers to execute jobs,
// and web processes need them because scheduling validates the job type.
func (st *stack) registerServices() error {
	chatClient, err := buildChatClient(st.cfg, st.settings, st.logger)
	if err != nil {
		return err
	}
	llmClient, err := buildLLMClient(st.cfg, st.logger)
	if err != nil {
		return err
	}

	st.beat = heartbeat.New(st.sched, st.logger)
	st.beat.Register(st.registry)

	st.summary = summary.NewService(st.logs, st.settings, llmClient, chatClient, st.sched, st.clock, st.logger)
	st.summary.Register(st.registry)

	st.sampling = sampling.NewService(st.settings, chatClient, st.sched, st.logger)
	st.sampling.Register(st.registry)

	if st.cfg.Directory.URL != "" {
		dir, err := usersync.NewHTTPDirectory(usersync.DirectoryConfig{
			BaseURL: st.cfg.Directory.URL,
			Token:   st.cfg.Directory.Token,
		})
		if err != nil {
			return err
		}
		st.usersync = usersync.NewService(dir, st.settings, st.sched, st.clock, st.logger)
		st.usersync.Register(st.registry)
	}
	return nil
}

func (st *stack) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		st.closers[i]()
	}
}

// buildTable opens the configured store backend.
func buildTable(ctx context.Context, cfg *config.Config) (table.Client, error) {
	switch cfg.Store.Backend {
	case "memory":
		return table.NewMemory(), nil
	case "bolt":
		return table.NewBolt(cfg.Store.Path)
	case "dynamodb":
		return table.NewDynamo(ctx, cfg.Store.Region, cfg.Store.TableName)
	case "postgres":
		return table.NewPostgres(ctx, cfg.Store.URL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildChatClient assembles the delivery router. The log provider is always
// present so dev setups work with zero chat configuration; other providers
// join when their config section is filled in.
func buildChatClient(cfg *config.Config, settings *usersettings.Store, logger *slog.Logger) (chat.Client, error) {
	providers := map[string]chat.Provider{
		chat.ChannelLog: chat.NewLogProvider(logger),
	}
	if cfg.Chat.Webhook.URL != "" {
		providers[chat.ChannelWebhook] = chat.NewWebhookProvider(cfg.Chat.Webhook.URL, cfg.Chat.Webhook.Secret)
	}
	if cfg.Chat.SNS.Region != "" {
		pub, err := newSNSPublisher(cfg.Chat.SNS.Region)
		if err != nil {
			return nil, fmt.Errorf("configuring sns chat provider: %w", err)
		}
		providers[chat.ChannelSNS] = chat.NewSNSProvider(pub)
	}
	if cfg.Chat.Mail.Host != "" {
		smtp, err := chat.NewSMTPClient(cfg.Chat.Mail.Host, cfg.Chat.Mail.Port, cfg.Chat.Mail.Username, cfg.Chat.Mail.Password)
		if err != nil {
			return nil, fmt.Errorf("configuring mail chat provider: %w", err)
		}
		providers[chat.ChannelMail] = chat.NewMailProvider(smtp, cfg.Chat.Mail.From, cfg.Chat.Mail.Subject)
	}

	fallback := cfg.Chat.Channel
	if fallback == "" {
		fallback = chat.ChannelLog
	}
	return chat.NewRouter(settings, providers, fallback, logger)
}

// buildLLMClient returns the completion client. Without an API key the stub
// is used so the rest of the pipeline keeps working in dev.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	if cfg.LLM.Stub {
		return llm.NewStub(""), nil
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("llm api key not configured; summaries will use stub responses")
		return llm.NewStub(""), nil
	}
	return llm.NewAnthropicClient(llm.AnthropicConfig{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
	})
}

// buildReporter assembles the failure reporters. The returned closer flushes
// Sentry on shutdown and is nil when only log reporting is configured.
func buildReporter(cfg *config.Config, logger *slog.Logger) (jobs.ErrorReporter, func(), error) {
	reporters := reporter.Multi{reporter.NewLogReporter(logger)}
	if cfg.Sentry.DSN == "" {
		return reporters, nil, nil
	}
	sentryRep, err := reporter.NewSentryReporter(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		return nil, nil, err
	}
	reporters = append(reporters, sentryRep)
	return reporters, sentryRep.Close, nil
}

func workerConfig(cfg *config.Config) jobs.WorkerConfig {
	return jobs.WorkerConfig{
		PollInterval:    cfg.Worker.PollInterval(),
		BatchSize:       cfg.Worker.BatchLimit,
		LeaseDuration:   cfg.Worker.LeaseDuration(),
		Concurrency:     cfg.Worker.Concurrency,
		ShutdownTimeout: cfg.Worker.GracefulTimeout(),
		Retry: jobs.RetryPolicy{
			BaseDelay:   cfg.Worker.BaseDelay(),
			MaxAttempts: cfg.Worker.MaxAttempts,
		},
	}
}

// installPlanner registers the cron entries. All times are UTC; the per-user
// local-time fan-out happens inside the planner closures.
func installPlanner(p *cron.Planner, st *stack) error {
	users := st.cfg.Scheduler.DailySummaryUsers

	if st.cfg.Scheduler.EnableHeartbeat {
		if err := p.Add("heartbeat_timed", "* * * * *", st.beat.EmitTimed); err != nil {
			return err
		}
	}
	if err := p.Add("daily_summary_planner", "0 0 * * *", st.summary.PlanDaily(users)); err != nil {
		return err
	}
	if err := p.Add("work_sampling_planner", "0 0 * * *", st.sampling.Plan(users, st.cfg.Scheduler.PromptsPerDay)); err != nil {
		return err
	}
	if st.usersync != nil {
		if err := p.Add("user_sync", "0 */6 * * *", st.usersync.Plan(users)); err != nil {
			return err
		}
	}

	cleanupAge := time.Duration(st.cfg.Scheduler.CleanupDays) * 24 * time.Hour
	return p.Add("job_cleanup", "0 2 * * *", func(ctx context.Context, now time.Time) error {
		deleted, err := st.store.DeleteOlderThan(ctx, now.Add(-cleanupAge))
		if err != nil {
			return err
		}
		if deleted > 0 {
			st.logger.Info("cleaned up finished jobs", "deleted", deleted, "older_than_days", st.cfg.Scheduler.CleanupDays)
		}
		return nil
	})
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	// Catch signals before startup so Ctrl-C during a slow store open still
	// exits cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx := context.Background()
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	elector := leader.NewElector(leader.NewLock(st.tbl, st.clock), leader.ElectorConfig{
		TTL:     cfg.Scheduler.SingletonTTL(),
		Refresh: cfg.Scheduler.SingletonRefresh(),
	}, logger)

	planner := cron.NewPlanner(st.clock, elector.IsLeader, logger, 0)
	if err := installPlanner(planner, st); err != nil {
		return err
	}

	worker := jobs.NewWorker(st.store, st.registry, st.clock, st.reporter, logger, workerConfig(cfg))
	srv := server.New(cfg, logger, st.logs, st.sched, st.store, st.clock, elector)

	elector.Start(ctx)
	if err := planner.Start(ctx); err != nil {
		elector.Stop()
		return err
	}
	worker.Start(ctx)

	stopComponents := func() {
		planner.Stop()
		worker.Stop()
		elector.Stop()
	}

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.StartWithReady(ready)
	}()

	select {
	case <-ready:
		fmt.Fprintf(os.Stderr, "\n  %s Companion Memory listening on http://%s\n\n", ui.BrandEmoji, cfg.Address())
	case err := <-errCh:
		stopComponents()
		return err
	}

	select {
	case err := <-errCh:
		stopComponents()
		return err
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		fmt.Fprintf(os.Stderr, "\n  Shutting down... (press Ctrl-C again to force)\n")
		signal.Stop(sigCh) // Second Ctrl-C triggers Go default (immediate exit).

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		stopComponents()
		return nil
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx := context.Background()
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	worker := jobs.NewWorker(st.store, st.registry, st.clock, st.reporter, logger, workerConfig(cfg))
	worker.Start(ctx)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	signal.Stop(sigCh)
	worker.Stop()
	return nil
}

func runWeb(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg.Logging)
	defer closeLog()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx := context.Background()
	st, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	// No elector: this process never plans cron work, so the status endpoint
	// reports leader=false.
	srv := server.New(cfg, logger, st.logs, st.sched, st.store, st.clock, nil)

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.StartWithReady(ready)
	}()

	select {
	case <-ready:
		fmt.Fprintf(os.Stderr, "\n  %s Companion Memory listening on http://%s\n\n", ui.BrandEmoji, cfg.Address())
	case err := <-errCh:
		return err
	}

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
		signal.Stop(sigCh)
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	}
}
