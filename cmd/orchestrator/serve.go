package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/contentforge/orchestrator/internal/bus"
	"github.com/contentforge/orchestrator/internal/cache"
	"github.com/contentforge/orchestrator/internal/config"
	"github.com/contentforge/orchestrator/internal/discover"
	"github.com/contentforge/orchestrator/internal/generate"
	"github.com/contentforge/orchestrator/internal/health"
	"github.com/contentforge/orchestrator/internal/logging"
	"github.com/contentforge/orchestrator/internal/notify"
	"github.com/contentforge/orchestrator/internal/pipeline"
	"github.com/contentforge/orchestrator/internal/platform"
	"github.com/contentforge/orchestrator/internal/render"
	"github.com/contentforge/orchestrator/internal/retry"
	"github.com/contentforge/orchestrator/internal/server"
	"github.com/contentforge/orchestrator/internal/store"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers and the REST API",
	Long:  `Start the full orchestrator: topic intake, pipeline workers, dependency health monitoring, notifications and the operator REST API.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to config.json file (values can be overridden by environment variables)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}

	log := logging.New(cfg.LogLevel, cfg.LogJSON)

	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if cfg.RenderURL == "" {
		return fmt.Errorf("RENDER_URL environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, items will not survive restarts")
		st = store.NewMemory()
	}

	b := bus.New()
	defer b.Close()

	ch := cache.New(time.Minute)
	defer ch.Close()

	gen, err := generate.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log)
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	defer gen.Close()

	rend := render.New(cfg.RenderURL, render.Options{Token: cfg.RenderToken}, log)

	var (
		publishers []pipeline.Publisher
		clients    []*platform.Client
	)
	for name, baseURL := range cfg.Platforms {
		c := platform.NewClient(name, baseURL, platform.Options{Token: cfg.PlatformToks[name]}, log)
		publishers = append(publishers, c)
		clients = append(clients, c)
	}
	if len(publishers) == 0 {
		return fmt.Errorf("at least one platform must be configured")
	}
	analytics := platform.NewAnalytics(clients...)

	monitor := health.NewMonitor(health.Config{
		ProbeInterval:    cfg.ProbeInterval.Std(),
		DegradedAfter:    cfg.DegradedAfter,
		UnavailableAfter: cfg.UnavailableAfter,
	}, b, log)
	monitor.Register(generate.DependencyName, gen)
	monitor.Register(render.DependencyName, rend)
	for _, c := range clients {
		monitor.Register(c.Name(), c)
	}

	machineCfg := pipeline.DefaultConfig()
	machineCfg.Policy.MaxAttempts = cfg.MaxAttempts
	machineCfg.Policy.BaseDelay = cfg.BaseDelay.Std()
	machineCfg.Policy.MaxDelay = cfg.MaxDelay.Std()
	machineCfg.StageTimeout = cfg.StageTimeout.Std()
	machineCfg.ApprovalPollInterval = cfg.ApprovalPollInterval.Std()
	machineCfg.CacheTTL = cfg.CacheTTL.Std()

	machine := pipeline.NewMachine(st, b, ch, retry.New(monitor, log), pipeline.Collaborators{
		Generator:     gen,
		Renderer:      rend,
		Publishers:    publishers,
		Analytics:     analytics,
		Planner:       pipeline.FixedDelayPlanner(cfg.ScheduleDelay.Std()),
		GeneratorName: generate.DependencyName,
		RendererName:  render.DependencyName,
	}, machineCfg, log)

	runnerCfg := pipeline.DefaultRunnerConfig()
	runnerCfg.Workers = cfg.Workers
	runner := pipeline.NewRunner(machine, st, b, runnerCfg, log)

	hub := notify.NewHub(b, bus.DefaultQueueSize, log)
	hub.Register(&notify.LogNotifier{Log: log})
	if cfg.WebhookURL != "" {
		hub.Register(&notify.Webhook{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret})
	}

	var sources []discover.Source
	if len(cfg.Topics) > 0 {
		topics := make([]discover.Topic, 0, len(cfg.Topics))
		for _, t := range cfg.Topics {
			topics = append(topics, discover.Topic{Title: t})
		}
		sources = append(sources, &discover.StaticSource{SourceName: "config", Topics: topics})
	}
	if cfg.TrendingURL != "" {
		sources = append(sources, &discover.TrendingPage{URL: cfg.TrendingURL})
	}

	srv, err := server.New(server.Config{Addr: cfg.ListenAddr},
		server.Deps{Machine: machine, Monitor: monitor, Bus: b}, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	monitor.Start(ctx)
	defer monitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if len(sources) > 0 {
		intake := discover.NewIntake(machine, cfg.PollInterval.Std(), log, sources...)
		g.Go(func() error { return intake.Run(gctx) })
	}

	serveErr := srv.Start()
	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker shutdown", "error", err)
	}
	return serveErr
}
