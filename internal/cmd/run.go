package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"dealhub/adapter/affiliate"
	"dealhub/adapter/discord"
	"dealhub/adapter/rss"
	"dealhub/app"
	"dealhub/cli/control"
	"dealhub/internal/config"
	"dealhub/internal/db"
	"dealhub/internal/logging"
	"dealhub/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the background poller and the control server",
	Long: `Start the scheduler that polls every tenant's feeds and delivers new deals,
together with the local control server used by set-interval, set-workers and deal.

The process refuses to start when the store is unavailable.`,
	RunE: runService,
}

func runService(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logr.NewContext(ctx, logger)

	listener, err := control.TryListen(cfg.ControlAddr)
	if err != nil {
		if errors.Is(err, control.ErrAlreadyRunning) {
			fmt.Fprintln(cmd.ErrOrStderr(), "Background process is already running")
			return err
		}
		return fmt.Errorf("failed to start control server: %w", err)
	}
	defer listener.Close()

	store, err := db.OpenStore(ctx, cfg)
	if err != nil {
		logging.Fatal(logger, err, "Store unavailable, refusing to start", "driver", cfg.StoreDriver)
	}
	defer store.Close()

	settings := app.NewConfigStore(store, time.Now)
	seeder := newTenantSeeder(settings)
	if err := seeder.seed(ctx, cfg.Tenants); err != nil {
		return err
	}
	if path := config.ResolvePath(flagConfig); path != "" {
		err := config.Watch(ctx, path, func(f config.File) {
			if err := seeder.reload(ctx, f.Tenants); err != nil {
				logger.Error(err, "Failed to apply reloaded tenant settings")
			}
			if !slices.Equal(f.Sources, cfg.Sources) && len(f.Sources) > 0 {
				logger.Info("Source list changed, restart to apply")
			}
		})
		if err != nil {
			logger.Error(err, "Config hot reload disabled")
		}
	}

	if cfg.DiscordToken == "" {
		logger.Info("DISCORD_TOKEN is not set, deliveries will fail")
	}
	rewriter := affiliate.New(cfg.AmazonTags)
	fetcher := rss.NewFetcher(rewriter, rss.WithCacheTTL(cfg.FeedCacheTTL))
	fetcher.Start()
	defer fetcher.Stop()
	sink := discord.NewSink(cfg.DiscordBaseURL, cfg.DiscordToken)

	sched := app.NewScheduler(settings, store, fetcher, sink, app.SchedulerConfig{
		Interval:      cfg.TickInterval,
		Workers:       cfg.Workers,
		CacheCap:      cfg.CacheCap,
		DeliveryDelay: cfg.DeliveryDelay,
		FetchTimeout:  cfg.FetchTimeout,
		Sources:       cfg.Sources,
	}, time.Now)
	deals := app.NewDealService(settings, store, fetcher, app.DealConfig{
		CacheCap:     cfg.CacheCap,
		SampleSize:   cfg.KeywordSampleSize,
		FetchTimeout: cfg.FetchTimeout,
		Sources:      cfg.Sources,
	}, time.Now)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	ctrl := control.NewServer(sched, settings, deals, store, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger.WithName("control"))
	srv := &http.Server{
		Handler:           ctrl,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Control server failed")
		}
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	logger.Info("Service started",
		"interval", cfg.TickInterval.String(),
		"workers", cfg.Workers,
		"sources", len(cfg.Sources),
		"control", listener.Addr().String())

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Control server shutdown failed")
	}
	if err := sched.Stop(); err != nil {
		logger.Error(err, "Scheduler shutdown failed")
	}
	logger.Info("Graceful shutdown: scheduler stopped")
	return nil
}
