package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"socialrelay/internal/bot"
	"socialrelay/internal/config"
	"socialrelay/internal/engine"
	"socialrelay/internal/metrics"
	"socialrelay/internal/model"
	"socialrelay/internal/platform"
	"socialrelay/internal/platform/bluesky"
	"socialrelay/internal/platform/twitch"
	"socialrelay/internal/platform/youtube"
	"socialrelay/internal/registry"
	"socialrelay/internal/scheduler"
	"socialrelay/internal/storage"
	"socialrelay/internal/upstream"
	"socialrelay/internal/webhook"
)

func newServeCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pollers, the Telegram bot and the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath, storage.WithHistoryLimit(cfg.HistorySize))
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	b, err := bot.New(cfg.TelegramBotToken, cfg, log)
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(ctx, cfg, log, b, m)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no platform enabled")
	}
	yt := adapterFor(adapters, model.PlatformYouTube)
	if cfg.Webhook.Enabled() && yt == nil {
		return fmt.Errorf("webhook requires YOUTUBE_API_KEY")
	}

	var regOpts []registry.Option
	var hub *webhook.Hub
	if cfg.Webhook.Enabled() {
		hub = webhook.NewHub(webhook.HubConfig{
			URL:        cfg.Webhook.HubURL,
			Callback:   cfg.Webhook.PublicURL,
			Secret:     cfg.Webhook.Secret,
			Logger:     log,
			CallerOpts: callerOptions(cfg, b, m, rate.Limit(1), 5),
		})
		regOpts = append(regOpts, registry.WithFollowHook(hub.Follow))
	}
	b.SetRegistry(registry.New(store, adapters, log, regOpts...))

	eng := engine.New(store, b, log,
		engine.WithFetchCount(cfg.FetchCount),
		engine.WithBackfill(cfg.Backfill),
		engine.WithMetrics(m),
	)
	sup := scheduler.NewSupervisor(log, buildPollers(cfg, adapters, eng, store, m, log)...)

	log.Info("starting relay", "platforms", platformNames(adapters), "webhook", cfg.Webhook.Enabled())

	g, gctx := errgroup.WithContext(ctx)
	sup.Start(gctx)
	g.Go(func() error {
		b.Run(gctx)
		return nil
	})

	if cfg.Webhook.Enabled() {
		srv := webhook.NewServer(store, eng, yt, cfg.Webhook.Secret, m, log)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Webhook.ListenAddr) })
		g.Go(func() error {
			hub.RunRenewal(gctx, store, cfg.Webhook.RenewalEvery)
			return nil
		})
	}

	err = g.Wait()
	if stopErr := sup.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	log.Info("relay stopped")
	return err
}

// callerOptions builds the shared upstream.Caller settings with a
// per-client request rate.
func callerOptions(cfg *config.Config, alerter upstream.Alerter, m *metrics.Metrics, limit rate.Limit, burst int) []upstream.Option {
	return []upstream.Option{
		upstream.WithAttempts(cfg.Retry.MaxAttempts),
		upstream.WithBaseDelay(cfg.Retry.BaseDelay),
		upstream.WithCooldown(cfg.Retry.QuotaCooldown),
		upstream.WithLimiter(rate.NewLimiter(limit, burst)),
		upstream.WithAlerter(alerter),
		upstream.WithObserver(m),
	}
}

// buildAdapters creates an adapter for every platform with credentials.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger, alerter upstream.Alerter, m *metrics.Metrics) ([]platform.Adapter, error) {
	var adapters []platform.Adapter

	if cfg.Bluesky.Enabled {
		adapters = append(adapters, bluesky.New(bluesky.Config{
			BaseURL:     cfg.Bluesky.BaseURL,
			Identifier:  cfg.Bluesky.Identifier,
			AppPassword: cfg.Bluesky.AppPassword,
			Logger:      log.With("platform", model.PlatformBluesky),
			CallerOpts:  callerOptions(cfg, alerter, m, rate.Limit(10), 10),
		}))
	}

	if cfg.YouTube.Enabled() {
		yt, err := youtube.New(ctx, youtube.Config{
			APIKey:     cfg.YouTube.APIKey,
			Logger:     log.With("platform", model.PlatformYouTube),
			CallerOpts: callerOptions(cfg, alerter, m, rate.Limit(5), 5),
		})
		if err != nil {
			return nil, fmt.Errorf("create youtube adapter: %w", err)
		}
		adapters = append(adapters, yt)

		if cfg.YouTube.MembersEnabled {
			// Same API key, same quota and caller.
			adapters = append(adapters, yt.Members(log.With("platform", model.PlatformYouTubeMembers)))
		}
	}

	if cfg.Twitch.Enabled() {
		adapters = append(adapters, twitch.New(twitch.Config{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			Logger:       log.With("platform", model.PlatformTwitch),
			CallerOpts:   callerOptions(cfg, alerter, m, rate.Limit(10), 10),
		}))
	}
	return adapters, nil
}

// buildPollers creates one poller per adapter. The YouTube platforms share
// one daily quota, so their interval follows the channel count of both.
func buildPollers(cfg *config.Config, adapters []platform.Adapter, eng *engine.Engine, store storage.Storage, m *metrics.Metrics, log *slog.Logger) []*scheduler.Poller {
	pollers := make([]*scheduler.Poller, 0, len(adapters))
	for _, a := range adapters {
		var interval scheduler.IntervalFunc
		switch a.Platform() {
		case model.PlatformYouTube, model.PlatformYouTubeMembers:
			interval = scheduler.QuotaInterval(store, cfg.YouTube.DailyQuota, youtube.QuotaUnitsPerChannel,
				cfg.YouTube.QuotaBuffer, cfg.YouTube.MinInterval, log,
				model.PlatformYouTube, model.PlatformYouTubeMembers)
		case model.PlatformTwitch:
			interval = scheduler.FixedInterval(cfg.Twitch.PollInterval)
		default:
			interval = scheduler.FixedInterval(cfg.Bluesky.PollInterval)
		}

		pollers = append(pollers, scheduler.NewPoller(a, eng, store, interval, log,
			scheduler.WithSilentStart(cfg.SilentStart),
			scheduler.WithMetrics(m),
			scheduler.WithOnReady(func(p model.Platform) {
				log.Info("platform ready, delivering new items", "platform", p)
			}),
		))
	}
	return pollers
}

func adapterFor(adapters []platform.Adapter, p model.Platform) platform.Adapter {
	for _, a := range adapters {
		if a.Platform() == p {
			return a
		}
	}
	return nil
}

func platformNames(adapters []platform.Adapter) string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = string(a.Platform())
	}
	return strings.Join(names, ",")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
