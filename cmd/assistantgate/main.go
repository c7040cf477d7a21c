package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"assistant-gate/internal/adminauth"
	"assistant-gate/internal/assistant"
	"assistant-gate/internal/bot"
	"assistant-gate/internal/config"
	"assistant-gate/internal/logger"
	"assistant-gate/internal/metrics"
	"assistant-gate/internal/quota"
	"assistant-gate/internal/repository"
	"assistant-gate/internal/server"
	"assistant-gate/internal/service"
	"assistant-gate/internal/subscription"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, !cfg.IsProduction())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("assistant gate stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	errs, warnings := cfg.Validate()
	for _, w := range warnings {
		lg.Warn(w, logger.Security("config"))
	}
	for _, e := range errs {
		lg.Warn(e, logger.Security("config"))
	}

	if initSentry(cfg, lg) {
		defer sentry.Flush(2 * time.Second)
	}

	db, err := repository.NewDB(cfg.DatabaseURL, lg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repository.Close(db); err != nil {
			lg.Warn("close database", zap.Error(err))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	policy := quota.Policy{Limit: cfg.DailyRequestLimit, Location: cfg.QuotaLocation}
	users := service.NewUserService(repository.NewUserRepository(db), policy, clockwork.NewRealClock(), lg)

	ai := assistant.New(assistant.Config{
		APIKey:      cfg.OpenAIKey,
		AssistantID: cfg.OpenAIAssistantID,
		Language:    cfg.TranscriptionLanguage,
	}, m, lg)

	revocations, closeRedis := connectRedis(ctx, cfg, lg)
	defer closeRedis()

	auth := adminauth.New(adminauth.Options{
		Username:     cfg.AdminUsername,
		Password:     cfg.AdminPassword,
		PasswordHash: cfg.AdminPasswordHash,
		Secret:       cfg.JWTSecret,
		TTL:          cfg.AdminTokenTTL,
	}, revocations, m, lg)

	checks := map[string]server.Check{"assistant": ai.Health}
	if revocations != nil {
		checks["redis"] = revocations.Ping
	}

	var tgBot *bot.Bot
	if cfg.TelegramToken == "" {
		lg.Warn("TELEGRAM_BOT_TOKEN is not set, bot is disabled")
	} else {
		api, err := bot.Connect(cfg.TelegramToken, lg)
		if err != nil {
			return err
		}
		subs := subscription.NewChecker(api, subscription.Options{
			RequiredChannels: cfg.InitialChannelIDs,
			PrimaryChannel:   cfg.PrimaryChannelID,
		}, lg)
		checks["telegram"] = subs.Health
		tgBot = bot.New(api, users, subs, ai, bot.Options{
			MainChannel:          cfg.MainChannel,
			SecondChannel:        cfg.SecondChannel,
			MaxConcurrentUpdates: cfg.MaxConcurrentUpdates,
			Metrics:              m,
		}, lg)
	}

	scheduler := service.NewSchedulerService(cfg.QuotaLocation, lg)
	if _, err := scheduler.ScheduleDaily("quota-reset", cfg.QuotaResetTime, func(ctx context.Context) {
		users.ResetAllUsage(ctx)
	}); err != nil {
		return fmt.Errorf("schedule quota reset: %w", err)
	}
	if _, err := scheduler.ScheduleInterval("user-gauges", time.Minute, func(ctx context.Context) {
		refreshUserGauges(ctx, users, m)
	}); err != nil {
		return fmt.Errorf("schedule user gauges: %w", err)
	}
	refreshUserGauges(ctx, users, m)
	scheduler.Start()
	defer scheduler.Stop()

	deps := server.Deps{
		Users: users,
		Auth:  auth,
		DBPing: func(ctx context.Context) (time.Duration, error) {
			return repository.Ping(ctx, db)
		},
		Checks:  checks,
		Metrics: m,
		Log:     lg,
	}
	if tgBot != nil {
		deps.Telegram = tgBot
	}
	srv := server.New(server.Options{
		Environment:   cfg.Env,
		Production:    cfg.IsProduction(),
		WebhookSecret: cfg.TelegramSecretToken,
		AllowedIPs:    cfg.AllowedIPs,
		StaticDir:     cfg.AdminStaticDir,
		Sentry:        cfg.SentryDSN != "",
		Gatherer:      reg,
	}, deps)

	lg.Info("assistant gate starting",
		zap.String("env", cfg.Env),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("telegram_mode", cfg.TelegramMode),
		zap.Int("daily_limit", cfg.DailyRequestLimit),
		zap.String("quota_timezone", cfg.QuotaLocation.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.HTTPAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if tgBot != nil {
		g.Go(func() error {
			return runBot(gctx, cfg, tgBot, lg)
		})
	}

	err = g.Wait()
	if tgBot != nil {
		tgBot.Wait()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	lg.Info("shutdown complete")
	return err
}

// runBot receives updates until ctx is done: by long polling, or in webhook
// mode through the HTTP server after registering WEBHOOK_URL.
func runBot(ctx context.Context, cfg config.Config, b *bot.Bot, lg *zap.Logger) error {
	if cfg.TelegramMode == config.ModePolling {
		return b.Run(ctx)
	}

	if cfg.WebhookURL == "" {
		lg.Warn("WEBHOOK_URL is not set, keeping the existing webhook registration")
	} else if err := b.SetWebhook(cfg.WebhookURL, cfg.TelegramSecretToken); err != nil {
		lg.Error("register webhook", zap.Error(err))
	}
	<-ctx.Done()
	return nil
}

func refreshUserGauges(ctx context.Context, users *service.UserService, m *metrics.Metrics) {
	st := users.Stats(ctx)
	m.SetUserCounts(st.Total, st.Banned, users.DailyActive(ctx))
}

func initSentry(cfg config.Config, lg *zap.Logger) bool {
	if cfg.SentryDSN == "" {
		return false
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Env,
		AttachStacktrace: true,
	})
	if err != nil {
		lg.Warn("sentry init failed", zap.Error(err))
		return false
	}
	lg.Info("sentry enabled")
	return true
}

func connectRedis(ctx context.Context, cfg config.Config, lg *zap.Logger) (*adminauth.Revocations, func()) {
	if cfg.RedisURL == "" {
		lg.Info("REDIS_URL is not set, admin logout will not revoke tokens")
		return nil, func() {}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := adminauth.Connect(ctx, cfg.RedisURL)
	if err != nil {
		lg.Warn("redis unavailable, admin logout will not revoke tokens", zap.Error(err))
		return nil, func() {}
	}
	return adminauth.NewRevocations(client), func() { _ = client.Close() }
}
