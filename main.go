package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subgate/internal/access"
	"subgate/internal/admin"
	"subgate/internal/antifraud"
	"subgate/internal/bot"
	"subgate/internal/config"
	"subgate/internal/db"
	httpapi "subgate/internal/http"
	"subgate/internal/logging"
	"subgate/internal/metrics"
	"subgate/internal/payments"
	"subgate/internal/plans"
	"subgate/internal/services"
	"subgate/internal/telegram"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("load .env failed: %v", err)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("stat .env failed: %v", err)
	}

	cfg := config.Load()
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("subgate stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if !config.Enforced(cfg.ClickSecret) || !config.Enforced(cfg.PaymeSecret) {
		logger.Warn("provider secret is dummy: signature and amount checks are off",
			zap.Bool("click_enforced", config.Enforced(cfg.ClickSecret)),
			zap.Bool("payme_enforced", config.Enforced(cfg.PaymeSecret)),
		)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	tg, err := telegram.New(cfg.BotToken, nil, logger)
	if err != nil {
		return err
	}
	logger.Info("bot connected", zap.String("username", tg.Username()))

	svc := services.New(pool)
	catalog := plans.New(cfg.PlanPrices)
	auth := admin.NewAuthorizer(cfg.AdminIDs)
	if len(cfg.AdminIDs) == 0 {
		logger.Warn("no ADMIN_IDS configured: admin commands are unavailable")
	} else {
		logger.Info("admins configured", zap.Int64s("ids", auth.IDs()))
	}

	remover := access.NewRemover(tg, cfg.ControlledChats(), m, logger.Named("access"))
	gate := access.NewGate(svc, remover, auth.IsAdmin, cfg.JoinGrace(), m, logger.Named("gate"))
	sweeper := access.NewSweeper(svc, remover, m, logger.Named("sweeper"))

	adminSvc := admin.NewService(auth, svc, remover, tg, logger.Named("admin"))
	intake := payments.NewIntake(svc, catalog, tg, m, logger.Named("payments"), payments.Options{
		ClickSecret:      cfg.ClickSecret,
		PaymeSecret:      cfg.PaymeSecret,
		AmountMultiplier: cfg.PaymeAmountMultiplier,
	})

	limiter, err := antifraud.NewSlidingWindow(cfg.WebhookRateLimit, cfg.WebhookRateWindow(), 0)
	if err != nil {
		return err
	}

	botOpts := bot.Options{ClickPayURL: cfg.ClickPayURL, PaymePayURL: cfg.PaymePayURL}
	if cfg.AdminJWTSecret != "" {
		botOpts.IssueToken = func(adminID int64) (string, time.Time, error) {
			return httpapi.IssueAdminToken(cfg.AdminJWTSecret, adminID, cfg.AdminJWTExpiry(), time.Now().UTC())
		}
	}
	dispatcher := bot.New(svc, tg, gate, adminSvc, catalog, antifraud.NewThrottle(0, 0), botOpts, logger.Named("bot"))

	server := httpapi.NewServer(cfg, httpapi.Options{
		Intake:    intake,
		Admin:     adminSvc,
		Updates:   dispatcher,
		Limiter:   limiter,
		AllowList: antifraud.NewAllowList(cfg.AllowedWebhookIPs),
		Proxies:   antifraud.NewAllowList(cfg.TrustedProxies),
		Metrics:   m,
		Logger:    logger.Named("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	if cfg.PublicBaseURL != "" {
		hook := cfg.PublicBaseURL + "/tg/webhook"
		if err := tg.SetWebhook(ctx, hook, cfg.WebhookToken); err != nil {
			return err
		}
		logger.Info("telegram webhook registered", zap.String("url", hook))
	} else {
		if err := tg.DeleteWebhook(ctx); err != nil {
			logger.Warn("delete webhook failed", zap.Error(err))
		}
		go dispatcher.Run(ctx, tg.Updates(ctx))
		logger.Info("telegram long polling started")
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ServerAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	return nil
}
