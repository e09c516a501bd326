package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"levergame/internal/config"
	"levergame/internal/db"
	"levergame/internal/ledger"
	"levergame/internal/referral"
	"levergame/internal/reset"
	"levergame/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := config.LoadDotEnv(); err != nil {
		logger.Error("load dotenv", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if cfg.Migrate {
		if err := db.MigrateUp(cfg.DatabaseURL, logger); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 5, MinConns: 1, ApplicationName: "levergame-worker"})
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := store.NewPostgres(pool, logger)
	tokens := ledger.NewService(repo, logger, ledger.WithLocation(cfg.ResetLocation))
	referrals := referral.NewService(repo, tokens, logger, referral.WithLocation(cfg.ResetLocation))
	scheduler := reset.NewScheduler(repo, tokens, referrals, cfg.ResetLocation, logger)

	if cfg.RunOnce {
		res, err := scheduler.Tick(ctx, time.Now())
		if err != nil {
			logger.Error("daily reset failed", "err", err, "failed", res.Failed)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "date", res.Date, "processed", res.Processed, "locked", res.Locked)
		return
	}

	// A tick only touches accounts not yet reset for the current local date.
	c := cron.New(cron.WithSeconds(), cron.WithLocation(cfg.ResetLocation))
	if _, err := c.AddFunc(cfg.ResetCron, func() {
		if _, err := scheduler.Tick(ctx, time.Now()); err != nil {
			logger.Error("daily reset tick failed", "err", err)
		}
	}); err != nil {
		logger.Error("invalid reset schedule", "spec", cfg.ResetCron, "err", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("worker started", "schedule", cfg.ResetCron, "timezone", cfg.ResetLocation.String())

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("worker shutdown")
}
