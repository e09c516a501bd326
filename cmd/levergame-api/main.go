package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"levergame/internal/api"
	"levergame/internal/auth"
	"levergame/internal/config"
	"levergame/internal/db"
	"levergame/internal/ledger"
	"levergame/internal/market"
	"levergame/internal/ratelimit"
	"levergame/internal/referral"
	"levergame/internal/reset"
	"levergame/internal/session"
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
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	var repo store.Repository
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		repo = store.NewMemory()
	default:
		if cfg.Migrate {
			if err := db.MigrateUp(cfg.DatabaseURL, logger); err != nil {
				logger.Error("migrate failed", "err", err)
				os.Exit(1)
			}
		}
		pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{ApplicationName: "levergame-api"})
		if err != nil {
			logger.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		repo = store.NewPostgres(pool, logger)
	}

	var authn auth.Authenticator
	if cfg.DevAuth {
		logger.Warn("dev auth enabled, bearer tokens are trusted as user ids")
		authn = auth.DevAuthenticator{}
	} else {
		authn = auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	}

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewFromURL(ctx, cfg.RedisURL, cfg.RateLimitPerMinute, logger)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer limiter.Close()
	} else {
		logger.Info("REDIS_URL not set, rate limiting disabled")
	}

	loc := cfg.Game.ResetLocation
	tokens := ledger.NewService(repo, logger, ledger.WithLocation(loc))
	referrals := referral.NewService(repo, tokens, logger, referral.WithLocation(loc))
	sessions := session.NewManager(repo, tokens, market.NewBinanceProvider(logger), session.Config{
		PreviewDays:   cfg.Game.PreviewDays,
		TotalDays:     cfg.Game.TotalDays,
		DailyReveals:  cfg.Game.DailyReveals,
		DefaultSymbol: cfg.Game.DefaultSymbol,
	}, logger)

	server := api.New(cfg, logger, authn, limiter, api.Services{
		Sessions:  sessions,
		Tokens:    tokens,
		Referrals: referrals,
		Reset:     reset.NewScheduler(repo, tokens, referrals, loc, logger),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("levergame api listening", "addr", cfg.Addr, "store", cfg.Store, "reset_timezone", loc.String())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
