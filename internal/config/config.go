package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type GameConfig struct {
	PreviewDays   int
	TotalDays     int
	DailyReveals  int
	DefaultSymbol string
	ResetLocation *time.Location
}

type APIConfig struct {
	Addr               string
	Store              string
	DatabaseURL        string
	Migrate            bool
	SupabaseURL        string
	SupabaseAnonKey    string
	DevAuth            bool
	RedisURL           string
	RateLimitPerMinute int
	CronSecret         string
	Game               GameConfig
}

type WorkerConfig struct {
	DatabaseURL   string
	Migrate       bool
	ResetCron     string
	RunOnce       bool
	ResetLocation *time.Location
}

type CLIConfig struct {
	APIBaseURL string
}

// LoadDotEnv reads a .env file from the working directory when one exists.
// Variables already set in the environment win.
func LoadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("LEVERGAME_API_ADDR", ":8080")
	}

	gameCfg, err := loadGame()
	if err != nil {
		return APIConfig{}, err
	}
	cfg := APIConfig{
		Addr:               addr,
		Store:              strings.ToLower(envDefault("LEVERGAME_STORE", StorePostgres)),
		DatabaseURL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Migrate:            envBoolDefault("LEVERGAME_MIGRATE", false),
		SupabaseURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey:    strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		DevAuth:            envBoolDefault("LEVERGAME_DEV_AUTH", false),
		RedisURL:           strings.TrimSpace(os.Getenv("REDIS_URL")),
		RateLimitPerMinute: envIntDefault("LEVERGAME_RATE_LIMIT_PER_MINUTE", 120),
		CronSecret:         strings.TrimSpace(os.Getenv("LEVERGAME_CRON_SECRET")),
		Game:               gameCfg,
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreMemory:
	default:
		return cfg, fmt.Errorf("LEVERGAME_STORE must be %q or %q", StorePostgres, StoreMemory)
	}
	if !cfg.DevAuth {
		if cfg.SupabaseURL == "" {
			return cfg, fmt.Errorf("SUPABASE_URL is required")
		}
		if cfg.SupabaseAnonKey == "" {
			return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
		}
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	loc, err := loadLocation()
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg := WorkerConfig{
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		Migrate:       envBoolDefault("LEVERGAME_MIGRATE", false),
		ResetCron:     envDefault("LEVERGAME_RESET_CRON", "0 */5 * * * *"),
		RunOnce:       envBoolDefault("LEVERGAME_WORKER_RUN_ONCE", false),
		ResetLocation: loc,
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("LG_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func loadGame() (GameConfig, error) {
	loc, err := loadLocation()
	if err != nil {
		return GameConfig{}, err
	}
	cfg := GameConfig{
		PreviewDays:   envIntDefault("LEVERGAME_PREVIEW_DAYS", 60),
		TotalDays:     envIntDefault("LEVERGAME_TOTAL_DAYS", 90),
		DailyReveals:  envIntDefault("LEVERGAME_DAILY_REVEALS", 0),
		DefaultSymbol: strings.ToUpper(envDefault("LEVERGAME_DEFAULT_SYMBOL", "BTCUSDT")),
		ResetLocation: loc,
	}
	if cfg.PreviewDays <= 0 || cfg.TotalDays <= cfg.PreviewDays {
		return cfg, fmt.Errorf("LEVERGAME_TOTAL_DAYS must exceed LEVERGAME_PREVIEW_DAYS, both > 0")
	}
	if cfg.TotalDays > 1000 {
		return cfg, fmt.Errorf("LEVERGAME_TOTAL_DAYS must be <= 1000")
	}
	return cfg, nil
}

func loadLocation() (*time.Location, error) {
	name := envDefault("LEVERGAME_RESET_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("LEVERGAME_RESET_TIMEZONE: %w", err)
	}
	return loc, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
