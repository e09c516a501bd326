package config

import (
	"os"
	"path/filepath"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAPIFromEnv_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LEVERGAME_API_ADDR", "")
	t.Setenv("LEVERGAME_STORE", "memory")
	t.Setenv("LEVERGAME_DEV_AUTH", "true")
	t.Setenv("LEVERGAME_RESET_TIMEZONE", "")
	t.Setenv("LEVERGAME_PREVIEW_DAYS", "")
	t.Setenv("LEVERGAME_TOTAL_DAYS", "")

	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 60, cfg.Game.PreviewDays)
	assert.Equal(t, 90, cfg.Game.TotalDays)
	assert.Equal(t, "UTC", cfg.Game.ResetLocation.String())
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadAPIFromEnv_PortAndTimezone(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("LEVERGAME_STORE", "memory")
	t.Setenv("LEVERGAME_DEV_AUTH", "true")
	t.Setenv("LEVERGAME_RESET_TIMEZONE", "Asia/Seoul")
	t.Setenv("LEVERGAME_RATE_LIMIT_PER_MINUTE", "not-a-number")

	cfg, err := LoadAPIFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "Asia/Seoul", cfg.Game.ResetLocation.String())
	assert.Equal(t, 120, cfg.RateLimitPerMinute)
}

func TestLoadAPIFromEnv_RequiredKeys(t *testing.T) {
	t.Setenv("LEVERGAME_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEVERGAME_DEV_AUTH", "true")
	_, err := LoadAPIFromEnv()
	assert.ErrorContains(t, err, "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://localhost/levergame")
	t.Setenv("LEVERGAME_DEV_AUTH", "false")
	t.Setenv("SUPABASE_URL", "")
	_, err = LoadAPIFromEnv()
	assert.ErrorContains(t, err, "SUPABASE_URL")

	t.Setenv("LEVERGAME_STORE", "sqlite")
	_, err = LoadAPIFromEnv()
	assert.ErrorContains(t, err, "LEVERGAME_STORE")

	t.Setenv("LEVERGAME_STORE", "memory")
	t.Setenv("LEVERGAME_DEV_AUTH", "true")
	t.Setenv("LEVERGAME_RESET_TIMEZONE", "Mars/Olympus")
	_, err = LoadAPIFromEnv()
	assert.ErrorContains(t, err, "LEVERGAME_RESET_TIMEZONE")

	t.Setenv("LEVERGAME_RESET_TIMEZONE", "UTC")
	t.Setenv("LEVERGAME_PREVIEW_DAYS", "30")
	t.Setenv("LEVERGAME_TOTAL_DAYS", "30")
	_, err = LoadAPIFromEnv()
	assert.ErrorContains(t, err, "LEVERGAME_TOTAL_DAYS")
}

func TestLoadWorkerFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/levergame")
	t.Setenv("LEVERGAME_RESET_CRON", "")
	t.Setenv("LEVERGAME_WORKER_RUN_ONCE", "1")
	t.Setenv("LEVERGAME_RESET_TIMEZONE", "")

	cfg, err := LoadWorkerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "0 */5 * * * *", cfg.ResetCron)
	assert.True(t, cfg.RunOnce)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, LoadDotEnv(), "a missing .env file is not an error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LG_API_BASE_URL=http://example.test:9999/\n"), 0o600))
	t.Setenv("LG_API_BASE_URL", "")
	require.NoError(t, os.Unsetenv("LG_API_BASE_URL"))
	require.NoError(t, LoadDotEnv())
	assert.Equal(t, "http://example.test:9999", LoadCLIFromEnv().APIBaseURL)
}
