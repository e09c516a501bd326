package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"levergame/internal/db"
)

// startPostgres runs a migrated postgres container and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("levergame_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{"test": "levergame-store", "test-name": t.Name()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.MigrateUp(url, nil))
	return url
}

func setupPostgres(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()
	url := startPostgres(t)
	pool, err := db.Connect(ctx, url, db.PoolOptions{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewPostgres(pool, nil)
}

func TestPostgres_Contract(t *testing.T) {
	runRepositoryContract(t, setupPostgres(t))
}

func TestPostgres_AdvisoryLockIsExclusive(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()

	ran, err := repo.TryWithLock(ctx, "daily-reset", func(ctx context.Context) error {
		inner, err := repo.TryWithLock(ctx, "daily-reset", func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		require.NoError(t, err)
		assert.False(t, inner)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestPostgres_MigrationsRollBackAndReapply(t *testing.T) {
	url := startPostgres(t)
	require.NoError(t, db.MigrateDown(url, 2))
	require.NoError(t, db.MigrateUp(url, nil))
	require.NoError(t, db.MigrateUp(url, nil), "up is idempotent")

	ctx := context.Background()
	pool, err := db.Connect(ctx, url, db.PoolOptions{MaxConns: 2})
	require.NoError(t, err)
	defer pool.Close()
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM game.token_accounts`).Scan(&n))
	assert.Zero(t, n)
}
