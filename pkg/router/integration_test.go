package router_test

import (
	"context"
	"testing"

	"github.com/flextasker/pg-router/internal/store"
	"github.com/flextasker/pg-router/pkg/pool"
	"github.com/flextasker/pg-router/pkg/router"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRouterAgainstPostgres(t *testing.T) {
	// skip in the short mode
	if testing.Short() {
		return
	}
	dbContainer, dbURI, err := store.SetupTestDatabase()
	require.NoError(t, err)
	defer dbContainer.Terminate(context.Background())

	ctx := context.Background()
	logger := zap.NewNop()
	writePool, err := pool.Open(ctx, dbURI, &pool.Config{MaxConns: 5, MinConns: 1}, logger)
	require.NoError(t, err)
	defer writePool.Close()

	r := router.New(writePool, nil, logger, router.Options{})
	require.NoError(t, r.Initialize(ctx))

	id, err := r.ExecuteQuery(ctx, router.KindWrite, -1,
		func(ctx context.Context, conn pool.ConnPool) (any, error) {
			var id string
			err := conn.QueryRow(ctx, `INSERT INTO tasks (title, budget) VALUES ($1, $2) RETURNING id`,
				"assemble bookshelf", 45.0).Scan(&id)
			return id, err
		})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	title, err := r.ExecuteQuery(ctx, router.KindRead, -1,
		func(ctx context.Context, conn pool.ConnPool) (any, error) {
			var title string
			err := conn.QueryRow(ctx, `SELECT title FROM tasks WHERE id = $1`, id).Scan(&title)
			return title, err
		})
	require.NoError(t, err)
	require.Equal(t, "assemble bookshelf", title)

	health := r.HealthCheck(ctx)
	require.True(t, health.Overall.Healthy)
	require.True(t, health.Write.Healthy)

	stats := r.Stats()
	require.Equal(t, uint64(2), stats.Queries.Total)
	require.Equal(t, uint64(2), stats.Queries.Successful)
}
