//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goalpay/internal/platform/postgres"
	"goalpay/pkg/testutil/containers"
)

func TestMigrateIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)

	require.NoError(t, postgres.Migrate(pg.DB))
	require.NoError(t, postgres.Migrate(pg.DB))

	var n int
	err := pg.DB.QueryRowContext(context.Background(),
		`SELECT count(*) FROM information_schema.tables WHERE table_name IN ('goal_ledgers', 'goal_completions')`,
	).Scan(&n)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
