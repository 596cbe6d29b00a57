package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	gpostgres "github.com/lalaz-foundation/queue-engine/drivers/postgres"
)

// testDSNEnv names the environment variable pointing at a scratch
// PostgreSQL database used by the integration tests in this package.
// Tests skip rather than fail when it is unset, matching the
// config-gated SetupTestDB pattern used for postgres integration tests
// elsewhere in the corpus.
const testDSNEnv = "QUEUE_TEST_POSTGRES_DSN"

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres integration test", testDSNEnv)
	}

	ctx := context.Background()
	pool, err := gpostgres.Connect(ctx, dsn, gpostgres.PoolConfig{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "TRUNCATE TABLE jobs, failed_jobs")
		pool.Close()
	})
	return pool
}
