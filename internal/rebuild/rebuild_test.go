package rebuild_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/ledger"
	"stockline/internal/lock"
	"stockline/internal/migrate"
	"stockline/internal/projection"
	"stockline/internal/rebuild"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	DB      *sql.DB
	Ledger  *ledger.Handler
	Proc    *projection.Processor
	Locks   lock.Service
	Rebuild *rebuild.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	store := eventstore.New(conn)
	store.Now = func() time.Time { return testClock }
	ledger.RegisterUpcasters(store.Upcasters())

	h := ledger.NewHandler(conn, store, nil, zerolog.Nop())
	h.Now = func() time.Time { return testClock }
	h.Sleep = func(context.Context, time.Duration) error { return nil }

	locks := lock.NewSQLiteService(conn)
	svc := rebuild.NewService(conn, store, locks, zerolog.Nop())
	svc.Now = func() time.Time { return testClock }

	return &testEnv{
		DB:      conn,
		Ledger:  h,
		Proc:    projection.NewProcessor(conn, store, zerolog.Nop()),
		Locks:   locks,
		Rebuild: svc,
	}
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, req := range []ledger.MovementRequest{
		{SKU: "SKU1", Quantity: 10, ToLocation: "A-01", Type: domain.MovementReceipt},
		{SKU: "SKU2", Quantity: 5, ToLocation: "A-02", Type: domain.MovementReceipt},
		{SKU: "SKU1", Quantity: 3, FromLocation: "A-01", ToLocation: "B-01", Type: domain.MovementTransfer},
	} {
		req.WarehouseID = "WH1"
		req.OperatorID = "op"
		_, err := e.Ledger.RecordMovement(ctx, req)
		require.NoError(t, err)
	}
	require.NoError(t, e.Proc.Drain(ctx, projection.NewLocationBalances()))
}

func TestRebuildConsistentTableSwaps(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	report, err := env.Rebuild.Rebuild(context.Background(), projection.LocationBalancesName, true)
	require.NoError(t, err)
	require.True(t, report.Match)
	require.True(t, report.Swapped)
	require.Equal(t, report.LiveChecksum, report.ShadowChecksum)
	require.Equal(t, 3, report.LiveRows)
	require.Equal(t, 3, report.ShadowRows)
	require.Empty(t, report.OnlyLive)
	require.Empty(t, report.Differing)

	// The promoted table serves reads and the shadow is gone.
	b, err := projection.BalanceQueries{DB: env.DB}.Get(context.Background(), "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(7), b.Balance)
	var n int
	err = env.DB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name LIKE '%_shadow'`).Scan(&n)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDriftIsReportedAndNeverSwapped(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	// Corrupt one live row and delete another; the replay cannot produce
	// either state.
	_, err := env.DB.Exec(`UPDATE location_balances SET balance=999 WHERE location='A-01'`)
	require.NoError(t, err)
	_, err = env.DB.Exec(`DELETE FROM location_balances WHERE location='A-02'`)
	require.NoError(t, err)

	report, err := env.Rebuild.Rebuild(ctx, projection.LocationBalancesName, true)
	require.NoError(t, err)
	require.False(t, report.Match)
	require.False(t, report.Swapped, "drift must block promotion even with verify set")
	require.Equal(t, []string{"WH1|A-01|SKU1"}, report.Differing)
	require.Equal(t, []string{"WH1|A-02|SKU2"}, report.OnlyShadow)
	require.Empty(t, report.OnlyLive)

	// The corrupt live row is still there: no silent repair.
	b, err := projection.BalanceQueries{DB: env.DB}.Get(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(999), b.Balance)
}

func TestVerifyNeverSwaps(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	report, err := env.Rebuild.Verify(context.Background(), projection.LocationBalancesName)
	require.NoError(t, err)
	require.True(t, report.Match)
	require.False(t, report.Swapped)
}

func TestUnknownProjectionRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Rebuild.Rebuild(context.Background(), "no_such_view", true)
	require.True(t, domain.IsCode(err, domain.CodeInvalidProjection))
}

func TestConcurrentRebuildBlocked(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	held, err := env.Locks.TryAcquire(ctx, "rebuild:"+projection.LocationBalancesName, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = env.Rebuild.Rebuild(ctx, projection.LocationBalancesName, true)
	require.True(t, domain.IsCode(err, domain.CodeConcurrency))

	// A rebuild of a different projection is not blocked.
	_, err = env.Rebuild.Rebuild(ctx, projection.AvailableStockName, false)
	require.NoError(t, err)
}

func TestRebuildReleasesItsLock(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)
	ctx := context.Background()

	_, err := env.Rebuild.Rebuild(ctx, projection.LocationBalancesName, true)
	require.NoError(t, err)
	_, err = env.Rebuild.Rebuild(ctx, projection.LocationBalancesName, true)
	require.NoError(t, err)

	var runs int
	require.NoError(t, env.DB.QueryRow(`SELECT COUNT(*) FROM rebuild_runs`).Scan(&runs))
	require.Zero(t, runs)
}
