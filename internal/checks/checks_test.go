package checks_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stockline/internal/checks"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/migrate"
	"stockline/internal/projection"
	"stockline/internal/reservation"
)

type testEnv struct {
	DB           *sql.DB
	Reservations *reservation.Service
	Checker      *checks.Checker
	Clock        *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := eventstore.New(conn)
	store.Now = func() time.Time { return clock }

	res := reservation.NewService(conn, store, projection.NewHardLocks(), zerolog.Nop())
	res.Now = func() time.Time { return clock }

	checker := checks.NewChecker(conn, 30*time.Minute, zerolog.Nop())
	checker.Now = func() time.Time { return clock }

	return &testEnv{DB: conn, Reservations: res, Checker: checker, Clock: &clock}
}

func (e *testEnv) picking(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.Reservations.Create(ctx, id, 0, []domain.ReservationLine{
		{WarehouseID: "WH1", Location: "A-01", SKU: "SKU1", RequestedQty: 3},
	})
	require.NoError(t, err)
	_, err = e.Reservations.Allocate(ctx, id)
	require.NoError(t, err)
	_, err = e.Reservations.StartPicking(ctx, id)
	require.NoError(t, err)
}

func TestHealthySystemHasNoAnomalies(t *testing.T) {
	env := newTestEnv(t)
	env.picking(t, "res-1")

	anomalies, err := env.Checker.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, anomalies)
}

func TestStuckReservationDetected(t *testing.T) {
	env := newTestEnv(t)
	env.picking(t, "res-1")
	env.picking(t, "res-2")

	// res-2 keeps moving; res-1 sits past the threshold.
	*env.Clock = env.Clock.Add(env.Checker.StuckAfter - time.Minute)
	require.NoError(t, env.Reservations.Cancel(context.Background(), "res-2", "still attended"))
	env.picking(t, "res-3")
	*env.Clock = env.Clock.Add(2 * time.Minute)

	anomalies, err := env.Checker.StuckReservations(context.Background())
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	require.Equal(t, domain.CodeStuckReservation, a.Code)
	require.Equal(t, "res-1", a.ReservationID)
	require.Equal(t, env.Checker.StuckAfter+time.Minute, a.Age)
}

func TestOrphanHardLockDetected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.picking(t, "res-1")

	// Simulate a lock row the release path missed: the reservation is
	// cancelled but its hard-lock row is reinserted behind its back.
	require.NoError(t, env.Reservations.Cancel(ctx, "res-1", "operator abort"))
	_, err := env.DB.Exec(`
		INSERT INTO active_hard_locks(reservation_id, warehouse_id, location, sku, qty, created_at)
		VALUES ('res-1', 'WH1', 'A-01', 'SKU1', 3, ?)`,
		env.Clock.Format(time.RFC3339Nano))
	require.NoError(t, err)

	anomalies, err := env.Checker.Run(ctx)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	require.Equal(t, domain.CodeOrphanHardLock, a.Code)
	require.Equal(t, "res-1", a.ReservationID)
	require.Equal(t, "A-01", a.Location)
	require.Equal(t, "SKU1", a.SKU)
	require.Contains(t, a.Detail, "CANCELLED")
}

func TestHardLockForUnknownReservationDetected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.DB.Exec(`
		INSERT INTO active_hard_locks(reservation_id, warehouse_id, location, sku, qty, created_at)
		VALUES ('res-ghost', 'WH1', 'B-02', 'SKU9', 1, ?)`,
		env.Clock.Format(time.RFC3339Nano))
	require.NoError(t, err)

	anomalies, err := env.Checker.OrphanHardLocks(context.Background())
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	require.Equal(t, domain.CodeOrphanHardLock, anomalies[0].Code)
	require.Contains(t, anomalies[0].Detail, "unknown reservation")
}
