package reservation_test

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
	"stockline/internal/migrate"
	"stockline/internal/projection"
	"stockline/internal/reservation"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*reservation.Service, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	store := eventstore.New(conn)
	store.Now = func() time.Time { return testClock }
	svc := reservation.NewService(conn, store, projection.NewHardLocks(), zerolog.Nop())
	svc.Now = func() time.Time { return testClock }
	return svc, conn
}

func testLines() []domain.ReservationLine {
	return []domain.ReservationLine{
		{WarehouseID: "WH1", Location: "A-01", SKU: "SKU1", RequestedQty: 5},
		{WarehouseID: "WH1", Location: "B-02", SKU: "SKU2", RequestedQty: 2},
	}
}

func hardLockCount(t *testing.T, conn *sql.DB, reservationID string) int {
	t.Helper()
	var n int
	err := conn.QueryRow(`SELECT COUNT(*) FROM active_hard_locks WHERE reservation_id=?`, reservationID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestLifecycleToConsumed(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	res, err := svc.Create(ctx, "res-1", 10, testLines())
	require.NoError(t, err)
	require.Equal(t, domain.ReservationPending, res.Status)
	require.Equal(t, domain.LockSoft, res.LockType)

	res, err = svc.Allocate(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationAllocated, res.Status)
	require.Equal(t, int64(5), res.Lines[0].AllocatedQty)
	// Soft allocation takes no hard locks.
	require.Equal(t, 0, hardLockCount(t, conn, "res-1"))

	res, err = svc.StartPicking(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationPicking, res.Status)
	require.Equal(t, domain.LockHard, res.LockType)
	require.Equal(t, 2, hardLockCount(t, conn, "res-1"))

	require.NoError(t, svc.Consume(ctx, "res-1", "mov-1"))
	require.Equal(t, 0, hardLockCount(t, conn, "res-1"))

	snap, err := svc.Repo.Get(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationConsumed, snap.Status)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "", 0, nil)
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)

	_, err = svc.Create(ctx, "", 0, []domain.ReservationLine{
		{WarehouseID: "WH1", Location: "A-01", SKU: "SKU1", RequestedQty: 0},
	})
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)

	_, err = svc.Create(ctx, "", 0, []domain.ReservationLine{
		{WarehouseID: "WH1", SKU: "SKU1", RequestedQty: 1},
	})
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)
}

func TestCreateDuplicateIDConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)

	_, err = svc.Create(ctx, "res-1", 0, testLines())
	require.True(t, domain.IsCode(err, domain.CodeConcurrency), "%v", err)
	require.ErrorContains(t, err, "already exists")
}

func TestStartPickingRequiresAllocated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)

	_, err = svc.StartPicking(ctx, "res-1")
	require.True(t, domain.IsCode(err, domain.CodeNotAllocated), "%v", err)
}

func TestConsumeRequiresPicking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "res-1")
	require.NoError(t, err)

	err = svc.Consume(ctx, "res-1", "mov-1")
	require.True(t, domain.IsCode(err, domain.CodeNotPicking), "%v", err)
}

func TestCancelReleasesHardLock(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "res-1")
	require.NoError(t, err)
	_, err = svc.StartPicking(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, 2, hardLockCount(t, conn, "res-1"))

	require.NoError(t, svc.Cancel(ctx, "res-1", "operator abort"))
	require.Equal(t, 0, hardLockCount(t, conn, "res-1"))

	snap, err := svc.Repo.Get(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationCancelled, snap.Status)
}

func TestCancelRequiresPicking(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "res-1")
	require.NoError(t, err)

	err = svc.Cancel(ctx, "res-1", "too early")
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)
}

func TestBumpFromEveryNonTerminalState(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()

	setups := map[string]func(id string){
		"res-pending": func(id string) {},
		"res-allocated": func(id string) {
			_, err := svc.Allocate(ctx, id)
			require.NoError(t, err)
		},
		"res-picking": func(id string) {
			_, err := svc.Allocate(ctx, id)
			require.NoError(t, err)
			_, err = svc.StartPicking(ctx, id)
			require.NoError(t, err)
		},
	}
	for id, setup := range setups {
		_, err := svc.Create(ctx, id, 0, testLines())
		require.NoError(t, err)
		setup(id)

		require.NoError(t, svc.Bump(ctx, id, "res-vip"))
		require.Equal(t, 0, hardLockCount(t, conn, id))

		snap, err := svc.Repo.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.ReservationBumped, snap.Status)
	}
}

func TestBumpTerminalRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)
	require.NoError(t, svc.Bump(ctx, "res-1", "res-2"))

	err = svc.Bump(ctx, "res-1", "res-3")
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)
}

func TestConsumeAtStaleVersionConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "res-1", 0, testLines())
	require.NoError(t, err)
	_, err = svc.Allocate(ctx, "res-1")
	require.NoError(t, err)

	// Observe the aggregate, then move the stream underneath it.
	agg, err := svc.LoadAggregate(ctx, "res-1")
	require.NoError(t, err)
	_, err = svc.StartPicking(ctx, "res-1")
	require.NoError(t, err)

	agg.Status = domain.ReservationPicking
	err = svc.ConsumeAt(ctx, agg, "mov-1")
	require.ErrorIs(t, err, eventstore.ErrConcurrency)
}

func TestLoadUnknownReservation(t *testing.T) {
	svc, _ := newTestService(t)
	agg, err := svc.LoadAggregate(context.Background(), "res-missing")
	require.NoError(t, err)
	require.False(t, agg.Exists())

	_, err = svc.Repo.Get(context.Background(), "res-missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
