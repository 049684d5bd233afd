package ledger_test

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
	"stockline/internal/migrate"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T) (*ledger.Handler, *sql.DB) {
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
	return h, conn
}

func receive(t *testing.T, h *ledger.Handler, qty int64) {
	t.Helper()
	_, err := h.RecordMovement(context.Background(), ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: qty,
		ToLocation: "A-01", Type: domain.MovementReceipt, OperatorID: "op",
	})
	require.NoError(t, err)
}

func TestQuantityMustBePositive(t *testing.T) {
	agg := ledger.NewAggregate("WH1", "A-01", "SKU1")
	for _, typ := range []domain.MovementType{
		domain.MovementReceipt, domain.MovementDispatch, domain.MovementTransfer,
		domain.MovementAdjustmentIn, domain.MovementAdjustmentOut, domain.MovementPick,
	} {
		for _, qty := range []int64{0, -5} {
			_, err := agg.RecordMovement(ledger.MovementRequest{
				MovementID: "m1", WarehouseID: "WH1", SKU: "SKU1", Quantity: qty,
				FromLocation: "A-01", ToLocation: "B-01", Type: typ, OperatorID: "op",
			}, testClock)
			require.True(t, domain.IsCode(err, domain.CodeValidation), "%s qty %d: %v", typ, qty, err)
		}
	}
}

func TestSameLocationRejected(t *testing.T) {
	agg := ledger.Aggregate{WarehouseID: "WH1", Location: "A-01", SKU: "SKU1", Balance: 100}
	for _, typ := range []domain.MovementType{
		domain.MovementTransfer, domain.MovementDispatch, domain.MovementPick,
	} {
		_, err := agg.RecordMovement(ledger.MovementRequest{
			MovementID: "m1", WarehouseID: "WH1", SKU: "SKU1", Quantity: 1,
			FromLocation: "A-01", ToLocation: "A-01", Type: typ, OperatorID: "op",
		}, testClock)
		require.True(t, domain.IsCode(err, domain.CodeValidation), "%s: %v", typ, err)
		require.ErrorContains(t, err, "must differ")
	}
}

func TestMissingDestinationRejected(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	receive(t, h, 10)

	// A destination-less transfer must not commit: the stock would leave the
	// source stream and arrive nowhere.
	_, err := h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 4,
		FromLocation: "A-01", ToLocation: "", Type: domain.MovementTransfer, OperatorID: "op",
	})
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)
	require.ErrorContains(t, err, "to location")

	_, err = h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 4,
		FromLocation: "A-01", ToLocation: "", Type: domain.MovementPick, OperatorID: "op",
	})
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)

	balance, err := h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(10), balance)
}

func TestInsufficientBalance(t *testing.T) {
	agg := ledger.Aggregate{WarehouseID: "WH1", Location: "A-01", SKU: "SKU1", Balance: 3}
	_, err := agg.RecordMovement(ledger.MovementRequest{
		MovementID: "m1", WarehouseID: "WH1", SKU: "SKU1", Quantity: 4,
		FromLocation: "A-01", ToLocation: "B-01", Type: domain.MovementTransfer, OperatorID: "op",
	}, testClock)
	require.True(t, domain.IsCode(err, domain.CodeInsufficientBalance), "%v", err)
}

func TestUnknownMovementType(t *testing.T) {
	agg := ledger.NewAggregate("WH1", "A-01", "SKU1")
	_, err := agg.RecordMovement(ledger.MovementRequest{
		MovementID: "m1", WarehouseID: "WH1", SKU: "SKU1", Quantity: 1,
		ToLocation: "A-01", Type: "TELEPORT", OperatorID: "op",
	}, testClock)
	require.True(t, domain.IsCode(err, domain.CodeValidation), "%v", err)
}

func TestBalanceNeverNegative(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	receive(t, h, 10)

	// Drain the balance, then try to overdraw.
	_, err := h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 10,
		FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op",
	})
	require.NoError(t, err)

	_, err = h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 1,
		FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op",
	})
	require.True(t, domain.IsCode(err, domain.CodeInsufficientBalance), "%v", err)

	balance, err := h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestTransferMovesBothBalances(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()
	receive(t, h, 10)

	_, err := h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 4,
		FromLocation: "A-01", ToLocation: "B-01", Type: domain.MovementTransfer, OperatorID: "op",
	})
	require.NoError(t, err)

	from, err := h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(6), from)

	to, err := h.Balance(ctx, "WH1", "B-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(4), to)
}

func TestConservationAcrossLocations(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	moves := []ledger.MovementRequest{
		{WarehouseID: "WH1", SKU: "SKU1", Quantity: 20, ToLocation: "A-01", Type: domain.MovementReceipt, OperatorID: "op"},
		{WarehouseID: "WH1", SKU: "SKU1", Quantity: 5, FromLocation: "A-01", ToLocation: "B-01", Type: domain.MovementTransfer, OperatorID: "op"},
		{WarehouseID: "WH1", SKU: "SKU1", Quantity: 3, FromLocation: "B-01", ToLocation: "C-01", Type: domain.MovementTransfer, OperatorID: "op"},
		{WarehouseID: "WH1", SKU: "SKU1", Quantity: 7, FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op"},
	}
	for _, m := range moves {
		_, err := h.RecordMovement(ctx, m)
		require.NoError(t, err)
	}

	var total int64
	for _, loc := range []string{"A-01", "B-01", "C-01"} {
		b, err := h.Balance(ctx, "WH1", loc, "SKU1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, b, int64(0))
		total += b
	}
	// 20 received minus 7 dispatched.
	require.Equal(t, int64(13), total)
}

// conflictOnce appends a competing event to the stream the first time the
// clock is read, which lands between the handler's load and append.
func conflictOnce(t *testing.T, h *ledger.Handler, conn *sql.DB, times int) *int {
	t.Helper()
	fired := 0
	h.Now = func() time.Time {
		if fired < times {
			fired++
			ctx := context.Background()
			streamID := domain.LedgerStreamID("WH1", "A-01", "SKU1")
			version, err := h.Store.CurrentVersion(ctx, streamID)
			require.NoError(t, err)
			tx, err := conn.BeginTx(ctx, nil)
			require.NoError(t, err)
			competing := domain.Movement{
				MovementID: "competing", WarehouseID: "WH1", SKU: "SKU1", Quantity: 1,
				ToLocation: "A-01", Type: domain.MovementReceipt, OperatorID: "rival",
				SchemaVersion: domain.MovementSchemaVersion, OccurredAt: testClock,
			}
			require.NoError(t, h.Store.Append(ctx, tx, streamID, version,
				eventstore.Event{Type: ledger.EventStockMoved, SchemaVersion: domain.MovementSchemaVersion, Payload: competing}))
			require.NoError(t, tx.Commit())
		}
		return testClock
	}
	return &fired
}

func TestConcurrentAppendRetriesAndSucceeds(t *testing.T) {
	h, conn := newTestHandler(t)
	ctx := context.Background()
	receive(t, h, 10)

	fired := conflictOnce(t, h, conn, 1)

	m, err := h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 2,
		FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op",
	})
	require.NoError(t, err)
	require.Equal(t, 1, *fired)

	balance, err := h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	// 10 received + 1 competing receipt - 2 dispatched.
	require.Equal(t, int64(9), balance)
	require.NotEmpty(t, m.MovementID)
}

func TestConcurrencyConflictAfterExhaustedRetries(t *testing.T) {
	h, conn := newTestHandler(t)
	ctx := context.Background()
	receive(t, h, 100)

	conflictOnce(t, h, conn, h.MaxAttempts+1)

	_, err := h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 2,
		FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op",
	})
	require.True(t, domain.IsCode(err, domain.CodeConcurrency), "%v", err)
}

func TestMovementV1UpcastOnRead(t *testing.T) {
	h, conn := newTestHandler(t)
	ctx := context.Background()
	streamID := domain.LedgerStreamID("WH1", "A-01", "SKU1")

	// Seed a version-1 payload with the old field names.
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events(stream_id, stream_seq, event_type, schema_version, payload_json, recorded_at)
		VALUES (?,?,?,?,?,?)`,
		streamID, 1, ledger.EventStockMoved, 1,
		`{"movement_id":"m-old","warehouse_id":"WH1","sku":"SKU1","quantity":5,"location_to":"A-01","type":"RECEIPT","operator_id":"op","occurred_at":"2025-06-01T08:00:00Z"}`,
		testClock.Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	balance, err := h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)

	// New movements append on top of the upcast stream.
	_, err = h.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 3,
		FromLocation: "A-01", ToLocation: "OUT", Type: domain.MovementDispatch, OperatorID: "op",
	})
	require.NoError(t, err)

	balance, err = h.Balance(ctx, "WH1", "A-01", "SKU1")
	require.NoError(t, err)
	require.Equal(t, int64(2), balance)
}
