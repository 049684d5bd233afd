package server_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"stockline/internal/checks"
	"stockline/internal/db"
	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/ledger"
	"stockline/internal/lock"
	"stockline/internal/migrate"
	"stockline/internal/projection"
	"stockline/internal/rebuild"
	"stockline/internal/server"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (http.Handler, *sql.DB, *ledger.Handler, *projection.Processor) {
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

	handler := server.New(server.Config{
		Available: projection.AvailableQueries{DB: conn},
		Balances:  projection.BalanceQueries{DB: conn},
		Units:     projection.HandlingUnitQueries{DB: conn},
		Rebuilds:  rebuild.NewService(conn, store, lock.NewSQLiteService(conn), zerolog.Nop()),
		Checker:   checks.NewChecker(conn, time.Hour, zerolog.Nop()),
		Log:       zerolog.Nop(),
	})
	return handler, conn, h, projection.NewProcessor(conn, store, zerolog.Nop())
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	handler, _, _, _ := newTestServer(t)
	rec := get(t, handler, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStockEndpoint(t *testing.T) {
	handler, _, ledgerHandler, proc := newTestServer(t)
	_, err := ledgerHandler.RecordMovement(context.Background(), ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 10,
		ToLocation: "A-01", Type: domain.MovementReceipt, OperatorID: "op",
	})
	require.NoError(t, err)
	require.NoError(t, proc.Drain(context.Background(), projection.NewAvailableStock()))

	rec := get(t, handler, "/v1/stock?warehouse=WH1&location=A-01&sku=SKU1")
	require.Equal(t, http.StatusOK, rec.Code)
	var s domain.AvailableStock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Equal(t, int64(10), s.OnHandQty)
	require.Equal(t, int64(10), s.AvailableQty)

	// Unknown identity reads as zero stock, not an error.
	rec = get(t, handler, "/v1/stock?warehouse=WH1&location=Z-99&sku=SKU1")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	require.Zero(t, s.OnHandQty)
}

func TestRebuildEndpoint(t *testing.T) {
	handler, _, ledgerHandler, proc := newTestServer(t)
	_, err := ledgerHandler.RecordMovement(context.Background(), ledger.MovementRequest{
		WarehouseID: "WH1", SKU: "SKU1", Quantity: 10,
		ToLocation: "A-01", Type: domain.MovementReceipt, OperatorID: "op",
	})
	require.NoError(t, err)
	require.NoError(t, proc.Drain(context.Background(), projection.NewLocationBalances()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/projections/location_balances/rebuild?verify=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report rebuild.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.Match)
	require.True(t, report.Swapped)
}

func TestUnknownProjectionIsBadRequest(t *testing.T) {
	handler, _, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/projections/bogus/rebuild", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), domain.CodeInvalidProjection)
}

func TestChecksEndpointReturnsEmptyList(t *testing.T) {
	handler, _, _, _ := newTestServer(t)
	rec := get(t, handler, "/v1/checks")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}
