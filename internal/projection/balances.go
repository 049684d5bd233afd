package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/ledger"
)

// LocationBalancesName is the registered name of the on-hand balance view.
const LocationBalancesName = "location_balances"

// LocationBalances folds movement events into per-(warehouse, location, sku)
// on-hand rows. The row identity comes from the event's own stream key; a
// transfer appears once per affected stream, so each application adjusts
// exactly one side.
type LocationBalances struct {
	Table string
}

func NewLocationBalances() *LocationBalances {
	return &LocationBalances{Table: LocationBalancesName}
}

func (b *LocationBalances) Name() string { return LocationBalancesName }

func (b *LocationBalances) Apply(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	if e.Type != ledger.EventStockMoved {
		return nil
	}
	warehouseID, location, sku, ok := ParseLedgerStream(e.StreamID)
	if !ok {
		return nil
	}
	var m domain.Movement
	if err := e.Decode(&m); err != nil {
		return err
	}
	delta := ledger.SignedDelta(location, m)
	if delta == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(warehouse_id, location, sku, balance, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(warehouse_id, location, sku) DO UPDATE SET
			balance=%s.balance+excluded.balance,
			updated_at=excluded.updated_at`, b.Table, b.Table),
		warehouseID, location, sku, delta, e.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("fold balance %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	return nil
}

// BalanceQueries reads the live balance view.
type BalanceQueries struct {
	DB *sql.DB
}

func (q BalanceQueries) Get(ctx context.Context, warehouseID, location, sku string) (domain.LocationBalance, error) {
	var (
		b         domain.LocationBalance
		updatedAt string
	)
	err := q.DB.QueryRowContext(ctx, `
		SELECT warehouse_id, location, sku, balance, updated_at
		FROM location_balances WHERE warehouse_id=? AND location=? AND sku=?`,
		warehouseID, location, sku).Scan(&b.WarehouseID, &b.Location, &b.SKU, &b.Balance, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.LocationBalance{WarehouseID: warehouseID, Location: location, SKU: sku}, nil
	}
	if err != nil {
		return b, fmt.Errorf("get balance %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return b, fmt.Errorf("parse balance updated_at: %w", err)
	}
	b.LastUpdated = ts
	return b, nil
}

// List returns all balance rows for a warehouse.
func (q BalanceQueries) List(ctx context.Context, warehouseID string) ([]domain.LocationBalance, error) {
	rows, err := q.DB.QueryContext(ctx, `
		SELECT warehouse_id, location, sku, balance, updated_at
		FROM location_balances WHERE warehouse_id=? ORDER BY location, sku`, warehouseID)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()
	var out []domain.LocationBalance
	for rows.Next() {
		var (
			b         domain.LocationBalance
			updatedAt string
		)
		if err := rows.Scan(&b.WarehouseID, &b.Location, &b.SKU, &b.Balance, &updatedAt); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse balance updated_at: %w", err)
		}
		b.LastUpdated = ts
		out = append(out, b)
	}
	return out, rows.Err()
}
