package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/ledger"
	"stockline/internal/reservation"
)

// AvailableStockName is the registered name of the availability view.
const AvailableStockName = "available_stock"

// AvailableStock folds both movement and reservation events:
// on_hand_qty from ledger deltas, hard_locked_qty from hard-lock
// acquisition and release, available_qty = max(0, on_hand - hard_locked).
// Soft locks never touch this view.
type AvailableStock struct {
	Table string
}

func NewAvailableStock() *AvailableStock {
	return &AvailableStock{Table: AvailableStockName}
}

func (a *AvailableStock) Name() string { return AvailableStockName }

func (a *AvailableStock) Apply(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	switch e.Type {
	case ledger.EventStockMoved:
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
		return a.adjust(ctx, tx, warehouseID, location, sku, delta, 0, e.RecordedAt)
	case reservation.EventPickingStarted:
		var p reservation.PickingStartedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		for _, l := range p.Lines {
			if err := a.adjust(ctx, tx, l.WarehouseID, l.Location, l.SKU, 0, l.Qty, e.RecordedAt); err != nil {
				return err
			}
		}
	case reservation.EventConsumed, reservation.EventCancelled, reservation.EventBumped:
		var p reservation.ReleasedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if p.LockType != domain.LockHard {
			return nil
		}
		for _, l := range p.Lines {
			if err := a.adjust(ctx, tx, l.WarehouseID, l.Location, l.SKU, 0, -l.Qty, e.RecordedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *AvailableStock) adjust(ctx context.Context, tx *sql.Tx, warehouseID, location, sku string, onHandDelta, lockedDelta int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(warehouse_id, location, sku, on_hand_qty, hard_locked_qty, available_qty, updated_at)
		VALUES (?,?,?,?,?,MAX(0, ? - ?),?)
		ON CONFLICT(warehouse_id, location, sku) DO UPDATE SET
			on_hand_qty=%s.on_hand_qty+?,
			hard_locked_qty=%s.hard_locked_qty+?,
			available_qty=MAX(0, %s.on_hand_qty+? - (%s.hard_locked_qty+?)),
			updated_at=excluded.updated_at`,
		a.Table, a.Table, a.Table, a.Table, a.Table),
		warehouseID, location, sku, onHandDelta, lockedDelta, onHandDelta, lockedDelta,
		at.UTC().Format(time.RFC3339Nano),
		onHandDelta, lockedDelta, onHandDelta, lockedDelta)
	if err != nil {
		return fmt.Errorf("fold availability %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	return nil
}

// AvailableQueries reads the live availability view.
type AvailableQueries struct {
	DB *sql.DB
}

func (q AvailableQueries) Get(ctx context.Context, warehouseID, location, sku string) (domain.AvailableStock, error) {
	var (
		s         domain.AvailableStock
		updatedAt string
	)
	err := q.DB.QueryRowContext(ctx, `
		SELECT warehouse_id, location, sku, on_hand_qty, hard_locked_qty, available_qty, updated_at
		FROM available_stock WHERE warehouse_id=? AND location=? AND sku=?`,
		warehouseID, location, sku).Scan(&s.WarehouseID, &s.Location, &s.SKU, &s.OnHandQty, &s.HardLockedQty, &s.AvailableQty, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.AvailableStock{WarehouseID: warehouseID, Location: location, SKU: sku}, nil
	}
	if err != nil {
		return s, fmt.Errorf("get availability %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return s, fmt.Errorf("parse availability updated_at: %w", err)
	}
	s.LastUpdated = ts
	return s, nil
}
