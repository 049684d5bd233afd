package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/reservation"
)

// HardLocksName is the registered name of the active-hard-lock view.
const HardLocksName = "active_hard_locks"

// HardLocks maintains one row per (reservation, location, sku) exclusive
// claim. It is the only inline-delivered view: pick conflict detection reads
// it and must observe lock acquisition and release atomically with the
// reservation events that cause them.
type HardLocks struct {
	Table string
}

func NewHardLocks() *HardLocks {
	return &HardLocks{Table: HardLocksName}
}

func (h *HardLocks) Name() string { return HardLocksName }

func (h *HardLocks) Apply(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	switch e.Type {
	case reservation.EventPickingStarted:
		var p reservation.PickingStartedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		for _, l := range p.Lines {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s(reservation_id, warehouse_id, location, sku, qty, created_at)
				VALUES (?,?,?,?,?,?)
				ON CONFLICT(reservation_id, location, sku) DO UPDATE SET qty=excluded.qty`, h.Table),
				p.ReservationID, l.WarehouseID, l.Location, l.SKU, l.Qty,
				p.OccurredAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("insert hard lock %s %s/%s: %w", p.ReservationID, l.Location, l.SKU, err)
			}
		}
	case reservation.EventConsumed, reservation.EventCancelled, reservation.EventBumped:
		var p reservation.ReleasedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE reservation_id=?`, h.Table), p.ReservationID)
		if err != nil {
			return fmt.Errorf("release hard locks %s: %w", p.ReservationID, err)
		}
	}
	return nil
}

// ApplyInline satisfies the reservation service's inline projector port.
func (h *HardLocks) ApplyInline(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	return h.Apply(ctx, tx, e)
}

// HardLockQueries reads the live view.
type HardLockQueries struct {
	DB *sql.DB
}

// LockedQty sums active hard locks on one (warehouse, location, sku),
// optionally excluding a reservation's own claim.
func (q HardLockQueries) LockedQty(ctx context.Context, warehouseID, location, sku, excludeReservationID string) (int64, error) {
	var qty sql.NullInt64
	err := q.DB.QueryRowContext(ctx, `
		SELECT SUM(qty) FROM active_hard_locks
		WHERE warehouse_id=? AND location=? AND sku=? AND reservation_id != ?`,
		warehouseID, location, sku, excludeReservationID).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("sum hard locks %s/%s/%s: %w", warehouseID, location, sku, err)
	}
	return qty.Int64, nil
}

// Active lists every live hard-lock row.
func (q HardLockQueries) Active(ctx context.Context) ([]domain.HardLock, error) {
	rows, err := q.DB.QueryContext(ctx, `
		SELECT reservation_id, warehouse_id, location, sku, qty, created_at
		FROM active_hard_locks ORDER BY reservation_id, location, sku`)
	if err != nil {
		return nil, fmt.Errorf("list hard locks: %w", err)
	}
	defer rows.Close()
	var locks []domain.HardLock
	for rows.Next() {
		var (
			l         domain.HardLock
			createdAt string
		)
		if err := rows.Scan(&l.ReservationID, &l.WarehouseID, &l.Location, &l.SKU, &l.Qty, &createdAt); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse hard lock created_at: %w", err)
		}
		l.CreatedAt = ts
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
