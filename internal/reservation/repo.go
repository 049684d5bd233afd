package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stockline/internal/domain"
)

// Repo maintains the reservations snapshot table. The event stream stays
// authoritative; the snapshot exists for the consistency checks and list
// queries that should not replay every stream.
type Repo struct {
	DB *sql.DB
}

func (r Repo) Upsert(ctx context.Context, tx *sql.Tx, res domain.Reservation, updatedAt time.Time) error {
	lines, err := json.Marshal(res.Lines)
	if err != nil {
		return fmt.Errorf("marshal reservation lines: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations(id, status, lock_type, priority, lines_json, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			lock_type=excluded.lock_type,
			priority=excluded.priority,
			lines_json=excluded.lines_json,
			updated_at=excluded.updated_at`,
		res.ID, string(res.Status), string(res.LockType), res.Priority, string(lines),
		updatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert reservation %s: %w", res.ID, err)
	}
	return nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Reservation, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id, status, lock_type, priority, lines_json, updated_at FROM reservations WHERE id=?`, id)
	return scanReservation(row.Scan)
}

// ListByStatus returns snapshots in the given status ordered by staleness.
func (r Repo) ListByStatus(ctx context.Context, status domain.ReservationStatus) ([]domain.Reservation, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, status, lock_type, priority, lines_json, updated_at FROM reservations WHERE status=? ORDER BY updated_at ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list reservations by status: %w", err)
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanReservation(scan func(...any) error) (domain.Reservation, error) {
	var (
		res       domain.Reservation
		status    string
		lockType  string
		lines     string
		updatedAt string
	)
	err := scan(&res.ID, &status, &lockType, &res.Priority, &lines, &updatedAt)
	if err == sql.ErrNoRows {
		return res, domain.ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.Status = domain.ReservationStatus(status)
	res.LockType = domain.LockType(lockType)
	if err := json.Unmarshal([]byte(lines), &res.Lines); err != nil {
		return res, fmt.Errorf("decode reservation %s lines: %w", res.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return res, fmt.Errorf("parse reservation %s updated_at: %w", res.ID, err)
	}
	res.UpdatedAt = ts
	return res, nil
}
