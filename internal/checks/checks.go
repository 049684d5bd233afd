// Package checks scans for drift between the ledger, reservations, and the
// derived lock view. The checks detect and report; remediation stays with
// an operator.
package checks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockline/internal/domain"
)

// Anomaly is one detected inconsistency, carrying the stable code callers
// and alerting match on.
type Anomaly struct {
	Code          string        `json:"code"`
	ReservationID string        `json:"reservation_id"`
	Location      string        `json:"location,omitempty"`
	SKU           string        `json:"sku,omitempty"`
	Age           time.Duration `json:"age,omitempty"`
	Detail        string        `json:"detail"`
}

// Checker runs the periodic read-only consistency scans.
type Checker struct {
	DB *sql.DB
	// StuckAfter is how long a reservation may sit in PICKING before it
	// counts as stuck.
	StuckAfter time.Duration
	Log        zerolog.Logger
	Now        func() time.Time
}

func NewChecker(db *sql.DB, stuckAfter time.Duration, log zerolog.Logger) *Checker {
	return &Checker{DB: db, StuckAfter: stuckAfter, Log: log, Now: time.Now}
}

// Run executes every check and returns the combined anomaly list.
func (c *Checker) Run(ctx context.Context) ([]Anomaly, error) {
	stuck, err := c.StuckReservations(ctx)
	if err != nil {
		return nil, err
	}
	orphans, err := c.OrphanHardLocks(ctx)
	if err != nil {
		return nil, err
	}
	return append(stuck, orphans...), nil
}

// StuckReservations finds reservations that have sat in PICKING past the
// threshold, holding their hard locks the whole time.
func (c *Checker) StuckReservations(ctx context.Context) ([]Anomaly, error) {
	now := c.Now().UTC()
	cutoff := now.Add(-c.StuckAfter).Format(time.RFC3339Nano)
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, updated_at FROM reservations
		WHERE status=? AND updated_at<?
		ORDER BY updated_at`, string(domain.ReservationPicking), cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan stuck reservations: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var (
			id        string
			updatedAt string
		)
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, err
		}
		var age time.Duration
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			age = now.Sub(ts)
		}
		a := Anomaly{
			Code:          domain.CodeStuckReservation,
			ReservationID: id,
			Age:           age,
			Detail:        fmt.Sprintf("reservation %s has been PICKING for %s", id, age.Round(time.Second)),
		}
		c.Log.Warn().
			Str("code", a.Code).
			Str("reservation_id", a.ReservationID).
			Dur("age", a.Age).
			Msg("stuck reservation detected")
		out = append(out, a)
	}
	return out, rows.Err()
}

// OrphanHardLocks finds active-hard-lock rows whose reservation is gone or
// no longer PICKING. Such a row blocks availability it has no right to.
func (c *Checker) OrphanHardLocks(ctx context.Context) ([]Anomaly, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT l.reservation_id, l.location, l.sku, COALESCE(r.status, '')
		FROM active_hard_locks l
		LEFT JOIN reservations r ON r.id=l.reservation_id
		WHERE r.id IS NULL OR r.status<>?
		ORDER BY l.reservation_id, l.location, l.sku`, string(domain.ReservationPicking))
	if err != nil {
		return nil, fmt.Errorf("scan orphan hard locks: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var status string
		if err := rows.Scan(&a.ReservationID, &a.Location, &a.SKU, &status); err != nil {
			return nil, err
		}
		a.Code = domain.CodeOrphanHardLock
		if status == "" {
			a.Detail = fmt.Sprintf("hard lock for unknown reservation %s at %s/%s", a.ReservationID, a.Location, a.SKU)
		} else {
			a.Detail = fmt.Sprintf("hard lock outlives reservation %s (status %s) at %s/%s", a.ReservationID, status, a.Location, a.SKU)
		}
		c.Log.Warn().
			Str("code", a.Code).
			Str("reservation_id", a.ReservationID).
			Str("location", a.Location).
			Str("sku", a.SKU).
			Msg("orphan hard lock detected")
		out = append(out, a)
	}
	return out, rows.Err()
}

// RunPeriodic executes Run on an interval until the context ends.
func (c *Checker) RunPeriodic(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := c.Run(ctx); err != nil {
				c.Log.Error().Err(err).Msg("consistency check failed")
			}
		}
	}
}
