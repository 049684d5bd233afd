// Package saga finishes picks whose movement committed but whose
// reservation consumption failed. State is a durable table row so retries
// survive restarts; schedules grow geometrically and exhaustion is
// terminal, paged through the bus, and never touches hard locks.
package saga

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"stockline/internal/bus"
	"stockline/internal/domain"
	"stockline/internal/reservation"
)

// Saga states. ConsumingReservation is the only live state.
const (
	StateConsuming = "ConsumingReservation"
	StateCompleted = "Completed"
	StateFailed    = "Failed"
)

// State is one durable saga row, keyed by reservation.
type State struct {
	ReservationID string
	MovementID    string
	Qty           int64
	State         string
	RetryCount    int
	LastError     string
	ScheduledAt   time.Time
	UpdatedAt     time.Time
}

// Runner drives deferred consumptions to completion. It is fed either by
// Enqueue from a bus consumer or directly, and polls the table for due rows.
type Runner struct {
	DB           *sql.DB
	Reservations *reservation.Service
	Bus          bus.Publisher
	Log          zerolog.Logger
	MaxRetries   int
	BaseDelay    time.Duration
	GrowthFactor int
	PollInterval time.Duration
	Now          func() time.Time
}

func NewRunner(db *sql.DB, res *reservation.Service, pub bus.Publisher, log zerolog.Logger) *Runner {
	return &Runner{
		DB:           db,
		Reservations: res,
		Bus:          pub,
		Log:          log,
		MaxRetries:   3,
		BaseDelay:    5 * time.Second,
		GrowthFactor: 3,
		PollInterval: time.Second,
		Now:          time.Now,
	}
}

// Enqueue records a deferred consumption. The first attempt is scheduled
// BaseDelay from now; re-enqueueing an existing reservation is a no-op so a
// replayed bus message cannot reset a retry schedule.
func (r *Runner) Enqueue(ctx context.Context, reservationID, movementID string, qty int64, reason string) error {
	now := r.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO saga_states(reservation_id, movement_id, qty, state, retry_count, last_error, scheduled_at, updated_at)
		VALUES (?,?,?,?,0,?,?,?)
		ON CONFLICT(reservation_id) DO NOTHING`,
		reservationID, movementID, qty, StateConsuming, reason,
		now.Add(r.BaseDelay).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue saga for %s: %w", reservationID, err)
	}
	r.Log.Info().Str("reservation_id", reservationID).Str("movement_id", movementID).Msg("consumption saga enqueued")
	return nil
}

// Run polls for due rows until the context ends. Bus-delivered deferrals
// are enqueued by Consume; Run only executes what is already durable.
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.Tick(ctx); err != nil {
				r.Log.Error().Err(err).Msg("saga tick failed")
			}
		}
	}
}

// Consume subscribes to a memory bus and persists every deferred
// consumption it sees.
func (r *Runner) Consume(ctx context.Context, messages <-chan bus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if msg.Type != bus.MsgConsumptionDeferred {
				continue
			}
			if err := r.Enqueue(ctx, msg.ReservationID, msg.MovementID, msg.Qty, msg.Reason); err != nil {
				r.Log.Error().Err(err).Str("reservation_id", msg.ReservationID).Msg("saga enqueue failed")
			}
		}
	}
}

// Tick executes every due live row once and returns how many it processed.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	due, err := r.due(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range due {
		r.step(ctx, s)
	}
	return len(due), nil
}

func (r *Runner) due(ctx context.Context) ([]State, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT reservation_id, movement_id, qty, state, retry_count, last_error, scheduled_at, updated_at
		FROM saga_states WHERE state=? AND scheduled_at<=?
		ORDER BY scheduled_at`,
		StateConsuming, r.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query due sagas: %w", err)
	}
	defer rows.Close()
	var out []State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// step retries one consumption. Success completes the saga; failure either
// reschedules with a geometrically growing delay or, past MaxRetries,
// marks the row Failed and publishes a permanent-failure message. Hard
// locks are left in place for the anomaly checks and a human.
func (r *Runner) step(ctx context.Context, s State) {
	err := r.Reservations.Consume(ctx, s.ReservationID, s.MovementID)
	if err == nil || domain.IsCode(err, domain.CodeNotPicking) {
		// NotPicking here means someone consumed or cancelled the
		// reservation between movement and retry; the job is done.
		r.finish(ctx, s, StateCompleted, "")
		r.publish(ctx, bus.MsgConsumptionSucceeded, s, "")
		r.Log.Info().Str("reservation_id", s.ReservationID).Int("retries", s.RetryCount).Msg("deferred consumption completed")
		return
	}

	s.RetryCount++
	if s.RetryCount > r.MaxRetries {
		r.finish(ctx, s, StateFailed, err.Error())
		r.publish(ctx, bus.MsgPermanentFailure, s, err.Error())
		r.Log.Error().
			Err(err).
			Str("reservation_id", s.ReservationID).
			Str("movement_id", s.MovementID).
			Str("code", domain.CodeFailedPermanently).
			Msg("deferred consumption failed permanently, operator action required")
		return
	}

	delay := r.BaseDelay
	for i := 0; i < s.RetryCount; i++ {
		delay *= time.Duration(r.GrowthFactor)
	}
	now := r.Now().UTC()
	_, uerr := r.DB.ExecContext(ctx, `
		UPDATE saga_states SET retry_count=?, last_error=?, scheduled_at=?, updated_at=?
		WHERE reservation_id=?`,
		s.RetryCount, err.Error(), now.Add(delay).Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		s.ReservationID)
	if uerr != nil {
		r.Log.Error().Err(uerr).Str("reservation_id", s.ReservationID).Msg("saga reschedule failed")
		return
	}
	r.publish(ctx, bus.MsgConsumptionFailed, s, err.Error())
	r.Log.Warn().
		Err(err).
		Str("reservation_id", s.ReservationID).
		Int("retry_count", s.RetryCount).
		Dur("next_in", delay).
		Msg("deferred consumption retry failed, rescheduled")
}

func (r *Runner) finish(ctx context.Context, s State, state, lastError string) {
	now := r.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.DB.ExecContext(ctx, `
		UPDATE saga_states SET state=?, retry_count=?, last_error=?, updated_at=?
		WHERE reservation_id=?`,
		state, s.RetryCount, lastError, now, s.ReservationID)
	if err != nil {
		r.Log.Error().Err(err).Str("reservation_id", s.ReservationID).Msg("saga finish failed")
	}
}

func (r *Runner) publish(ctx context.Context, typ bus.MessageType, s State, reason string) {
	msg := bus.Message{
		Type:          typ,
		ReservationID: s.ReservationID,
		MovementID:    s.MovementID,
		Qty:           s.Qty,
		RetryCount:    s.RetryCount,
		Reason:        reason,
		OccurredAt:    r.Now().UTC(),
	}
	if err := r.Bus.Publish(ctx, msg); err != nil {
		r.Log.Error().Err(err).Str("reservation_id", s.ReservationID).Msg("saga publish failed")
	}
}

// Get returns one saga row.
func (r *Runner) Get(ctx context.Context, reservationID string) (State, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT reservation_id, movement_id, qty, state, retry_count, last_error, scheduled_at, updated_at
		FROM saga_states WHERE reservation_id=?`, reservationID)
	s, err := scanState(row)
	if err == sql.ErrNoRows {
		return State{}, domain.ErrNotFound
	}
	return s, err
}

// List returns all saga rows, live first.
func (r *Runner) List(ctx context.Context) ([]State, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT reservation_id, movement_id, qty, state, retry_count, last_error, scheduled_at, updated_at
		FROM saga_states ORDER BY state, scheduled_at`)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()
	var out []State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (State, error) {
	var (
		s           State
		scheduledAt string
		updatedAt   string
	)
	if err := row.Scan(&s.ReservationID, &s.MovementID, &s.Qty, &s.State, &s.RetryCount, &s.LastError, &scheduledAt, &updatedAt); err != nil {
		return State{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, scheduledAt); err == nil {
		s.ScheduledAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		s.UpdatedAt = ts
	}
	return s, nil
}
