// Package pick orchestrates the two-phase pick: the physical movement
// commits first, then the reservation is consumed. A committed movement is
// never rolled back; a failed consumption is handed to the retry saga.
package pick

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"stockline/internal/bus"
	"stockline/internal/domain"
	"stockline/internal/ledger"
	"stockline/internal/lock"
	"stockline/internal/projection"
	"stockline/internal/reservation"
)

// Status is the outcome class of a pick execution.
type Status string

const (
	// StatusOK means movement and consumption both committed.
	StatusOK Status = "OK"
	// StatusMovementFailed means nothing committed.
	StatusMovementFailed Status = "MOVEMENT_FAILED"
	// StatusConsumptionDeferred means the movement committed but the
	// reservation could not be consumed; the saga will finish the job.
	StatusConsumptionDeferred Status = "CONSUMPTION_DEFERRED"
)

// Result reports what a pick actually did. Callers must treat
// StatusConsumptionDeferred as physical success.
type Result struct {
	Status     Status
	MovementID string
	Code       string
	Reason     string
}

// Deferrals durably records a consumption the retry saga must finish. The
// orchestrator writes this record itself so the guarantee does not depend
// on any bus consumer being alive.
type Deferrals interface {
	Enqueue(ctx context.Context, reservationID, movementID string, qty int64, reason string) error
}

// Orchestrator coordinates reservations, the movement ledger, the saga
// store, and the bus for hard-lock acquisition and stock consumption.
type Orchestrator struct {
	Reservations *reservation.Service
	Ledger       *ledger.Handler
	Locks        *lock.Coordinator
	HardLocks    projection.HardLockQueries
	Sagas        Deferrals
	Bus          bus.Publisher
	Log          zerolog.Logger
	Now          func() time.Time
}

func NewOrchestrator(res *reservation.Service, led *ledger.Handler, locks *lock.Coordinator, hl projection.HardLockQueries, sagas Deferrals, pub bus.Publisher, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Reservations: res,
		Ledger:       led,
		Locks:        locks,
		HardLocks:    hl,
		Sagas:        sagas,
		Bus:          pub,
		Log:          log,
		Now:          time.Now,
	}
}

// StartPicking upgrades an ALLOCATED reservation's soft lock to a hard
// lock. Every line is checked against physically available stock minus
// other reservations' hard locks, under an advisory lock over the affected
// streams so two pickers cannot both pass the check.
func (o *Orchestrator) StartPicking(ctx context.Context, reservationID string) (domain.Reservation, error) {
	agg, err := o.Reservations.LoadAggregate(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := agg.ValidateCanStartPicking(); err != nil {
		return domain.Reservation{}, err
	}

	scope := o.Locks.Begin()
	defer scope.Close(ctx)
	if err := scope.Acquire(ctx, streamKeys(agg)...); err != nil {
		return domain.Reservation{}, err
	}

	for _, l := range agg.HardLockLines() {
		onHand, err := o.Ledger.Balance(ctx, l.WarehouseID, l.Location, l.SKU)
		if err != nil {
			return domain.Reservation{}, err
		}
		locked, err := o.HardLocks.LockedQty(ctx, l.WarehouseID, l.Location, l.SKU, reservationID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if free := onHand - locked; free < l.Qty {
			if locked > 0 {
				return domain.Reservation{}, domain.NewError(domain.CodeHardLockConflict,
					"%s at %s: %d on hand, %d hard-locked by other reservations, %d required",
					l.SKU, l.Location, onHand, locked, l.Qty)
			}
			return domain.Reservation{}, domain.NewError(domain.CodeInsufficientAvailable,
				"%s at %s: %d on hand, %d required", l.SKU, l.Location, onHand, l.Qty)
		}
	}

	res, err := o.Reservations.StartPicking(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := scope.Commit(ctx); err != nil {
		o.Log.Warn().Err(err).Str("reservation_id", reservationID).Msg("advisory lock release failed")
	}
	return res, nil
}

// PickStock physically removes stock for one reservation line and consumes
// the reservation. The movement commits first; if consumption then fails
// the result carries StatusConsumptionDeferred and a durable saga record
// is written instead of undoing the movement.
func (o *Orchestrator) PickStock(ctx context.Context, reservationID, sku string, qty int64, operatorID, handlingUnitID string) (Result, error) {
	agg, err := o.Reservations.LoadAggregate(ctx, reservationID)
	if err != nil {
		return Result{Status: StatusMovementFailed, Code: domain.ErrCode(err)}, err
	}
	if err := agg.ValidateCanConsume(); err != nil {
		return Result{Status: StatusMovementFailed, Code: domain.ErrCode(err)}, err
	}
	line, err := pickLine(agg, sku)
	if err != nil {
		return Result{Status: StatusMovementFailed, Code: domain.ErrCode(err)}, err
	}
	if qty <= 0 {
		qty = line.Qty
	}
	if qty > line.Qty {
		err := domain.NewError(domain.CodeValidation,
			"reservation %s holds %d of %s, cannot pick %d", reservationID, line.Qty, sku, qty)
		return Result{Status: StatusMovementFailed, Code: domain.ErrCode(err)}, err
	}

	m, err := o.Ledger.RecordMovement(ctx, ledger.MovementRequest{
		WarehouseID:    line.WarehouseID,
		SKU:            sku,
		Quantity:       qty,
		FromLocation:   line.Location,
		ToLocation:     domain.ConsumptionLocation,
		Type:           domain.MovementPick,
		OperatorID:     operatorID,
		HandlingUnitID: handlingUnitID,
		Reason:         "pick for " + reservationID,
	})
	if err != nil {
		return Result{Status: StatusMovementFailed, Code: domain.ErrCode(err), Reason: err.Error()}, err
	}

	// Point of no return. The stock has physically moved; from here every
	// failure defers consumption rather than undoing the movement.
	if err := o.Reservations.ConsumeAt(ctx, agg, m.MovementID); err != nil {
		return o.deferConsumption(ctx, reservationID, m.MovementID, qty, err), nil
	}
	return Result{Status: StatusOK, MovementID: m.MovementID}, nil
}

func (o *Orchestrator) deferConsumption(ctx context.Context, reservationID, movementID string, qty int64, cause error) Result {
	o.Log.Warn().
		Err(cause).
		Str("reservation_id", reservationID).
		Str("movement_id", movementID).
		Msg("movement committed but consumption failed, deferring to saga")
	// The durable row is the retry guarantee; the bus message only
	// notifies. Write the row first.
	if err := o.Sagas.Enqueue(ctx, reservationID, movementID, qty, cause.Error()); err != nil {
		o.Log.Error().Err(err).Str("reservation_id", reservationID).Msg("deferred-consumption enqueue failed")
	}
	msg := bus.Message{
		Type:          bus.MsgConsumptionDeferred,
		ReservationID: reservationID,
		MovementID:    movementID,
		Qty:           qty,
		Reason:        cause.Error(),
		OccurredAt:    o.Now().UTC(),
	}
	if err := o.Bus.Publish(ctx, msg); err != nil {
		o.Log.Error().Err(err).Str("reservation_id", reservationID).Msg("deferred-consumption publish failed")
	}
	return Result{
		Status:     StatusConsumptionDeferred,
		MovementID: movementID,
		Code:       domain.CodeConsumptionDeferred,
		Reason:     cause.Error(),
	}
}

func pickLine(agg reservation.Aggregate, sku string) (reservation.HardLockLine, error) {
	for _, l := range agg.HardLockLines() {
		if l.SKU == sku {
			return l, nil
		}
	}
	return reservation.HardLockLine{}, domain.NewError(domain.CodeValidation,
		"reservation %s has no line for sku %s", agg.ID, sku)
}

func streamKeys(agg reservation.Aggregate) []string {
	keys := make([]string, 0, len(agg.Lines))
	for _, l := range agg.Lines {
		keys = append(keys, domain.LedgerStreamID(l.WarehouseID, l.Location, l.SKU))
	}
	return keys
}
