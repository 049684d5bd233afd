// Package ledger implements the stock ledger aggregate and its command
// handler.
package ledger

import (
	"time"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
)

// EventStockMoved is the event type for all physical stock movements.
const EventStockMoved = "stock.moved"

// Aggregate is the rehydrated state of one (warehouse, location, sku) ledger
// stream. It is pure: RecordMovement validates and returns the event without
// touching storage.
type Aggregate struct {
	WarehouseID string
	Location    string
	SKU         string
	Balance     int64
	Version     int64
}

// NewAggregate returns an empty aggregate for the stream identity.
func NewAggregate(warehouseID, location, sku string) Aggregate {
	return Aggregate{WarehouseID: warehouseID, Location: location, SKU: sku}
}

// Replay folds a stream into aggregate state. Events of other types are
// ignored so the stream can carry future event kinds without breaking old
// readers.
func Replay(warehouseID, location, sku string, events []eventstore.StoredEvent) (Aggregate, error) {
	a := NewAggregate(warehouseID, location, sku)
	for _, e := range events {
		if e.Type != EventStockMoved {
			a.Version = e.StreamSeq
			continue
		}
		var m domain.Movement
		if err := e.Decode(&m); err != nil {
			return Aggregate{}, err
		}
		a.Balance += SignedDelta(location, m)
		a.Version = e.StreamSeq
	}
	return a, nil
}

// SignedDelta returns the balance contribution of a movement for the given
// stream location: positive when stock arrives there, negative when it
// leaves.
func SignedDelta(streamLocation string, m domain.Movement) int64 {
	switch {
	case m.ToLocation == streamLocation && streamLocation != "":
		return m.Quantity
	case m.FromLocation == streamLocation && streamLocation != "":
		return -m.Quantity
	default:
		return 0
	}
}

// MovementRequest carries the caller-supplied fields of RecordMovement.
type MovementRequest struct {
	MovementID     string
	WarehouseID    string
	SKU            string
	Quantity       int64
	FromLocation   string
	ToLocation     string
	Type           domain.MovementType
	OperatorID     string
	HandlingUnitID string
	Reason         string
}

// RecordMovement validates the request against the aggregate's current
// balance and returns the movement event. No side effects: the caller
// appends the event with the aggregate's version as expected version.
func (a Aggregate) RecordMovement(req MovementRequest, now time.Time) (domain.Movement, error) {
	if req.Quantity <= 0 {
		return domain.Movement{}, domain.NewError(domain.CodeValidation, "quantity must be positive, got %d", req.Quantity)
	}
	switch req.Type {
	case domain.MovementReceipt, domain.MovementDispatch, domain.MovementTransfer,
		domain.MovementAdjustmentIn, domain.MovementAdjustmentOut, domain.MovementPick:
	default:
		return domain.Movement{}, domain.NewError(domain.CodeValidation, "unknown movement type %q", req.Type)
	}
	if req.Type.RequiresDestination() && req.ToLocation == "" {
		return domain.Movement{}, domain.NewError(domain.CodeValidation, "%s requires a to location", req.Type)
	}
	if req.Type.RequiresDistinctLocations() && req.FromLocation == req.ToLocation {
		return domain.Movement{}, domain.NewError(domain.CodeValidation, "from and to locations must differ for %s", req.Type)
	}
	m := domain.Movement{
		MovementID:     req.MovementID,
		WarehouseID:    req.WarehouseID,
		SKU:            req.SKU,
		Quantity:       req.Quantity,
		FromLocation:   req.FromLocation,
		ToLocation:     req.ToLocation,
		Type:           req.Type,
		OperatorID:     req.OperatorID,
		HandlingUnitID: req.HandlingUnitID,
		Reason:         req.Reason,
		SchemaVersion:  domain.MovementSchemaVersion,
		OccurredAt:     now.UTC(),
	}
	if m.ValidatedLocation() == "" {
		return domain.Movement{}, domain.NewError(domain.CodeValidation, "%s requires a %s location", req.Type, validatedSide(req.Type))
	}
	if !req.Type.Inbound() && a.Balance < req.Quantity {
		return domain.Movement{}, domain.NewError(domain.CodeInsufficientBalance,
			"balance %d at %s/%s for %s is less than requested %d",
			a.Balance, a.WarehouseID, a.Location, a.SKU, req.Quantity)
	}
	return m, nil
}

func validatedSide(t domain.MovementType) string {
	if t.Inbound() {
		return "to"
	}
	return "from"
}
