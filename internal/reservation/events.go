// Package reservation implements the reservation aggregate: a state machine
// over SOFT and HARD stock claims rebuilt from its event stream.
package reservation

import (
	"time"

	"stockline/internal/domain"
)

// Event types on a reservation stream.
const (
	EventCreated        = "reservation.created"
	EventAllocated      = "reservation.allocated"
	EventPickingStarted = "reservation.picking_started"
	EventConsumed       = "reservation.consumed"
	EventCancelled      = "reservation.cancelled"
	EventBumped         = "reservation.bumped"
)

// CreatedPayload opens a reservation in PENDING with a SOFT claim.
type CreatedPayload struct {
	ReservationID string                   `json:"reservation_id"`
	Priority      int                      `json:"priority"`
	Lines         []domain.ReservationLine `json:"lines"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// AllocatedPayload records soft-lock allocation per line. Soft locks never
// reduce availability.
type AllocatedPayload struct {
	ReservationID string                   `json:"reservation_id"`
	Lines         []domain.ReservationLine `json:"lines"`
	OccurredAt    time.Time                `json:"occurred_at"`
}

// HardLockLine is one exclusive claim taken when picking starts. Projections
// fold these without consulting any other table, so the payload carries
// everything a hard-lock row needs.
type HardLockLine struct {
	WarehouseID string `json:"warehouse_id"`
	Location    string `json:"location"`
	SKU         string `json:"sku"`
	Qty         int64  `json:"qty"`
}

// PickingStartedPayload upgrades the claim from SOFT to HARD.
type PickingStartedPayload struct {
	ReservationID string         `json:"reservation_id"`
	Lines         []HardLockLine `json:"lines"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// ReleasedPayload is shared by the three terminal events. LockType and Lines
// describe the claim being released so downstream folds stay self-contained.
type ReleasedPayload struct {
	ReservationID string          `json:"reservation_id"`
	LockType      domain.LockType `json:"lock_type"`
	Lines         []HardLockLine  `json:"lines"`
	MovementID    string          `json:"movement_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	BumpedBy      string          `json:"bumped_by,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
