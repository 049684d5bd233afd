package domain

import (
	"fmt"
	"time"
)

// MovementType classifies a physical stock movement.
type MovementType string

const (
	MovementReceipt       MovementType = "RECEIPT"
	MovementDispatch      MovementType = "DISPATCH"
	MovementTransfer      MovementType = "TRANSFER"
	MovementAdjustmentIn  MovementType = "ADJUSTMENT_IN"
	MovementAdjustmentOut MovementType = "ADJUSTMENT_OUT"
	MovementPick          MovementType = "PICK"
)

// MovementSchemaVersion is the current movement event payload shape.
const MovementSchemaVersion = 2

// ConsumptionLocation is the virtual location picked stock is moved into.
// It never accumulates a validated balance of its own.
const ConsumptionLocation = "CONSUMED"

// Movement is the immutable payload of a stock movement event.
type Movement struct {
	MovementID     string       `json:"movement_id"`
	WarehouseID    string       `json:"warehouse_id"`
	SKU            string       `json:"sku"`
	Quantity       int64        `json:"quantity"`
	FromLocation   string       `json:"from_location,omitempty"`
	ToLocation     string       `json:"to_location,omitempty"`
	Type           MovementType `json:"type"`
	OperatorID     string       `json:"operator_id"`
	HandlingUnitID string       `json:"handling_unit_id,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	SchemaVersion  int          `json:"schema_version"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// Inbound reports whether the movement adds stock at its keyed location.
func (t MovementType) Inbound() bool {
	return t == MovementReceipt || t == MovementAdjustmentIn
}

// RequiresDistinctLocations reports whether from and to must differ.
func (t MovementType) RequiresDistinctLocations() bool {
	return t == MovementTransfer || t == MovementDispatch || t == MovementPick
}

// RequiresDestination reports whether the movement must name a to location.
// Transfers and picks land the stock somewhere; dispatches leave the building.
func (t MovementType) RequiresDestination() bool {
	return t == MovementTransfer || t == MovementPick
}

// ValidatedLocation returns the location whose balance the movement is checked
// against: toLocation for inbound types, fromLocation otherwise.
func (m Movement) ValidatedLocation() string {
	if m.Type.Inbound() {
		return m.ToLocation
	}
	return m.FromLocation
}

// StreamID derives the deterministic ledger stream key for a movement.
func (m Movement) StreamID() string {
	return LedgerStreamID(m.WarehouseID, m.ValidatedLocation(), m.SKU)
}

// LedgerStreamID builds the stream key for one (warehouse, location, sku).
func LedgerStreamID(warehouseID, location, sku string) string {
	return fmt.Sprintf("ledger:%s:%s:%s", warehouseID, location, sku)
}

// ReservationStreamID builds the stream key for a reservation aggregate.
func ReservationStreamID(reservationID string) string {
	return "reservation:" + reservationID
}

// ReservationStatus is a state of the reservation state machine.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationAllocated ReservationStatus = "ALLOCATED"
	ReservationPicking   ReservationStatus = "PICKING"
	ReservationConsumed  ReservationStatus = "CONSUMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationBumped    ReservationStatus = "BUMPED"
)

// Terminal reports whether no further transitions are legal.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationConsumed || s == ReservationCancelled || s == ReservationBumped
}

// LockType is the claim strength a reservation holds on stock.
type LockType string

const (
	LockSoft LockType = "SOFT"
	LockHard LockType = "HARD"
)

// ReservationLine is one (sku, location) demand within a reservation.
type ReservationLine struct {
	SKU                      string   `json:"sku"`
	RequestedQty             int64    `json:"requested_qty"`
	AllocatedQty             int64    `json:"allocated_qty"`
	Location                 string   `json:"location"`
	WarehouseID              string   `json:"warehouse_id"`
	AllocatedHandlingUnitIDs []string `json:"allocated_handling_unit_ids,omitempty"`
}

// Reservation is the snapshot view of a reservation aggregate.
type Reservation struct {
	ID        string            `json:"id"`
	Status    ReservationStatus `json:"status"`
	LockType  LockType          `json:"lock_type"`
	Priority  int               `json:"priority"`
	Lines     []ReservationLine `json:"lines"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// HandlingUnitStatus is a lifecycle state of a handling unit.
type HandlingUnitStatus string

const (
	HUOpen   HandlingUnitStatus = "OPEN"
	HUSealed HandlingUnitStatus = "SEALED"
	HUPicked HandlingUnitStatus = "PICKED"
	HUEmpty  HandlingUnitStatus = "EMPTY"
)

// HandlingUnitLine is one sku quantity inside a handling unit.
type HandlingUnitLine struct {
	SKU string `json:"sku"`
	Qty int64  `json:"qty"`
}

// HandlingUnit is the read-model row for a physical container.
type HandlingUnit struct {
	HUID            string             `json:"hu_id"`
	LPN             string             `json:"lpn"`
	Type            string             `json:"type"`
	Status          HandlingUnitStatus `json:"status"`
	CurrentLocation string             `json:"current_location"`
	Lines           []HandlingUnitLine `json:"lines"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// AvailableStock is the derived availability row for one (warehouse, location, sku).
type AvailableStock struct {
	WarehouseID   string    `json:"warehouse_id"`
	Location      string    `json:"location"`
	SKU           string    `json:"sku"`
	OnHandQty     int64     `json:"on_hand_qty"`
	HardLockedQty int64     `json:"hard_locked_qty"`
	AvailableQty  int64     `json:"available_qty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// LocationBalance is the derived on-hand row for one (warehouse, location, sku).
type LocationBalance struct {
	WarehouseID string    `json:"warehouse_id"`
	Location    string    `json:"location"`
	SKU         string    `json:"sku"`
	Balance     int64     `json:"balance"`
	LastUpdated time.Time `json:"last_updated"`
}

// HardLock is one active exclusive claim row.
type HardLock struct {
	ReservationID string    `json:"reservation_id"`
	WarehouseID   string    `json:"warehouse_id"`
	Location      string    `json:"location"`
	SKU           string    `json:"sku"`
	Qty           int64     `json:"qty"`
	CreatedAt     time.Time `json:"created_at"`
}
