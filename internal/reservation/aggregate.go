package reservation

import (
	"stockline/internal/domain"
	"stockline/internal/eventstore"
)

// Aggregate is the rehydrated reservation state. All transition legality
// lives here; cross-stream balance and conflict checks belong to the
// orchestrator because they need reads outside this stream.
type Aggregate struct {
	ID       string
	Status   domain.ReservationStatus
	LockType domain.LockType
	Priority int
	Lines    []domain.ReservationLine
	Version  int64
}

// Replay folds a reservation stream into aggregate state.
func Replay(id string, events []eventstore.StoredEvent) (Aggregate, error) {
	a := Aggregate{ID: id}
	for _, e := range events {
		if err := a.apply(e); err != nil {
			return Aggregate{}, err
		}
		a.Version = e.StreamSeq
	}
	return a, nil
}

func (a *Aggregate) apply(e eventstore.StoredEvent) error {
	switch e.Type {
	case EventCreated:
		var p CreatedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		a.ID = p.ReservationID
		a.Status = domain.ReservationPending
		a.LockType = domain.LockSoft
		a.Priority = p.Priority
		a.Lines = p.Lines
	case EventAllocated:
		var p AllocatedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		a.Status = domain.ReservationAllocated
		a.Lines = p.Lines
	case EventPickingStarted:
		a.Status = domain.ReservationPicking
		a.LockType = domain.LockHard
	case EventConsumed:
		a.Status = domain.ReservationConsumed
	case EventCancelled:
		a.Status = domain.ReservationCancelled
	case EventBumped:
		a.Status = domain.ReservationBumped
	}
	return nil
}

// Exists reports whether the stream has a created reservation.
func (a Aggregate) Exists() bool { return a.Status != "" }

// Snapshot converts the aggregate into its read-model representation.
func (a Aggregate) Snapshot() domain.Reservation {
	return domain.Reservation{
		ID:       a.ID,
		Status:   a.Status,
		LockType: a.LockType,
		Priority: a.Priority,
		Lines:    a.Lines,
	}
}

// ValidateCanAllocate checks the PENDING -> ALLOCATED transition.
func (a Aggregate) ValidateCanAllocate() error {
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status != domain.ReservationPending {
		return domain.NewError(domain.CodeValidation, "reservation %s is %s, allocation requires PENDING", a.ID, a.Status)
	}
	return nil
}

// ValidateCanStartPicking checks the ALLOCATED(SOFT) -> PICKING(HARD)
// transition.
func (a Aggregate) ValidateCanStartPicking() error {
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status != domain.ReservationAllocated {
		return domain.NewError(domain.CodeNotAllocated, "reservation %s is %s", a.ID, a.Status)
	}
	if a.LockType != domain.LockSoft {
		return domain.NewError(domain.CodeHardLockConflict, "reservation %s already holds a %s lock", a.ID, a.LockType)
	}
	if len(a.Lines) == 0 {
		return domain.NewError(domain.CodeValidation, "reservation %s has no lines", a.ID)
	}
	return nil
}

// ValidateCanConsume checks the PICKING -> CONSUMED transition.
func (a Aggregate) ValidateCanConsume() error {
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status != domain.ReservationPicking {
		return domain.NewError(domain.CodeNotPicking, "reservation %s is %s", a.ID, a.Status)
	}
	return nil
}

// ValidateCanCancel checks the PICKING -> CANCELLED transition.
func (a Aggregate) ValidateCanCancel() error {
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status != domain.ReservationPicking {
		return domain.NewError(domain.CodeValidation, "reservation %s is %s, cancel requires PICKING", a.ID, a.Status)
	}
	return nil
}

// ValidateCanBump checks that the reservation is displaceable: any
// non-terminal state may be bumped.
func (a Aggregate) ValidateCanBump() error {
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status.Terminal() {
		return domain.NewError(domain.CodeValidation, "reservation %s is terminal (%s)", a.ID, a.Status)
	}
	return nil
}

// HardLockLines derives the exclusive-claim lines taken when picking
// starts, one per allocated line.
func (a Aggregate) HardLockLines() []HardLockLine {
	lines := make([]HardLockLine, 0, len(a.Lines))
	for _, l := range a.Lines {
		qty := l.AllocatedQty
		if qty == 0 {
			qty = l.RequestedQty
		}
		lines = append(lines, HardLockLine{
			WarehouseID: l.WarehouseID,
			Location:    l.Location,
			SKU:         l.SKU,
			Qty:         qty,
		})
	}
	return lines
}
