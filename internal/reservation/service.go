package reservation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
)

// InlineProjector applies a read-model update in the same transaction as the
// event that caused it. The active-hard-lock view is delivered this way
// because conflict detection must be atomic with lock acquisition and
// release.
type InlineProjector interface {
	ApplyInline(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error
}

// Service executes reservation commands: load, validate on the aggregate,
// append with expected version, refresh the snapshot row, all in one
// transaction.
type Service struct {
	DB     *sql.DB
	Store  *eventstore.Store
	Repo   Repo
	Inline InlineProjector
	Log    zerolog.Logger
	Now    func() time.Time
}

func NewService(db *sql.DB, store *eventstore.Store, inline InlineProjector, log zerolog.Logger) *Service {
	return &Service{
		DB:     db,
		Store:  store,
		Repo:   Repo{DB: db},
		Inline: inline,
		Log:    log,
		Now:    time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// LoadAggregate rehydrates a reservation from its stream.
func (s *Service) LoadAggregate(ctx context.Context, id string) (Aggregate, error) {
	events, _, err := s.Store.Load(ctx, domain.ReservationStreamID(id))
	if err != nil {
		return Aggregate{}, err
	}
	return Replay(id, events)
}

// Create opens a new reservation in PENDING with a SOFT claim.
func (s *Service) Create(ctx context.Context, id string, priority int, lines []domain.ReservationLine) (domain.Reservation, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if len(lines) == 0 {
		return domain.Reservation{}, domain.NewError(domain.CodeValidation, "reservation requires at least one line")
	}
	for i, l := range lines {
		if l.RequestedQty <= 0 {
			return domain.Reservation{}, domain.NewError(domain.CodeValidation, "line %d: requested quantity must be positive", i)
		}
		if l.SKU == "" || l.Location == "" || l.WarehouseID == "" {
			return domain.Reservation{}, domain.NewError(domain.CodeValidation, "line %d: sku, location and warehouse are required", i)
		}
	}
	now := s.now().UTC()
	payload := CreatedPayload{ReservationID: id, Priority: priority, Lines: lines, OccurredAt: now}
	agg := Aggregate{ID: id, Status: domain.ReservationPending, LockType: domain.LockSoft, Priority: priority, Lines: lines}
	err := s.commit(ctx, agg, eventstore.VersionNoStream, eventstore.Event{Type: EventCreated, Payload: payload})
	if errors.Is(err, eventstore.ErrConcurrency) {
		return domain.Reservation{}, domain.NewError(domain.CodeConcurrency, "reservation %s already exists", id)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	s.Log.Info().Str("reservation_id", id).Int("lines", len(lines)).Msg("reservation created")
	return agg.Snapshot(), nil
}

// Allocate moves PENDING -> ALLOCATED, granting each line its requested
// quantity as a soft allocation. Soft locks permit overbooking: availability
// is not checked or reduced here.
func (s *Service) Allocate(ctx context.Context, id string) (domain.Reservation, error) {
	agg, err := s.LoadAggregate(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := agg.ValidateCanAllocate(); err != nil {
		return domain.Reservation{}, err
	}
	lines := make([]domain.ReservationLine, len(agg.Lines))
	copy(lines, agg.Lines)
	for i := range lines {
		lines[i].AllocatedQty = lines[i].RequestedQty
	}
	now := s.now().UTC()
	payload := AllocatedPayload{ReservationID: id, Lines: lines, OccurredAt: now}
	next := agg
	next.Status = domain.ReservationAllocated
	next.Lines = lines
	if err := s.commit(ctx, next, agg.Version, eventstore.Event{Type: EventAllocated, Payload: payload}); err != nil {
		return domain.Reservation{}, err
	}
	s.Log.Info().Str("reservation_id", id).Msg("reservation allocated")
	return next.Snapshot(), nil
}

// StartPicking moves ALLOCATED(SOFT) -> PICKING(HARD). The emitted event
// carries the hard-lock lines so the inline hard-lock projection and any
// later replay are self-contained.
func (s *Service) StartPicking(ctx context.Context, id string) (domain.Reservation, error) {
	agg, err := s.LoadAggregate(ctx, id)
	if err != nil {
		return domain.Reservation{}, err
	}
	if err := agg.ValidateCanStartPicking(); err != nil {
		return domain.Reservation{}, err
	}
	now := s.now().UTC()
	payload := PickingStartedPayload{ReservationID: id, Lines: agg.HardLockLines(), OccurredAt: now}
	next := agg
	next.Status = domain.ReservationPicking
	next.LockType = domain.LockHard
	if err := s.commit(ctx, next, agg.Version, eventstore.Event{Type: EventPickingStarted, Payload: payload}); err != nil {
		return domain.Reservation{}, err
	}
	s.Log.Info().Str("reservation_id", id).Msg("picking started, hard lock taken")
	return next.Snapshot(), nil
}

// ConsumeAt appends the Consumed event against a previously observed
// version. A mismatch means someone touched the stream since the caller
// loaded it and surfaces as a concurrency conflict for the caller to defer.
func (s *Service) ConsumeAt(ctx context.Context, agg Aggregate, movementID string) error {
	if err := agg.ValidateCanConsume(); err != nil {
		return err
	}
	now := s.now().UTC()
	payload := ReleasedPayload{
		ReservationID: agg.ID,
		LockType:      agg.LockType,
		Lines:         agg.HardLockLines(),
		MovementID:    movementID,
		OccurredAt:    now,
	}
	next := agg
	next.Status = domain.ReservationConsumed
	if err := s.commit(ctx, next, agg.Version, eventstore.Event{Type: EventConsumed, Payload: payload}); err != nil {
		return err
	}
	s.Log.Info().Str("reservation_id", agg.ID).Str("movement_id", movementID).Msg("reservation consumed")
	return nil
}

// Consume reloads the reservation and consumes it at its current version.
func (s *Service) Consume(ctx context.Context, id, movementID string) error {
	agg, err := s.LoadAggregate(ctx, id)
	if err != nil {
		return err
	}
	return s.ConsumeAt(ctx, agg, movementID)
}

// Cancel moves PICKING -> CANCELLED, releasing the hard lock.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	agg, err := s.LoadAggregate(ctx, id)
	if err != nil {
		return err
	}
	if err := agg.ValidateCanCancel(); err != nil {
		return err
	}
	now := s.now().UTC()
	payload := ReleasedPayload{
		ReservationID: id,
		LockType:      agg.LockType,
		Lines:         agg.HardLockLines(),
		Reason:        reason,
		OccurredAt:    now,
	}
	next := agg
	next.Status = domain.ReservationCancelled
	if err := s.commit(ctx, next, agg.Version, eventstore.Event{Type: EventCancelled, Payload: payload}); err != nil {
		return err
	}
	s.Log.Info().Str("reservation_id", id).Str("reason", reason).Msg("reservation cancelled")
	return nil
}

// Bump displaces a non-terminal reservation in favor of another one.
func (s *Service) Bump(ctx context.Context, id, bumpedBy string) error {
	agg, err := s.LoadAggregate(ctx, id)
	if err != nil {
		return err
	}
	if err := agg.ValidateCanBump(); err != nil {
		return err
	}
	now := s.now().UTC()
	payload := ReleasedPayload{
		ReservationID: id,
		LockType:      agg.LockType,
		Lines:         agg.HardLockLines(),
		BumpedBy:      bumpedBy,
		OccurredAt:    now,
	}
	next := agg
	next.Status = domain.ReservationBumped
	if err := s.commit(ctx, next, agg.Version, eventstore.Event{Type: EventBumped, Payload: payload}); err != nil {
		return err
	}
	s.Log.Info().Str("reservation_id", id).Str("bumped_by", bumpedBy).Msg("reservation bumped")
	return nil
}

// commit appends the event, refreshes the snapshot row, and applies the
// inline projection atomically.
func (s *Service) commit(ctx context.Context, next Aggregate, expectedVersion int64, event eventstore.Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	streamID := domain.ReservationStreamID(next.ID)
	if err := s.Store.Append(ctx, tx, streamID, expectedVersion, event); err != nil {
		return err
	}
	now := s.now().UTC()
	snap := next.Snapshot()
	snap.UpdatedAt = now
	if err := s.Repo.Upsert(ctx, tx, snap, now); err != nil {
		return err
	}
	if s.Inline != nil {
		payload, err := marshalPayload(event)
		if err != nil {
			return err
		}
		stored := eventstore.StoredEvent{
			StreamID:      streamID,
			StreamSeq:     expectedVersion + 1,
			Type:          event.Type,
			SchemaVersion: 1,
			Payload:       payload,
			RecordedAt:    now,
		}
		if err := s.Inline.ApplyInline(ctx, tx, stored); err != nil {
			return fmt.Errorf("inline projection for %s: %w", event.Type, err)
		}
	}
	return tx.Commit()
}

func marshalPayload(event eventstore.Event) ([]byte, error) {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.Type, err)
	}
	return data, nil
}
