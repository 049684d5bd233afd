// Package handling implements handling-unit commands: containers whose
// contents derive from the movement events that reference them plus
// explicit split and merge events.
package handling

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
)

// Event types on a handling-unit stream.
const (
	EventCreated = "hu.created"
	EventSealed  = "hu.sealed"
	EventSplit   = "hu.split"
	EventMerged  = "hu.merged"
)

// StreamID builds the stream key for a handling unit.
func StreamID(huID string) string { return "hu:" + huID }

// CreatedPayload opens a handling unit at a location.
type CreatedPayload struct {
	HUID       string    `json:"hu_id"`
	LPN        string    `json:"lpn"`
	Type       string    `json:"type"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SealedPayload freezes the unit's contents. Line-mutating events recorded
// after this are ignored at fold time.
type SealedPayload struct {
	HUID       string    `json:"hu_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SplitPayload moves lines from the unit onto a new unit. The single event
// carries both identities so folds touch both rows without lookups.
type SplitPayload struct {
	HUID       string                    `json:"hu_id"`
	NewHUID    string                    `json:"new_hu_id"`
	Location   string                    `json:"location"`
	Lines      []domain.HandlingUnitLine `json:"lines"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

// MergedPayload folds another unit's lines into this one and empties it.
type MergedPayload struct {
	HUID       string                    `json:"hu_id"`
	FromHUID   string                    `json:"from_hu_id"`
	Lines      []domain.HandlingUnitLine `json:"lines"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

// Aggregate is the stream-local handling unit state: lifecycle status and
// identity. Content lines live in the read model because they also derive
// from movement events on ledger streams.
type Aggregate struct {
	HUID    string
	LPN     string
	Type    string
	Status  domain.HandlingUnitStatus
	Version int64
}

// Replay folds a handling-unit stream.
func Replay(huID string, events []eventstore.StoredEvent) (Aggregate, error) {
	a := Aggregate{HUID: huID}
	for _, e := range events {
		switch e.Type {
		case EventCreated:
			var p CreatedPayload
			if err := e.Decode(&p); err != nil {
				return Aggregate{}, err
			}
			a.HUID = p.HUID
			a.LPN = p.LPN
			a.Type = p.Type
			a.Status = domain.HUOpen
		case EventSealed:
			a.Status = domain.HUSealed
		}
		a.Version = e.StreamSeq
	}
	return a, nil
}

// Exists reports whether the unit has been created.
func (a Aggregate) Exists() bool { return a.Status != "" }

// Service executes handling-unit commands: load, validate, append with
// expected version.
type Service struct {
	DB    *sql.DB
	Store *eventstore.Store
	Log   zerolog.Logger
	Now   func() time.Time
}

func NewService(db *sql.DB, store *eventstore.Store, log zerolog.Logger) *Service {
	return &Service{DB: db, Store: store, Log: log, Now: time.Now}
}

func (s *Service) load(ctx context.Context, huID string) (Aggregate, error) {
	events, _, err := s.Store.Load(ctx, StreamID(huID))
	if err != nil {
		return Aggregate{}, err
	}
	return Replay(huID, events)
}

func (s *Service) append(ctx context.Context, huID string, expectedVersion int64, event eventstore.Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Store.Append(ctx, tx, StreamID(huID), expectedVersion, event); err != nil {
		return err
	}
	return tx.Commit()
}

// Create opens a new handling unit.
func (s *Service) Create(ctx context.Context, huID, lpn, huType, location string) (string, error) {
	if huID == "" {
		huID = uuid.New().String()
	}
	if location == "" {
		return "", domain.NewError(domain.CodeValidation, "handling unit requires a location")
	}
	payload := CreatedPayload{HUID: huID, LPN: lpn, Type: huType, Location: location, OccurredAt: s.Now().UTC()}
	err := s.append(ctx, huID, eventstore.VersionNoStream, eventstore.Event{Type: EventCreated, Payload: payload})
	if err != nil {
		return "", err
	}
	s.Log.Info().Str("hu_id", huID).Str("lpn", lpn).Msg("handling unit created")
	return huID, nil
}

// Seal freezes the unit's contents.
func (s *Service) Seal(ctx context.Context, huID string) error {
	a, err := s.load(ctx, huID)
	if err != nil {
		return err
	}
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status == domain.HUSealed {
		return domain.NewError(domain.CodeValidation, "handling unit %s is already sealed", huID)
	}
	payload := SealedPayload{HUID: huID, OccurredAt: s.Now().UTC()}
	return s.append(ctx, huID, a.Version, eventstore.Event{Type: EventSealed, Payload: payload})
}

// Split moves lines onto a fresh unit at the same location. Rejected on a
// sealed source; the projection also skips split events on sealed rows.
func (s *Service) Split(ctx context.Context, huID, location string, lines []domain.HandlingUnitLine) (string, error) {
	if len(lines) == 0 {
		return "", domain.NewError(domain.CodeValidation, "split requires at least one line")
	}
	for i, l := range lines {
		if l.Qty <= 0 {
			return "", domain.NewError(domain.CodeValidation, "split line %d: quantity must be positive", i)
		}
	}
	a, err := s.load(ctx, huID)
	if err != nil {
		return "", err
	}
	if !a.Exists() {
		return "", domain.ErrNotFound
	}
	if a.Status == domain.HUSealed {
		return "", domain.NewError(domain.CodeValidation, "handling unit %s is sealed", huID)
	}
	newID := uuid.New().String()
	payload := SplitPayload{HUID: huID, NewHUID: newID, Location: location, Lines: lines, OccurredAt: s.Now().UTC()}
	if err := s.append(ctx, huID, a.Version, eventstore.Event{Type: EventSplit, Payload: payload}); err != nil {
		return "", err
	}
	s.Log.Info().Str("hu_id", huID).Str("new_hu_id", newID).Msg("handling unit split")
	return newID, nil
}

// Merge folds another unit's lines into this one.
func (s *Service) Merge(ctx context.Context, huID, fromHUID string, lines []domain.HandlingUnitLine) error {
	a, err := s.load(ctx, huID)
	if err != nil {
		return err
	}
	if !a.Exists() {
		return domain.ErrNotFound
	}
	if a.Status == domain.HUSealed {
		return domain.NewError(domain.CodeValidation, "handling unit %s is sealed", huID)
	}
	from, err := s.load(ctx, fromHUID)
	if err != nil {
		return err
	}
	if !from.Exists() {
		return domain.ErrNotFound
	}
	if from.Status == domain.HUSealed {
		return domain.NewError(domain.CodeValidation, "handling unit %s is sealed", fromHUID)
	}
	payload := MergedPayload{HUID: huID, FromHUID: fromHUID, Lines: lines, OccurredAt: s.Now().UTC()}
	if err := s.append(ctx, huID, a.Version, eventstore.Event{Type: EventMerged, Payload: payload}); err != nil {
		return err
	}
	s.Log.Info().Str("hu_id", huID).Str("from_hu_id", fromHUID).Msg("handling units merged")
	return nil
}
