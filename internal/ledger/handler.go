package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/lock"
)

// Handler wraps the load -> validate -> append cycle in a bounded retry
// loop. Concurrency conflicts are transient and retried; domain-rule
// failures are not.
type Handler struct {
	DB    *sql.DB
	Store *eventstore.Store
	// Locks is optional. When set, balance-validating movements serialize
	// on their stream keys before entering the optimistic retry loop.
	Locks       *lock.Coordinator
	Log         zerolog.Logger
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

func NewHandler(db *sql.DB, store *eventstore.Store, locks *lock.Coordinator, log zerolog.Logger) *Handler {
	return &Handler{
		DB:          db,
		Store:       store,
		Locks:       locks,
		Log:         log,
		MaxAttempts: 3,
		Backoff:     100 * time.Millisecond,
		Now:         time.Now,
		Sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AffectedStreams returns every ledger stream the movement writes to, in
// sorted order. Transfers span two streams; all other types touch one. The
// virtual consumption location never gets a stream.
func AffectedStreams(req MovementRequest) []string {
	streams := []string{domain.LedgerStreamID(req.WarehouseID, validatedLocation(req), req.SKU)}
	if req.Type == domain.MovementTransfer {
		streams = append(streams, domain.LedgerStreamID(req.WarehouseID, req.ToLocation, req.SKU))
	}
	sort.Strings(streams)
	return streams
}

func validatedLocation(req MovementRequest) string {
	if req.Type.Inbound() {
		return req.ToLocation
	}
	return req.FromLocation
}

// RecordMovement validates and durably appends a stock movement. On a
// version conflict it reloads and retries with exponential backoff; after
// MaxAttempts total attempts it surfaces CONCURRENCY_CONFLICT. Domain
// failures return immediately with nothing appended.
func (h *Handler) RecordMovement(ctx context.Context, req MovementRequest) (domain.Movement, error) {
	if req.MovementID == "" {
		req.MovementID = uuid.New().String()
	}

	var scope *lock.Scope
	if h.Locks != nil && !req.Type.Inbound() {
		scope = h.Locks.Begin()
		defer scope.Close(ctx)
		if err := scope.Acquire(ctx, AffectedStreams(req)...); err != nil {
			return domain.Movement{}, fmt.Errorf("advisory lock: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < h.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := h.Backoff * (1 << attempt)
			if err := h.Sleep(ctx, backoff); err != nil {
				return domain.Movement{}, err
			}
		}
		m, err := h.attempt(ctx, req)
		if err == nil {
			if scope != nil {
				if err := scope.Commit(ctx); err != nil {
					h.Log.Warn().Err(err).Str("movement_id", m.MovementID).Msg("advisory lock release failed")
				}
			}
			h.Log.Info().
				Str("movement_id", m.MovementID).
				Str("type", string(m.Type)).
				Str("sku", m.SKU).
				Int64("qty", m.Quantity).
				Int("attempt", attempt+1).
				Msg("movement recorded")
			return m, nil
		}
		if !errors.Is(err, eventstore.ErrConcurrency) {
			return domain.Movement{}, err
		}
		lastErr = err
		h.Log.Warn().
			Str("movement_id", req.MovementID).
			Int("attempt", attempt+1).
			Msg("movement append conflicted, retrying")
	}
	return domain.Movement{}, domain.WrapError(domain.CodeConcurrency, lastErr)
}

func (h *Handler) attempt(ctx context.Context, req MovementRequest) (domain.Movement, error) {
	loc := validatedLocation(req)
	events, version, err := h.Store.Load(ctx, domain.LedgerStreamID(req.WarehouseID, loc, req.SKU))
	if err != nil {
		return domain.Movement{}, err
	}
	agg, err := Replay(req.WarehouseID, loc, req.SKU, events)
	if err != nil {
		return domain.Movement{}, err
	}
	if version != agg.Version {
		return domain.Movement{}, fmt.Errorf("stream %s: fold version %d != store version %d",
			domain.LedgerStreamID(req.WarehouseID, loc, req.SKU), agg.Version, version)
	}

	m, err := agg.RecordMovement(req, h.Now())
	if err != nil {
		return domain.Movement{}, err
	}

	var destVersion int64
	if req.Type == domain.MovementTransfer {
		destVersion, err = h.Store.CurrentVersion(ctx, domain.LedgerStreamID(req.WarehouseID, req.ToLocation, req.SKU))
		if err != nil {
			return domain.Movement{}, err
		}
	}

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Movement{}, err
	}
	defer tx.Rollback()

	event := eventstore.Event{Type: EventStockMoved, SchemaVersion: domain.MovementSchemaVersion, Payload: m}
	if err := h.Store.Append(ctx, tx, m.StreamID(), version, event); err != nil {
		return domain.Movement{}, err
	}
	if req.Type == domain.MovementTransfer {
		destStream := domain.LedgerStreamID(req.WarehouseID, req.ToLocation, req.SKU)
		if err := h.Store.Append(ctx, tx, destStream, destVersion, event); err != nil {
			return domain.Movement{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Movement{}, fmt.Errorf("commit movement %s: %w", m.MovementID, err)
	}
	return m, nil
}

// Balance folds the current balance for one (warehouse, location, sku)
// directly from the stream. Used by callers that need a read-your-writes
// view without waiting for the async projections.
func (h *Handler) Balance(ctx context.Context, warehouseID, location, sku string) (int64, error) {
	events, _, err := h.Store.Load(ctx, domain.LedgerStreamID(warehouseID, location, sku))
	if err != nil {
		return 0, err
	}
	agg, err := Replay(warehouseID, location, sku, events)
	if err != nil {
		return 0, err
	}
	return agg.Balance, nil
}
