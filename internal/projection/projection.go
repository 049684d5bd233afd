// Package projection maintains the derived read views over the event feed:
// location balances, available stock, active hard locks, and handling
// units. Views are delivered inline (same transaction as the writing event)
// or asynchronously by the catch-up processor.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stockline/internal/eventstore"
)

// Projection folds events into one read view. The processor commits each
// batch and its checkpoint in one transaction, so Apply sees every event
// exactly once and may fold additively. Apply must derive every target row
// identity from the event and its stream metadata alone, never from other
// tables, so full replays stay deterministic.
type Projection interface {
	Name() string
	Apply(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error
}

// ParseLedgerStream splits a ledger stream id into its identity parts.
// Returns ok=false for non-ledger streams.
func ParseLedgerStream(streamID string) (warehouseID, location, sku string, ok bool) {
	parts := strings.SplitN(streamID, ":", 4)
	if len(parts) != 4 || parts[0] != "ledger" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}

// Processor runs one projection against the global feed with its own
// durable checkpoint. Each batch applies inside a single transaction with
// the checkpoint update, so a crash replays at most one batch.
type Processor struct {
	DB           *sql.DB
	Store        *eventstore.Store
	Log          zerolog.Logger
	BatchSize    int
	PollInterval time.Duration
}

func NewProcessor(db *sql.DB, store *eventstore.Store, log zerolog.Logger) *Processor {
	return &Processor{
		DB:           db,
		Store:        store,
		Log:          log,
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
	}
}

// Run processes batches until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, proj Projection) error {
	for {
		n, err := p.CatchUp(ctx, proj)
		if err != nil {
			return fmt.Errorf("projection %s: %w", proj.Name(), err)
		}
		if n == 0 {
			t := time.NewTimer(p.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

// CatchUp applies one batch and returns how many events were processed.
func (p *Processor) CatchUp(ctx context.Context, proj Projection) (int, error) {
	checkpoint, err := p.Checkpoint(ctx, proj.Name())
	if err != nil {
		return 0, err
	}
	events, err := p.Store.ReadFrom(ctx, checkpoint, p.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, e := range events {
		if err := proj.Apply(ctx, tx, e); err != nil {
			return 0, fmt.Errorf("apply event %d (%s): %w", e.GlobalSeq, e.Type, err)
		}
	}
	last := events[len(events)-1].GlobalSeq
	if err := p.updateCheckpoint(ctx, tx, proj.Name(), last); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	p.Log.Debug().Str("projection", proj.Name()).Int("events", len(events)).Int64("checkpoint", last).Msg("batch applied")
	return len(events), nil
}

// Drain catches up until the feed is exhausted. Used by tests and the CLI's
// one-shot mode.
func (p *Processor) Drain(ctx context.Context, projections ...Projection) error {
	for _, proj := range projections {
		for {
			n, err := p.CatchUp(ctx, proj)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

// Checkpoint returns the projection's last applied global sequence.
func (p *Processor) Checkpoint(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := p.DB.QueryRowContext(ctx,
		`SELECT last_global_seq FROM projection_checkpoints WHERE projection_name=?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return seq, nil
}

func (p *Processor) updateCheckpoint(ctx context.Context, tx *sql.Tx, name string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints(projection_name, last_global_seq, updated_at)
		VALUES (?,?,?)
		ON CONFLICT(projection_name) DO UPDATE SET
			last_global_seq=excluded.last_global_seq,
			updated_at=excluded.updated_at`,
		name, seq, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update checkpoint %s: %w", name, err)
	}
	return nil
}

// RunAll runs one processor goroutine per projection until ctx cancels or
// any projection fails; the first failure cancels the rest.
func RunAll(ctx context.Context, p *Processor, projections ...Projection) error {
	if len(projections) == 0 {
		return errors.New("no projections to run")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(projections))
	for _, proj := range projections {
		go func(proj Projection) {
			errCh <- p.Run(ctx, proj)
		}(proj)
	}
	for range projections {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			cancel()
			return err
		}
	}
	return ctx.Err()
}
