package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/handling"
	"stockline/internal/ledger"
)

// HandlingUnitsName is the registered name of the handling-unit view.
const HandlingUnitsName = "handling_units"

// HandlingUnits folds handling-unit lifecycle events plus the movement
// events that reference a unit. Line mutations against a SEALED unit are
// dropped at fold time even if one slipped past command validation.
type HandlingUnits struct {
	Table string
}

func NewHandlingUnits() *HandlingUnits {
	return &HandlingUnits{Table: HandlingUnitsName}
}

func (h *HandlingUnits) Name() string { return HandlingUnitsName }

func (h *HandlingUnits) Apply(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	switch e.Type {
	case handling.EventCreated:
		var p handling.CreatedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return h.insert(ctx, tx, domain.HandlingUnit{
			HUID:            p.HUID,
			LPN:             p.LPN,
			Type:            p.Type,
			Status:          domain.HUOpen,
			CurrentLocation: p.Location,
			Lines:           []domain.HandlingUnitLine{},
		}, e.RecordedAt)
	case handling.EventSealed:
		var p handling.SealedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		hu, ok, err := h.get(ctx, tx, p.HUID)
		if err != nil || !ok {
			return err
		}
		hu.Status = domain.HUSealed
		return h.save(ctx, tx, hu, e.RecordedAt)
	case handling.EventSplit:
		return h.applySplit(ctx, tx, e)
	case handling.EventMerged:
		return h.applyMerge(ctx, tx, e)
	case ledger.EventStockMoved:
		return h.applyMovement(ctx, tx, e)
	}
	return nil
}

func (h *HandlingUnits) applySplit(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	var p handling.SplitPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	src, ok, err := h.get(ctx, tx, p.HUID)
	if err != nil || !ok {
		return err
	}
	if src.Status == domain.HUSealed {
		return nil
	}
	for _, l := range p.Lines {
		src.Lines = addLine(src.Lines, l.SKU, -l.Qty)
	}
	if err := h.save(ctx, tx, src, e.RecordedAt); err != nil {
		return err
	}
	return h.insert(ctx, tx, domain.HandlingUnit{
		HUID:            p.NewHUID,
		Type:            src.Type,
		Status:          domain.HUOpen,
		CurrentLocation: p.Location,
		Lines:           p.Lines,
	}, e.RecordedAt)
}

func (h *HandlingUnits) applyMerge(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	var p handling.MergedPayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	dst, ok, err := h.get(ctx, tx, p.HUID)
	if err != nil || !ok {
		return err
	}
	if dst.Status == domain.HUSealed {
		return nil
	}
	for _, l := range p.Lines {
		dst.Lines = addLine(dst.Lines, l.SKU, l.Qty)
	}
	if err := h.save(ctx, tx, dst, e.RecordedAt); err != nil {
		return err
	}
	src, ok, err := h.get(ctx, tx, p.FromHUID)
	if err != nil || !ok {
		return err
	}
	if src.Status == domain.HUSealed {
		return nil
	}
	src.Lines = []domain.HandlingUnitLine{}
	src.Status = domain.HUEmpty
	return h.save(ctx, tx, src, e.RecordedAt)
}

func (h *HandlingUnits) applyMovement(ctx context.Context, tx *sql.Tx, e eventstore.StoredEvent) error {
	var m domain.Movement
	if err := e.Decode(&m); err != nil {
		return err
	}
	if m.HandlingUnitID == "" {
		return nil
	}
	// Transfers land on two streams; fold the unit only from the
	// validated stream's copy so it counts once.
	_, location, _, ok := ParseLedgerStream(e.StreamID)
	if !ok || location != m.ValidatedLocation() {
		return nil
	}
	hu, ok, err := h.get(ctx, tx, m.HandlingUnitID)
	if err != nil || !ok {
		return err
	}
	if m.Type == domain.MovementTransfer {
		hu.CurrentLocation = m.ToLocation
		return h.save(ctx, tx, hu, e.RecordedAt)
	}
	if hu.Status == domain.HUSealed {
		return nil
	}
	if m.Type.Inbound() {
		hu.Lines = addLine(hu.Lines, m.SKU, m.Quantity)
		hu.CurrentLocation = m.ToLocation
	} else {
		hu.Lines = addLine(hu.Lines, m.SKU, -m.Quantity)
		if len(hu.Lines) == 0 {
			if m.Type == domain.MovementPick {
				hu.Status = domain.HUPicked
			} else {
				hu.Status = domain.HUEmpty
			}
		}
	}
	return h.save(ctx, tx, hu, e.RecordedAt)
}

// addLine merges a signed quantity into the line set, dropping lines that
// reach zero and clamping at zero below it.
func addLine(lines []domain.HandlingUnitLine, sku string, delta int64) []domain.HandlingUnitLine {
	for i, l := range lines {
		if l.SKU != sku {
			continue
		}
		next := l.Qty + delta
		if next <= 0 {
			return append(lines[:i], lines[i+1:]...)
		}
		lines[i].Qty = next
		return lines
	}
	if delta > 0 {
		lines = append(lines, domain.HandlingUnitLine{SKU: sku, Qty: delta})
	}
	return lines
}

func (h *HandlingUnits) get(ctx context.Context, tx *sql.Tx, huID string) (domain.HandlingUnit, bool, error) {
	var (
		hu        domain.HandlingUnit
		linesJSON string
		updatedAt string
	)
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT hu_id, lpn, type, status, current_location, lines_json, updated_at
		FROM %s WHERE hu_id=?`, h.Table), huID).
		Scan(&hu.HUID, &hu.LPN, &hu.Type, &hu.Status, &hu.CurrentLocation, &linesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.HandlingUnit{}, false, nil
	}
	if err != nil {
		return domain.HandlingUnit{}, false, fmt.Errorf("load handling unit %s: %w", huID, err)
	}
	if err := json.Unmarshal([]byte(linesJSON), &hu.Lines); err != nil {
		return domain.HandlingUnit{}, false, fmt.Errorf("decode handling unit %s lines: %w", huID, err)
	}
	return hu, true, nil
}

func (h *HandlingUnits) insert(ctx context.Context, tx *sql.Tx, hu domain.HandlingUnit, at time.Time) error {
	lines, err := json.Marshal(hu.Lines)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(hu_id, lpn, type, status, current_location, lines_json, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(hu_id) DO NOTHING`, h.Table),
		hu.HUID, hu.LPN, hu.Type, string(hu.Status), hu.CurrentLocation, string(lines),
		at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert handling unit %s: %w", hu.HUID, err)
	}
	return nil
}

func (h *HandlingUnits) save(ctx context.Context, tx *sql.Tx, hu domain.HandlingUnit, at time.Time) error {
	lines, err := json.Marshal(hu.Lines)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lpn=?, type=?, status=?, current_location=?, lines_json=?, updated_at=?
		WHERE hu_id=?`, h.Table),
		hu.LPN, hu.Type, string(hu.Status), hu.CurrentLocation, string(lines),
		at.UTC().Format(time.RFC3339Nano), hu.HUID)
	if err != nil {
		return fmt.Errorf("save handling unit %s: %w", hu.HUID, err)
	}
	return nil
}

// HandlingUnitQueries reads the live handling-unit view.
type HandlingUnitQueries struct {
	DB *sql.DB
}

func (q HandlingUnitQueries) Get(ctx context.Context, huID string) (domain.HandlingUnit, error) {
	var (
		hu        domain.HandlingUnit
		linesJSON string
		updatedAt string
	)
	err := q.DB.QueryRowContext(ctx, `
		SELECT hu_id, lpn, type, status, current_location, lines_json, updated_at
		FROM handling_units WHERE hu_id=?`, huID).
		Scan(&hu.HUID, &hu.LPN, &hu.Type, &hu.Status, &hu.CurrentLocation, &linesJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return domain.HandlingUnit{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.HandlingUnit{}, fmt.Errorf("get handling unit %s: %w", huID, err)
	}
	if err := json.Unmarshal([]byte(linesJSON), &hu.Lines); err != nil {
		return domain.HandlingUnit{}, fmt.Errorf("decode handling unit %s lines: %w", huID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.HandlingUnit{}, fmt.Errorf("parse handling unit updated_at: %w", err)
	}
	hu.UpdatedAt = ts
	return hu, nil
}

func (q HandlingUnitQueries) List(ctx context.Context, location string) ([]domain.HandlingUnit, error) {
	query := `SELECT hu_id, lpn, type, status, current_location, lines_json, updated_at FROM handling_units`
	args := []any{}
	if location != "" {
		query += ` WHERE current_location=?`
		args = append(args, location)
	}
	query += ` ORDER BY hu_id`
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list handling units: %w", err)
	}
	defer rows.Close()
	var out []domain.HandlingUnit
	for rows.Next() {
		var (
			hu        domain.HandlingUnit
			linesJSON string
			updatedAt string
		)
		if err := rows.Scan(&hu.HUID, &hu.LPN, &hu.Type, &hu.Status, &hu.CurrentLocation, &linesJSON, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(linesJSON), &hu.Lines); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			hu.UpdatedAt = ts
		}
		out = append(out, hu)
	}
	return out, rows.Err()
}
