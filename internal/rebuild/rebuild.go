// Package rebuild replays the full event history into a shadow copy of a
// read-model table, checksums both copies, and promotes the shadow only
// when verification passes. Drift therefore never reaches callers through
// an unverified swap.
package rebuild

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockline/internal/domain"
	"stockline/internal/eventstore"
	"stockline/internal/lock"
	"stockline/internal/projection"
)

// definition is everything the service needs to rebuild one projection:
// the live table, DDL for a shadow copy, the identity order rows are
// checksummed in, and a constructor targeting an arbitrary table.
type definition struct {
	table    string
	ddl      string
	identity []string
	columns  []string
	build    func(table string) projection.Projection
}

var definitions = map[string]definition{
	projection.LocationBalancesName: {
		table: projection.LocationBalancesName,
		ddl: `CREATE TABLE %s (
			warehouse_id TEXT    NOT NULL,
			location     TEXT    NOT NULL,
			sku          TEXT    NOT NULL,
			balance      INTEGER NOT NULL DEFAULT 0,
			updated_at   TEXT    NOT NULL,
			PRIMARY KEY (warehouse_id, location, sku))`,
		identity: []string{"warehouse_id", "location", "sku"},
		columns:  []string{"warehouse_id", "location", "sku", "balance", "updated_at"},
		build: func(table string) projection.Projection {
			return &projection.LocationBalances{Table: table}
		},
	},
	projection.AvailableStockName: {
		table: projection.AvailableStockName,
		ddl: `CREATE TABLE %s (
			warehouse_id    TEXT    NOT NULL,
			location        TEXT    NOT NULL,
			sku             TEXT    NOT NULL,
			on_hand_qty     INTEGER NOT NULL DEFAULT 0,
			hard_locked_qty INTEGER NOT NULL DEFAULT 0,
			available_qty   INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT    NOT NULL,
			PRIMARY KEY (warehouse_id, location, sku))`,
		identity: []string{"warehouse_id", "location", "sku"},
		columns:  []string{"warehouse_id", "location", "sku", "on_hand_qty", "hard_locked_qty", "available_qty", "updated_at"},
		build: func(table string) projection.Projection {
			return &projection.AvailableStock{Table: table}
		},
	},
	projection.HardLocksName: {
		table: projection.HardLocksName,
		ddl: `CREATE TABLE %s (
			reservation_id TEXT    NOT NULL,
			warehouse_id   TEXT    NOT NULL,
			location       TEXT    NOT NULL,
			sku            TEXT    NOT NULL,
			qty            INTEGER NOT NULL,
			created_at     TEXT    NOT NULL,
			PRIMARY KEY (reservation_id, location, sku))`,
		identity: []string{"reservation_id", "location", "sku"},
		columns:  []string{"reservation_id", "warehouse_id", "location", "sku", "qty", "created_at"},
		build: func(table string) projection.Projection {
			return &projection.HardLocks{Table: table}
		},
	},
	projection.HandlingUnitsName: {
		table: projection.HandlingUnitsName,
		ddl: `CREATE TABLE %s (
			hu_id            TEXT PRIMARY KEY,
			lpn              TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'OPEN',
			current_location TEXT NOT NULL DEFAULT '',
			lines_json       TEXT NOT NULL DEFAULT '[]',
			updated_at       TEXT NOT NULL)`,
		identity: []string{"hu_id"},
		columns:  []string{"hu_id", "lpn", "type", "status", "current_location", "lines_json", "updated_at"},
		build: func(table string) projection.Projection {
			return &projection.HandlingUnits{Table: table}
		},
	},
}

// Names lists the rebuildable projections in sorted order.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report is the outcome of one rebuild or verification pass.
type Report struct {
	Projection      string   `json:"projection"`
	EventsProcessed int64    `json:"events_processed"`
	LiveRows        int      `json:"live_rows"`
	ShadowRows      int      `json:"shadow_rows"`
	LiveChecksum    string   `json:"live_checksum"`
	ShadowChecksum  string   `json:"shadow_checksum"`
	Match           bool     `json:"match"`
	Swapped         bool     `json:"swapped"`
	OnlyLive        []string `json:"only_live,omitempty"`
	OnlyShadow      []string `json:"only_shadow,omitempty"`
	Differing       []string `json:"differing,omitempty"`
}

// Service rebuilds and verifies read-model tables.
type Service struct {
	DB        *sql.DB
	Store     *eventstore.Store
	Locks     lock.Service
	Log       zerolog.Logger
	BatchSize int
	LockTTL   time.Duration
	Now       func() time.Time
}

func NewService(db *sql.DB, store *eventstore.Store, locks lock.Service, log zerolog.Logger) *Service {
	return &Service{
		DB:        db,
		Store:     store,
		Locks:     locks,
		Log:       log,
		BatchSize: 500,
		LockTTL:   5 * time.Minute,
		Now:       time.Now,
	}
}

// Rebuild replays history into a shadow table and checksums it against the
// live table. The shadow is promoted only when verify is set and the
// checksums match; in every other case the live table is left untouched
// and the report carries the diff.
func (s *Service) Rebuild(ctx context.Context, name string, verify bool) (Report, error) {
	def, ok := definitions[name]
	if !ok {
		return Report{}, domain.NewError(domain.CodeInvalidProjection, "unknown projection %q", name)
	}

	owner := uuid.New().String()
	release, err := s.acquireRebuildLock(ctx, name, owner)
	if err != nil {
		return Report{}, err
	}
	defer release()

	shadow := def.table + "_shadow"
	if err := s.buildShadow(ctx, def, shadow); err != nil {
		return Report{}, err
	}
	defer func() {
		if _, derr := s.DB.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+shadow); derr != nil {
			s.Log.Warn().Err(derr).Str("projection", name).Msg("shadow table cleanup failed")
		}
	}()

	report, err := s.compare(ctx, def, shadow)
	if err != nil {
		return Report{}, err
	}
	report.Projection = name
	report.EventsProcessed, err = s.eventCount(ctx)
	if err != nil {
		return Report{}, err
	}

	if verify && report.Match {
		if err := s.swap(ctx, def.table, shadow); err != nil {
			return Report{}, err
		}
		report.Swapped = true
	}
	s.Log.Info().
		Str("projection", name).
		Bool("match", report.Match).
		Bool("swapped", report.Swapped).
		Int64("events", report.EventsProcessed).
		Msg("projection rebuild finished")
	return report, nil
}

// Verify rebuilds the shadow and reports the comparison without ever
// swapping.
func (s *Service) Verify(ctx context.Context, name string) (Report, error) {
	return s.Rebuild(ctx, name, false)
}

// acquireRebuildLock takes both the lock-service key and the durable
// rebuild_runs row. The row survives a crashed holder for diagnostics; the
// TTL on the lock key is what actually unblocks the next rebuild.
func (s *Service) acquireRebuildLock(ctx context.Context, name, owner string) (func(), error) {
	key := "rebuild:" + name
	ok, err := s.Locks.TryAcquire(ctx, key, owner, s.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire rebuild lock: %w", err)
	}
	if !ok {
		return nil, domain.NewError(domain.CodeConcurrency, "rebuild of %s already in progress", name)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rebuild_runs(projection_name, owner, started_at) VALUES (?,?,?)
		ON CONFLICT(projection_name) DO UPDATE SET owner=excluded.owner, started_at=excluded.started_at`,
		name, owner, s.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.Locks.Release(ctx, key, owner)
		return nil, fmt.Errorf("record rebuild run: %w", err)
	}
	return func() {
		cctx := context.WithoutCancel(ctx)
		if _, err := s.DB.ExecContext(cctx, `DELETE FROM rebuild_runs WHERE projection_name=? AND owner=?`, name, owner); err != nil {
			s.Log.Warn().Err(err).Str("projection", name).Msg("rebuild run cleanup failed")
		}
		if err := s.Locks.Release(cctx, key, owner); err != nil {
			s.Log.Warn().Err(err).Str("projection", name).Msg("rebuild lock release failed")
		}
	}, nil
}

// buildShadow creates a fresh shadow table and replays the full feed into
// it in strict global order.
func (s *Service) buildShadow(ctx context.Context, def definition, shadow string) error {
	if _, err := s.DB.ExecContext(ctx, "DROP TABLE IF EXISTS "+shadow); err != nil {
		return fmt.Errorf("drop stale shadow: %w", err)
	}
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(def.ddl, shadow)); err != nil {
		return fmt.Errorf("create shadow table: %w", err)
	}

	proj := def.build(shadow)
	var after int64
	for {
		events, err := s.Store.ReadFrom(ctx, after, s.BatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := proj.Apply(ctx, tx, e); err != nil {
				tx.Rollback()
				return fmt.Errorf("replay %s at seq %d: %w", def.table, e.GlobalSeq, err)
			}
			after = e.GlobalSeq
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
}

// compare checksums live and shadow rows in identity order and collects
// the row-level diff.
func (s *Service) compare(ctx context.Context, def definition, shadow string) (Report, error) {
	live, err := s.readRows(ctx, def, def.table)
	if err != nil {
		return Report{}, err
	}
	shadowRows, err := s.readRows(ctx, def, shadow)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		LiveRows:       len(live.order),
		ShadowRows:     len(shadowRows.order),
		LiveChecksum:   live.checksum,
		ShadowChecksum: shadowRows.checksum,
	}
	r.Match = r.LiveChecksum == r.ShadowChecksum
	for _, id := range live.order {
		sv, ok := shadowRows.rows[id]
		if !ok {
			r.OnlyLive = append(r.OnlyLive, id)
			continue
		}
		if sv != live.rows[id] {
			r.Differing = append(r.Differing, id)
		}
	}
	for _, id := range shadowRows.order {
		if _, ok := live.rows[id]; !ok {
			r.OnlyShadow = append(r.OnlyShadow, id)
		}
	}
	return r, nil
}

type tableRows struct {
	order    []string
	rows     map[string]string
	checksum string
}

// readRows serializes every row as identity-keyed pipe-joined column
// values, ordered by identity, and folds them through FNV-64a.
func (s *Service) readRows(ctx context.Context, def definition, table string) (tableRows, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(def.columns, ", "), table, strings.Join(def.identity, ", "))
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return tableRows{}, fmt.Errorf("read %s rows: %w", table, err)
	}
	defer rows.Close()

	out := tableRows{rows: map[string]string{}}
	h := fnv.New64a()
	vals := make([]sql.NullString, len(def.columns))
	ptrs := make([]any, len(def.columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	idIdx := make([]int, len(def.identity))
	for i, name := range def.identity {
		for j, col := range def.columns {
			if col == name {
				idIdx[i] = j
			}
		}
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return tableRows{}, err
		}
		fields := make([]string, len(vals))
		for i, v := range vals {
			fields[i] = v.String
		}
		idFields := make([]string, len(idIdx))
		for i, j := range idIdx {
			idFields[i] = fields[j]
		}
		id := strings.Join(idFields, "|")
		line := strings.Join(fields, "|")
		out.order = append(out.order, id)
		out.rows[id] = line
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	if err := rows.Err(); err != nil {
		return tableRows{}, err
	}
	out.checksum = fmt.Sprintf("%016x", h.Sum64())
	return out, nil
}

// swap promotes the shadow inside one transaction so readers never observe
// a missing table.
func (s *Service) swap(ctx context.Context, table, shadow string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	old := table + "_old"
	steps := []string{
		"DROP TABLE IF EXISTS " + old,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", table, old),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", shadow, table),
		"DROP TABLE " + old,
	}
	for _, stmt := range steps {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("swap %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *Service) eventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
