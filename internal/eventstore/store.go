// Package eventstore provides the append-only, versioned, per-stream event
// store backing all aggregates and projections.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// VersionNoStream is the sentinel expected version for a stream with no
// events yet. Stream sequences start at 1.
const VersionNoStream int64 = 0

// ErrConcurrency indicates an expected-version mismatch on append.
var ErrConcurrency = errors.New("concurrency conflict: stream version mismatch")

// Event is an event to be appended.
type Event struct {
	Type          string
	SchemaVersion int
	Payload       any
}

// StoredEvent is a persisted event read back from a stream or the global feed.
type StoredEvent struct {
	GlobalSeq     int64
	StreamID      string
	StreamSeq     int64
	Type          string
	SchemaVersion int
	Payload       []byte
	RecordedAt    time.Time
}

// Decode unmarshals the payload into v.
func (e StoredEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event at %s/%d: %w", e.Type, e.StreamID, e.StreamSeq, err)
	}
	return nil
}

// Store reads and appends events in SQLite. All writes go through an
// explicit transaction owned by the caller so read-model updates can share
// it.
type Store struct {
	DB        *sql.DB
	Now       func() time.Time
	upcasters *UpcasterChain
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now, upcasters: NewUpcasterChain()}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Upcasters exposes the chain for registration at wiring time.
func (s *Store) Upcasters() *UpcasterChain { return s.upcasters }

// CurrentVersion returns the highest stream_seq for the stream, or
// VersionNoStream.
func (s *Store) CurrentVersion(ctx context.Context, streamID string) (int64, error) {
	var v sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(stream_seq) FROM events WHERE stream_id=?`, streamID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("current version %s: %w", streamID, err)
	}
	if !v.Valid {
		return VersionNoStream, nil
	}
	return v.Int64, nil
}

// Load reads the full stream in order and returns it with the current
// version. Payloads pass through the upcaster chain before being returned.
func (s *Store) Load(ctx context.Context, streamID string) ([]StoredEvent, int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT global_seq, stream_id, stream_seq, event_type, schema_version, payload_json, recorded_at
		 FROM events WHERE stream_id=? ORDER BY stream_seq ASC`, streamID)
	if err != nil {
		return nil, 0, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	defer rows.Close()

	events, err := s.scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	version := VersionNoStream
	if n := len(events); n > 0 {
		version = events[n-1].StreamSeq
	}
	return events, version, nil
}

// Append writes events to the stream inside tx, enforcing that the stream is
// still at expectedVersion. The UNIQUE(stream_id, stream_seq) constraint
// backstops the check against writers racing inside the same window.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, streamID string, expectedVersion int64, events ...Event) error {
	if len(events) == 0 {
		return errors.New("no events to append")
	}
	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(stream_seq) FROM events WHERE stream_id=?`, streamID).Scan(&current); err != nil {
		return fmt.Errorf("append %s: read version: %w", streamID, err)
	}
	version := VersionNoStream
	if current.Valid {
		version = current.Int64
	}
	if version != expectedVersion {
		return fmt.Errorf("append %s: expected version %d, stream at %d: %w", streamID, expectedVersion, version, ErrConcurrency)
	}
	recordedAt := s.now().UTC().Format(time.RFC3339Nano)
	for i, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("append %s: marshal %s: %w", streamID, e.Type, err)
		}
		schemaVersion := e.SchemaVersion
		if schemaVersion == 0 {
			schemaVersion = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events(stream_id, stream_seq, event_type, schema_version, payload_json, recorded_at)
			 VALUES (?,?,?,?,?,?)`,
			streamID, expectedVersion+int64(i)+1, e.Type, schemaVersion, string(payload), recordedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("append %s: %w", streamID, ErrConcurrency)
			}
			return fmt.Errorf("append %s: insert: %w", streamID, err)
		}
	}
	return nil
}

// ReadFrom reads up to limit events from the global feed with
// global_seq > afterSeq, in strict global order.
func (s *Store) ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]StoredEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT global_seq, stream_id, stream_seq, event_type, schema_version, payload_json, recorded_at
		 FROM events WHERE global_seq > ? ORDER BY global_seq ASC LIMIT ?`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("read feed after %d: %w", afterSeq, err)
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *Store) scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var events []StoredEvent
	for rows.Next() {
		var (
			e          StoredEvent
			payload    string
			recordedAt string
		)
		if err := rows.Scan(&e.GlobalSeq, &e.StreamID, &e.StreamSeq, &e.Type, &e.SchemaVersion, &payload, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", recordedAt, err)
		}
		e.RecordedAt = ts
		e.Payload = []byte(payload)
		upcast, version, err := s.upcasters.Apply(e.Type, e.SchemaVersion, e.Payload)
		if err != nil {
			return nil, err
		}
		e.Payload = upcast
		e.SchemaVersion = version
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}

// isUniqueViolation matches only the UNIQUE form of sqlite's constraint
// errors. Other constraint failures are real bugs and must not be retried
// as concurrency conflicts.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
