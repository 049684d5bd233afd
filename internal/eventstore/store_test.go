package eventstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockline/internal/db"
	"stockline/internal/eventstore"
	"stockline/internal/migrate"
)

func newTestStore(t *testing.T) (*eventstore.Store, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	store := eventstore.New(conn)
	store.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store, conn
}

func appendEvents(t *testing.T, store *eventstore.Store, conn *sql.DB, streamID string, expected int64, events ...eventstore.Event) error {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	if err := store.Append(ctx, tx, streamID, expected, events...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type notePayload struct {
	Text string `json:"text"`
}

func TestAppendAndLoadRoundtrip(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	err := appendEvents(t, store, conn, "note:1", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "first"}},
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "second"}})
	require.NoError(t, err)

	events, version, err := store.Load(ctx, "note:1")
	require.NoError(t, err)
	require.Equal(t, int64(2), version)
	require.Len(t, events, 2)
	require.Equal(t, int64(1), events[0].StreamSeq)
	require.Equal(t, int64(2), events[1].StreamSeq)

	var p notePayload
	require.NoError(t, events[1].Decode(&p))
	require.Equal(t, "second", p.Text)
}

func TestLoadEmptyStream(t *testing.T) {
	store, _ := newTestStore(t)
	events, version, err := store.Load(context.Background(), "note:missing")
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, eventstore.VersionNoStream, version)
}

func TestAppendVersionMismatch(t *testing.T) {
	store, conn := newTestStore(t)

	require.NoError(t, appendEvents(t, store, conn, "note:1", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "first"}}))

	// Stale expected version.
	err := appendEvents(t, store, conn, "note:1", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "stale"}})
	require.ErrorIs(t, err, eventstore.ErrConcurrency)

	// A too-new expected version fails the same way.
	err = appendEvents(t, store, conn, "note:1", 5,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "ahead"}})
	require.ErrorIs(t, err, eventstore.ErrConcurrency)

	_, version, err := store.Load(context.Background(), "note:1")
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
}

func TestCurrentVersion(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	v, err := store.CurrentVersion(ctx, "note:1")
	require.NoError(t, err)
	require.Equal(t, eventstore.VersionNoStream, v)

	require.NoError(t, appendEvents(t, store, conn, "note:1", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "first"}}))

	v, err = store.CurrentVersion(ctx, "note:1")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestReadFromGlobalOrder(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, appendEvents(t, store, conn, "note:a", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "a1"}}))
	require.NoError(t, appendEvents(t, store, conn, "note:b", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "b1"}}))
	require.NoError(t, appendEvents(t, store, conn, "note:a", 1,
		eventstore.Event{Type: "note.written", Payload: notePayload{Text: "a2"}}))

	all, err := store.ReadFrom(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		require.Greater(t, all[i].GlobalSeq, all[i-1].GlobalSeq)
	}

	rest, err := store.ReadFrom(ctx, all[0].GlobalSeq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	require.Equal(t, all[1].GlobalSeq, rest[0].GlobalSeq)
}

func TestUpcastOnRead(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	store.Upcasters().Register("note.written", 1, func(payload []byte) ([]byte, error) {
		var old struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload, &old); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"body": old.Text, "migrated": true})
	})

	require.NoError(t, appendEvents(t, store, conn, "note:1", eventstore.VersionNoStream,
		eventstore.Event{Type: "note.written", SchemaVersion: 1, Payload: notePayload{Text: "old shape"}}))

	events, _, err := store.Load(ctx, "note:1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 2, events[0].SchemaVersion)

	var lifted struct {
		Body     string `json:"body"`
		Migrated bool   `json:"migrated"`
	}
	require.NoError(t, events[0].Decode(&lifted))
	require.Equal(t, "old shape", lifted.Body)
	require.True(t, lifted.Migrated)
}

func TestUpcastChainDepthGuard(t *testing.T) {
	chain := eventstore.NewUpcasterChain()
	// Register a chain longer than the guard allows.
	for v := 1; v < 20; v++ {
		chain.Register("looping", v, func(payload []byte) ([]byte, error) { return payload, nil })
	}
	_, _, err := chain.Apply("looping", 1, []byte(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "chain exceeds")
}

func TestUpcastNoRegisteredStep(t *testing.T) {
	chain := eventstore.NewUpcasterChain()
	payload := []byte(`{"x":1}`)
	out, version, err := chain.Apply("plain", 3, payload)
	require.NoError(t, err)
	require.Equal(t, 3, version)
	require.Equal(t, payload, out)
}
