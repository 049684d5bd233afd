package eventstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUniqueViolationClassification(t *testing.T) {
	require.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: events.stream_id, events.stream_seq")))

	// Other constraint families are real bugs, not concurrency conflicts.
	require.False(t, isUniqueViolation(errors.New("NOT NULL constraint failed: events.payload_json")))
	require.False(t, isUniqueViolation(errors.New("CHECK constraint failed: events")))
	require.False(t, isUniqueViolation(nil))
}
