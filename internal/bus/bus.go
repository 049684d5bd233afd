// Package bus carries the saga messages between the pick orchestrator, the
// retry saga, and whatever pages operators.
package bus

import (
	"context"
	"time"
)

// MessageType discriminates saga messages.
type MessageType string

const (
	// MsgConsumptionDeferred asks the saga to retry a reservation
	// consumption whose movement already committed.
	MsgConsumptionDeferred MessageType = "consumption.deferred"
	// MsgConsumptionSucceeded reports a saga retry that completed.
	MsgConsumptionSucceeded MessageType = "consumption.succeeded"
	// MsgConsumptionFailed reports one failed retry; RetryCount carries the
	// attempt number.
	MsgConsumptionFailed MessageType = "consumption.failed"
	// MsgPermanentFailure reports retry exhaustion. Operator paging hangs
	// off this message.
	MsgPermanentFailure MessageType = "consumption.failed_permanently"
)

// Message is one saga message. ReservationID doubles as the partition key so
// messages for one reservation stay ordered.
type Message struct {
	Type          MessageType `json:"type"`
	ReservationID string      `json:"reservation_id"`
	MovementID    string      `json:"movement_id"`
	Qty           int64       `json:"qty"`
	RetryCount    int         `json:"retry_count,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Publisher is the saga-publish port.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
