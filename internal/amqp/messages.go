package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerbot/internal/ledger"
)

type EventType string

const (
	EventRecorded      EventType = "transaction.recorded"
	EventRecategorized EventType = "transaction.recategorized"
)

// LedgerEvent announces a write the store has applied. Origin identifies
// the publishing process so it can ignore its own events.
type LedgerEvent struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Origin        string    `json:"origin"`
	TransactionID int64     `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Kind          string    `json:"kind"`
	Amount        string    `json:"amount"`
	Category      string    `json:"category,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewLedgerEvent builds the event for an applied persist op.
func NewLedgerEvent(op ledger.Op, origin string) (*LedgerEvent, error) {
	var typ EventType
	switch op.Kind {
	case ledger.OpAppend:
		typ = EventRecorded
	case ledger.OpRecategorize:
		typ = EventRecategorized
	default:
		return nil, fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return &LedgerEvent{
		ID:            uuid.NewString(),
		Type:          typ,
		Origin:        origin,
		TransactionID: op.Txn.ID,
		UserID:        op.Txn.UserID,
		Kind:          string(op.Txn.Kind),
		Amount:        op.Txn.Amount.String(),
		Category:      op.Txn.Category,
		OccurredAt:    op.Txn.Timestamp,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ToJSON converts the message to JSON bytes
func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LedgerEventFromJSON decodes and sanity-checks an event body.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var e LedgerEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.TransactionID <= 0 {
		return nil, fmt.Errorf("event %q: missing transaction id", e.ID)
	}
	switch e.Type {
	case EventRecorded, EventRecategorized:
	default:
		return nil, fmt.Errorf("event %q: unknown type %q", e.ID, e.Type)
	}
	return &e, nil
}
