package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Payment events
	EventPaymentConfirmed EventType = "payment.confirmed"
	EventPaymentDetected  EventType = "payment.detected" // balance-diff reconciler
	EventInvoiceCreated   EventType = "invoice.created"

	// Credential events
	EventTokenMinted    EventType = "token.minted"
	EventTokenExhausted EventType = "token.exhausted"

	// Free tier events
	EventFreeQuotaExhausted EventType = "freequota.exhausted"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Subject is the entity this event relates to (invoice id, token digest
	// prefix, identity key). Never a raw credential.
	Subject string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, subject string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Payload:   payload,
	}
}
