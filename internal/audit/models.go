package audit

import "time"

// Event is an immutable, append-only record of a call lifecycle action.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required.
// - Audit writes are best-effort; call operations never block on them.

type Event struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	Type EventType `json:"type" db:"type"`

	CallID  string `json:"call_id,omitempty" db:"call_id"`
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated     EventType = "call_created"
	EventTypeClaimWon        EventType = "claim_won"
	EventTypeCallParked      EventType = "call_parked"
	EventTypeCallTransferred EventType = "call_transferred"
	EventTypeCallEnded       EventType = "call_ended"
	EventTypeCallReaped      EventType = "call_reaped"
)
