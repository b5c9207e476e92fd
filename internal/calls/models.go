package calls

import "time"

// Call represents one telephony interaction, inbound or outbound.
//
// Ownership invariant: AssignedTo is non-nil iff Status is in_progress or
// parked. AnsweredBy records who first answered and is never rewritten after
// the initial claim, so it can diverge from AssignedTo once a call has been
// transferred.
//
// Rows are never deleted; terminal calls are retained for history.

type Call struct {
	ID             string `json:"call_id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	Direction Direction `json:"direction" db:"direction"`

	FromNumber string `json:"from" db:"from_number"`
	ToNumber   string `json:"to" db:"to_number"`

	// ExternalLegID is the provider's identifier for the live audio leg.
	// Empty for purely internal calls.
	ExternalLegID string `json:"external_leg_id,omitempty" db:"external_leg_id"`

	Status CallStatus `json:"status" db:"status"`

	AssignedTo *string `json:"assigned_to,omitempty" db:"assigned_to"`
	AnsweredBy *string `json:"answered_by,omitempty" db:"answered_by"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is computed once, when the call reaches a terminal
	// status. Zero for calls that never left ringing.
	DurationSeconds int `json:"duration" db:"duration"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type CallStatus string

const (
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusParked     CallStatus = "parked"
	StatusCompleted  CallStatus = "completed"
	StatusNoAnswer   CallStatus = "no_answer"
	StatusFailed     CallStatus = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusNoAnswer, StatusFailed:
		return true
	default:
		return false
	}
}

// Owned reports whether a call in status s must have an owning agent.
func (s CallStatus) Owned() bool {
	return s == StatusInProgress || s == StatusParked
}

func (c Call) Terminal() bool { return c.Status.Terminal() }

// ParkedCall is the transient association held while a call sits in a hold
// bridge. It exists only for the duration of the parked status and is
// destroyed on re-claim or call end.
type ParkedCall struct {
	CallID   string    `json:"call_id" db:"call_id"`
	BridgeID string    `json:"bridge_id" db:"bridge_id"`
	ParkedBy string    `json:"parked_by" db:"parked_by"`
	ParkedAt time.Time `json:"parked_at" db:"parked_at"`
}
