package agents

import "time"

// Agent is a human call-taker.
//
// Availability invariant: CurrentCallID is non-nil iff IsAvailable is false,
// the referenced call's assigned_to equals this agent, and that call is
// in_progress or parked. Only the dispatch availability manager writes these
// fields; profile edits happen outside this core.

type Agent struct {
	ID             string `json:"agent_id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Role           string `json:"role" db:"role"`

	IsAvailable bool `json:"is_available" db:"is_available"`

	CurrentCallID *string `json:"current_call_id,omitempty" db:"current_call_id"`

	// Denormalized caller-facing fields shown in agent UIs.
	CurrentCallPhoneNumber string     `json:"current_call_phone_number,omitempty" db:"current_call_phone_number"`
	CurrentCallAnsweredAt  *time.Time `json:"current_call_answered_at,omitempty" db:"current_call_answered_at"`
}

// Consistent reports whether the busy/free bookkeeping on a agent row is
// internally coherent. Used by tests to assert the availability invariant
// after operation sequences.
func (a Agent) Consistent() bool {
	if a.CurrentCallID == nil {
		return a.IsAvailable && a.CurrentCallPhoneNumber == "" && a.CurrentCallAnsweredAt == nil
	}
	return !a.IsAvailable
}
