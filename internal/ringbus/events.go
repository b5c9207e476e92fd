package ringbus

import (
	"context"
	"time"
)

// EventType is the ring lifecycle signal delivered to agent sessions.
type EventType string

const (
	// EventRinging tells a session to start ringing for a call.
	EventRinging EventType = "ringing"
	// EventAnswered tells every other session to stop ringing: someone won.
	EventAnswered EventType = "answered"
	// EventRingCancel tells sessions to stop ringing because the call left
	// the ringing state without being answered (hangup, failure, reaper).
	EventRingCancel EventType = "ring_cancel"
)

// Event is an ephemeral, at-least-once notification. It is not a source of
// truth; subscribers must treat answered/ring_cancel as idempotent terminal
// signals for a call's ring lifecycle. For a single call, ringing is always
// published before answered or ring_cancel.
type Event struct {
	CallID         string `json:"call_id"`
	ExternalLegID  string `json:"external_leg_id,omitempty"`
	OrganizationID string `json:"organization_id"`

	// AgentID addresses the event to one session; nil means broadcast to
	// every subscribed session in the organization.
	AgentID *string `json:"agent_id,omitempty"`

	Type      EventType `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Addressed reports whether ev should be delivered to agentID's session.
func (ev Event) Addressed(agentID string) bool {
	return ev.AgentID == nil || *ev.AgentID == agentID
}

// Bus is the fan-out notification channel between the dispatch engine and
// agent sessions. Delivery is at-least-once; cross-subscriber simultaneity
// is not guaranteed.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe opens a long-lived stream of events addressed to agentID
	// within orgID. The returned cancel func releases the subscription.
	Subscribe(ctx context.Context, orgID, agentID string) (<-chan Event, func(), error)
}
