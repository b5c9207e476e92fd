package store

import (
	"context"
	"errors"
	"time"

	"switchdesk/internal/agents"
	"switchdesk/internal/calls"
)

var ErrNotFound = errors.New("store: not found")

// Registry is the typed record-store contract for calls, agents, and parked
// calls. It exposes only conditional operations; there is deliberately no
// unconditional "save call" method, because claim, provider webhooks, manual
// end, and the reaper can all target the same row concurrently and every
// write must be predicated on the expected prior state.
type Registry interface {
	CreateCall(ctx context.Context, c calls.Call) error
	GetCall(ctx context.Context, callID string) (calls.Call, error)
	// FindCallByLeg resolves a provider leg identifier to the internal call.
	FindCallByLeg(ctx context.Context, externalLegID string) (calls.Call, error)

	// ClaimCall is the winner-take-all ownership write. It is a single
	// atomic conditional update: ownership is granted only if the call is
	// still ringing and unassigned, or parked. The returned bool reports
	// whether this caller won. answered_by and the answer timestamps are
	// set only on the first successful claim.
	ClaimCall(ctx context.Context, callID, agentID string, now time.Time) (calls.Call, bool, error)

	// UpdateCallIf persists c only if the stored status still equals
	// expect. Returns false when a concurrent writer got there first.
	UpdateCallIf(ctx context.Context, c calls.Call, expect calls.CallStatus) (bool, error)

	// ListStaleRinging returns calls stuck in ringing since before cutoff.
	ListStaleRinging(ctx context.Context, cutoff time.Time, limit int) ([]calls.Call, error)
	ListCallsByOrganization(ctx context.Context, orgID string, limit int) ([]calls.Call, error)

	GetAgent(ctx context.Context, agentID string) (agents.Agent, error)
	// ListEligibleAgents returns the agents whose sessions should receive a
	// broadcast ring for the organization.
	ListEligibleAgents(ctx context.Context, orgID string) ([]agents.Agent, error)
	// SetAgentOnCall marks the agent busy and points it at c.
	SetAgentOnCall(ctx context.Context, agentID string, c calls.Call, phoneNumber string) error
	// ClearAgentCall frees the agent only if its current call still equals
	// callID, so a stale free from an old call cannot clobber a newer
	// assignment. Returns false when the guard did not match.
	ClearAgentCall(ctx context.Context, agentID, callID string) (bool, error)

	// ParkCall persists c (carrying the parked status) only if the stored
	// status still equals expect, and records p in the same atomic unit, so
	// a parked call and its parked row always appear together. Returns
	// false when a concurrent writer moved the call first.
	ParkCall(ctx context.Context, c calls.Call, expect calls.CallStatus, p calls.ParkedCall) (bool, error)
	GetParkedCall(ctx context.Context, callID string) (calls.ParkedCall, bool, error)
	DeleteParkedCall(ctx context.Context, callID string) (calls.ParkedCall, bool, error)
}
