package dispatch

import (
	"context"
	"log/slog"

	"switchdesk/internal/calls"
	"switchdesk/internal/store"
)

// Availability keeps the agent busy/free flag and current-call pointer in
// sync with call transitions. It must only be invoked alongside a
// state-machine transition that enters or leaves an owned status; calling it
// ad hoc breaks the agent/call ownership invariant.
type Availability struct {
	reg store.Registry
	log *slog.Logger
}

func NewAvailability(reg store.Registry, log *slog.Logger) *Availability {
	if log == nil {
		log = slog.Default()
	}
	return &Availability{reg: reg, log: log}
}

// MarkBusy points the agent at c and clears its availability.
func (m *Availability) MarkBusy(ctx context.Context, agentID string, c calls.Call) error {
	return m.reg.SetAgentOnCall(ctx, agentID, c, counterpartyNumber(c))
}

// MarkFree releases the agent, but only if it is still on callID. A stale
// free racing a fresh claim on the same agent is silently dropped.
func (m *Availability) MarkFree(ctx context.Context, agentID, callID string) error {
	cleared, err := m.reg.ClearAgentCall(ctx, agentID, callID)
	if err != nil {
		return err
	}
	if !cleared {
		m.log.Debug("stale agent free ignored", "agent_id", agentID, "call_id", callID)
	}
	return nil
}

// counterpartyNumber is the non-agent party's number, shown in agent UIs.
func counterpartyNumber(c calls.Call) string {
	if c.Direction == calls.DirectionOutbound {
		return c.ToNumber
	}
	return c.FromNumber
}
