package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"switchdesk/internal/agents"
	"switchdesk/internal/calls"
)

// Memory is an in-process Registry used by tests. It mirrors the conditional
// semantics of the Postgres implementation exactly: a single mutex plays the
// role of the store's row locks, so the same races the SQL WHERE clauses
// arbitrate are arbitrated here.
type Memory struct {
	mu     sync.Mutex
	calls  map[string]calls.Call
	agents map[string]agents.Agent
	parked map[string]calls.ParkedCall
}

func NewMemory() *Memory {
	return &Memory{
		calls:  make(map[string]calls.Call),
		agents: make(map[string]agents.Agent),
		parked: make(map[string]calls.ParkedCall),
	}
}

// PutAgent seeds an agent row. Agent provisioning is outside this core, so
// only the memory registry exposes it.
func (m *Memory) PutAgent(a agents.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = cloneAgent(a)
}

func (m *Memory) CreateCall(_ context.Context, c calls.Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = cloneCall(c)
	return nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return cloneCall(c), nil
}

func (m *Memory) FindCallByLeg(_ context.Context, externalLegID string) (calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.ExternalLegID != "" && c.ExternalLegID == externalLegID {
			return cloneCall(c), nil
		}
	}
	return calls.Call{}, ErrNotFound
}

func (m *Memory) ClaimCall(_ context.Context, callID, agentID string, now time.Time) (calls.Call, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[callID]
	if !ok {
		return calls.Call{}, false, ErrNotFound
	}
	if !calls.CanClaim(c) {
		return cloneCall(c), false, nil
	}

	a := agentID
	c.AssignedTo = &a
	if c.AnsweredBy == nil {
		b := agentID
		c.AnsweredBy = &b
	}
	c.Status = calls.StatusInProgress
	if c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	if c.AnsweredAt == nil {
		t := now
		c.AnsweredAt = &t
	}
	m.calls[callID] = c
	return cloneCall(c), true, nil
}

func (m *Memory) UpdateCallIf(_ context.Context, c calls.Call, expect calls.CallStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.calls[c.ID]
	if !ok || cur.Status != expect {
		return false, nil
	}
	m.calls[c.ID] = cloneCall(c)
	return true, nil
}

func (m *Memory) ListStaleRinging(_ context.Context, cutoff time.Time, limit int) ([]calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []calls.Call
	for _, c := range m.calls {
		if c.Status == calls.StatusRinging && c.CreatedAt.Before(cutoff) {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListCallsByOrganization(_ context.Context, orgID string, limit int) ([]calls.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []calls.Call
	for _, c := range m.calls {
		if c.OrganizationID == orgID {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetAgent(_ context.Context, agentID string) (agents.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return agents.Agent{}, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListEligibleAgents(_ context.Context, orgID string) ([]agents.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []agents.Agent
	for _, a := range m.agents {
		if a.OrganizationID == orgID && a.IsAvailable {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAgentOnCall(_ context.Context, agentID string, c calls.Call, phoneNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	id := c.ID
	a.IsAvailable = false
	a.CurrentCallID = &id
	a.CurrentCallPhoneNumber = phoneNumber
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		a.CurrentCallAnsweredAt = &t
	}
	m.agents[agentID] = a
	return nil
}

func (m *Memory) ClearAgentCall(_ context.Context, agentID, callID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return false, nil
	}
	if a.CurrentCallID == nil || *a.CurrentCallID != callID {
		return false, nil
	}
	a.IsAvailable = true
	a.CurrentCallID = nil
	a.CurrentCallPhoneNumber = ""
	a.CurrentCallAnsweredAt = nil
	m.agents[agentID] = a
	return true, nil
}

// ParkCall holds the mutex across both writes, mirroring the transactional
// postgres semantics: the parked status and the parked row land together.
func (m *Memory) ParkCall(_ context.Context, c calls.Call, expect calls.CallStatus, p calls.ParkedCall) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.calls[c.ID]
	if !ok || cur.Status != expect {
		return false, nil
	}
	m.calls[c.ID] = cloneCall(c)
	m.parked[p.CallID] = p
	return true, nil
}

func (m *Memory) GetParkedCall(_ context.Context, callID string) (calls.ParkedCall, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parked[callID]
	return p, ok, nil
}

func (m *Memory) DeleteParkedCall(_ context.Context, callID string) (calls.ParkedCall, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parked[callID]
	if ok {
		delete(m.parked, callID)
	}
	return p, ok, nil
}

func cloneCall(c calls.Call) calls.Call {
	c.AssignedTo = cloneStr(c.AssignedTo)
	c.AnsweredBy = cloneStr(c.AnsweredBy)
	c.StartedAt = cloneTime(c.StartedAt)
	c.AnsweredAt = cloneTime(c.AnsweredAt)
	c.EndedAt = cloneTime(c.EndedAt)
	return c
}

func cloneAgent(a agents.Agent) agents.Agent {
	a.CurrentCallID = cloneStr(a.CurrentCallID)
	a.CurrentCallAnsweredAt = cloneTime(a.CurrentCallAnsweredAt)
	return a
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
