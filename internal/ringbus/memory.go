package ringbus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-instance deployments.
// Same contract as RedisBus: at-least-once, non-blocking fan-out, slow
// subscribers lose events rather than stalling publishers.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*memorySub
}

type memorySub struct {
	orgID   string
	agentID string
	ch      chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	if ev.OrganizationID == "" {
		return fmt.Errorf("ringbus: organization_id required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.orgID != ev.OrganizationID || !ev.Addressed(s.agentID) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, orgID, agentID string) (<-chan Event, func(), error) {
	if orgID == "" || agentID == "" {
		return nil, nil, fmt.Errorf("ringbus: org and agent ids required")
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &memorySub{orgID: orgID, agentID: agentID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel, nil
}
