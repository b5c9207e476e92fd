package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records the call lifecycle audit trail. Callers treat it as
// best-effort: a nil *Service is valid and records nothing.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if e.OrganizationID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogCall records a lifecycle action against a call.
func (s *Service) LogCall(ctx context.Context, orgID string, typ EventType, callID, agentID, message string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           typ,
		CallID:         callID,
		AgentID:        agentID,
		Message:        message,
	})
}
