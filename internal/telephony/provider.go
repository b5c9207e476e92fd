package telephony

import (
	"context"
	"errors"
	"time"
)

// ErrProvider wraps failures of the external telephony collaborator.
var ErrProvider = errors.New("telephony: provider error")

// Provider is the provider-agnostic voice-control interface used by the
// dispatch engine. The provider owns the actual audio path; this core only
// issues leg-control commands.
//
// Rules:
// - No provider SDK or HTTP calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Hold routes the non-agent leg into the named hold bridge (hold audio).
	Hold(ctx context.Context, externalLegID, bridgeID string) error
	// Resume pulls the leg out of the hold bridge toward the agent that
	// re-claimed the call.
	Resume(ctx context.Context, externalLegID, bridgeID string) error
	// Hangup terminates the leg.
	Hangup(ctx context.Context, externalLegID string) error
}

// InboundCallEvent is a provider-originated "call started ringing" event,
// already translated out of provider vocabulary.
type InboundCallEvent struct {
	OrganizationID string    `json:"organization_id"`
	ExternalLegID  string    `json:"external_leg_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// StatusCallbackEvent is a provider-originated call-state report.
type StatusCallbackEvent struct {
	ExternalLegID   string `json:"external_leg_id"`
	ProviderStatus  string `json:"provider_status"`
	DurationSeconds int    `json:"duration_seconds"`
}

// NoopProvider satisfies Provider without touching any external system.
// Used in tests and for purely internal calls that have no provider leg.
type NoopProvider struct{}

func (NoopProvider) Name() string { return "noop" }

func (NoopProvider) HealthCheck(context.Context) error { return nil }

func (NoopProvider) Hold(context.Context, string, string) error { return nil }

func (NoopProvider) Resume(context.Context, string, string) error { return nil }

func (NoopProvider) Hangup(context.Context, string) error { return nil }
