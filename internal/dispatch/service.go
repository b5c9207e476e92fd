package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"switchdesk/internal/audit"
	"switchdesk/internal/calls"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/internal/telephony"

	"github.com/google/uuid"
)

// RingThrottle caps how many calls may ring simultaneously per organization.
// Optional; a nil throttle means unlimited.
type RingThrottle interface {
	Acquire(ctx context.Context, orgID string) (bool, error)
	Release(ctx context.Context, orgID string) error
}

// providerCallbackRetries bounds internal retries of transient store faults
// on the webhook path. When exhausted, the webhook is still acknowledged and
// the call is left for the reaper.
const providerCallbackRetries = 3

// Service coordinates the call lifecycle: ring fan-out, park, transfer, end,
// and provider status callbacks. Claim arbitration lives on Arbiter; both
// drive the same state machine and availability bookkeeping.
type Service struct {
	reg      store.Registry
	bus      ringbus.Bus
	avail    *Availability
	arbiter  *Arbiter
	provider telephony.Provider
	auditor  *audit.Service
	throttle RingThrottle

	log   *slog.Logger
	clock func() time.Time
}

func NewService(reg store.Registry, bus ringbus.Bus, provider telephony.Provider, auditor *audit.Service, throttle RingThrottle, log *slog.Logger) *Service {
	if provider == nil {
		provider = telephony.NoopProvider{}
	}
	if log == nil {
		log = slog.Default()
	}
	avail := NewAvailability(reg, log)
	arb := NewArbiter(reg, avail, bus, provider, auditor, log)
	arb.throttle = throttle
	return &Service{
		reg:      reg,
		bus:      bus,
		avail:    avail,
		arbiter:  arb,
		provider: provider,
		auditor:  auditor,
		throttle: throttle,
		log:      log,
		clock:    time.Now,
	}
}

// Arbiter exposes the claim path.
func (s *Service) Arbiter() *Arbiter { return s.arbiter }

// Claim delegates to the arbiter. See Arbiter.Claim.
func (s *Service) Claim(ctx context.Context, callID, agentID string) (calls.Call, error) {
	return s.arbiter.Claim(ctx, callID, agentID)
}

// HandleInbound creates a ringing call from a provider event and fans a
// broadcast ring out to every eligible agent session. When the
// organization's simultaneous-ring cap is reached the call is still created
// (never dropped) but no ring is published; the reaper resolves it.
func (s *Service) HandleInbound(ctx context.Context, ev telephony.InboundCallEvent) (calls.Call, error) {
	now := s.clock().UTC()
	c := calls.Call{
		ID:             uuid.NewString(),
		OrganizationID: ev.OrganizationID,
		Direction:      calls.DirectionInbound,
		FromNumber:     ev.From,
		ToNumber:       ev.To,
		ExternalLegID:  ev.ExternalLegID,
		Status:         calls.StatusRinging,
		CreatedAt:      now,
	}
	if err := s.reg.CreateCall(ctx, c); err != nil {
		return calls.Call{}, err
	}

	if s.ringSlotAcquired(ctx, c.OrganizationID) {
		s.publish(ctx, ringbus.Event{
			CallID:         c.ID,
			ExternalLegID:  c.ExternalLegID,
			OrganizationID: c.OrganizationID,
			Type:           ringbus.EventRinging,
			CreatedAt:      now,
		})
	} else {
		s.log.Warn("ring cap reached, call queued for reaper", "call_id", c.ID, "organization_id", c.OrganizationID)
	}

	s.auditBestEffort(ctx, c.OrganizationID, audit.EventTypeCallCreated, c.ID, "", "inbound call ringing")
	return c, nil
}

// PlaceOutbound creates an outbound call and immediately runs it through the
// claim path for the initiating agent, so outbound ownership is arbitrated
// exactly like inbound.
func (s *Service) PlaceOutbound(ctx context.Context, orgID, agentID, toNumber, externalLegID string) (calls.Call, error) {
	agent, err := s.reg.GetAgent(ctx, agentID)
	if err != nil {
		return calls.Call{}, err
	}
	if agent.OrganizationID != orgID {
		return calls.Call{}, ErrNotFound
	}

	now := s.clock().UTC()
	c := calls.Call{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Direction:      calls.DirectionOutbound,
		ToNumber:       toNumber,
		ExternalLegID:  externalLegID,
		Status:         calls.StatusRinging,
		CreatedAt:      now,
	}
	if err := s.reg.CreateCall(ctx, c); err != nil {
		return calls.Call{}, err
	}
	s.auditBestEffort(ctx, orgID, audit.EventTypeCallCreated, c.ID, agentID, "outbound call placed")

	// Balance the ring-slot ledger: the claim below releases one slot for
	// any non-parked call, so take one here even though no fan-out happens.
	_ = s.ringSlotAcquired(ctx, orgID)

	return s.arbiter.Claim(ctx, c.ID, agentID)
}

// Park suspends an in-progress call into a freshly allocated hold bridge and
// frees the owning agent. Only the owner may park.
func (s *Service) Park(ctx context.Context, callID, agentID string) (calls.ParkedCall, error) {
	now := s.clock().UTC()

	c, err := s.reg.GetCall(ctx, callID)
	if err != nil {
		return calls.ParkedCall{}, err
	}
	if c.AssignedTo == nil || *c.AssignedTo != agentID {
		if c.Status != calls.StatusInProgress {
			return calls.ParkedCall{}, fmt.Errorf("%w: park on %s", ErrInvalidTransition, c.Status)
		}
		return calls.ParkedCall{}, ErrNotOwner
	}

	next, err := calls.Apply(c, calls.EventPark, now)
	if err != nil {
		return calls.ParkedCall{}, err
	}
	parked := calls.ParkedCall{
		CallID:   callID,
		BridgeID: "bridge-" + uuid.NewString(),
		ParkedBy: agentID,
		ParkedAt: now,
	}
	// One atomic unit: a claim racing this park either wins on the old
	// status or finds the parked status with its row already present.
	ok, err := s.reg.ParkCall(ctx, next, c.Status, parked)
	if err != nil {
		return calls.ParkedCall{}, err
	}
	if !ok {
		return calls.ParkedCall{}, fmt.Errorf("%w: call %s changed concurrently", ErrInvalidTransition, callID)
	}

	if err := s.avail.MarkFree(ctx, agentID, callID); err != nil {
		return calls.ParkedCall{}, err
	}

	if c.ExternalLegID != "" {
		if perr := s.provider.Hold(ctx, c.ExternalLegID, parked.BridgeID); perr != nil {
			// The call stays parked either way; hold audio is best-effort.
			s.log.Warn("hold bridge routing failed", "call_id", callID, "bridge_id", parked.BridgeID, "err", perr)
		}
	}

	s.auditBestEffort(ctx, c.OrganizationID, audit.EventTypeCallParked, callID, agentID, "call parked")
	return parked, nil
}

// Transfer re-arms the ring/claim cycle toward one target agent. It does not
// change call status or ownership; the target must issue a fresh claim, so
// transfer races resolve through the arbiter exactly like a fresh ring.
func (s *Service) Transfer(ctx context.Context, callID, targetAgentID string) error {
	now := s.clock().UTC()

	c, err := s.reg.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if !c.Status.Owned() {
		return fmt.Errorf("%w: transfer on %s", ErrInvalidTransition, c.Status)
	}
	target, err := s.reg.GetAgent(ctx, targetAgentID)
	if err != nil {
		return err
	}
	if target.OrganizationID != c.OrganizationID {
		return ErrNotFound
	}

	s.publish(ctx, ringbus.Event{
		CallID:         c.ID,
		ExternalLegID:  c.ExternalLegID,
		OrganizationID: c.OrganizationID,
		AgentID:        &targetAgentID,
		Type:           ringbus.EventRinging,
		CreatedAt:      now,
	})

	s.auditBestEffort(ctx, c.OrganizationID, audit.EventTypeCallTransferred, callID, targetAgentID, "transfer offered")
	return nil
}

// End finishes a call and returns the computed duration in seconds. Ending a
// still-ringing call (caller hangup before any claim) resolves it as
// no_answer and cancels the ring fan-out.
func (s *Service) End(ctx context.Context, callID string) (int, error) {
	now := s.clock().UTC()

	c, err := s.reg.GetCall(ctx, callID)
	if err != nil {
		return 0, err
	}

	ev := calls.EventComplete
	if c.Status == calls.StatusRinging {
		ev = calls.EventNoAnswer
	}
	next, err := calls.Apply(c, ev, now)
	if err != nil {
		return 0, err
	}
	ok, err := s.reg.UpdateCallIf(ctx, next, c.Status)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: call %s changed concurrently", ErrInvalidTransition, callID)
	}

	s.finishCall(ctx, c, next, now)
	s.auditBestEffort(ctx, c.OrganizationID, audit.EventTypeCallEnded, callID, strOrEmpty(c.AssignedTo), "call ended")

	if c.ExternalLegID != "" && c.Status != calls.StatusRinging {
		if perr := s.provider.Hangup(ctx, c.ExternalLegID); perr != nil {
			s.log.Warn("provider hangup failed", "call_id", callID, "err", perr)
		}
	}
	return next.DurationSeconds, nil
}

// OnProviderStatus maps the provider's status vocabulary onto lifecycle
// transitions. Duplicate or out-of-order callbacks are no-ops thanks to the
// terminal-state guard; transient store faults are retried a bounded number
// of times. The webhook layer always acknowledges receipt to the provider
// regardless of the error returned here.
func (s *Service) OnProviderStatus(ctx context.Context, externalLegID, providerStatus string, providerDuration int) error {
	ev, relevant := mapProviderStatus(providerStatus)
	if !relevant {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < providerCallbackRetries; attempt++ {
		err := s.applyProviderEvent(ctx, externalLegID, ev, providerDuration)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNotFound):
			s.log.Warn("status callback for unknown leg", "external_leg_id", externalLegID, "provider_status", providerStatus)
			return nil
		case errors.Is(err, ErrInvalidTransition):
			// Duplicate/out-of-order callback; tolerated as a no-op.
			s.log.Debug("status callback ignored", "external_leg_id", externalLegID, "provider_status", providerStatus)
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (s *Service) applyProviderEvent(ctx context.Context, externalLegID string, ev calls.Event, providerDuration int) error {
	now := s.clock().UTC()

	c, err := s.reg.FindCallByLeg(ctx, externalLegID)
	if err != nil {
		return err
	}
	if c.Terminal() {
		return nil
	}

	// The provider reports a caller hangup on a never-claimed call as a
	// completed leg (the waiting bridge answered it); for this core that
	// call was never answered.
	if c.Status == calls.StatusRinging && ev == calls.EventComplete {
		ev = calls.EventNoAnswer
	}

	next, err := calls.Apply(c, ev, now)
	if err != nil {
		return err
	}
	// Prefer the provider's measured duration when it reports one, but only
	// for calls that were actually answered; unanswered calls stay at zero.
	if providerDuration > 0 && next.StartedAt != nil {
		next.DurationSeconds = providerDuration
	}

	ok, err := s.reg.UpdateCallIf(ctx, next, c.Status)
	if err != nil {
		return err
	}
	if !ok {
		// Lost to a concurrent writer; re-read on the next attempt.
		return fmt.Errorf("concurrent update on call %s", c.ID)
	}

	s.finishCall(ctx, c, next, now)
	return nil
}

// finishCall performs the bookkeeping shared by every path that moves a call
// into a terminal status: free the owner, destroy any parked row, release
// the ring slot when the call never connected, and cancel any still-ringing
// sessions.
func (s *Service) finishCall(ctx context.Context, prev, next calls.Call, now time.Time) {
	if !next.Terminal() {
		return
	}

	if prev.AssignedTo != nil {
		if err := s.avail.MarkFree(ctx, *prev.AssignedTo, prev.ID); err != nil {
			s.log.Error("agent free failed", "agent_id", *prev.AssignedTo, "call_id", prev.ID, "err", err)
		}
	}

	if _, wasParked, err := s.reg.DeleteParkedCall(ctx, prev.ID); err != nil {
		s.log.Error("parked row delete failed", "call_id", prev.ID, "err", err)
	} else if wasParked {
		s.log.Debug("parked call ended", "call_id", prev.ID)
	}

	if prev.Status == calls.StatusRinging {
		s.releaseRingSlot(ctx, prev.OrganizationID)
	}

	// Always broadcast the cancel: an outstanding transfer offer may have
	// sessions ringing for a call that is no longer in ringing status, and
	// the event is idempotent for subscribers.
	s.publish(ctx, ringbus.Event{
		CallID:         prev.ID,
		ExternalLegID:  prev.ExternalLegID,
		OrganizationID: prev.OrganizationID,
		Type:           ringbus.EventRingCancel,
		CreatedAt:      now,
	})
}

func mapProviderStatus(providerStatus string) (calls.Event, bool) {
	switch providerStatus {
	case "completed":
		return calls.EventComplete, true
	case "busy", "failed":
		return calls.EventFail, true
	case "no-answer", "canceled":
		return calls.EventNoAnswer, true
	default:
		// queued/initiated/ringing/in-progress progress reports carry no
		// transition for this core.
		return "", false
	}
}

func (s *Service) ringSlotAcquired(ctx context.Context, orgID string) bool {
	if s.throttle == nil {
		return true
	}
	ok, err := s.throttle.Acquire(ctx, orgID)
	if err != nil {
		s.log.Warn("ring throttle unavailable, allowing ring", "organization_id", orgID, "err", err)
		return true
	}
	return ok
}

func (s *Service) releaseRingSlot(ctx context.Context, orgID string) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.Release(ctx, orgID); err != nil {
		s.log.Warn("ring slot release failed", "organization_id", orgID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, ev ringbus.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		// Losing a notification is tolerable: the reaper bounds how long a
		// session can ring without one.
		s.log.Warn("ring event publish failed", "call_id", ev.CallID, "event_type", ev.Type, "err", err)
	}
}

func (s *Service) auditBestEffort(ctx context.Context, orgID string, typ audit.EventType, callID, agentID, msg string) {
	if err := s.auditor.LogCall(ctx, orgID, typ, callID, agentID, msg); err != nil {
		s.log.Warn("audit append failed", "call_id", callID, "err", err)
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
