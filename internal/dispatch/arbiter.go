package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"switchdesk/internal/audit"
	"switchdesk/internal/calls"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/internal/telephony"
)

// Arbiter decides, under concurrency, which agent owns a call. The record
// store's atomic conditional claim is the sole mutual-exclusion mechanism;
// no in-process lock is taken, because racing sessions may live in different
// processes.
type Arbiter struct {
	reg      store.Registry
	avail    *Availability
	bus      ringbus.Bus
	provider telephony.Provider
	auditor  *audit.Service
	throttle RingThrottle
	log      *slog.Logger
	clock    func() time.Time
}

func NewArbiter(reg store.Registry, avail *Availability, bus ringbus.Bus, provider telephony.Provider, auditor *audit.Service, log *slog.Logger) *Arbiter {
	if provider == nil {
		provider = telephony.NoopProvider{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{
		reg:      reg,
		avail:    avail,
		bus:      bus,
		provider: provider,
		auditor:  auditor,
		log:      log,
		clock:    time.Now,
	}
}

// Claim attempts to take ownership of a ringing or parked call for agentID.
//
// Exactly one of N concurrent claimers wins; every other caller gets
// ErrAlreadyClaimed, which is terminal for that request. Losing sessions
// clear their ringing UI both from that response and from the answered
// event published here (either signal alone suffices; both are idempotent).
func (a *Arbiter) Claim(ctx context.Context, callID, agentID string) (calls.Call, error) {
	now := a.clock().UTC()

	c, won, err := a.reg.ClaimCall(ctx, callID, agentID, now)
	if err != nil {
		return calls.Call{}, err
	}
	if !won {
		return c, fmt.Errorf("%w: call %s is %s", ErrAlreadyClaimed, callID, c.Status)
	}

	// If the call was parked this claim is an unpark: drop the transient
	// parked row and pull the caller's leg out of the hold bridge.
	parked, wasParked, err := a.reg.DeleteParkedCall(ctx, callID)
	if err != nil {
		return calls.Call{}, err
	}
	if wasParked {
		if c.ExternalLegID != "" {
			if perr := a.provider.Resume(ctx, c.ExternalLegID, parked.BridgeID); perr != nil {
				a.log.Warn("resume from hold bridge failed", "call_id", callID, "bridge_id", parked.BridgeID, "err", perr)
			}
		}
	} else {
		// First answer of a ringing call: its simultaneous-ring slot is done.
		a.releaseRingSlot(ctx, c.OrganizationID)
	}

	if err := a.avail.MarkBusy(ctx, agentID, c); err != nil {
		return calls.Call{}, err
	}

	if err := a.bus.Publish(ctx, ringbus.Event{
		CallID:         c.ID,
		ExternalLegID:  c.ExternalLegID,
		OrganizationID: c.OrganizationID,
		Type:           ringbus.EventAnswered,
		CreatedAt:      now,
	}); err != nil {
		a.log.Warn("answered event publish failed", "call_id", callID, "err", err)
	}

	if err := a.auditor.LogCall(ctx, c.OrganizationID, audit.EventTypeClaimWon, c.ID, agentID, "claim won"); err != nil {
		a.log.Warn("audit append failed", "call_id", callID, "err", err)
	}
	return c, nil
}

func (a *Arbiter) releaseRingSlot(ctx context.Context, orgID string) {
	if a.throttle == nil {
		return
	}
	if err := a.throttle.Release(ctx, orgID); err != nil {
		a.log.Warn("ring slot release failed", "organization_id", orgID, "err", err)
	}
}
