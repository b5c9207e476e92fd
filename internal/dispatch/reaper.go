package dispatch

import (
	"context"
	"log/slog"
	"time"

	"switchdesk/internal/audit"
	"switchdesk/internal/calls"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"

	"github.com/robfig/cron/v3"
)

const reaperBatchSize = 100

// Reaper sweeps calls stuck in ringing past the configured timeout (no
// caller action, no claim) to no_answer. It is the system's forward-progress
// guarantee when ring events are lost or agent clients go unresponsive.
type Reaper struct {
	reg      store.Registry
	bus      ringbus.Bus
	avail    *Availability
	auditor  *audit.Service
	throttle RingThrottle
	timeout  time.Duration
	log      *slog.Logger
	clock    func() time.Time
}

func NewReaper(reg store.Registry, bus ringbus.Bus, auditor *audit.Service, throttle RingThrottle, timeout time.Duration, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		reg:      reg,
		bus:      bus,
		avail:    NewAvailability(reg, log),
		auditor:  auditor,
		throttle: throttle,
		timeout:  timeout,
		log:      log,
		clock:    time.Now,
	}
}

// Schedule registers the sweep on c. The caller owns starting and stopping
// the cron runner.
func (r *Reaper) Schedule(c *cron.Cron, every time.Duration) (cron.EntryID, error) {
	return c.AddFunc("@every "+every.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.SweepOnce(ctx); err != nil {
			r.log.Error("reaper sweep failed", "err", err)
		}
	})
}

// SweepOnce transitions every stale ringing call to no_answer and returns
// how many calls were swept. Each call is written conditionally, so a claim
// landing mid-sweep wins and the reaper silently skips that call.
func (r *Reaper) SweepOnce(ctx context.Context) (int, error) {
	now := r.clock().UTC()
	cutoff := now.Add(-r.timeout)

	stale, err := r.reg.ListStaleRinging(ctx, cutoff, reaperBatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, c := range stale {
		next, err := calls.Apply(c, calls.EventNoAnswer, now)
		if err != nil {
			continue
		}
		ok, err := r.reg.UpdateCallIf(ctx, next, calls.StatusRinging)
		if err != nil {
			r.log.Error("reaper update failed", "call_id", c.ID, "err", err)
			continue
		}
		if !ok {
			// Claimed or ended between the scan and the write.
			continue
		}
		swept++

		// Pre-claim calls should have no agent linkage, but partial
		// failures can leave one behind; clear it if it exists.
		if c.AssignedTo != nil {
			if err := r.avail.MarkFree(ctx, *c.AssignedTo, c.ID); err != nil {
				r.log.Error("reaper agent free failed", "agent_id", *c.AssignedTo, "call_id", c.ID, "err", err)
			}
		}

		if r.throttle != nil {
			if err := r.throttle.Release(ctx, c.OrganizationID); err != nil {
				r.log.Warn("ring slot release failed", "organization_id", c.OrganizationID, "err", err)
			}
		}

		if err := r.bus.Publish(ctx, ringbus.Event{
			CallID:         c.ID,
			ExternalLegID:  c.ExternalLegID,
			OrganizationID: c.OrganizationID,
			Type:           ringbus.EventRingCancel,
			CreatedAt:      now,
		}); err != nil {
			r.log.Warn("ring cancel publish failed", "call_id", c.ID, "err", err)
		}

		if err := r.auditor.LogCall(ctx, c.OrganizationID, audit.EventTypeCallReaped, c.ID, "", "stale ringing call swept to no_answer"); err != nil {
			r.log.Warn("audit append failed", "call_id", c.ID, "err", err)
		}
	}

	if swept > 0 {
		r.log.Info("stale calls swept", "count", swept)
	}
	return swept, nil
}
