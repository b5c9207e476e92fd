package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"switchdesk/internal/agents"
	"switchdesk/internal/audit"
	"switchdesk/internal/calls"
	"switchdesk/internal/ringbus"
	"switchdesk/internal/store"
	"switchdesk/internal/telephony"
)

type fixture struct {
	svc   *Service
	reg   *store.Memory
	bus   *ringbus.MemoryBus
	audit *audit.MemoryRepo
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:   store.NewMemory(),
		bus:   ringbus.NewMemoryBus(),
		audit: audit.NewMemoryRepo(),
		now:   time.Unix(1700000000, 0).UTC(),
	}
	f.svc = NewService(f.reg, f.bus, telephony.NoopProvider{}, audit.NewService(f.audit), nil, nil)
	clock := func() time.Time { return f.now }
	f.svc.clock = clock
	f.svc.arbiter.clock = clock
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) seedAgent(id string) {
	f.reg.PutAgent(agents.Agent{ID: id, OrganizationID: "org1", Role: "agent", IsAvailable: true})
}

func (f *fixture) seedRinging(id string) calls.Call {
	c := calls.Call{
		ID:             id,
		OrganizationID: "org1",
		Direction:      calls.DirectionInbound,
		FromNumber:     "+15550001111",
		ToNumber:       "+15552220000",
		ExternalLegID:  "CA-" + id,
		Status:         calls.StatusRinging,
		CreatedAt:      f.now,
	}
	if err := f.reg.CreateCall(context.Background(), c); err != nil {
		panic(err)
	}
	return c
}

func (f *fixture) call(t *testing.T, id string) calls.Call {
	t.Helper()
	c, err := f.reg.GetCall(context.Background(), id)
	if err != nil {
		t.Fatalf("get call %s: %v", id, err)
	}
	return c
}

func (f *fixture) agent(t *testing.T, id string) agents.Agent {
	t.Helper()
	a, err := f.reg.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("get agent %s: %v", id, err)
	}
	return a
}

// assertInvariant checks the agent/call ownership invariant for one agent.
func assertInvariant(t *testing.T, f *fixture, agentID string) {
	t.Helper()
	a := f.agent(t, agentID)
	if !a.Consistent() {
		t.Fatalf("agent %s bookkeeping inconsistent: %+v", agentID, a)
	}
	if a.CurrentCallID == nil {
		return
	}
	c := f.call(t, *a.CurrentCallID)
	if c.AssignedTo == nil || *c.AssignedTo != agentID {
		t.Fatalf("agent %s points at call %s not assigned to them", agentID, c.ID)
	}
	if !c.Status.Owned() {
		t.Fatalf("agent %s points at call %s in status %s", agentID, c.ID, c.Status)
	}
}

func TestClaim_TwoAgentsRace_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedAgent("agentB")
	f.seedRinging("c1")

	type result struct {
		agent string
		err   error
	}
	results := make(chan result, 2)
	for _, id := range []string{"agentA", "agentB"} {
		go func(agentID string) {
			_, err := f.svc.Claim(ctx, "c1", agentID)
			results <- result{agentID, err}
		}(id)
	}

	var winner string
	losses := 0
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err == nil {
			if winner != "" {
				t.Fatalf("two winners: %s and %s", winner, r.agent)
			}
			winner = r.agent
		} else if errors.Is(r.err, ErrAlreadyClaimed) {
			losses++
		} else {
			t.Fatalf("unexpected claim error: %v", r.err)
		}
	}
	if winner == "" || losses != 1 {
		t.Fatalf("expected one winner and one AlreadyClaimed, winner=%q losses=%d", winner, losses)
	}

	c := f.call(t, "c1")
	if c.Status != calls.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", c.Status)
	}
	if *c.AssignedTo != winner || *c.AnsweredBy != winner {
		t.Fatalf("ownership fields do not match winner %s: %+v", winner, c)
	}

	w := f.agent(t, winner)
	if w.IsAvailable || w.CurrentCallID == nil || *w.CurrentCallID != "c1" {
		t.Fatalf("winner not marked busy: %+v", w)
	}
	if w.CurrentCallPhoneNumber != "+15550001111" {
		t.Fatalf("expected caller number on agent, got %q", w.CurrentCallPhoneNumber)
	}
	assertInvariant(t, f, "agentA")
	assertInvariant(t, f, "agentB")
}

func TestClaim_PublishesAnsweredToOtherSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedAgent("agentB")
	f.seedRinging("c1")

	chB, cancelB, err := f.bus.Subscribe(ctx, "org1", "agentB")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancelB()

	if _, err := f.svc.Claim(ctx, "c1", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	select {
	case ev := <-chB:
		if ev.Type != ringbus.EventAnswered || ev.CallID != "c1" {
			t.Fatalf("expected answered for c1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("losing session never told to stop ringing")
	}
}

func TestClaim_TerminalCallReturnsAlreadyClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	c := f.seedRinging("c1")

	c.Status = calls.StatusCompleted
	if ok, _ := f.reg.UpdateCallIf(ctx, c, calls.StatusRinging); !ok {
		t.Fatalf("seed update failed")
	}

	_, err := f.svc.Claim(ctx, "c1", "agentA")
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed for terminal call, got %v", err)
	}
}

func TestClaim_UnknownCall(t *testing.T) {
	f := newFixture(t)
	f.seedAgent("agentA")
	_, err := f.svc.Claim(context.Background(), "missing", "agentA")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnd_ComputesDurationAndFreesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedRinging("c1")

	if _, err := f.svc.Claim(ctx, "c1", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	f.advance(42 * time.Second)
	dur, err := f.svc.End(ctx, "c1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if dur != 42 {
		t.Fatalf("expected duration 42, got %d", dur)
	}

	c := f.call(t, "c1")
	if c.Status != calls.StatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}
	if c.AssignedTo != nil {
		t.Fatalf("assigned_to must be cleared on completion")
	}
	if c.AnsweredBy == nil || *c.AnsweredBy != "agentA" {
		t.Fatalf("answered_by must be retained for history")
	}

	a := f.agent(t, "agentA")
	if !a.IsAvailable || a.CurrentCallID != nil {
		t.Fatalf("agent not freed: %+v", a)
	}
	assertInvariant(t, f, "agentA")
}

func TestEnd_RingingCallResolvesAsNoAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRinging("c1")

	f.advance(9 * time.Second)
	dur, err := f.svc.End(ctx, "c1")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if dur != 0 {
		t.Fatalf("expected zero duration for unanswered call, got %d", dur)
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", c.Status)
	}
}

func TestTerminalCallsNeverChangeAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedRinging("c1")

	_, _ = f.svc.Claim(ctx, "c1", "agentA")
	f.advance(10 * time.Second)
	if _, err := f.svc.End(ctx, "c1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	done := f.call(t, "c1")

	if _, err := f.svc.Claim(ctx, "c1", "agentA"); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claim on terminal call: got %v", err)
	}
	if _, err := f.svc.End(ctx, "c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("end on terminal call: got %v", err)
	}
	if err := f.svc.OnProviderStatus(ctx, done.ExternalLegID, "completed", 999); err != nil {
		t.Fatalf("duplicate provider callback must be a no-op, got %v", err)
	}

	after := f.call(t, "c1")
	if after.Status != done.Status || after.DurationSeconds != done.DurationSeconds {
		t.Fatalf("terminal call mutated: before=%+v after=%+v", done, after)
	}
}

func TestPark_RequiresOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedAgent("agentB")
	f.seedRinging("c1")

	if _, err := f.svc.Park(ctx, "c1", "agentA"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("park on ringing call: got %v", err)
	}

	_, _ = f.svc.Claim(ctx, "c1", "agentA")
	if _, err := f.svc.Park(ctx, "c1", "agentB"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("park by non-owner: got %v", err)
	}
}

func TestParkTransferClaim_MovesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedAgent("agentC")
	f.seedRinging("c1")

	if _, err := f.svc.Claim(ctx, "c1", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Park: call suspended, agentA freed, parked row exists.
	f.advance(30 * time.Second)
	parked, err := f.svc.Park(ctx, "c1", "agentA")
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if parked.BridgeID == "" || parked.ParkedBy != "agentA" {
		t.Fatalf("unexpected parked record: %+v", parked)
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusParked {
		t.Fatalf("expected parked, got %s", c.Status)
	}
	if a := f.agent(t, "agentA"); !a.IsAvailable {
		t.Fatalf("parking agent not freed: %+v", a)
	}

	// Transfer: ringing event addressed only to agentC, status unchanged.
	chA, cancelA, _ := f.bus.Subscribe(ctx, "org1", "agentA")
	defer cancelA()
	chC, cancelC, _ := f.bus.Subscribe(ctx, "org1", "agentC")
	defer cancelC()

	if err := f.svc.Transfer(ctx, "c1", "agentC"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	select {
	case ev := <-chC:
		if ev.Type != ringbus.EventRinging || ev.CallID != "c1" {
			t.Fatalf("target got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("transfer target never offered the call")
	}
	select {
	case ev := <-chA:
		t.Fatalf("transfer ring must be addressed to the target only, agentA got %+v", ev)
	default:
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusParked {
		t.Fatalf("transfer must not change status, got %s", c.Status)
	}

	// Claim by the target: ownership moves, parked row destroyed.
	f.advance(5 * time.Second)
	c, err := f.svc.Claim(ctx, "c1", "agentC")
	if err != nil {
		t.Fatalf("target claim: %v", err)
	}
	if c.Status != calls.StatusInProgress || *c.AssignedTo != "agentC" {
		t.Fatalf("expected agentC in_progress, got %+v", c)
	}
	if *c.AnsweredBy != "agentA" {
		t.Fatalf("answered_by must keep the original answerer, got %s", *c.AnsweredBy)
	}
	if _, ok, _ := f.reg.GetParkedCall(ctx, "c1"); ok {
		t.Fatalf("parked record must be destroyed on re-claim")
	}
	assertInvariant(t, f, "agentA")
	assertInvariant(t, f, "agentC")
}

func TestTransfer_RejectsRingingAndUnknownTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedRinging("c1")

	if err := f.svc.Transfer(ctx, "c1", "agentA"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transfer of ringing call: got %v", err)
	}

	_, _ = f.svc.Claim(ctx, "c1", "agentA")
	if err := f.svc.Transfer(ctx, "c1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("transfer to unknown agent: got %v", err)
	}
}

func TestOnProviderStatus_EndsLiveCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedRinging("c1")
	_, _ = f.svc.Claim(ctx, "c1", "agentA")

	f.advance(17 * time.Second)
	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "completed", 17); err != nil {
		t.Fatalf("provider status: %v", err)
	}

	c := f.call(t, "c1")
	if c.Status != calls.StatusCompleted || c.DurationSeconds != 17 {
		t.Fatalf("unexpected call after provider completion: %+v", c)
	}
	if a := f.agent(t, "agentA"); !a.IsAvailable {
		t.Fatalf("agent not freed by provider completion: %+v", a)
	}
}

func TestOnProviderStatus_CancelBeforeClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRinging("c1")

	ch, cancel, _ := f.bus.Subscribe(ctx, "org1", "agentA")
	defer cancel()

	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "canceled", 0); err != nil {
		t.Fatalf("provider status: %v", err)
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", c.Status)
	}
	select {
	case ev := <-ch:
		if ev.Type != ringbus.EventRingCancel {
			t.Fatalf("expected ring_cancel, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("ring_cancel never published")
	}
}

func TestOnProviderStatus_CompletedBeforeClaimResolvesAsNoAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRinging("c1")

	// Twilio reports a caller hangup on the waiting bridge as "completed"
	// with a nonzero leg duration, but nobody ever answered this call.
	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "completed", 7); err != nil {
		t.Fatalf("provider status: %v", err)
	}

	c := f.call(t, "c1")
	if c.Status != calls.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", c.Status)
	}
	if c.DurationSeconds != 0 {
		t.Fatalf("unanswered call must keep zero duration, got %d", c.DurationSeconds)
	}
	if c.EndedAt == nil {
		t.Fatalf("ended_at must be set")
	}
}

func TestOnProviderStatus_CancelsOutstandingTransferOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")
	f.seedAgent("agentC")
	f.seedRinging("c1")

	if _, err := f.svc.Claim(ctx, "c1", "agentA"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.Park(ctx, "c1", "agentA"); err != nil {
		t.Fatalf("park: %v", err)
	}

	chC, cancelC, _ := f.bus.Subscribe(ctx, "org1", "agentC")
	defer cancelC()
	if err := f.svc.Transfer(ctx, "c1", "agentC"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	select {
	case ev := <-chC:
		if ev.Type != ringbus.EventRinging {
			t.Fatalf("expected transfer ring, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("transfer target never offered the call")
	}

	// Caller hangs up before the target claims; the offer must be withdrawn
	// even though the call was parked, not ringing.
	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "completed", 33); err != nil {
		t.Fatalf("provider status: %v", err)
	}
	select {
	case ev := <-chC:
		if ev.Type != ringbus.EventRingCancel || ev.CallID != "c1" {
			t.Fatalf("expected ring_cancel for c1, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("transfer target never told to stop ringing")
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusCompleted {
		t.Fatalf("expected completed, got %s", c.Status)
	}
}

func TestOnProviderStatus_IgnoresIrrelevantAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRinging("c1")

	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "in-progress", 0); err != nil {
		t.Fatalf("progress report should be ignored, got %v", err)
	}
	if err := f.svc.OnProviderStatus(ctx, "CA-unknown", "completed", 5); err != nil {
		t.Fatalf("unknown leg should be acked, got %v", err)
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusRinging {
		t.Fatalf("call mutated by irrelevant callback: %s", c.Status)
	}
}

func TestOnProviderStatus_BusyMapsToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedRinging("c1")

	if err := f.svc.OnProviderStatus(ctx, "CA-c1", "busy", 0); err != nil {
		t.Fatalf("provider status: %v", err)
	}
	if c := f.call(t, "c1"); c.Status != calls.StatusFailed {
		t.Fatalf("expected failed, got %s", c.Status)
	}
}

func TestHandleInbound_BroadcastsRinging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")

	ch, cancel, _ := f.bus.Subscribe(ctx, "org1", "agentA")
	defer cancel()

	c, err := f.svc.HandleInbound(ctx, telephony.InboundCallEvent{
		OrganizationID: "org1",
		ExternalLegID:  "CA-x",
		From:           "+15550001111",
		To:             "+15552220000",
		OccurredAt:     f.now,
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if c.Status != calls.StatusRinging || c.Direction != calls.DirectionInbound {
		t.Fatalf("unexpected call: %+v", c)
	}

	select {
	case ev := <-ch:
		if ev.Type != ringbus.EventRinging || ev.CallID != c.ID || ev.AgentID != nil {
			t.Fatalf("expected broadcast ringing, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("ringing event never published")
	}
}

func TestPlaceOutbound_ClaimsForInitiator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAgent("agentA")

	c, err := f.svc.PlaceOutbound(ctx, "org1", "agentA", "+15559990000", "CA-out")
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if c.Status != calls.StatusInProgress || *c.AssignedTo != "agentA" {
		t.Fatalf("outbound call not owned by initiator: %+v", c)
	}
	a := f.agent(t, "agentA")
	if a.IsAvailable || a.CurrentCallPhoneNumber != "+15559990000" {
		t.Fatalf("initiator not marked busy with dialed number: %+v", a)
	}
	assertInvariant(t, f, "agentA")
}
