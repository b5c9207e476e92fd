package calls

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an event is not permitted from the
// call's current status. Duplicate provider callbacks land here and must be
// treated as no-ops by callers.
var ErrInvalidTransition = errors.New("calls: invalid transition")

// Event is a lifecycle trigger applied to a call.
type Event string

const (
	// EventClaim moves ringing or parked calls to in_progress.
	EventClaim Event = "claim"
	// EventPark moves an in_progress call into a hold bridge.
	EventPark Event = "park"
	// EventComplete ends a live or parked call normally.
	EventComplete Event = "complete"
	// EventNoAnswer ends a call that was never connected (caller hangup,
	// reaper timeout) or whose bridged leg never connected.
	EventNoAnswer Event = "no_answer"
	// EventFail ends a call the provider reported as errored.
	EventFail Event = "fail"
)

// transitions is the single authority for which statuses a call may move
// between. Terminal statuses have no row, so every event applied to them
// fails the lookup.
var transitions = map[CallStatus]map[Event]CallStatus{
	StatusRinging: {
		EventClaim:    StatusInProgress,
		EventNoAnswer: StatusNoAnswer,
		EventFail:     StatusFailed,
	},
	StatusInProgress: {
		EventPark:     StatusParked,
		EventComplete: StatusCompleted,
		EventNoAnswer: StatusNoAnswer,
		EventFail:     StatusFailed,
	},
	StatusParked: {
		EventClaim:    StatusInProgress,
		EventComplete: StatusCompleted,
		EventNoAnswer: StatusNoAnswer,
		EventFail:     StatusFailed,
	},
}

// Next returns the status reached by applying ev from status s.
func Next(s CallStatus, ev Event) (CallStatus, error) {
	next, ok := transitions[s][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
	}
	return next, nil
}

// CanClaim reports whether a call is claimable at all. Ringing calls must be
// unassigned; parked calls may be taken over by any agent (that is how a
// transfer target, or the original parker, resumes the call).
func CanClaim(c Call) bool {
	if c.Status == StatusRinging {
		return c.AssignedTo == nil
	}
	return c.Status == StatusParked
}

// Apply validates ev against c's status and returns the mutated copy.
// It owns every timestamp rule:
//   - first claim sets StartedAt and AnsweredAt (later claims keep them)
//   - terminal events set EndedAt and compute DurationSeconds, and clear
//     AssignedTo so the ownership invariant holds in terminal states
//
// Apply never touches AssignedTo/AnsweredBy on a claim; the registry's
// atomic claim operation is the only writer of ownership, because that write
// must be conditional at the store.
func Apply(c Call, ev Event, now time.Time) (Call, error) {
	next, err := Next(c.Status, ev)
	if err != nil {
		return Call{}, err
	}
	c.Status = next

	switch ev {
	case EventClaim:
		if c.StartedAt == nil {
			t := now
			c.StartedAt = &t
		}
		if c.AnsweredAt == nil {
			t := now
			c.AnsweredAt = &t
		}
	case EventComplete, EventNoAnswer, EventFail:
		t := now
		c.EndedAt = &t
		c.DurationSeconds = 0
		if c.StartedAt != nil {
			c.DurationSeconds = int(now.Sub(*c.StartedAt) / time.Second)
			if c.DurationSeconds < 0 {
				c.DurationSeconds = 0
			}
		}
		c.AssignedTo = nil
	}
	return c, nil
}
