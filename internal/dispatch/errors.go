package dispatch

import (
	"errors"

	"switchdesk/internal/calls"
	"switchdesk/internal/store"
)

var (
	// ErrAlreadyClaimed means the claim lost the race (or targeted a call
	// that is in progress or terminal). Expected under contention; callers
	// must not retry, the event bus tells losing sessions to stop ringing.
	ErrAlreadyClaimed = errors.New("dispatch: call already claimed")

	// ErrNotOwner means the acting agent does not own the call.
	ErrNotOwner = errors.New("dispatch: agent does not own this call")

	// ErrStoreUnavailable marks a transient record-store fault. Only the
	// provider-callback path retries these, and only a bounded number of
	// times.
	ErrStoreUnavailable = errors.New("dispatch: record store unavailable")
)

// Re-exported so HTTP handlers map error kinds from one package.
var (
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = calls.ErrInvalidTransition
)
