package model

import "errors"

// Error kinds returned by the core and mapped to transport responses at the
// REST and gateway boundaries. Matched with errors.Is.
var (
	// ErrUnauthenticated means a bad, missing, or expired token. Handled at
	// the boundary; never reaches business logic.
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrForbidden means the verified identity may not perform the action,
	// for example acting on someone else's call.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound means an unknown call id or conversation.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition means a state change was attempted from a state
	// that does not allow it, for example accepting a terminal call.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrReceiverUnavailable means the presence check on the callee failed.
	ErrReceiverUnavailable = errors.New("receiver unavailable")

	// ErrBrokerUnavailable means a publish failed. The caller decides on
	// retry; the core never retries on its own.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
