// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"errors"
	"fmt"
)

// Error taxonomy for the coordination layer. Transport and precondition
// failures are surfaced to callers; duplicate and stale events are internal
// outcomes that engines swallow after logging.

// TransportUnavailableError reports a failed relay publish or fetch. The
// operation that produced it left local state unchanged and is safe to
// retry on the next tick.
type TransportUnavailableError struct {
	Op  string // "publish", "fetch", "subscribe"
	Err error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("relay transport unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// PreconditionViolationError reports an operation refused synchronously
// because the terminal's role or state disallows it. State is unchanged.
type PreconditionViolationError struct {
	Reason string
}

func (e *PreconditionViolationError) Error() string {
	return fmt.Sprintf("precondition violation: %s", e.Reason)
}

var (
	// ErrDuplicateEvent marks an event id that was already applied.
	// Engines ignore it silently; it is never surfaced to the UI.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrStaleApprovalState marks an observed approval event older than
	// the currently-known state. Engines ignore it.
	ErrStaleApprovalState = errors.New("stale approval state")
)

// IsTransportUnavailable reports whether err is a transport failure.
func IsTransportUnavailable(err error) bool {
	var te *TransportUnavailableError
	return errors.As(err, &te)
}

// IsPreconditionViolation reports whether err is a refused precondition.
func IsPreconditionViolation(err error) bool {
	var pe *PreconditionViolationError
	return errors.As(err, &pe)
}
