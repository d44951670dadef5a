// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"encoding/json"
	"time"
)

// Wire models shared by the relay server and the terminal-side client.
// Events are opaque to the relay: it stores and forwards them by network id
// and optional recipient, assigning only a monotonic sequence for cursors.

// Event types understood by the terminal coordination layer.
const (
	EventJoinRequest     = "join_request"
	EventApprovalGranted = "approval_granted"
	EventApprovalDenied  = "approval_denied"
	EventApprovalRevoked = "approval_revoked"
	EventConfigChange    = "config_change"
	EventCatalogChange   = "catalog_change"
	EventMainRegistered  = "main_registered"
	EventTokenForward    = "token_forward"
)

// Event is a signed, store-and-forward payload addressed by network id and,
// optionally, a single recipient terminal. Seq is relay-assigned and is only
// meaningful as a fetch cursor; terminals must not compare Seq across relays.
type Event struct {
	ID        string          `json:"id"`                  // terminal-assigned UUIDv4, globally unique
	Type      string          `json:"type"`                // one of the Event* constants
	NetworkID string          `json:"network_id"`          // merchant network this event belongs to
	Origin    string          `json:"origin"`              // originating terminal id (relay overrides from auth)
	Recipient string          `json:"recipient,omitempty"` // terminal id; empty = network broadcast
	CreatedAt time.Time       `json:"created_at"`          // origin clock, used for last-writer-wins
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int64           `json:"seq,omitempty"` // relay-assigned cursor position
}

// PublishRequest wraps the event to publish. The relay derives origin and
// network scoping from the bearer token, not from the body.
type PublishRequest struct {
	Event Event `json:"event"`
}

// PublishResponse acknowledges a publish. A redelivered event id is acked
// with Duplicate=true rather than rejected, so retries are always safe.
type PublishResponse struct {
	Accepted  bool  `json:"accepted"`
	Duplicate bool  `json:"duplicate"`
	Seq       int64 `json:"seq"`
}

// FetchFilter selects events from a network feed.
type FetchFilter struct {
	Recipient string   // terminal id; empty selects broadcast events only
	Types     []string // empty selects all types
	After     int64    // exclusive relay sequence cursor
	Limit     int      // page size; relay clamps to its maximum
}

// FetchPage is one page of a network feed in sequence order.
type FetchPage struct {
	Events    []Event `json:"events"`
	NextAfter int64   `json:"next_after"`
	HasMore   bool    `json:"has_more"`
}

// ErrorResponse is the JSON error shape returned by all relay endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
