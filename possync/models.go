// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"encoding/json"
	"time"
)

// Role is a terminal's authority level within a merchant network.
type Role string

const (
	RoleMain Role = "main"
	RoleSub  Role = "sub"
)

// ApprovalStatus is a sub-terminal's own view of its trust state.
// Transitions are monotonic: none → pending → {approved|denied};
// denied → pending via re-request; approved → none via revocation.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Terminal identifies one device within a merchant network.
type Terminal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role"`
	NetworkID string `json:"network_id"`
}

// JoinRequest is a sub-terminal's request to be admitted to a network.
// Requests are immutable once created; a re-request supersedes the previous
// one for the same terminal id.
type JoinRequest struct {
	TerminalID   string    `json:"terminal_id"`
	TerminalName string    `json:"terminal_name"`
	NetworkID    string    `json:"network_id"`
	RequestedAt  time.Time `json:"requested_at"`
}

// ApprovedDevice is one entry in the main terminal's device directory.
type ApprovedDevice struct {
	TerminalID   string    `json:"terminal_id"`
	TerminalName string    `json:"terminal_name"`
	Role         Role      `json:"role"`
	ApprovedBy   string    `json:"approved_by"`
	ApprovedAt   time.Time `json:"approved_at"`
}

// SyncStatus is the engine state exposed to the UI layer.
type SyncStatus struct {
	Enabled       bool      `json:"enabled"`
	Syncing       bool      `json:"syncing"`
	PendingEvents int       `json:"pending_events"`
	LastSync      time.Time `json:"last_sync"`
	Identity      Terminal  `json:"identity"`
}

// ForwardOutcome records where a captured token's value ended up.
type ForwardOutcome string

const (
	OutcomeForwarded     ForwardOutcome = "forwarded"
	OutcomeFallbackLocal ForwardOutcome = "fallback_local"
	OutcomeReceived      ForwardOutcome = "received" // main side, after dedup
)

// ForwardRequest carries a payment token from a sub-terminal toward the
// main terminal. TransactionID is generated by the capturing terminal and
// is the dedup key under relay redelivery.
type ForwardRequest struct {
	Token         string  `json:"token"` // opaque Cashu token
	TransactionID string  `json:"transaction_id"`
	AmountSats    int64   `json:"amount_sats"`
	FiatAmount    float64 `json:"fiat_amount,omitempty"`
	FiatCurrency  string  `json:"fiat_currency,omitempty"`
	PaymentMethod string  `json:"payment_method,omitempty"`
	MintURL       string  `json:"mint_url"`
}

// ForwardResult reports the outcome of a ForwardToken call.
type ForwardResult struct {
	Outcome ForwardOutcome `json:"outcome"`
	Err     string         `json:"error,omitempty"` // transport detail when falling back
}

// Event payloads. Events themselves travel as posrelay.Event; these are the
// payload bodies for each event type.

// JoinRequestPayload is the body of a join_request event.
type JoinRequestPayload struct {
	TerminalName string `json:"terminal_name"`
}

// ApprovalPayload is the body of approval_granted / approval_denied /
// approval_revoked events. DecidedBy identifies the main terminal, which
// sub-terminals remember as the token-forwarding destination.
type ApprovalPayload struct {
	TerminalName string `json:"terminal_name,omitempty"`
	DecidedBy    string `json:"decided_by"`
}

// MainRegisteredPayload is the body of a main_registered event.
type MainRegisteredPayload struct {
	MerchantName string `json:"merchant_name"`
}

// StateChangePayload is the body of config_change / catalog_change events.
// EntityKey scopes last-writer-wins: concurrent edits to the same key
// resolve by event timestamp.
type StateChangePayload struct {
	EntityKey string          `json:"entity_key"`
	Value     json.RawMessage `json:"value"`
}

// decodePayload unmarshals an event payload into v.
func decodePayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
