// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// Wallet is the local custody path consumed from the wallet module.
// Implementations must durably retain the token's proofs.
type Wallet interface {
	AddProofs(ctx context.Context, token, mintURL string) error
}

// StoreWallet is a store-backed Wallet so the coordinator and tests run
// without the external wallet module.
type StoreWallet struct {
	store *Store
}

// NewStoreWallet wraps the coordination store as a Wallet.
func NewStoreWallet(store *Store) *StoreWallet {
	return &StoreWallet{store: store}
}

// AddProofs deposits a token into the store's proof custody.
func (w *StoreWallet) AddProofs(ctx context.Context, token, mintURL string) error {
	return w.store.AddProofs(token, mintURL, 0, "")
}

// TokenForwardCoordinator routes payment tokens captured by a sub-terminal
// to the main terminal, or falls back to local custody. Its one hard
// guarantee: a received token always ends up exactly one of forwarded (and
// discarded locally) or retained locally, never both and never neither.
type TokenForwardCoordinator struct {
	store     *Store
	transport Transport
	role      TerminalRole
	wallet    Wallet
	logger    *slog.Logger
}

// NewTokenForwardCoordinator creates the coordinator. wallet may be nil, in
// which case the store-backed custody path is used.
func NewTokenForwardCoordinator(store *Store, transport Transport, role TerminalRole, wallet Wallet, logger *slog.Logger) *TokenForwardCoordinator {
	if wallet == nil {
		wallet = NewStoreWallet(store)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenForwardCoordinator{
		store:     store,
		transport: transport,
		role:      role,
		wallet:    wallet,
		logger:    logger,
	}
}

// ShouldForwardTokens reports whether captured tokens leave this terminal:
// true iff the role forwards, sync is enabled and approval is current.
func (c *TokenForwardCoordinator) ShouldForwardTokens() bool {
	if !c.role.ForwardsTokens() {
		return false
	}
	enabled, err := c.store.SyncEnabled()
	if err != nil || !enabled {
		return false
	}
	status, _, err := c.store.ApprovalStatus()
	if err != nil {
		return false
	}
	return status == ApprovalApproved
}

// ForwardToken publishes a forward request addressed to the main terminal
// and returns without waiting for acknowledgement. On publish failure the
// token goes into local custody and the result reports fallback_local with
// a warning. The customer has already paid, so this path never hard-fails
// unless custody itself fails, which would lose value and is returned as an
// error for the caller to retain the token.
func (c *TokenForwardCoordinator) ForwardToken(ctx context.Context, req *ForwardRequest) (*ForwardResult, error) {
	if !c.role.ForwardsTokens() {
		return nil, &PreconditionViolationError{Reason: "the main terminal custodies tokens directly"}
	}
	if req.TransactionID == "" {
		req.TransactionID = uuid.New().String()
	}

	if !c.ShouldForwardTokens() {
		return c.fallback(ctx, req, fmt.Errorf("forwarding disabled (not approved or sync off)"))
	}

	mainID, err := c.store.MainTerminalID()
	if err != nil {
		return nil, err
	}
	if mainID == "" {
		return c.fallback(ctx, req, fmt.Errorf("main terminal unknown"))
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal forward request: %w", err)
	}

	identity, err := c.store.Identity()
	if err != nil {
		return nil, err
	}
	ev := &posrelay.Event{
		ID:        uuid.New().String(),
		Type:      posrelay.EventTokenForward,
		NetworkID: identity.NetworkID,
		Origin:    identity.ID,
		Recipient: mainID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	if err := c.transport.Publish(ctx, ev); err != nil {
		return c.fallback(ctx, req, err)
	}

	if _, err := c.store.RecordForward(req.TransactionID, OutcomeForwarded, req.AmountSats); err != nil {
		return nil, err
	}
	c.logger.Info("Token forwarded to main terminal",
		"transaction_id", req.TransactionID, "amount_sats", req.AmountSats, "main_terminal", mainID)
	return &ForwardResult{Outcome: OutcomeForwarded}, nil
}

// fallback deposits the token into local custody. Reported as a warning,
// not an error: value is preserved.
func (c *TokenForwardCoordinator) fallback(ctx context.Context, req *ForwardRequest, cause error) (*ForwardResult, error) {
	if err := c.wallet.AddProofs(ctx, req.Token, req.MintURL); err != nil {
		// The only unacceptable failure mode: neither forwarded nor
		// retained. Surface it loudly; the caller still holds the token.
		return nil, fmt.Errorf("token neither forwarded nor custodied: %w", err)
	}
	if _, err := c.store.RecordForward(req.TransactionID, OutcomeFallbackLocal, req.AmountSats); err != nil {
		return nil, err
	}
	c.logger.Warn("Forwarding unavailable; token retained in local custody",
		"transaction_id", req.TransactionID, "amount_sats", req.AmountSats, "cause", cause)
	return &ForwardResult{Outcome: OutcomeFallbackLocal, Err: cause.Error()}, nil
}

// ProcessInbox pulls forwarded tokens addressed to this (main) terminal and
// credits each transaction id exactly once. Redelivered forwards are
// ignored rather than double-credited.
func (c *TokenForwardCoordinator) ProcessInbox(ctx context.Context) (int, error) {
	if c.role.ForwardsTokens() {
		return 0, &PreconditionViolationError{Reason: "only the main terminal receives forwarded tokens"}
	}

	identity, err := c.store.Identity()
	if err != nil {
		return 0, err
	}
	cursor, err := c.store.Cursor(CursorInbox)
	if err != nil {
		return 0, err
	}

	credited := 0
	for {
		page, err := c.transport.FetchSince(ctx, identity.NetworkID, posrelay.FetchFilter{
			Recipient: identity.ID,
			Types:     []string{posrelay.EventTokenForward},
			After:     cursor,
		})
		if err != nil {
			return credited, err
		}

		for i := range page.Events {
			ev := &page.Events[i]
			ok, err := c.creditForwardedToken(ctx, ev)
			if err != nil {
				return credited, err
			}
			if ok {
				credited++
			}
		}

		cursor = page.NextAfter
		if err := c.store.SetCursor(CursorInbox, cursor); err != nil {
			return credited, err
		}
		if !page.HasMore {
			break
		}
	}
	return credited, nil
}

// creditForwardedToken applies one forwarded token, deduplicated by
// transaction id. Returns whether the balance was credited.
func (c *TokenForwardCoordinator) creditForwardedToken(ctx context.Context, ev *posrelay.Event) (bool, error) {
	var req ForwardRequest
	if err := decodePayload(ev.Payload, &req); err != nil {
		c.logger.Warn("Ignoring malformed forward request", "event_id", ev.ID, "error", err)
		return false, nil
	}
	if req.TransactionID == "" {
		c.logger.Warn("Ignoring forward request without transaction id", "event_id", ev.ID)
		return false, nil
	}

	firstTime, err := c.store.RecordForward(req.TransactionID, OutcomeReceived, req.AmountSats)
	if err != nil {
		return false, err
	}
	if !firstTime {
		c.logger.Debug("Ignoring redelivered forward request",
			"transaction_id", req.TransactionID, "event_id", ev.ID)
		return false, nil
	}

	if err := c.wallet.AddProofs(ctx, req.Token, req.MintURL); err != nil {
		// Roll the dedup gate back so the next inbox pass credits it.
		if delErr := c.store.DeleteForward(req.TransactionID); delErr != nil {
			return false, fmt.Errorf("failed to roll back forward record: %w", delErr)
		}
		return false, fmt.Errorf("failed to custody forwarded token: %w", err)
	}
	c.logger.Info("Forwarded token credited",
		"transaction_id", req.TransactionID, "amount_sats", req.AmountSats, "origin", ev.Origin)
	return true, nil
}
