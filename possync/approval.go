// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// DeviceApprovalEngine mediates the join/approve/deny/revoke protocol and
// exposes each terminal's view of trust. All views (pending requests,
// approved directory, own status) are derived from observed events and can
// be rebuilt from the relay at any time.
type DeviceApprovalEngine struct {
	store     *Store
	transport Transport
	role      TerminalRole
	logger    *slog.Logger

	mu          sync.Mutex
	initialized bool
	identity    Terminal
	pending     []JoinRequest // replaced wholesale on every poll

	// onRevoked runs when a revocation addressed to this terminal is
	// observed; the sync engine registers its forced-disable here.
	onRevoked func()
}

// NewDeviceApprovalEngine creates the engine. role must match the stored
// identity's role.
func NewDeviceApprovalEngine(store *Store, transport Transport, role TerminalRole, logger *slog.Logger) *DeviceApprovalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceApprovalEngine{
		store:     store,
		transport: transport,
		role:      role,
		logger:    logger,
	}
}

// OnRevoked registers the hook invoked when this terminal observes its own
// revocation. Typically wired to SyncEngine.ForceDisable.
func (e *DeviceApprovalEngine) OnRevoked(hook func()) {
	e.mu.Lock()
	e.onRevoked = hook
	e.mu.Unlock()
}

// Initialize establishes the terminal's durable identity and loads derived
// views. Safe to call repeatedly: known state is never reset.
func (e *DeviceApprovalEngine) Initialize(ctx context.Context, terminalName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return nil
	}

	identity, err := e.store.EnsureTerminal(terminalName)
	if err != nil {
		return fmt.Errorf("failed to ensure terminal identity: %w", err)
	}
	e.identity = identity

	pending, err := e.store.JoinRequests()
	if err != nil {
		return fmt.Errorf("failed to load pending requests: %w", err)
	}
	e.pending = pending

	e.initialized = true
	e.logger.Debug("Approval engine initialized",
		"terminal_id", identity.ID, "role", identity.Role, "network_id", identity.NetworkID)
	return nil
}

// Identity returns the terminal identity established by Initialize.
func (e *DeviceApprovalEngine) Identity() Terminal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// SendJoinRequest publishes a join request for this terminal and marks the
// local status pending. On transport failure nothing changes locally: no
// optimistic pending marker for a request the network never saw.
func (e *DeviceApprovalEngine) SendJoinRequest(ctx context.Context, terminalID, terminalName, networkID string) error {
	payload, err := json.Marshal(&JoinRequestPayload{TerminalName: terminalName})
	if err != nil {
		return fmt.Errorf("failed to marshal join request: %w", err)
	}

	ev := &posrelay.Event{
		ID:        uuid.New().String(),
		Type:      posrelay.EventJoinRequest,
		NetworkID: networkID,
		Origin:    terminalID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		return err // TransportUnavailable, state unchanged
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity.Name = terminalName
	e.identity.NetworkID = networkID
	if err := e.store.SetIdentity(e.identity); err != nil {
		return err
	}
	if err := e.store.SetApprovalStatus(ApprovalPending, ev.CreatedAt); err != nil {
		return err
	}
	e.logger.Info("Join request sent", "terminal_id", terminalID, "network_id", networkID)
	return nil
}

// FetchPendingRequests pulls join requests since the last cursor,
// deduplicates by terminal id keeping the latest, and replaces the pending
// list. Repeated polls never produce duplicate entries. Main role only.
func (e *DeviceApprovalEngine) FetchPendingRequests(ctx context.Context, networkID string) ([]JoinRequest, error) {
	if !e.role.ManagesDevices() {
		return nil, &PreconditionViolationError{Reason: "only the main terminal manages join requests"}
	}

	cursor, err := e.store.Cursor(CursorRequests)
	if err != nil {
		return nil, err
	}

	for {
		page, err := e.transport.FetchSince(ctx, networkID, posrelay.FetchFilter{
			Types: []string{posrelay.EventJoinRequest},
			After: cursor,
		})
		if err != nil {
			return nil, err
		}

		for i := range page.Events {
			ev := &page.Events[i]
			var payload JoinRequestPayload
			if err := decodePayload(ev.Payload, &payload); err != nil {
				e.logger.Warn("Ignoring malformed join request", "event_id", ev.ID, "error", err)
				continue
			}
			// Requests from already-approved devices are not pending.
			req := JoinRequest{
				TerminalID:   ev.Origin,
				TerminalName: payload.TerminalName,
				NetworkID:    networkID,
				RequestedAt:  ev.CreatedAt,
			}
			if err := e.store.UpsertJoinRequest(req); err != nil {
				return nil, err
			}
		}

		cursor = page.NextAfter
		if err := e.store.SetCursor(CursorRequests, cursor); err != nil {
			return nil, err
		}
		if !page.HasMore {
			break
		}
	}

	requests, err := e.store.JoinRequests()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.pending = requests // replace, never append
	e.mu.Unlock()
	return requests, nil
}

// PendingRequests returns the current in-memory pending view.
func (e *DeviceApprovalEngine) PendingRequests() []JoinRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]JoinRequest, len(e.pending))
	copy(out, e.pending)
	return out
}

// ApproveDevice publishes an approval for a pending request and updates the
// local directory optimistically. There is no two-phase commit: the other
// side eventually observes the event.
func (e *DeviceApprovalEngine) ApproveDevice(ctx context.Context, request JoinRequest, approverID string) error {
	return e.decideRequest(ctx, request, approverID, posrelay.EventApprovalGranted)
}

// DenyDevice publishes a denial for a pending request.
func (e *DeviceApprovalEngine) DenyDevice(ctx context.Context, request JoinRequest, denierID string) error {
	return e.decideRequest(ctx, request, denierID, posrelay.EventApprovalDenied)
}

func (e *DeviceApprovalEngine) decideRequest(ctx context.Context, request JoinRequest, deciderID, eventType string) error {
	if !e.role.ManagesDevices() {
		return &PreconditionViolationError{Reason: "only the main terminal decides join requests"}
	}

	payload, err := json.Marshal(&ApprovalPayload{
		TerminalName: request.TerminalName,
		DecidedBy:    deciderID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal approval payload: %w", err)
	}

	ev := &posrelay.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		NetworkID: request.NetworkID,
		Origin:    deciderID,
		Recipient: request.TerminalID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		return err
	}

	if eventType == posrelay.EventApprovalGranted {
		if err := e.store.PutDevice(ApprovedDevice{
			TerminalID:   request.TerminalID,
			TerminalName: request.TerminalName,
			Role:         RoleSub,
			ApprovedBy:   deciderID,
			ApprovedAt:   ev.CreatedAt,
		}); err != nil {
			return err
		}
	}
	if err := e.store.RemoveJoinRequest(request.TerminalID); err != nil {
		return err
	}

	e.mu.Lock()
	kept := e.pending[:0]
	for _, req := range e.pending {
		if req.TerminalID != request.TerminalID {
			kept = append(kept, req)
		}
	}
	e.pending = kept
	e.mu.Unlock()

	e.logger.Info("Join request decided",
		"terminal_id", request.TerminalID, "decision", eventType, "decided_by", deciderID)
	return nil
}

// RevokeDevice publishes a revocation addressed to the device and removes
// it from the approved directory.
func (e *DeviceApprovalEngine) RevokeDevice(ctx context.Context, terminalID, networkID string) error {
	if !e.role.ManagesDevices() {
		return &PreconditionViolationError{Reason: "only the main terminal revokes devices"}
	}

	e.mu.Lock()
	deciderID := e.identity.ID
	e.mu.Unlock()

	payload, err := json.Marshal(&ApprovalPayload{DecidedBy: deciderID})
	if err != nil {
		return fmt.Errorf("failed to marshal revocation payload: %w", err)
	}

	ev := &posrelay.Event{
		ID:        uuid.New().String(),
		Type:      posrelay.EventApprovalRevoked,
		NetworkID: networkID,
		Origin:    deciderID,
		Recipient: terminalID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		return err
	}

	if err := e.store.RemoveDevice(terminalID); err != nil {
		return err
	}
	e.logger.Info("Device revoked", "terminal_id", terminalID, "network_id", networkID)
	return nil
}

// ApprovedDevices returns the directory view.
func (e *DeviceApprovalEngine) ApprovedDevices() ([]ApprovedDevice, error) {
	return e.store.Devices()
}

// MyApprovalStatus returns the stored status without touching the relay.
func (e *DeviceApprovalEngine) MyApprovalStatus() (ApprovalStatus, error) {
	status, _, err := e.store.ApprovalStatus()
	return status, err
}

// FetchMyApprovalStatus scans approval events addressed to this terminal
// since the last cursor and applies the most recent by origin timestamp.
// Older or duplicate events are ignored. Sub role only.
func (e *DeviceApprovalEngine) FetchMyApprovalStatus(ctx context.Context, networkID string) (ApprovalStatus, error) {
	if e.role.ManagesDevices() {
		return "", &PreconditionViolationError{Reason: "the main terminal's approval is self-asserted"}
	}

	e.mu.Lock()
	selfID := e.identity.ID
	e.mu.Unlock()

	cursor, err := e.store.Cursor(CursorApproval)
	if err != nil {
		return "", err
	}

	var latest *posrelay.Event
	for {
		page, err := e.transport.FetchSince(ctx, networkID, posrelay.FetchFilter{
			Recipient: selfID,
			Types: []string{
				posrelay.EventApprovalGranted,
				posrelay.EventApprovalDenied,
				posrelay.EventApprovalRevoked,
			},
			After: cursor,
		})
		if err != nil {
			return "", err
		}
		for i := range page.Events {
			ev := &page.Events[i]
			if latest == nil || ev.CreatedAt.After(latest.CreatedAt) {
				latest = ev
			}
		}
		cursor = page.NextAfter
		if !page.HasMore {
			break
		}
	}

	if latest != nil {
		if err := e.applyApprovalEvent(latest); err != nil {
			return "", err
		}
	}
	if err := e.store.SetCursor(CursorApproval, cursor); err != nil {
		return "", err
	}

	status, _, err := e.store.ApprovalStatus()
	return status, err
}

// applyApprovalEvent applies one approval decision under the monotonic
// state machine. Events older than the known state are dropped as stale.
func (e *DeviceApprovalEngine) applyApprovalEvent(ev *posrelay.Event) error {
	firstTime, err := e.store.MarkApplied(ev.ID)
	if err != nil {
		return err
	}
	if !firstTime {
		e.logger.Debug("Ignoring duplicate approval event", "event_id", ev.ID)
		return nil // ErrDuplicateEvent outcome: silently ignored
	}

	_, knownAt, err := e.store.ApprovalStatus()
	if err != nil {
		return err
	}
	if !knownAt.IsZero() && ev.CreatedAt.Before(knownAt) {
		e.logger.Debug("Ignoring stale approval event",
			"event_id", ev.ID, "event_at", ev.CreatedAt, "known_at", knownAt)
		return nil // ErrStaleApprovalState outcome: ignored
	}

	var payload ApprovalPayload
	if len(ev.Payload) > 0 {
		if err := decodePayload(ev.Payload, &payload); err != nil {
			e.logger.Warn("Malformed approval payload", "event_id", ev.ID, "error", err)
		}
	}

	switch ev.Type {
	case posrelay.EventApprovalGranted:
		if err := e.store.SetApprovalStatus(ApprovalApproved, ev.CreatedAt); err != nil {
			return err
		}
		if payload.DecidedBy != "" {
			if err := e.store.SetMainTerminalID(payload.DecidedBy); err != nil {
				return err
			}
		}
		e.logger.Info("Approval granted", "decided_by", payload.DecidedBy)

	case posrelay.EventApprovalDenied:
		if err := e.store.SetApprovalStatus(ApprovalDenied, ev.CreatedAt); err != nil {
			return err
		}
		e.logger.Info("Approval denied", "decided_by", payload.DecidedBy)

	case posrelay.EventApprovalRevoked:
		if err := e.store.SetApprovalStatus(ApprovalNone, ev.CreatedAt); err != nil {
			return err
		}
		e.logger.Warn("Approval revoked", "decided_by", payload.DecidedBy)
		e.mu.Lock()
		hook := e.onRevoked
		e.mu.Unlock()
		if hook != nil {
			hook()
		}

	default:
		e.logger.Warn("Unknown approval event type", "type", ev.Type, "event_id", ev.ID)
	}
	return nil
}

// RegisterAsMain self-asserts main-terminal authority for a network. No
// counterpart approval event exists; the terminal becomes approved by
// declaration. Before publishing, the network feed is checked for an
// earlier registration by a different terminal; if one exists the call is
// refused. A lost-update window between the check and the publish remains:
// two terminals racing the same network id can still both succeed.
func (e *DeviceApprovalEngine) RegisterAsMain(ctx context.Context, terminalID, merchantName, networkID string) error {
	var cursor int64
	for {
		page, err := e.transport.FetchSince(ctx, networkID, posrelay.FetchFilter{
			Types: []string{posrelay.EventMainRegistered},
			After: cursor,
		})
		if err != nil {
			return err
		}
		for i := range page.Events {
			if page.Events[i].Origin != terminalID {
				return &PreconditionViolationError{
					Reason: fmt.Sprintf("network %s already has a main terminal (%s)", networkID, page.Events[i].Origin),
				}
			}
		}
		cursor = page.NextAfter
		if !page.HasMore {
			break
		}
	}

	payload, err := json.Marshal(&MainRegisteredPayload{MerchantName: merchantName})
	if err != nil {
		return fmt.Errorf("failed to marshal registration payload: %w", err)
	}
	ev := &posrelay.Event{
		ID:        uuid.New().String(),
		Type:      posrelay.EventMainRegistered,
		NetworkID: networkID,
		Origin:    terminalID,
		CreatedAt: time.Now(),
		Payload:   payload,
	}
	if err := e.transport.Publish(ctx, ev); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity.Name = merchantName
	e.identity.Role = RoleMain
	e.identity.NetworkID = networkID
	if err := e.store.SetIdentity(e.identity); err != nil {
		return err
	}
	if err := e.store.SetApprovalStatus(ApprovalApproved, ev.CreatedAt); err != nil {
		return err
	}
	if err := e.store.SetMainTerminalID(terminalID); err != nil {
		return err
	}
	e.role = MainRoleBehavior{}
	e.logger.Info("Registered as main terminal", "terminal_id", terminalID, "network_id", networkID)
	return nil
}
