// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// SyncConfig holds tuning for the sync engine.
type SyncConfig struct {
	PushLimit     int           // outbox events drained per cycle
	FetchLimit    int           // events pulled per page
	Interval      time.Duration // background tick between cycles
	DebounceQuiet time.Duration // quiet interval before a debounced push
	BackoffMin    time.Duration
	BackoffMax    time.Duration
}

// DefaultSyncConfig returns the default engine tuning.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		PushLimit:     200,
		FetchLimit:    500,
		Interval:      15 * time.Second,
		DebounceQuiet: 2 * time.Second,
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
	}
}

// SyncEngine keeps configuration/catalog state eventually consistent across
// terminals via an append-only event log. Local mutations queue durably and
// publish at least once; remote events apply exactly once with
// last-writer-wins per entity key.
type SyncEngine struct {
	store     *Store
	transport Transport
	role      TerminalRole
	config    *SyncConfig
	logger    *slog.Logger

	identity Terminal

	cycleMu sync.Mutex // at most one push/pull cycle in flight
	syncing int32

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
}

// NewSyncEngine creates the engine.
func NewSyncEngine(store *Store, transport Transport, role TerminalRole, config *SyncConfig, logger *slog.Logger) *SyncEngine {
	if config == nil {
		config = DefaultSyncConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		store:     store,
		transport: transport,
		role:      role,
		config:    config,
		logger:    logger,
	}
}

// Initialize binds the engine to its terminal identity. The durable outbox
// and applied-event set were prepared by the store; this only records who
// we are. Safe to call repeatedly.
func (e *SyncEngine) Initialize(networkID, terminalID string) error {
	identity, err := e.store.Identity()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if identity.ID != terminalID {
		return fmt.Errorf("identity mismatch: store has %s, caller passed %s", identity.ID, terminalID)
	}
	identity.NetworkID = networkID
	e.identity = identity
	return nil
}

// StartSync enables synchronization and starts the background cycle loop.
func (e *SyncEngine) StartSync(ctx context.Context) error {
	if err := e.store.SetSyncEnabled(true); err != nil {
		return err
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.loopCancel != nil {
		return nil // already running
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	go e.run(loopCtx)

	e.logger.Info("Sync started", "terminal_id", e.identity.ID, "network_id", e.identity.NetworkID)
	return nil
}

// StopSync disables synchronization. An approved sub-terminal with sync
// enabled is refused: sub-terminals cannot unilaterally disengage from
// central recording. Only an observed revocation disables them.
func (e *SyncEngine) StopSync() error {
	status, _, err := e.store.ApprovalStatus()
	if err != nil {
		return err
	}
	enabled, err := e.store.SyncEnabled()
	if err != nil {
		return err
	}
	if !e.role.MayStopSync(status, enabled) {
		return &PreconditionViolationError{
			Reason: "approved sub-terminals cannot disable sync; it stops only on revocation",
		}
	}
	e.disable()
	e.logger.Info("Sync stopped", "terminal_id", e.identity.ID)
	return nil
}

// ForceDisable disables sync regardless of role policy. Invoked by the
// approval engine when this terminal observes its own revocation.
func (e *SyncEngine) ForceDisable() {
	e.disable()
	e.logger.Warn("Sync disabled by revocation", "terminal_id", e.identity.ID)
}

// disable cancels future ticks, including a pending debounce, but not
// in-flight calls; in-flight results land under the usual idempotent rules.
func (e *SyncEngine) disable() {
	if err := e.store.SetSyncEnabled(false); err != nil {
		e.logger.Error("Failed to persist sync_enabled=false", "error", err)
	}
	e.loopMu.Lock()
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	e.loopMu.Unlock()
	e.debounceMu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.debounceMu.Unlock()
}

// Enqueue captures a local config/catalog mutation into the durable outbox
// and schedules a debounced push. Never blocks on a cycle in flight.
func (e *SyncEngine) Enqueue(eventType, entityKey string, value json.RawMessage) error {
	if eventType != posrelay.EventConfigChange && eventType != posrelay.EventCatalogChange {
		return &PreconditionViolationError{Reason: fmt.Sprintf("event type %s is not a sync mutation", eventType)}
	}
	payload, err := json.Marshal(&StateChangePayload{EntityKey: entityKey, Value: value})
	if err != nil {
		return fmt.Errorf("failed to marshal state change: %w", err)
	}
	ev := OutboxEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := e.store.EnqueueOutbox(ev); err != nil {
		return err
	}

	// Applying our own mutation locally keeps the UI in step without a
	// relay round-trip; the applied-id mark makes the later echo a no-op.
	if _, err := e.store.MarkApplied(ev.EventID); err != nil {
		return err
	}
	if _, err := e.store.ApplyStateChange(context.Background(), eventType, entityKey, value, ev.CreatedAt); err != nil {
		return err
	}

	e.NotifyLocalMutation()
	return nil
}

// NotifyLocalMutation schedules a debounced push: rapid successive
// mutations coalesce into one PerformSync after the quiet interval. The
// push fires only while sync is enabled; a disabled terminal keeps the
// mutation queued until sync is re-enabled.
func (e *SyncEngine) NotifyLocalMutation() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.config.DebounceQuiet, func() {
		enabled, err := e.store.SyncEnabled()
		if err != nil {
			e.logger.Error("Failed to read sync_enabled", "error", err)
			return
		}
		if !enabled {
			e.logger.Debug("Skipping debounced sync while disabled")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.PerformSync(ctx); err != nil {
			e.logger.Warn("Debounced sync failed; events remain queued", "error", err)
		}
	})
}

// PerformSync publishes queued local events in generation order. Each
// acknowledged event leaves the queue; a failed publish leaves it (and all
// later events) queued for the next tick, so delivery is at least once.
func (e *SyncEngine) PerformSync(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	atomic.StoreInt32(&e.syncing, 1)
	defer atomic.StoreInt32(&e.syncing, 0)

	pending, err := e.store.PendingOutbox(e.config.PushLimit)
	if err != nil {
		return err
	}

	for _, queued := range pending {
		ev := &posrelay.Event{
			ID:        queued.EventID,
			Type:      queued.EventType,
			NetworkID: e.identity.NetworkID,
			Origin:    e.identity.ID,
			Recipient: queued.Recipient,
			CreatedAt: queued.CreatedAt,
			Payload:   queued.Payload,
		}
		if err := e.transport.Publish(ctx, ev); err != nil {
			e.logger.Warn("Publish failed; keeping event queued",
				"event_id", queued.EventID, "error", err)
			return err
		}
		if err := e.store.DeleteOutbox(queued.EventID); err != nil {
			return err
		}
	}

	if len(pending) > 0 {
		e.logger.Debug("Published queued events", "count", len(pending))
	}
	return nil
}

// RefreshFromRelays pulls events since the last cursor and applies each
// exactly once. Conflicting edits to the same entity resolve by
// last-writer-wins on the event timestamp.
func (e *SyncEngine) RefreshFromRelays(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	atomic.StoreInt32(&e.syncing, 1)
	defer atomic.StoreInt32(&e.syncing, 0)

	cursor, err := e.store.Cursor(CursorSync)
	if err != nil {
		return err
	}

	for {
		page, err := e.transport.FetchSince(ctx, e.identity.NetworkID, posrelay.FetchFilter{
			Types: []string{posrelay.EventConfigChange, posrelay.EventCatalogChange},
			After: cursor,
			Limit: e.config.FetchLimit,
		})
		if err != nil {
			return err
		}

		for i := range page.Events {
			if err := e.applySyncEvent(ctx, &page.Events[i]); err != nil {
				return err
			}
		}

		cursor = page.NextAfter
		if err := e.store.SetCursor(CursorSync, cursor); err != nil {
			return err
		}
		if !page.HasMore {
			break
		}
	}

	if err := e.store.SetLastSync(time.Now()); err != nil {
		return err
	}
	return nil
}

// applySyncEvent applies one remote mutation with idempotence and LWW.
func (e *SyncEngine) applySyncEvent(ctx context.Context, ev *posrelay.Event) error {
	firstTime, err := e.store.MarkApplied(ev.ID)
	if err != nil {
		return err
	}
	if !firstTime {
		e.logger.Debug("Ignoring duplicate sync event", "event_id", ev.ID)
		return nil
	}

	var payload StateChangePayload
	if err := decodePayload(ev.Payload, &payload); err != nil {
		e.logger.Warn("Ignoring malformed sync event", "event_id", ev.ID, "error", err)
		return nil
	}

	applied, err := e.store.ApplyStateChange(ctx, ev.Type, payload.EntityKey, payload.Value, ev.CreatedAt)
	if err != nil {
		return err
	}
	if !applied {
		e.logger.Debug("Older edit lost last-writer-wins",
			"event_id", ev.ID, "entity_key", payload.EntityKey)
	}
	return nil
}

// GetSyncStatus returns the engine state for the UI layer.
func (e *SyncEngine) GetSyncStatus() (*SyncStatus, error) {
	enabled, err := e.store.SyncEnabled()
	if err != nil {
		return nil, err
	}
	pendingCount, err := e.store.OutboxCount()
	if err != nil {
		return nil, err
	}
	lastSync, err := e.store.LastSync()
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		Enabled:       enabled,
		Syncing:       atomic.LoadInt32(&e.syncing) == 1,
		PendingEvents: pendingCount,
		LastSync:      lastSync,
		Identity:      e.identity,
	}, nil
}

// run drives periodic push/pull cycles with exponential backoff on
// transport errors. Transport failures never crash the loop; the queue
// retains everything for the next tick.
func (e *SyncEngine) run(ctx context.Context) {
	backoff := e.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		err := e.PerformSync(ctx)
		if err == nil {
			err = e.RefreshFromRelays(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Sync cycle failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
			continue
		}
		backoff = e.config.Interval
	}
}
