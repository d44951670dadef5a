// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the terminal's durable coordination state: identity, cursors,
// the outbound event queue, the applied-event-id set, the device directory
// and local proof custody. Engines never touch *sql.DB directly; all shared
// mutable state goes through here so it survives process restarts.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex // serialize multi-statement writes to avoid SQLite locking issues
}

// Feed cursor names. Each relay feed keeps its own durable cursor.
const (
	CursorApproval = "approval" // sub: approval events addressed to self
	CursorRequests = "requests" // main: broadcast join requests
	CursorSync     = "sync"     // config/catalog broadcast feed
	CursorInbox    = "inbox"    // main: token_forward events addressed to self
)

// OutboxEvent is one queued local mutation awaiting publish.
type OutboxEvent struct {
	Gen       int64 // generation order, assigned on enqueue
	EventID   string
	EventType string
	Recipient string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// NewStore initializes the coordination schema on an open SQLite handle.
// Safe to call repeatedly.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Terminal identity and per-feed cursors (one row)
		`CREATE TABLE IF NOT EXISTS _pos_client_info (
			id                  INTEGER PRIMARY KEY CHECK (id = 1),
			terminal_id         TEXT NOT NULL,
			terminal_name       TEXT NOT NULL DEFAULT '',
			role                TEXT NOT NULL DEFAULT 'sub' CHECK (role IN ('main','sub')),
			network_id          TEXT NOT NULL DEFAULT '',
			approval_status     TEXT NOT NULL DEFAULT 'none'
				CHECK (approval_status IN ('none','pending','approved','denied')),
			approval_updated_at TEXT,
			main_terminal_id    TEXT NOT NULL DEFAULT '',
			sync_enabled        INTEGER NOT NULL DEFAULT 0,
			last_sync_at        TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS _pos_cursors (
			feed  TEXT PRIMARY KEY,
			after INTEGER NOT NULL DEFAULT 0
		)`,

		// Outbound queue, drained in generation order (survives restart)
		`CREATE TABLE IF NOT EXISTS _pos_outbox (
			gen        INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			recipient  TEXT NOT NULL DEFAULT '',
			payload    TEXT,
			created_at TEXT NOT NULL,
			queued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Applied-event-id set for exactly-once application
		`CREATE TABLE IF NOT EXISTS _pos_applied (
			event_id   TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Approved-device directory (main role)
		`CREATE TABLE IF NOT EXISTS _pos_devices (
			terminal_id   TEXT PRIMARY KEY,
			terminal_name TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL DEFAULT 'sub',
			approved_by   TEXT NOT NULL DEFAULT '',
			approved_at   TEXT NOT NULL
		)`,

		// Latest pending join request per terminal (main role)
		`CREATE TABLE IF NOT EXISTS _pos_join_requests (
			terminal_id   TEXT PRIMARY KEY,
			terminal_name TEXT NOT NULL DEFAULT '',
			network_id    TEXT NOT NULL,
			requested_at  TEXT NOT NULL
		)`,

		// Config/catalog state with last-writer-wins timestamps
		`CREATE TABLE IF NOT EXISTS _pos_state (
			kind       TEXT NOT NULL,
			entity_key TEXT NOT NULL,
			value      TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, entity_key)
		)`,

		// Local proof custody (token forwarding fallback path)
		`CREATE TABLE IF NOT EXISTS _pos_proofs (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			token          TEXT NOT NULL,
			mint_url       TEXT NOT NULL DEFAULT '',
			amount_sats    INTEGER NOT NULL DEFAULT 0,
			transaction_id TEXT NOT NULL DEFAULT '',
			stored_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Per-transaction forwarding ledger; primary key doubles as the
		// redelivery dedup gate on the main terminal
		`CREATE TABLE IF NOT EXISTS _pos_forward_log (
			transaction_id TEXT PRIMARY KEY,
			outcome        TEXT NOT NULL,
			amount_sats    INTEGER NOT NULL DEFAULT 0,
			recorded_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return nil, fmt.Errorf("failed to create coordination table: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// EnsureTerminal returns the stored terminal identity, creating one with a
// fresh UUID on first run. Idempotent.
func (s *Store) EnsureTerminal(name string) (Terminal, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	t, err := s.identityLocked()
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Terminal{}, err
	}

	t = Terminal{ID: uuid.New().String(), Name: name, Role: RoleSub}
	_, err = s.db.Exec(`
		INSERT INTO _pos_client_info (id, terminal_id, terminal_name, role)
		VALUES (1, ?, ?, ?)
	`, t.ID, t.Name, t.Role)
	if err != nil {
		return Terminal{}, fmt.Errorf("failed to insert client info: %w", err)
	}
	return t, nil
}

// Identity returns the stored terminal identity.
func (s *Store) Identity() (Terminal, error) {
	return s.identityLocked()
}

func (s *Store) identityLocked() (Terminal, error) {
	var t Terminal
	err := s.db.QueryRow(`
		SELECT terminal_id, terminal_name, role, network_id FROM _pos_client_info WHERE id = 1
	`).Scan(&t.ID, &t.Name, &t.Role, &t.NetworkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Terminal{}, err
		}
		return Terminal{}, fmt.Errorf("failed to query client info: %w", err)
	}
	return t, nil
}

// SetIdentity replaces the stored terminal identity, every field included.
func (s *Store) SetIdentity(t Terminal) error {
	if t.ID == "" {
		return fmt.Errorf("terminal id is required")
	}
	_, err := s.db.Exec(`
		UPDATE _pos_client_info SET terminal_id = ?, terminal_name = ?, role = ?, network_id = ? WHERE id = 1
	`, t.ID, t.Name, t.Role, t.NetworkID)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return nil
}

// ApprovalStatus returns the stored approval status and the timestamp of
// the event that produced it (zero time if self-asserted or never set).
func (s *Store) ApprovalStatus() (ApprovalStatus, time.Time, error) {
	var status ApprovalStatus
	var updatedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT approval_status, approval_updated_at FROM _pos_client_info WHERE id = 1
	`).Scan(&status, &updatedAt)
	if err != nil {
		return ApprovalNone, time.Time{}, fmt.Errorf("failed to query approval status: %w", err)
	}
	return status, parseStoredTime(updatedAt), nil
}

// SetApprovalStatus stores a new approval status together with the
// timestamp of the event that produced it.
func (s *Store) SetApprovalStatus(status ApprovalStatus, eventTime time.Time) error {
	_, err := s.db.Exec(`
		UPDATE _pos_client_info SET approval_status = ?, approval_updated_at = ? WHERE id = 1
	`, status, formatStoredTime(eventTime))
	if err != nil {
		return fmt.Errorf("failed to update approval status: %w", err)
	}
	return nil
}

// MainTerminalID returns the remembered main terminal id (token forwarding
// destination), empty until an approval has been observed.
func (s *Store) MainTerminalID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT main_terminal_id FROM _pos_client_info WHERE id = 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to query main terminal id: %w", err)
	}
	return id, nil
}

// SetMainTerminalID remembers the approving main terminal.
func (s *Store) SetMainTerminalID(id string) error {
	_, err := s.db.Exec(`UPDATE _pos_client_info SET main_terminal_id = ? WHERE id = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to update main terminal id: %w", err)
	}
	return nil
}

// SyncEnabled reports the durable sync-enabled flag.
func (s *Store) SyncEnabled() (bool, error) {
	var enabled int
	err := s.db.QueryRow(`SELECT sync_enabled FROM _pos_client_info WHERE id = 1`).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("failed to query sync_enabled: %w", err)
	}
	return enabled != 0, nil
}

// SetSyncEnabled updates the durable sync-enabled flag.
func (s *Store) SetSyncEnabled(enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE _pos_client_info SET sync_enabled = ? WHERE id = 1`, v)
	if err != nil {
		return fmt.Errorf("failed to update sync_enabled: %w", err)
	}
	return nil
}

// LastSync returns the last successful sync time (zero if never synced).
func (s *Store) LastSync() (time.Time, error) {
	var at sql.NullString
	err := s.db.QueryRow(`SELECT last_sync_at FROM _pos_client_info WHERE id = 1`).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last_sync_at: %w", err)
	}
	return parseStoredTime(at), nil
}

// SetLastSync records a successful sync time.
func (s *Store) SetLastSync(t time.Time) error {
	_, err := s.db.Exec(`UPDATE _pos_client_info SET last_sync_at = ? WHERE id = 1`, formatStoredTime(t))
	if err != nil {
		return fmt.Errorf("failed to update last_sync_at: %w", err)
	}
	return nil
}

// Cursor returns the durable cursor for a feed (0 if never advanced).
func (s *Store) Cursor(feed string) (int64, error) {
	var after int64
	err := s.db.QueryRow(`SELECT after FROM _pos_cursors WHERE feed = ?`, feed).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query cursor %s: %w", feed, err)
	}
	return after, nil
}

// SetCursor advances the durable cursor for a feed. Cursors never move
// backwards; a smaller value is ignored.
func (s *Store) SetCursor(feed string, after int64) error {
	_, err := s.db.Exec(`
		INSERT INTO _pos_cursors (feed, after) VALUES (?, ?)
		ON CONFLICT (feed) DO UPDATE SET after = excluded.after WHERE excluded.after > after
	`, feed, after)
	if err != nil {
		return fmt.Errorf("failed to update cursor %s: %w", feed, err)
	}
	return nil
}

// EnqueueOutbox queues a locally originated event for publishing. The
// generation order is assigned here and preserved across restarts.
func (s *Store) EnqueueOutbox(ev OutboxEvent) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO _pos_outbox (event_id, event_type, recipient, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.EventID, ev.EventType, ev.Recipient, string(ev.Payload), formatStoredTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// PendingOutbox returns up to limit queued events in generation order.
func (s *Store) PendingOutbox(limit int) ([]OutboxEvent, error) {
	rows, err := s.db.Query(`
		SELECT gen, event_id, event_type, recipient, payload, created_at
		FROM _pos_outbox ORDER BY gen LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var pending []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.Gen, &ev.EventID, &ev.EventType, &ev.Recipient, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		ev.CreatedAt = parseStoredTime(sql.NullString{String: createdAt, Valid: true})
		pending = append(pending, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}
	return pending, nil
}

// DeleteOutbox removes an acknowledged event from the queue.
func (s *Store) DeleteOutbox(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM _pos_outbox WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete outbox event: %w", err)
	}
	return nil
}

// OutboxCount returns the number of queued events.
func (s *Store) OutboxCount() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM _pos_outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

// MarkApplied records an event id as applied. Returns false if the id was
// already present, which makes re-application a no-op for callers.
func (s *Store) MarkApplied(eventID string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO _pos_applied (event_id) VALUES (?)`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to mark event applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertJoinRequest stores the latest join request per terminal id.
// An older request never overwrites a newer one.
func (s *Store) UpsertJoinRequest(req JoinRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO _pos_join_requests (terminal_id, terminal_name, network_id, requested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (terminal_id) DO UPDATE SET
			terminal_name = excluded.terminal_name,
			network_id = excluded.network_id,
			requested_at = excluded.requested_at
		WHERE excluded.requested_at > requested_at
	`, req.TerminalID, req.TerminalName, req.NetworkID, formatStoredTime(req.RequestedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert join request: %w", err)
	}
	return nil
}

// RemoveJoinRequest drops a handled request.
func (s *Store) RemoveJoinRequest(terminalID string) error {
	_, err := s.db.Exec(`DELETE FROM _pos_join_requests WHERE terminal_id = ?`, terminalID)
	if err != nil {
		return fmt.Errorf("failed to remove join request: %w", err)
	}
	return nil
}

// JoinRequests returns all pending requests ordered by request time.
func (s *Store) JoinRequests() ([]JoinRequest, error) {
	rows, err := s.db.Query(`
		SELECT terminal_id, terminal_name, network_id, requested_at
		FROM _pos_join_requests ORDER BY requested_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query join requests: %w", err)
	}
	defer rows.Close()

	var requests []JoinRequest
	for rows.Next() {
		var req JoinRequest
		var requestedAt string
		if err := rows.Scan(&req.TerminalID, &req.TerminalName, &req.NetworkID, &requestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan join request: %w", err)
		}
		req.RequestedAt = parseStoredTime(sql.NullString{String: requestedAt, Valid: true})
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating join requests: %w", err)
	}
	return requests, nil
}

// PutDevice adds or refreshes a directory entry.
func (s *Store) PutDevice(d ApprovedDevice) error {
	_, err := s.db.Exec(`
		INSERT INTO _pos_devices (terminal_id, terminal_name, role, approved_by, approved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (terminal_id) DO UPDATE SET
			terminal_name = excluded.terminal_name,
			role = excluded.role,
			approved_by = excluded.approved_by,
			approved_at = excluded.approved_at
	`, d.TerminalID, d.TerminalName, d.Role, d.ApprovedBy, formatStoredTime(d.ApprovedAt))
	if err != nil {
		return fmt.Errorf("failed to put device: %w", err)
	}
	return nil
}

// RemoveDevice drops a directory entry.
func (s *Store) RemoveDevice(terminalID string) error {
	_, err := s.db.Exec(`DELETE FROM _pos_devices WHERE terminal_id = ?`, terminalID)
	if err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}
	return nil
}

// Devices returns the approved-device directory ordered by approval time.
func (s *Store) Devices() ([]ApprovedDevice, error) {
	rows, err := s.db.Query(`
		SELECT terminal_id, terminal_name, role, approved_by, approved_at
		FROM _pos_devices ORDER BY approved_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []ApprovedDevice
	for rows.Next() {
		var d ApprovedDevice
		var approvedAt string
		if err := rows.Scan(&d.TerminalID, &d.TerminalName, &d.Role, &d.ApprovedBy, &approvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.ApprovedAt = parseStoredTime(sql.NullString{String: approvedAt, Valid: true})
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// ApplyStateChange applies a config/catalog value under last-writer-wins:
// the write lands only if eventTime is not older than the stored timestamp
// for the same (kind, entity_key). Returns whether the value was applied.
func (s *Store) ApplyStateChange(ctx context.Context, kind, entityKey string, value json.RawMessage, eventTime time.Time) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin state tx: %w", err)
	}
	defer tx.Rollback()

	var storedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT updated_at FROM _pos_state WHERE kind = ? AND entity_key = ?
	`, kind, entityKey).Scan(&storedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to query state timestamp: %w", err)
	}
	if storedAt.Valid && parseStoredTime(storedAt).After(eventTime) {
		return false, nil // stale edit loses
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _pos_state (kind, entity_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, entity_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, kind, entityKey, string(value), formatStoredTime(eventTime))
	if err != nil {
		return false, fmt.Errorf("failed to apply state change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit state tx: %w", err)
	}
	return true, nil
}

// StateValue returns the stored value for a config/catalog key.
func (s *Store) StateValue(kind, entityKey string) (json.RawMessage, error) {
	var value sql.NullString
	err := s.db.QueryRow(`
		SELECT value FROM _pos_state WHERE kind = ? AND entity_key = ?
	`, kind, entityKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query state value: %w", err)
	}
	if !value.Valid {
		return nil, nil
	}
	return json.RawMessage(value.String), nil
}

// AddProofs deposits a token into local custody.
func (s *Store) AddProofs(token, mintURL string, amountSats int64, transactionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO _pos_proofs (token, mint_url, amount_sats, transaction_id)
		VALUES (?, ?, ?, ?)
	`, token, mintURL, amountSats, transactionID)
	if err != nil {
		return fmt.Errorf("failed to store proofs: %w", err)
	}
	return nil
}

// ProofTotal returns the sum of locally custodied value in sats.
func (s *Store) ProofTotal() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(amount_sats) FROM _pos_proofs`).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum proofs: %w", err)
	}
	return total.Int64, nil
}

// RecordForward records a transaction outcome exactly once. Returns false
// when the transaction id was already recorded (relay redelivery).
func (s *Store) RecordForward(transactionID string, outcome ForwardOutcome, amountSats int64) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO _pos_forward_log (transaction_id, outcome, amount_sats)
		VALUES (?, ?, ?)
	`, transactionID, outcome, amountSats)
	if err != nil {
		return false, fmt.Errorf("failed to record forward outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteForward removes a transaction outcome, reopening the dedup gate.
// Used only to roll back a record whose custody write failed.
func (s *Store) DeleteForward(transactionID string) error {
	_, err := s.db.Exec(`DELETE FROM _pos_forward_log WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return fmt.Errorf("failed to delete forward record: %w", err)
	}
	return nil
}

// ForwardOutcomeFor returns the recorded outcome for a transaction id,
// empty if none.
func (s *Store) ForwardOutcomeFor(transactionID string) (ForwardOutcome, error) {
	var outcome ForwardOutcome
	err := s.db.QueryRow(`
		SELECT outcome FROM _pos_forward_log WHERE transaction_id = ?
	`, transactionID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query forward outcome: %w", err)
	}
	return outcome, nil
}

// storedTimeLayout is fixed width so the strings compare lexicographically
// in the same order as the instants they encode. RFC3339Nano trims trailing
// zeros, which would make "05Z" sort after "05.5Z".
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatStoredTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseStoredTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
