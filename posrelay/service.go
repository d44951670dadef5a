// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

// Package posrelay is a reference implementation of the store-and-forward
// relay transport used by POS terminal networks. It persists signed events
// in an append-only Postgres log and serves them back by network id, with
// an optional websocket push channel. The relay never interprets payloads;
// ordering, deduplication and merge rules are the terminals' concern.
package posrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultFetchLimit bounds a fetch page when the client asks for none.
	DefaultFetchLimit = 500
	// MaxFetchLimit is the hard page-size ceiling.
	MaxFetchLimit = 2000
)

// ServiceConfig holds configuration for the relay service.
type ServiceConfig struct {
	AppName         string // application name for connection tracking
	MaxPayloadBytes int    // maximum event payload size in bytes (0 = unlimited)
}

// Service provides the relay event log on top of a pgx connection pool.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	hub    *Hub

	mu     sync.RWMutex
	closed bool
}

// PublishResult reports the stored position of a published event.
type PublishResult struct {
	Seq       int64
	Duplicate bool
}

// NewService creates a relay service from an existing pool and initializes
// the event log schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "posrelay"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:   pool,
		logger: logger,
		config: config,
		hub:    NewHub(logger),
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize relay schema: %w", err)
	}
	logger.Debug("Relay schema initialized successfully")

	return service, nil
}

// Hub returns the websocket subscription hub for this service.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Close releases the service. The pool is owned by the caller.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hub.CloseAll()
}

// initializeSchemaInTx creates the relay schema inside a transaction.
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS pos_sync`,

		`CREATE TABLE IF NOT EXISTS pos_sync.event_log (
			seq         BIGSERIAL PRIMARY KEY,
			event_id    UUID NOT NULL UNIQUE,
			network_id  TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			origin      TEXT NOT NULL,
			recipient   TEXT,
			created_at  TIMESTAMPTZ NOT NULL,
			payload     JSONB,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE INDEX IF NOT EXISTS event_log_network_seq
			ON pos_sync.event_log (network_id, seq)`,

		`CREATE INDEX IF NOT EXISTS event_log_network_recipient_seq
			ON pos_sync.event_log (network_id, recipient, seq)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Publish appends an event to the network's log. Publishing the same event
// id twice acks the original position with Duplicate=true, so redelivery by
// flaky clients can never fork the log.
func (s *Service) Publish(ctx context.Context, networkID string, ev *Event) (*PublishResult, error) {
	if err := s.validateEvent(networkID, ev); err != nil {
		return nil, err
	}

	var result PublishResult
	op := func() error {
		var recipient *string
		if ev.Recipient != "" {
			recipient = &ev.Recipient
		}
		err := s.pool.QueryRow(ctx, `
			INSERT INTO pos_sync.event_log (event_id, network_id, event_type, origin, recipient, created_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING seq
		`, ev.ID, networkID, ev.Type, ev.Origin, recipient, ev.CreatedAt, ev.Payload).Scan(&result.Seq)
		if err == nil {
			result.Duplicate = false
			return nil
		}
		if err != pgx.ErrNoRows {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		// Redelivered event id: return the original position.
		result.Duplicate = true
		if err := s.pool.QueryRow(ctx, `
			SELECT seq FROM pos_sync.event_log WHERE event_id = $1
		`, ev.ID).Scan(&result.Seq); err != nil {
			return fmt.Errorf("failed to resolve duplicate event seq: %w", err)
		}
		return nil
	}

	if err := withPGRetry(ctx, op); err != nil {
		return nil, err
	}

	if !result.Duplicate {
		stored := *ev
		stored.NetworkID = networkID
		stored.Seq = result.Seq
		s.hub.Broadcast(&stored)
	}

	return &result, nil
}

// FetchSince returns a page of the network feed after the given cursor, in
// sequence order. Recipient filtering is exact: an empty recipient selects
// broadcast events only, a terminal id selects events addressed to it.
func (s *Service) FetchSince(ctx context.Context, networkID string, filter *FetchFilter) (*FetchPage, error) {
	if networkID == "" {
		return nil, fmt.Errorf("network id is required")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		limit = MaxFetchLimit
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT seq, event_id, event_type, origin, recipient, created_at, payload
		FROM pos_sync.event_log
		WHERE network_id = $1 AND seq > $2
	`)
	args := []any{networkID, filter.After}

	if filter.Recipient == "" {
		query.WriteString(` AND recipient IS NULL`)
	} else {
		args = append(args, filter.Recipient)
		query.WriteString(fmt.Sprintf(` AND recipient = $%d`, len(args)))
	}
	if len(filter.Types) > 0 {
		args = append(args, filter.Types)
		query.WriteString(fmt.Sprintf(` AND event_type = ANY($%d)`, len(args)))
	}

	// Fetch one extra row to detect whether more pages remain.
	args = append(args, limit+1)
	query.WriteString(fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args)))

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	page := &FetchPage{NextAfter: filter.After}
	for rows.Next() {
		var ev Event
		var eventID uuid.UUID
		var recipient *string
		var payload []byte
		if err := rows.Scan(&ev.Seq, &eventID, &ev.Type, &ev.Origin, &recipient, &ev.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.ID = eventID.String()
		ev.NetworkID = networkID
		if recipient != nil {
			ev.Recipient = *recipient
		}
		ev.Payload = json.RawMessage(payload)
		page.Events = append(page.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].Seq
	}
	return page, nil
}

// validateEvent checks the parts of an event the relay does care about.
func (s *Service) validateEvent(networkID string, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event is required")
	}
	if networkID == "" {
		return fmt.Errorf("network id is required")
	}
	if _, err := uuid.Parse(ev.ID); err != nil {
		return fmt.Errorf("event id must be a UUID: %w", err)
	}
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.Origin == "" {
		return fmt.Errorf("event origin is required")
	}
	if ev.CreatedAt.IsZero() {
		return fmt.Errorf("event created_at is required")
	}
	if limit := s.config.MaxPayloadBytes; limit > 0 && len(ev.Payload) > limit {
		return fmt.Errorf("event payload exceeds %d bytes", limit)
	}
	return nil
}
