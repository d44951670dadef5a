// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ClientAuthenticator extracts network and terminal identity from requests.
// Implementations should validate auth (e.g., JWT) and provide both ids.
type ClientAuthenticator interface {
	GetNetworkID(r *http.Request) (string, error)
	GetTerminalID(r *http.Request) (string, error)
}

// RelayAPI is the service surface the HTTP layer needs. Tests provide stubs.
type RelayAPI interface {
	Publish(ctx context.Context, networkID string, ev *Event) (*PublishResult, error)
	FetchSince(ctx context.Context, networkID string, filter *FetchFilter) (*FetchPage, error)
	Hub() *Hub
}

// HTTPHandlers provides the relay's HTTP API.
type HTTPHandlers struct {
	service       RelayAPI
	authenticator ClientAuthenticator
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

// NewHTTPHandlers creates the relay handler set.
func NewHTTPHandlers(service RelayAPI, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Mux returns an http.Handler with all relay routes registered.
func (h *HTTPHandlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/publish", h.HandlePublish)
	mux.HandleFunc("/relay/fetch", h.HandleFetch)
	mux.HandleFunc("/relay/subscribe", h.HandleSubscribe)
	return mux
}

// HandlePublish appends one event to the caller's network log.
func (h *HTTPHandlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	networkID, terminalID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var publishReq PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&publishReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse publish request")
		return
	}

	ev := publishReq.Event
	if ev.NetworkID != "" && ev.NetworkID != networkID {
		h.writeError(w, http.StatusForbidden, "network_mismatch", "Event network does not match token")
		return
	}
	// Origin is authenticated, never taken from the body.
	ev.Origin = terminalID
	ev.NetworkID = networkID

	result, err := h.service.Publish(r.Context(), networkID, &ev)
	if err != nil {
		h.logger.Error("Failed to publish event", "error", err,
			"network_id", networkID, "terminal_id", terminalID, "event_id", ev.ID)
		h.writeError(w, http.StatusInternalServerError, "publish_failed", "Failed to publish event")
		return
	}

	h.writeJSON(w, &PublishResponse{
		Accepted:  true,
		Duplicate: result.Duplicate,
		Seq:       result.Seq,
	})
}

// HandleFetch serves one page of the caller's network feed.
// Query parameters: after (cursor), limit, types (comma list), for=self
// (events addressed to the calling terminal instead of broadcast).
func (h *HTTPHandlers) HandleFetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	networkID, terminalID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	filter := &FetchFilter{}
	if afterParam := r.URL.Query().Get("after"); afterParam != "" {
		after, err := strconv.ParseInt(afterParam, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid after parameter")
			return
		}
		filter.After = after
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit parameter")
			return
		}
		filter.Limit = limit
	}
	if typesParam := r.URL.Query().Get("types"); typesParam != "" {
		filter.Types = strings.Split(typesParam, ",")
	}
	if r.URL.Query().Get("for") == "self" {
		filter.Recipient = terminalID
	}

	page, err := h.service.FetchSince(r.Context(), networkID, filter)
	if err != nil {
		h.logger.Error("Failed to fetch events", "error", err,
			"network_id", networkID, "terminal_id", terminalID)
		h.writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to fetch events")
		return
	}

	h.writeJSON(w, page)
}

// HandleSubscribe upgrades to a websocket and streams live events for the
// calling terminal (broadcast plus directly addressed).
func (h *HTTPHandlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	networkID, terminalID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade subscription", "error", err,
			"network_id", networkID, "terminal_id", terminalID)
		return
	}
	defer conn.Close()

	sub := h.service.Hub().Subscribe(networkID, terminalID)
	defer sub.Close()

	// Reader goroutine: only used to observe the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("Subscriber write failed", "error", err,
					"network_id", networkID, "terminal_id", terminalID)
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (networkID, terminalID string, ok bool) {
	networkID, err := h.authenticator.GetNetworkID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	terminalID, err = h.authenticator.GetTerminalID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return networkID, terminalID, true
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{Error: code, Message: message})
}
