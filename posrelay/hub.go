// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"log/slog"
	"sync"
)

const subscriberBuffer = 64

// Subscription is a live event stream for one terminal on one network.
// The relay is store-and-forward: a subscription that falls behind is
// dropped, and the terminal recovers the gap through FetchSince.
type Subscription struct {
	NetworkID string
	Recipient string // terminal id; also receives broadcast events
	C         chan *Event

	hub    *Hub
	closed bool
}

// Close removes the subscription from the hub and closes its channel.
func (sub *Subscription) Close() {
	sub.hub.remove(sub)
}

// Hub fans published events out to live websocket subscribers.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a live stream for a terminal. The terminal receives
// broadcast events for its network plus events addressed directly to it.
func (h *Hub) Subscribe(networkID, terminalID string) *Subscription {
	sub := &Subscription{
		NetworkID: networkID,
		Recipient: terminalID,
		C:         make(chan *Event, subscriberBuffer),
		hub:       h,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Broadcast delivers an event to every matching subscriber. Slow
// subscribers are disconnected rather than blocking the publish path.
func (h *Hub) Broadcast(ev *Event) {
	h.mu.Lock()
	var stalled []*Subscription
	for sub := range h.subs {
		if sub.NetworkID != ev.NetworkID {
			continue
		}
		if ev.Recipient != "" && ev.Recipient != sub.Recipient {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		h.removeLocked(sub)
		h.logger.Warn("Dropping stalled relay subscriber",
			"network_id", sub.NetworkID, "terminal_id", sub.Recipient)
	}
	h.mu.Unlock()
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for sub := range h.subs {
		h.removeLocked(sub)
	}
	h.mu.Unlock()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(h.subs, sub)
	close(sub.C)
}
