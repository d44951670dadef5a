// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// memoryRelayAPI backs the relay HTTP handlers with an in-memory log so the
// client round-trips against the real wire surface.
type memoryRelayAPI struct {
	hub    *posrelay.Hub
	events []posrelay.Event
}

func (m *memoryRelayAPI) Publish(ctx context.Context, networkID string, ev *posrelay.Event) (*posrelay.PublishResult, error) {
	for i := range m.events {
		if m.events[i].ID == ev.ID {
			return &posrelay.PublishResult{Seq: m.events[i].Seq, Duplicate: true}, nil
		}
	}
	ev.Seq = int64(len(m.events) + 1)
	m.events = append(m.events, *ev)
	m.hub.Broadcast(ev)
	return &posrelay.PublishResult{Seq: ev.Seq}, nil
}

func (m *memoryRelayAPI) FetchSince(ctx context.Context, networkID string, filter *posrelay.FetchFilter) (*posrelay.FetchPage, error) {
	page := &posrelay.FetchPage{NextAfter: filter.After}
	for i := range m.events {
		ev := m.events[i]
		if ev.NetworkID != networkID || ev.Seq <= filter.After {
			continue
		}
		if filter.Recipient == "" && ev.Recipient != "" {
			continue
		}
		if filter.Recipient != "" && ev.Recipient != filter.Recipient {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, ev.Type) {
			continue
		}
		page.Events = append(page.Events, ev)
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].Seq
	}
	return page, nil
}

func (m *memoryRelayAPI) Hub() *posrelay.Hub { return m.hub }

func newRelayClientFixture(t *testing.T) (*RelayClient, *httptest.Server) {
	t.Helper()
	auth := posrelay.NewJWTAuth("test-secret")
	api := &memoryRelayAPI{hub: posrelay.NewHub(nil)}
	handlers := posrelay.NewHTTPHandlers(api, auth, slog.Default())
	server := httptest.NewServer(handlers.Mux())
	t.Cleanup(server.Close)

	tok := func(ctx context.Context) (string, error) {
		return auth.GenerateToken("net-1", "term-1", time.Hour)
	}
	return NewRelayClient(server.URL, tok, slog.Default()), server
}

func TestRelayClientPublishAndFetch(t *testing.T) {
	client, _ := newRelayClientFixture(t)
	ctx := context.Background()

	ev := &posrelay.Event{
		ID:        "ev-1",
		Type:      posrelay.EventConfigChange,
		NetworkID: "net-1",
		CreatedAt: time.Now(),
		Payload:   json.RawMessage(`{"entity_key":"tip_percent","value":"10"}`),
	}
	require.NoError(t, client.Publish(ctx, ev))
	// Retrying the same id is acked, not rejected.
	require.NoError(t, client.Publish(ctx, ev))

	page, err := client.FetchSince(ctx, "net-1", posrelay.FetchFilter{
		Types: []string{posrelay.EventConfigChange},
	})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, "ev-1", page.Events[0].ID)
	require.Equal(t, "term-1", page.Events[0].Origin, "relay stamps the authenticated origin")
	require.Equal(t, page.Events[0].Seq, page.NextAfter)

	// Nothing newer after the cursor.
	page, err = client.FetchSince(ctx, "net-1", posrelay.FetchFilter{After: page.NextAfter})
	require.NoError(t, err)
	require.Empty(t, page.Events)
}

func TestRelayClientPublishRejectsForeignNetwork(t *testing.T) {
	client, _ := newRelayClientFixture(t)

	err := client.Publish(context.Background(), &posrelay.Event{
		ID: "ev-1", Type: posrelay.EventConfigChange, NetworkID: "net-other", CreatedAt: time.Now(),
	})
	require.True(t, IsTransportUnavailable(err))
}

func TestRelayClientWrapsConnectionFailure(t *testing.T) {
	client, server := newRelayClientFixture(t)
	server.Close()
	ctx := context.Background()

	err := client.Publish(ctx, &posrelay.Event{ID: "ev-1", Type: posrelay.EventConfigChange, CreatedAt: time.Now()})
	require.True(t, IsTransportUnavailable(err))

	_, err = client.FetchSince(ctx, "net-1", posrelay.FetchFilter{})
	require.True(t, IsTransportUnavailable(err))

	_, err = client.Subscribe(ctx, "net-1")
	require.True(t, IsTransportUnavailable(err))
}

func TestRelayClientTokenFailure(t *testing.T) {
	client, _ := newRelayClientFixture(t)
	client.Token = func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("keystore locked")
	}

	err := client.Publish(context.Background(), &posrelay.Event{ID: "ev-1", CreatedAt: time.Now()})
	require.Error(t, err)
	require.False(t, IsTransportUnavailable(err), "a local token failure is not a relay outage")
}

func TestRelayClientSubscribeStreams(t *testing.T) {
	client, _ := newRelayClientFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Subscribe(ctx, "net-1")
	require.NoError(t, err)

	// The server registers the subscription asynchronously after the
	// upgrade, so publish until an event comes through.
	var got posrelay.Event
	require.Eventually(t, func() bool {
		ev := &posrelay.Event{
			ID:        fmt.Sprintf("ev-live-%d", time.Now().UnixNano()),
			Type:      posrelay.EventConfigChange,
			NetworkID: "net-1",
			CreatedAt: time.Now(),
		}
		if err := client.Publish(ctx, ev); err != nil {
			return false
		}
		select {
		case got = <-events:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, posrelay.EventConfigChange, got.Type)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, 2*time.Second, 10*time.Millisecond, "channel closes on cancel")
}
