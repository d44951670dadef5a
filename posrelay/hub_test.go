// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package posrelay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubBroadcastMatchesNetworkAndRecipient(t *testing.T) {
	hub := NewHub(nil)

	subA := hub.Subscribe("net-1", "term-a")
	subB := hub.Subscribe("net-1", "term-b")
	subOther := hub.Subscribe("net-2", "term-c")
	defer hub.CloseAll()

	// Broadcast reaches every terminal on the network.
	hub.Broadcast(&Event{ID: "ev-1", Type: EventConfigChange, NetworkID: "net-1"})
	require.Equal(t, "ev-1", (<-subA.C).ID)
	require.Equal(t, "ev-1", (<-subB.C).ID)
	require.Empty(t, subOther.C)

	// An addressed event reaches only the recipient.
	hub.Broadcast(&Event{ID: "ev-2", Type: EventTokenForward, NetworkID: "net-1", Recipient: "term-b"})
	require.Equal(t, "ev-2", (<-subB.C).ID)
	require.Empty(t, subA.C)
}

func TestHubDropsStalledSubscriber(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("net-1", "term-a")
	defer hub.CloseAll()

	// Fill the buffer without draining, then one more to trip the drop.
	for i := 0; i <= subscriberBuffer; i++ {
		hub.Broadcast(&Event{ID: fmt.Sprintf("ev-%d", i), Type: EventConfigChange, NetworkID: "net-1"})
	}

	// The channel was closed after delivering the buffered backlog.
	delivered := 0
	for range sub.C {
		delivered++
	}
	require.Equal(t, subscriberBuffer, delivered)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe("net-1", "term-a")

	sub.Close()
	sub.Close()

	_, open := <-sub.C
	require.False(t, open)

	// Broadcasting after close does not panic or deliver.
	hub.Broadcast(&Event{ID: "ev-1", Type: EventConfigChange, NetworkID: "net-1"})
}
