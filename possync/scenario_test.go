// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

// terminalFixture bundles one terminal's full stack over a shared relay.
type terminalFixture struct {
	store    *Store
	approval *DeviceApprovalEngine
	sync     *SyncEngine
	forward  *TokenForwardCoordinator
	wallet   *recordingWallet
}

func newTerminal(t *testing.T, relay *fakeRelay, name string, role TerminalRole) *terminalFixture {
	store := newTestStore(t)
	logger := slog.Default()

	approval := NewDeviceApprovalEngine(store, relay, role, logger)
	require.NoError(t, approval.Initialize(context.Background(), name))

	engine := NewSyncEngine(store, relay, role, DefaultSyncConfig(), logger)
	wallet := &recordingWallet{}
	forward := NewTokenForwardCoordinator(store, relay, role, wallet, logger)
	approval.OnRevoked(engine.ForceDisable)

	return &terminalFixture{
		store:    store,
		approval: approval,
		sync:     engine,
		forward:  forward,
		wallet:   wallet,
	}
}

func (f *terminalFixture) bindSync(t *testing.T, networkID string) {
	identity, err := f.store.Identity()
	require.NoError(t, err)
	identity.NetworkID = networkID
	require.NoError(t, f.store.SetIdentity(identity))
	require.NoError(t, f.sync.Initialize(networkID, identity.ID))
}

func TestNetworkLifecycle(t *testing.T) {
	relay := &fakeRelay{}
	ctx := context.Background()

	main := newTerminal(t, relay, "Register", SubRoleBehavior{})
	sub := newTerminal(t, relay, "Counter B", SubRoleBehavior{})

	// The merchant's first terminal claims the network.
	mainID := main.approval.Identity().ID
	require.NoError(t, main.approval.RegisterAsMain(ctx, mainID, "Babd Coffee", "net-1"))
	main.bindSync(t, "net-1")
	mainFwd := NewTokenForwardCoordinator(main.store, relay, MainRoleBehavior{}, main.wallet, slog.Default())
	require.NoError(t, main.sync.StartSync(ctx))
	defer main.sync.ForceDisable()

	mainApproval := NewDeviceApprovalEngine(main.store, relay, MainRoleBehavior{}, slog.Default())
	require.NoError(t, mainApproval.Initialize(ctx, "Register"))

	// A second terminal asks to join.
	subID := sub.approval.Identity().ID
	require.NoError(t, sub.approval.SendJoinRequest(ctx, subID, "Counter B", "net-1"))

	requests, err := mainApproval.FetchPendingRequests(ctx, "net-1")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.NoError(t, mainApproval.ApproveDevice(ctx, requests[0], mainID))

	status, err := sub.approval.FetchMyApprovalStatus(ctx, "net-1")
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, status)

	sub.bindSync(t, "net-1")
	require.NoError(t, sub.sync.StartSync(ctx))
	defer sub.sync.ForceDisable()

	// Main pushes a config change; the sub converges on it.
	require.NoError(t, main.sync.Enqueue(posrelay.EventConfigChange, "tip_percent", json.RawMessage(`"10"`)))
	require.NoError(t, main.sync.PerformSync(ctx))
	require.NoError(t, sub.sync.RefreshFromRelays(ctx))

	value, err := sub.store.StateValue(posrelay.EventConfigChange, "tip_percent")
	require.NoError(t, err)
	require.JSONEq(t, `"10"`, string(value))

	// The sub captures a 5000 sat payment and forwards it.
	result, err := sub.forward.ForwardToken(ctx, &ForwardRequest{
		Token: "cashuA5000", TransactionID: "tx-lifecycle-1", AmountSats: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, result.Outcome)
	require.Zero(t, sub.wallet.count())

	credited, err := mainFwd.ProcessInbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, credited)
	require.Equal(t, 1, main.wallet.count())

	// The relay goes down; the next payment stays in local custody.
	relay.setFailPublish(true)
	result, err = sub.forward.ForwardToken(ctx, &ForwardRequest{
		Token: "cashuA2000", TransactionID: "tx-lifecycle-2", AmountSats: 2000,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFallbackLocal, result.Outcome)
	require.Equal(t, 1, sub.wallet.count())
	relay.setFailPublish(false)

	// Main revokes the sub. Observing the revocation disables its sync.
	require.NoError(t, mainApproval.RevokeDevice(ctx, subID, "net-1"))
	status, err = sub.approval.FetchMyApprovalStatus(ctx, "net-1")
	require.NoError(t, err)
	require.Equal(t, ApprovalNone, status)

	enabled, err := sub.store.SyncEnabled()
	require.NoError(t, err)
	require.False(t, enabled)
	require.False(t, sub.forward.ShouldForwardTokens())
}

func TestQueuedEventsSurviveOutage(t *testing.T) {
	relay := &fakeRelay{}
	ctx := context.Background()

	main := newTerminal(t, relay, "Register", SubRoleBehavior{})
	sub := newTerminal(t, relay, "Counter B", SubRoleBehavior{})

	mainID := main.approval.Identity().ID
	require.NoError(t, main.approval.RegisterAsMain(ctx, mainID, "Babd Coffee", "net-1"))
	main.bindSync(t, "net-1")
	sub.bindSync(t, "net-1")

	// Mutations queued during an outage publish on the next good cycle,
	// in the order they were made.
	relay.setFailPublish(true)
	require.NoError(t, main.sync.Enqueue(posrelay.EventCatalogChange, "espresso", json.RawMessage(`{"price":3000}`)))
	require.NoError(t, main.sync.Enqueue(posrelay.EventCatalogChange, "latte", json.RawMessage(`{"price":4500}`)))
	require.Error(t, main.sync.PerformSync(ctx))

	relay.setFailPublish(false)
	require.NoError(t, main.sync.PerformSync(ctx))
	require.NoError(t, sub.sync.RefreshFromRelays(ctx))

	for key, want := range map[string]string{
		"espresso": `{"price":3000}`,
		"latte":    `{"price":4500}`,
	} {
		value, err := sub.store.StateValue(posrelay.EventCatalogChange, key)
		require.NoError(t, err)
		require.JSONEq(t, want, string(value))
	}
}
