// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newForwardFixture(t *testing.T, relay *fakeRelay) (*TokenForwardCoordinator, *Store, *recordingWallet) {
	store := newTestStore(t)
	identity, err := store.EnsureTerminal("Sub terminal")
	require.NoError(t, err)
	identity.NetworkID = "net-1"
	require.NoError(t, store.SetIdentity(identity))
	require.NoError(t, store.SetApprovalStatus(ApprovalApproved, time.Now()))
	require.NoError(t, store.SetMainTerminalID("main-1"))
	require.NoError(t, store.SetSyncEnabled(true))

	wallet := &recordingWallet{}
	coord := NewTokenForwardCoordinator(store, relay, SubRoleBehavior{}, wallet, slog.Default())
	return coord, store, wallet
}

func TestShouldForwardTokens(t *testing.T) {
	relay := &fakeRelay{}
	coord, store, _ := newForwardFixture(t, relay)

	require.True(t, coord.ShouldForwardTokens())

	require.NoError(t, store.SetSyncEnabled(false))
	require.False(t, coord.ShouldForwardTokens())

	require.NoError(t, store.SetSyncEnabled(true))
	require.NoError(t, store.SetApprovalStatus(ApprovalNone, time.Now()))
	require.False(t, coord.ShouldForwardTokens())
}

func TestForwardTokenPublishesToMain(t *testing.T) {
	relay := &fakeRelay{}
	coord, store, wallet := newForwardFixture(t, relay)
	ctx := context.Background()

	result, err := coord.ForwardToken(ctx, &ForwardRequest{
		Token: "cashuAtoken", TransactionID: "tx-1", AmountSats: 5000,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, result.Outcome)
	require.Zero(t, wallet.count(), "forwarded tokens must not be retained")

	forwarded := relay.eventsOfType("token_forward")
	require.Len(t, forwarded, 1)
	require.Equal(t, "main-1", forwarded[0].Recipient)

	outcome, err := store.ForwardOutcomeFor("tx-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, outcome)
}

func TestForwardTokenFallsBackOnTransportFailure(t *testing.T) {
	relay := &fakeRelay{}
	relay.setFailPublish(true)
	coord, store, wallet := newForwardFixture(t, relay)
	ctx := context.Background()

	result, err := coord.ForwardToken(ctx, &ForwardRequest{
		Token: "cashuAtoken", TransactionID: "tx-1", AmountSats: 5000,
	})
	require.NoError(t, err, "an outage is a warning, not a failure")
	require.Equal(t, OutcomeFallbackLocal, result.Outcome)
	require.NotEmpty(t, result.Err)
	require.Equal(t, 1, wallet.count(), "token retained in local custody")

	outcome, err := store.ForwardOutcomeFor("tx-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFallbackLocal, outcome)
}

func TestForwardTokenFallsBackWhenMainUnknown(t *testing.T) {
	relay := &fakeRelay{}
	coord, store, wallet := newForwardFixture(t, relay)
	require.NoError(t, store.SetMainTerminalID(""))
	ctx := context.Background()

	result, err := coord.ForwardToken(ctx, &ForwardRequest{Token: "cashuAtoken", AmountSats: 100})
	require.NoError(t, err)
	require.Equal(t, OutcomeFallbackLocal, result.Outcome)
	require.Equal(t, 1, wallet.count())
	require.Zero(t, relay.eventCount())
}

func TestForwardTokenHardFailsWhenCustodyFails(t *testing.T) {
	relay := &fakeRelay{}
	relay.setFailPublish(true)
	coord, _, wallet := newForwardFixture(t, relay)
	wallet.fail = true
	ctx := context.Background()

	_, err := coord.ForwardToken(ctx, &ForwardRequest{Token: "cashuAtoken", TransactionID: "tx-1", AmountSats: 100})
	require.Error(t, err, "neither forwarded nor retained must surface")
}

func TestForwardTokenRefusedForMainRole(t *testing.T) {
	relay := &fakeRelay{}
	store := newTestStore(t)
	_, err := store.EnsureTerminal("Main terminal")
	require.NoError(t, err)
	coord := NewTokenForwardCoordinator(store, relay, MainRoleBehavior{}, nil, slog.Default())

	_, err = coord.ForwardToken(context.Background(), &ForwardRequest{Token: "cashuAtoken"})
	require.True(t, IsPreconditionViolation(err))
}

func newMainInbox(t *testing.T, relay *fakeRelay) (*TokenForwardCoordinator, *Store, *recordingWallet) {
	store := newTestStore(t)
	identity, err := store.EnsureTerminal("Main terminal")
	require.NoError(t, err)
	identity.ID = "main-1"
	identity.Role = RoleMain
	identity.NetworkID = "net-1"
	require.NoError(t, store.SetIdentity(identity))

	wallet := &recordingWallet{}
	coord := NewTokenForwardCoordinator(store, relay, MainRoleBehavior{}, wallet, slog.Default())
	return coord, store, wallet
}

func TestProcessInboxCreditsOnce(t *testing.T) {
	relay := &fakeRelay{}
	sub, _, _ := newForwardFixture(t, relay)
	main, _, wallet := newMainInbox(t, relay)
	ctx := context.Background()

	_, err := sub.ForwardToken(ctx, &ForwardRequest{Token: "cashuAtoken", TransactionID: "tx-1", AmountSats: 5000})
	require.NoError(t, err)

	credited, err := main.ProcessInbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, credited)
	require.Equal(t, 1, wallet.count())

	// Redelivery of the same forward credits nothing.
	forwarded := relay.eventsOfType("token_forward")
	require.Len(t, forwarded, 1)
	relay.redeliver(forwarded[0].ID)

	credited, err = main.ProcessInbox(ctx)
	require.NoError(t, err)
	require.Zero(t, credited)
	require.Equal(t, 1, wallet.count(), "double-credit would double-count revenue")
}

func TestProcessInboxRetriesAfterCustodyFailure(t *testing.T) {
	relay := &fakeRelay{}
	sub, _, _ := newForwardFixture(t, relay)
	main, mainStore, wallet := newMainInbox(t, relay)
	ctx := context.Background()

	_, err := sub.ForwardToken(ctx, &ForwardRequest{Token: "cashuAtoken", TransactionID: "tx-1", AmountSats: 5000})
	require.NoError(t, err)

	wallet.fail = true
	_, err = main.ProcessInbox(ctx)
	require.Error(t, err)
	require.Zero(t, wallet.count())

	// The dedup gate was rolled back, so the next pass credits the token.
	outcome, err := mainStore.ForwardOutcomeFor("tx-1")
	require.NoError(t, err)
	require.Empty(t, outcome)

	wallet.fail = false
	credited, err := main.ProcessInbox(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, credited)
	require.Equal(t, 1, wallet.count())
}

func TestProcessInboxRefusedForSub(t *testing.T) {
	relay := &fakeRelay{}
	coord, _, _ := newForwardFixture(t, relay)

	_, err := coord.ProcessInbox(context.Background())
	require.True(t, IsPreconditionViolation(err))
}

func TestTokenConservationUnderInjectedFailures(t *testing.T) {
	relay := &fakeRelay{}
	coord, store, wallet := newForwardFixture(t, relay)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		relay.setFailPublish(i%3 == 0)
		_, err := coord.ForwardToken(ctx, &ForwardRequest{
			Token:         fmt.Sprintf("cashuAtoken_%d", i),
			TransactionID: fmt.Sprintf("tx-%d", i),
			AmountSats:    100,
		})
		require.NoError(t, err)
	}

	forwarded := relay.eventsOfType("token_forward")
	require.Equal(t, total, len(forwarded)+wallet.count(),
		"every token is either forwarded or retained, never neither")

	for i := 0; i < total; i++ {
		outcome, err := store.ForwardOutcomeFor(fmt.Sprintf("tx-%d", i))
		require.NoError(t, err)
		require.NotEmpty(t, outcome)
	}
}
