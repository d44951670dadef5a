// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

// postermd runs the headless terminal coordination daemon: device approval,
// state sync and token forwarding against a relay. The UI layer consumes
// the same engine APIs this daemon wires together.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/babdbtc/cashu-pos-sub001/internal/config"
	"github.com/babdbtc/cashu-pos-sub001/posrelay"
	"github.com/babdbtc/cashu-pos-sub001/possync"
)

func main() {
	root := &cobra.Command{
		Use:   "postermd",
		Short: "POS terminal coordination daemon",
	}
	root.AddCommand(runCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the coordination engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Terminal
			if err := config.ParseEnv(&cfg); err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Terminal) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	store, err := possync.NewStore(db)
	if err != nil {
		return err
	}

	identity, err := store.EnsureTerminal(cfg.TerminalName)
	if err != nil {
		return err
	}

	// Terminals self-sign relay tokens in this deployment; a production
	// network would fetch them from the merchant backend instead.
	auth := posrelay.NewJWTAuth(cfg.JWTSecret)
	token := func(ctx context.Context) (string, error) {
		return auth.GenerateToken(cfg.NetworkID, identity.ID, time.Hour)
	}
	relayClient := possync.NewRelayClient(cfg.RelayURL, token, logger)

	role := possync.RoleBehavior(possync.Role(cfg.Role))
	approval := possync.NewDeviceApprovalEngine(store, relayClient, role, logger)
	if err := approval.Initialize(ctx, cfg.TerminalName); err != nil {
		return err
	}

	syncConfig := possync.DefaultSyncConfig()
	syncConfig.Interval = cfg.SyncInterval
	syncConfig.DebounceQuiet = cfg.DebounceQuiet
	engine := possync.NewSyncEngine(store, relayClient, role, syncConfig, logger)
	if err := engine.Initialize(cfg.NetworkID, identity.ID); err != nil {
		return err
	}
	approval.OnRevoked(engine.ForceDisable)

	forward := possync.NewTokenForwardCoordinator(store, relayClient, role, nil, logger)
	_ = forward // exposed to the UI layer; the daemon only keeps it alive

	switch role.Name() {
	case possync.RoleMain:
		if err := approval.RegisterAsMain(ctx, identity.ID, cfg.MerchantName, cfg.NetworkID); err != nil {
			if !possync.IsPreconditionViolation(err) {
				return err
			}
			logger.Warn("Main registration refused", "error", err)
		}
		if err := engine.StartSync(ctx); err != nil {
			return err
		}
		// Relay pushes wake the engines as events arrive; the ticker
		// catches anything the push channel drops.
		go watchFeed(ctx, relayClient, cfg.NetworkID, posrelay.FetchFilter{
			Types: []string{posrelay.EventJoinRequest},
		}, func(ctx context.Context) {
			if _, err := approval.FetchPendingRequests(ctx, cfg.NetworkID); err != nil {
				logger.Warn("Pending request fetch failed", "error", err)
			}
		}, logger)
		go watchFeed(ctx, relayClient, cfg.NetworkID, posrelay.FetchFilter{
			Recipient: identity.ID,
			Types:     []string{posrelay.EventTokenForward},
		}, func(ctx context.Context) {
			if _, err := forward.ProcessInbox(ctx); err != nil {
				logger.Warn("Forward inbox drain failed", "error", err)
			}
		}, logger)
		go pollMain(ctx, approval, forward, cfg.NetworkID, cfg.SyncInterval, logger)

	case possync.RoleSub:
		status, err := approval.MyApprovalStatus()
		if err != nil {
			return err
		}
		if status == possync.ApprovalNone || status == possync.ApprovalDenied {
			if err := approval.SendJoinRequest(ctx, identity.ID, cfg.TerminalName, cfg.NetworkID); err != nil {
				logger.Warn("Join request failed; will retry", "error", err)
			}
		}
		go watchFeed(ctx, relayClient, cfg.NetworkID, posrelay.FetchFilter{
			Recipient: identity.ID,
			Types: []string{
				posrelay.EventApprovalGranted,
				posrelay.EventApprovalDenied,
				posrelay.EventApprovalRevoked,
			},
		}, func(ctx context.Context) {
			refreshSubApproval(ctx, approval, engine, cfg.NetworkID, logger)
		}, logger)
		go pollSub(ctx, approval, engine, cfg.NetworkID, cfg.SyncInterval, logger)
	}

	logger.Info("Terminal running",
		"terminal_id", identity.ID, "role", role.Name(), "network_id", cfg.NetworkID)
	<-ctx.Done()
	return nil
}

// watchFeed drains a relay feed, invoking onEvent for every delivery. The
// engine fetches behind onEvent keep their own durable cursors, so an event
// here is only a wakeup. On feed errors the loop rebuilds the feed from the
// last seen sequence after a short pause.
func watchFeed(ctx context.Context, client *possync.RelayClient, networkID string, filter posrelay.FetchFilter, onEvent func(context.Context), logger *slog.Logger) {
	for {
		feed := possync.NewFeed(client, client, networkID, filter)
		for {
			ev, err := feed.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("Feed interrupted; reconnecting", "types", filter.Types, "error", err)
				break
			}
			if ev.Seq > filter.After {
				filter.After = ev.Seq
			}
			onEvent(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// refreshSubApproval re-reads the sub-terminal's approval status from the
// relay and starts sync once approved. Revocations are handled by the
// engine's OnRevoked hook.
func refreshSubApproval(ctx context.Context, approval *possync.DeviceApprovalEngine, engine *possync.SyncEngine, networkID string, logger *slog.Logger) {
	status, err := approval.FetchMyApprovalStatus(ctx, networkID)
	if err != nil {
		logger.Warn("Approval status fetch failed", "error", err)
		return
	}
	if status == possync.ApprovalApproved {
		if err := engine.StartSync(ctx); err != nil {
			logger.Warn("Failed to start sync", "error", err)
		}
	}
}

// pollMain drives the main terminal's periodic duties: collecting join
// requests for the UI and crediting forwarded tokens.
func pollMain(ctx context.Context, approval *possync.DeviceApprovalEngine, forward *possync.TokenForwardCoordinator, networkID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := approval.FetchPendingRequests(ctx, networkID); err != nil {
			logger.Warn("Pending request poll failed", "error", err)
		}
		if _, err := forward.ProcessInbox(ctx); err != nil {
			logger.Warn("Forward inbox poll failed", "error", err)
		}
	}
}

// pollSub watches a sub-terminal's approval status and starts sync when it
// becomes approved.
func pollSub(ctx context.Context, approval *possync.DeviceApprovalEngine, engine *possync.SyncEngine, networkID string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		refreshSubApproval(ctx, approval, engine, networkID, logger)
	}
}
