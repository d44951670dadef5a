// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

// posrelayd runs the reference relay transport for POS terminal networks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/babdbtc/cashu-pos-sub001/internal/config"
	"github.com/babdbtc/cashu-pos-sub001/posrelay"
)

func main() {
	root := &cobra.Command{
		Use:   "posrelayd",
		Short: "Store-and-forward relay for POS terminal networks",
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg config.Relay
			if err := config.ParseEnv(&cfg); err != nil {
				return err
			}
			return serve(cmd.Context(), &cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Relay) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	service, err := posrelay.NewService(pool, &posrelay.ServiceConfig{
		AppName:         "posrelayd",
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	handlers := posrelay.NewHTTPHandlers(service, posrelay.NewJWTAuth(cfg.JWTSecret), logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
