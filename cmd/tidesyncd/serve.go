// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Path to config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *serverConfig) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	service, err := tidesync.NewSyncService(pool, &tidesync.ServiceConfig{
		AppName:         "tidesyncd",
		Entities:        cfg.Entities,
		MaxBatchSize:    cfg.MaxBatchSize,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create sync service: %w", err)
	}
	defer service.Close()

	var hub *tidesync.Hub
	if cfg.Realtime {
		hub = tidesync.NewHub(logger)
		service.SetNotifier(hub)
		defer hub.Close()
	}

	jwtAuth := tidesync.NewJWTAuth(cfg.JWTSecret, cfg.TokenTTL, cfg.RefreshWindow)
	handlers := tidesync.NewHTTPSyncHandlers(service, jwtAuth, jwtAuth, hub, logger)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      handlers.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming websocket responses manage their own deadlines
	}

	// Periodic tombstone retention sweep
	purgeDone := make(chan struct{})
	go func() {
		defer close(purgeDone)
		ticker := time.NewTicker(cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := service.PurgeTombstones(ctx, cfg.TombstoneRetention); err != nil && ctx.Err() == nil {
					logger.Warn("Tombstone purge failed", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sync server listening", "addr", cfg.Listen, "entities", cfg.Entities, "realtime", cfg.Realtime)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down sync server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	<-purgeDone

	logger.Info("Sync server stopped")
	return nil
}
