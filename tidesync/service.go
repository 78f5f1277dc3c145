// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier receives change notifications after a push commits.
// The realtime hub implements this; a nil notifier disables fan-out.
type Notifier interface {
	Notify(ownerID, excludeDeviceID string, n ChangeNotification)
}

// SyncService provides the core server-side synchronization functionality.
// One instance serves every registered entity type with last-write-wins
// reconciliation over a shared record table.
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]bool // Set of entity types allowed in sync operations
	notifier Notifier

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName  string   // Application name for connection tracking and health output
	Entities []string // Entity types allowed for sync (required)

	MaxBatchSize    int // Maximum number of records allowed in a single push (0 = unlimited)
	MaxPayloadBytes int // Maximum JSON payload size per record in bytes (0 = unlimited)
	MaxPageSize     int // Maximum page size for change listing (0 = default 500)
}

const defaultMaxPageSize = 500

// NewSyncService creates a new sync service instance from an existing pool.
// The schema is initialized on creation; the caller keeps pool ownership.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "go-tidesync-app"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Entities) == 0 {
		return nil, errors.New("at least one entity type must be registered")
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = defaultMaxPageSize
	}

	service := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: make(map[string]bool),
	}

	// Normalize entity names to lowercase to match request validation normalization
	for _, entity := range config.Entities {
		service.entities[strings.ToLower(entity)] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// SetNotifier wires a realtime notifier into the service.
// Must be called before the service starts handling requests.
func (s *SyncService) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// Close gracefully shuts down the sync service.
// It's safe to call multiple times.
// Note: This does NOT close the database pool - the caller is responsible for pool lifecycle
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Already closed
	}

	s.logger.Debug("Shutting down sync service")
	s.notifier = nil
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool
// This allows advanced users to execute custom queries
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsEntityRegistered checks if an entity type is registered for sync operations
func (s *SyncService) IsEntityRegistered(entity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[strings.ToLower(entity)]
}

// Entities returns the registered entity types.
func (s *SyncService) Entities() []string {
	return append([]string(nil), s.config.Entities...)
}

// AppName returns the configured application name.
func (s *SyncService) AppName() string {
	return s.config.AppName
}

// checkClosed returns an error if the service has been closed
func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("sync service has been closed")
	}
	return nil
}

// notify fans a committed change out to other devices of the same owner.
func (s *SyncService) notify(ownerID, deviceID string, entity string, recordID string, op string) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	if n == nil {
		return
	}
	n.Notify(ownerID, deviceID, ChangeNotification{
		Type:       FrameChange,
		EntityType: entity,
		EntityID:   recordID,
		Op:         op,
		DeviceID:   deviceID,
	})
}
