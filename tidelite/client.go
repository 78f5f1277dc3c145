// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

// Package tidelite provides a SQLite-backed offline-first sync engine for
// single-user multi-device synchronization against a go-tidesync server.
//
// Local mutations are versioned, tombstoned on delete, and queued in a
// durable coalesced outbox. A single orchestrator reconciles with the
// server over HTTP, with an optional realtime WebSocket channel that
// nudges the next cycle.
package tidelite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Engine owns the local record store, the outbound queue, and the sync
// orchestrator. One engine instance serves every registered entity type.
type Engine struct {
	DB       *sql.DB
	BaseURL  string
	OwnerID  string
	DeviceID string

	store     *Store
	transport *Transport
	realtime  *Realtime
	config    *Config
	logger    *slog.Logger
	adapters  map[string]EntityAdapter

	trigger chan TriggerMode
	cycling int32
	closed  int32

	subsMu sync.RWMutex
	subs   map[EventKind][]func(Event)

	statsMu     sync.Mutex
	lastCycleAt time.Time
	errorCount  int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds configuration for the sync engine
type Config struct {
	Enabled           bool          // run scheduled cycles (manual RequestSync always works)
	Interval          time.Duration // scheduled cycle interval
	PushLimit         int           // max queue entries per push batch
	PullLimit         int           // max records per pull page
	MaxAttempts       int           // transport attempts per request, queue attempts per entry
	BackoffMin        time.Duration // 1s
	BackoffMax        time.Duration // 60s
	RequestTimeout    time.Duration // per HTTP attempt
	Realtime          bool          // maintain the WebSocket push channel
	AutoReconnect     bool          // reconnect the realtime channel with backoff
	HeartbeatInterval time.Duration // realtime heartbeat period
}

// DefaultConfig returns a default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		Interval:          30 * time.Second,
		PushLimit:         200,
		PullLimit:         1000,
		MaxAttempts:       4,
		BackoffMin:        1 * time.Second,
		BackoffMax:        60 * time.Second,
		RequestTimeout:    30 * time.Second,
		Realtime:          false,
		AutoReconnect:     true,
		HeartbeatInterval: 30 * time.Second,
	}
}

// New creates a sync engine over an existing SQLite handle. The schema is
// initialized, a device ID is generated and persisted on first use, and
// every adapter is registered. The engine does not sync until Start.
func New(db *sql.DB, baseURL, ownerID string, tokens TokenSource, adapters []EntityAdapter, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one entity adapter is required")
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deviceID, err := EnsureDeviceID(db, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure device id: %w", err)
	}

	logger := slog.Default()

	e := &Engine{
		DB:       db,
		BaseURL:  baseURL,
		OwnerID:  ownerID,
		DeviceID: deviceID,
		config:   config,
		logger:   logger,
		adapters: make(map[string]EntityAdapter, len(adapters)),
		trigger:  make(chan TriggerMode, 1),
		subs:     make(map[EventKind][]func(Event)),
	}

	for _, adapter := range adapters {
		name := adapter.EntityType()
		if name == "" {
			return nil, fmt.Errorf("adapter has empty entity type")
		}
		if _, dup := e.adapters[name]; dup {
			return nil, fmt.Errorf("duplicate adapter for entity type %q", name)
		}
		e.adapters[name] = adapter
	}

	e.store = newStore(db, ownerID, logger)
	e.transport = NewTransport(baseURL, tokens, config, logger)
	if config.Realtime {
		e.realtime = newRealtime(baseURL, tokens, config, logger, func() {
			_ = e.RequestSync(TriggerRealtime)
		})
	}

	return e, nil
}

// SetLogger replaces the engine logger. Must be called before Start.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	e.logger = logger
	e.store.logger = logger
	e.transport.logger = logger
	if e.realtime != nil {
		e.realtime.logger = logger
	}
}

// SetHTTPClient replaces the transport HTTP client. Must be called before Start.
func (e *Engine) SetHTTPClient(client *http.Client) {
	if client != nil {
		e.transport.HTTP = client
	}
}

// Store returns the local record store for direct reads and writes.
func (e *Engine) Store() *Store { return e.store }

// EnsureDeviceID generates and persists a device ID if not already present
func EnsureDeviceID(db *sql.DB, ownerID string) (string, error) {
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_device WHERE owner_id = ?`, ownerID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_device (owner_id, device_id, queue_seq)
			VALUES (?, ?, 1)
		`, ownerID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert device info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query device info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the record store and sync metadata tables
func initializeDatabase(db *sql.DB) error {
	// Enable WAL mode and foreign keys
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Device identity and queue sequence counter (one row per owner)
		`CREATE TABLE IF NOT EXISTS _sync_device (
			owner_id   TEXT NOT NULL,
			device_id  TEXT NOT NULL,
			queue_seq  INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (owner_id)
		)`,

		// Record store. Tombstones keep their row with deleted_at set.
		// synced_at NULL means the server has never confirmed this record.
		`CREATE TABLE IF NOT EXISTS sync_records (
			entity_type TEXT NOT NULL,
			id          TEXT NOT NULL,
			owner_id    TEXT NOT NULL,
			payload     TEXT,
			version     INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			deleted_at  TEXT,
			synced_at   TEXT,
			PRIMARY KEY (entity_type, id)
		)`,
		`CREATE INDEX IF NOT EXISTS sync_records_active_idx
			ON sync_records(entity_type, updated_at) WHERE deleted_at IS NULL`,

		// Outbound queue (coalesced, one row per record). seq and queued_at
		// survive coalescing so replay order is the order of first mutation.
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			seq         INTEGER NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('upsert','delete')),
			payload     TEXT NOT NULL,
			version     INTEGER NOT NULL,
			queued_at   TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS sync_queue_seq_idx ON _sync_queue(seq)`,

		// Per-entity pull checkpoint (empty string = never pulled)
		`CREATE TABLE IF NOT EXISTS _sync_checkpoint (
			entity_type TEXT NOT NULL,
			since       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_type)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	return nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool { return atomic.LoadInt32(&e.closed) == 1 }
