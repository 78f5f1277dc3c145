// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Create dedicated sync schema
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS tidesync`,

		// Authoritative record store, one row per (owner, entity, id).
		// Tombstones stay in place with deleted_at set so every device
		// observes deletions through the normal change feed.
		// updated_at is stamped with clock_timestamp() on write so rows
		// committed in one batch still page correctly by timestamp.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS tidesync.sync_records (
			owner_id    TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			id          UUID        NOT NULL,
			payload     JSONB,
			version     BIGINT      NOT NULL CHECK (version > 0),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
			deleted_at  TIMESTAMPTZ,
			device_id   TEXT        NOT NULL DEFAULT '',
			PRIMARY KEY (owner_id, entity_type, id),
			CONSTRAINT sync_records_payload_chk
			CHECK (deleted_at IS NOT NULL OR payload IS NOT NULL)
		)`,

		// Optimizes per-owner change feed paging
		`CREATE INDEX IF NOT EXISTS sr_owner_entity_updated_idx ON tidesync.sync_records(owner_id, entity_type, updated_at, id)`,
		// Optimizes tombstone retention sweeps
		`CREATE INDEX IF NOT EXISTS sr_deleted_idx ON tidesync.sync_records(deleted_at) WHERE deleted_at IS NOT NULL`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}

// PurgeTombstones removes tombstones older than the retention window.
// Devices that stay offline past the window miss the deletion and must
// rely on a full hydration to converge.
func (s *SyncService) PurgeTombstones(ctx context.Context, retention string) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tidesync.sync_records
		WHERE deleted_at IS NOT NULL
		  AND deleted_at < now() - $1::interval`, retention)
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}

	if tag.RowsAffected() > 0 {
		s.logger.Info("Purged expired tombstones", "count", tag.RowsAffected(), "retention", retention)
	}
	return tag.RowsAffected(), nil
}
