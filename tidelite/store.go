// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const timeLayout = time.RFC3339Nano

// Store is the versioned local record store. Every mutation bumps the
// record version, stamps updated_at, and atomically enqueues the change
// for push, so a crash can never separate a write from its queue entry.
type Store struct {
	db      *sql.DB
	ownerID string
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues
	now     func() time.Time
}

func newStore(db *sql.DB, ownerID string, logger *slog.Logger) *Store {
	return &Store{
		db:      db,
		ownerID: ownerID,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// scanRecord reads one sync_records row
func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec                  Record
		payload              sql.NullString
		createdAt, updatedAt string
		deletedAt, syncedAt  sql.NullString
	)
	err := row.Scan(&rec.EntityType, &rec.ID, &rec.OwnerID, &payload, &rec.Version,
		&createdAt, &updatedAt, &deletedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at for %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at for %s/%s: %w", rec.EntityType, rec.ID, err)
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad deleted_at for %s/%s: %w", rec.EntityType, rec.ID, err)
		}
		rec.DeletedAt = &t
	}
	if syncedAt.Valid {
		t, err := parseTime(syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad synced_at for %s/%s: %w", rec.EntityType, rec.ID, err)
		}
		rec.SyncedAt = &t
	}
	return &rec, nil
}

const recordColumns = `entity_type, id, owner_id, payload, version, created_at, updated_at, deleted_at, synced_at`

// getInTx loads a record in any state, tombstones included.
func (s *Store) getInTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, entityType, id string) (*Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sync_records WHERE entity_type = ? AND id = ?`,
		entityType, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Save performs an idempotent upsert by id. A new record starts at version 1;
// an existing one has its version bumped exactly once per call. Saving a
// tombstoned id revives the record under its next version. The write and
// its queue entry commit in one transaction.
func (s *Store) Save(ctx context.Context, entityType, id string, payload json.RawMessage) (*Record, error) {
	if id == "" {
		return nil, fmt.Errorf("record id must not be empty")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin save transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	existing, err := s.getInTx(ctx, tx, entityType, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	rec := &Record{
		EntityType: entityType,
		ID:         id,
		OwnerID:    s.ownerID,
		Payload:    payload,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if existing != nil {
		rec.Version = existing.Version + 1
		rec.CreatedAt = existing.CreatedAt
		rec.SyncedAt = existing.SyncedAt
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload    = excluded.payload,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		rec.EntityType, rec.ID, rec.OwnerID, string(rec.Payload), rec.Version,
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), fmtTimePtr(rec.SyncedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}

	if err := s.enqueueInTx(ctx, tx, rec, OpUpsert); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit save: %w", err)
	}
	return rec, nil
}

// Get returns a live record by id. Tombstoned and unknown ids both
// report ErrNotFound.
func (s *Store) Get(ctx context.Context, entityType, id string) (*Record, error) {
	rec, err := s.getInTx(ctx, s.db, entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListActive returns every live record of one entity type ordered by updated_at.
func (s *Store) ListActive(ctx context.Context, entityType string) ([]*Record, error) {
	return s.list(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? AND deleted_at IS NULL
		ORDER BY updated_at, id`, entityType)
}

// ListDirty returns records with changes the server has not confirmed,
// tombstones included.
func (s *Store) ListDirty(ctx context.Context, entityType string) ([]*Record, error) {
	return s.list(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? AND (synced_at IS NULL OR updated_at > synced_at)
		ORDER BY updated_at, id`, entityType)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to read records: %w", rows.Err())
	}
	return records, nil
}

// SoftDelete tombstones a record: deleted_at is set, the version bumps,
// and the tombstone is queued for push so other devices observe it.
// Deleting a tombstone is a no-op; an unknown id reports ErrNotFound.
func (s *Store) SoftDelete(ctx context.Context, entityType, id string) (*Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getInTx(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted() {
		return rec, tx.Commit()
	}

	now := s.now()
	rec.Version++
	rec.UpdatedAt = now
	rec.DeletedAt = &now
	rec.Payload = nil

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_records
		SET version = ?, payload = NULL, updated_at = ?, deleted_at = ?
		WHERE entity_type = ? AND id = ?`,
		rec.Version, fmtTime(rec.UpdatedAt), fmtTime(*rec.DeletedAt), entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to tombstone record: %w", err)
	}

	if err := s.enqueueInTx(ctx, tx, rec, OpDelete); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete: %w", err)
	}
	return rec, nil
}

// MarkSynced records server confirmation of a push at the given version.
// If the record moved past that version since the push started, the call
// is a logged no-op and the newer change stays dirty.
func (s *Store) MarkSynced(ctx context.Context, entityType, id string, atVersion int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET synced_at = ?
		WHERE entity_type = ? AND id = ? AND version = ?`,
		fmtTime(s.now()), entityType, id, atVersion)
	if err != nil {
		return fmt.Errorf("failed to mark record synced: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.logger.Debug("Record moved past confirmed version, staying dirty",
			"entity", entityType, "id", id, "confirmed_version", atVersion)
	}
	return nil
}

// ApplyRemote reconciles a server copy into the store. The resolver
// decides the winner; a local tombstone is never resurrected by a remote
// copy at the same or lower version. When the remote copy wins, any
// queued local change for the record is dropped as superseded.
func (s *Store) ApplyRemote(ctx context.Context, remote *Record) (ApplyResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplySuperseded, fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	local, err := s.getInTx(ctx, tx, remote.EntityType, remote.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return ApplySuperseded, err
	}

	if local != nil {
		if local.Deleted() && remote.Version <= local.Version {
			return ApplySuperseded, tx.Commit()
		}
		if Resolve(local, remote) == LocalWins {
			return ApplySuperseded, tx.Commit()
		}
	}

	now := s.now()
	createdAt := remote.CreatedAt
	if local != nil {
		createdAt = local.CreatedAt
	}
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			payload    = excluded.payload,
			version    = excluded.version,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			synced_at  = excluded.synced_at`,
		remote.EntityType, remote.ID, s.ownerID, payloadArg(remote.Payload), remote.Version,
		fmtTime(createdAt), fmtTime(remote.UpdatedAt), fmtTimePtr(remote.DeletedAt), fmtTime(now))
	if err != nil {
		return ApplySuperseded, fmt.Errorf("failed to apply remote record: %w", err)
	}

	// The remote copy won; any queued local change is now stale.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM _sync_queue WHERE entity_type = ? AND entity_id = ?`,
		remote.EntityType, remote.ID)
	if err != nil {
		return ApplySuperseded, fmt.Errorf("failed to drop superseded queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ApplySuperseded, fmt.Errorf("failed to commit apply: %w", err)
	}
	return ApplyApplied, nil
}

// Rebase re-stamps a conflicted local record above the server version so
// the next push wins. The record stays dirty and its queue entry is
// refreshed with the new version.
func (s *Store) Rebase(ctx context.Context, entityType, id string, serverVersion int64) (*Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rebase transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.getInTx(ctx, tx, entityType, id)
	if err != nil {
		return nil, err
	}

	if serverVersion >= rec.Version {
		rec.Version = serverVersion + 1
	}
	rec.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_records SET version = ?, updated_at = ?
		WHERE entity_type = ? AND id = ?`,
		rec.Version, fmtTime(rec.UpdatedAt), entityType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to rebase record: %w", err)
	}

	op := OpUpsert
	if rec.Deleted() {
		op = OpDelete
	}
	if err := s.enqueueInTx(ctx, tx, rec, op); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rebase: %w", err)
	}
	return rec, nil
}

// Checkpoint returns the pull checkpoint for one entity type.
// The zero time means the entity has never been pulled.
func (s *Store) Checkpoint(ctx context.Context, entityType string) (time.Time, error) {
	var since string
	err := s.db.QueryRowContext(ctx,
		`SELECT since FROM _sync_checkpoint WHERE entity_type = ?`, entityType).Scan(&since)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && since == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	t, err := parseTime(since)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad checkpoint for %s: %w", entityType, err)
	}
	return t, nil
}

// SetCheckpoint persists the pull checkpoint for one entity type.
func (s *Store) SetCheckpoint(ctx context.Context, entityType string, since time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_checkpoint (entity_type, since) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET since = excluded.since`,
		entityType, fmtTime(since))
	if err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	return nil
}

// ResetCheckpoints clears every pull checkpoint so the next cycle pulls
// the owner's full data set. Used for hydration after install or recovery.
func (s *Store) ResetCheckpoints(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM _sync_checkpoint`); err != nil {
		return fmt.Errorf("failed to reset checkpoints: %w", err)
	}
	return nil
}

func payloadArg(p json.RawMessage) any {
	if p == nil {
		return nil
	}
	return string(p)
}
