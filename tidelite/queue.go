// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

// Queue operation kinds, mirrored from the wire protocol.
const (
	OpUpsert = tidesync.OpUpsert
	OpDelete = tidesync.OpDelete
)

// QueueEntry is one coalesced outbound change. The queue holds at most one
// entry per record; re-mutating a queued record replaces op, payload, and
// version in place while seq and queued_at keep their original values so
// replay order follows the first mutation.
type QueueEntry struct {
	Seq        int64
	EntityType string
	EntityID   string
	Op         string
	Payload    json.RawMessage // wire snapshot of the record at enqueue time
	Version    int64
	QueuedAt   time.Time
	RetryCount int
	LastError  string
}

// WireRecord decodes the queued snapshot.
func (q *QueueEntry) WireRecord() (tidesync.SyncRecord, error) {
	var rec tidesync.SyncRecord
	if err := json.Unmarshal(q.Payload, &rec); err != nil {
		return rec, fmt.Errorf("bad queue snapshot for %s/%s: %w", q.EntityType, q.EntityID, err)
	}
	return rec, nil
}

// wireFromRecord converts a local record to its wire representation.
func wireFromRecord(rec *Record) tidesync.SyncRecord {
	return tidesync.SyncRecord{
		ID:        rec.ID,
		Version:   rec.Version,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		DeletedAt: rec.DeletedAt,
	}
}

// enqueueInTx inserts or coalesces the queue entry for one record inside
// the caller's transaction. The next seq comes from the per-owner counter
// in _sync_device.
func (s *Store) enqueueInTx(ctx context.Context, tx *sql.Tx, rec *Record, op string) error {
	snapshot, err := json.Marshal(wireFromRecord(rec))
	if err != nil {
		return fmt.Errorf("failed to snapshot record for queue: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT queue_seq FROM _sync_device WHERE owner_id = ?`, s.ownerID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read queue seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE _sync_device SET queue_seq = queue_seq + 1 WHERE owner_id = ?`, s.ownerID); err != nil {
		return fmt.Errorf("failed to advance queue seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_queue (seq, entity_type, entity_id, op, payload, version, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			op          = excluded.op,
			payload     = excluded.payload,
			version     = excluded.version,
			retry_count = 0,
			last_error  = NULL`,
		seq, rec.EntityType, rec.ID, op, string(snapshot), rec.Version, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue change: %w", err)
	}
	return nil
}

// NextBatch returns up to limit queue entries in seq order, skipping
// entries that already exhausted their attempts.
func (s *Store) NextBatch(ctx context.Context, limit, maxAttempts int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity_type, entity_id, op, payload, version, queued_at, retry_count, COALESCE(last_error, '')
		FROM _sync_queue
		WHERE retry_count < ?
		ORDER BY seq
		LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var (
			entry    QueueEntry
			payload  string
			queuedAt string
		)
		if err := rows.Scan(&entry.Seq, &entry.EntityType, &entry.EntityID, &entry.Op,
			&payload, &entry.Version, &queuedAt, &entry.RetryCount, &entry.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		if entry.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, fmt.Errorf("bad queued_at for %s/%s: %w", entry.EntityType, entry.EntityID, err)
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to iterate queue: %w", rows.Err())
	}
	return entries, nil
}

// Ack removes a queue entry once the server confirmed the pushed version.
// An entry that coalesced to a newer version since the push started is
// left in place so the newer change still goes out.
func (s *Store) Ack(ctx context.Context, entityType, id string, pushedVersion int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _sync_queue
		WHERE entity_type = ? AND entity_id = ? AND version <= ?`,
		entityType, id, pushedVersion)
	if err != nil {
		return fmt.Errorf("failed to ack queue entry: %w", err)
	}
	return nil
}

// Fail records a delivery failure for retry accounting and returns the
// new retry count. The entry stays queued after exhausting the configured
// attempts; it only leaves the batch rotation.
func (s *Store) Fail(ctx context.Context, entityType, id string, cause error) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE _sync_queue
		SET retry_count = retry_count + 1, last_error = ?
		WHERE entity_type = ? AND entity_id = ?
		RETURNING retry_count`,
		msg, entityType, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // Entry coalesced away or dropped mid-push
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record queue failure: %w", err)
	}
	return count, nil
}

// Drop removes a queue entry unconditionally. Used when an entry is
// rejected as permanently invalid.
func (s *Store) Drop(ctx context.Context, entityType, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM _sync_queue WHERE entity_type = ? AND entity_id = ?`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to drop queue entry: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued changes.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// FailedCount returns the number of queued changes that spent their retry
// budget. A fresh local edit coalesces over such an entry and resets it.
func (s *Store) FailedCount(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_queue WHERE retry_count >= ?`, maxAttempts).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failed queue entries: %w", err)
	}
	return n, nil
}
