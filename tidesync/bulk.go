// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// stmtApplyRecord performs a last-write-wins upsert of a single record.
// Codes: 0 = idempotent re-apply (same version from the same device),
// 1 = applied, 2 = conflict (server holds an equal or newer version).
// created_at is preserved on update so the original creation time survives
// round trips between devices.
const stmtApplyRecord = `
WITH existing AS (
	SELECT version, device_id
	FROM tidesync.sync_records
	WHERE owner_id = $1 AND entity_type = $2 AND id = $3::uuid
), attempt AS (
	INSERT INTO tidesync.sync_records AS r
		(owner_id, entity_type, id, payload, version, created_at, updated_at, deleted_at, device_id)
	VALUES ($1, $2, $3::uuid, $4::jsonb, $5, COALESCE($6::timestamptz, now()), clock_timestamp(), $7::timestamptz, $8)
	ON CONFLICT (owner_id, entity_type, id) DO UPDATE
	SET payload    = EXCLUDED.payload,
	    version    = EXCLUDED.version,
	    updated_at = clock_timestamp(),
	    deleted_at = EXCLUDED.deleted_at,
	    device_id  = EXCLUDED.device_id
	WHERE EXCLUDED.version > r.version
	RETURNING version
)
SELECT CASE
	WHEN EXISTS (SELECT 1 FROM attempt) THEN 1
	WHEN EXISTS (SELECT 1 FROM existing e WHERE e.version = $5 AND e.device_id = $8) THEN 0
	ELSE 2
END AS code`

// ProcessBulk handles a batch push for one entity type.
// Each record is applied under its own SAVEPOINT so a bad record never
// poisons the rest of the batch. Statuses are positional.
func (s *SyncService) ProcessBulk(ctx context.Context, ownerID, deviceID, entity string, req *BulkRequest) (*BulkResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	if len(req.Records) == 0 {
		return &BulkResponse{Statuses: []ItemStatus{}}, nil
	}

	if !s.IsEntityRegistered(entity) {
		statuses := make([]ItemStatus, len(req.Records))
		for i, rec := range req.Records {
			statuses[i] = statusRejected(rec.ID, ReasonUnknownEntity, fmt.Sprintf("entity not registered: %s", entity))
		}
		return &BulkResponse{Statuses: statuses}, nil
	}

	// Enforce push batch size limit (fail early with rejected per record)
	if s.config.MaxBatchSize > 0 && len(req.Records) > s.config.MaxBatchSize {
		statuses := make([]ItemStatus, len(req.Records))
		for i, rec := range req.Records {
			msg := fmt.Sprintf("batch too large: records=%d limit=%d", len(req.Records), s.config.MaxBatchSize)
			statuses[i] = statusRejected(rec.ID, ReasonBatchTooLarge, msg)
		}
		return &BulkResponse{Statuses: statuses}, nil
	}

	// Owner in the body is advisory; the token is authoritative.
	if req.OwnerID != "" && req.OwnerID != ownerID {
		statuses := make([]ItemStatus, len(req.Records))
		for i, rec := range req.Records {
			statuses[i] = statusRejected(rec.ID, ReasonOwnerMismatch, "owner_id does not match authenticated user")
		}
		return &BulkResponse{Statuses: statuses}, nil
	}

	var statuses []ItemStatus

	err := withTxRetry(ctx, s.logger, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			// Bound lock wait times during stress
			_, _ = tx.Exec(ctx, "SET LOCAL lock_timeout = '3s'")

			statuses = make([]ItemStatus, len(req.Records))
			for i, rec := range req.Records {
				st, err := s.applyRecord(ctx, tx, ownerID, deviceID, entity, i, rec)
				if err != nil {
					return err
				}
				statuses[i] = st
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process bulk transaction: %w", err)
	}

	// Fan accepted changes out to the owner's other devices after commit.
	for i, st := range statuses {
		if st.Status != StAccepted {
			continue
		}
		op := OpUpsert
		if req.Records[i].Deleted() {
			op = OpDelete
		}
		s.notify(ownerID, deviceID, entity, st.ID, op)
	}

	return &BulkResponse{Statuses: statuses}, nil
}

// validateRecord checks wire-level invariants before touching the database.
// Returns a non-empty reason on failure.
func (s *SyncService) validateRecord(rec SyncRecord) (reason, msg string) {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return ReasonBadPayload, fmt.Sprintf("record id must be a UUID: %v", err)
	}
	if rec.Version < 1 {
		return ReasonBadVersion, fmt.Sprintf("version must be positive, got %d", rec.Version)
	}
	if !rec.Deleted() && len(rec.Payload) == 0 {
		return ReasonBadPayload, "live record requires a payload"
	}
	if s.config.MaxPayloadBytes > 0 && len(rec.Payload) > s.config.MaxPayloadBytes {
		return ReasonPayloadTooLarge, fmt.Sprintf("payload %d bytes exceeds limit %d", len(rec.Payload), s.config.MaxPayloadBytes)
	}
	return "", ""
}

// applyRecord applies one record with SAVEPOINT isolation
func (s *SyncService) applyRecord(ctx context.Context, tx pgx.Tx, ownerID, deviceID, entity string, idx int, rec SyncRecord) (ItemStatus, error) {
	if reason, msg := s.validateRecord(rec); reason != "" {
		return statusRejected(rec.ID, reason, msg), nil
	}

	s.logger.Debug("Applying record",
		"entity", entity, "id", rec.ID, "version", rec.Version,
		"deleted", rec.Deleted(), "payload_size", len(rec.Payload))

	spName := fmt.Sprintf("sp_%d", idx)
	sp := pgx.Identifier{spName}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return ItemStatus{}, fmt.Errorf("failed to create savepoint: %w", err)
	}

	var payload []byte
	if !rec.Deleted() {
		payload = rec.Payload
	}
	var createdAt *time.Time
	if !rec.CreatedAt.IsZero() {
		createdAt = &rec.CreatedAt
	}

	var code int
	err := tx.QueryRow(ctx, stmtApplyRecord,
		ownerID,
		entity,
		rec.ID,
		payload,
		rec.Version,
		createdAt,
		rec.DeletedAt,
		deviceID,
	).Scan(&code)
	if err != nil {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && isRetryableSQLState(pgErr.SQLState()) {
			// Surface to the tx retry loop
			return ItemStatus{}, err
		}
		return statusInternalError(rec.ID, err), nil
	}

	switch code {
	case 0:
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return ItemStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return statusAcceptedIdempotent(rec.ID, rec.Version), nil
	case 1:
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return ItemStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return statusAccepted(rec.ID, rec.Version), nil
	case 2:
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return ItemStatus{}, fmt.Errorf("failed to release savepoint: %w", err)
		}
		server, fetchErr := s.fetchServerRecord(ctx, tx, ownerID, entity, rec.ID)
		if fetchErr != nil {
			if errors.Is(fetchErr, pgx.ErrNoRows) {
				return statusInternalError(rec.ID, fmt.Errorf("conflict without server record for %s/%s", entity, rec.ID)), nil
			}
			return ItemStatus{}, fmt.Errorf("failed to fetch server record for conflict: %w", fetchErr)
		}
		return statusConflicted(rec.ID, server), nil
	default:
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		return ItemStatus{}, fmt.Errorf("unknown apply code %d", code)
	}
}

// fetchServerRecord loads the current server record for conflict responses.
func (s *SyncService) fetchServerRecord(ctx context.Context, tx pgx.Tx, ownerID, entity, id string) (*SyncRecord, error) {
	var rec SyncRecord
	err := tx.QueryRow(ctx, `
		SELECT id, payload, version, created_at, updated_at, deleted_at, device_id
		FROM tidesync.sync_records
		WHERE owner_id = $1 AND entity_type = $2 AND id = $3::uuid`,
		ownerID, entity, id,
	).Scan(&rec.ID, &rec.Payload, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt, &rec.DeviceID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ProcessDelete tombstones a single record with a server-assigned version bump.
// Equivalent to a bulk push of the record with deleted_at set, for callers
// that do not track versions themselves.
func (s *SyncService) ProcessDelete(ctx context.Context, ownerID, deviceID, entity, id string) (ItemStatus, error) {
	if err := s.checkClosed(); err != nil {
		return ItemStatus{}, err
	}
	if !s.IsEntityRegistered(entity) {
		return statusRejected(id, ReasonUnknownEntity, fmt.Sprintf("entity not registered: %s", entity)), nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return statusRejected(id, ReasonBadPayload, fmt.Sprintf("record id must be a UUID: %v", err)), nil
	}

	var st ItemStatus
	err := withTxRetry(ctx, s.logger, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
			var newVer int64
			err := tx.QueryRow(ctx, `
				UPDATE tidesync.sync_records
				SET version = version + 1,
				    payload = NULL,
				    deleted_at = now(),
				    updated_at = clock_timestamp(),
				    device_id = $4
				WHERE owner_id = $1 AND entity_type = $2 AND id = $3::uuid AND deleted_at IS NULL
				RETURNING version`,
				ownerID, entity, id, deviceID,
			).Scan(&newVer)
			if err == nil {
				st = statusAccepted(id, newVer)
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to tombstone record: %w", err)
			}

			// Already a tombstone, or never existed
			var ver int64
			err = tx.QueryRow(ctx, `
				SELECT version FROM tidesync.sync_records
				WHERE owner_id = $1 AND entity_type = $2 AND id = $3::uuid`,
				ownerID, entity, id,
			).Scan(&ver)
			if errors.Is(err, pgx.ErrNoRows) {
				st = statusRejected(id, ReasonNotFound, "record does not exist")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to check tombstone: %w", err)
			}
			st = statusAcceptedIdempotent(id, ver)
			return nil
		})
	})
	if err != nil {
		return ItemStatus{}, fmt.Errorf("failed to process delete transaction: %w", err)
	}

	if st.Status == StAccepted && st.Reason == "" {
		s.notify(ownerID, deviceID, entity, id, OpDelete)
	}
	return st, nil
}
