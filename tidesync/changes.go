// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"fmt"
	"time"
)

// ListChanges returns records for one owner and entity changed strictly after
// the since checkpoint, ordered by (updated_at, id). Tombstones are included
// so clients observe deletions. When HasMore is set the client should request
// the next page with since = NextSince.
func (s *SyncService) ListChanges(ctx context.Context, ownerID, entity string, since time.Time, limit int) (*ChangesResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if !s.IsEntityRegistered(entity) {
		return nil, fmt.Errorf("entity not registered: %s", entity)
	}
	if limit <= 0 || limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}

	// Fetch one extra row to detect a further page
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, version, created_at, updated_at, deleted_at, device_id
		FROM tidesync.sync_records
		WHERE owner_id = $1 AND entity_type = $2 AND updated_at > $3
		ORDER BY updated_at, id
		LIMIT $4`,
		ownerID, entity, since, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	records := make([]SyncRecord, 0, limit)
	for rows.Next() {
		var rec SyncRecord
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt, &rec.DeviceID); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("failed to read changes: %w", rows.Err())
	}

	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}

	nextSince := since
	if len(records) > 0 {
		nextSince = records[len(records)-1].UpdatedAt
	}

	s.logger.Debug("Listed changes",
		"owner", ownerID, "entity", entity, "since", since,
		"count", len(records), "has_more", hasMore)

	return &ChangesResponse{
		Records:   records,
		HasMore:   hasMore,
		NextSince: nextSince,
	}, nil
}
