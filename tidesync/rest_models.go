// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"encoding/json"
	"time"
)

// SyncRecord is the wire representation of a versioned record.
// A record with DeletedAt set is a tombstone; its payload may be empty.
type SyncRecord struct {
	ID        string          `json:"id"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r *SyncRecord) Deleted() bool { return r.DeletedAt != nil }

// BulkRequest is the body of POST /sync/{entity}/bulk.
type BulkRequest struct {
	OwnerID string       `json:"owner_id,omitempty"`
	Records []SyncRecord `json:"records"`
}

// ItemStatus is the per-record outcome of a bulk push.
type ItemStatus struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	NewVersion   *int64      `json:"new_version,omitempty"`
	ServerRecord *SyncRecord `json:"server_record,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// BulkResponse is the body returned by POST /sync/{entity}/bulk.
// Statuses are positional: Statuses[i] corresponds to Records[i].
type BulkResponse struct {
	Statuses []ItemStatus `json:"statuses"`
}

// ChangesResponse is the body returned by GET /sync/{entity}.
type ChangesResponse struct {
	Records   []SyncRecord `json:"records"`
	HasMore   bool         `json:"has_more"`
	NextSince time.Time    `json:"next_since"`
}

// DeleteResponse is the body returned by DELETE /sync/{entity}/{id}.
type DeleteResponse struct {
	Status ItemStatus `json:"status"`
}

// RefreshResponse is the body returned by POST /auth/refresh.
type RefreshResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChangeNotification is a frame pushed over the realtime channel.
type ChangeNotification struct {
	Type       string `json:"type"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Op         string `json:"op,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// ErrorResponse is the JSON envelope for HTTP-level errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StatusResponse is the body returned by GET /healthz.
type StatusResponse struct {
	Status   string   `json:"status"`
	App      string   `json:"app,omitempty"`
	Entities []string `json:"entities,omitempty"`
}
