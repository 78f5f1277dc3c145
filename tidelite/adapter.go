// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the engine and store.
var (
	// ErrNotFound is returned when a record does not exist or is tombstoned.
	ErrNotFound = errors.New("tidelite: record not found")

	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("tidelite: engine closed")

	// ErrReauthRequired is returned when a token refresh failed and the
	// user must sign in again before sync can continue.
	ErrReauthRequired = errors.New("tidelite: reauthentication required")

	// ErrUnknownEntity is returned for entity types with no registered adapter.
	ErrUnknownEntity = errors.New("tidelite: entity type not registered")
)

// Record is one versioned row in the local store. Version increments on
// every local mutation; DeletedAt marks a tombstone that is retained for
// sync and excluded from normal reads. SyncedAt is nil while the record
// has never been confirmed by the server.
type Record struct {
	EntityType string
	ID         string
	OwnerID    string
	Payload    json.RawMessage
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
	SyncedAt   *time.Time
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool { return r.DeletedAt != nil }

// Dirty reports whether the record carries changes the server has not confirmed.
func (r *Record) Dirty() bool {
	return r.SyncedAt == nil || r.UpdatedAt.After(*r.SyncedAt)
}

// EntityAdapter binds one entity type to the engine. Adapters supply the
// entity name and typed payload conversion; everything else (versioning,
// queueing, reconciliation) is shared engine machinery.
type EntityAdapter interface {
	EntityType() string
	Serialize(v any) (json.RawMessage, error)
	Deserialize(payload json.RawMessage) (any, error)
}

// JSONAdapter is an EntityAdapter for any JSON-marshalable struct type.
type JSONAdapter[T any] struct {
	Name string
}

// NewJSONAdapter creates an adapter that maps T to the given entity type.
func NewJSONAdapter[T any](entityType string) *JSONAdapter[T] {
	return &JSONAdapter[T]{Name: entityType}
}

func (a *JSONAdapter[T]) EntityType() string { return a.Name }

func (a *JSONAdapter[T]) Serialize(v any) (json.RawMessage, error) {
	typed, ok := v.(T)
	if !ok {
		if p, ok := v.(*T); ok {
			typed = *p
		} else {
			return nil, fmt.Errorf("serialize %s: unexpected value type %T", a.Name, v)
		}
	}
	data, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", a.Name, err)
	}
	return data, nil
}

func (a *JSONAdapter[T]) Deserialize(payload json.RawMessage) (any, error) {
	var typed T
	if err := json.Unmarshal(payload, &typed); err != nil {
		return nil, fmt.Errorf("deserialize %s: %w", a.Name, err)
	}
	return typed, nil
}

// ApplyResult reports the outcome of applying a remote record locally.
type ApplyResult int

const (
	// ApplyApplied means the remote copy won and was written to the store.
	ApplyApplied ApplyResult = iota

	// ApplySuperseded means the local copy is newer and the remote copy
	// was discarded; the local change stays queued for push.
	ApplySuperseded
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyApplied:
		return "applied"
	case ApplySuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("ApplyResult(%d)", int(r))
	}
}
