// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"time"
)

// EventKind identifies an engine notification.
type EventKind string

const (
	// EventRemoteChange fires when a pulled record is applied locally.
	EventRemoteChange EventKind = "remote_change"

	// EventCycleComplete fires at the end of every sync cycle with its stats.
	EventCycleComplete EventKind = "cycle_complete"

	// EventSyncError fires on push, pull, or transport failures, and when
	// a queue entry exhausts its delivery attempts.
	EventSyncError EventKind = "sync_error"

	// EventReauthRequired fires when token refresh failed and the user
	// must sign in again before sync can resume.
	EventReauthRequired EventKind = "reauth_required"
)

// Event is one engine notification. Fields are populated per kind:
// remote changes carry the entity and record, errors carry Err, and
// cycle completions carry Cycle.
type Event struct {
	Kind       EventKind
	EntityType string
	RecordID   string
	Op         string
	Err        error
	Cycle      *CycleStats
	Time       time.Time
}

// TriggerMode records what started a sync cycle.
type TriggerMode string

const (
	TriggerManual    TriggerMode = "manual"
	TriggerScheduled TriggerMode = "scheduled"
	TriggerStartup   TriggerMode = "startup"
	TriggerRealtime  TriggerMode = "realtime"
)

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	Trigger    TriggerMode
	Pushed     int
	Pulled     int
	Conflicts  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// SyncStats is a point-in-time snapshot of engine state. Failed counts
// queued entries that spent their retry budget; they are included in
// Queued and stay put until a fresh local edit resets them.
type SyncStats struct {
	Queued            int
	Failed            int
	LastCycleAt       time.Time
	ErrorCount        int64
	RealtimeConnected bool
}

// Subscribe registers a handler for one event kind and returns an
// unsubscribe func. Handlers run synchronously on the emitting goroutine
// and must not block.
func (e *Engine) Subscribe(kind EventKind, handler func(Event)) func() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	e.subs[kind] = append(e.subs[kind], handler)
	idx := len(e.subs[kind]) - 1

	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		handlers := e.subs[kind]
		if idx < len(handlers) && handlers[idx] != nil {
			handlers[idx] = nil
		}
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	e.subsMu.RLock()
	handlers := make([]func(Event), 0, len(e.subs[ev.Kind]))
	for _, h := range e.subs[ev.Kind] {
		if h != nil {
			handlers = append(handlers, h)
		}
	}
	e.subsMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
