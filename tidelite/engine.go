// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

// maxPushPasses bounds queue draining within one cycle so rebased
// conflicts cannot spin the push phase.
const maxPushPasses = 50

// Start launches the orchestrator. Scheduled cycles, the realtime channel,
// and an immediate startup cycle all begin here; the engine stops when
// Close is called or ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	if e.Closed() {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.workerLoop(runCtx)

	if e.realtime != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.realtime.Run(runCtx)
		}()
	}

	_ = e.RequestSync(TriggerStartup)
	return nil
}

// Close stops the orchestrator and waits for an in-flight cycle to finish,
// bounded by ctx. The database handle stays open; the caller owns it.
func (e *Engine) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil // Already closed
	}
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSync asks for a sync cycle. The request is non-blocking: while a
// cycle is running or already requested, additional triggers coalesce into
// at most one follow-up cycle.
func (e *Engine) RequestSync(mode TriggerMode) error {
	if e.Closed() {
		return ErrClosed
	}
	select {
	case e.trigger <- mode:
	default:
		e.logger.Debug("Sync already requested, trigger dropped", "mode", mode)
	}
	return nil
}

// SyncNow runs one cycle synchronously. If another cycle is in flight the
// call returns immediately without running.
func (e *Engine) SyncNow(ctx context.Context) error {
	if e.Closed() {
		return ErrClosed
	}
	return e.runCycle(ctx, TriggerManual)
}

// Hydrate clears every pull checkpoint and runs a full cycle, pulling the
// owner's complete data set. Used after install or local data loss.
func (e *Engine) Hydrate(ctx context.Context) error {
	if err := e.store.ResetCheckpoints(ctx); err != nil {
		return err
	}
	return e.SyncNow(ctx)
}

// Stats returns a snapshot of queue depth and engine health.
func (e *Engine) Stats(ctx context.Context) (SyncStats, error) {
	queued, err := e.store.PendingCount(ctx)
	if err != nil {
		return SyncStats{}, err
	}

	e.statsMu.Lock()
	last := e.lastCycleAt
	e.statsMu.Unlock()

	failed, err := e.store.FailedCount(ctx, e.config.MaxAttempts)
	if err != nil {
		return SyncStats{}, err
	}

	stats := SyncStats{
		Queued:      queued,
		Failed:      failed,
		LastCycleAt: last,
		ErrorCount:  atomic.LoadInt64(&e.errorCount),
	}
	if e.realtime != nil {
		stats.RealtimeConnected = e.realtime.Connected()
	}
	return stats, nil
}

// Save serializes v through the entity's adapter and persists it with a
// version bump and a queued change.
func (e *Engine) Save(ctx context.Context, entityType, id string, v any) (*Record, error) {
	adapter, ok := e.adapters[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}
	payload, err := adapter.Serialize(v)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.Save(ctx, entityType, id, payload)
	if err != nil {
		return nil, err
	}
	_ = e.RequestSync(TriggerManual)
	return rec, nil
}

// Load fetches a live record and decodes it through the entity's adapter.
func (e *Engine) Load(ctx context.Context, entityType, id string) (any, *Record, error) {
	adapter, ok := e.adapters[entityType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}
	rec, err := e.store.Get(ctx, entityType, id)
	if err != nil {
		return nil, nil, err
	}
	v, err := adapter.Deserialize(rec.Payload)
	if err != nil {
		return nil, nil, err
	}
	return v, rec, nil
}

// Delete tombstones a record and queues the deletion for push.
func (e *Engine) Delete(ctx context.Context, entityType, id string) (*Record, error) {
	if _, ok := e.adapters[entityType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}
	rec, err := e.store.SoftDelete(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	_ = e.RequestSync(TriggerManual)
	return rec, nil
}

// entityTypes returns registered entity names in stable order.
func (e *Engine) entityTypes() []string {
	names := make([]string, 0, len(e.adapters))
	for name := range e.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// workerLoop serializes every cycle onto one goroutine.
func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.config.Enabled && e.config.Interval > 0 {
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case mode := <-e.trigger:
			e.cycle(ctx, mode)
		case <-tick:
			e.cycle(ctx, TriggerScheduled)
		}
	}
}

func (e *Engine) cycle(ctx context.Context, mode TriggerMode) {
	if err := e.runCycle(ctx, mode); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("Sync cycle failed", "mode", mode, "error", err)
	}
}

// runCycle performs one push+pull reconciliation pass. A compare-and-swap
// guard makes cycles single-flight: a second caller returns immediately.
func (e *Engine) runCycle(ctx context.Context, mode TriggerMode) error {
	if !atomic.CompareAndSwapInt32(&e.cycling, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.cycling, 0)

	stats := &CycleStats{Trigger: mode, StartedAt: time.Now().UTC()}

	err := e.pushPhase(ctx, stats)
	if err == nil {
		err = e.pullPhase(ctx, stats)
	}

	stats.FinishedAt = time.Now().UTC()
	e.statsMu.Lock()
	e.lastCycleAt = stats.FinishedAt
	e.statsMu.Unlock()

	if err != nil {
		atomic.AddInt64(&e.errorCount, 1)
		if errors.Is(err, ErrReauthRequired) {
			e.emit(Event{Kind: EventReauthRequired, Err: err})
		} else {
			e.emit(Event{Kind: EventSyncError, Err: err})
		}
	}

	e.emit(Event{Kind: EventCycleComplete, Cycle: stats})
	e.logger.Debug("Sync cycle complete",
		"mode", mode, "pushed", stats.Pushed, "pulled", stats.Pulled,
		"conflicts", stats.Conflicts, "failed", stats.Failed, "error", err)
	return err
}

// pushPhase drains the queue in seq order, batch by batch. Transport
// failures abort the phase and leave the queue intact for the next cycle;
// per-record rejections burn that entry's retry budget.
func (e *Engine) pushPhase(ctx context.Context, stats *CycleStats) error {
	for pass := 0; pass < maxPushPasses; pass++ {
		entries, err := e.store.NextBatch(ctx, e.config.PushLimit, e.config.MaxAttempts)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		conflicts := 0
		for _, group := range groupByEntity(entries) {
			records := make([]tidesync.SyncRecord, len(group))
			for i, entry := range group {
				if records[i], err = entry.WireRecord(); err != nil {
					return err
				}
			}

			resp, err := e.transport.Push(ctx, e.OwnerID, group[0].EntityType, records)
			if err != nil {
				return fmt.Errorf("push %s: %w", group[0].EntityType, err)
			}

			for i, st := range resp.Statuses {
				entry := group[i]
				switch st.Status {
				case tidesync.StAccepted:
					if err := e.store.MarkSynced(ctx, entry.EntityType, entry.EntityID, entry.Version); err != nil {
						return err
					}
					if err := e.store.Ack(ctx, entry.EntityType, entry.EntityID, entry.Version); err != nil {
						return err
					}
					stats.Pushed++

				case tidesync.StConflicted:
					stats.Conflicts++
					conflicts++
					if err := e.resolveConflict(ctx, entry, st.ServerRecord); err != nil {
						return err
					}

				default:
					// Rejections are deterministic; retrying would loop on
					// the same poison entry. Drop it and surface the error.
					stats.Failed++
					cause := fmt.Errorf("record rejected: %s (%s)", st.Reason, st.Message)
					e.logger.Warn("Record rejected by server",
						"entity", entry.EntityType, "id", entry.EntityID,
						"reason", st.Reason, "message", st.Message)
					if err := e.store.Drop(ctx, entry.EntityType, entry.EntityID); err != nil {
						return err
					}
					e.emit(Event{Kind: EventSyncError, EntityType: entry.EntityType, RecordID: entry.EntityID, Err: cause})
				}
			}
		}

		// Rebased conflicts stay queued; stop when the batch was final and
		// nothing new can have appeared behind it.
		if len(entries) < e.config.PushLimit && conflicts == 0 {
			return nil
		}
	}
	return nil
}

// resolveConflict settles a push conflict with the resolver. A remote win
// overwrites the local copy and drops the queue entry; a local win rebases
// the record above the server version so the next push prevails.
func (e *Engine) resolveConflict(ctx context.Context, entry QueueEntry, server *tidesync.SyncRecord) error {
	if server == nil {
		// Conflict without a server copy cannot be resolved; give the
		// entry back to the retry budget.
		return e.failEntry(ctx, entry, errors.New("conflict without server record"))
	}

	remote := recordFromWire(entry.EntityType, e.OwnerID, *server)
	local, err := e.store.getInTx(ctx, e.store.db, entry.EntityType, entry.EntityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Local row vanished; accept the server copy.
			_, err = e.store.ApplyRemote(ctx, remote)
		}
		return err
	}

	if Resolve(local, remote) == RemoteWins {
		result, err := e.store.ApplyRemote(ctx, remote)
		if err != nil {
			return err
		}
		if result == ApplyApplied {
			e.emitRemoteChange(remote)
		}
		return nil
	}

	_, err = e.store.Rebase(ctx, entry.EntityType, entry.EntityID, remote.Version)
	return err
}

// failEntry burns one retry attempt. An entry that spends its budget is
// retained but leaves the batch rotation, so this is the last chance to
// tell the caller about it.
func (e *Engine) failEntry(ctx context.Context, entry QueueEntry, cause error) error {
	count, err := e.store.Fail(ctx, entry.EntityType, entry.EntityID, cause)
	if err != nil {
		return err
	}
	if count >= e.config.MaxAttempts {
		e.logger.Warn("Queue entry exhausted its delivery attempts",
			"entity", entry.EntityType, "id", entry.EntityID, "attempts", count, "error", cause)
		e.emit(Event{
			Kind:       EventSyncError,
			EntityType: entry.EntityType,
			RecordID:   entry.EntityID,
			Err:        fmt.Errorf("delivery attempts exhausted after %d tries: %w", count, cause),
		})
	}
	return nil
}

// pullPhase walks each entity's change feed from its checkpoint, applying
// remote records through the resolver and advancing the checkpoint page
// by page.
func (e *Engine) pullPhase(ctx context.Context, stats *CycleStats) error {
	for _, entity := range e.entityTypes() {
		since, err := e.store.Checkpoint(ctx, entity)
		if err != nil {
			return err
		}

		for {
			resp, err := e.transport.Pull(ctx, entity, since, e.config.PullLimit)
			if err != nil {
				return fmt.Errorf("pull %s: %w", entity, err)
			}

			for _, wire := range resp.Records {
				// Skip our own echoes; the checkpoint still advances past them
				if wire.DeviceID == e.DeviceID {
					continue
				}
				remote := recordFromWire(entity, e.OwnerID, wire)
				result, err := e.store.ApplyRemote(ctx, remote)
				if err != nil {
					return err
				}
				if result == ApplyApplied {
					stats.Pulled++
					e.emitRemoteChange(remote)
				}
			}

			if err := e.store.SetCheckpoint(ctx, entity, resp.NextSince); err != nil {
				return err
			}
			if !resp.HasMore {
				break
			}
			since = resp.NextSince
		}
	}
	return nil
}

func (e *Engine) emitRemoteChange(rec *Record) {
	op := OpUpsert
	if rec.Deleted() {
		op = OpDelete
	}
	e.emit(Event{Kind: EventRemoteChange, EntityType: rec.EntityType, RecordID: rec.ID, Op: op})
}

// recordFromWire converts a wire record into a local Record.
func recordFromWire(entityType, ownerID string, w tidesync.SyncRecord) *Record {
	rec := &Record{
		EntityType: entityType,
		ID:         w.ID,
		OwnerID:    ownerID,
		Payload:    json.RawMessage(w.Payload),
		Version:    w.Version,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
		DeletedAt:  w.DeletedAt,
	}
	if rec.Deleted() {
		rec.Payload = nil
	}
	return rec
}

// groupByEntity splits a batch into per-entity groups preserving seq order.
func groupByEntity(entries []QueueEntry) [][]QueueEntry {
	var groups [][]QueueEntry
	index := make(map[string]int)
	for _, entry := range entries {
		i, ok := index[entry.EntityType]
		if !ok {
			i = len(groups)
			index[entry.EntityType] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], entry)
	}
	return groups
}
