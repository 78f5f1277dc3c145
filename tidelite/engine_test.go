package tidelite

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

type testNote struct {
	Title string `json:"title"`
}

// fakeServer is an in-memory sync server speaking the wire protocol.
// Pushed records are stamped with the device id registered for the
// request's bearer token so pull echo filtering can be exercised.
type fakeServer struct {
	mu           sync.Mutex
	records      map[string]map[string]tidesync.SyncRecord // entity -> id -> record
	devices      map[string]string                         // bearer token -> device id
	clock        time.Time
	reject       string // when set, every pushed record is rejected with this reason
	conflictBare bool   // when set, every push conflicts without a server record

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		records: make(map[string]map[string]tidesync.SyncRecord),
		devices: make(map[string]string),
		clock:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/{entity}/bulk", fs.handleBulk)
	mux.HandleFunc("GET /sync/{entity}", fs.handleChanges)
	fs.srv = httptest.NewServer(mux)
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) tick() time.Time {
	fs.clock = fs.clock.Add(time.Millisecond)
	return fs.clock
}

// seed stores a record as if another device had pushed it.
func (fs *fakeServer) seed(entity string, rec tidesync.SyncRecord) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.records[entity] == nil {
		fs.records[entity] = make(map[string]tidesync.SyncRecord)
	}
	rec.UpdatedAt = fs.tick()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	fs.records[entity][rec.ID] = rec
}

func (fs *fakeServer) get(entity, id string) (tidesync.SyncRecord, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.records[entity][id]
	return rec, ok
}

func (fs *fakeServer) handleBulk(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	var req tidesync.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.records[entity] == nil {
		fs.records[entity] = make(map[string]tidesync.SyncRecord)
	}
	device := fs.devices[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")]

	resp := tidesync.BulkResponse{Statuses: make([]tidesync.ItemStatus, len(req.Records))}
	for i, rec := range req.Records {
		if fs.reject != "" {
			resp.Statuses[i] = tidesync.ItemStatus{ID: rec.ID, Status: tidesync.StRejected, Reason: fs.reject}
			continue
		}
		if fs.conflictBare {
			resp.Statuses[i] = tidesync.ItemStatus{ID: rec.ID, Status: tidesync.StConflicted}
			continue
		}
		existing, ok := fs.records[entity][rec.ID]
		if ok && rec.Version == existing.Version && existing.DeviceID == device {
			// Replay of an already applied push; accept without re-stamping
			version := rec.Version
			resp.Statuses[i] = tidesync.ItemStatus{ID: rec.ID, Status: tidesync.StAccepted, NewVersion: &version}
			continue
		}
		if ok && rec.Version <= existing.Version {
			server := existing
			resp.Statuses[i] = tidesync.ItemStatus{ID: rec.ID, Status: tidesync.StConflicted, ServerRecord: &server}
			continue
		}
		rec.DeviceID = device
		rec.UpdatedAt = fs.tick()
		if ok {
			rec.CreatedAt = existing.CreatedAt
		} else if rec.CreatedAt.IsZero() {
			rec.CreatedAt = rec.UpdatedAt
		}
		fs.records[entity][rec.ID] = rec
		version := rec.Version
		resp.Statuses[i] = tidesync.ItemStatus{ID: rec.ID, Status: tidesync.StAccepted, NewVersion: &version}
	}
	json.NewEncoder(w).Encode(resp)
}

func (fs *fakeServer) handleChanges(w http.ResponseWriter, r *http.Request) {
	entity := r.PathValue("entity")
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		since, _ = time.Parse(time.RFC3339Nano, s)
	}
	limit := 1000
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, _ = strconv.Atoi(s)
	}

	fs.mu.Lock()
	var changed []tidesync.SyncRecord
	for _, rec := range fs.records[entity] {
		if rec.UpdatedAt.After(since) {
			changed = append(changed, rec)
		}
	}
	fs.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].UpdatedAt.Before(changed[j].UpdatedAt) })

	resp := tidesync.ChangesResponse{NextSince: since}
	if len(changed) > limit {
		changed = changed[:limit]
		resp.HasMore = true
	}
	resp.Records = changed
	if len(changed) > 0 {
		resp.NextSince = changed[len(changed)-1].UpdatedAt
	}
	json.NewEncoder(w).Encode(resp)
}

func newTestEngine(t *testing.T, fs *fakeServer) *Engine {
	return newTestEngineWithToken(t, fs, "t")
}

func newTestEngineWithToken(t *testing.T, fs *fakeServer, token string) *Engine {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.MaxAttempts = 2
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond

	adapters := []EntityAdapter{NewJSONAdapter[testNote]("notes")}
	e, err := New(db, fs.srv.URL, "owner-1", StaticToken(token), adapters, cfg)
	require.NoError(t, err)
	e.SetLogger(discardLogger())

	// The server resolves the pushing device from the bearer token so
	// pulls of this engine's own writes are recognizable as echoes.
	fs.mu.Lock()
	fs.devices[token] = e.DeviceID
	fs.mu.Unlock()
	return e
}

func TestNewRequiresAdapters(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, "http://localhost", "owner-1", StaticToken("t"), nil, nil)
	require.Error(t, err)

	adapters := []EntityAdapter{
		NewJSONAdapter[testNote]("notes"),
		NewJSONAdapter[testNote]("notes"),
	}
	_, err = New(db, "http://localhost", "owner-1", StaticToken("t"), adapters, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate adapter")
}

func TestCyclePushesLocalChanges(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "hello"})
	require.NoError(t, err)

	require.NoError(t, e.SyncNow(ctx))

	pushed, ok := fs.get("notes", "n1")
	require.True(t, ok)
	require.Equal(t, int64(1), pushed.Version)
	require.JSONEq(t, `{"title":"hello"}`, string(pushed.Payload))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)

	dirty, err := e.Store().ListDirty(ctx, "notes")
	require.NoError(t, err)
	require.Empty(t, dirty)
}

func TestCyclePullsRemoteChanges(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	fs.seed("notes", tidesync.SyncRecord{
		ID:       "remote-1",
		Version:  1,
		Payload:  json.RawMessage(`{"title":"from another device"}`),
		DeviceID: "other-device",
	})

	var events []Event
	e.Subscribe(EventRemoteChange, func(ev Event) { events = append(events, ev) })

	require.NoError(t, e.SyncNow(ctx))

	v, rec, err := e.Load(ctx, "notes", "remote-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
	require.Equal(t, "from another device", v.(testNote).Title)

	require.Len(t, events, 1)
	require.Equal(t, "remote-1", events[0].RecordID)
	require.Equal(t, OpUpsert, events[0].Op)

	// Checkpoint advanced; a second cycle pulls nothing new
	events = nil
	require.NoError(t, e.SyncNow(ctx))
	require.Empty(t, events)
}

func TestCycleSkipsOwnEchoes(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "mine"})
	require.NoError(t, err)

	var events []Event
	e.Subscribe(EventRemoteChange, func(ev Event) { events = append(events, ev) })

	// The push lands on the server and the pull sees it back, stamped
	// with our own device id
	require.NoError(t, e.SyncNow(ctx))
	require.Empty(t, events, "own echo must not surface as a remote change")
}

func TestCyclePullPropagatesTombstone(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "shared"})
	require.NoError(t, err)
	require.NoError(t, e.SyncNow(ctx))

	// Another device deletes the record
	deletedAt := time.Now().UTC()
	fs.seed("notes", tidesync.SyncRecord{
		ID:        "n1",
		Version:   2,
		DeletedAt: &deletedAt,
		DeviceID:  "other-device",
	})

	var events []Event
	e.Subscribe(EventRemoteChange, func(ev Event) { events = append(events, ev) })

	require.NoError(t, e.SyncNow(ctx))

	_, err = e.Store().Get(ctx, "notes", "n1")
	require.ErrorIs(t, err, ErrNotFound)

	require.Len(t, events, 1)
	require.Equal(t, OpDelete, events[0].Op)
}

func TestConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	// The server already holds a much newer copy
	fs.seed("notes", tidesync.SyncRecord{
		ID:       "n1",
		Version:  5,
		Payload:  json.RawMessage(`{"title":"server copy"}`),
		DeviceID: "other-device",
	})

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "local copy"})
	require.NoError(t, err)

	require.NoError(t, e.SyncNow(ctx))

	v, rec, err := e.Load(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.Version)
	require.Equal(t, "server copy", v.(testNote).Title)

	// Nothing left to push
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)
}

func TestConflictLocalWinsViaRebase(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	// Server copy at version 3 with an old timestamp
	fs.seed("notes", tidesync.SyncRecord{
		ID:       "n1",
		Version:  3,
		Payload:  json.RawMessage(`{"title":"server copy"}`),
		DeviceID: "other-device",
	})

	// Local edits reach version 3 too, but with a later updated_at
	for _, title := range []string{"a", "b", "c"} {
		_, err := e.Save(ctx, "notes", "n1", testNote{Title: title})
		require.NoError(t, err)
	}

	require.NoError(t, e.SyncNow(ctx))

	// The conflicted push rebased above the server version and won
	pushed, ok := fs.get("notes", "n1")
	require.True(t, ok)
	require.Equal(t, int64(4), pushed.Version)
	require.JSONEq(t, `{"title":"c"}`, string(pushed.Payload))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)
}

func TestRejectedRecordIsDroppedAndReported(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)
	fs.reject = tidesync.ReasonBadPayload

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "unwanted"})
	require.NoError(t, err)

	var failures []Event
	e.Subscribe(EventSyncError, func(ev Event) { failures = append(failures, ev) })

	require.NoError(t, e.SyncNow(ctx))

	// The poison entry is gone, not retried forever
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)

	require.Len(t, failures, 1)
	require.Equal(t, "n1", failures[0].RecordID)
	require.True(t, strings.Contains(failures[0].Err.Error(), tidesync.ReasonBadPayload))
}

func TestExhaustedRetriesSurfaceAsSyncError(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)
	fs.conflictBare = true

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "stuck"})
	require.NoError(t, err)

	var failures []Event
	e.Subscribe(EventSyncError, func(ev Event) { failures = append(failures, ev) })

	// Each push pass burns one attempt until the budget is spent
	require.NoError(t, e.SyncNow(ctx))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Queued, "the exhausted entry is retained, not dropped")
	require.Equal(t, 1, stats.Failed)

	require.Len(t, failures, 1)
	require.Equal(t, "n1", failures[0].RecordID)
	require.Contains(t, failures[0].Err.Error(), "attempts exhausted")

	// Later cycles skip the entry without re-reporting it
	require.NoError(t, e.SyncNow(ctx))
	require.Len(t, failures, 1)

	// A fresh edit reclaims the entry for delivery
	fs.conflictBare = false
	_, err = e.Save(ctx, "notes", "n1", testNote{Title: "unstuck"})
	require.NoError(t, err)
	require.NoError(t, e.SyncNow(ctx))

	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)
	require.Zero(t, stats.Failed)
}

func TestRepushAfterCrashBeforeAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	_, err := e.Save(ctx, "notes", "n1", testNote{Title: "once"})
	require.NoError(t, err)

	entries, err := e.Store().NextBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, e.SyncNow(ctx))

	// A crash between transmit and ack replays the same entry on restart
	entry := entries[0]
	_, err = e.DB.Exec(`
		INSERT INTO _sync_queue (seq, entity_type, entity_id, op, payload, version, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.EntityType, entry.EntityID, entry.Op,
		string(entry.Payload), entry.Version, entry.QueuedAt.Format(time.RFC3339Nano))
	require.NoError(t, err)

	require.NoError(t, e.SyncNow(ctx))

	pushed, ok := fs.get("notes", "n1")
	require.True(t, ok)
	require.Equal(t, int64(1), pushed.Version, "replay must not advance the version")

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)

	_, rec, err := e.Load(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	a := newTestEngineWithToken(t, fs, "token-a")
	b := newTestEngineWithToken(t, fs, "token-b")

	_, err := a.Save(ctx, "notes", "n1", testNote{Title: "alpha"})
	require.NoError(t, err)
	require.NoError(t, a.SyncNow(ctx))
	require.NoError(t, b.SyncNow(ctx)) // b pulls version 1

	// Concurrent edits on both devices before either syncs again
	_, err = a.Save(ctx, "notes", "n1", testNote{Title: "bravo"})
	require.NoError(t, err)
	_, err = b.Save(ctx, "notes", "n1", testNote{Title: "charlie"})
	require.NoError(t, err)

	require.NoError(t, a.SyncNow(ctx)) // server takes bravo at version 2
	require.NoError(t, b.SyncNow(ctx)) // b conflicts, is later, rebases and wins
	require.NoError(t, a.SyncNow(ctx)) // a pulls the winner back

	va, ra, err := a.Load(ctx, "notes", "n1")
	require.NoError(t, err)
	vb, rb, err := b.Load(ctx, "notes", "n1")
	require.NoError(t, err)

	require.Equal(t, ra.Version, rb.Version)
	require.Equal(t, va.(testNote).Title, vb.(testNote).Title)
	require.Equal(t, "charlie", va.(testNote).Title)

	sa, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, sa.Queued)
	sb, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, sb.Queued)
}

func TestCyclesAreSingleFlight(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	var completions []Event
	e.Subscribe(EventCycleComplete, func(ev Event) { completions = append(completions, ev) })

	// Simulate a cycle in flight; SyncNow must yield without running
	e.cycling = 1
	require.NoError(t, e.SyncNow(ctx))
	require.Empty(t, completions)

	e.cycling = 0
	require.NoError(t, e.SyncNow(ctx))
	require.Len(t, completions, 1)
}

func TestHydratePullsFullDataSet(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	fs.seed("notes", tidesync.SyncRecord{
		ID:       "old-1",
		Version:  1,
		Payload:  json.RawMessage(`{"title":"history"}`),
		DeviceID: "other-device",
	})

	require.NoError(t, e.SyncNow(ctx))

	// Wipe the local copy, then hydrate from scratch
	_, err := e.DB.Exec(`DELETE FROM sync_records`)
	require.NoError(t, err)

	require.NoError(t, e.Hydrate(ctx))

	_, rec, err := e.Load(ctx, "notes", "old-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Version)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx))

	require.ErrorIs(t, e.SyncNow(ctx), ErrClosed)
	require.ErrorIs(t, e.RequestSync(TriggerManual), ErrClosed)
}

func TestUnknownEntityOperations(t *testing.T) {
	ctx := context.Background()
	fs := newFakeServer(t)
	e := newTestEngine(t, fs)

	_, err := e.Save(ctx, "ghosts", "g1", testNote{})
	require.ErrorIs(t, err, ErrUnknownEntity)
	_, _, err = e.Load(ctx, "ghosts", "g1")
	require.ErrorIs(t, err, ErrUnknownEntity)
	_, err = e.Delete(ctx, "ghosts", "g1")
	require.ErrorIs(t, err, ErrUnknownEntity)
}
