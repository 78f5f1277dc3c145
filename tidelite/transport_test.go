package tidelite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

type refreshableToken struct {
	token    atomic.Value
	refreshN atomic.Int32
	fail     bool
}

func newRefreshableToken(initial string) *refreshableToken {
	rt := &refreshableToken{}
	rt.token.Store(initial)
	return rt
}

func (rt *refreshableToken) Token(context.Context) (string, error) {
	return rt.token.Load().(string), nil
}

func (rt *refreshableToken) Refresh(context.Context) (string, error) {
	rt.refreshN.Add(1)
	if rt.fail {
		return "", context.DeadlineExceeded
	}
	rt.token.Store("fresh-token")
	return "fresh-token", nil
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func TestTransportRefreshesOnceOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(tidesync.ChangesResponse{})
	}))
	defer srv.Close()

	tokens := newRefreshableToken("stale-token")
	tr := NewTransport(srv.URL, tokens, fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	require.NoError(t, err)
	require.Equal(t, int32(1), tokens.refreshN.Load())
}

func TestTransportDouble401IsReauthRequired(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newRefreshableToken("revoked")
	tr := NewTransport(srv.URL, tokens, fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	require.ErrorIs(t, err, ErrReauthRequired)
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, int32(1), tokens.refreshN.Load())
}

func TestTransportRefreshFailureIsReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newRefreshableToken("revoked")
	tokens.fail = true
	tr := NewTransport(srv.URL, tokens, fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	require.ErrorIs(t, err, ErrReauthRequired)
}

func TestTransportRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(tidesync.ChangesResponse{HasMore: false})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	resp, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	require.NoError(t, err)
	require.False(t, resp.HasMore)
	require.Equal(t, int32(3), hits.Load())
}

func TestTransportGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	require.Error(t, err)
	require.Equal(t, int32(3), hits.Load())
}

func TestTransportClientErrorIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"bad_request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", time.Time{}, 10)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, http.StatusBadRequest, reqErr.Status)
	require.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
}

func TestTransportPushValidatesStatusCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// One status for two records
		json.NewEncoder(w).Encode(tidesync.BulkResponse{
			Statuses: []tidesync.ItemStatus{{Status: tidesync.StAccepted}},
		})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	records := []tidesync.SyncRecord{
		{ID: "a", Version: 1},
		{ID: "b", Version: 1},
	}
	_, err := tr.Push(context.Background(), "owner-1", "notes", records)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 statuses for 2 records")
}

func TestTransportPullSendsSinceAndLimit(t *testing.T) {
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, since.Format(time.RFC3339Nano), r.URL.Query().Get("since"))
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(tidesync.ChangesResponse{})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	_, err := tr.Pull(context.Background(), "notes", since, 25)
	require.NoError(t, err)
}

func TestTransportDeleteRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/sync/notes/n%201", r.URL.EscapedPath())
		version := int64(2)
		json.NewEncoder(w).Encode(tidesync.DeleteResponse{
			Status: tidesync.ItemStatus{ID: "n 1", Status: tidesync.StAccepted, NewVersion: &version},
		})
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, StaticToken("t"), fastConfig(), discardLogger())

	resp, err := tr.DeleteRecord(context.Background(), "notes", "n 1")
	require.NoError(t, err)
	require.Equal(t, tidesync.StAccepted, resp.Status.Status)
	require.Equal(t, int64(2), *resp.Status.NewVersion)
}

func TestTransportHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.BackoffMin = time.Minute
	tr := NewTransport(srv.URL, StaticToken("t"), cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Pull(ctx, "notes", time.Time{}, 10)
	require.ErrorIs(t, err, context.Canceled)
}
