package tidelite

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

func realtimeConfig() *Config {
	cfg := DefaultConfig()
	cfg.Realtime = true
	cfg.AutoReconnect = false
	cfg.BackoffMin = time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	return cfg
}

func TestRealtimeChangeFrameTriggersNotify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer t", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "")

		frame, _ := json.Marshal(tidesync.ChangeNotification{
			Type:       tidesync.FrameChange,
			EntityType: "notes",
			EntityID:   "n1",
		})
		require.NoError(t, conn.Write(r.Context(), websocket.MessageText, frame))

		// Hold the connection open until the client walks away,
		// draining heartbeats
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var notified atomic.Int32
	rt := newRealtime(srv.URL, StaticToken("t"), realtimeConfig(), discardLogger(), func() {
		notified.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()

	// One notify on connect for catch-up, a second for the change frame
	require.Eventually(t, func() bool { return notified.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	require.True(t, rt.Connected())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("realtime loop did not stop")
	}
	require.False(t, rt.Connected())
}

func TestRealtimeSendsHeartbeats(t *testing.T) {
	beats := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame tidesync.ChangeNotification
			if json.Unmarshal(data, &frame) == nil && frame.Type == tidesync.FrameHeartbeat {
				beats <- struct{}{}
			}
		}
	}))
	defer srv.Close()

	rt := newRealtime(srv.URL, StaticToken("t"), realtimeConfig(), discardLogger(), func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	select {
	case <-beats:
	case <-time.After(5 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestRealtimeDialRefreshesOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tokens := newRefreshableToken("stale-token")
	rt := newRealtime(srv.URL, tokens, realtimeConfig(), discardLogger(), func() {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	require.Eventually(t, func() bool { return rt.Connected() }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), tokens.refreshN.Load())
}

func TestRealtimeDialReauthRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := newRefreshableToken("revoked")
	tokens.fail = true
	rt := newRealtime(srv.URL, tokens, realtimeConfig(), discardLogger(), func() {})

	_, err := rt.dial(context.Background())
	require.ErrorIs(t, err, ErrReauthRequired)
}
