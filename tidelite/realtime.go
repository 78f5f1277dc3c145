// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

// Realtime maintains the WebSocket push channel. Inbound change frames
// only nudge the orchestrator through notify; all data still flows through
// the pull path, so a missed frame costs latency, never correctness.
type Realtime struct {
	url    string
	tokens TokenSource
	config *Config
	logger *slog.Logger
	notify func()

	connected atomic.Bool
	lastSeen  atomic.Int64 // unix nanos of the last inbound frame
}

func newRealtime(baseURL string, tokens TokenSource, config *Config, logger *slog.Logger, notify func()) *Realtime {
	return &Realtime{
		url:    baseURL + "/sync/realtime",
		tokens: tokens,
		config: config,
		logger: logger,
		notify: notify,
	}
}

// Connected reports whether the channel is currently established.
func (r *Realtime) Connected() bool { return r.connected.Load() }

// Run keeps the channel alive until ctx is canceled. Reconnects use
// doubling jittered backoff, reset after every successful connection.
// With AutoReconnect disabled, Run returns after the first disconnect.
func (r *Realtime) Run(ctx context.Context) {
	backoff := r.config.BackoffMin

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := r.connectAndServe(ctx)
		r.connected.Store(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.logger.Debug("Realtime channel disconnected", "error", err)
		}

		if !r.config.AutoReconnect {
			return
		}

		// A connection that lived a while earns a fresh backoff
		if time.Since(start) > r.config.BackoffMax {
			backoff = r.config.BackoffMin
		}
		if sleepErr := sleepWithContext(ctx, withJitter(backoff)); sleepErr != nil {
			return
		}
		backoff *= 2
		if backoff > r.config.BackoffMax {
			backoff = r.config.BackoffMax
		}
	}
}

// connectAndServe dials, then serves one connection until it drops.
func (r *Realtime) connectAndServe(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	r.connected.Store(true)
	r.lastSeen.Store(time.Now().UnixNano())
	r.logger.Info("Realtime channel connected")

	// Catch up on anything missed while disconnected
	r.notify()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.heartbeatLoop(serveCtx, conn)

	for {
		_, data, err := conn.Read(serveCtx)
		if err != nil {
			return err
		}
		r.lastSeen.Store(time.Now().UnixNano())

		var frame tidesync.ChangeNotification
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Debug("Ignoring malformed realtime frame", "error", err)
			continue
		}
		if frame.Type == tidesync.FrameChange {
			r.logger.Debug("Realtime change received",
				"entity", frame.EntityType, "id", frame.EntityID, "op", frame.Op)
			r.notify()
		}
	}
}

// dial establishes the WebSocket with bearer auth, refreshing the token
// once when the server turns the upgrade away with 401.
func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := r.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	conn, resp, err := r.dialOnce(ctx, token)
	if err == nil {
		return conn, nil
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil, err
	}

	token, refreshErr := r.tokens.Refresh(ctx)
	if refreshErr != nil {
		return nil, errors.Join(ErrReauthRequired, refreshErr)
	}
	conn, _, err = r.dialOnce(ctx, token)
	return conn, err
}

func (r *Realtime) dialOnce(ctx context.Context, token string) (*websocket.Conn, *http.Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return websocket.Dial(dialCtx, r.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
}

// heartbeatLoop sends periodic heartbeat frames and tears the connection
// down when the server goes quiet for several intervals.
func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	interval := r.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame, _ := json.Marshal(tidesync.ChangeNotification{Type: tidesync.FrameHeartbeat})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale := time.Duration(time.Now().UnixNano() - r.lastSeen.Load())
			if stale > 3*interval {
				r.logger.Debug("Realtime peer silent, closing connection", "stale", stale)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
