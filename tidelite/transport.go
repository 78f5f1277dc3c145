// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidelite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmolchanov/go-tidesync/tidesync"
)

// TokenSource supplies bearer tokens for the sync server. Refresh is
// invoked once per request after a 401; a Refresh failure surfaces as
// ErrReauthRequired and sync stops until the user signs in again.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed token with no refresh path.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

func (t StaticToken) Refresh(context.Context) (string, error) {
	return "", errors.New("static token cannot be refreshed")
}

// RequestError is a terminal HTTP-level failure (a non-retryable status).
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("server rejected request: status=%d body=%s", e.Status, e.Body)
}

// Transport speaks the sync HTTP protocol. Retryable failures (network
// errors, 5xx, 429) back off with doubling jittered delays up to the
// configured attempt budget; a 401 triggers one token refresh before the
// request is declared a reauth failure.
type Transport struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource

	config *Config
	logger *slog.Logger
}

// NewTransport creates a transport with the engine configuration.
func NewTransport(baseURL string, tokens TokenSource, config *Config, logger *slog.Logger) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		Tokens:  tokens,
		config:  config,
		logger:  logger,
	}
}

// Push uploads a batch of records for one entity type.
func (t *Transport) Push(ctx context.Context, ownerID, entity string, records []tidesync.SyncRecord) (*tidesync.BulkResponse, error) {
	req := tidesync.BulkRequest{OwnerID: ownerID, Records: records}
	var resp tidesync.BulkResponse
	if err := t.do(ctx, http.MethodPost, "/sync/"+url.PathEscape(entity)+"/bulk", nil, &req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Statuses) != len(records) {
		return nil, fmt.Errorf("push response has %d statuses for %d records", len(resp.Statuses), len(records))
	}
	return &resp, nil
}

// Pull fetches one page of the change feed for an entity type.
func (t *Transport) Pull(ctx context.Context, entity string, since time.Time, limit int) (*tidesync.ChangesResponse, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp tidesync.ChangesResponse
	if err := t.do(ctx, http.MethodGet, "/sync/"+url.PathEscape(entity), query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteRecord tombstones one record server-side with a server-assigned version.
func (t *Transport) DeleteRecord(ctx context.Context, entity, id string) (*tidesync.DeleteResponse, error) {
	var resp tidesync.DeleteResponse
	path := "/sync/" + url.PathEscape(entity) + "/" + url.PathEscape(id)
	if err := t.do(ctx, http.MethodDelete, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do runs one logical request through the retry and auth-refresh policy.
func (t *Transport) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	backoff := t.config.BackoffMin
	refreshed := false
	var lastErr error

	for attempt := 1; attempt <= t.config.MaxAttempts; attempt++ {
		status, respBody, err := t.attempt(ctx, method, path, query, payload)
		switch {
		case err != nil:
			lastErr = err

		case status == http.StatusUnauthorized:
			if refreshed {
				return fmt.Errorf("%w: token rejected after refresh", ErrReauthRequired)
			}
			refreshed = true
			if _, rerr := t.Tokens.Refresh(ctx); rerr != nil {
				return fmt.Errorf("%w: %s", ErrReauthRequired, rerr)
			}
			t.logger.Debug("Refreshed token after 401, retrying request", "path", path)
			// Refresh does not consume an attempt
			attempt--
			continue

		case status >= 200 && status < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil

		case status >= 500 || status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("server unavailable: status=%d", status)

		default:
			return &RequestError{Status: status, Body: string(respBody)}
		}

		if attempt == t.config.MaxAttempts {
			break
		}
		t.logger.Debug("Request failed, backing off",
			"path", path, "attempt", attempt, "backoff", backoff, "error", lastErr)
		if err := sleepWithContext(ctx, withJitter(backoff)); err != nil {
			return err
		}
		backoff *= 2
		if backoff > t.config.BackoffMax {
			backoff = t.config.BackoffMax
		}
	}

	return fmt.Errorf("request failed after %d attempts: %w", t.config.MaxAttempts, lastErr)
}

// attempt runs a single HTTP exchange bounded by the request timeout.
func (t *Transport) attempt(ctx context.Context, method, path string, query url.Values, payload []byte) (int, []byte, error) {
	if t.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.RequestTimeout)
		defer cancel()
	}

	token, err := t.Tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get token: %w", err)
	}

	endpoint := t.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// withJitter adds up to 25% random jitter to a backoff delay.
func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
