// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClientAuthenticator extracts both owner and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetOwnerID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// TokenRefresher exchanges a bearer token for a fresh one.
// JWTAuth implements this.
type TokenRefresher interface {
	RefreshToken(token string) (string, time.Time, error)
}

// HTTPSyncHandlers provides HTTP handlers for the sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	refresher     TokenRefresher
	hub           *Hub
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
// refresher and hub may be nil; the corresponding endpoints then return 404.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, refresher TokenRefresher, hub *Hub, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		refresher:     refresher,
		hub:           hub,
		logger:        logger,
	}
}

// Routes returns a mux with every sync endpoint registered.
func (h *HTTPSyncHandlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/{entity}/bulk", h.HandleBulk)
	mux.HandleFunc("GET /sync/{entity}", h.HandleChanges)
	mux.HandleFunc("DELETE /sync/{entity}/{id}", h.HandleDelete)
	mux.HandleFunc("GET /sync/realtime", h.HandleRealtime)
	mux.HandleFunc("POST /auth/refresh", h.HandleRefresh)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	return mux
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (ownerID, deviceID string, ok bool) {
	ownerID, err := h.authenticator.GetOwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return ownerID, deviceID, true
}

// HandleBulk processes batch push requests with last-write-wins resolution
func (h *HTTPSyncHandlers) HandleBulk(w http.ResponseWriter, r *http.Request) {
	ownerID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	entity := r.PathValue("entity")
	if !isValidEntityName(entity) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid entity name")
		return
	}

	var bulkReq BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&bulkReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse bulk request")
		return
	}

	response, err := h.service.ProcessBulk(r.Context(), ownerID, deviceID, entity, &bulkReq)
	if err != nil {
		h.logger.Error("Failed to process bulk push", "error", err, "device_id", deviceID, "entity", entity)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode bulk response", "error", err, "device_id", deviceID)
	}
}

// HandleChanges serves the per-entity change feed
func (h *HTTPSyncHandlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	ownerID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	entity := r.PathValue("entity")
	if !isValidEntityName(entity) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid entity name")
		return
	}
	if !h.service.IsEntityRegistered(entity) {
		h.writeError(w, http.StatusNotFound, "unknown_entity", "entity not registered: "+entity)
		return
	}

	since := time.Time{}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
		if parsedLimit < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be >= 1")
			return
		}
		limit = parsedLimit
	}

	response, err := h.service.ListChanges(r.Context(), ownerID, entity, since, limit)
	if err != nil {
		h.logger.Error("Failed to list changes", "error", err, "owner_id", ownerID, "device_id", deviceID, "entity", entity)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to list changes")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode changes response", "error", err, "owner_id", ownerID)
	}
}

// HandleDelete tombstones one record with a server-assigned version
func (h *HTTPSyncHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	entity := r.PathValue("entity")
	if !isValidEntityName(entity) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid entity name")
		return
	}
	id := r.PathValue("id")

	status, err := h.service.ProcessDelete(r.Context(), ownerID, deviceID, entity, id)
	if err != nil {
		h.logger.Error("Failed to process delete", "error", err, "entity", entity, "id", id)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to process delete")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(DeleteResponse{Status: status}); err != nil {
		h.logger.Error("Failed to encode delete response", "error", err, "entity", entity, "id", id)
	}
}

// HandleRealtime upgrades the connection and attaches it to the hub
func (h *HTTPSyncHandlers) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "realtime channel not enabled")
		return
	}

	ownerID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.hub.HandleConnection(w, r, ownerID, deviceID)
}

// HandleRefresh exchanges a bearer token for a fresh one
func (h *HTTPSyncHandlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if h.refresher == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "token refresh not enabled")
		return
	}

	authHeader := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if authHeader == "" || tokenString == authHeader {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "bearer token required")
		return
	}

	token, expiresAt, err := h.refresher.RefreshToken(tokenString)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "refresh_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(RefreshResponse{Token: token, ExpiresAt: expiresAt}); err != nil {
		h.logger.Error("Failed to encode refresh response", "error", err)
	}
}

// HandleHealth reports service status and registered entities
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Status:   "ok",
		App:      h.service.AppName(),
		Entities: h.service.Entities(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// writeError writes a standardized error response
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}

// isValidEntityName checks entity path segments against ^[a-z0-9_]+$
func isValidEntityName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return false
		}
	}
	return true
}
