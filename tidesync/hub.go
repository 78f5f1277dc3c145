// Copyright 2026 Dmitri Molchanov
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	hubWriteTimeout = 5 * time.Second
	hubQueueSize    = 256
)

// hubClient is one attached device connection
type hubClient struct {
	conn     *websocket.Conn
	ownerID  string
	deviceID string
}

// hubMessage is a queued outbound frame. A nil target fans out to every
// connection of the owner except excludeDevice.
type hubMessage struct {
	ownerID       string
	excludeDevice string
	target        *hubClient
	data          []byte
}

// Hub manages realtime WebSocket connections grouped by owner and fans
// change notifications out to the owner's other devices. It implements
// Notifier so it can be wired straight into the sync service.
type Hub struct {
	clients   map[string]map[*hubClient]bool
	clientsMu sync.RWMutex

	outbound chan hubMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub and starts its fan-out loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:  make(map[string]map[*hubClient]bool),
		outbound: make(chan hubMessage, hubQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	h.wg.Add(1)
	go h.fanoutLoop()
	return h
}

// Close disconnects every client and stops the fan-out loop.
func (h *Hub) Close() error {
	h.cancel()

	h.clientsMu.Lock()
	for _, conns := range h.clients {
		for client := range conns {
			_ = client.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	}
	h.clients = make(map[string]map[*hubClient]bool)
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}

// Notify queues a change notification for the owner's other devices.
// Implements Notifier. Frames are dropped when the queue is full; clients
// recover missed frames on their next pull cycle.
func (h *Hub) Notify(ownerID, excludeDeviceID string, n ChangeNotification) {
	data, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to marshal change notification", "error", err)
		return
	}
	select {
	case h.outbound <- hubMessage{ownerID: ownerID, excludeDevice: excludeDeviceID, data: data}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Realtime queue full, dropping notification",
			"owner_id", ownerID, "entity", n.EntityType, "id", n.EntityID)
	}
}

// HandleConnection upgrades the request and serves the connection until the
// peer disconnects. The caller must have authenticated owner and device.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, ownerID, deviceID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err, "owner_id", ownerID)
		return
	}

	client := &hubClient{conn: conn, ownerID: ownerID, deviceID: deviceID}

	h.clientsMu.Lock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = make(map[*hubClient]bool)
	}
	h.clients[ownerID][client] = true
	total := len(h.clients[ownerID])
	h.clientsMu.Unlock()

	h.logger.Info("Realtime client connected",
		"owner_id", ownerID, "device_id", deviceID, "owner_connections", total)

	h.readLoop(client)
}

// readLoop consumes inbound frames until the connection drops.
// Heartbeat frames are echoed back through the fan-out loop so writes
// stay on a single goroutine per hub.
func (h *Hub) readLoop(client *hubClient) {
	defer h.removeClient(client)

	for {
		_, data, err := client.conn.Read(h.ctx)
		if err != nil {
			return
		}

		var frame ChangeNotification
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == FrameHeartbeat {
			echo, _ := json.Marshal(ChangeNotification{Type: FrameHeartbeat})
			select {
			case h.outbound <- hubMessage{target: client, data: echo}:
			case <-h.ctx.Done():
				return
			default:
			}
		}
	}
}

// fanoutLoop is the single writer for every hub connection
func (h *Hub) fanoutLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.outbound:
			for _, client := range h.recipients(msg) {
				ctx, cancel := context.WithTimeout(h.ctx, hubWriteTimeout)
				err := client.conn.Write(ctx, websocket.MessageText, msg.data)
				cancel()
				if err != nil {
					h.logger.Debug("Failed to write realtime frame",
						"error", err, "owner_id", client.ownerID, "device_id", client.deviceID)
					h.removeClient(client)
				}
			}
		}
	}
}

func (h *Hub) recipients(msg hubMessage) []*hubClient {
	if msg.target != nil {
		return []*hubClient{msg.target}
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	conns := h.clients[msg.ownerID]
	out := make([]*hubClient, 0, len(conns))
	for client := range conns {
		if client.deviceID == msg.excludeDevice {
			continue
		}
		out = append(out, client)
	}
	return out
}

// removeClient safely detaches and closes a client connection
func (h *Hub) removeClient(client *hubClient) {
	h.clientsMu.Lock()
	conns := h.clients[client.ownerID]
	if conns == nil || !conns[client] {
		h.clientsMu.Unlock()
		return
	}
	delete(conns, client)
	if len(conns) == 0 {
		delete(h.clients, client.ownerID)
	}
	remaining := len(conns)
	h.clientsMu.Unlock()

	_ = client.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Info("Realtime client disconnected",
		"owner_id", client.ownerID, "device_id", client.deviceID, "owner_connections", remaining)
}

// ConnectionCount returns the number of attached connections for an owner.
func (h *Hub) ConnectionCount(ownerID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients[ownerID])
}
