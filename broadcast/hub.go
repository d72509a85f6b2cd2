// Package broadcast carries the two-way messaging surface between the worker
// and foreground UI clients: inbound trigger messages (manual sync, update
// confirmation) and outbound fire-and-forget sync-status notifications.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"net/http"

	"github.com/coder/websocket"

	kiosksync "github.com/tillpoint/go-kiosk-sync"
	"github.com/tillpoint/go-kiosk-sync/logging"
)

// Message is the structured frame exchanged with clients. Inbound frames
// carry only Type; outbound sync-status frames carry Status and Type.
type Message struct {
	Type   string `json:"type,omitempty"`
	Status string `json:"status,omitempty"`
}

// InboundHandler receives the type field of every message a client posts.
type InboundHandler func(ctx context.Context, msgType string)

// Hub manages WebSocket connections, fans broadcast messages out to every
// connected client, and forwards inbound messages to the handler. Delivery is
// best-effort: no acknowledgement, no persistence, no replay for clients that
// were offline when a message was published.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan []byte
	onMessage InboundHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewHub creates a hub. The handler may be nil when no inbound messages are
// expected.
func NewHub(onMessage InboundHandler) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 100),
		onMessage: onMessage,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.WithComponent(logging.Component("broadcast")).Logger,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	return h
}

var _ kiosksync.Notifier = (*Hub)(nil)

// Notify publishes a sync-status notification to every connected client.
func (h *Hub) Notify(ctx context.Context, n kiosksync.Notification) {
	h.publish(Message{Status: string(n.Status), Type: n.Type})
}

// Announce publishes a bare typed message, e.g. the new-version notice sent
// to clients on activation.
func (h *Hub) Announce(msgType string) {
	h.publish(Message{Type: msgType})
}

func (h *Hub) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message",
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// broadcastLoop fans queued messages out to all clients.
func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case data := <-h.broadcast:
			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Debug("failed to send to client, dropping connection",
						slog.String("error", err.Error()))
					h.removeClient(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades HTTP connections to WebSocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("error", err.Error()))
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Info("client connected", slog.Int("total", clientCount))

	go h.readLoop(conn)
}

// readLoop parses inbound frames and dispatches their type to the handler.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message",
				slog.String("error", err.Error()))
			continue
		}
		if msg.Type == "" || h.onMessage == nil {
			continue
		}

		h.onMessage(h.ctx, msg.Type)
	}
}

// removeClient safely removes a client connection
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("client disconnected", slog.Int("total", clientCount))
	} else {
		h.clientsMu.Unlock()
	}
}

// Close disconnects all clients and stops the hub.
func (h *Hub) Close() error {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "worker shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}
