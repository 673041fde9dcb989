package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fpf-engine/internal/events"
	"fpf-engine/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans ui.signal rows out to every connected websocket client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	logger     zerolog.Logger
}

// NewHub creates the hub and subscribes it to ui.signal. Run must be started
// in its own goroutine.
func NewHub(bus *events.Bus, logger zerolog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		logger:     logger.With().Str("component", "WSHub").Logger(),
	}
	if bus != nil {
		bus.Subscribe(events.TopicUISignal, func(payload interface{}) {
			switch row := payload.(type) {
			case storage.UIRow:
				h.BroadcastRow(row)
			case *storage.UIRow:
				if row != nil {
					h.BroadcastRow(*row)
				}
			}
		})
	}
	return h
}

// Run processes register, unregister and broadcast events.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					go func(c *wsClient) {
						h.unregister <- c
					}(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastRow sends one signal row to all clients, dropping it when the
// broadcast queue is full.
func (h *Hub) BroadcastRow(row storage.UIRow) {
	data, err := json.Marshal(row)
	if err != nil {
		h.logger.Error().Err(err).Msg("Marshal failed")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection upgrades an HTTP request and starts the client pumps.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages; clients are consumers only. It keeps
// the connection alive and detects disconnects.
func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.unregister <- client
		client.conn.Close()
	}()
	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
