// WebSocket hub for pushing recalculated positions.

package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saudabook/position-engine/internal/backfill"
	"github.com/saudabook/position-engine/internal/engine"
	"github.com/saudabook/position-engine/internal/metrics"
	"github.com/saudabook/position-engine/internal/model"
)

// Message types pushed to clients.
const (
	MsgPositionUpdated    = "position_updated"
	MsgPendingUpdated     = "pending_updated"
	MsgOverDelivery       = "over_delivery"
	MsgSnapshotsGenerated = "snapshots_generated"
	MsgBackfillProgress   = "backfill_progress"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type            string              `json:"type"`
	ItemID          string              `json:"item_id,omitempty"`
	PlantID         string              `json:"plant_id,omitempty"`
	ContractID      string              `json:"contract_id,omitempty"`
	Position        *model.PositionView `json:"position,omitempty"`
	PendingQuantity string              `json:"pending_quantity,omitempty"`
	ExcessKg        string              `json:"excess_kg,omitempty"`
	Dates           []string            `json:"dates,omitempty"`
	Job             *backfill.Job       `json:"job,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients whenever derived state is rewritten.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full; a write must never wait on a slow client.
	}
}

// BroadcastOutcome pushes every derived row a unit of work rewrote.
func (h *WSHub) BroadcastOutcome(out *engine.Outcome) {
	if out == nil {
		return
	}
	for i := range out.Positions {
		view := out.Positions[i].View()
		h.Broadcast(WSMessage{
			Type:     MsgPositionUpdated,
			ItemID:   view.ItemID,
			PlantID:  view.PlantID,
			Position: &view,
		})
	}
	for _, p := range out.Pending {
		h.Broadcast(WSMessage{
			Type:            MsgPendingUpdated,
			ContractID:      p.ContractID,
			PendingQuantity: p.Pending.String(),
		})
	}
	for _, f := range out.OverDeliveries {
		h.Broadcast(WSMessage{
			Type:       MsgOverDelivery,
			ContractID: f.ContractID,
			ExcessKg:   f.ExcessKg.String(),
		})
	}
	if len(out.SnapshotDates) > 0 {
		h.Broadcast(WSMessage{Type: MsgSnapshotsGenerated, Dates: formatDates(out.SnapshotDates)})
	}
}

// BroadcastJob pushes a backfill progress update. Suitable for Runner.OnProgress.
func (h *WSHub) BroadcastJob(job backfill.Job) {
	h.Broadcast(WSMessage{Type: MsgBackfillProgress, Job: &job})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(model.DateLayout)
	}
	return out
}
