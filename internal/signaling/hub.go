package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ustaplace/platform/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// DefaultMaxPeers is the default cap on concurrent websocket peers.
const DefaultMaxPeers = 10000

// relayed pairs a validated message with its room for the hub loop.
type relayed struct {
	room string
	data []byte
	typ  MessageType
}

// Hub relays signaling messages between the websocket peers of each
// conversation. Every peer in a room receives every message; echo
// suppression and recipient filtering happen on the peer side.
type Hub struct {
	rooms      map[string]map[*wsPeer]bool
	relay      chan relayed
	register   chan *wsPeer
	unregister chan *wsPeer
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxPeers   int
}

// NewHub creates a signaling hub.
func NewHub(logger *slog.Logger, maxPeers int) *Hub {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Hub{
		rooms:      make(map[string]map[*wsPeer]bool),
		relay:      make(chan relayed, 256),
		register:   make(chan *wsPeer),
		unregister: make(chan *wsPeer),
		logger:     logger,
		done:       make(chan struct{}),
		maxPeers:   maxPeers,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("signaling hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("signaling hub shutting down, closing peer connections")
			h.mu.Lock()
			for room, peers := range h.rooms {
				for peer := range peers {
					close(peer.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.rooms, room)
			}
			h.mu.Unlock()
			metrics.SignalingPeersConnected.Set(0)
			h.logger.Info("signaling hub stopped")
			return

		case peer := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[peer.room]
			if !ok {
				room = make(map[*wsPeer]bool)
				h.rooms[peer.room] = room
			}
			room[peer] = true
			n := h.peerCountLocked()
			h.mu.Unlock()
			metrics.SignalingPeersConnected.Set(float64(n))
			h.logger.Info("peer joined", "room", peer.room, "peer", peer.id, "total", n)

		case peer := <-h.unregister:
			h.mu.Lock()
			h.removePeerLocked(peer)
			n := h.peerCountLocked()
			h.mu.Unlock()
			metrics.SignalingPeersConnected.Set(float64(n))
			h.logger.Info("peer left", "room", peer.room, "peer", peer.id, "total", n)

		case msg := <-h.relay:
			metrics.SignalingMessagesTotal.WithLabelValues(string(msg.typ)).Inc()
			h.mu.RLock()
			var slow []*wsPeer
			for peer := range h.rooms[msg.room] {
				select {
				case peer.send <- msg.data:
				default:
					slow = append(slow, peer)
				}
			}
			h.mu.RUnlock()
			// Remove slow peers under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, peer := range slow {
					h.removePeerLocked(peer)
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) removePeerLocked(peer *wsPeer) {
	room, ok := h.rooms[peer.room]
	if !ok {
		return
	}
	if _, ok := room[peer]; ok {
		delete(room, peer)
		close(peer.send)
	}
	if len(room) == 0 {
		delete(h.rooms, peer.room)
	}
}

func (h *Hub) peerCountLocked() int {
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"rooms":          len(h.rooms),
		"connectedPeers": h.peerCountLocked(),
	}
}

// RegisterRoutes sets up the websocket endpoint.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/calls/:channelId/ws", func(c *gin.Context) {
		h.serveWS(c.Writer, c.Request, c.Param("channelId"), c.Query("peer"))
	})
}

// serveWS upgrades HTTP to WebSocket and attaches the peer to its room.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, room, peerID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if room == "" || peerID == "" {
		http.Error(w, "channel and peer are required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	n := h.peerCountLocked()
	h.mu.RUnlock()
	if n >= h.maxPeers {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	peer := &wsPeer{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		room: room,
		id:   peerID,
	}

	h.register <- peer

	go peer.writePump()
	go peer.readPump()
}

// wsPeer is one websocket connection in a signaling room.
type wsPeer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	room string
	id   string
}

// readPump validates incoming messages at the boundary and hands them to
// the hub for relay. Malformed messages are answered with an error frame
// and dropped, never relayed.
func (p *wsPeer) readPump() {
	defer func() {
		p.hub.unregister <- p
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(64 * 1024)
	_ = p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	p.conn.SetPongHandler(func(string) error {
		_ = p.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				p.hub.logger.Warn("websocket read error", "peer", p.id, "error", err)
			}
			break
		}

		msg, err := ParseMessage(data)
		if err != nil {
			p.hub.logger.Warn("invalid signaling message dropped", "peer", p.id, "error", err)
			errFrame, _ := json.Marshal(gin.H{"error": "invalid_message", "message": err.Error()})
			select {
			case p.send <- errFrame:
			default:
			}
			continue
		}

		select {
		case p.hub.relay <- relayed{room: p.room, data: data, typ: msg.Type}:
		default:
			p.hub.logger.Warn("relay channel full, dropping message", "room", p.room)
		}
	}
}

// writePump writes messages to the WebSocket.
func (p *wsPeer) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.hub.logger.Warn("websocket write error", "peer", p.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.hub.logger.Debug("websocket ping failed", "peer", p.id, "error", err)
				return
			}
		}
	}
}
