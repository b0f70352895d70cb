package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"detect-stream-go/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Hub fans push messages out to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	messages chan any
	dropped  atomic.Uint64
	logger   *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
		messages: make(chan any, 64),
		logger:   logger,
	}
}

// Publish queues a count update for broadcast. Updates are dropped while the queue is full.
func (h *Hub) Publish(update types.DetectionUpdate) {
	h.send(update)
}

func (h *Hub) send(message any) {
	select {
	case h.messages <- message:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Run broadcasts queued messages until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case message := <-h.messages:
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			h.broadcast(payload)
		}
	}
}

func (h *Hub) broadcast(payload []byte) {
	var stale []*websocket.Conn
	h.mu.Lock()
	for conn, writeMu := range h.clients {
		if err := writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range stale {
		h.remove(conn)
	}
}

// add registers conn and returns the mutex serializing its writes.
func (h *Hub) add(conn *websocket.Conn) *sync.Mutex {
	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()
	return writeMu
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.remove(conn)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

type clientRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := s.hub.add(conn)
	_ = writeJSONMessage(conn, writeMu, s.configMessage())

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.hub.remove(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request clientRequest
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			switch request.Type {
			case types.MessageCountsRequest:
				counts := types.DetectionCounts{}
				if s.stream != nil {
					counts = s.stream.Latest()
				}
				_ = writeJSONMessage(conn, writeMu, types.NewDetectionUpdate(counts))
			case types.MessageConfig:
				_ = writeJSONMessage(conn, writeMu, s.configMessage())
			}
		}
	}()
}

func (s *Server) configMessage() map[string]any {
	payload := s.cfg.Public()
	payload["type"] = types.MessageConfig
	if s.stream != nil {
		payload["active"] = s.stream.Active()
	}
	return payload
}

func writeJSONMessage(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
