package querypilot

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EngineEventType classifies a streamed engine event.
type EngineEventType string

const (
	EventOptimizationCompleted EngineEventType = "optimization_completed"
	EventEndpointHealthChanged EngineEventType = "endpoint_health_changed"
	EventModelsRetrained       EngineEventType = "models_retrained"
	EventCacheHit              EngineEventType = "cache_hit"
)

// EngineEvent is one decision or state change pushed to dashboard clients.
type EngineEvent struct {
	Type      EngineEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Query     string          `json:"query,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Detail    any             `json:"detail,omitempty"`
}

// EventHubConfig configures the live event stream.
type EventHubConfig struct {
	// BufferSize is the per-client channel buffer; slow clients that fall
	// behind are dropped.
	BufferSize int

	// WriteTimeout bounds each WebSocket write.
	WriteTimeout time.Duration

	// PingInterval keeps idle connections alive.
	PingInterval time.Duration
}

// DefaultEventHubConfig returns default configuration.
func DefaultEventHubConfig() EventHubConfig {
	return EventHubConfig{
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type eventClient struct {
	id   string
	ch   chan EngineEvent
	done chan struct{}
}

// EventHub broadcasts engine events to WebSocket subscribers, so monitoring
// dashboards can show optimization decisions live.
type EventHub struct {
	config EventHubConfig
	logger *zap.Logger

	clients map[string]*eventClient
	mu      sync.RWMutex
	closed  bool
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewEventHub creates an event hub.
func NewEventHub(config EventHubConfig, logger *zap.Logger) *EventHub {
	if config.BufferSize <= 0 {
		config = DefaultEventHubConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		config:  config,
		logger:  logger,
		clients: make(map[string]*eventClient),
	}
}

// Publish fans an event out to all connected clients. Clients whose buffer
// is full miss the event rather than blocking the pipeline.
func (h *EventHub) Publish(event EngineEvent) {
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.ch <- event:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &eventClient{
		id:   uuid.NewString(),
		ch:   make(chan EngineEvent, h.config.BufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

func (h *EventHub) writePump(conn *websocket.Conn, client *eventClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return
		case event := <-client.ch:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

func (h *EventHub) readPump(conn *websocket.Conn, client *eventClient) {
	defer func() {
		h.drop(client)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(client *eventClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; !ok {
		return
	}
	delete(h.clients, client.id)
	close(client.done)
}

// ClientCount returns the number of connected subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *EventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		close(c.done)
		delete(h.clients, id)
	}
	return nil
}
