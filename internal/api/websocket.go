package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/gatekeep/internal/logging"
)

// Event topics clients can subscribe to.
const (
	TopicFirewall = "firewall"
	TopicPanel    = "panel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Enforce same-origin policy for WebSocket upgrades
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// No origin header (safe)
			return true
		}

		// Allow localhost for development/proxying
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}

		// Strict same-origin check for others
		host := r.Host
		if after, found := strings.CutPrefix(origin, "http://"); found {
			return after == host
		}
		if after, found := strings.CutPrefix(origin, "https://"); found {
			return after == host
		}
		return false
	},
}

// WSMessage is a topic-based message sent to clients
type WSMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
	Time  int64  `json:"time"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn   *websocket.Conn
	topics map[string]bool
	send   chan []byte
}

// WSManager handles websocket connections with topic-based pub/sub
type WSManager struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
	logger     *logging.Logger
}

func NewWSManager(logger *logging.Logger) *WSManager {
	if logger == nil {
		logger = logging.Default()
	}
	manager := &WSManager{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger.WithComponent("ws"),
	}
	go manager.run()
	return manager
}

func (m *WSManager) run() {
	for {
		select {
		case client := <-m.register:
			m.mutex.Lock()
			m.clients[client] = true
			m.mutex.Unlock()
		case client := <-m.unregister:
			m.mutex.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()
			}
			m.mutex.Unlock()
		case <-m.done:
			m.mutex.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.send)
				client.conn.Close()
			}
			m.mutex.Unlock()
			return
		}
	}
}

// Close disconnects all clients and stops the manager.
func (m *WSManager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// Publish sends a message to all clients subscribed to the given topic
func (m *WSManager) Publish(topic string, data any) {
	msg := WSMessage{Topic: topic, Data: data, Time: time.Now().Unix()}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for client := range m.clients {
		if client.topics[topic] {
			select {
			case client.send <- msgBytes:
			default:
				// Client buffer full, skip
			}
		}
	}
}

// subscribeRequest lets a connected client change its topics.
type subscribeRequest struct {
	Action string   `json:"action"` // subscribe, unsubscribe
	Topics []string `json:"topics"`
}

// handleEvents upgrades the connection and streams subscribed topics.
// Initial topics come from the topics query parameter; omitting it
// subscribes to everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "ip", getClientIP(r))
		return
	}

	topics := map[string]bool{TopicFirewall: true, TopicPanel: true}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = map[string]bool{}
		for _, t := range strings.Split(raw, ",") {
			topics[strings.TrimSpace(t)] = true
		}
	}

	client := &wsClient{
		conn:   conn,
		topics: topics,
		send:   make(chan []byte, 32),
	}
	select {
	case s.wsManager.register <- client:
	case <-s.wsManager.done:
		conn.Close()
		return
	}

	go s.wsManager.writePump(client)
	s.wsManager.readPump(client)
}

// writePump drains the client's send queue and keeps the connection alive.
func (m *WSManager) writePump(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump processes subscription changes until the client disconnects.
func (m *WSManager) readPump(client *wsClient) {
	defer func() {
		select {
		case m.unregister <- client:
		case <-m.done:
		}
	}()

	client.conn.SetReadLimit(4096)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		m.mutex.Lock()
		for _, t := range req.Topics {
			switch req.Action {
			case "subscribe":
				client.topics[t] = true
			case "unsubscribe":
				delete(client.topics, t)
			}
		}
		m.mutex.Unlock()
	}
}
