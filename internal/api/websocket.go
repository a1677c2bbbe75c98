package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Message is the envelope of every WebSocket frame
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// RequestHandler answers a client request; the returned value becomes the
// response payload
type RequestHandler func(c *Client, msg *Message) (any, error)

// Client is a WebSocket client connection
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// Hub manages WebSocket connections. A client without subscriptions
// receives every event; subscribing to job ids narrows the stream.
type Hub struct {
	logger     *zap.Logger
	handler    RequestHandler
	clients    map[*Client]bool
	unregister chan *Client
	stop       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. handler serves client requests other than
// subscribe and unsubscribe.
func NewHub(logger *zap.Logger, handler RequestHandler) *Hub {
	return &Hub{
		logger:     logger,
		handler:    handler,
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run processes disconnections until Close
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops Run
func (h *Hub) Close() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Serve registers conn and starts its pumps
func (h *Hub) Serve(conn *websocket.Conn) *Client {
	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	select {
	case <-h.stop:
		h.mu.Unlock()
		conn.Close()
		return client
	default:
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", client.id))

	go client.writePump()
	go client.readPump()
	return client
}

// Publish sends an event to the clients following job
func (h *Hub) Publish(method, job string, payload any) {
	data, err := encode(&Message{ID: uuid.NewString(), Type: TypeEvent, Method: method}, payload)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.String("method", method), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.follows(job) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Client buffer full, dropping event", zap.String("client", client.id), zap.String("method", method))
		}
	}
}

// deliver queues data for client unless it has been unregistered
func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(msg *Message, payload any) ([]byte, error) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	msg.Timestamp = time.Now().UnixMilli()
	return json.Marshal(msg)
}

func (c *Client) follows(job string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || job == "" || c.subs[job]
}

type subscription struct {
	ID string `json:"id"`
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}
		c.respond(&msg)
	}
}

func (c *Client) respond(msg *Message) {
	var (
		payload any
		err     error
	)

	switch msg.Method {
	case "ping":
		payload = map[string]string{"pong": "ok"}
	case "subscribe", "unsubscribe":
		var sub subscription
		if err = json.Unmarshal(msg.Payload, &sub); err == nil {
			c.mu.Lock()
			if msg.Method == "subscribe" {
				c.subs[sub.ID] = true
			} else {
				delete(c.subs, sub.ID)
			}
			c.mu.Unlock()
			payload = map[string]string{msg.Method + "d": sub.ID}
		}
	default:
		payload, err = c.hub.handler(c, msg)
	}

	response := &Message{ID: msg.ID, Type: TypeResponse, Method: msg.Method}
	if err != nil {
		response.Error = err.Error()
		payload = nil
	}
	data, err := encode(response, payload)
	if err != nil {
		c.hub.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}

	c.hub.deliver(c, data)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
