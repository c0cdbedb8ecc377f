package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trading-agent-scheduler/internal/events"
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
	pingPeriod = (pongWait * 9) / 10
)

// wsClient is one connected event-stream consumer. agentID, when set,
// narrows the stream to a single agent's events.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	agentID string
	hub     *WSHub
}

// WSHub fans out notifier events to connected WebSocket clients,
// optionally filtered per agent. Best-effort: slow consumers are
// dropped, never waited on.
type WSHub struct {
	clients    map[*wsClient]struct{}
	inbound    chan events.Event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     zerolog.Logger
}

func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		inbound:    make(chan events.Event, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Run owns the client set; all membership changes and fan-out happen on
// this goroutine. Returns when ctx is cancelled, closing every client's
// send channel so their write pumps finish.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case ev := <-h.inbound:
			h.fanOut(ev)
		}
	}
}

func (h *WSHub) fanOut(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal event")
		return
	}

	for c := range h.clients {
		if c.agentID != "" && c.agentID != ev.AgentID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Consumer is not keeping up; drop it.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// BroadcastEvent queues an event for fan-out. A full queue drops the
// event rather than blocking the publishing loop.
func (h *WSHub) BroadcastEvent(ev events.Event) {
	select {
	case h.inbound <- ev:
	default:
		h.logger.Warn().Str("type", string(ev.Type)).Msg("event queue full, dropping")
	}
}

// HandleWebSocket upgrades the connection and streams events until the
// peer goes away. `?agent_id=` narrows the stream to one agent.
func (h *WSHub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		agentID: c.Query("agent_id"),
		hub:     h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump serializes all writes for one connection, including pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// readPump drains the connection so pong and close frames are
// processed. The stream is one-way; inbound payloads are discarded.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
