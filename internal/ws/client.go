package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxCommandSize = 8192
	sendQueue      = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one operator connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan *Event
	operator string
	log      *slog.Logger
}

// readPump decodes operator commands and answers each with ack or error.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("operator connection lost", sl.Err(err))
			}
			return
		}

		var cmd Command
		if err = json.Unmarshal(raw, &cmd); err != nil {
			c.hub.reply(c, &Event{Type: "error", Data: commandResult{Error: "malformed command"}})
			continue
		}
		err = c.hub.HandleCommand(ctx, c.operator, cmd)
		if err != nil {
			c.log.Warn("operator command failed",
				slog.String("type", cmd.Type),
				slog.String("conversation_id", cmd.ConversationID),
				sl.Err(err),
			)
		}
		c.hub.reply(c, result(cmd, err))
	}
}

// writePump writes queued events as JSON and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.log.Debug("write event", slog.String("type", event.Type), sl.Err(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Authenticator validates an API key and returns the operator.
type Authenticator interface {
	AuthenticateKey(key string) (*entity.Operator, error)
}

// ServeWs upgrades an operator connection. Browsers cannot set headers on
// upgrade, so the key comes in the query.
func ServeWs(hub *Hub, auth Authenticator, log *slog.Logger, w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	operator, err := auth.AuthenticateKey(key)
	if err != nil || operator == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", sl.Err(err))
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan *Event, sendQueue),
		operator: operator.Username,
		log:      hub.log.With(slog.String("username", operator.Username)),
	}

	hub.register <- client

	go client.writePump()
	// commands outlive the upgrade request
	go client.readPump(context.WithoutCancel(r.Context()))
}
