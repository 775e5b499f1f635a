package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"FunnelBot/entity"
	"FunnelBot/internal/lib/sl"
)

const commandTimeout = 15 * time.Second

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadCommand     = errors.New("bad command")
)

// ClientMessageHandler handles commands sent by operators over the socket.
type ClientMessageHandler interface {
	ReleaseConversation(ctx context.Context, conversationID string) error
	ReplyToConversation(ctx context.Context, conversationID, operator, text string) error
}

// Event represents a WebSocket event sent to operator clients.
type Event struct {
	Type string      `json:"type"` // "new_message", "handoff", "ack", "error"
	Data interface{} `json:"data"`
}

type messageEvent struct {
	Message *entity.Message          `json:"message"`
	User    *entity.ConversationUser `json:"user"`
}

type handoffEvent struct {
	Conversation *entity.Conversation     `json:"conversation"`
	User         *entity.ConversationUser `json:"user"`
}

// Command is an operator request. ID is echoed back in the ack.
type Command struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type"` // "release", "reply"
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
}

type commandResult struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

type delivery struct {
	client *Client
	event  *Event
}

// Hub maintains the set of active WebSocket clients and broadcasts events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	direct     chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	handler    ClientMessageHandler
	log        *slog.Logger
}

// NewHub creates a new Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		direct:     make(chan delivery, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.With(sl.Module("ws")),
	}
}

// SetHandler sets the handler for incoming client messages.
func (h *Hub) SetHandler(handler ClientMessageHandler) {
	h.handler = handler
}

// Run starts the hub's event loop until ctx is done. Only Run closes a
// client's send channel.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("operator connected", slog.String("username", client.operator))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			h.mu.Unlock()

		case d := <-h.direct:
			h.mu.Lock()
			if _, ok := h.clients[d.client]; ok {
				h.offer(d.client, d.event)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				h.offer(client, event)
			}
			h.mu.Unlock()
		}
	}
}

// offer drops a client whose queue is full. Callers hold h.mu.
func (h *Hub) offer(client *Client, event *Event) {
	select {
	case client.send <- event:
	default:
		h.log.Warn("operator too slow, disconnected", slog.String("username", client.operator))
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	close(client.send)
	delete(h.clients, client)
}

// Clients returns the number of connected operators.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// publish never blocks the caller; events are dropped when the queue is full.
func (h *Hub) publish(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("ws queue full, event dropped", slog.String("type", event.Type))
	}
}

func (h *Hub) reply(client *Client, event *Event) {
	select {
	case h.direct <- delivery{client: client, event: event}:
	default:
		h.log.Warn("ws reply queue full", slog.String("type", event.Type))
	}
}

// OnMessage sends a new_message event for every logged conversation message.
func (h *Hub) OnMessage(msg *entity.Message, user *entity.ConversationUser) {
	h.publish(&Event{
		Type: "new_message",
		Data: messageEvent{Message: msg, User: user},
	})
}

// OnHandoff tells operators a conversation is waiting for them.
func (h *Hub) OnHandoff(conv *entity.Conversation, user *entity.ConversationUser) {
	h.publish(&Event{
		Type: "handoff",
		Data: handoffEvent{Conversation: conv, User: user},
	})
}

// HandleCommand runs one operator command against the handler.
func (h *Hub) HandleCommand(ctx context.Context, operator string, cmd Command) error {
	if h.handler == nil {
		return errors.New("no command handler")
	}
	if cmd.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrBadCommand)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case "release":
		return h.handler.ReleaseConversation(ctx, cmd.ConversationID)
	case "reply":
		if cmd.Text == "" {
			return fmt.Errorf("%w: text is required", ErrBadCommand)
		}
		return h.handler.ReplyToConversation(ctx, cmd.ConversationID, operator, cmd.Text)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// result turns the outcome of a command into the event sent back to its author.
func result(cmd Command, err error) *Event {
	if err != nil {
		return &Event{Type: "error", Data: commandResult{ID: cmd.ID, Type: cmd.Type, Error: err.Error()}}
	}
	return &Event{Type: "ack", Data: commandResult{ID: cmd.ID, Type: cmd.Type}}
}
