package entity

import (
	"FunnelBot/internal/lib/validate"
	"net/http"
	"strings"
	"time"
)

type EventKind string

const (
	EventCommand  EventKind = "command"
	EventCallback EventKind = "callback"
	EventText     EventKind = "text"
	EventMedia    EventKind = "media"
	EventLocation EventKind = "location"
	EventContact  EventKind = "contact"
	EventPlatform EventKind = "event"
)

type Location struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
}

type UserProfile struct {
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// InboundEvent is the transport-neutral form of one platform update.
type InboundEvent struct {
	TenantID             string      `json:"tenant_id" validate:"required"`
	BotID                string      `json:"bot_id" validate:"required"`
	ExternalUserID       int64       `json:"external_user_id" validate:"required"`
	ChatID               string      `json:"chat_id" validate:"required"`
	Kind                 EventKind   `json:"kind" validate:"required,oneof=command callback text media location contact event"`
	Payload              string      `json:"payload"`
	MediaType            string      `json:"media_type,omitempty"`
	Location             *Location   `json:"location,omitempty"`
	RawPlatformMessageID string      `json:"raw_platform_message_id" validate:"required"`
	Profile              UserProfile `json:"profile"`
	ReceivedAt           time.Time   `json:"received_at"`
}

func (e *InboundEvent) Bind(_ *http.Request) error {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now()
	}
	return validate.Struct(e)
}

// DedupKey scopes the platform message id by tenant and bot.
func (e *InboundEvent) DedupKey() string {
	return e.TenantID + ":" + e.BotID + ":" + e.RawPlatformMessageID
}

// Command splits "/start payload" into ("start", "payload").
// A "@botname" suffix on the command is dropped.
func (e *InboundEvent) Command() (string, string) {
	if e.Kind != EventCommand {
		return "", ""
	}
	text := strings.TrimSpace(e.Payload)
	text = strings.TrimPrefix(text, "/")
	name, arg, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

type SendStatus string

const (
	SendSent      SendStatus = "sent"
	SendFailed    SendStatus = "failed"
	SendBlocked   SendStatus = "blocked"
	SendThrottled SendStatus = "throttled"
)

// OutboundMessage is the single send primitive shared by funnels and broadcasts.
type OutboundMessage struct {
	TenantID string  `json:"tenant_id"`
	BotID    string  `json:"bot_id"`
	ChatID   string  `json:"chat_id"`
	Content  Content `json:"content"`
}

type SendResult struct {
	Status            SendStatus
	PlatformMessageID string
	RetryAfter        time.Duration
	Err               error
}

func (r SendResult) OK() bool {
	return r.Status == SendSent
}

// Operator is an authenticated API caller.
type Operator struct {
	Username string `json:"username"`
}
