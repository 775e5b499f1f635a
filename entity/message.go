package entity

import (
	"time"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type SenderType string

const (
	SenderUser     SenderType = "user"
	SenderBot      SenderType = "bot"
	SenderOperator SenderType = "operator"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// Message is an immutable conversation log row.
type Message struct {
	ID                 string         `json:"id" bson:"id"`
	TenantID           string         `json:"tenant_id" bson:"tenant_id"`
	BotID              string         `json:"bot_id" bson:"bot_id"`
	ConversationID     string         `json:"conversation_id" bson:"conversation_id"`
	ConversationUserID string         `json:"conversation_user_id" bson:"conversation_user_id"`
	Direction          Direction      `json:"direction" bson:"direction"`
	SenderType         SenderType     `json:"sender_type" bson:"sender_type"`
	ContentType        string         `json:"content_type" bson:"content_type"`
	Text               string         `json:"text,omitempty" bson:"text,omitempty"`
	Payload            map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	FunnelID           string         `json:"funnel_id,omitempty" bson:"funnel_id,omitempty"`
	StepID             string         `json:"step_id,omitempty" bson:"step_id,omitempty"`
	PlatformMessageID  string         `json:"platform_message_id,omitempty" bson:"platform_message_id,omitempty"`
	Status             MessageStatus  `json:"status" bson:"status"`
	Error              string         `json:"error,omitempty" bson:"error,omitempty"`
	CreatedAt          time.Time      `json:"created_at" bson:"created_at"`
}
