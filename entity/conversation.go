package entity

import "time"

type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationHandoff ConversationStatus = "handoff"
	ConversationClosed  ConversationStatus = "closed"
)

// Conversation groups messages of one user. At most one is not closed per user.
type Conversation struct {
	ID                 string             `json:"id" bson:"id"`
	TenantID           string             `json:"tenant_id" bson:"tenant_id"`
	BotID              string             `json:"bot_id" bson:"bot_id"`
	ConversationUserID string             `json:"conversation_user_id" bson:"conversation_user_id"`
	Status             ConversationStatus `json:"status" bson:"status"`
	OperatorID         string             `json:"operator_id,omitempty" bson:"operator_id,omitempty"`
	HandoffReason      string             `json:"handoff_reason,omitempty" bson:"handoff_reason,omitempty"`
	StartedAt          time.Time          `json:"started_at" bson:"started_at"`
	UpdatedAt          time.Time          `json:"updated_at" bson:"updated_at"`
	ClosedAt           *time.Time         `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
}

func (c *Conversation) InHandoff() bool {
	return c != nil && c.Status == ConversationHandoff
}
