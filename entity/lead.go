package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var leadNamespace = uuid.MustParse("0b7d8e3a-52c4-4d6e-8f1a-7c9b2e4f6a81")

// Lead is a CRM record created by a funnel, unique per (tenant, user, funnel).
type Lead struct {
	ID                 string         `json:"id" bson:"id"`
	TenantID           string         `json:"tenant_id" bson:"tenant_id"`
	BotID              string         `json:"bot_id" bson:"bot_id"`
	ConversationUserID string         `json:"conversation_user_id" bson:"conversation_user_id"`
	FunnelID           string         `json:"funnel_id" bson:"funnel_id"`
	Fields             map[string]any `json:"fields" bson:"fields"`
	CreatedAt          time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at" bson:"updated_at"`
}

func LeadID(tenantID, conversationUserID, funnelID string) string {
	return uuid.NewSHA1(leadNamespace, []byte(fmt.Sprintf("%s:%s:%s", tenantID, conversationUserID, funnelID))).String()
}
