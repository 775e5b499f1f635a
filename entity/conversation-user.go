package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var userNamespace = uuid.MustParse("6f1c2b9e-3f4a-4e1b-9a57-1d2b3c4d5e6f")

// ConversationUser is one chat-platform identity as seen by one bot.
type ConversationUser struct {
	ID           string         `json:"id" bson:"id"`
	TenantID     string         `json:"tenant_id" bson:"tenant_id"`
	BotID        string         `json:"bot_id" bson:"bot_id"`
	ExternalID   int64          `json:"external_id" bson:"external_id"`
	ChatID       string         `json:"chat_id" bson:"chat_id"`
	Username     string         `json:"username,omitempty" bson:"username,omitempty"`
	FirstName    string         `json:"first_name,omitempty" bson:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty" bson:"last_name,omitempty"`
	Locale       string         `json:"locale,omitempty" bson:"locale,omitempty"`
	IsBlocked    bool           `json:"is_blocked" bson:"is_blocked"`
	IsSubscribed bool           `json:"is_subscribed" bson:"is_subscribed"`
	LeadID       string         `json:"lead_id,omitempty" bson:"lead_id,omitempty"`
	Tags         []string       `json:"tags,omitempty" bson:"tags,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
	FirstSeenAt  time.Time      `json:"first_seen_at" bson:"first_seen_at"`
	LastSeenAt   time.Time      `json:"last_seen_at" bson:"last_seen_at"`
}

// ConversationUserID derives a stable id so repeated first contacts upsert the same row.
func ConversationUserID(tenantID, botID string, externalID int64) string {
	return uuid.NewSHA1(userNamespace, []byte(fmt.Sprintf("%s:%s:%d", tenantID, botID, externalID))).String()
}

func (u *ConversationUser) HasTag(tag string) bool {
	for _, t := range u.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (u *ConversationUser) HasTags(tags []string) bool {
	for _, t := range tags {
		if !u.HasTag(t) {
			return false
		}
	}
	return true
}

func (u *ConversationUser) AddTags(tags ...string) {
	for _, t := range tags {
		if t != "" && !u.HasTag(t) {
			u.Tags = append(u.Tags, t)
		}
	}
}

func (u *ConversationUser) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}
