package entity

import (
	"slices"
	"strings"
	"time"
)

type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "draft"
	BroadcastScheduled BroadcastStatus = "scheduled"
	BroadcastSending   BroadcastStatus = "sending"
	BroadcastPaused    BroadcastStatus = "paused"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

var broadcastTransitions = map[BroadcastStatus][]BroadcastStatus{
	BroadcastDraft:     {BroadcastScheduled, BroadcastSending, BroadcastCancelled},
	BroadcastScheduled: {BroadcastSending, BroadcastCancelled},
	BroadcastSending:   {BroadcastPaused, BroadcastCompleted, BroadcastCancelled},
	BroadcastPaused:    {BroadcastSending, BroadcastCancelled},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to BroadcastStatus) bool {
	return slices.Contains(broadcastTransitions[from], to)
}

// SourcesFor lists every status that may move to `to`.
func SourcesFor(to BroadcastStatus) []BroadcastStatus {
	var out []BroadcastStatus
	for from, targets := range broadcastTransitions {
		if slices.Contains(targets, to) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// TargetFilter selects a broadcast audience. Blocked users are never selected.
type TargetFilter struct {
	Tags           []string   `json:"tags,omitempty" bson:"tags,omitempty"`
	ExcludeTags    []string   `json:"exclude_tags,omitempty" bson:"exclude_tags,omitempty"`
	Locales        []string   `json:"locales,omitempty" bson:"locales,omitempty"`
	SubscribedOnly bool       `json:"subscribed_only,omitempty" bson:"subscribed_only,omitempty"`
	SeenAfter      *time.Time `json:"seen_after,omitempty" bson:"seen_after,omitempty"`
}

func (f TargetFilter) Matches(u *ConversationUser) bool {
	if u.IsBlocked {
		return false
	}
	if f.SubscribedOnly && !u.IsSubscribed {
		return false
	}
	if !u.HasTags(f.Tags) {
		return false
	}
	for _, t := range f.ExcludeTags {
		if u.HasTag(t) {
			return false
		}
	}
	if len(f.Locales) > 0 && !MatchLocale(f.Locales, u.Locale) {
		return false
	}
	if f.SeenAfter != nil && u.LastSeenAt.Before(*f.SeenAfter) {
		return false
	}
	return true
}

// MatchLocale compares by language prefix, so "en" matches "en-US".
func MatchLocale(locales []string, locale string) bool {
	locale = strings.ToLower(locale)
	for _, l := range locales {
		l = strings.ToLower(l)
		if locale == l || strings.HasPrefix(locale, l+"-") {
			return true
		}
	}
	return false
}

// Broadcast is a one-shot mass send.
type Broadcast struct {
	ID              string          `json:"id" bson:"id"`
	TenantID        string          `json:"tenant_id" bson:"tenant_id"`
	BotID           string          `json:"bot_id" bson:"bot_id"`
	Name            string          `json:"name" bson:"name"`
	Content         Content         `json:"content" bson:"content"`
	Filter          TargetFilter    `json:"target_filter" bson:"target_filter"`
	Status          BroadcastStatus `json:"status" bson:"status"`
	Snapshotted     bool            `json:"snapshotted" bson:"snapshotted"`
	TotalRecipients int             `json:"total_recipients" bson:"total_recipients"`
	SentCount       int             `json:"sent_count" bson:"sent_count"`
	DeliveredCount  int             `json:"delivered_count" bson:"delivered_count"`
	FailedCount     int             `json:"failed_count" bson:"failed_count"`
	BlockedCount    int             `json:"blocked_count" bson:"blocked_count"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty" bson:"scheduled_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" bson:"updated_at"`
}

// Processed is the resume offset: recipients already counted.
func (b *Broadcast) Processed() int {
	return b.SentCount + b.FailedCount + b.BlockedCount
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSending RecipientStatus = "sending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientBlocked RecipientStatus = "blocked"
)

func (s RecipientStatus) Final() bool {
	return s == RecipientSent || s == RecipientFailed || s == RecipientBlocked
}

// BroadcastRecipient is the audience snapshot row taken when sending starts.
type BroadcastRecipient struct {
	BroadcastID        string          `json:"broadcast_id" bson:"broadcast_id"`
	Ordinal            int             `json:"ordinal" bson:"ordinal"`
	ConversationUserID string          `json:"conversation_user_id" bson:"conversation_user_id"`
	ChatID             string          `json:"chat_id" bson:"chat_id"`
	Status             RecipientStatus `json:"status" bson:"status"`
	Error              string          `json:"error,omitempty" bson:"error,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at" bson:"updated_at"`
}
