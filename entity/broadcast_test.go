package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to BroadcastStatus
		want     bool
	}{
		{BroadcastDraft, BroadcastSending, true},
		{BroadcastDraft, BroadcastScheduled, true},
		{BroadcastScheduled, BroadcastSending, true},
		{BroadcastSending, BroadcastPaused, true},
		{BroadcastPaused, BroadcastSending, true},
		{BroadcastSending, BroadcastCompleted, true},
		{BroadcastPaused, BroadcastCancelled, true},
		{BroadcastDraft, BroadcastPaused, false},
		{BroadcastPaused, BroadcastCompleted, false},
		{BroadcastCompleted, BroadcastSending, false},
		{BroadcastCancelled, BroadcastSending, false},
		{BroadcastCompleted, BroadcastCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSourcesFor(t *testing.T) {
	assert.Equal(t, []BroadcastStatus{BroadcastDraft, BroadcastPaused, BroadcastScheduled}, SourcesFor(BroadcastSending))
	assert.Equal(t, []BroadcastStatus{BroadcastSending}, SourcesFor(BroadcastCompleted))
	assert.Empty(t, SourcesFor(BroadcastDraft))
}

func TestTargetFilter_Matches(t *testing.T) {
	now := time.Now()
	week := now.Add(-7 * 24 * time.Hour)
	user := func(mod func(u *ConversationUser)) *ConversationUser {
		u := &ConversationUser{Tags: []string{"lead", "vip"}, Locale: "en-US", IsSubscribed: true, LastSeenAt: now}
		if mod != nil {
			mod(u)
		}
		return u
	}
	tests := []struct {
		name   string
		filter TargetFilter
		user   *ConversationUser
		want   bool
	}{
		{name: "empty filter", user: user(nil), want: true},
		{name: "blocked never", user: user(func(u *ConversationUser) { u.IsBlocked = true }), want: false},
		{name: "all tags", filter: TargetFilter{Tags: []string{"lead", "vip"}}, user: user(nil), want: true},
		{name: "missing tag", filter: TargetFilter{Tags: []string{"paid"}}, user: user(nil), want: false},
		{name: "excluded tag", filter: TargetFilter{ExcludeTags: []string{"vip"}}, user: user(nil), want: false},
		{name: "locale prefix", filter: TargetFilter{Locales: []string{"en"}}, user: user(nil), want: true},
		{name: "other locale", filter: TargetFilter{Locales: []string{"uk"}}, user: user(nil), want: false},
		{name: "not subscribed", filter: TargetFilter{SubscribedOnly: true}, user: user(func(u *ConversationUser) { u.IsSubscribed = false }), want: false},
		{name: "seen recently", filter: TargetFilter{SeenAfter: &week}, user: user(nil), want: true},
		{name: "seen long ago", filter: TargetFilter{SeenAfter: &week}, user: user(func(u *ConversationUser) { u.LastSeenAt = now.Add(-30 * 24 * time.Hour) }), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.user))
		})
	}
}

func TestMatchLocale(t *testing.T) {
	assert.True(t, MatchLocale([]string{"en"}, "en"))
	assert.True(t, MatchLocale([]string{"EN"}, "en-gb"))
	assert.True(t, MatchLocale([]string{"uk", "pt-BR"}, "pt-br"))
	assert.False(t, MatchLocale([]string{"en"}, "eng"))
	assert.False(t, MatchLocale([]string{"pt-BR"}, "pt"))
	assert.False(t, MatchLocale([]string{"en"}, ""))
}

func TestBroadcast_Processed(t *testing.T) {
	b := &Broadcast{SentCount: 7, FailedCount: 2, BlockedCount: 1, DeliveredCount: 5}
	assert.Equal(t, 10, b.Processed())
}
