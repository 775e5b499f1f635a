package funnel

import (
	"testing"

	"FunnelBot/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trig(id string, typ entity.TriggerType, value string, match entity.MatchType, priority int, seq int64) *entity.Trigger {
	return &entity.Trigger{
		ID: id, TenantID: "t1", BotID: "b1", FunnelID: "f-" + id,
		Type: typ, Value: value, MatchType: match, Priority: priority, IsActive: true, Seq: seq,
	}
}

func TestPattern_Matches(t *testing.T) {
	tests := []struct {
		match entity.MatchType
		value string
		text  string
		want  bool
	}{
		{entity.MatchExact, "Hello", "hello", true},
		{entity.MatchExact, "hello", "hello there", false},
		{entity.MatchContains, "price", "the Price list", true},
		{entity.MatchStartsWith, "order", "order 42", true},
		{entity.MatchEndsWith, "please", "help please", true},
		{entity.MatchRegex, `^\d{3}$`, "123", true},
		{entity.MatchRegex, `^\d{3}$`, "1234", false},
		{entity.MatchWildcard, "promo_*", "promo_summer", true},
		{entity.MatchWildcard, "promo_*", "ref_summer", false},
		{"", "hi", "HI", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.match)+"/"+tt.text, func(t *testing.T) {
			p, err := compilePattern(tt.match, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.matches(tt.text))
		})
	}
}

func TestNewMatcher_BadPattern(t *testing.T) {
	_, err := NewMatcher([]*entity.Trigger{trig("bad", entity.TriggerKeyword, "([", entity.MatchRegex, 0, 1)})
	var cfg *ConfigurationError
	assert.ErrorAs(t, err, &cfg)

	_, err = NewMatcher([]*entity.Trigger{trig("odd", entity.TriggerKeyword, "x", "fuzzy", 0, 1)})
	assert.ErrorAs(t, err, &cfg)
}

func TestMatcher_Order(t *testing.T) {
	text := &entity.InboundEvent{Kind: entity.EventText, Payload: "price"}

	tests := []struct {
		name     string
		triggers []*entity.Trigger
		want     string
	}{
		{
			name: "priority first",
			triggers: []*entity.Trigger{
				trig("exact", entity.TriggerKeyword, "price", entity.MatchExact, 0, 1),
				trig("regex", entity.TriggerKeyword, "pr.*", entity.MatchRegex, 10, 2),
			},
			want: "regex",
		},
		{
			name: "specificity on equal priority",
			triggers: []*entity.Trigger{
				trig("contains", entity.TriggerKeyword, "pri", entity.MatchContains, 0, 1),
				trig("exact", entity.TriggerKeyword, "price", entity.MatchExact, 0, 2),
			},
			want: "exact",
		},
		{
			name: "insertion order breaks ties",
			triggers: []*entity.Trigger{
				trig("second", entity.TriggerKeyword, "price", entity.MatchExact, 0, 2),
				trig("first", entity.TriggerKeyword, "price", entity.MatchExact, 0, 1),
			},
			want: "first",
		},
		{
			name: "inactive ignored",
			triggers: []*entity.Trigger{
				func() *entity.Trigger {
					tr := trig("off", entity.TriggerKeyword, "price", entity.MatchExact, 99, 1)
					tr.IsActive = false
					return tr
				}(),
				trig("on", entity.TriggerKeyword, "price", entity.MatchContains, 0, 2),
			},
			want: "on",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMatcher(tt.triggers)
			require.NoError(t, err)
			got, ok := m.Match(text, &entity.ConversationUser{}, false)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.TriggerID)
			assert.Equal(t, "f-"+tt.want, got.FunnelID)
		})
	}
}

func TestMatcher_Subjects(t *testing.T) {
	m, err := NewMatcher([]*entity.Trigger{
		trig("payload", entity.TriggerStartPayload, "promo_*", entity.MatchWildcard, 5, 1),
		trig("start", entity.TriggerCommand, "/start", entity.MatchExact, 0, 2),
		trig("cb", entity.TriggerCallback, "menu:prices", entity.MatchExact, 0, 3),
		trig("joined", entity.TriggerEvent, "chat_joined", entity.MatchExact, 0, 4),
	})
	require.NoError(t, err)
	user := &entity.ConversationUser{}

	tests := []struct {
		name string
		ev   *entity.InboundEvent
		want string
		ok   bool
	}{
		{"start with promo payload", &entity.InboundEvent{Kind: entity.EventCommand, Payload: "/start promo_X"}, "payload", true},
		{"bare start", &entity.InboundEvent{Kind: entity.EventCommand, Payload: "/start"}, "start", true},
		{"start addressed to bot", &entity.InboundEvent{Kind: entity.EventCommand, Payload: "/start@funnel_bot ref_1"}, "start", true},
		{"callback", &entity.InboundEvent{Kind: entity.EventCallback, Payload: "menu:prices"}, "cb", true},
		{"platform event", &entity.InboundEvent{Kind: entity.EventPlatform, Payload: "chat_joined"}, "joined", true},
		{"text is not a callback", &entity.InboundEvent{Kind: entity.EventText, Payload: "menu:prices"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.Match(tt.ev, user, false)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.TriggerID)
		})
	}
}

func TestMatcher_Conditions(t *testing.T) {
	welcome := trig("welcome", entity.TriggerCommand, "start", entity.MatchExact, 10, 1)
	welcome.Conditions = &entity.TriggerConditions{NewUsersOnly: true}
	vip := trig("vip", entity.TriggerCommand, "start", entity.MatchExact, 5, 2)
	vip.Conditions = &entity.TriggerConditions{RequiredTags: []string{"vip"}, Locales: []string{"en"}}
	plain := trig("plain", entity.TriggerCommand, "start", entity.MatchExact, 0, 3)

	m, err := NewMatcher([]*entity.Trigger{welcome, vip, plain})
	require.NoError(t, err)
	ev := &entity.InboundEvent{Kind: entity.EventCommand, Payload: "/start"}

	got, _ := m.Match(ev, &entity.ConversationUser{}, true)
	assert.Equal(t, "welcome", got.TriggerID)

	got, _ = m.Match(ev, &entity.ConversationUser{Tags: []string{"vip"}, Locale: "en-GB"}, false)
	assert.Equal(t, "vip", got.TriggerID)

	got, _ = m.Match(ev, &entity.ConversationUser{Tags: []string{"vip"}, Locale: "uk"}, false)
	assert.Equal(t, "plain", got.TriggerID)
}
