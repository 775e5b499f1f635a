package entity

import (
	"maps"
	"time"
)

// Context keys used by the step executor.
const (
	CtxRetries    = "retries"
	CtxQuizScore  = "quiz_score"
	CtxDelayToken = "delay_token"
	CtxHandoff    = "handoff"
	CtxABPrefix   = "ab:"
)

// UserState is the durable cursor of one ConversationUser inside one funnel.
// Version is bumped on every successful write and guards compare-and-swap.
type UserState struct {
	ConversationUserID string         `json:"conversation_user_id" bson:"conversation_user_id"`
	TenantID           string         `json:"tenant_id" bson:"tenant_id"`
	BotID              string         `json:"bot_id" bson:"bot_id"`
	CurrentFunnelID    string         `json:"current_funnel_id" bson:"current_funnel_id"`
	CurrentStepID      string         `json:"current_step_id" bson:"current_step_id"`
	WaitingFor         InputType      `json:"waiting_for" bson:"waiting_for"`
	CollectedData      map[string]any `json:"collected_data" bson:"collected_data"`
	Context            map[string]any `json:"context" bson:"context"`
	LastBotMessageID   string         `json:"last_bot_message_id,omitempty" bson:"last_bot_message_id,omitempty"`
	LastEventID        string         `json:"last_event_id,omitempty" bson:"last_event_id,omitempty"`
	Version            int64          `json:"version" bson:"version"`
	ExpiresAt          time.Time      `json:"expires_at" bson:"expires_at"`
	UpdatedAt          time.Time      `json:"updated_at" bson:"updated_at"`
}

func NewUserState(user *ConversationUser) *UserState {
	return &UserState{
		ConversationUserID: user.ID,
		TenantID:           user.TenantID,
		BotID:              user.BotID,
		WaitingFor:         InputNone,
		CollectedData:      make(map[string]any),
		Context:            make(map[string]any),
	}
}

// Active reports whether the user is inside a funnel.
func (s *UserState) Active() bool {
	return s.CurrentFunnelID != "" && s.CurrentStepID != ""
}

func (s *UserState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Reset moves the state to no-active-funnel. Version and LastEventID survive.
func (s *UserState) Reset() {
	s.CurrentFunnelID = ""
	s.CurrentStepID = ""
	s.WaitingFor = InputNone
	s.CollectedData = make(map[string]any)
	s.Context = make(map[string]any)
	s.LastBotMessageID = ""
}

// Clone returns a copy safe to mutate; nested values in the maps are shared.
func (s *UserState) Clone() *UserState {
	c := *s
	c.CollectedData = maps.Clone(s.CollectedData)
	c.Context = maps.Clone(s.Context)
	if c.CollectedData == nil {
		c.CollectedData = make(map[string]any)
	}
	if c.Context == nil {
		c.Context = make(map[string]any)
	}
	return &c
}

// GetString retrieves a string value from the context.
func (s *UserState) GetString(key string) string {
	if v, ok := s.Context[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// GetInt retrieves an integer value from the context.
func (s *UserState) GetInt(key string) int {
	if v, ok := s.Context[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case int32:
			return int(val)
		case int64:
			return int(val)
		case float64:
			return int(val)
		}
	}
	return 0
}

// GetBool retrieves a boolean value from the context.
func (s *UserState) GetBool(key string) bool {
	if v, ok := s.Context[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Set stores a value in the context.
func (s *UserState) Set(key string, value any) {
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	s.Context[key] = value
}

func (s *UserState) Unset(key string) {
	delete(s.Context, key)
}

// Collect stores a captured answer.
func (s *UserState) Collect(field string, value any) {
	if field == "" {
		return
	}
	if s.CollectedData == nil {
		s.CollectedData = make(map[string]any)
	}
	s.CollectedData[field] = value
}
