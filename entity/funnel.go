package entity

import "time"

type FunnelType string

const (
	FunnelWelcome   FunnelType = "welcome"
	FunnelProduct   FunnelType = "product"
	FunnelOrder     FunnelType = "order"
	FunnelPricing   FunnelType = "pricing"
	FunnelSupport   FunnelType = "support"
	FunnelFeedback  FunnelType = "feedback"
	FunnelPayment   FunnelType = "payment"
	FunnelBroadcast FunnelType = "broadcast"
	FunnelCustom    FunnelType = "custom"
)

// Funnel is a named graph of steps owned by one bot of one tenant.
type Funnel struct {
	ID          string     `json:"id" bson:"id"`
	TenantID    string     `json:"tenant_id" bson:"tenant_id"`
	BotID       string     `json:"bot_id" bson:"bot_id"`
	Name        string     `json:"name" bson:"name"`
	Type        FunnelType `json:"type" bson:"type"`
	IsActive    bool       `json:"is_active" bson:"is_active"`
	Priority    int        `json:"priority" bson:"priority"`
	EntryStepID string     `json:"entry_step_id" bson:"entry_step_id"`
	CreatedAt   time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" bson:"updated_at"`
}

type StepType string

const (
	StepMessage        StepType = "message"
	StepInput          StepType = "input"
	StepCondition      StepType = "condition"
	StepAction         StepType = "action"
	StepDelay          StepType = "delay"
	StepSubscribeCheck StepType = "subscribe_check"
	StepQuiz           StepType = "quiz"
	StepABTest         StepType = "ab_test"
	StepTag            StepType = "tag"
)

type InputType string

const (
	InputNone     InputType = "none"
	InputText     InputType = "text"
	InputPhone    InputType = "phone"
	InputEmail    InputType = "email"
	InputNumber   InputType = "number"
	InputPhoto    InputType = "photo"
	InputLocation InputType = "location"
	InputAny      InputType = "any"
)

// Captures reports whether a reply of this type is expected.
func (t InputType) Captures() bool {
	return t != "" && t != InputNone
}

type ActionType string

const (
	ActionNone             ActionType = "none"
	ActionCreateLead       ActionType = "create_lead"
	ActionUpdateUser       ActionType = "update_user"
	ActionHandoff          ActionType = "handoff"
	ActionSendNotification ActionType = "send_notification"
	ActionWebhook          ActionType = "webhook"
	ActionTag              ActionType = "tag"
)

// Async actions leave the user reply path and are retried independently.
func (t ActionType) Async() bool {
	return t == ActionWebhook || t == ActionSendNotification
}

// Button is one keyboard key. RequestContact and RequestLocation only apply
// to reply keyboards.
type Button struct {
	Text            string `json:"text" bson:"text"`
	Data            string `json:"data,omitempty" bson:"data,omitempty"`
	URL             string `json:"url,omitempty" bson:"url,omitempty"`
	RequestContact  bool   `json:"request_contact,omitempty" bson:"request_contact,omitempty"`
	RequestLocation bool   `json:"request_location,omitempty" bson:"request_location,omitempty"`
}

type Keyboard struct {
	Inline bool       `json:"inline" bson:"inline"`
	Rows   [][]Button `json:"rows" bson:"rows"`
}

// Content is the outbound payload of a step or broadcast.
type Content struct {
	Text      string    `json:"text,omitempty" bson:"text,omitempty"`
	MediaURL  string    `json:"media_url,omitempty" bson:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty" bson:"media_type,omitempty"` // photo | video | document
	Keyboard  *Keyboard `json:"keyboard,omitempty" bson:"keyboard,omitempty"`
}

func (c Content) IsEmpty() bool {
	return c.Text == "" && c.MediaURL == "" && c.Keyboard == nil
}

type Validation struct {
	Rule           string `json:"rule,omitempty" bson:"rule,omitempty"` // phone | email | number | regex | text
	Pattern        string `json:"pattern,omitempty" bson:"pattern,omitempty"`
	MinLength      int    `json:"min_length,omitempty" bson:"min_length,omitempty"`
	MaxLength      int    `json:"max_length,omitempty" bson:"max_length,omitempty"`
	ErrorText      string `json:"error_text,omitempty" bson:"error_text,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty" bson:"max_retries,omitempty"`
	FallbackStepID string `json:"fallback_step_id,omitempty" bson:"fallback_step_id,omitempty"`
}

type Action struct {
	Type   ActionType     `json:"action_type" bson:"action_type"`
	Config map[string]any `json:"action_config,omitempty" bson:"action_config,omitempty"`
}

// Condition is either a govaluate expression or a field/operator/value triple.
type Condition struct {
	Expression string `json:"expression,omitempty" bson:"expression,omitempty"`
	Field      string `json:"field,omitempty" bson:"field,omitempty"`
	Operator   string `json:"operator,omitempty" bson:"operator,omitempty"`
	Value      string `json:"value,omitempty" bson:"value,omitempty"`
}

type SubscribeConfig struct {
	ChannelID string `json:"channel_id" bson:"channel_id"`
}

type QuizOption struct {
	Text  string `json:"text" bson:"text"`
	Value string `json:"value" bson:"value"`
	Score int    `json:"score" bson:"score"`
}

type Variant struct {
	Name   string `json:"name" bson:"name"`
	Weight int    `json:"weight" bson:"weight"`
	StepID string `json:"step_id" bson:"step_id"`
}

// StepTrigger jumps a user already inside the funnel to this step.
type StepTrigger struct {
	Value     string    `json:"value" bson:"value"`
	MatchType MatchType `json:"match_type" bson:"match_type"`
}

// Step is the stored form of a funnel node. Branch targets are step ids in the same funnel.
type Step struct {
	ID                   string           `json:"id" bson:"id"`
	FunnelID             string           `json:"funnel_id" bson:"funnel_id"`
	Position             int              `json:"position" bson:"position"`
	Type                 StepType         `json:"step_type" bson:"step_type"`
	Content              Content          `json:"content" bson:"content"`
	InputType            InputType        `json:"input_type" bson:"input_type"`
	InputField           string           `json:"input_field,omitempty" bson:"input_field,omitempty"`
	Validation           *Validation      `json:"validation,omitempty" bson:"validation,omitempty"`
	Actions              []Action         `json:"actions,omitempty" bson:"actions,omitempty"`
	NextStepID           string           `json:"next_step_id,omitempty" bson:"next_step_id,omitempty"`
	ConditionTrueStepID  string           `json:"condition_true_step_id,omitempty" bson:"condition_true_step_id,omitempty"`
	ConditionFalseStepID string           `json:"condition_false_step_id,omitempty" bson:"condition_false_step_id,omitempty"`
	Condition            *Condition       `json:"condition,omitempty" bson:"condition,omitempty"`
	Subscribe            *SubscribeConfig `json:"subscribe,omitempty" bson:"subscribe,omitempty"`
	QuizOptions          []QuizOption     `json:"quiz_options,omitempty" bson:"quiz_options,omitempty"`
	Variants             []Variant        `json:"variants,omitempty" bson:"variants,omitempty"`
	Tags                 []string         `json:"tags,omitempty" bson:"tags,omitempty"`
	DelayMs              int64            `json:"delay_ms,omitempty" bson:"delay_ms,omitempty"`
	Trigger              *StepTrigger     `json:"trigger,omitempty" bson:"trigger,omitempty"`
	CanvasX              float64          `json:"canvas_x" bson:"canvas_x"`
	CanvasY              float64          `json:"canvas_y" bson:"canvas_y"`
}
