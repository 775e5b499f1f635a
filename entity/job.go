package entity

import "time"

type JobKind string

const (
	JobDelayResume JobKind = "delay_resume"
	JobActionRetry JobKind = "action_retry"
)

type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is a persisted unit of deferred work polled by the jobs runner.
type Job struct {
	ID          string         `json:"id" bson:"id"`
	Kind        JobKind        `json:"kind" bson:"kind"`
	TenantID    string         `json:"tenant_id" bson:"tenant_id"`
	BotID       string         `json:"bot_id" bson:"bot_id"`
	DedupeKey   string         `json:"dedupe_key,omitempty" bson:"dedupe_key,omitempty"`
	Payload     map[string]any `json:"payload" bson:"payload"`
	RunAt       time.Time      `json:"run_at" bson:"run_at"`
	Status      JobStatus      `json:"status" bson:"status"`
	Attempt     int            `json:"attempt" bson:"attempt"`
	MaxAttempts int            `json:"max_attempts" bson:"max_attempts"`
	LastError   string         `json:"last_error,omitempty" bson:"last_error,omitempty"`
	LockedAt    *time.Time     `json:"locked_at,omitempty" bson:"locked_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
}

func (j *Job) PayloadString(key string) string {
	if v, ok := j.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionRetrying  ExecutionStatus = "retrying"
	ExecutionFailed    ExecutionStatus = "failed"
)

// ActionExecution records one run of a step action, including failures.
type ActionExecution struct {
	ID                 string          `json:"id" bson:"id"`
	TenantID           string          `json:"tenant_id" bson:"tenant_id"`
	BotID              string          `json:"bot_id" bson:"bot_id"`
	ConversationUserID string          `json:"conversation_user_id" bson:"conversation_user_id"`
	FunnelID           string          `json:"funnel_id" bson:"funnel_id"`
	StepID             string          `json:"step_id" bson:"step_id"`
	EventID            string          `json:"event_id,omitempty" bson:"event_id,omitempty"`
	Action             Action          `json:"action" bson:"action"`
	Data               map[string]any  `json:"data,omitempty" bson:"data,omitempty"`
	Status             ExecutionStatus `json:"status" bson:"status"`
	Attempts           int             `json:"attempts" bson:"attempts"`
	LastError          string          `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" bson:"updated_at"`
}
