package entity

import "time"

type TriggerType string

const (
	TriggerCommand      TriggerType = "command"
	TriggerCallback     TriggerType = "callback"
	TriggerKeyword      TriggerType = "keyword"
	TriggerEvent        TriggerType = "event"
	TriggerStartPayload TriggerType = "start_payload"
	TriggerText         TriggerType = "text"
)

type MatchType string

const (
	MatchExact      MatchType = "exact"
	MatchContains   MatchType = "contains"
	MatchStartsWith MatchType = "starts_with"
	MatchEndsWith   MatchType = "ends_with"
	MatchRegex      MatchType = "regex"
	MatchWildcard   MatchType = "wildcard"
)

type TriggerConditions struct {
	Locales      []string `json:"locales,omitempty" bson:"locales,omitempty"`
	NewUsersOnly bool     `json:"new_users_only,omitempty" bson:"new_users_only,omitempty"`
	RequiredTags []string `json:"required_tags,omitempty" bson:"required_tags,omitempty"`
}

// Trigger maps an inbound event pattern to a funnel entry point.
type Trigger struct {
	ID         string             `json:"id" bson:"id"`
	TenantID   string             `json:"tenant_id" bson:"tenant_id"`
	BotID      string             `json:"bot_id" bson:"bot_id"`
	FunnelID   string             `json:"funnel_id" bson:"funnel_id"`
	StepID     string             `json:"step_id,omitempty" bson:"step_id,omitempty"`
	Type       TriggerType        `json:"type" bson:"type"`
	Value      string             `json:"value" bson:"value"`
	MatchType  MatchType          `json:"match_type" bson:"match_type"`
	Priority   int                `json:"priority" bson:"priority"`
	IsActive   bool               `json:"is_active" bson:"is_active"`
	Conditions *TriggerConditions `json:"conditions,omitempty" bson:"conditions,omitempty"`
	Seq        int64              `json:"seq" bson:"seq"`
	CreatedAt  time.Time          `json:"created_at" bson:"created_at"`
}
