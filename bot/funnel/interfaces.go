package funnel

import (
	"context"

	"FunnelBot/entity"
)

// StateStore persists UserState with optimistic concurrency.
type StateStore interface {
	LoadUserState(ctx context.Context, conversationUserID string) (*entity.UserState, error)
	// SaveUserState writes state only if the stored version still equals expected
	// (0 means "no row yet") and sets state.Version to expected+1.
	// A moved version returns ErrStateConflict.
	SaveUserState(ctx context.Context, state *entity.UserState, expected int64) error
	SetLastBotMessage(ctx context.Context, conversationUserID, messageID string) error
}

type UserStore interface {
	// UpsertConversationUser creates the user on first contact and refreshes the profile
	// afterwards. The bool reports creation.
	UpsertConversationUser(ctx context.Context, user *entity.ConversationUser) (*entity.ConversationUser, bool, error)
	GetConversationUser(ctx context.Context, id string) (*entity.ConversationUser, error)
	AddUserTags(ctx context.Context, id string, tags []string) error
	SetUserSubscribed(ctx context.Context, id string, subscribed bool) error
	SetUserBlocked(ctx context.Context, id string, blocked bool) error
}

type ConversationStore interface {
	// OpenConversation returns the user's non-closed conversation, creating one if needed.
	OpenConversation(ctx context.Context, user *entity.ConversationUser) (*entity.Conversation, error)
	GetConversation(ctx context.Context, id string) (*entity.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status entity.ConversationStatus, operatorID, reason string) error
	AppendMessage(ctx context.Context, msg *entity.Message) error
}

// Messenger is the narrow contract with the chat transport.
type Messenger interface {
	Send(ctx context.Context, msg entity.OutboundMessage) entity.SendResult
}

// SubscriptionChecker answers subscribe_check steps.
type SubscriptionChecker interface {
	IsSubscribed(ctx context.Context, channelID string, user *entity.ConversationUser) (bool, error)
}

// ActionDispatcher runs step actions after the state transition is committed.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req *ActionRequest) error
}

// JobScheduler persists deferred work such as delay resumption.
type JobScheduler interface {
	Schedule(ctx context.Context, job *entity.Job) error
}

// Deduplicator remembers platform message ids for a bounded window.
type Deduplicator interface {
	// Claim returns false when the key was already claimed inside the window.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MessageListener is told about every logged message, e.g. to feed operators.
type MessageListener interface {
	OnMessage(msg *entity.Message, user *entity.ConversationUser)
	OnHandoff(conv *entity.Conversation, user *entity.ConversationUser)
}

// ActionRequest is one action of one step for one user.
type ActionRequest struct {
	TenantID       string
	BotID          string
	User           *entity.ConversationUser
	ConversationID string
	FunnelID       string
	StepID         string
	EventID        string
	Action         entity.Action
	Data           map[string]any
}
