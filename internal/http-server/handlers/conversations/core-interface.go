package conversations

import (
	"FunnelBot/entity"
	"context"
)

type Core interface {
	ReleaseConversation(ctx context.Context, conversationID string) error
	ReplyToConversation(ctx context.Context, conversationID, operator, text string) error
	ConversationMessages(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error)
}
