package core

import (
	"FunnelBot/entity"
	"context"
	"fmt"
)

func (c *Core) HandleEvent(ctx context.Context, ev *entity.InboundEvent) error {
	if c.engine == nil {
		return fmt.Errorf("engine is not set")
	}
	return c.engine.HandleEvent(ctx, ev)
}

func (c *Core) ActivateFunnel(ctx context.Context, id string) error {
	if c.funnels == nil {
		return fmt.Errorf("funnel definitions are not set")
	}
	return c.funnels.Activate(ctx, id)
}

func (c *Core) DeactivateFunnel(ctx context.Context, id string) error {
	if c.funnels == nil {
		return fmt.Errorf("funnel definitions are not set")
	}
	return c.funnels.Deactivate(ctx, id)
}

func (c *Core) StartBroadcast(ctx context.Context, id string) error {
	if c.broadcasts == nil {
		return fmt.Errorf("broadcast scheduler is not set")
	}
	return c.broadcasts.Start(ctx, id)
}

func (c *Core) PauseBroadcast(ctx context.Context, id string) error {
	if c.broadcasts == nil {
		return fmt.Errorf("broadcast scheduler is not set")
	}
	return c.broadcasts.Pause(ctx, id)
}

func (c *Core) ResumeBroadcast(ctx context.Context, id string) error {
	if c.broadcasts == nil {
		return fmt.Errorf("broadcast scheduler is not set")
	}
	return c.broadcasts.Resume(ctx, id)
}

func (c *Core) CancelBroadcast(ctx context.Context, id string) error {
	if c.broadcasts == nil {
		return fmt.Errorf("broadcast scheduler is not set")
	}
	return c.broadcasts.Cancel(ctx, id)
}

func (c *Core) GetBroadcast(ctx context.Context, id string) (*entity.Broadcast, error) {
	if c.broadcasts == nil {
		return nil, fmt.Errorf("broadcast scheduler is not set")
	}
	return c.broadcasts.Status(ctx, id)
}

func (c *Core) ReleaseConversation(ctx context.Context, conversationID string) error {
	if c.engine == nil {
		return fmt.Errorf("engine is not set")
	}
	return c.engine.ReleaseHandoff(ctx, conversationID)
}

// ReplyToConversation fails when the platform did not accept the message.
func (c *Core) ReplyToConversation(ctx context.Context, conversationID, operator, text string) error {
	if c.engine == nil {
		return fmt.Errorf("engine is not set")
	}
	res, err := c.engine.OperatorReply(ctx, conversationID, operator, text)
	if err != nil {
		return err
	}
	if !res.OK() {
		if res.Err != nil {
			return fmt.Errorf("message %s: %w", res.Status, res.Err)
		}
		return fmt.Errorf("message %s", res.Status)
	}
	return nil
}

const maxHistory = 200

func (c *Core) ConversationMessages(ctx context.Context, conversationID string, limit int) ([]*entity.Message, error) {
	if c.repo == nil {
		return nil, fmt.Errorf("repository is not set")
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return c.repo.ListMessages(ctx, conversationID, int64(limit))
}
