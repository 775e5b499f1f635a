package events

import (
	"FunnelBot/entity"
	"context"
)

type Core interface {
	HandleEvent(ctx context.Context, ev *entity.InboundEvent) error
}
