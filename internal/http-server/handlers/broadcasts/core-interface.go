package broadcasts

import (
	"FunnelBot/entity"
	"context"
)

type Core interface {
	StartBroadcast(ctx context.Context, id string) error
	PauseBroadcast(ctx context.Context, id string) error
	ResumeBroadcast(ctx context.Context, id string) error
	CancelBroadcast(ctx context.Context, id string) error
	GetBroadcast(ctx context.Context, id string) (*entity.Broadcast, error)
}
