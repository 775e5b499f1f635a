package funnels

import "context"

type Core interface {
	ActivateFunnel(ctx context.Context, id string) error
	DeactivateFunnel(ctx context.Context, id string) error
}
