package ports

import (
	"context"

	"github.com/botfleet/botfleet/internal/core/domain"
)

// Registry is the durable record of declared bot configuration and
// last-known status. Implementations are assumed immediately consistent
// for this single-host deployment.
type Registry interface {
	Create(ctx context.Context, b *domain.Bot) error
	Get(ctx context.Context, id string) (*domain.Bot, error)
	GetByName(ctx context.Context, name string) (*domain.Bot, error)
	List(ctx context.Context) ([]domain.Bot, error)
	Update(ctx context.Context, id string, patch domain.BotUpdate) error
	Delete(ctx context.Context, id string) error
}
