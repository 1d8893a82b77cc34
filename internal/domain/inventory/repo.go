package inventory

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, it *Item) error
	Get(ctx context.Context, id uuid.UUID) (*Item, error)
	ByName(ctx context.Context, name string) (*Item, error)
	Update(ctx context.Context, it *Item) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error)

	// AddQuantity applies delta unless the result would be negative and
	// returns the new quantity.
	AddQuantity(ctx context.Context, id uuid.UUID, delta int64) (int64, error)
	AddMovement(ctx context.Context, m *Movement) error
	Movements(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*Movement, int, error)
}
