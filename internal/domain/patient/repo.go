package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Filter struct {
	Search string
	WardID *uuid.UUID
}

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error)
	// NextLabSequence returns the next per-day counter for generated lab ids.
	NextLabSequence(ctx context.Context, day time.Time) (int, error)

	CreateWard(ctx context.Context, w *Ward) error
	GetWard(ctx context.Context, id uuid.UUID) (*Ward, error)
	WardByName(ctx context.Context, name string) (*Ward, error)
	ListWards(ctx context.Context) ([]*Ward, error)
}
