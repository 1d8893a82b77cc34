package inventory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	logger zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "inventory").Logger(),
	}
}

func (s *Service) validate(ctx context.Context, it *Item) error {
	it.Name = strings.TrimSpace(it.Name)
	it.Unit = strings.TrimSpace(it.Unit)
	if it.Name == "" {
		return apperror.Validation("name is required")
	}
	if it.Unit == "" {
		return apperror.Validation("unit is required")
	}
	if it.ReorderLevel < 0 {
		return apperror.Validation("reorder_level must not be negative")
	}
	existing, err := s.repo.ByName(ctx, it.Name)
	switch {
	case err == nil && existing.ID != it.ID:
		return apperror.Conflict("inventory item %q already exists", it.Name)
	case err != nil && !errors.Is(err, apperror.ErrNotFound):
		return err
	}
	return nil
}

// Create registers an item. Opening stock is recorded as the first movement.
func (s *Service) Create(ctx context.Context, it *Item) (*Item, error) {
	if it.Quantity < 0 {
		return nil, apperror.Validation("quantity must not be negative")
	}
	if err := s.validate(ctx, it); err != nil {
		return nil, err
	}
	opening := it.Quantity
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, it); err != nil {
			return err
		}
		if opening == 0 {
			return nil
		}
		return s.repo.AddMovement(ctx, &Movement{
			ItemID: it.ID, Delta: opening, QuantityAfter: opening, Reason: "opening stock",
			CreatedBy: auth.UserIDFromContext(ctx),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, it.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f, limit, offset)
}

// Update edits descriptive fields. Stock only changes through Adjust.
func (s *Service) Update(ctx context.Context, it *Item) (*Item, error) {
	current, err := s.repo.Get(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, it); err != nil {
		return nil, err
	}
	it.Quantity = current.Quantity
	if err := s.repo.Update(ctx, it); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, it.ID)
}

// Adjust applies a stock movement and the new on-hand quantity together.
// Stock never goes below zero.
func (s *Service) Adjust(ctx context.Context, id uuid.UUID, in AdjustInput) (*Item, *Movement, error) {
	if in.Delta == 0 {
		return nil, nil, apperror.Validation("delta must not be zero")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, nil, apperror.Validation("reason is required")
	}

	mv := &Movement{ItemID: id, Delta: in.Delta, Reason: reason, CreatedBy: auth.UserIDFromContext(ctx)}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		qty, err := s.repo.AddQuantity(ctx, id, in.Delta)
		if err != nil {
			return err
		}
		mv.QuantityAfter = qty
		return s.repo.AddMovement(ctx, mv)
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.RecordStockAdjustment(in.Delta)
	it, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ev := s.logger.Info()
	if it.LowStock {
		ev = s.logger.Warn().Int64("reorder_level", it.ReorderLevel)
	}
	ev.Str("item_id", id.String()).Int64("delta", in.Delta).Int64("quantity", it.Quantity).Msg("stock adjusted")
	return it, mv, nil
}

func (s *Service) Movements(ctx context.Context, id uuid.UUID, limit, offset int) ([]*Movement, int, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.repo.Movements(ctx, id, limit, offset)
}
