package pathology

import (
	"context"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/labrequest"
)

type Repository interface {
	// Worklist and StatusCounts share one base query so counts always sum
	// to the unfiltered worklist total.
	Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistItem, int, error)
	StatusCounts(ctx context.Context, f WorklistFilter) (map[string]int, error)

	RequestInfo(ctx context.Context, requestID uuid.UUID) (*RequestInfo, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*labrequest.Item, error)
	// UpdateItem applies u when the item is still at u.FromStatus and
	// u.Version, returning the new version.
	UpdateItem(ctx context.Context, u ItemUpdate) (int, error)

	Results(ctx context.Context, itemIDs []uuid.UUID) ([]*Result, error)
	UpsertResult(ctx context.Context, r *Result) error

	AddHistory(ctx context.Context, h *labrequest.HistoryEntry) error
}
