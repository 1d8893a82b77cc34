package labrequest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts the request and its items.
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id uuid.UUID) (*Request, error)
	// Queue lists requests not yet completed, oldest first, items included.
	Queue(ctx context.Context, limit, offset int) ([]*Request, int, error)
	// SetStatus moves the request from one reception state to another when
	// its version still matches. A stale version is a conflict.
	SetStatus(ctx context.Context, id uuid.UUID, from, to string, version int) error
	CapturePayment(ctx context.Context, id uuid.UUID, amount int64, at time.Time, version int) error
	// CollectSamples marks every sample_pending item of the request collected.
	CollectSamples(ctx context.Context, requestID uuid.UUID, at time.Time) ([]*Item, error)

	AddHistory(ctx context.Context, h *HistoryEntry) error
	History(ctx context.Context, requestID uuid.UUID) ([]*HistoryEntry, error)
}
