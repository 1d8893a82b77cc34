package labrequest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const requestSelect = `SELECT r.id, r.patient_id, p.full_name, p.lab_id, r.priority, r.status, r.payment_status,
	r.amount_cents, r.paid_cents, r.paid_at, r.ordered_at, r.ordered_by, r.version, r.updated_at
	FROM test_requests r JOIN patients p ON p.id = r.patient_id`

func scanRequest(row pgx.Row) (*Request, error) {
	var req Request
	var amount, paid int64
	err := row.Scan(&req.ID, &req.PatientID, &req.PatientName, &req.LabID, &req.Priority, &req.Status,
		&req.PaymentStatus, &amount, &paid, &req.PaidAt, &req.OrderedAt, &req.OrderedBy, &req.Version, &req.UpdatedAt)
	req.Amount, req.PaidAmount = catalog.Money(amount), catalog.Money(paid)
	return &req, err
}

const itemSelect = `SELECT id, request_id, test_id, panel_id, name, department_id, department_name, sample_type_id,
	unit_id, price_cents, status, for_review, reopen_count, collected_at, version, created_at, updated_at
	FROM test_request_items`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	var price int64
	err := row.Scan(&it.ID, &it.RequestID, &it.TestID, &it.PanelID, &it.Name, &it.DepartmentID, &it.DepartmentName,
		&it.SampleTypeID, &it.UnitID, &price, &it.Status, &it.ForReview, &it.ReopenCount, &it.CollectedAt,
		&it.Version, &it.CreatedAt, &it.UpdatedAt)
	it.Price = catalog.Money(price)
	return &it, err
}

func (r *repoPG) Create(ctx context.Context, req *Request) error {
	req.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO test_requests (id, patient_id, priority, status, payment_status, amount_cents, ordered_at, ordered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, updated_at`,
		req.ID, req.PatientID, req.Priority, req.Status, req.PaymentStatus, int64(req.Amount), req.OrderedAt, req.OrderedBy,
	).Scan(&req.Version, &req.UpdatedAt)
	if err != nil {
		return db.Classify(err, "create test request", "test request", "")
	}

	for _, it := range req.Items {
		it.ID, it.RequestID = uuid.New(), req.ID
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO test_request_items (id, request_id, test_id, panel_id, name, department_id, department_name,
				sample_type_id, unit_id, price_cents, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING version, created_at, updated_at`,
			it.ID, it.RequestID, it.TestID, it.PanelID, it.Name, it.DepartmentID, it.DepartmentName,
			it.SampleTypeID, it.UnitID, int64(it.Price), it.Status,
		).Scan(&it.Version, &it.CreatedAt, &it.UpdatedAt)
		if err != nil {
			return db.Classify(err, "create test request item", "test request item", "")
		}
	}
	return nil
}

func (r *repoPG) items(ctx context.Context, requestIDs []uuid.UUID) (map[uuid.UUID][]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, itemSelect+` WHERE request_id = ANY($1) ORDER BY created_at, id`, requestIDs)
	if err != nil {
		return nil, fmt.Errorf("list test request items: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Item, error) { return scanItem(row) })
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]*Item)
	for _, it := range items {
		out[it.RequestID] = append(out[it.RequestID], it)
	}
	return out, nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, err := scanRequest(r.conn(ctx).QueryRow(ctx, requestSelect+` WHERE r.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get test request", "test request", id.String())
	}
	items, err := r.items(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	req.Items = items[id]
	return req, nil
}

func (r *repoPG) Queue(ctx context.Context, limit, offset int) ([]*Request, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM test_requests WHERE status <> $1`, StatusCompleted).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count reception queue: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, requestSelect+`
		WHERE r.status <> $1
		ORDER BY CASE WHEN r.priority = 'URGENT' THEN 0 ELSE 1 END, r.ordered_at, r.id
		LIMIT $2 OFFSET $3`, StatusCompleted, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list reception queue: %w", err)
	}
	reqs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Request, error) { return scanRequest(row) })
	if err != nil || len(reqs) == 0 {
		return reqs, total, err
	}
	ids := make([]uuid.UUID, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for _, req := range reqs {
		req.Items = items[req.ID]
	}
	return reqs, total, nil
}

// staleOrMissing distinguishes a lost compare-and-set from a missing row.
func (r *repoPG) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM test_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check test request: %w", err)
	}
	if !exists {
		return apperror.NotFound("test request", id.String())
	}
	return apperror.Conflict("test request was modified concurrently").WithCode("VERSION_CONFLICT")
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, from, to string, version int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE test_requests SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $4`, id, from, to, version)
	if err != nil {
		return fmt.Errorf("set test request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.staleOrMissing(ctx, id)
	}
	return nil
}

func (r *repoPG) CapturePayment(ctx context.Context, id uuid.UUID, amount int64, at time.Time, version int) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE test_requests SET payment_status = $2, paid_cents = $3, paid_at = $4,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $5`, id, PaymentPaid, amount, at, version)
	if err != nil {
		return fmt.Errorf("capture payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.staleOrMissing(ctx, id)
	}
	return nil
}

func (r *repoPG) CollectSamples(ctx context.Context, requestID uuid.UUID, at time.Time) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE test_request_items SET status = $2, collected_at = $3, version = version + 1, updated_at = NOW()
		WHERE request_id = $1 AND status = $4
		RETURNING id, request_id, test_id, panel_id, name, department_id, department_name, sample_type_id,
			unit_id, price_cents, status, for_review, reopen_count, collected_at, version, created_at, updated_at`,
		requestID, ItemSampleCollected, at, ItemSamplePending)
	if err != nil {
		return nil, fmt.Errorf("collect samples: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Item, error) { return scanItem(row) })
}

func (r *repoPG) AddHistory(ctx context.Context, h *HistoryEntry) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO status_history (id, scope, entity_id, request_id, from_status, to_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		h.ID, h.Scope, h.EntityID, h.RequestID, h.From, h.To, h.ChangedBy, h.Reason,
	).Scan(&h.At)
	return db.Classify(err, "record status change", "status history", "")
}

func (r *repoPG) History(ctx context.Context, requestID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, scope, entity_id, request_id, from_status, to_status, changed_by, reason, created_at
		FROM status_history WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*HistoryEntry, error) {
		var h HistoryEntry
		return &h, row.Scan(&h.ID, &h.Scope, &h.EntityID, &h.RequestID, &h.From, &h.To, &h.ChangedBy, &h.Reason, &h.At)
	})
}
