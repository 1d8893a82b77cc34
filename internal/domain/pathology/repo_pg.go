package pathology

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/labrequest"
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

func (r *repoPG) Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistItem, int, error) {
	where, args := worklistWhere(f, true)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+worklistFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count worklist: %w", err)
	}

	n := len(args)
	query := `SELECT i.id, r.id, p.id, p.full_name, p.lab_id, i.name, i.panel_id IS NOT NULL, i.department_name,
		r.priority, i.status, i.for_review, i.reopen_count, i.version, r.ordered_at, i.updated_at` +
		worklistFrom + where + worklistOrder(f) + fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list worklist: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*WorklistItem, error) {
		var w WorklistItem
		err := row.Scan(&w.ItemID, &w.RequestID, &w.PatientID, &w.PatientName, &w.LabID, &w.TestName, &w.IsPanel,
			&w.DepartmentName, &w.Priority, &w.Status, &w.ForReview, &w.ReopenCount, &w.Version, &w.DateOrdered,
			&w.UpdatedAt)
		return &w, err
	})
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) StatusCounts(ctx context.Context, f WorklistFilter) (map[string]int, error) {
	where, args := worklistWhere(f, false)
	rows, err := r.conn(ctx).Query(ctx, `SELECT i.status, COUNT(*)`+worklistFrom+where+` GROUP BY i.status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count worklist statuses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

const itemSelect = `SELECT id, request_id, test_id, panel_id, name, department_id, department_name, sample_type_id,
	unit_id, price_cents, status, for_review, reopen_count, collected_at, version, created_at, updated_at
	FROM test_request_items`

func scanItem(row pgx.Row) (*labrequest.Item, error) {
	var it labrequest.Item
	var price int64
	err := row.Scan(&it.ID, &it.RequestID, &it.TestID, &it.PanelID, &it.Name, &it.DepartmentID, &it.DepartmentName,
		&it.SampleTypeID, &it.UnitID, &price, &it.Status, &it.ForReview, &it.ReopenCount, &it.CollectedAt,
		&it.Version, &it.CreatedAt, &it.UpdatedAt)
	it.Price = catalog.Money(price)
	return &it, err
}

func (r *repoPG) RequestInfo(ctx context.Context, requestID uuid.UUID) (*RequestInfo, error) {
	var info RequestInfo
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT r.id, p.full_name, p.gender, p.date_of_birth, r.ordered_at
		FROM test_requests r JOIN patients p ON p.id = r.patient_id
		WHERE r.id = $1`, requestID,
	).Scan(&info.RequestID, &info.PatientName, &info.Gender, &info.DateOfBirth, &info.OrderedAt)
	if err != nil {
		return nil, db.Classify(err, "get test request", "test request", requestID.String())
	}

	rows, err := r.conn(ctx).Query(ctx, itemSelect+` WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request items: %w", err)
	}
	info.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*labrequest.Item, error) { return scanItem(row) })
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *repoPG) GetItem(ctx context.Context, itemID uuid.UUID) (*labrequest.Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, itemSelect+` WHERE id = $1`, itemID))
	if err != nil {
		return nil, db.Classify(err, "get request item", "request item", itemID.String())
	}
	return it, nil
}

func (r *repoPG) UpdateItem(ctx context.Context, u ItemUpdate) (int, error) {
	var version int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE test_request_items SET
			status = $3,
			for_review = COALESCE($5, for_review),
			reopen_count = reopen_count + CASE WHEN $6 THEN 1 ELSE 0 END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $4
		RETURNING version`,
		u.ID, u.FromStatus, u.ToStatus, u.Version, u.ForReview, u.Reopened,
	).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("update request item: %w", err)
	}

	var exists bool
	if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM test_request_items WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check request item: %w", err)
	}
	if !exists {
		return 0, apperror.NotFound("request item", u.ID.String())
	}
	return 0, apperror.Conflict("request item was modified concurrently").WithCode("VERSION_CONFLICT")
}

func (r *repoPG) Results(ctx context.Context, itemIDs []uuid.UUID) ([]*Result, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT request_item_id, test_id, value, flag, entered_by, entered_at
		FROM test_results WHERE request_item_id = ANY($1)`, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Result, error) {
		var res Result
		return &res, row.Scan(&res.RequestItemID, &res.TestID, &res.Value, &res.Flag, &res.EnteredBy, &res.EnteredAt)
	})
}

func (r *repoPG) UpsertResult(ctx context.Context, res *Result) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO test_results (request_item_id, test_id, value, flag, entered_by, entered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_item_id, test_id) DO UPDATE SET
			value = EXCLUDED.value, flag = EXCLUDED.flag,
			entered_by = EXCLUDED.entered_by, entered_at = EXCLUDED.entered_at`,
		res.RequestItemID, res.TestID, res.Value, res.Flag, res.EnteredBy, res.EnteredAt)
	return db.Classify(err, "store result", "result", res.RequestItemID.String())
}

func (r *repoPG) AddHistory(ctx context.Context, h *labrequest.HistoryEntry) error {
	h.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO status_history (id, scope, entity_id, request_id, from_status, to_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		h.ID, h.Scope, h.EntityID, h.RequestID, h.From, h.To, h.ChangedBy, h.Reason,
	).Scan(&h.At)
	return db.Classify(err, "record status change", "status history", "")
}
