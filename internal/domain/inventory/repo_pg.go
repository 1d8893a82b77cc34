package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

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

const itemSelect = `SELECT i.id, i.name, i.unit, i.quantity, i.reorder_level, i.department_id,
	COALESCE(d.name, ''), i.created_at, i.updated_at
	FROM inventory_items i LEFT JOIN departments d ON d.id = i.department_id`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.Name, &it.Unit, &it.Quantity, &it.ReorderLevel, &it.DepartmentID,
		&it.DepartmentName, &it.CreatedAt, &it.UpdatedAt)
	it.LowStock = it.Low()
	return &it, err
}

func (r *repoPG) Create(ctx context.Context, it *Item) error {
	it.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_items (id, name, unit, quantity, reorder_level, department_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		it.ID, it.Name, it.Unit, it.Quantity, it.ReorderLevel, it.DepartmentID,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
	return db.Classify(err, "create inventory item", "inventory item", "")
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, itemSelect+` WHERE i.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get inventory item", "inventory item", id.String())
	}
	return it, nil
}

func (r *repoPG) ByName(ctx context.Context, name string) (*Item, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, itemSelect+` WHERE lower(i.name) = lower($1)`, name))
	if err != nil {
		return nil, db.Classify(err, "get inventory item", "inventory item", name)
	}
	return it, nil
}

func (r *repoPG) Update(ctx context.Context, it *Item) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_items SET name = $2, unit = $3, reorder_level = $4, department_id = $5, updated_at = NOW()
		WHERE id = $1`, it.ID, it.Name, it.Unit, it.ReorderLevel, it.DepartmentID)
	if err != nil {
		return db.Classify(err, "update inventory item", "inventory item", it.ID.String())
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("inventory item", it.ID.String())
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Item, int, error) {
	var conds []string
	var args []interface{}
	if f.LowStock {
		conds = append(conds, "i.quantity <= i.reorder_level")
	}
	if f.DepartmentID != nil {
		args = append(args, *f.DepartmentID)
		conds = append(conds, fmt.Sprintf("i.department_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		conds = append(conds, fmt.Sprintf("i.name ILIKE $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM inventory_items i`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count inventory: %w", err)
	}
	n := len(args)
	rows, err := r.conn(ctx).Query(ctx, itemSelect+where+fmt.Sprintf(` ORDER BY lower(i.name), i.id LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list inventory: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Item, error) { return scanItem(row) })
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) AddQuantity(ctx context.Context, id uuid.UUID, delta int64) (int64, error) {
	var qty int64
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE inventory_items SET quantity = quantity + $2, updated_at = NOW()
		WHERE id = $1 AND quantity + $2 >= 0
		RETURNING quantity`, id, delta).Scan(&qty)
	if err == nil {
		return qty, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}
	var current int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT quantity FROM inventory_items WHERE id = $1`, id).Scan(&current); err != nil {
		return 0, db.Classify(err, "adjust stock", "inventory item", id.String())
	}
	return 0, apperror.Validation("insufficient stock: %d on hand, adjustment %d", current, delta)
}

func (r *repoPG) AddMovement(ctx context.Context, m *Movement) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_movements (id, item_id, delta, quantity_after, reason, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		m.ID, m.ItemID, m.Delta, m.QuantityAfter, m.Reason, m.CreatedBy,
	).Scan(&m.CreatedAt)
	return db.Classify(err, "record stock movement", "stock movement", "")
}

func (r *repoPG) Movements(ctx context.Context, itemID uuid.UUID, limit, offset int) ([]*Movement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE item_id = $1`, itemID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stock movements: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, item_id, delta, quantity_after, reason, created_by, created_at
		FROM stock_movements WHERE item_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, itemID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list stock movements: %w", err)
	}
	moves, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Movement, error) {
		var m Movement
		return &m, row.Scan(&m.ID, &m.ItemID, &m.Delta, &m.QuantityAfter, &m.Reason, &m.CreatedBy, &m.CreatedAt)
	})
	if err != nil {
		return nil, 0, err
	}
	return moves, total, nil
}
