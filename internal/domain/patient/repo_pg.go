package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patientSelect = `SELECT p.id, p.lab_id, p.full_name, p.gender, p.date_of_birth, p.phone, p.ward_id,
	COALESCE(w.name, ''), p.created_at, p.updated_at
	FROM patients p LEFT JOIN wards w ON w.id = p.ward_id`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var dob *time.Time
	err := row.Scan(&p.ID, &p.LabID, &p.FullName, &p.Gender, &dob, &p.Phone, &p.WardID,
		&p.WardName, &p.CreatedAt, &p.UpdatedAt)
	if dob != nil {
		p.DateOfBirth = &Date{Time: *dob}
	}
	return &p, err
}

func dobArg(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	return &d.Time
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, lab_id, full_name, gender, date_of_birth, phone, ward_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.LabID, p.FullName, p.Gender, dobArg(p.DateOfBirth), p.Phone, p.WardID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return db.Classify(err, "create patient", "patient", "")
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, patientSelect+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get patient", "patient", id.String())
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET full_name = $2, gender = $3, date_of_birth = $4, phone = $5, ward_id = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING lab_id, created_at, updated_at`,
		p.ID, p.FullName, p.Gender, dobArg(p.DateOfBirth), p.Phone, p.WardID,
	).Scan(&p.LabID, &p.CreatedAt, &p.UpdatedAt)
	return db.Classify(err, "update patient", "patient", p.ID.String())
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Search != "" {
		where += fmt.Sprintf(` AND (p.full_name ILIKE $%d OR p.lab_id ILIKE $%d OR p.phone ILIKE $%d)`, idx, idx, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	if f.WardID != nil {
		where += fmt.Sprintf(` AND p.ward_id = $%d`, idx)
		args = append(args, *f.WardID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients p`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}
	query := patientSelect + where + fmt.Sprintf(` ORDER BY p.created_at DESC, p.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Patient, error) { return scanPatient(row) })
	return items, total, err
}

func (r *repoPG) NextLabSequence(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_id_counters (day, n) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET n = lab_id_counters.n + 1
		RETURNING n`, day.Format("2006-01-02")).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next lab sequence: %w", err)
	}
	return n, nil
}

func (r *repoPG) CreateWard(ctx context.Context, w *Ward) error {
	w.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO wards (id, name) VALUES ($1, $2) RETURNING created_at`, w.ID, w.Name).Scan(&w.CreatedAt)
	return db.Classify(err, "create ward", "ward", "")
}

func (r *repoPG) GetWard(ctx context.Context, id uuid.UUID) (*Ward, error) {
	var w Ward
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, created_at FROM wards WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get ward", "ward", id.String())
	}
	return &w, nil
}

func (r *repoPG) WardByName(ctx context.Context, name string) (*Ward, error) {
	var w Ward
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, created_at FROM wards WHERE lower(name) = lower($1)`, name).
		Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get ward", "ward", name)
	}
	return &w, nil
}

func (r *repoPG) ListWards(ctx context.Context) ([]*Ward, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, created_at FROM wards ORDER BY lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("list wards: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Ward, error) {
		var w Ward
		return &w, row.Scan(&w.ID, &w.Name, &w.CreatedAt)
	})
}
