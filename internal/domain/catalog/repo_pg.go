package catalog

import (
	"context"
	"fmt"

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

// -- Departments --

func (r *repoPG) CreateDepartment(ctx context.Context, d *Department) error {
	d.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO departments (id, name) VALUES ($1, $2) RETURNING created_at`, d.ID, d.Name).Scan(&d.CreatedAt)
	return db.Classify(err, "create department", "department", "")
}

func (r *repoPG) ListDepartments(ctx context.Context) ([]*Department, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, created_at FROM departments ORDER BY lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Department, error) {
		var d Department
		return &d, row.Scan(&d.ID, &d.Name, &d.CreatedAt)
	})
}

func (r *repoPG) GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, created_at FROM departments WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get department", "department", id.String())
	}
	return &d, nil
}

func (r *repoPG) DepartmentByName(ctx context.Context, name string) (*Department, error) {
	var d Department
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, created_at FROM departments WHERE lower(name) = lower($1)`, name).
		Scan(&d.ID, &d.Name, &d.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get department", "department", name)
	}
	return &d, nil
}

func (r *repoPG) UpdateDepartment(ctx context.Context, d *Department) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE departments SET name = $2 WHERE id = $1`, d.ID, d.Name)
	return affected(tag.RowsAffected(), err, "update department", "department", d.ID)
}

func (r *repoPG) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM departments WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete department", "department", id)
}

// -- Sample types --

func (r *repoPG) CreateSampleType(ctx context.Context, s *SampleType) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO sample_types (id, name) VALUES ($1, $2) RETURNING created_at`, s.ID, s.Name).Scan(&s.CreatedAt)
	return db.Classify(err, "create sample type", "sample type", "")
}

func (r *repoPG) ListSampleTypes(ctx context.Context) ([]*SampleType, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, created_at FROM sample_types ORDER BY lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("list sample types: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*SampleType, error) {
		var s SampleType
		return &s, row.Scan(&s.ID, &s.Name, &s.CreatedAt)
	})
}

func (r *repoPG) SampleTypeByName(ctx context.Context, name string) (*SampleType, error) {
	var s SampleType
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, created_at FROM sample_types WHERE lower(name) = lower($1)`, name).
		Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get sample type", "sample type", name)
	}
	return &s, nil
}

func (r *repoPG) UpdateSampleType(ctx context.Context, s *SampleType) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE sample_types SET name = $2 WHERE id = $1`, s.ID, s.Name)
	return affected(tag.RowsAffected(), err, "update sample type", "sample type", s.ID)
}

func (r *repoPG) DeleteSampleType(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM sample_types WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete sample type", "sample type", id)
}

// -- Units --

func (r *repoPG) CreateUnit(ctx context.Context, u *Unit) error {
	u.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO units (id, name, symbol) VALUES ($1, $2, $3) RETURNING created_at`, u.ID, u.Name, u.Symbol).Scan(&u.CreatedAt)
	return db.Classify(err, "create unit", "unit", "")
}

func (r *repoPG) ListUnits(ctx context.Context) ([]*Unit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, symbol, created_at FROM units ORDER BY lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Unit, error) {
		var u Unit
		return &u, row.Scan(&u.ID, &u.Name, &u.Symbol, &u.CreatedAt)
	})
}

func (r *repoPG) UnitByName(ctx context.Context, name string) (*Unit, error) {
	var u Unit
	err := r.conn(ctx).QueryRow(ctx, `SELECT id, name, symbol, created_at FROM units WHERE lower(name) = lower($1)`, name).
		Scan(&u.ID, &u.Name, &u.Symbol, &u.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "get unit", "unit", name)
	}
	return &u, nil
}

func (r *repoPG) UpdateUnit(ctx context.Context, u *Unit) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE units SET name = $2, symbol = $3 WHERE id = $1`, u.ID, u.Name, u.Symbol)
	return affected(tag.RowsAffected(), err, "update unit", "unit", u.ID)
}

func (r *repoPG) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM units WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete unit", "unit", id)
}

// -- Tests --

const testSelect = `SELECT t.id, t.name, t.price_cents, t.department_id, t.sample_type_id, t.unit_id,
	t.test_type, t.qualitative_value, t.is_active, t.created_at, t.updated_at,
	COALESCE(d.name, ''), COALESCE(st.name, ''), COALESCE(u.symbol, '')
	FROM tests t
	LEFT JOIN departments d ON d.id = t.department_id
	LEFT JOIN sample_types st ON st.id = t.sample_type_id
	LEFT JOIN units u ON u.id = t.unit_id`

func scanTest(row pgx.Row) (*Test, error) {
	var t Test
	var price int64
	err := row.Scan(&t.ID, &t.Name, &price, &t.DepartmentID, &t.SampleTypeID, &t.UnitID,
		&t.TestType, &t.QualitativeValue, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
		&t.DepartmentName, &t.SampleTypeName, &t.UnitSymbol)
	t.Price = Money(price)
	return &t, err
}

func (r *repoPG) CreateTest(ctx context.Context, t *Test) error {
	t.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO tests (id, name, price_cents, department_id, sample_type_id, unit_id, test_type, qualitative_value, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, int64(t.Price), t.DepartmentID, t.SampleTypeID, t.UnitID, t.TestType, t.QualitativeValue, t.IsActive,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	return db.Classify(err, "create test", "test", "")
}

func (r *repoPG) GetTest(ctx context.Context, id uuid.UUID) (*Test, error) {
	t, err := scanTest(r.conn(ctx).QueryRow(ctx, testSelect+` WHERE t.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get test", "test", id.String())
	}
	return t, nil
}

func (r *repoPG) TestByName(ctx context.Context, name string) (*Test, error) {
	t, err := scanTest(r.conn(ctx).QueryRow(ctx, testSelect+` WHERE lower(t.name) = lower($1)`, name))
	if err != nil {
		return nil, db.Classify(err, "get test", "test", name)
	}
	return t, nil
}

func (r *repoPG) TestsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Test, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, testSelect+` WHERE t.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("list tests by id: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Test, error) { return scanTest(row) })
}

func (r *repoPG) ListTests(ctx context.Context, f TestFilter, limit, offset int) ([]*Test, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Search != "" {
		where += fmt.Sprintf(` AND t.name ILIKE $%d`, idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}
	if f.DepartmentID != nil {
		where += fmt.Sprintf(` AND t.department_id = $%d`, idx)
		args = append(args, *f.DepartmentID)
		idx++
	}
	if f.Active != nil {
		where += fmt.Sprintf(` AND t.is_active = $%d`, idx)
		args = append(args, *f.Active)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM tests t`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tests: %w", err)
	}

	query := testSelect + where + fmt.Sprintf(` ORDER BY lower(t.name), t.id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tests: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Test, error) { return scanTest(row) })
	return items, total, err
}

func (r *repoPG) UpdateTest(ctx context.Context, t *Test) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE tests SET name = $2, price_cents = $3, department_id = $4, sample_type_id = $5, unit_id = $6,
			test_type = $7, qualitative_value = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		t.ID, t.Name, int64(t.Price), t.DepartmentID, t.SampleTypeID, t.UnitID, t.TestType, t.QualitativeValue,
	).Scan(&t.UpdatedAt)
	return db.Classify(err, "update test", "test", t.ID.String())
}

func (r *repoPG) SetTestActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE tests SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	return affected(tag.RowsAffected(), err, "set test status", "test", id)
}

func (r *repoPG) DeleteTest(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete test", "test", id)
}

// -- Panels --

const panelSelect = `SELECT p.id, p.name, p.department_id, p.sample_type_id, p.auto_recalc, p.manual_price_cents,
	p.is_active, p.created_at, p.updated_at, COALESCE(d.name, '')
	FROM panels p LEFT JOIN departments d ON d.id = p.department_id`

func scanPanel(row pgx.Row) (*Panel, error) {
	var p Panel
	var manual int64
	err := row.Scan(&p.ID, &p.Name, &p.DepartmentID, &p.SampleTypeID, &p.AutoRecalc, &manual,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt, &p.DepartmentName)
	p.ManualPrice = Money(manual)
	return &p, err
}

func (r *repoPG) CreatePanel(ctx context.Context, p *Panel) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO panels (id, name, department_id, sample_type_id, auto_recalc, manual_price_cents, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.DepartmentID, p.SampleTypeID, p.AutoRecalc, int64(p.ManualPrice), p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return db.Classify(err, "create panel", "panel", "")
	}
	return r.replacePanelItems(ctx, p.ID, p.TestIDs)
}

func (r *repoPG) replacePanelItems(ctx context.Context, panelID uuid.UUID, testIDs []uuid.UUID) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM panel_items WHERE panel_id = $1`, panelID); err != nil {
		return fmt.Errorf("clear panel items: %w", err)
	}
	for i, tid := range testIDs {
		_, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO panel_items (panel_id, test_id, position) VALUES ($1, $2, $3)`, panelID, tid, i)
		if err != nil {
			return db.Classify(err, "add panel item", "panel item", tid.String())
		}
	}
	return nil
}

func (r *repoPG) panelTestIDs(ctx context.Context, panelIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT panel_id, test_id FROM panel_items WHERE panel_id = ANY($1) ORDER BY panel_id, position`, panelIDs)
	if err != nil {
		return nil, fmt.Errorf("list panel items: %w", err)
	}
	defer rows.Close()
	out := make(map[uuid.UUID][]uuid.UUID)
	for rows.Next() {
		var pid, tid uuid.UUID
		if err := rows.Scan(&pid, &tid); err != nil {
			return nil, err
		}
		out[pid] = append(out[pid], tid)
	}
	return out, rows.Err()
}

func (r *repoPG) GetPanel(ctx context.Context, id uuid.UUID) (*Panel, error) {
	p, err := scanPanel(r.conn(ctx).QueryRow(ctx, panelSelect+` WHERE p.id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get panel", "panel", id.String())
	}
	items, err := r.panelTestIDs(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	p.TestIDs = items[id]
	return p, nil
}

func (r *repoPG) PanelByName(ctx context.Context, name string) (*Panel, error) {
	p, err := scanPanel(r.conn(ctx).QueryRow(ctx, panelSelect+` WHERE lower(p.name) = lower($1)`, name))
	if err != nil {
		return nil, db.Classify(err, "get panel", "panel", name)
	}
	items, err := r.panelTestIDs(ctx, []uuid.UUID{p.ID})
	if err != nil {
		return nil, err
	}
	p.TestIDs = items[p.ID]
	return p, nil
}

func (r *repoPG) ListPanels(ctx context.Context) ([]*Panel, error) {
	rows, err := r.conn(ctx).Query(ctx, panelSelect+` ORDER BY lower(p.name)`)
	if err != nil {
		return nil, fmt.Errorf("list panels: %w", err)
	}
	panels, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Panel, error) { return scanPanel(row) })
	if err != nil || len(panels) == 0 {
		return panels, err
	}
	ids := make([]uuid.UUID, len(panels))
	for i, p := range panels {
		ids[i] = p.ID
	}
	items, err := r.panelTestIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range panels {
		p.TestIDs = items[p.ID]
	}
	return panels, nil
}

func (r *repoPG) UpdatePanel(ctx context.Context, p *Panel) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE panels SET name = $2, department_id = $3, sample_type_id = $4, auto_recalc = $5,
			manual_price_cents = $6, is_active = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Name, p.DepartmentID, p.SampleTypeID, p.AutoRecalc, int64(p.ManualPrice), p.IsActive,
	).Scan(&p.UpdatedAt)
	if err != nil {
		return db.Classify(err, "update panel", "panel", p.ID.String())
	}
	return r.replacePanelItems(ctx, p.ID, p.TestIDs)
}

func (r *repoPG) DeletePanel(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM panels WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete panel", "panel", id)
}

// -- Normal ranges --

const rangeSelect = `SELECT id, test_id, panel_id, range_type, gender, min_age, max_age,
	min_value::text, max_value::text, symbol, symbol_value::text, qualitative_value, unit, note, created_at
	FROM normal_ranges`

func scanRange(row pgx.Row) (*NormalRange, error) {
	var nr NormalRange
	var minV, maxV, symV *string
	err := row.Scan(&nr.ID, &nr.TestID, &nr.PanelID, &nr.RangeType, &nr.Gender, &nr.MinAge, &nr.MaxAge,
		&minV, &maxV, &nr.Symbol, &symV, &nr.QualitativeValue, &nr.Unit, &nr.Note, &nr.CreatedAt)
	nr.MinValue, nr.MaxValue, nr.SymbolValue = fromText(minV), fromText(maxV), fromText(symV)
	return &nr, err
}

func fromText(s *string) *Decimal {
	if s == nil {
		return nil
	}
	d := Decimal(*s)
	return &d
}

func toText(d *Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (r *repoPG) CreateRange(ctx context.Context, nr *NormalRange) error {
	nr.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO normal_ranges (id, test_id, panel_id, range_type, gender, min_age, max_age,
			min_value, max_value, symbol, symbol_value, qualitative_value, unit, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11::numeric, $12, $13, $14)
		RETURNING created_at`,
		nr.ID, nr.TestID, nr.PanelID, nr.RangeType, nr.Gender, nr.MinAge, nr.MaxAge,
		toText(nr.MinValue), toText(nr.MaxValue), nr.Symbol, toText(nr.SymbolValue), nr.QualitativeValue, nr.Unit, nr.Note,
	).Scan(&nr.CreatedAt)
	return db.Classify(err, "create normal range", "normal range", "")
}

func (r *repoPG) GetRange(ctx context.Context, id uuid.UUID) (*NormalRange, error) {
	nr, err := scanRange(r.conn(ctx).QueryRow(ctx, rangeSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "get normal range", "normal range", id.String())
	}
	return nr, nil
}

func (r *repoPG) ListRanges(ctx context.Context, testID uuid.UUID) ([]*NormalRange, error) {
	return r.RangesForTests(ctx, []uuid.UUID{testID})
}

func (r *repoPG) RangesForTests(ctx context.Context, testIDs []uuid.UUID) ([]*NormalRange, error) {
	rows, err := r.conn(ctx).Query(ctx, rangeSelect+` WHERE test_id = ANY($1) ORDER BY created_at, id`, testIDs)
	if err != nil {
		return nil, fmt.Errorf("list normal ranges: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*NormalRange, error) { return scanRange(row) })
}

func (r *repoPG) UpdateRange(ctx context.Context, nr *NormalRange) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE normal_ranges SET panel_id = $2, range_type = $3, gender = $4, min_age = $5, max_age = $6,
			min_value = $7::numeric, max_value = $8::numeric, symbol = $9, symbol_value = $10::numeric,
			qualitative_value = $11, unit = $12, note = $13
		WHERE id = $1`,
		nr.ID, nr.PanelID, nr.RangeType, nr.Gender, nr.MinAge, nr.MaxAge,
		toText(nr.MinValue), toText(nr.MaxValue), nr.Symbol, toText(nr.SymbolValue), nr.QualitativeValue, nr.Unit, nr.Note)
	return affected(tag.RowsAffected(), err, "update normal range", "normal range", nr.ID)
}

func (r *repoPG) DeleteRange(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM normal_ranges WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, "delete normal range", "normal range", id)
}

// affected classifies an Exec result, treating zero affected rows as a
// missing record.
func affected(n int64, err error, op, resource string, id uuid.UUID) error {
	if err != nil {
		return db.Classify(err, op, resource, id.String())
	}
	if n == 0 {
		return db.Classify(pgx.ErrNoRows, op, resource, id.String())
	}
	return nil
}
