package catalog

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
)

type mockRepo struct {
	departments map[uuid.UUID]*Department
	sampleTypes map[uuid.UUID]*SampleType
	units       map[uuid.UUID]*Unit
	tests       map[uuid.UUID]*Test
	panels      map[uuid.UUID]*Panel
	ranges      map[uuid.UUID]*NormalRange
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		departments: make(map[uuid.UUID]*Department),
		sampleTypes: make(map[uuid.UUID]*SampleType),
		units:       make(map[uuid.UUID]*Unit),
		tests:       make(map[uuid.UUID]*Test),
		panels:      make(map[uuid.UUID]*Panel),
		ranges:      make(map[uuid.UUID]*NormalRange),
	}
}

type noTx struct{ calls int }

func (n *noTx) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	n.calls++
	return fn(ctx)
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, &noTx{}, zerolog.Nop()), repo
}

func (m *mockRepo) CreateDepartment(_ context.Context, d *Department) error {
	d.ID, d.CreatedAt = uuid.New(), time.Now()
	cp := *d
	m.departments[d.ID] = &cp
	return nil
}

func (m *mockRepo) ListDepartments(_ context.Context) ([]*Department, error) {
	var out []*Department
	for _, d := range m.departments {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockRepo) GetDepartment(_ context.Context, id uuid.UUID) (*Department, error) {
	d, ok := m.departments[id]
	if !ok {
		return nil, apperror.NotFound("department", id.String())
	}
	return d, nil
}

func (m *mockRepo) DepartmentByName(_ context.Context, name string) (*Department, error) {
	for _, d := range m.departments {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return nil, apperror.NotFound("department", name)
}

func (m *mockRepo) UpdateDepartment(_ context.Context, d *Department) error {
	if _, ok := m.departments[d.ID]; !ok {
		return apperror.NotFound("department", d.ID.String())
	}
	cp := *d
	m.departments[d.ID] = &cp
	return nil
}

func (m *mockRepo) DeleteDepartment(_ context.Context, id uuid.UUID) error {
	if _, ok := m.departments[id]; !ok {
		return apperror.NotFound("department", id.String())
	}
	delete(m.departments, id)
	return nil
}

func (m *mockRepo) CreateSampleType(_ context.Context, s *SampleType) error {
	s.ID, s.CreatedAt = uuid.New(), time.Now()
	cp := *s
	m.sampleTypes[s.ID] = &cp
	return nil
}

func (m *mockRepo) ListSampleTypes(_ context.Context) ([]*SampleType, error) {
	var out []*SampleType
	for _, s := range m.sampleTypes {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockRepo) SampleTypeByName(_ context.Context, name string) (*SampleType, error) {
	for _, s := range m.sampleTypes {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return nil, apperror.NotFound("sample type", name)
}

func (m *mockRepo) UpdateSampleType(_ context.Context, s *SampleType) error {
	cp := *s
	m.sampleTypes[s.ID] = &cp
	return nil
}

func (m *mockRepo) DeleteSampleType(_ context.Context, id uuid.UUID) error {
	delete(m.sampleTypes, id)
	return nil
}

func (m *mockRepo) CreateUnit(_ context.Context, u *Unit) error {
	u.ID, u.CreatedAt = uuid.New(), time.Now()
	cp := *u
	m.units[u.ID] = &cp
	return nil
}

func (m *mockRepo) ListUnits(_ context.Context) ([]*Unit, error) {
	var out []*Unit
	for _, u := range m.units {
		out = append(out, u)
	}
	return out, nil
}

func (m *mockRepo) UnitByName(_ context.Context, name string) (*Unit, error) {
	for _, u := range m.units {
		if strings.EqualFold(u.Name, name) {
			return u, nil
		}
	}
	return nil, apperror.NotFound("unit", name)
}

func (m *mockRepo) UpdateUnit(_ context.Context, u *Unit) error {
	cp := *u
	m.units[u.ID] = &cp
	return nil
}

func (m *mockRepo) DeleteUnit(_ context.Context, id uuid.UUID) error {
	delete(m.units, id)
	return nil
}

func (m *mockRepo) CreateTest(_ context.Context, t *Test) error {
	t.ID = uuid.New()
	t.CreatedAt, t.UpdatedAt = time.Now(), time.Now()
	cp := *t
	m.tests[t.ID] = &cp
	return nil
}

func (m *mockRepo) GetTest(_ context.Context, id uuid.UUID) (*Test, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, apperror.NotFound("test", id.String())
	}
	cp := *t
	if t.DepartmentID != nil {
		if d, ok := m.departments[*t.DepartmentID]; ok {
			cp.DepartmentName = d.Name
		}
	}
	return &cp, nil
}

func (m *mockRepo) TestByName(ctx context.Context, name string) (*Test, error) {
	for _, t := range m.tests {
		if strings.EqualFold(t.Name, name) {
			return m.GetTest(ctx, t.ID)
		}
	}
	return nil, apperror.NotFound("test", name)
}

func (m *mockRepo) TestsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Test, error) {
	var out []*Test
	for _, id := range ids {
		if t, err := m.GetTest(ctx, id); err == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepo) ListTests(_ context.Context, f TestFilter, limit, offset int) ([]*Test, int, error) {
	var all []*Test
	for _, t := range m.tests {
		if f.Search != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(f.Search)) {
			continue
		}
		if f.Active != nil && t.IsActive != *f.Active {
			continue
		}
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) UpdateTest(_ context.Context, t *Test) error {
	existing, ok := m.tests[t.ID]
	if !ok {
		return apperror.NotFound("test", t.ID.String())
	}
	cp := *t
	cp.IsActive = existing.IsActive
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	m.tests[t.ID] = &cp
	return nil
}

func (m *mockRepo) SetTestActive(_ context.Context, id uuid.UUID, active bool) error {
	t, ok := m.tests[id]
	if !ok {
		return apperror.NotFound("test", id.String())
	}
	t.IsActive = active
	return nil
}

func (m *mockRepo) DeleteTest(_ context.Context, id uuid.UUID) error {
	if _, ok := m.tests[id]; !ok {
		return apperror.NotFound("test", id.String())
	}
	delete(m.tests, id)
	return nil
}

func (m *mockRepo) CreatePanel(_ context.Context, p *Panel) error {
	p.ID = uuid.New()
	p.CreatedAt, p.UpdatedAt = time.Now(), time.Now()
	cp := *p
	cp.TestIDs = append([]uuid.UUID(nil), p.TestIDs...)
	m.panels[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetPanel(_ context.Context, id uuid.UUID) (*Panel, error) {
	p, ok := m.panels[id]
	if !ok {
		return nil, apperror.NotFound("panel", id.String())
	}
	cp := *p
	cp.TestIDs = append([]uuid.UUID(nil), p.TestIDs...)
	return &cp, nil
}

func (m *mockRepo) PanelByName(ctx context.Context, name string) (*Panel, error) {
	for _, p := range m.panels {
		if strings.EqualFold(p.Name, name) {
			return m.GetPanel(ctx, p.ID)
		}
	}
	return nil, apperror.NotFound("panel", name)
}

func (m *mockRepo) ListPanels(ctx context.Context) ([]*Panel, error) {
	var out []*Panel
	for id := range m.panels {
		p, _ := m.GetPanel(ctx, id)
		out = append(out, p)
	}
	return out, nil
}

func (m *mockRepo) UpdatePanel(_ context.Context, p *Panel) error {
	if _, ok := m.panels[p.ID]; !ok {
		return apperror.NotFound("panel", p.ID.String())
	}
	cp := *p
	cp.TestIDs = append([]uuid.UUID(nil), p.TestIDs...)
	m.panels[p.ID] = &cp
	return nil
}

func (m *mockRepo) DeletePanel(_ context.Context, id uuid.UUID) error {
	delete(m.panels, id)
	return nil
}

func (m *mockRepo) CreateRange(_ context.Context, nr *NormalRange) error {
	nr.ID, nr.CreatedAt = uuid.New(), time.Now()
	cp := *nr
	m.ranges[nr.ID] = &cp
	return nil
}

func (m *mockRepo) GetRange(_ context.Context, id uuid.UUID) (*NormalRange, error) {
	nr, ok := m.ranges[id]
	if !ok {
		return nil, apperror.NotFound("normal range", id.String())
	}
	cp := *nr
	return &cp, nil
}

func (m *mockRepo) ListRanges(ctx context.Context, testID uuid.UUID) ([]*NormalRange, error) {
	return m.RangesForTests(ctx, []uuid.UUID{testID})
}

func (m *mockRepo) RangesForTests(_ context.Context, ids []uuid.UUID) ([]*NormalRange, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*NormalRange
	for _, nr := range m.ranges {
		if want[nr.TestID] {
			cp := *nr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockRepo) UpdateRange(_ context.Context, nr *NormalRange) error {
	if _, ok := m.ranges[nr.ID]; !ok {
		return apperror.NotFound("normal range", nr.ID.String())
	}
	cp := *nr
	m.ranges[nr.ID] = &cp
	return nil
}

func (m *mockRepo) DeleteRange(_ context.Context, id uuid.UUID) error {
	if _, ok := m.ranges[id]; !ok {
		return apperror.NotFound("normal range", id.String())
	}
	delete(m.ranges, id)
	return nil
}
