package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/db"
)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	logger zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tx: tx, logger: logger.With().Str("component", "catalog").Logger()}
}

// ensureUnique returns a conflict when name is already taken by a record
// other than self.
func ensureUnique[T any](ctx context.Context, lookup func(context.Context, string) (T, error), idOf func(T) uuid.UUID, kind, name string, self uuid.UUID) error {
	existing, err := lookup(ctx, name)
	switch {
	case err == nil:
		if idOf(existing) != self {
			return apperror.Conflict("%s %q already exists", kind, name)
		}
		return nil
	case errors.Is(err, apperror.ErrNotFound):
		return nil
	default:
		return err
	}
}

func requireName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperror.Validation("%s name is required", kind)
	}
	return name, nil
}

// -- Departments --

func (s *Service) CreateDepartment(ctx context.Context, d *Department) error {
	name, err := requireName("department", d.Name)
	if err != nil {
		return err
	}
	d.Name = name
	if err := ensureUnique(ctx, s.repo.DepartmentByName, func(x *Department) uuid.UUID { return x.ID }, "department", name, uuid.Nil); err != nil {
		return err
	}
	return s.repo.CreateDepartment(ctx, d)
}

func (s *Service) ListDepartments(ctx context.Context) ([]*Department, error) {
	return s.repo.ListDepartments(ctx)
}

func (s *Service) UpdateDepartment(ctx context.Context, d *Department) error {
	name, err := requireName("department", d.Name)
	if err != nil {
		return err
	}
	d.Name = name
	if err := ensureUnique(ctx, s.repo.DepartmentByName, func(x *Department) uuid.UUID { return x.ID }, "department", name, d.ID); err != nil {
		return err
	}
	return s.repo.UpdateDepartment(ctx, d)
}

func (s *Service) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteDepartment(ctx, id)
}

// -- Sample types --

func (s *Service) CreateSampleType(ctx context.Context, st *SampleType) error {
	name, err := requireName("sample type", st.Name)
	if err != nil {
		return err
	}
	st.Name = name
	if err := ensureUnique(ctx, s.repo.SampleTypeByName, func(x *SampleType) uuid.UUID { return x.ID }, "sample type", name, uuid.Nil); err != nil {
		return err
	}
	return s.repo.CreateSampleType(ctx, st)
}

func (s *Service) ListSampleTypes(ctx context.Context) ([]*SampleType, error) {
	return s.repo.ListSampleTypes(ctx)
}

func (s *Service) UpdateSampleType(ctx context.Context, st *SampleType) error {
	name, err := requireName("sample type", st.Name)
	if err != nil {
		return err
	}
	st.Name = name
	if err := ensureUnique(ctx, s.repo.SampleTypeByName, func(x *SampleType) uuid.UUID { return x.ID }, "sample type", name, st.ID); err != nil {
		return err
	}
	return s.repo.UpdateSampleType(ctx, st)
}

func (s *Service) DeleteSampleType(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteSampleType(ctx, id)
}

// -- Units --

func (s *Service) CreateUnit(ctx context.Context, u *Unit) error {
	name, err := requireName("unit", u.Name)
	if err != nil {
		return err
	}
	u.Name, u.Symbol = name, strings.TrimSpace(u.Symbol)
	if u.Symbol == "" {
		u.Symbol = name
	}
	if err := ensureUnique(ctx, s.repo.UnitByName, func(x *Unit) uuid.UUID { return x.ID }, "unit", name, uuid.Nil); err != nil {
		return err
	}
	return s.repo.CreateUnit(ctx, u)
}

func (s *Service) ListUnits(ctx context.Context) ([]*Unit, error) {
	return s.repo.ListUnits(ctx)
}

func (s *Service) UpdateUnit(ctx context.Context, u *Unit) error {
	name, err := requireName("unit", u.Name)
	if err != nil {
		return err
	}
	u.Name, u.Symbol = name, strings.TrimSpace(u.Symbol)
	if u.Symbol == "" {
		u.Symbol = name
	}
	if err := ensureUnique(ctx, s.repo.UnitByName, func(x *Unit) uuid.UUID { return x.ID }, "unit", name, u.ID); err != nil {
		return err
	}
	return s.repo.UpdateUnit(ctx, u)
}

func (s *Service) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteUnit(ctx, id)
}

// -- Tests --

func (s *Service) validateTest(ctx context.Context, t *Test) error {
	name, err := requireName("test", t.Name)
	if err != nil {
		return err
	}
	t.Name = name
	if t.Price < 0 {
		return apperror.Validation("price must not be negative")
	}
	if t.TestType == "" {
		t.TestType = TypeQuantitative
	}
	switch t.TestType {
	case TypeQuantitative:
		t.QualitativeValue = ""
	case TypeQualitative:
		t.QualitativeValue = strings.Join(SplitOptions(t.QualitativeValue), ";")
	default:
		return apperror.Validation("test_type must be quantitative or qualitative")
	}
	if t.DepartmentID != nil {
		if _, err := s.repo.GetDepartment(ctx, *t.DepartmentID); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Validation("department %s does not exist", t.DepartmentID)
			}
			return err
		}
	}
	return ensureUnique(ctx, s.repo.TestByName, func(x *Test) uuid.UUID { return x.ID }, "test", name, t.ID)
}

// CreateTest stores a new active test and returns it with display names
// resolved.
func (s *Service) CreateTest(ctx context.Context, t *Test) (*Test, error) {
	t.ID = uuid.Nil
	if err := s.validateTest(ctx, t); err != nil {
		return nil, err
	}
	t.IsActive = true
	if err := s.repo.CreateTest(ctx, t); err != nil {
		return nil, err
	}
	return s.repo.GetTest(ctx, t.ID)
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*Test, error) {
	return s.repo.GetTest(ctx, id)
}

func (s *Service) ListTests(ctx context.Context, f TestFilter, limit, offset int) ([]*Test, int, error) {
	return s.repo.ListTests(ctx, f, limit, offset)
}

func (s *Service) UpdateTest(ctx context.Context, t *Test) (*Test, error) {
	if _, err := s.repo.GetTest(ctx, t.ID); err != nil {
		return nil, err
	}
	if err := s.validateTest(ctx, t); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateTest(ctx, t); err != nil {
		return nil, err
	}
	return s.repo.GetTest(ctx, t.ID)
}

// SetTestStatus toggles the soft active flag. Ranges and panel links are
// left in place so reactivation restores the previous configuration.
func (s *Service) SetTestStatus(ctx context.Context, id uuid.UUID, active bool) (*Test, error) {
	if err := s.repo.SetTestActive(ctx, id, active); err != nil {
		return nil, err
	}
	s.logger.Info().Str("test_id", id.String()).Bool("is_active", active).Msg("test status changed")
	return s.repo.GetTest(ctx, id)
}

func (s *Service) DeleteTest(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteTest(ctx, id)
}

// -- Panels --

func (s *Service) validatePanel(ctx context.Context, p *Panel) error {
	name, err := requireName("panel", p.Name)
	if err != nil {
		return err
	}
	p.Name = name
	if p.DepartmentID == nil || *p.DepartmentID == uuid.Nil {
		return apperror.Validation("panel department is required")
	}
	if _, err := s.repo.GetDepartment(ctx, *p.DepartmentID); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.Validation("department %s does not exist", p.DepartmentID)
		}
		return err
	}
	if p.ManualPrice < 0 {
		return apperror.Validation("manual_price must not be negative")
	}

	seen := make(map[uuid.UUID]bool, len(p.TestIDs))
	ids := p.TestIDs[:0]
	for _, id := range p.TestIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	p.TestIDs = ids
	tests, err := s.repo.TestsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(tests) != len(ids) {
		return apperror.Validation("panel references unknown tests")
	}
	return ensureUnique(ctx, s.repo.PanelByName, func(x *Panel) uuid.UUID { return x.ID }, "panel", name, p.ID)
}

func (s *Service) CreatePanel(ctx context.Context, p *Panel) (*Panel, error) {
	p.ID = uuid.Nil
	if err := s.validatePanel(ctx, p); err != nil {
		return nil, err
	}
	p.IsActive = true
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.CreatePanel(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return s.GetPanel(ctx, p.ID)
}

// GetPanel returns the panel with its analytes and read-time price.
func (s *Service) GetPanel(ctx context.Context, id uuid.UUID) (*Panel, error) {
	p, err := s.repo.GetPanel(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.resolvePanels(ctx, []*Panel{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPanels(ctx context.Context) ([]*Panel, error) {
	panels, err := s.repo.ListPanels(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.resolvePanels(ctx, panels); err != nil {
		return nil, err
	}
	return panels, nil
}

// resolvePanels loads constituent tests in one lookup and prices each panel.
func (s *Service) resolvePanels(ctx context.Context, panels []*Panel) error {
	var ids []uuid.UUID
	seen := make(map[uuid.UUID]bool)
	for _, p := range panels {
		for _, id := range p.TestIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	tests, err := s.repo.TestsByIDs(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[uuid.UUID]*Test, len(tests))
	for _, t := range tests {
		byID[t.ID] = t
	}
	for _, p := range panels {
		p.Tests = make([]*Test, 0, len(p.TestIDs))
		for _, id := range p.TestIDs {
			if t, ok := byID[id]; ok {
				p.Tests = append(p.Tests, t)
			}
		}
		p.ResolvePrice()
	}
	return nil
}

func (s *Service) UpdatePanel(ctx context.Context, p *Panel) (*Panel, error) {
	if _, err := s.repo.GetPanel(ctx, p.ID); err != nil {
		return nil, err
	}
	if err := s.validatePanel(ctx, p); err != nil {
		return nil, err
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.repo.UpdatePanel(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return s.GetPanel(ctx, p.ID)
}

func (s *Service) DeletePanel(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeletePanel(ctx, id)
}

// -- Normal ranges --

func (s *Service) validateRange(ctx context.Context, nr *NormalRange) error {
	if _, err := s.repo.GetTest(ctx, nr.TestID); err != nil {
		return err
	}
	if nr.PanelID != nil {
		p, err := s.repo.GetPanel(ctx, *nr.PanelID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Validation("panel %s does not exist", nr.PanelID)
			}
			return err
		}
		if !containsID(p.TestIDs, nr.TestID) {
			return apperror.Validation("test is not part of panel %q", p.Name)
		}
	}
	if err := nr.Normalize(); err != nil {
		return apperror.Validation("%s", err.Error())
	}
	return nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (s *Service) CreateRange(ctx context.Context, nr *NormalRange) error {
	if err := s.validateRange(ctx, nr); err != nil {
		return err
	}
	return s.repo.CreateRange(ctx, nr)
}

// ListRanges returns the ranges of a test. A non-empty gender keeps rows for
// that gender and for Any.
func (s *Service) ListRanges(ctx context.Context, testID uuid.UUID, gender string) ([]*NormalRange, error) {
	if _, err := s.repo.GetTest(ctx, testID); err != nil {
		return nil, err
	}
	ranges, err := s.repo.ListRanges(ctx, testID)
	if err != nil || gender == "" {
		return ranges, err
	}
	out := ranges[:0]
	for _, r := range ranges {
		if strings.EqualFold(r.Gender, gender) || r.Gender == GenderAny {
			out = append(out, r)
		}
	}
	return out, nil
}

// RangesForTests feeds template resolution.
func (s *Service) RangesForTests(ctx context.Context, ids []uuid.UUID) ([]*NormalRange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.repo.RangesForTests(ctx, ids)
}

func (s *Service) UpdateRange(ctx context.Context, nr *NormalRange) error {
	existing, err := s.repo.GetRange(ctx, nr.ID)
	if err != nil {
		return err
	}
	nr.TestID = existing.TestID
	if err := s.validateRange(ctx, nr); err != nil {
		return err
	}
	nr.CreatedAt = existing.CreatedAt
	return s.repo.UpdateRange(ctx, nr)
}

func (s *Service) DeleteRange(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteRange(ctx, id)
}
