package catalog

import (
	"context"

	"github.com/google/uuid"
)

// TestFilter narrows ListTests. A nil Active lists active and inactive tests.
type TestFilter struct {
	Search       string
	DepartmentID *uuid.UUID
	Active       *bool
}

// Repository persists the lab catalog. Name lookups are case-insensitive.
type Repository interface {
	CreateDepartment(ctx context.Context, d *Department) error
	ListDepartments(ctx context.Context) ([]*Department, error)
	GetDepartment(ctx context.Context, id uuid.UUID) (*Department, error)
	DepartmentByName(ctx context.Context, name string) (*Department, error)
	UpdateDepartment(ctx context.Context, d *Department) error
	DeleteDepartment(ctx context.Context, id uuid.UUID) error

	CreateSampleType(ctx context.Context, s *SampleType) error
	ListSampleTypes(ctx context.Context) ([]*SampleType, error)
	SampleTypeByName(ctx context.Context, name string) (*SampleType, error)
	UpdateSampleType(ctx context.Context, s *SampleType) error
	DeleteSampleType(ctx context.Context, id uuid.UUID) error

	CreateUnit(ctx context.Context, u *Unit) error
	ListUnits(ctx context.Context) ([]*Unit, error)
	UnitByName(ctx context.Context, name string) (*Unit, error)
	UpdateUnit(ctx context.Context, u *Unit) error
	DeleteUnit(ctx context.Context, id uuid.UUID) error

	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id uuid.UUID) (*Test, error)
	TestByName(ctx context.Context, name string) (*Test, error)
	TestsByIDs(ctx context.Context, ids []uuid.UUID) ([]*Test, error)
	ListTests(ctx context.Context, f TestFilter, limit, offset int) ([]*Test, int, error)
	UpdateTest(ctx context.Context, t *Test) error
	SetTestActive(ctx context.Context, id uuid.UUID, active bool) error
	DeleteTest(ctx context.Context, id uuid.UUID) error

	CreatePanel(ctx context.Context, p *Panel) error
	GetPanel(ctx context.Context, id uuid.UUID) (*Panel, error)
	PanelByName(ctx context.Context, name string) (*Panel, error)
	ListPanels(ctx context.Context) ([]*Panel, error)
	UpdatePanel(ctx context.Context, p *Panel) error
	DeletePanel(ctx context.Context, id uuid.UUID) error

	CreateRange(ctx context.Context, r *NormalRange) error
	GetRange(ctx context.Context, id uuid.UUID) (*NormalRange, error)
	ListRanges(ctx context.Context, testID uuid.UUID) ([]*NormalRange, error)
	RangesForTests(ctx context.Context, testIDs []uuid.UUID) ([]*NormalRange, error)
	UpdateRange(ctx context.Context, r *NormalRange) error
	DeleteRange(ctx context.Context, id uuid.UUID) error
}
