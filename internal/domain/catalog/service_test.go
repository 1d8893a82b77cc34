package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/apperror"
)

func seedChemistry(t *testing.T, svc *Service) *Department {
	t.Helper()
	d := &Department{Name: "Chemistry"}
	require.NoError(t, svc.CreateDepartment(context.Background(), d))
	return d
}

func dec(s string) *Decimal {
	d := Decimal(s)
	return &d
}

func TestCreateDepartment_DuplicateNameConflicts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	seedChemistry(t, svc)

	err := svc.CreateDepartment(ctx, &Department{Name: "  chemistry "})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCreateDepartment_RequiresName(t *testing.T) {
	svc, _ := newTestService()
	err := svc.CreateDepartment(context.Background(), &Department{Name: "   "})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestUpdateDepartment_SameNameAllowed(t *testing.T) {
	svc, _ := newTestService()
	d := seedChemistry(t, svc)
	d.Name = "CHEMISTRY"
	assert.NoError(t, svc.UpdateDepartment(context.Background(), d))
}

func TestCreateUnit_DefaultsSymbol(t *testing.T) {
	svc, _ := newTestService()
	u := &Unit{Name: "mmol/L"}
	require.NoError(t, svc.CreateUnit(context.Background(), u))
	assert.Equal(t, "mmol/L", u.Symbol)
}

func TestCreateTest(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)

	created, err := svc.CreateTest(ctx, &Test{Name: "Glucose", Price: 500, DepartmentID: &d.ID})
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.Equal(t, TypeQuantitative, created.TestType)
	assert.Equal(t, "Chemistry", created.DepartmentName)

	_, err = svc.CreateTest(ctx, &Test{Name: "glucose"})
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestCreateTest_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	missing := uuid.New()

	tests := []struct {
		name string
		test *Test
	}{
		{"missing name", &Test{}},
		{"negative price", &Test{Name: "A", Price: -1}},
		{"bad type", &Test{Name: "A", TestType: "numeric"}},
		{"unknown department", &Test{Name: "A", DepartmentID: &missing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateTest(ctx, tt.test)
			assert.ErrorIs(t, err, apperror.ErrValidation)
		})
	}
}

func TestCreateTest_QualitativeOptionsNormalized(t *testing.T) {
	svc, _ := newTestService()
	created, err := svc.CreateTest(context.Background(), &Test{
		Name: "HIV", TestType: TypeQualitative, QualitativeValue: " Reactive ;; Non-Reactive ;",
	})
	require.NoError(t, err)
	assert.Equal(t, "Reactive;Non-Reactive", created.QualitativeValue)
	assert.Equal(t, []string{"Reactive", "Non-Reactive"}, created.Options())
}

func TestPanelAutoRecalcFollowsAnalytePrices(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)

	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose", Price: 500, DepartmentID: &d.ID})
	require.NoError(t, err)

	panel, err := svc.CreatePanel(ctx, &Panel{
		Name: "Metabolic", DepartmentID: &d.ID, AutoRecalc: true, TestIDs: []uuid.UUID{glucose.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "5.00", panel.Price.String())

	urea, err := svc.CreateTest(ctx, &Test{Name: "Urea", Price: 300, DepartmentID: &d.ID})
	require.NoError(t, err)
	panel.TestIDs = append(panel.TestIDs, urea.ID)
	panel, err = svc.UpdatePanel(ctx, panel)
	require.NoError(t, err)
	assert.Equal(t, "8.00", panel.Price.String())
	require.Len(t, panel.Tests, 2)

	glucose.Price = 650
	_, err = svc.UpdateTest(ctx, glucose)
	require.NoError(t, err)
	panel, err = svc.GetPanel(ctx, panel.ID)
	require.NoError(t, err)
	assert.Equal(t, "9.50", panel.Price.String())
}

func TestPanelManualPriceIsKeptExactly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose", Price: 500, DepartmentID: &d.ID})
	require.NoError(t, err)

	panel, err := svc.CreatePanel(ctx, &Panel{
		Name: "Sugar", DepartmentID: &d.ID, ManualPrice: 1234, TestIDs: []uuid.UUID{glucose.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, "12.34", panel.Price.String())

	glucose.Price = 9900
	_, err = svc.UpdateTest(ctx, glucose)
	require.NoError(t, err)

	panel, err = svc.GetPanel(ctx, panel.ID)
	require.NoError(t, err)
	assert.Equal(t, Money(1234), panel.Price)
}

func TestCreatePanel_Validation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)

	_, err := svc.CreatePanel(ctx, &Panel{Name: "No Department"})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.CreatePanel(ctx, &Panel{Name: "Ghost", DepartmentID: &d.ID, TestIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = svc.CreatePanel(ctx, &Panel{Name: "", DepartmentID: &d.ID})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestCreatePanel_DeduplicatesTests(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose", Price: 500})
	require.NoError(t, err)

	panel, err := svc.CreatePanel(ctx, &Panel{
		Name: "Twice", DepartmentID: &d.ID, AutoRecalc: true, TestIDs: []uuid.UUID{glucose.ID, glucose.ID},
	})
	require.NoError(t, err)
	assert.Len(t, panel.TestIDs, 1)
	assert.Equal(t, "5.00", panel.Price.String())
}

func TestNormalRangeRoundTripIsExact(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose"})
	require.NoError(t, err)

	nr := &NormalRange{TestID: glucose.ID, RangeType: RangeNumeric, Gender: GenderMale, MinValue: dec("10"), MaxValue: dec("20.125")}
	require.NoError(t, svc.CreateRange(ctx, nr))

	ranges, err := svc.ListRanges(ctx, glucose.ID, GenderMale)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, "10", ranges[0].MinValue.String())
	assert.Equal(t, "20.125", ranges[0].MaxValue.String())

	female, err := svc.ListRanges(ctx, glucose.ID, GenderFemale)
	require.NoError(t, err)
	assert.Empty(t, female)
}

func TestCreateRange_ClearsUnusedGroups(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	crp, err := svc.CreateTest(ctx, &Test{Name: "CRP"})
	require.NoError(t, err)

	nr := &NormalRange{
		TestID: crp.ID, RangeType: RangeSymbol, Symbol: "<", SymbolValue: dec("5"),
		MinValue: dec("1"), QualitativeValue: "Negative",
	}
	require.NoError(t, svc.CreateRange(ctx, nr))
	assert.Nil(t, nr.MinValue)
	assert.Empty(t, nr.QualitativeValue)
	assert.Equal(t, GenderAny, nr.Gender)
	assert.Equal(t, "< 5 mg/L", nr.Render("mg/L"))
}

func TestCreateRange_Invalid(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose"})
	require.NoError(t, err)

	cases := []*NormalRange{
		{TestID: glucose.ID, RangeType: RangeNumeric},
		{TestID: glucose.ID, RangeType: RangeNumeric, MinValue: dec("20"), MaxValue: dec("10")},
		{TestID: glucose.ID, RangeType: RangeSymbol, Symbol: "~", SymbolValue: dec("5")},
		{TestID: glucose.ID, RangeType: RangeQualitative},
		{TestID: glucose.ID, RangeType: "free"},
		{TestID: glucose.ID, RangeType: RangeNumeric, MinValue: dec("1"), Gender: "Other"},
	}
	for _, nr := range cases {
		assert.ErrorIs(t, svc.CreateRange(ctx, nr), apperror.ErrValidation)
	}

	err = svc.CreateRange(ctx, &NormalRange{TestID: uuid.New(), RangeType: RangeNumeric, MinValue: dec("1")})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestCreateRange_PanelOverrideMustContainTest(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose"})
	require.NoError(t, err)
	urea, err := svc.CreateTest(ctx, &Test{Name: "Urea"})
	require.NoError(t, err)
	panel, err := svc.CreatePanel(ctx, &Panel{Name: "P", DepartmentID: &d.ID, TestIDs: []uuid.UUID{glucose.ID}})
	require.NoError(t, err)

	err = svc.CreateRange(ctx, &NormalRange{TestID: urea.ID, PanelID: &panel.ID, RangeType: RangeNumeric, MinValue: dec("1")})
	assert.ErrorIs(t, err, apperror.ErrValidation)

	err = svc.CreateRange(ctx, &NormalRange{TestID: glucose.ID, PanelID: &panel.ID, RangeType: RangeNumeric, MinValue: dec("1")})
	assert.NoError(t, err)
}

func TestDeactivationPreservesRangesAndPanels(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	d := seedChemistry(t, svc)
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose", Price: 500})
	require.NoError(t, err)
	require.NoError(t, svc.CreateRange(ctx, &NormalRange{TestID: glucose.ID, RangeType: RangeNumeric, MinValue: dec("70"), MaxValue: dec("110")}))
	panel, err := svc.CreatePanel(ctx, &Panel{Name: "Sugar", DepartmentID: &d.ID, AutoRecalc: true, TestIDs: []uuid.UUID{glucose.ID}})
	require.NoError(t, err)

	off, err := svc.SetTestStatus(ctx, glucose.ID, false)
	require.NoError(t, err)
	assert.False(t, off.IsActive)
	assert.Len(t, repo.ranges, 1)
	assert.Equal(t, []uuid.UUID{glucose.ID}, repo.panels[panel.ID].TestIDs)

	on, err := svc.SetTestStatus(ctx, glucose.ID, true)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
	ranges, err := svc.ListRanges(ctx, glucose.ID, "")
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, "70 - 110", ranges[0].Render(""))
}

func TestUpdateRange_KeepsTest(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	glucose, err := svc.CreateTest(ctx, &Test{Name: "Glucose"})
	require.NoError(t, err)
	nr := &NormalRange{TestID: glucose.ID, RangeType: RangeNumeric, MinValue: dec("1")}
	require.NoError(t, svc.CreateRange(ctx, nr))

	upd := &NormalRange{ID: nr.ID, TestID: uuid.New(), RangeType: RangeQualitative, QualitativeValue: "Negative"}
	require.NoError(t, svc.UpdateRange(ctx, upd))
	assert.Equal(t, glucose.ID, upd.TestID)
	assert.Nil(t, upd.MinValue)
}

const seedYAML = `
departments: [Chemistry, Serology]
sample_types: [Serum]
units:
  - {name: milligrams per decilitre, symbol: mg/dL}
tests:
  - name: Glucose
    price: "5.00"
    department: Chemistry
    sample_type: Serum
    unit: mg/dL
    ranges:
      - {type: numeric, gender: Any, min: "70", max: "110"}
      - {type: numeric, gender: Male, min_age: 0, max_age: 12, min: "60", max: "100"}
  - name: HBsAg
    price: "3"
    department: Serology
    type: qualitative
    options: Negative;Positive
panels:
  - name: Screen
    department: Chemistry
    auto_recalc: true
    tests: [Glucose, HBsAg]
`

func TestSeedIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	f, err := ParseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	rep, err := svc.Seed(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Created)
	assert.Zero(t, rep.Skipped)
	assert.Len(t, repo.ranges, 2)

	panel, err := repo.PanelByName(ctx, "screen")
	require.NoError(t, err)
	full, err := svc.GetPanel(ctx, panel.ID)
	require.NoError(t, err)
	assert.Equal(t, "8.00", full.Price.String())

	rep, err = svc.Seed(ctx, f)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.Equal(t, 7, rep.Skipped)
	assert.Len(t, repo.tests, 2)
	assert.Len(t, repo.ranges, 2)
}

func TestSeed_UnknownReference(t *testing.T) {
	svc, _ := newTestService()
	f, err := ParseSeed(strings.NewReader("tests:\n  - name: X\n    department: Nowhere\n"))
	require.NoError(t, err)
	_, err = svc.Seed(context.Background(), f)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestParseSeed_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseSeed(strings.NewReader("departmentz: [A]\n"))
	assert.Error(t, err)
}

func TestParseDecimal_Canonical(t *testing.T) {
	tests := []struct {
		in   string
		want Decimal
	}{
		{".5", "0.5"},
		{"+20", "20"},
		{"5.", "5"},
		{" 9.80 ", "9.8"},
		{"-0.250", "-0.25"},
		{"1.5e2", "150"},
		{"25e-3", "0.025"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got, err := ParseDecimal(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)

		out, err := json.Marshal(got)
		require.NoError(t, err, tt.in)
		assert.True(t, json.Valid(out), tt.in)
	}

	for _, bad := range []string{"", "1/2", "0x10", "Inf", "NaN", "1,5", "--1", "."} {
		_, err := ParseDecimal(bad)
		assert.Error(t, err, bad)
	}
}

func TestMoney(t *testing.T) {
	m, err := ParseMoney("12.5")
	require.NoError(t, err)
	assert.Equal(t, Money(1250), m)
	assert.Equal(t, "12.50", m.String())

	_, err = ParseMoney("1.005")
	assert.Error(t, err)

	var fromJSON Money
	require.NoError(t, fromJSON.UnmarshalJSON([]byte(`"7"`)))
	assert.Equal(t, Money(700), fromJSON)
}
