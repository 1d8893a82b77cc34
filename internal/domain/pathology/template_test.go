package pathology

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
)

func TestResolveRange_Precedence(t *testing.T) {
	testID, panelID := uuid.New(), uuid.New()
	anyAll := &catalog.NormalRange{TestID: testID, Gender: catalog.GenderAny}
	femaleAdult := &catalog.NormalRange{TestID: testID, Gender: catalog.GenderFemale, MinAge: intp(18)}
	femaleBand := &catalog.NormalRange{TestID: testID, Gender: catalog.GenderFemale, MinAge: intp(18), MaxAge: intp(50)}
	child := &catalog.NormalRange{TestID: testID, Gender: catalog.GenderAny, MaxAge: intp(12)}
	override := &catalog.NormalRange{TestID: testID, PanelID: &panelID, Gender: catalog.GenderAny}
	other := &catalog.NormalRange{TestID: uuid.New(), Gender: catalog.GenderAny}
	ranges := []*catalog.NormalRange{other, anyAll, femaleAdult, femaleBand, child, override}

	tests := []struct {
		name    string
		panelID *uuid.UUID
		gender  string
		age     *int
		want    *catalog.NormalRange
	}{
		{"exact gender narrowest band", nil, "Female", intp(35), femaleBand},
		{"exact gender open band when outside narrow one", nil, "Female", intp(60), femaleAdult},
		{"male falls back to any", nil, "Male", intp(35), anyAll},
		{"child band is narrower than open any", nil, "Male", intp(8), child},
		{"panel override first", &panelID, "Female", intp(35), override},
		{"other panel uses analyte ranges", ptr(uuid.New()), "Female", intp(35), femaleBand},
		{"unknown age prefers unbanded row", nil, "Male", nil, anyAll},
		{"unknown gender uses any", nil, "", intp(35), anyAll},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveRange(ranges, testID, tt.panelID, tt.gender, tt.age)
			assert.Same(t, tt.want, got)
		})
	}

	assert.Nil(t, ResolveRange(ranges, uuid.New(), nil, "Female", intp(35)))
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func TestQualitativeOptions(t *testing.T) {
	assert.Equal(t, []string{"Nil", "Trace", "+"},
		QualitativeOptions(&catalog.Test{Name: "Sugar", QualitativeValue: "Nil; Trace ;+;"}))
	assert.Equal(t, []string{"Non-Reactive", "Reactive"}, QualitativeOptions(&catalog.Test{Name: " HBsAg "}))
	assert.Equal(t, []string{"Negative", "Positive"}, QualitativeOptions(&catalog.Test{Name: "Mystery"}))

	opts := QualitativeOptions(&catalog.Test{Name: "Nitrite"})
	opts[0] = "changed"
	assert.Equal(t, "Negative", FallbackOptions["nitrite"][0])
}

func TestEvaluate(t *testing.T) {
	numeric := &Leaf{Name: "Hb", Type: catalog.TypeQuantitative,
		rng: &catalog.NormalRange{RangeType: catalog.RangeNumeric, MinValue: dec("12"), MaxValue: dec("15.5")}}
	below := &Leaf{Name: "CRP", Type: catalog.TypeQuantitative,
		rng: &catalog.NormalRange{RangeType: catalog.RangeSymbol, Symbol: "<", SymbolValue: dec("5")}}
	atLeast := &Leaf{Name: "HDL", Type: catalog.TypeQuantitative,
		rng: &catalog.NormalRange{RangeType: catalog.RangeSymbol, Symbol: ">=", SymbolValue: dec("40")}}
	qual := &Leaf{Name: "Nitrite", Type: catalog.TypeQualitative, Options: []string{"Negative", "Positive"},
		rng: &catalog.NormalRange{RangeType: catalog.RangeQualitative, QualitativeValue: "Negative"}}
	noRange := &Leaf{Name: "Ferritin", Type: catalog.TypeQuantitative}

	tests := []struct {
		name      string
		leaf      *Leaf
		raw       string
		wantValue string
		wantFlag  string
		wantErr   bool
	}{
		{"within range", numeric, "13.2", "13.2", "", false},
		{"inclusive upper bound", numeric, "15.5", "15.5", "", false},
		{"high", numeric, "18", "18", FlagHigh, false},
		{"low", numeric, " 9.80 ", "9.8", FlagLow, false},
		{"leading dot", numeric, ".5", "0.5", FlagLow, false},
		{"explicit plus sign", numeric, "+14", "14", "", false},
		{"exponent", numeric, "1.4e1", "14", "", false},
		{"symbol below", below, "3", "3", "", false},
		{"symbol at limit is high", below, "5", "5", FlagHigh, false},
		{"symbol at least", atLeast, "40", "40", "", false},
		{"symbol under minimum", atLeast, "39.9", "39.9", FlagLow, false},
		{"no range never flags", noRange, "9999", "9999", "", false},
		{"non numeric", numeric, "high", "", "", true},
		{"fraction rejected", numeric, "1/2", "", "", true},
		{"empty", numeric, "  ", "", "", true},
		{"qualitative canonical spelling", qual, "negative", "Negative", "", false},
		{"qualitative abnormal", qual, "POSITIVE", "Positive", FlagAbnormal, false},
		{"qualitative unknown option", qual, "Maybe", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, flag, err := Evaluate(tt.leaf, tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, tt.wantFlag, flag)
		})
	}
}

func TestResultTemplate(t *testing.T) {
	f := newFixture()
	f.repo.results[[2]uuid.UUID{f.cbcItem, f.wbc.ID}] = &Result{RequestItemID: f.cbcItem, TestID: f.wbc.ID, Value: "12", Flag: FlagHigh}

	rt, err := f.svc.ResultTemplate(as(auth.RoleAdmin, ""), f.requestID)
	require.NoError(t, err)
	require.Len(t, rt.Items, 3)
	require.NotNil(t, rt.Age)
	assert.Equal(t, 35, *rt.Age)

	cbc := rt.Items[0]
	assert.True(t, cbc.IsPanel)
	assert.Nil(t, cbc.Leaf)
	require.Len(t, cbc.Analytes, 2)
	assert.Equal(t, "Hemoglobin", cbc.Analytes[0].Name)
	assert.Equal(t, "12 - 15 g/dL", cbc.Analytes[0].ReferenceRange)
	assert.Equal(t, "", cbc.Analytes[0].Value)
	assert.Equal(t, "4 - 11 10^9/L", cbc.Analytes[1].ReferenceRange)
	assert.Equal(t, "12", cbc.Analytes[1].Value)
	assert.Equal(t, FlagHigh, cbc.Analytes[1].Flag)

	nit := rt.Items[1]
	require.NotNil(t, nit.Leaf)
	assert.Equal(t, catalog.TypeQualitative, nit.Type)
	assert.Equal(t, []string{"Negative", "Positive"}, nit.Options)
	assert.Equal(t, "Negative", nit.ReferenceRange)

	hbsag := rt.Items[2]
	assert.Equal(t, []string{"Non-Reactive", "Reactive"}, hbsag.Options)
	assert.Empty(t, hbsag.ReferenceRange)
}

func TestResultTemplate_ScopedToDepartment(t *testing.T) {
	f := newFixture()

	rt, err := f.svc.ResultTemplate(as(auth.RoleLabTechnician, "serology"), f.requestID)
	require.NoError(t, err)
	require.Len(t, rt.Items, 1)
	assert.Equal(t, f.hbsagItem, rt.Items[0].RequestItemID)

	_, err = f.svc.ResultTemplate(as(auth.RoleLabTechnician, "Chemistry"), f.requestID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = f.svc.ResultTemplate(as(auth.RolePathologist, ""), f.requestID)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestResultTemplate_UnknownRequest(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ResultTemplate(as(auth.RoleAdmin, ""), uuid.New())
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestResultTemplate_NoItems(t *testing.T) {
	f := newFixture()
	f.repo.requests[f.requestID].itemIDs = nil

	rt, err := f.svc.ResultTemplate(as(auth.RoleLabTechnician, "Chemistry"), f.requestID)
	require.NoError(t, err)
	assert.NotNil(t, rt.Items)
	assert.Empty(t, rt.Items)
}
