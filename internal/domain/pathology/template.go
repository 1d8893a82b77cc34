package pathology

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
)

// FallbackOptions are the qualitative choices offered for well-known
// analytes the catalog configured without options. Keys are lowercase.
var FallbackOptions = map[string][]string{
	"colour":             {"Pale Yellow", "Yellow", "Dark Yellow", "Amber", "Red", "Brown"},
	"color":              {"Pale Yellow", "Yellow", "Dark Yellow", "Amber", "Red", "Brown"},
	"appearance":         {"Clear", "Slightly Turbid", "Turbid", "Cloudy"},
	"urine glucose":      {"Nil", "Trace", "+", "++", "+++", "++++"},
	"urine protein":      {"Nil", "Trace", "+", "++", "+++", "++++"},
	"albumin":            {"Nil", "Trace", "+", "++", "+++"},
	"sugar":              {"Nil", "Trace", "+", "++", "+++", "++++"},
	"ketones":            {"Negative", "Trace", "Small", "Moderate", "Large"},
	"bilirubin":          {"Negative", "Small", "Moderate", "Large"},
	"urobilinogen":       {"Normal", "Increased"},
	"blood":              {"Negative", "Trace", "Small", "Moderate", "Large"},
	"nitrite":            {"Negative", "Positive"},
	"leukocytes":         {"Negative", "Trace", "Small", "Moderate", "Large"},
	"leukocyte esterase": {"Negative", "Trace", "Small", "Moderate", "Large"},
	"hbsag":              {"Non-Reactive", "Reactive"},
	"hcv":                {"Non-Reactive", "Reactive"},
	"anti-hcv":           {"Non-Reactive", "Reactive"},
	"hiv":                {"Non-Reactive", "Reactive"},
	"hiv 1 & 2":          {"Non-Reactive", "Reactive"},
	"vdrl":               {"Non-Reactive", "Reactive"},
	"rpr":                {"Non-Reactive", "Reactive"},
	"widal":              {"Negative", "Positive"},
	"malaria":            {"Negative", "Positive"},
	"pregnancy test":     {"Negative", "Positive"},
	"blood group":        {"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"},
}

// DefaultOptions apply when neither the catalog nor FallbackOptions name any.
var DefaultOptions = []string{"Negative", "Positive"}

// Leaf is one enterable value: a standalone test or a panel analyte.
type Leaf struct {
	RequestItemID  uuid.UUID `json:"request_item_id"`
	TestID         uuid.UUID `json:"test_id"`
	Name           string    `json:"name"`
	Unit           string    `json:"unit,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	Value          string    `json:"value,omitempty"`
	Flag           string    `json:"flag,omitempty"`
	Type           string    `json:"type"`
	Options        []string  `json:"options,omitempty"`

	test *catalog.Test
	rng  *catalog.NormalRange
}

// TemplateItem is one ordered item. Standalone tests carry their leaf
// fields inline; panels list theirs under Analytes.
type TemplateItem struct {
	*Leaf
	RequestItemID uuid.UUID `json:"request_item_id"`
	Name          string    `json:"name"`
	IsPanel       bool      `json:"is_panel"`
	Status        string    `json:"status"`
	Badge         string    `json:"badge"`
	Version       int       `json:"version"`
	Analytes      []*Leaf   `json:"analytes,omitempty"`
}

// Leaves returns the enterable values of the item.
func (ti *TemplateItem) Leaves() []*Leaf {
	if ti.IsPanel {
		return ti.Analytes
	}
	if ti.Leaf == nil {
		return nil
	}
	return []*Leaf{ti.Leaf}
}

func (ti *TemplateItem) leaf(testID *uuid.UUID) *Leaf {
	for _, l := range ti.Leaves() {
		if testID == nil || l.TestID == *testID {
			return l
		}
	}
	return nil
}

type ResultTemplate struct {
	RequestID   uuid.UUID       `json:"request_id"`
	PatientName string          `json:"patient_name"`
	Gender      string          `json:"gender,omitempty"`
	Age         *int            `json:"age,omitempty"`
	Items       []*TemplateItem `json:"items"`
}

func (rt *ResultTemplate) item(id uuid.UUID) *TemplateItem {
	for _, ti := range rt.Items {
		if ti.RequestItemID == id {
			return ti
		}
	}
	return nil
}

// ResultTemplate builds the entry sheet for a request with ranges resolved
// for the patient and prior values filled in. Non-admin staff only see the
// items of their own department.
func (s *Service) ResultTemplate(ctx context.Context, requestID uuid.UUID) (*ResultTemplate, error) {
	info, err := s.repo.RequestInfo(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if len(info.Items) > 0 {
		visible := info.Items[:0:0]
		for _, it := range info.Items {
			if s.checkDepartment(ctx, it) == nil {
				visible = append(visible, it)
			}
		}
		if len(visible) == 0 {
			return nil, apperror.Forbidden("request has no items in your department")
		}
		scoped := *info
		scoped.Items = visible
		info = &scoped
	}
	return s.buildTemplate(ctx, info)
}

func (s *Service) buildTemplate(ctx context.Context, info *RequestInfo) (*ResultTemplate, error) {
	rt := &ResultTemplate{
		RequestID:   info.RequestID,
		PatientName: info.PatientName,
		Gender:      info.Gender,
		Age:         info.AgeAtOrder(),
		Items:       []*TemplateItem{},
	}
	if len(info.Items) == 0 {
		return rt, nil
	}

	var testIDs, itemIDs []uuid.UUID
	for _, it := range info.Items {
		itemIDs = append(itemIDs, it.ID)
		ti := &TemplateItem{
			RequestItemID: it.ID,
			Name:          it.Name,
			IsPanel:       it.IsPanel(),
			Status:        it.Status,
			Badge:         labrequest.Badge(it.Status, it.ForReview, it.ReopenCount),
			Version:       it.Version,
		}
		switch {
		case it.IsPanel():
			panel, err := s.catalog.GetPanel(ctx, *it.PanelID)
			if err != nil {
				return nil, err
			}
			for _, t := range panel.Tests {
				ti.Analytes = append(ti.Analytes, newLeaf(it.ID, t))
				testIDs = append(testIDs, t.ID)
			}
		case it.TestID != nil:
			t, err := s.catalog.GetTest(ctx, *it.TestID)
			if err != nil {
				return nil, err
			}
			ti.Leaf = newLeaf(it.ID, t)
			testIDs = append(testIDs, t.ID)
		}
		rt.Items = append(rt.Items, ti)
	}

	ranges, err := s.catalog.RangesForTests(ctx, testIDs)
	if err != nil {
		return nil, err
	}
	results, err := s.repo.Results(ctx, itemIDs)
	if err != nil {
		return nil, err
	}
	prior := make(map[[2]uuid.UUID]*Result, len(results))
	for _, r := range results {
		prior[[2]uuid.UUID{r.RequestItemID, r.TestID}] = r
	}

	for i, ti := range rt.Items {
		panelID := info.Items[i].PanelID
		for _, l := range ti.Leaves() {
			l.rng = ResolveRange(ranges, l.TestID, panelID, info.Gender, rt.Age)
			if l.rng != nil {
				l.ReferenceRange = l.rng.Render(l.test.UnitSymbol)
				if l.rng.Unit != "" {
					l.Unit = l.rng.Unit
				}
			}
			if r, ok := prior[[2]uuid.UUID{l.RequestItemID, l.TestID}]; ok {
				l.Value, l.Flag = r.Value, r.Flag
			}
		}
	}
	return rt, nil
}

func newLeaf(itemID uuid.UUID, t *catalog.Test) *Leaf {
	l := &Leaf{
		RequestItemID: itemID,
		TestID:        t.ID,
		Name:          t.Name,
		Unit:          t.UnitSymbol,
		Type:          t.TestType,
		test:          t,
	}
	if l.Type == "" {
		l.Type = catalog.TypeQuantitative
	}
	if l.Type == catalog.TypeQualitative {
		l.Options = QualitativeOptions(t)
	}
	return l
}

// QualitativeOptions returns the catalog's options for t, then the fallback
// set for its name, then DefaultOptions.
func QualitativeOptions(t *catalog.Test) []string {
	if opts := t.Options(); len(opts) > 0 {
		return opts
	}
	if opts, ok := FallbackOptions[strings.ToLower(strings.TrimSpace(t.Name))]; ok {
		return append([]string(nil), opts...)
	}
	return append([]string(nil), DefaultOptions...)
}

// ResolveRange picks the reference range for one analyte. Panel overrides
// are tried first. Within a candidate set an exact gender match beats Any
// and the narrowest containing age band wins; ties keep catalog order. An
// unknown age does not filter on bands but prefers unbanded rows.
func ResolveRange(ranges []*catalog.NormalRange, testID uuid.UUID, panelID *uuid.UUID, gender string, age *int) *catalog.NormalRange {
	if panelID != nil {
		if r := bestRange(ranges, testID, panelID, gender, age); r != nil {
			return r
		}
	}
	return bestRange(ranges, testID, nil, gender, age)
}

func bestRange(ranges []*catalog.NormalRange, testID uuid.UUID, panelID *uuid.UUID, gender string, age *int) *catalog.NormalRange {
	var best *catalog.NormalRange
	bestRank, bestWidth := 0, 0
	for _, r := range ranges {
		if r.TestID != testID || !samePanel(r.PanelID, panelID) || !bandContains(r, age) {
			continue
		}
		rank := genderRank(r.Gender, gender)
		if rank == 0 {
			continue
		}
		width := bandWidth(r, age)
		if best == nil || rank > bestRank || (rank == bestRank && width < bestWidth) {
			best, bestRank, bestWidth = r, rank, width
		}
	}
	return best
}

func samePanel(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func genderRank(rangeGender, patientGender string) int {
	switch {
	case rangeGender == "" || strings.EqualFold(rangeGender, catalog.GenderAny):
		return 1
	case patientGender != "" && strings.EqualFold(rangeGender, patientGender):
		return 2
	}
	return 0
}

func bandContains(r *catalog.NormalRange, age *int) bool {
	if age == nil {
		return true
	}
	if r.MinAge != nil && *age < *r.MinAge {
		return false
	}
	if r.MaxAge != nil && *age > *r.MaxAge {
		return false
	}
	return true
}

func bandWidth(r *catalog.NormalRange, age *int) int {
	if age == nil {
		if r.MinAge == nil && r.MaxAge == nil {
			return 0
		}
		return 1
	}
	lo, hi := 0, math.MaxInt32
	if r.MinAge != nil {
		lo = *r.MinAge
	}
	if r.MaxAge != nil {
		hi = *r.MaxAge
	}
	return hi - lo
}
