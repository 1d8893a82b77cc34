package pathology

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
)

type mockRequest struct {
	info    RequestInfo
	labID   string
	itemIDs []uuid.UUID
}

type mockRepo struct {
	requests map[uuid.UUID]*mockRequest
	items    map[uuid.UUID]*labrequest.Item
	results  map[[2]uuid.UUID]*Result
	history  []*labrequest.HistoryEntry
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		requests: make(map[uuid.UUID]*mockRequest),
		items:    make(map[uuid.UUID]*labrequest.Item),
		results:  make(map[[2]uuid.UUID]*Result),
	}
}

func (m *mockRepo) matches(it *labrequest.Item, f WorklistFilter, withStatus bool) bool {
	req := m.requests[it.RequestID]
	switch {
	case withStatus && f.Status != "" && it.Status != f.Status:
		return false
	case f.RestrictDepartment != "" && !strings.EqualFold(it.DepartmentName, f.RestrictDepartment):
		return false
	case f.Department != "" && !strings.Contains(strings.ToLower(it.DepartmentName), strings.ToLower(f.Department)):
		return false
	case f.ForReview != nil && it.ForReview != *f.ForReview:
		return false
	case f.Search != "" &&
		!strings.Contains(strings.ToLower(req.info.PatientName), strings.ToLower(f.Search)) &&
		!strings.Contains(strings.ToLower(req.labID), strings.ToLower(f.Search)):
		return false
	}
	return true
}

func (m *mockRepo) Worklist(_ context.Context, f WorklistFilter) ([]*WorklistItem, int, error) {
	var out []*WorklistItem
	for _, it := range m.items {
		if !m.matches(it, f, true) {
			continue
		}
		req := m.requests[it.RequestID]
		out = append(out, &WorklistItem{
			ItemID: it.ID, RequestID: it.RequestID, PatientName: req.info.PatientName, LabID: req.labID,
			TestName: it.Name, IsPanel: it.IsPanel(), DepartmentName: it.DepartmentName, Status: it.Status,
			ForReview: it.ForReview, ReopenCount: it.ReopenCount, Version: it.Version,
			DateOrdered: req.info.OrderedAt, UpdatedAt: it.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestName < out[j].TestName })
	total := len(out)
	if f.Offset < len(out) {
		out = out[f.Offset:]
	} else {
		out = nil
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *mockRepo) StatusCounts(_ context.Context, f WorklistFilter) (map[string]int, error) {
	counts := make(map[string]int)
	for _, it := range m.items {
		if m.matches(it, f, false) {
			counts[it.Status]++
		}
	}
	return counts, nil
}

func (m *mockRepo) RequestInfo(_ context.Context, requestID uuid.UUID) (*RequestInfo, error) {
	req, ok := m.requests[requestID]
	if !ok {
		return nil, apperror.NotFound("test request", requestID.String())
	}
	info := req.info
	info.Items = nil
	for _, id := range req.itemIDs {
		c := *m.items[id]
		info.Items = append(info.Items, &c)
	}
	return &info, nil
}

func (m *mockRepo) GetItem(_ context.Context, itemID uuid.UUID) (*labrequest.Item, error) {
	it, ok := m.items[itemID]
	if !ok {
		return nil, apperror.NotFound("request item", itemID.String())
	}
	c := *it
	return &c, nil
}

func (m *mockRepo) UpdateItem(_ context.Context, u ItemUpdate) (int, error) {
	it, ok := m.items[u.ID]
	if !ok {
		return 0, apperror.NotFound("request item", u.ID.String())
	}
	if it.Status != u.FromStatus || it.Version != u.Version {
		return 0, apperror.Conflict("request item was modified concurrently").WithCode("VERSION_CONFLICT")
	}
	it.Status = u.ToStatus
	if u.ForReview != nil {
		it.ForReview = *u.ForReview
	}
	if u.Reopened {
		it.ReopenCount++
	}
	it.Version++
	it.UpdatedAt = time.Now()
	return it.Version, nil
}

func (m *mockRepo) Results(_ context.Context, itemIDs []uuid.UUID) ([]*Result, error) {
	want := make(map[uuid.UUID]bool, len(itemIDs))
	for _, id := range itemIDs {
		want[id] = true
	}
	var out []*Result
	for _, r := range m.results {
		if want[r.RequestItemID] {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockRepo) UpsertResult(_ context.Context, r *Result) error {
	c := *r
	m.results[[2]uuid.UUID{r.RequestItemID, r.TestID}] = &c
	return nil
}

func (m *mockRepo) AddHistory(_ context.Context, h *labrequest.HistoryEntry) error {
	h.ID, h.At = uuid.New(), time.Now()
	m.history = append(m.history, h)
	return nil
}

// rollbackTx restores the mock's state when fn fails, so tests can observe
// atomicity.
type rollbackTx struct{ repo *mockRepo }

func (tx rollbackTx) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	items := make(map[uuid.UUID]labrequest.Item, len(tx.repo.items))
	for id, it := range tx.repo.items {
		items[id] = *it
	}
	results := make(map[[2]uuid.UUID]*Result, len(tx.repo.results))
	for k, v := range tx.repo.results {
		results[k] = v
	}
	history := len(tx.repo.history)

	if err := fn(ctx); err != nil {
		for id, it := range items {
			c := it
			tx.repo.items[id] = &c
		}
		tx.repo.results = results
		tx.repo.history = tx.repo.history[:history]
		return err
	}
	return nil
}

type fakeCatalog struct {
	tests  map[uuid.UUID]*catalog.Test
	panels map[uuid.UUID]*catalog.Panel
	ranges []*catalog.NormalRange
}

func (f *fakeCatalog) GetTest(_ context.Context, id uuid.UUID) (*catalog.Test, error) {
	t, ok := f.tests[id]
	if !ok {
		return nil, apperror.NotFound("test", id.String())
	}
	return t, nil
}

func (f *fakeCatalog) GetPanel(_ context.Context, id uuid.UUID) (*catalog.Panel, error) {
	p, ok := f.panels[id]
	if !ok {
		return nil, apperror.NotFound("panel", id.String())
	}
	return p, nil
}

func (f *fakeCatalog) RangesForTests(_ context.Context, ids []uuid.UUID) ([]*catalog.NormalRange, error) {
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []*catalog.NormalRange
	for _, r := range f.ranges {
		if want[r.TestID] {
			out = append(out, r)
		}
	}
	return out, nil
}

type event struct {
	topic, eventType string
}

type capturePublisher struct{ events []event }

func (p *capturePublisher) Publish(_ context.Context, topic, eventType string, _ any) error {
	p.events = append(p.events, event{topic, eventType})
	return nil
}

func dec(s string) *catalog.Decimal {
	d := catalog.Decimal(s)
	return &d
}

func intp(v int) *int { return &v }

// fixture is one female patient with a CBC panel and a urine nitrite in
// Hematology and an HBsAg in Serology, all with samples collected.
type fixture struct {
	svc       *Service
	repo      *mockRepo
	cat       *fakeCatalog
	events    *capturePublisher
	requestID uuid.UUID
	hb, wbc   *catalog.Test
	nitrite   *catalog.Test
	hbsag     *catalog.Test
	cbc       *catalog.Panel
	cbcItem   uuid.UUID
	nitItem   uuid.UUID
	hbsagItem uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{repo: newMockRepo(), events: &capturePublisher{}}

	f.hb = &catalog.Test{ID: uuid.New(), Name: "Hemoglobin", TestType: catalog.TypeQuantitative, UnitSymbol: "g/dL"}
	f.wbc = &catalog.Test{ID: uuid.New(), Name: "WBC", TestType: catalog.TypeQuantitative, UnitSymbol: "10^9/L"}
	f.nitrite = &catalog.Test{ID: uuid.New(), Name: "Nitrite", TestType: catalog.TypeQualitative}
	f.hbsag = &catalog.Test{ID: uuid.New(), Name: "HBsAg", TestType: catalog.TypeQualitative}
	f.cbc = &catalog.Panel{ID: uuid.New(), Name: "CBC", Tests: []*catalog.Test{f.hb, f.wbc}}

	f.cat = &fakeCatalog{
		tests:  map[uuid.UUID]*catalog.Test{f.hb.ID: f.hb, f.wbc.ID: f.wbc, f.nitrite.ID: f.nitrite, f.hbsag.ID: f.hbsag},
		panels: map[uuid.UUID]*catalog.Panel{f.cbc.ID: f.cbc},
		ranges: []*catalog.NormalRange{
			{ID: uuid.New(), TestID: f.hb.ID, RangeType: catalog.RangeNumeric, Gender: catalog.GenderAny,
				MinValue: dec("11"), MaxValue: dec("16")},
			{ID: uuid.New(), TestID: f.hb.ID, RangeType: catalog.RangeNumeric, Gender: catalog.GenderFemale,
				MinValue: dec("12"), MaxValue: dec("15")},
			{ID: uuid.New(), TestID: f.hb.ID, RangeType: catalog.RangeNumeric, Gender: catalog.GenderMale,
				MinValue: dec("13"), MaxValue: dec("17")},
			{ID: uuid.New(), TestID: f.wbc.ID, RangeType: catalog.RangeNumeric, Gender: catalog.GenderAny,
				MinValue: dec("4"), MaxValue: dec("11")},
			{ID: uuid.New(), TestID: f.nitrite.ID, RangeType: catalog.RangeQualitative, Gender: catalog.GenderAny,
				QualitativeValue: "Negative"},
		},
	}

	f.requestID = uuid.New()
	dob := time.Date(1990, 5, 10, 0, 0, 0, 0, time.UTC)
	req := &mockRequest{
		info: RequestInfo{
			RequestID:   f.requestID,
			PatientName: "Jane Doe",
			Gender:      "Female",
			DateOfBirth: &dob,
			OrderedAt:   time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
		},
		labID: "LAB-20260309-0001",
	}
	f.repo.requests[f.requestID] = req

	add := func(name, dept string, testID, panelID *uuid.UUID) uuid.UUID {
		it := &labrequest.Item{
			ID: uuid.New(), RequestID: f.requestID, TestID: testID, PanelID: panelID, Name: name,
			DepartmentName: dept, Status: labrequest.ItemSampleCollected, Version: 2, UpdatedAt: time.Now(),
		}
		f.repo.items[it.ID] = it
		req.itemIDs = append(req.itemIDs, it.ID)
		return it.ID
	}
	f.cbcItem = add("CBC", "Hematology", nil, &f.cbc.ID)
	f.nitItem = add("Nitrite", "Hematology", &f.nitrite.ID, nil)
	f.hbsagItem = add("HBsAg", "Serology", &f.hbsag.ID, nil)

	f.svc = NewService(f.repo, f.cat, rollbackTx{f.repo}, auth.DefaultPolicy(), f.events, zerolog.Nop())
	f.svc.now = func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }
	return f
}

func as(role, dept string) context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{UserID: "u-" + role, Roles: []string{role}, Department: dept})
}
