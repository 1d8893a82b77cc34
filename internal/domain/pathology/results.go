package pathology

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/versioning"
)

// Evaluate validates raw against the leaf and returns the value to store
// and its flag. Out-of-range numbers are flagged, never rejected.
func Evaluate(l *Leaf, raw string) (value, flag string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", apperror.Validation("a value is required for %s", l.Name)
	}

	if l.Type == catalog.TypeQualitative {
		value = matchOption(l.Options, raw)
		if value == "" {
			return "", "", apperror.Validation("%q is not a valid result for %s; expected one of %s",
				raw, l.Name, strings.Join(l.Options, ", "))
		}
		if l.rng != nil && l.rng.RangeType == catalog.RangeQualitative &&
			matchOption(catalog.SplitOptions(l.rng.QualitativeValue), value) == "" {
			flag = FlagAbnormal
		}
		return value, flag, nil
	}

	d, err := catalog.ParseDecimal(raw)
	if err != nil {
		return "", "", apperror.Validation("%s requires a numeric value, got %q", l.Name, raw)
	}
	return d.String(), numericFlag(l.rng, d), nil
}

func matchOption(options []string, v string) string {
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return o
		}
	}
	return ""
}

func numericFlag(r *catalog.NormalRange, v catalog.Decimal) string {
	if r == nil {
		return ""
	}
	switch r.RangeType {
	case catalog.RangeNumeric:
		if r.MinValue != nil && v.Cmp(*r.MinValue) < 0 {
			return FlagLow
		}
		if r.MaxValue != nil && v.Cmp(*r.MaxValue) > 0 {
			return FlagHigh
		}
	case catalog.RangeSymbol:
		c := v.Cmp(*r.SymbolValue)
		switch r.Symbol {
		case "<":
			if c >= 0 {
				return FlagHigh
			}
		case "<=":
			if c > 0 {
				return FlagHigh
			}
		case ">":
			if c <= 0 {
				return FlagLow
			}
		case ">=":
			if c < 0 {
				return FlagLow
			}
		case "=":
			if c > 0 {
				return FlagHigh
			}
			if c < 0 {
				return FlagLow
			}
		}
	}
	return ""
}

// writable rejects result entry into items that are not at the bench.
func writable(it *labrequest.Item) error {
	switch it.Status {
	case labrequest.ItemReleased:
		return labrequest.ErrAlreadyReleased
	case labrequest.ItemVerified:
		return apperror.Conflict("%s is verified; reopen it before changing results", it.Name).WithCode("ITEM_LOCKED")
	case labrequest.ItemSamplePending:
		return apperror.Conflict("sample for %s has not been collected", it.Name).WithCode("SAMPLE_PENDING")
	}
	return nil
}

func pickLeaf(ti *TemplateItem, testID *uuid.UUID) (*Leaf, error) {
	if ti.IsPanel && testID == nil {
		return nil, apperror.Validation("test_id is required for panel %s", ti.Name)
	}
	l := ti.leaf(testID)
	if l == nil {
		if testID == nil {
			return nil, apperror.Validation("%s has no analyte to record", ti.Name)
		}
		return nil, apperror.Validation("test %s is not part of %s", testID, ti.Name)
	}
	return l, nil
}

// SubmitResult stores one leaf value. An item whose sample was collected is
// adopted first.
func (s *Service) SubmitResult(ctx context.Context, itemID uuid.UUID, v SubmitValue, expected *int) (*SubmitOutcome, error) {
	it, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.checkDepartment(ctx, it); err != nil {
		return nil, err
	}
	if err := versioning.Check("request item", expected, it.Version); err != nil {
		return nil, err
	}
	if err := writable(it); err != nil {
		return nil, err
	}

	info, err := s.repo.RequestInfo(ctx, it.RequestID)
	if err != nil {
		return nil, err
	}
	rt, err := s.buildTemplate(ctx, info)
	if err != nil {
		return nil, err
	}
	ti := rt.item(itemID)
	if ti == nil {
		return nil, apperror.NotFound("request item", itemID.String())
	}
	leaf, err := pickLeaf(ti, v.TestID)
	if err != nil {
		return nil, err
	}
	value, flag, err := Evaluate(leaf, v.Value)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RequestItemID: itemID,
		TestID:        leaf.TestID,
		Value:         value,
		Flag:          flag,
		EnteredBy:     auth.UserIDFromContext(ctx),
		EnteredAt:     s.now(),
	}
	from, to := it.Status, it.Status
	if from == labrequest.ItemSampleCollected {
		to = labrequest.ItemInProgress
	}

	var version int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		version, err = s.repo.UpdateItem(ctx, ItemUpdate{ID: itemID, FromStatus: from, ToStatus: to, Version: it.Version})
		if err != nil {
			return err
		}
		if to != from {
			if err := s.history(ctx, it, from, to, labrequest.ActionAdopt); err != nil {
				return err
			}
		}
		return s.repo.UpsertResult(ctx, res)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordResult(flag)
	if to != from {
		metrics.RecordTransition(labrequest.ScopeItem, from, to)
		s.statusUpdated(ctx, it, to)
	}
	s.logger.Debug().Str("request_item_id", itemID.String()).Str("test_id", leaf.TestID.String()).
		Str("flag", flag).Msg("result recorded")
	return &SubmitOutcome{Result: res, Status: to, Version: version}, nil
}

type pendingItem struct {
	item    *labrequest.Item
	tmpl    *TemplateItem
	results []*Result
}

// SubmitTemplate applies a whole entry sheet in one transaction. Every value
// is validated before anything is written. With Complete set, items whose
// leaves all hold a value move to completed; the rest are reported.
func (s *Service) SubmitTemplate(ctx context.Context, requestID uuid.UUID, sub BatchSubmission) (*BatchOutcome, error) {
	if len(sub.Results) == 0 && !sub.Complete {
		return nil, apperror.Validation("results must not be empty")
	}
	info, err := s.repo.RequestInfo(ctx, requestID)
	if err != nil {
		return nil, err
	}
	rt, err := s.buildTemplate(ctx, info)
	if err != nil {
		return nil, err
	}
	items := make(map[uuid.UUID]*labrequest.Item, len(info.Items))
	for _, it := range info.Items {
		items[it.ID] = it
	}

	user := auth.UserIDFromContext(ctx)
	pending := make(map[uuid.UUID]*pendingItem)
	var order []uuid.UUID
	touch := func(id uuid.UUID) (*pendingItem, error) {
		if p, ok := pending[id]; ok {
			return p, nil
		}
		it, ok := items[id]
		if !ok {
			return nil, apperror.Validation("request item %s is not part of request %s", id, requestID)
		}
		if err := s.checkDepartment(ctx, it); err != nil {
			return nil, err
		}
		if err := writable(it); err != nil {
			return nil, err
		}
		p := &pendingItem{item: it, tmpl: rt.item(id)}
		pending[id] = p
		order = append(order, id)
		return p, nil
	}

	for i, bv := range sub.Results {
		p, err := touch(bv.RequestItemID)
		if err != nil {
			return nil, err
		}
		leaf, err := pickLeaf(p.tmpl, bv.TestID)
		if err != nil {
			return nil, err
		}
		value, flag, err := Evaluate(leaf, bv.Value)
		if err != nil {
			return nil, fmt.Errorf("results[%d]: %w", i, err)
		}
		leaf.Value, leaf.Flag = value, flag
		p.results = append(p.results, &Result{
			RequestItemID: bv.RequestItemID,
			TestID:        leaf.TestID,
			Value:         value,
			Flag:          flag,
			EnteredBy:     user,
			EnteredAt:     s.now(),
		})
	}
	if sub.Complete && len(sub.Results) == 0 {
		for _, ti := range rt.Items {
			if ti.Status == labrequest.ItemInProgress || ti.Status == labrequest.ItemSampleCollected {
				if _, err := touch(ti.RequestItemID); err != nil {
					return nil, err
				}
			}
		}
	}

	out := &BatchOutcome{Results: []*Result{}, Completed: []uuid.UUID{}, Incomplete: []uuid.UUID{}}
	type change struct {
		item     *labrequest.Item
		from, to string
	}
	var changes []change

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, id := range order {
			p := pending[id]
			from, to := p.item.Status, p.item.Status
			if to == labrequest.ItemSampleCollected {
				to = labrequest.ItemInProgress
				if err := s.history(ctx, p.item, from, to, labrequest.ActionAdopt); err != nil {
					return err
				}
				changes = append(changes, change{p.item, from, to})
			}
			if sub.Complete && to == labrequest.ItemInProgress {
				if missing(p.tmpl) == nil {
					if err := s.history(ctx, p.item, to, labrequest.ItemCompleted, labrequest.ActionComplete); err != nil {
						return err
					}
					changes = append(changes, change{p.item, to, labrequest.ItemCompleted})
					to = labrequest.ItemCompleted
					out.Completed = append(out.Completed, id)
				} else {
					out.Incomplete = append(out.Incomplete, id)
				}
			}
			if _, err := s.repo.UpdateItem(ctx, ItemUpdate{ID: id, FromStatus: from, ToStatus: to, Version: p.item.Version}); err != nil {
				return err
			}
			for _, r := range p.results {
				if err := s.repo.UpsertResult(ctx, r); err != nil {
					return err
				}
			}
			out.Results = append(out.Results, p.results...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range out.Results {
		metrics.RecordResult(r.Flag)
	}
	for _, c := range changes {
		metrics.RecordTransition(labrequest.ScopeItem, c.from, c.to)
		s.statusUpdated(ctx, c.item, c.to)
	}
	s.logger.Info().Str("request_id", requestID.String()).Int("results", len(out.Results)).
		Int("completed", len(out.Completed)).Msg("result sheet submitted")
	return out, nil
}

// missing lists the leaves of ti without a value.
func missing(ti *TemplateItem) []string {
	var names []string
	for _, l := range ti.Leaves() {
		if l.Value == "" {
			names = append(names, l.Name)
		}
	}
	return names
}
