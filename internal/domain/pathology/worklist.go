package pathology

import (
	"context"
	"fmt"
	"strings"

	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
)

var sortColumns = map[string]string{
	SortUpdatedAt:   "i.updated_at",
	SortDateOrdered: "r.ordered_at",
	SortPatientName: "lower(p.full_name)",
	SortTestName:    "lower(i.name)",
}

const worklistFrom = `
	FROM test_request_items i
	JOIN test_requests r ON r.id = i.request_id
	JOIN patients p ON p.id = r.patient_id`

// worklistWhere builds the shared WHERE clause. Status is applied only when
// withStatus is set so counts can group over the same rows.
func worklistWhere(f WorklistFilter, withStatus bool) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "$?", fmt.Sprintf("$%d", len(args))))
	}

	if withStatus && f.Status != "" {
		add("i.status = $?", f.Status)
	}
	if f.RestrictDepartment != "" {
		add("lower(i.department_name) = lower($?)", f.RestrictDepartment)
	}
	if f.Department != "" {
		add("i.department_name ILIKE $?", "%"+f.Department+"%")
	}
	if f.From != nil {
		add("r.ordered_at::date >= $?::date", f.From.Format("2006-01-02"))
	}
	if f.To != nil {
		add("r.ordered_at::date <= $?::date", f.To.Format("2006-01-02"))
	}
	if f.Search != "" {
		add("(p.full_name ILIKE $? OR p.lab_id ILIKE $?)", "%"+f.Search+"%")
	}
	if f.ForReview != nil {
		add("i.for_review = $?", *f.ForReview)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func worklistOrder(f WorklistFilter) string {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = sortColumns[SortUpdatedAt]
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, i.id %s", col, dir, dir)
}

// normalizeFilter validates user input and applies the caller's department
// restriction. Callers holding the wildcard grant see every department.
func (s *Service) normalizeFilter(ctx context.Context, f WorklistFilter) (WorklistFilter, error) {
	if f.Status != "" {
		f.Status = labrequest.NormalizeStatus(f.Status)
		if !labrequest.IsItemStatus(f.Status) {
			return f, apperror.Validation("unknown status %q", f.Status)
		}
	}
	if f.SortBy != "" {
		if _, ok := sortColumns[f.SortBy]; !ok {
			return f, apperror.Validation("sortBy must be one of updated_at, date_ordered, patient_name, test_name")
		}
	}
	if f.Order != "" && !strings.EqualFold(f.Order, "asc") && !strings.EqualFold(f.Order, "desc") {
		return f, apperror.Validation("order must be asc or desc")
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, apperror.Validation("from must not be after to")
	}
	f.Department = strings.TrimSpace(f.Department)
	f.Search = strings.TrimSpace(f.Search)

	if !s.policy.IsSuperAdmin(auth.RolesFromContext(ctx)) {
		dept := auth.DepartmentFromContext(ctx)
		if dept == "" {
			return f, apperror.Forbidden("no department assigned to this account")
		}
		f.RestrictDepartment = dept
	}
	return f, nil
}

// Worklist returns one page of request items.
func (s *Service) Worklist(ctx context.Context, f WorklistFilter) ([]*WorklistItem, int, error) {
	f, err := s.normalizeFilter(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	items, total, err := s.repo.Worklist(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	for _, it := range items {
		it.Badge = labrequest.Badge(it.Status, it.ForReview, it.ReopenCount)
	}
	return items, total, nil
}

// StatusCounts counts items per stored status over the worklist's rows. The
// status filter is ignored; every status has an entry.
func (s *Service) StatusCounts(ctx context.Context, f WorklistFilter) (map[string]int, error) {
	f, err := s.normalizeFilter(ctx, f)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.StatusCounts(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for _, st := range labrequest.ItemStatuses() {
		out[st] = counts[st]
	}
	return out, nil
}
