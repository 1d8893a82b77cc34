package pathology

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/websocket"
)

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestSubmitResult_AdoptsCollectedItem(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleLabTechnician, "hematology")

	out, err := f.svc.SubmitResult(ctx, f.cbcItem, SubmitValue{TestID: &f.hb.ID, Value: "16.2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemInProgress, out.Status)
	assert.Equal(t, 3, out.Version)
	assert.Equal(t, FlagHigh, out.Result.Flag)
	assert.Equal(t, "u-lab_technician", out.Result.EnteredBy)

	require.Len(t, f.repo.history, 1)
	assert.Equal(t, labrequest.ActionAdopt, f.repo.history[0].Reason)
	assert.Equal(t, labrequest.ItemSampleCollected, f.repo.history[0].From)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, event{websocket.DepartmentTopic("Hematology"), websocket.EventTestStatusUpdated}, f.events.events[0])

	out, err = f.svc.SubmitResult(ctx, f.cbcItem, SubmitValue{TestID: &f.hb.ID, Value: "13"}, nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemInProgress, out.Status)
	assert.Equal(t, 4, out.Version)
	assert.Equal(t, "", f.repo.results[[2]uuid.UUID{f.cbcItem, f.hb.ID}].Flag)
	assert.Len(t, f.repo.history, 1)
}

func TestSubmitResult_Validation(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleLabTechnician, "Hematology")

	_, err := f.svc.SubmitResult(ctx, f.cbcItem, SubmitValue{Value: "13"}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation, "panel needs test_id")

	stranger := uuid.New()
	_, err = f.svc.SubmitResult(ctx, f.cbcItem, SubmitValue{TestID: &stranger, Value: "13"}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Maybe"}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.SubmitResult(ctx, f.cbcItem, SubmitValue{TestID: &f.wbc.ID, Value: "lots"}, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	assert.Empty(t, f.repo.results)
	assert.Equal(t, labrequest.ItemSampleCollected, f.repo.items[f.cbcItem].Status)
}

func TestSubmitResult_LockedStates(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleAdmin, "")

	f.repo.items[f.nitItem].Status = labrequest.ItemVerified
	_, err := f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, nil)
	assert.Equal(t, "ITEM_LOCKED", codeOf(t, err))

	f.repo.items[f.nitItem].Status = labrequest.ItemReleased
	_, err = f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, nil)
	assert.ErrorIs(t, err, labrequest.ErrAlreadyReleased)

	f.repo.items[f.nitItem].Status = labrequest.ItemSamplePending
	_, err = f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, nil)
	assert.Equal(t, "SAMPLE_PENDING", codeOf(t, err))
}

func TestSubmitResult_StaleIfMatch(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleLabTechnician, "Hematology")

	_, err := f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, intp(1))
	assert.Equal(t, "VERSION_CONFLICT", codeOf(t, err))

	out, err := f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, intp(2))
	require.NoError(t, err)
	assert.Equal(t, 3, out.Version)
}

func TestSubmitResult_OtherDepartmentForbidden(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SubmitResult(as(auth.RoleLabTechnician, "Serology"), f.cbcItem,
		SubmitValue{TestID: &f.hb.ID, Value: "13"}, nil)
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestVerify_RequiresEveryResult(t *testing.T) {
	f := newFixture()
	path := as(auth.RolePathologist, "Hematology")
	f.repo.items[f.cbcItem].Status = labrequest.ItemCompleted
	f.repo.results[[2]uuid.UUID{f.cbcItem, f.hb.ID}] = &Result{RequestItemID: f.cbcItem, TestID: f.hb.ID, Value: "13"}

	_, err := f.svc.Transition(path, f.cbcItem, "verify", nil)
	assert.Equal(t, "RESULTS_INCOMPLETE", codeOf(t, err))
	assert.Contains(t, err.Error(), "WBC")
	assert.Equal(t, labrequest.ItemCompleted, f.repo.items[f.cbcItem].Status)

	f.repo.results[[2]uuid.UUID{f.cbcItem, f.wbc.ID}] = &Result{RequestItemID: f.cbcItem, TestID: f.wbc.ID, Value: "7"}
	out, err := f.svc.Transition(path, f.cbcItem, "verify", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemVerified, out.Status)
}

func TestLifecycle_CompleteVerifyRelease(t *testing.T) {
	f := newFixture()
	tech := as(auth.RoleLabTechnician, "Hematology")
	path := as(auth.RolePathologist, "Hematology")

	_, err := f.svc.SubmitResult(tech, f.cbcItem, SubmitValue{TestID: &f.hb.ID, Value: "13"}, nil)
	require.NoError(t, err)

	_, err = f.svc.Transition(tech, f.cbcItem, "complete", nil)
	assert.Equal(t, "RESULTS_INCOMPLETE", codeOf(t, err))
	assert.Contains(t, err.Error(), "WBC")

	_, err = f.svc.SubmitResult(tech, f.cbcItem, SubmitValue{TestID: &f.wbc.ID, Value: "7.5"}, nil)
	require.NoError(t, err)

	out, err := f.svc.Transition(tech, f.cbcItem, "complete", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemCompleted, out.Status)

	_, err = f.svc.Transition(tech, f.cbcItem, "verify", nil)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	out, err = f.svc.Transition(path, f.cbcItem, "verify", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemVerified, out.Status)

	out, err = f.svc.Transition(path, f.cbcItem, "release", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemReleased, out.Status)
	assert.Equal(t, labrequest.ItemReleased, out.Badge)

	_, err = f.svc.Transition(path, f.cbcItem, "release", nil)
	assert.ErrorIs(t, err, labrequest.ErrAlreadyReleased)
	_, err = f.svc.Transition(path, f.cbcItem, "reopen", nil)
	assert.ErrorIs(t, err, labrequest.ErrAlreadyReleased)

	var trail []string
	for _, h := range f.repo.history {
		trail = append(trail, h.Reason)
	}
	assert.Equal(t, []string{"adopt", "complete", "verify", "release"}, trail)
}

func TestTransition_ReviewAndReopenBadges(t *testing.T) {
	f := newFixture()
	path := as(auth.RolePathologist, "Hematology")
	f.repo.items[f.nitItem].Status = labrequest.ItemVerified

	out, err := f.svc.Transition(path, f.nitItem, "review", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemVerified, out.Status)
	assert.True(t, out.ForReview)
	assert.Equal(t, labrequest.BadgeUnderReview, out.Badge)

	out, err = f.svc.Transition(path, f.nitItem, "review", nil)
	require.NoError(t, err)
	assert.False(t, out.ForReview)

	out, err = f.svc.Transition(path, f.nitItem, "reopen", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemInProgress, out.Status)
	assert.Equal(t, labrequest.BadgeReopened, out.Badge)
	assert.Equal(t, 1, f.repo.items[f.nitItem].ReopenCount)
}

func TestTransition_InvalidAndUnknown(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleAdmin, "")

	_, err := f.svc.Transition(ctx, f.nitItem, "verify", nil)
	assert.Equal(t, "INVALID_TRANSITION", codeOf(t, err))

	_, err = f.svc.Transition(ctx, f.nitItem, "teleport", nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.Transition(ctx, uuid.New(), "adopt", nil)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	out, err := f.svc.Transition(ctx, f.nitItem, "ADOPT", nil)
	require.NoError(t, err)
	assert.Equal(t, labrequest.ItemInProgress, out.Status)
}

func TestSubmitTemplate_AtomicAndComplete(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleLabTechnician, "Hematology")

	_, err := f.svc.SubmitTemplate(ctx, f.requestID, BatchSubmission{
		Results: []BatchValue{
			{RequestItemID: f.cbcItem, TestID: &f.hb.ID, Value: "13"},
			{RequestItemID: f.nitItem, Value: "Maybe"},
		},
		Complete: true,
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Empty(t, f.repo.results)
	assert.Empty(t, f.repo.history)

	out, err := f.svc.SubmitTemplate(ctx, f.requestID, BatchSubmission{
		Results: []BatchValue{
			{RequestItemID: f.cbcItem, TestID: &f.hb.ID, Value: "13"},
			{RequestItemID: f.nitItem, Value: "positive"},
		},
		Complete: true,
	})
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)
	assert.Equal(t, []uuid.UUID{f.nitItem}, out.Completed)
	assert.Equal(t, []uuid.UUID{f.cbcItem}, out.Incomplete)

	assert.Equal(t, labrequest.ItemInProgress, f.repo.items[f.cbcItem].Status)
	assert.Equal(t, labrequest.ItemCompleted, f.repo.items[f.nitItem].Status)
	assert.Equal(t, 3, f.repo.items[f.nitItem].Version)
	nit := f.repo.results[[2]uuid.UUID{f.nitItem, f.nitrite.ID}]
	assert.Equal(t, "Positive", nit.Value)
	assert.Equal(t, FlagAbnormal, nit.Flag)
}

func TestSubmitTemplate_LockedItemRejectsSheet(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleAdmin, "")
	f.repo.items[f.hbsagItem].Status = labrequest.ItemVerified

	_, err := f.svc.SubmitTemplate(ctx, f.requestID, BatchSubmission{Results: []BatchValue{
		{RequestItemID: f.nitItem, Value: "Negative"},
		{RequestItemID: f.hbsagItem, Value: "Reactive"},
	}})
	assert.Equal(t, "ITEM_LOCKED", codeOf(t, err))
	assert.Empty(t, f.repo.results)
	assert.Equal(t, labrequest.ItemSampleCollected, f.repo.items[f.nitItem].Status)
}

func TestSubmitTemplate_ForeignItem(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SubmitTemplate(as(auth.RoleAdmin, ""), f.requestID, BatchSubmission{Results: []BatchValue{
		{RequestItemID: uuid.New(), Value: "1"},
	}})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestWorklist_DepartmentRestriction(t *testing.T) {
	f := newFixture()

	items, total, err := f.svc.Worklist(as(auth.RoleLabTechnician, "HEMATOLOGY"), WorklistFilter{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, it := range items {
		assert.Equal(t, "Hematology", it.DepartmentName)
		assert.Equal(t, labrequest.ItemSampleCollected, it.Badge)
	}

	// An explicit filter cannot widen the restriction.
	_, total, err = f.svc.Worklist(as(auth.RoleLabTechnician, "Hematology"), WorklistFilter{Department: "sero", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	_, total, err = f.svc.Worklist(as(auth.RoleAdmin, ""), WorklistFilter{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	_, _, err = f.svc.Worklist(as(auth.RoleLabTechnician, ""), WorklistFilter{})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestWorklist_FilterValidation(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleAdmin, "")

	for _, fl := range []WorklistFilter{
		{Status: "teleported"},
		{SortBy: "price"},
		{Order: "sideways"},
	} {
		_, _, err := f.svc.Worklist(ctx, fl)
		assert.ErrorIs(t, err, apperror.ErrValidation, "%+v", fl)
	}

	_, total, err := f.svc.Worklist(ctx, WorklistFilter{Status: "Sample Collected", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestStatusCounts_SumMatchesWorklist(t *testing.T) {
	f := newFixture()
	ctx := as(auth.RoleLabTechnician, "Hematology")
	_, err := f.svc.SubmitResult(ctx, f.nitItem, SubmitValue{Value: "Negative"}, nil)
	require.NoError(t, err)

	counts, err := f.svc.StatusCounts(ctx, WorklistFilter{Status: labrequest.ItemReleased})
	require.NoError(t, err)
	assert.Len(t, counts, len(labrequest.ItemStatuses()))
	assert.Equal(t, 1, counts[labrequest.ItemInProgress])
	assert.Equal(t, 1, counts[labrequest.ItemSampleCollected])

	_, total, err := f.svc.Worklist(ctx, WorklistFilter{Limit: 50})
	require.NoError(t, err)
	sum := 0
	for _, n := range counts {
		sum += n
	}
	assert.Equal(t, total, sum)
}

func TestWorklistWhere_Placeholders(t *testing.T) {
	review := true
	where, args := worklistWhere(WorklistFilter{
		Status:             labrequest.ItemCompleted,
		RestrictDepartment: "Hematology",
		Search:             "doe",
		ForReview:          &review,
	}, true)

	assert.Equal(t, " WHERE i.status = $1 AND lower(i.department_name) = lower($2)"+
		" AND (p.full_name ILIKE $3 OR p.lab_id ILIKE $3) AND i.for_review = $4", where)
	assert.Equal(t, []interface{}{labrequest.ItemCompleted, "Hematology", "%doe%", true}, args)

	where, args = worklistWhere(WorklistFilter{Status: labrequest.ItemCompleted}, false)
	assert.Empty(t, where)
	assert.Empty(t, args)

	assert.True(t, strings.HasSuffix(worklistOrder(WorklistFilter{}), "i.updated_at DESC, i.id DESC"))
	assert.Equal(t, " ORDER BY lower(p.full_name) ASC, i.id ASC",
		worklistOrder(WorklistFilter{SortBy: SortPatientName, Order: "ASC"}))
}

func TestTransition_PublishesToDepartment(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Transition(as(auth.RoleLabTechnician, "serology"), f.hbsagItem, "adopt", nil)
	require.NoError(t, err)
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "department:serology", f.events.events[0].topic)
}

type failingRepo struct {
	*mockRepo
	upserts, failAt int
}

func (r *failingRepo) UpsertResult(ctx context.Context, res *Result) error {
	r.upserts++
	if r.upserts == r.failAt {
		return errors.New("disk full")
	}
	return r.mockRepo.UpsertResult(ctx, res)
}

func TestSubmitTemplate_RollsBackOnWriteFailure(t *testing.T) {
	f := newFixture()
	repo := &failingRepo{mockRepo: f.repo, failAt: 2}
	svc := NewService(repo, f.cat, rollbackTx{f.repo}, auth.DefaultPolicy(), f.events, zerolog.Nop())

	_, err := svc.SubmitTemplate(as(auth.RoleAdmin, ""), f.requestID, BatchSubmission{Results: []BatchValue{
		{RequestItemID: f.nitItem, Value: "Negative"},
		{RequestItemID: f.hbsagItem, Value: "Reactive"},
	}})
	require.Error(t, err)
	assert.Empty(t, f.repo.results)
	assert.Empty(t, f.repo.history)
	assert.Equal(t, labrequest.ItemSampleCollected, f.repo.items[f.nitItem].Status)
	assert.Equal(t, 2, f.repo.items[f.nitItem].Version)
	assert.Empty(t, f.events.events)
}
