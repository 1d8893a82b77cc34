package pathology

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/versioning"
)

// Transition runs a named action on a request item.
func (s *Service) Transition(ctx context.Context, itemID uuid.UUID, name string, expected *int) (*TransitionOutcome, error) {
	action, ok := labrequest.LookupAction(name)
	if !ok {
		return nil, apperror.Validation("unknown action %q", name)
	}
	if err := s.authorize(ctx, action.Resource, action.Permission); err != nil {
		return nil, err
	}

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
	if err := action.Check(it.Status); err != nil {
		return nil, err
	}

	if action.Name == labrequest.ActionComplete || action.Name == labrequest.ActionVerify {
		if err := s.requireAllLeaves(ctx, it); err != nil {
			return nil, err
		}
	}

	from, to := it.Status, action.Target(it.Status)
	u := ItemUpdate{ID: it.ID, FromStatus: from, ToStatus: to, Version: it.Version}
	forReview := it.ForReview
	switch action.Name {
	case labrequest.ActionReview:
		forReview = !it.ForReview
		u.ForReview = &forReview
	case labrequest.ActionReopen:
		u.Reopened = true
	case labrequest.ActionRelease:
		forReview = false
		u.ForReview = &forReview
	}

	var version int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		version, err = s.repo.UpdateItem(ctx, u)
		if err != nil {
			return err
		}
		return s.history(ctx, it, from, to, action.Name)
	})
	if err != nil {
		return nil, err
	}

	reopens := it.ReopenCount
	if u.Reopened {
		reopens++
	}
	if to != from {
		metrics.RecordTransition(labrequest.ScopeItem, from, to)
	}
	s.logger.Info().Str("request_item_id", itemID.String()).Str("action", action.Name).
		Str("from", from).Str("to", to).Msg("request item transitioned")
	s.statusUpdated(ctx, it, to)

	return &TransitionOutcome{
		RequestItemID: itemID,
		Action:        action.Name,
		From:          from,
		Status:        to,
		Badge:         labrequest.Badge(to, forReview, reopens),
		ForReview:     forReview,
		Version:       version,
	}, nil
}

func (s *Service) requireAllLeaves(ctx context.Context, it *labrequest.Item) error {
	info, err := s.repo.RequestInfo(ctx, it.RequestID)
	if err != nil {
		return err
	}
	rt, err := s.buildTemplate(ctx, info)
	if err != nil {
		return err
	}
	ti := rt.item(it.ID)
	if ti == nil {
		return apperror.NotFound("request item", it.ID.String())
	}
	if names := missing(ti); len(names) > 0 {
		return apperror.Conflict("results missing for %s", strings.Join(names, ", ")).WithCode("RESULTS_INCOMPLETE")
	}
	return nil
}
