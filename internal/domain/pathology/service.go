package pathology

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/labrequest"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/websocket"
)

// Catalog is the part of the catalog the bench reads analytes and ranges from.
type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.Test, error)
	GetPanel(ctx context.Context, id uuid.UUID) (*catalog.Panel, error)
	RangesForTests(ctx context.Context, ids []uuid.UUID) ([]*catalog.NormalRange, error)
}

type Service struct {
	repo    Repository
	catalog Catalog
	tx      db.TxRunner
	policy  *auth.Policy
	events  websocket.Publisher
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, cat Catalog, tx db.TxRunner, policy *auth.Policy, events websocket.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		catalog: cat,
		tx:      tx,
		policy:  policy,
		events:  events,
		logger:  logger.With().Str("component", "pathology").Logger(),
		now:     time.Now,
	}
}

// checkDepartment keeps non-admin staff on their own bench's items.
func (s *Service) checkDepartment(ctx context.Context, it *labrequest.Item) error {
	if s.policy.IsSuperAdmin(auth.RolesFromContext(ctx)) {
		return nil
	}
	dept := auth.DepartmentFromContext(ctx)
	if dept == "" || !strings.EqualFold(strings.TrimSpace(dept), strings.TrimSpace(it.DepartmentName)) {
		return apperror.Forbidden("request item belongs to another department")
	}
	return nil
}

// authorize applies the permission an action row names.
func (s *Service) authorize(ctx context.Context, resource, action string) error {
	allowed := s.policy.Allowed(ctx, resource, action)
	metrics.RecordAuthorizationDecision(resource, action, allowed)
	if !allowed {
		return apperror.Forbidden("permission denied: requires " + resource + ":" + action)
	}
	return nil
}

func (s *Service) history(ctx context.Context, it *labrequest.Item, from, to, reason string) error {
	return s.repo.AddHistory(ctx, &labrequest.HistoryEntry{
		Scope:     labrequest.ScopeItem,
		EntityID:  it.ID,
		RequestID: it.RequestID,
		From:      from,
		To:        to,
		ChangedBy: auth.UserIDFromContext(ctx),
		Reason:    reason,
	})
}

func (s *Service) statusUpdated(ctx context.Context, it *labrequest.Item, status string) {
	topic := websocket.BroadcastTopic
	if it.DepartmentName != "" {
		topic = websocket.DepartmentTopic(it.DepartmentName)
	}
	websocket.Notify(ctx, s.events, s.logger, topic, websocket.EventTestStatusUpdated, map[string]interface{}{
		"request_id":      it.RequestID,
		"request_item_id": it.ID,
		"status":          status,
	})
}
