package labrequest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/patient"
	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/versioning"
	"github.com/lims/lims/internal/platform/websocket"
)

// Catalog is the part of the catalog service orders are priced from.
type Catalog interface {
	GetTest(ctx context.Context, id uuid.UUID) (*catalog.Test, error)
	GetPanel(ctx context.Context, id uuid.UUID) (*catalog.Panel, error)
}

type Patients interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

type Service struct {
	repo     Repository
	catalog  Catalog
	patients Patients
	tx       db.TxRunner
	events   websocket.Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, cat Catalog, patients Patients, tx db.TxRunner, events websocket.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		catalog:  cat,
		patients: patients,
		tx:       tx,
		events:   events,
		logger:   logger.With().Str("component", "labrequest").Logger(),
		now:      time.Now,
	}
}

// Create registers an order. Each line snapshots the catalog entry it names;
// the amount due is the sum of line prices with panels priced at read time.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Request, error) {
	if _, err := s.patients.Get(ctx, in.PatientID); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Validation("patient %s does not exist", in.PatientID)
		}
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, apperror.Validation("at least one test or panel is required")
	}
	priority := strings.ToUpper(strings.TrimSpace(in.Priority))
	switch priority {
	case "":
		priority = PriorityRoutine
	case PriorityRoutine, PriorityUrgent:
	default:
		return nil, apperror.Validation("priority must be ROUTINE or URGENT")
	}

	req := &Request{
		PatientID:     in.PatientID,
		Priority:      priority,
		Status:        StatusBillingPending,
		PaymentStatus: PaymentAwaiting,
		OrderedAt:     s.now(),
		OrderedBy:     auth.UserIDFromContext(ctx),
	}
	for i, line := range in.Items {
		it, err := s.snapshot(ctx, line)
		if errors.Is(err, apperror.ErrNotFound) || errors.Is(err, apperror.ErrValidation) {
			return nil, apperror.Validation("item %d: %s", i+1, err.Error())
		}
		if err != nil {
			return nil, err
		}
		req.Amount += it.Price
		req.Items = append(req.Items, it)
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, req); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, &HistoryEntry{
			Scope: ScopeRequest, EntityID: req.ID, RequestID: req.ID,
			To: StatusBillingPending, ChangedBy: req.OrderedBy, Reason: "request created",
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTestRequestCreated(priority)
	s.logger.Info().Str("request_id", req.ID.String()).Str("priority", priority).Int("items", len(req.Items)).Msg("test request created")

	summary := map[string]interface{}{"request_id": req.ID, "patient_id": req.PatientID, "priority": priority}
	for _, topic := range itemTopics(req.Items) {
		websocket.Notify(ctx, s.events, s.logger, topic, websocket.EventNewTestRequest, summary)
	}
	s.queueUpdated(ctx, req.ID, req.Status)
	return s.Get(ctx, req.ID)
}

func (s *Service) snapshot(ctx context.Context, line OrderLine) (*Item, error) {
	switch {
	case line.TestID != nil && line.PanelID != nil:
		return nil, apperror.Validation("name either test_id or panel_id, not both")
	case line.TestID != nil:
		t, err := s.catalog.GetTest(ctx, *line.TestID)
		if err != nil {
			return nil, err
		}
		if !t.IsActive {
			return nil, apperror.Validation("test %s is inactive", t.Name)
		}
		return &Item{
			TestID: &t.ID, Name: t.Name, DepartmentID: t.DepartmentID, DepartmentName: t.DepartmentName,
			SampleTypeID: t.SampleTypeID, UnitID: t.UnitID, Price: t.Price, Status: ItemSamplePending,
		}, nil
	case line.PanelID != nil:
		p, err := s.catalog.GetPanel(ctx, *line.PanelID)
		if err != nil {
			return nil, err
		}
		if !p.IsActive {
			return nil, apperror.Validation("panel %s is inactive", p.Name)
		}
		return &Item{
			PanelID: &p.ID, Name: p.Name, DepartmentID: p.DepartmentID, DepartmentName: p.DepartmentName,
			SampleTypeID: p.SampleTypeID, Price: p.Price, Status: ItemSamplePending,
		}, nil
	}
	return nil, apperror.Validation("test_id or panel_id is required")
}

// itemTopics lists the department topics an order concerns, falling back
// to broadcast for items without a department.
func itemTopics(items []*Item) []string {
	var topics []string
	seen := map[string]bool{}
	for _, it := range items {
		topic := websocket.BroadcastTopic
		if it.DepartmentName != "" {
			topic = websocket.DepartmentTopic(it.DepartmentName)
		}
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}
	return topics
}

func (s *Service) queueUpdated(ctx context.Context, id uuid.UUID, status string) {
	websocket.Notify(ctx, s.events, s.logger, websocket.BroadcastTopic, websocket.EventQueueUpdated,
		map[string]interface{}{"request_id": id, "status": status})
}

// Get returns the request with derived overall status and item badges.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Derive()
	return req, nil
}

// Queue lists requests the reception desk still has to move along.
func (s *Service) Queue(ctx context.Context, limit, offset int) ([]*Request, int, error) {
	reqs, total, err := s.repo.Queue(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range reqs {
		r.Derive()
	}
	return reqs, total, nil
}

// CapturePayment records payment at the desk. A zero amount means the full
// amount due.
func (s *Service) CapturePayment(ctx context.Context, id uuid.UUID, amount catalog.Money, expected *int) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := versioning.Check("test request", expected, req.Version); err != nil {
		return nil, err
	}
	if req.PaymentStatus == PaymentPaid {
		return nil, apperror.Conflict("test request is already paid").WithCode("ALREADY_PAID")
	}
	if amount == 0 {
		amount = req.Amount
	}
	if amount < 0 {
		return nil, apperror.Validation("amount must not be negative")
	}
	if amount < req.Amount {
		return nil, apperror.Validation("amount %s does not cover %s due", amount, req.Amount)
	}

	user := auth.UserIDFromContext(ctx)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.CapturePayment(ctx, id, int64(amount), s.now(), req.Version); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, &HistoryEntry{
			Scope: ScopeRequest, EntityID: id, RequestID: id, From: req.PaymentStatus, To: PaymentPaid,
			ChangedBy: user, Reason: "payment captured: " + amount.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPaymentCaptured()
	s.logger.Info().Str("request_id", id.String()).Str("amount", amount.String()).Msg("payment captured")
	s.queueUpdated(ctx, id, req.Status)
	return s.Get(ctx, id)
}

// Advance moves the request one step along the reception chain.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, expected *int) (*Request, error) {
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := versioning.Check("test request", expected, req.Version); err != nil {
		return nil, err
	}
	from := NormalizeStatus(req.Status)
	to, ok := NextStatus(from)
	if !ok {
		return nil, apperror.Conflict("test request is %s and cannot advance", req.Status).WithCode("TERMINAL_STATUS")
	}

	switch from {
	case StatusBillingPending:
		if req.PaymentStatus != PaymentPaid {
			return nil, apperror.Conflict("payment has not been captured").WithCode("PAYMENT_REQUIRED")
		}
	case StatusProcessing:
		for _, it := range req.Items {
			if it.Status != ItemVerified && it.Status != ItemReleased {
				return nil, apperror.Conflict("item %s is %s; all items must be verified", it.Name, it.Status).
					WithCode("ITEMS_PENDING")
			}
		}
	}

	user := auth.UserIDFromContext(ctx)
	var collected []*Item
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.SetStatus(ctx, id, req.Status, to, req.Version); err != nil {
			return err
		}
		if err := s.repo.AddHistory(ctx, &HistoryEntry{
			Scope: ScopeRequest, EntityID: id, RequestID: id, From: from, To: to, ChangedBy: user,
		}); err != nil {
			return err
		}
		if from != StatusSamplePending {
			return nil
		}
		collected, err = s.repo.CollectSamples(ctx, id, s.now())
		if err != nil {
			return err
		}
		for _, it := range collected {
			if err := s.repo.AddHistory(ctx, &HistoryEntry{
				Scope: ScopeItem, EntityID: it.ID, RequestID: id, From: ItemSamplePending, To: ItemSampleCollected,
				ChangedBy: user, Reason: "sample collected",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(ScopeRequest, from, to)
	for range collected {
		metrics.RecordTransition(ScopeItem, ItemSamplePending, ItemSampleCollected)
	}
	s.logger.Info().Str("request_id", id.String()).Str("from", from).Str("to", to).Msg("test request advanced")

	s.queueUpdated(ctx, id, to)
	for _, topic := range itemTopics(collected) {
		websocket.Notify(ctx, s.events, s.logger, topic, websocket.EventTestStatusUpdated,
			map[string]interface{}{"request_id": id, "status": ItemSampleCollected})
	}
	return s.Get(ctx, id)
}

// History returns every recorded transition of the request and its items.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*HistoryEntry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}
