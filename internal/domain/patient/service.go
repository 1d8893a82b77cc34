package patient

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

func (s *Service) validate(ctx context.Context, p *Patient) error {
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return apperror.Validation("full_name is required")
	}
	g, err := NormalizeGender(p.Gender)
	if err != nil {
		return apperror.Validation("%s", err.Error())
	}
	p.Gender = g
	if p.DateOfBirth != nil && p.DateOfBirth.After(s.now()) {
		return apperror.Validation("date_of_birth is in the future")
	}
	p.Phone = strings.TrimSpace(p.Phone)
	if p.WardID != nil {
		if _, err := s.repo.GetWard(ctx, *p.WardID); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return apperror.Validation("ward %s does not exist", p.WardID)
			}
			return err
		}
	}
	return nil
}

// Register creates a patient, generating a LAB-YYYYMMDD-NNNN lab id when
// none is supplied.
func (s *Service) Register(ctx context.Context, p *Patient) (*Patient, error) {
	if err := s.validate(ctx, p); err != nil {
		return nil, err
	}
	p.LabID = strings.TrimSpace(p.LabID)
	if p.LabID == "" {
		now := s.now()
		seq, err := s.repo.NextLabSequence(ctx, now)
		if err != nil {
			return nil, err
		}
		p.LabID = LabID(now, seq)
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Str("lab_id", p.LabID).Msg("patient registered")
	return s.repo.Get(ctx, p.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Update(ctx context.Context, p *Patient) (*Patient, error) {
	if _, err := s.repo.Get(ctx, p.ID); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, p); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, p.ID)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Patient, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) CreateWard(ctx context.Context, w *Ward) error {
	w.Name = strings.TrimSpace(w.Name)
	if w.Name == "" {
		return apperror.Validation("ward name is required")
	}
	if _, err := s.repo.WardByName(ctx, w.Name); err == nil {
		return apperror.Conflict("ward %q already exists", w.Name)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return err
	}
	return s.repo.CreateWard(ctx, w)
}

func (s *Service) ListWards(ctx context.Context) ([]*Ward, error) {
	return s.repo.ListWards(ctx)
}
