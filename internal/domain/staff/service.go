package staff

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/db"
)

// Issuer signs access tokens for authenticated staff.
type Issuer interface {
	Issue(p auth.Principal) (string, time.Time, error)
}

type Service struct {
	repo    Repository
	issuer  Issuer
	revoker auth.Revoker
	policy  *auth.Policy
	logger  zerolog.Logger
	cost    int
	now     func() time.Time
}

func NewService(repo Repository, issuer Issuer, revoker auth.Revoker, policy *auth.Policy, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		issuer:  issuer,
		revoker: revoker,
		policy:  policy,
		logger:  logger.With().Str("component", "staff").Logger(),
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
}

// errBadCredentials hides whether the username or the password was wrong.
var errBadCredentials = apperror.Unauthorized("invalid username or password")

// Login checks the password and issues an access token.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	username := normalizeUsername(in.Username)
	if username == "" || in.Password == "" {
		return nil, apperror.Validation("username and password are required")
	}

	u, err := s.repo.ByUsername(ctx, username)
	if errors.Is(err, apperror.ErrNotFound) {
		s.logger.Info().Str("username", username).Msg("login for unknown user")
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		s.logger.Info().Str("user_id", u.ID.String()).Msg("login with wrong password")
		return nil, errBadCredentials
	}
	if !u.IsActive {
		return nil, apperror.Forbidden("account is disabled")
	}

	token, exp, err := s.issuer.Issue(auth.Principal{
		UserID:     u.ID.String(),
		Name:       u.FullName,
		Roles:      u.Roles,
		Department: u.Department,
		TenantID:   db.TenantFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.repo.TouchLogin(ctx, u.ID, now); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID.String()).Msg("record last login")
	} else {
		u.LastLoginAt = &now
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("user logged in")
	return &LoginResult{Token: token, TokenType: "Bearer", ExpiresAt: exp, User: u}, nil
}

// Logout revokes the caller's token until it would have expired anyway.
func (s *Service) Logout(ctx context.Context) error {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return apperror.Unauthorized("authentication required")
	}
	if p.TokenID == "" {
		return apperror.Validation("only token sessions can be logged out")
	}
	exp := p.ExpiresAt
	if exp.IsZero() {
		exp = s.now().Add(24 * time.Hour)
	}
	return s.revoker.Revoke(ctx, p.TokenID, exp)
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(u))
}

func (s *Service) hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", apperror.Validation("password must be at least %d characters", MinPasswordLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return "", apperror.Validation("password is too long")
	}
	return string(h), err
}

func (s *Service) checkRoles(roles []string) error {
	if len(roles) == 0 {
		return apperror.Validation("at least one role is required")
	}
	for _, r := range roles {
		if !s.policy.KnownRole(r) {
			return apperror.Validation("unknown role %q", r)
		}
	}
	return nil
}

// Create adds a staff account.
func (s *Service) Create(ctx context.Context, in CreateInput) (*User, error) {
	u := &User{
		Username:   normalizeUsername(in.Username),
		FullName:   strings.TrimSpace(in.FullName),
		Roles:      in.Roles,
		Department: strings.TrimSpace(in.Department),
		IsActive:   true,
	}
	if u.Username == "" {
		return nil, apperror.Validation("username is required")
	}
	if u.FullName == "" {
		return nil, apperror.Validation("full_name is required")
	}
	if err := s.checkRoles(u.Roles); err != nil {
		return nil, err
	}
	h, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = h

	if err := s.repo.Create(ctx, u); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.Conflict("username %q is taken", u.Username)
		}
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Strs("roles", u.Roles).Msg("user created")
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	return s.repo.List(ctx, false, limit, offset)
}

// Directory lists active colleagues for addressing messages.
func (s *Service) Directory(ctx context.Context, limit, offset int) ([]DirectoryEntry, int, error) {
	users, total, err := s.repo.List(ctx, true, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]DirectoryEntry, 0, len(users))
	for _, u := range users {
		out = append(out, DirectoryEntry{ID: u.ID, FullName: u.FullName, Department: u.Department})
	}
	return out, total, nil
}

// Update changes profile fields. Admins cannot deactivate themselves.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*User, error) {
	u, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.FullName != nil {
		name := strings.TrimSpace(*in.FullName)
		if name == "" {
			return nil, apperror.Validation("full_name cannot be empty")
		}
		u.FullName = name
	}
	if in.Roles != nil {
		if err := s.checkRoles(in.Roles); err != nil {
			return nil, err
		}
		u.Roles = in.Roles
	}
	if in.Department != nil {
		u.Department = strings.TrimSpace(*in.Department)
	}
	if in.IsActive != nil {
		if !*in.IsActive && auth.UserIDFromContext(ctx) == id.String() {
			return nil, apperror.Validation("cannot deactivate your own account")
		}
		u.IsActive = *in.IsActive
	}
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// ResetPassword replaces a user's password.
func (s *Service) ResetPassword(ctx context.Context, id uuid.UUID, password string) error {
	h, err := s.hash(password)
	if err != nil {
		return err
	}
	if err := s.repo.SetPassword(ctx, id, h); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", id.String()).Str("by", auth.UserIDFromContext(ctx)).Msg("password reset")
	return nil
}
