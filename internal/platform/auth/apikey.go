package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/pkg/pagination"
)

var (
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyRevoked  = errors.New("api key revoked")
	ErrKeyExpired  = errors.New("api key expired")
	ErrInvalidKey  = errors.New("invalid api key")
	ErrNotKeyOwner = errors.New("api key belongs to another user")
)

const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// APIKey is a long-lived credential for instruments and integrations. It acts
// as its owner, with the roles the owner held when the key was created. Only
// the SHA-256 hash of the key material is stored.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	OwnerID    string     `json:"owner_id"`
	Roles      []string   `json:"roles"`
	Department string     `json:"department,omitempty"`
	TenantID   string     `json:"tenant_id,omitempty"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *APIKey) error
	GetByID(ctx context.Context, id string) (*APIKey, error)
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	// ListByOwner lists keys newest first; an empty ownerID lists every key.
	ListByOwner(ctx context.Context, ownerID string) ([]*APIKey, error)
	UpdateKey(ctx context.Context, key *APIKey) error
}

// InMemoryAPIKeyStore is an APIKeyStore for tests and single-node dev runs.
type InMemoryAPIKeyStore struct {
	mu      sync.RWMutex
	byID    map[string]*APIKey
	byHash  map[string]string
	ordered []string
}

func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (s *InMemoryAPIKeyStore) CreateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyKey(key)
	s.byID[cp.ID] = cp
	s.byHash[cp.KeyHash] = cp.ID
	s.ordered = append(s.ordered, cp.ID)
	return nil
}

func (s *InMemoryAPIKeyStore) GetByID(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(k), nil
}

func (s *InMemoryAPIKeyStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return copyKey(s.byID[id]), nil
}

func (s *InMemoryAPIKeyStore) ListByOwner(_ context.Context, ownerID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*APIKey
	for i := len(s.ordered) - 1; i >= 0; i-- {
		k := s.byID[s.ordered[i]]
		if ownerID == "" || k.OwnerID == ownerID {
			out = append(out, copyKey(k))
		}
	}
	return out, nil
}

func (s *InMemoryAPIKeyStore) UpdateKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[key.ID]; !ok {
		return ErrKeyNotFound
	}
	s.byID[key.ID] = copyKey(key)
	return nil
}

func copyKey(k *APIKey) *APIKey {
	cp := *k
	cp.Roles = append([]string(nil), k.Roles...)
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

const (
	// APIKeyPrefix marks key material so it can be told apart from JWTs.
	APIKeyPrefix = "lims_k1_"

	apiKeyRandomBytes = 24
	displayPrefixLen  = len(APIKeyPrefix) + 6
)

// APIKeyManager generates, authenticates and revokes API keys.
type APIKeyManager struct {
	store APIKeyStore
	now   func() time.Time
}

func NewAPIKeyManager(store APIKeyStore) *APIKeyManager {
	return &APIKeyManager{store: store, now: time.Now}
}

// GenerateKey creates a key owned by owner. The raw key is returned exactly
// once and never stored.
func (m *APIKeyManager) GenerateKey(ctx context.Context, owner *Principal, name string, expiresAt *time.Time) (*APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", apperror.Validation("name is required")
	}
	if owner == nil || owner.UserID == "" {
		return nil, "", apperror.Unauthorized("authentication required")
	}

	rawKey, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating raw key: %w", err)
	}

	key := &APIKey{
		ID:         uuid.NewString(),
		Name:       name,
		KeyHash:    hashKey(rawKey),
		KeyPrefix:  rawKey[:displayPrefixLen],
		OwnerID:    owner.UserID,
		Roles:      append([]string(nil), owner.Roles...),
		Department: owner.Department,
		TenantID:   owner.TenantID,
		Status:     KeyStatusActive,
		ExpiresAt:  expiresAt,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing key: %w", err)
	}
	return key, rawKey, nil
}

// ValidateKey looks up rawKey, checks it is active and unexpired, and stamps
// LastUsedAt.
func (m *APIKeyManager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	if key.Status == KeyStatusRevoked {
		return nil, ErrKeyRevoked
	}
	now := m.now().UTC()
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		return nil, ErrKeyExpired
	}

	key.LastUsedAt = &now
	_ = m.store.UpdateKey(ctx, key)
	return key, nil
}

// Authenticate validates rawKey and returns the principal it acts as.
func (m *APIKeyManager) Authenticate(ctx context.Context, rawKey string) (*Principal, error) {
	key, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:     key.OwnerID,
		Name:       key.Name,
		Roles:      key.Roles,
		Department: key.Department,
		TenantID:   key.TenantID,
		Method:     "api_key",
	}, nil
}

// RevokeKey soft-revokes a key. Only its owner or an admin may do so;
// revoking twice succeeds.
func (m *APIKeyManager) RevokeKey(ctx context.Context, caller *Principal, id string) (*APIKey, error) {
	key, err := m.ownedKey(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if key.Status == KeyStatusRevoked {
		return key, nil
	}

	now := m.now().UTC()
	key.Status = KeyStatusRevoked
	key.RevokedAt = &now
	if err := m.store.UpdateKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RotateKey revokes id and issues a replacement with the same name and expiry.
func (m *APIKeyManager) RotateKey(ctx context.Context, caller *Principal, id string) (*APIKey, string, error) {
	old, err := m.RevokeKey(ctx, caller, id)
	if err != nil {
		return nil, "", err
	}
	return m.GenerateKey(ctx, caller, old.Name, old.ExpiresAt)
}

// ListKeys lists the caller's keys; admins see every key.
func (m *APIKeyManager) ListKeys(ctx context.Context, caller *Principal) ([]*APIKey, error) {
	owner := caller.UserID
	if caller.HasRole(RoleAdmin) {
		owner = ""
	}
	return m.store.ListByOwner(ctx, owner)
}

func (m *APIKeyManager) ownedKey(ctx context.Context, caller *Principal, id string) (*APIKey, error) {
	key, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller == nil || (key.OwnerID != caller.UserID && !caller.HasRole(RoleAdmin)) {
		return nil, ErrNotKeyOwner
	}
	return key, nil
}

func generateRawKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// extractAPIKey reads X-API-Key, then "Authorization: Bearer lims_k1_...".
func extractAPIKey(c echo.Context) string {
	if k := c.Request().Header.Get("X-API-Key"); k != "" {
		return k
	}
	if token := BearerToken(c.Request()); strings.HasPrefix(token, APIKeyPrefix) {
		return token
	}
	return ""
}

func apiKeyErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrKeyRevoked):
		return "api key revoked"
	case errors.Is(err, ErrKeyExpired):
		return "api key expired"
	default:
		return "invalid api key"
	}
}

// APIKeyHandler serves /api/keys.
type APIKeyHandler struct {
	manager *APIKeyManager
}

func NewAPIKeyHandler(manager *APIKeyManager) *APIKeyHandler {
	return &APIKeyHandler{manager: manager}
}

func (h *APIKeyHandler) RegisterRoutes(api *echo.Group, policy *Policy) {
	g := api.Group("/keys", RequirePermission(policy, ResAPIKeys, ActManage))
	g.POST("", h.CreateKey)
	g.GET("", h.ListKeys)
	g.DELETE("/:id", h.RevokeKey)
	g.POST("/:id/rotate", h.RotateKey)
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *APIKeyHandler) CreateKey(c echo.Context) error {
	var req createKeyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	key, rawKey, err := h.manager.GenerateKey(ctx, PrincipalFromContext(ctx), req.Name, req.ExpiresAt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"data":    key,
		"key":     rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func (h *APIKeyHandler) ListKeys(c echo.Context) error {
	ctx := c.Request().Context()
	keys, err := h.manager.ListKeys(ctx, PrincipalFromContext(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.All(keys))
}

func (h *APIKeyHandler) RevokeKey(c echo.Context) error {
	ctx := c.Request().Context()
	key, err := h.manager.RevokeKey(ctx, PrincipalFromContext(ctx), c.Param("id"))
	if err != nil {
		return keyError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": key})
}

func (h *APIKeyHandler) RotateKey(c echo.Context) error {
	ctx := c.Request().Context()
	key, rawKey, err := h.manager.RotateKey(ctx, PrincipalFromContext(ctx), c.Param("id"))
	if err != nil {
		return keyError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    key,
		"key":     rawKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func keyError(err error) error {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return apperror.NotFound("api key", "")
	case errors.Is(err, ErrNotKeyOwner):
		return apperror.Forbidden("only the key owner or an admin may change this key")
	}
	return err
}
