package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/db"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller, resolved once per request and passed
// down through the request context.
type Principal struct {
	UserID     string    `json:"user_id"`
	Name       string    `json:"name,omitempty"`
	Roles      []string  `json:"roles"`
	Department string    `json:"department,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	TokenID    string    `json:"-"`
	ExpiresAt  time.Time `json:"-"`
	Method     string    `json:"auth_method"`
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type Claims struct {
	jwt.RegisteredClaims
	TenantID   string   `json:"tenant_id,omitempty"`
	Roles      []string `json:"roles"`
	Department string   `json:"department,omitempty"`
	Name       string   `json:"name,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 tokens issued by this server.
	SigningKey []byte
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// Verifier validates bearer tokens and turns them into principals.
type Verifier struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	revoked Revoker
}

// NewVerifier builds a verifier. With no signing key the verifier uses the
// JWKS endpoint, discovering it from the issuer when JWKSURL is empty.
func NewVerifier(cfg JWTConfig, revoked Revoker) *Verifier {
	v := &Verifier{cfg: cfg, revoked: revoked}
	if len(cfg.SigningKey) > 0 {
		v.keyFunc = func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return cfg.SigningKey, nil
		}
		return v
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if uri, err := discoverJWKS(context.Background(), http.DefaultClient, cfg.Issuer); err == nil {
			jwksURL = uri
		}
	}
	v.keyFunc = jwksKeyFunc(jwksURL)
	return v
}

// Verify parses tokenStr and checks signature, issuer, audience, expiry and
// revocation.
func (v *Verifier) Verify(ctx context.Context, tokenStr string) (*Principal, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	p := &Principal{
		UserID:     claims.Subject,
		Name:       claims.Name,
		Roles:      claims.Roles,
		Department: claims.Department,
		TenantID:   claims.TenantID,
		TokenID:    claims.ID,
		Method:     "jwt",
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// BearerToken extracts the token from "Authorization: Bearer" or, for
// websocket upgrades that cannot set headers, the "token" query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Authenticate resolves the caller from an API key or a bearer JWT. Public
// paths pass through untouched.
func Authenticate(v *Verifier, keys *APIKeyManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if IsPublicPath(c.Path()) {
				return next(c)
			}

			ctx := c.Request().Context()
			if raw := extractAPIKey(c); raw != "" && keys != nil {
				p, err := keys.Authenticate(ctx, raw)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, apiKeyErrorMessage(err))
				}
				return next(withPrincipal(c, p))
			}

			p, err := v.Verify(ctx, BearerToken(c.Request()))
			switch {
			case errors.Is(err, ErrMissingToken):
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			case errors.Is(err, ErrTokenRevoked):
				return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
			case err != nil:
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(withPrincipal(c, p))
		}
	}
}

// DevAuthMiddleware grants an admin principal to requests without
// credentials. Requests that do carry a token are still verified.
func DevAuthMiddleware(v *Verifier, keys *APIKeyManager) echo.MiddlewareFunc {
	strict := Authenticate(v, keys)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" || c.Request().Header.Get("X-API-Key") != "" {
				return verified(c)
			}
			return next(withPrincipal(c, &Principal{
				UserID:   "dev-user",
				Name:     "Developer",
				Roles:    []string{RoleAdmin},
				TenantID: "default",
				Method:   "dev",
			}))
		}
	}
}

func withPrincipal(c echo.Context, p *Principal) echo.Context {
	if p.TenantID != "" {
		c.Set(db.TenantClaimKey, p.TenantID)
	}
	c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), p)))
	return c
}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated caller, or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

func UserIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

func RolesFromContext(ctx context.Context) []string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Roles
	}
	return nil
}

func DepartmentFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.Department
	}
	return ""
}

// JWKSKey represents a single JSON Web Key from a JWKS endpoint.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSCache caches RSA keys fetched from a JWKS endpoint.
type JWKSCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	jwksURL   string
	ttl       time.Duration
	fetchedAt time.Time
	client    *http.Client
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	return &JWKSCache{
		keys:    make(map[string]*rsa.PublicKey),
		jwksURL: jwksURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKey returns the key for kid, refetching on a miss or once the TTL lapses.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	expired := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()
	if ok && !expired {
		return key, nil
	}

	if err := c.fetch(); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok = c.keys[kid]; !ok {
		return nil, fmt.Errorf("key with kid %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch() error {
	resp, err := c.client.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.jwksURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []JWKSKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		if pub, err := parseRSAPublicKey(k); err == nil {
			keys[k.Kid] = pub
		}
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func jwksKeyFunc(jwksURL string) jwt.Keyfunc {
	cache := NewJWKSCache(jwksURL, 5*time.Minute)
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return cache.GetKey(kid)
	}
}
