package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/metrics"
)

const (
	RoleAdmin         = "admin"
	RoleReceptionist  = "receptionist"
	RolePhlebotomist  = "phlebotomist"
	RoleLabTechnician = "lab_technician"
	RolePathologist   = "pathologist"
	RoleAccountant    = "accountant"
)

// Resources and actions named in grants.
const (
	ResLabConfig    = "LabConfig"
	ResPatients     = "Patients"
	ResTestRequests = "TestRequests"
	ResBilling      = "Billing"
	ResSamples      = "Samples"
	ResWorklist     = "Worklist"
	ResResults      = "Results"
	ResPathologist  = "Pathologist"
	ResMessages     = "Messages"
	ResAPIKeys      = "ApiKeys"
	ResUsers        = "Users"
	ResInventory    = "Inventory"
	ResReports      = "Reports"

	ActRead    = "Read"
	ActWrite   = "Write"
	ActCreate  = "Create"
	ActAdvance = "Advance"
	ActCapture = "Capture"
	ActCollect = "Collect"
	ActEnter   = "Enter"
	ActVerify  = "Verify"
	ActReopen  = "Reopen"
	ActRelease = "Release"
	ActReview  = "Review"
	ActSend    = "Send"
	ActManage  = "Manage"
	ActAdjust  = "Adjust"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// Grant is one "Resource:Action" permission; either side may be "*".
type Grant struct {
	Resource string
	Action   string
}

func (g Grant) String() string {
	return g.Resource + ":" + g.Action
}

func (g Grant) allows(resource, action string) bool {
	return (g.Resource == Wildcard || g.Resource == resource) &&
		(g.Action == Wildcard || g.Action == action)
}

// ParseGrant parses "Resource:Action".
func ParseGrant(s string) (Grant, error) {
	res, act, ok := strings.Cut(s, ":")
	if !ok || res == "" || act == "" {
		return Grant{}, fmt.Errorf("invalid grant %q: want Resource:Action", s)
	}
	return Grant{Resource: res, Action: act}, nil
}

// Policy maps roles to the grants they hold. Evaluated server-side on every
// mutating route.
type Policy struct {
	roles map[string][]Grant
}

// NewPolicy builds a policy from role -> "Resource:Action" strings.
func NewPolicy(table map[string][]string) (*Policy, error) {
	p := &Policy{roles: make(map[string][]Grant, len(table))}
	for role, grants := range table {
		for _, s := range grants {
			g, err := ParseGrant(s)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			p.roles[role] = append(p.roles[role], g)
		}
	}
	return p, nil
}

// DefaultPolicy is the laboratory's role table.
func DefaultPolicy() *Policy {
	common := []string{"Messages:*", "ApiKeys:Manage"}
	p, err := NewPolicy(map[string][]string{
		RoleAdmin: {"*:*"},
		RoleReceptionist: append([]string{
			"Patients:*", "TestRequests:Read", "TestRequests:Create", "TestRequests:Advance",
			"Billing:Capture", "Billing:Read", "LabConfig:Read",
		}, common...),
		RolePhlebotomist: append([]string{
			"Patients:Read", "TestRequests:Read", "TestRequests:Advance", "Samples:Collect",
			"Worklist:Read",
		}, common...),
		RoleLabTechnician: append([]string{
			"Patients:Read", "TestRequests:Read", "LabConfig:Read", "Worklist:Read",
			"Results:Read", "Results:Enter", "Inventory:Read", "Inventory:Adjust",
		}, common...),
		RolePathologist: append([]string{
			"Patients:Read", "TestRequests:Read", "TestRequests:Advance", "LabConfig:Read",
			"Worklist:Read", "Results:*", "Pathologist:*", "Inventory:Read", "Reports:Read",
		}, common...),
		RoleAccountant: append([]string{
			"Patients:Read", "TestRequests:Read", "Billing:*", "Reports:Read",
		}, common...),
	})
	if err != nil {
		panic(err)
	}
	return p
}

// Can reports whether any of roles holds resource:action.
func (p *Policy) Can(roles []string, resource, action string) bool {
	for _, role := range roles {
		for _, g := range p.roles[role] {
			if g.allows(resource, action) {
				return true
			}
		}
	}
	return false
}

// Allowed evaluates the principal stored on ctx.
func (p *Policy) Allowed(ctx context.Context, resource, action string) bool {
	return p.Can(RolesFromContext(ctx), resource, action)
}

// KnownRole reports whether role has an entry in the policy table.
func (p *Policy) KnownRole(role string) bool {
	_, ok := p.roles[role]
	return ok
}

// IsSuperAdmin reports whether roles hold the "*:*" wildcard.
func (p *Policy) IsSuperAdmin(roles []string) bool {
	return p.Can(roles, Wildcard, Wildcard)
}

// Grants returns the sorted, de-duplicated grants held by roles.
func (p *Policy) Grants(roles []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, role := range roles {
		for _, g := range p.roles[role] {
			if s := g.String(); !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// RequirePermission rejects callers without resource:action with 403.
func RequirePermission(p *Policy, resource, action string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if PrincipalFromContext(c.Request().Context()) == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			allowed := p.Allowed(c.Request().Context(), resource, action)
			metrics.RecordAuthorizationDecision(resource, action, allowed)
			if !allowed {
				return echo.NewHTTPError(http.StatusForbidden,
					fmt.Sprintf("permission denied: requires %s:%s", resource, action))
			}
			return next(c)
		}
	}
}

// MeHandler serves GET /api/me: the caller and the grants the UI may use to
// hide actions. The server still enforces every grant.
func MeHandler(p *Policy) echo.HandlerFunc {
	return func(c echo.Context) error {
		pr := PrincipalFromContext(c.Request().Context())
		if pr == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"user":        pr,
			"permissions": p.Grants(pr.Roles),
			"super_admin": p.IsSuperAdmin(pr.Roles),
		})
	}
}
