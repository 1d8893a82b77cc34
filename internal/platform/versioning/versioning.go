// Package versioning carries optimistic-concurrency versions over HTTP as
// weak ETags.
package versioning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperror"
)

// SetETag sets the ETag header for a row at the given version.
func SetETag(c echo.Context, version int) {
	c.Response().Header().Set("ETag", FormatETag(version))
}

// FormatETag creates a weak ETag from a version.
func FormatETag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// IfMatch returns the version named by the If-Match header. ok is false when
// the header is absent and the write is unconditional.
func IfMatch(c echo.Context) (version int, ok bool, err error) {
	h := c.Request().Header.Get("If-Match")
	if h == "" || h == "*" {
		return 0, false, nil
	}
	v, err := ParseETag(h)
	if err != nil {
		return 0, false, apperror.Validation("invalid If-Match header: %v", err)
	}
	return v, true, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, current int) bool {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return false
	}
	v, err := ParseETag(h)
	if err != nil {
		return false
	}
	return v == current
}

// Expected is IfMatch shaped for service calls: nil means unconditional.
func Expected(c echo.Context) (*int, error) {
	v, ok, err := IfMatch(c)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// Stale is the conflict returned when a conditional write lost the race.
func Stale(resource string, current int) *apperror.AppError {
	e := apperror.Conflict("%s was modified concurrently; current version is %d", resource, current).WithCode("VERSION_CONFLICT")
	e.Details = map[string]string{"etag": FormatETag(current)}
	return e
}

// Check compares a client's expected version with the stored one.
func Check(resource string, expected *int, current int) error {
	if expected != nil && *expected != current {
		return Stale(resource, current)
	}
	return nil
}
