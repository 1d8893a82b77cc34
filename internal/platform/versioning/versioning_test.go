package versioning

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/apperror"
)

func newContext(headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"12"`, 12, false},
		{`7`, 7, false},
		{` W/"1" `, 1, false},
		{`W/"abc"`, 0, true},
		{`"-1"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseETag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetETag(t *testing.T) {
	c, rec := newContext(nil)
	SetETag(c, 4)
	assert.Equal(t, `W/"4"`, rec.Header().Get("ETag"))
}

func TestIfMatch(t *testing.T) {
	c, _ := newContext(nil)
	_, ok, err := IfMatch(c)
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ = newContext(map[string]string{"If-Match": `W/"2"`})
	v, ok, err := IfMatch(c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	c, _ = newContext(map[string]string{"If-Match": "bogus"})
	_, _, err = IfMatch(c)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

func TestNotModified(t *testing.T) {
	c, _ := newContext(map[string]string{"If-None-Match": `W/"5"`})
	assert.True(t, NotModified(c, 5))
	assert.False(t, NotModified(c, 6))
}

func TestExpected(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	v, err := Expected(c)
	if err != nil || v != nil {
		t.Fatalf("expected unconditional, got %v, %v", v, err)
	}

	req.Header.Set("If-Match", `W/"4"`)
	v, err = Expected(c)
	if err != nil || v == nil || *v != 4 {
		t.Fatalf("expected version 4, got %v, %v", v, err)
	}
}

func TestCheck(t *testing.T) {
	if err := Check("item", nil, 3); err != nil {
		t.Errorf("unconditional write should pass: %v", err)
	}
	three := 3
	if err := Check("item", &three, 3); err != nil {
		t.Errorf("matching version should pass: %v", err)
	}
	two := 2
	err := Check("item", &two, 3)
	if apperror.StatusOf(err) != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Details["etag"] != `W/"3"` {
		t.Errorf("expected current etag in details, got %+v", appErr)
	}
}
