package catalog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/apperror"
	"github.com/lims/lims/internal/platform/auth"
)

func newTestServer(roles ...string) (*echo.Echo, *mockRepo) {
	svc, repo := newTestService()
	e := echo.New()
	e.HTTPErrorHandler = apperror.Handler(zerolog.Nop())
	api := e.Group("/api", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithPrincipal(c.Request().Context(), &auth.Principal{UserID: "u-1", Roles: roles})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api, auth.DefaultPolicy())
	return e, repo
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateTest(t *testing.T) {
	e, repo := newTestServer(auth.RoleAdmin)

	rec := do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"Glucose","price":"5.00"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["price"] != "5.00" {
		t.Errorf("expected price 5.00, got %v", got["price"])
	}
	if got["is_active"] != true {
		t.Errorf("expected new test to be active")
	}
	if len(repo.tests) != 1 {
		t.Errorf("expected 1 stored test, got %d", len(repo.tests))
	}
}

func TestHandler_CreateTest_BadPrice(t *testing.T) {
	e, _ := newTestServer(auth.RoleAdmin)
	rec := do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"Glucose","price":"5.001"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ListTestsEnvelope(t *testing.T) {
	e, _ := newTestServer(auth.RoleAdmin)
	for _, name := range []string{"A", "B", "C"} {
		do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"`+name+`"}`)
	}

	rec := do(e, http.MethodGet, "/api/lab-config/tests?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data []Test `json:"data"`
		Meta struct {
			Total   int  `json:"total"`
			HasMore bool `json:"has_more"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 || body.Meta.Total != 3 || !body.Meta.HasMore {
		t.Errorf("unexpected page: %d items, meta %+v", len(body.Data), body.Meta)
	}
}

func TestHandler_SetTestStatus(t *testing.T) {
	e, repo := newTestServer(auth.RoleAdmin)
	do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"Glucose"}`)
	var id string
	for k := range repo.tests {
		id = k.String()
	}

	rec := do(e, http.MethodPatch, "/api/lab-config/tests/"+id+"/status", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without is_active, got %d", rec.Code)
	}

	rec = do(e, http.MethodPatch, "/api/lab-config/tests/"+id+"/status", `{"is_active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, tt := range repo.tests {
		if tt.IsActive {
			t.Error("expected test to be inactive")
		}
	}
}

func TestHandler_NotFound(t *testing.T) {
	e, _ := newTestServer(auth.RoleAdmin)
	rec := do(e, http.MethodGet, "/api/lab-config/tests/6f1c1f0e-8f5d-4a3c-9a53-0d6c2f6b1e11", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/lab-config/tests/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_WriteRequiresLabConfigWrite(t *testing.T) {
	e, _ := newTestServer(auth.RoleReceptionist)

	rec := do(e, http.MethodGet, "/api/lab-config/departments", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected receptionist to read catalog, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/lab-config/departments", `{"name":"Chemistry"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "LabConfig:Write") {
		t.Errorf("expected message to name the missing grant, got %s", rec.Body.String())
	}
}

func TestHandler_DuplicateDepartment(t *testing.T) {
	e, _ := newTestServer(auth.RoleAdmin)
	do(e, http.MethodPost, "/api/lab-config/departments", `{"name":"Chemistry"}`)
	rec := do(e, http.MethodPost, "/api/lab-config/departments", `{"name":"chemistry"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_RangeRoundTrip(t *testing.T) {
	e, repo := newTestServer(auth.RoleAdmin)
	do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"Glucose"}`)
	var id string
	for k := range repo.tests {
		id = k.String()
	}

	rec := do(e, http.MethodPost, "/api/lab-config/tests/"+id+"/ranges",
		`{"range_type":"numeric","min_value":10,"max_value":20,"gender":"Male"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/lab-config/tests/"+id+"/ranges?gender=Male", "")
	var body struct {
		Data []map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 {
		t.Fatalf("expected 1 range, got %d", len(body.Data))
	}
	if string(body.Data[0]["min_value"]) != "10" || string(body.Data[0]["max_value"]) != "20" {
		t.Errorf("bounds changed: %s / %s", body.Data[0]["min_value"], body.Data[0]["max_value"])
	}
}

func TestHandler_CreateRange_LooseDecimalsAreCanonicalized(t *testing.T) {
	e, repo := newTestServer(auth.RoleAdmin)
	do(e, http.MethodPost, "/api/lab-config/tests", `{"name":"Potassium"}`)
	var id string
	for k := range repo.tests {
		id = k.String()
	}

	rec := do(e, http.MethodPost, "/api/lab-config/tests/"+id+"/ranges",
		`{"range_type":"numeric","min_value":".5","max_value":"+20"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if string(created["min_value"]) != "0.5" || string(created["max_value"]) != "20" {
		t.Errorf("expected canonical bounds, got %s / %s", created["min_value"], created["max_value"])
	}
}
