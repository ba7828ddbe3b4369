package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wahub/wahub/internal/platform/uazapi"
)

func newTestHandler() (*Handler, *fakeProvider, *echo.Echo) {
	svc, _, prov := newTestService()
	return NewHandler(svc), prov, echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_Create(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"name":"Sales","instance_id":"inst-1","token":"secret"}`), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("token must not be serialized")
	}
	var got map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got["status"] != "created" {
		t.Errorf("expected status created, got %v", got["status"])
	}
}

func TestHandler_Create_Validation(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"name":""}`), rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	var body struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message != "validation failed" || body.Errors["name"] == "" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	err := h.Get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_List(t *testing.T) {
	h, _, e := newTestHandler()
	for _, inst := range []string{"a", "b", "c"} {
		h.svc.Create(context.Background(), Input{Name: inst, InstanceID: inst, Token: "t"})
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=2", nil), rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data    []map[string]interface{} `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page %s", rec.Body.String())
	}
}

func TestHandler_Status_ProviderFailure(t *testing.T) {
	h, prov, e := newTestHandler()
	conn, _ := h.svc.Create(context.Background(), Input{Name: "s", InstanceID: "i", Token: "t"})
	prov.status = uazapi.StatusResult{Message: "instance not found"}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())

	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body providerReply
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Success || body.Message != "instance not found" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestHandler_Status_Success(t *testing.T) {
	h, prov, e := newTestHandler()
	conn, _ := h.svc.Create(context.Background(), Input{Name: "s", InstanceID: "i", Token: "t"})
	prov.status = uazapi.StatusResult{Success: true, Status: uazapi.StatusDisconnected}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())

	if err := h.Status(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view StatusView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if rec.Code != http.StatusOK || view.Status != uazapi.StatusDisconnected {
		t.Errorf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_SendText(t *testing.T) {
	h, prov, e := newTestHandler()
	conn, _ := h.svc.Create(context.Background(), Input{Name: "s", InstanceID: "i", Token: "t"})
	prov.send = uazapi.SendResult{Success: true, Message: "message sent", Raw: map[string]any{"id": "m1"}}

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"number":"5511","text":"hello"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())

	if err := h.SendText(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(prov.sent) != 1 {
		t.Errorf("expected one send, got %v", prov.sent)
	}
}

func TestHandler_Delete(t *testing.T) {
	h, _, e := newTestHandler()
	conn, _ := h.svc.Create(context.Background(), Input{Name: "s", InstanceID: "i", Token: "t"})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(conn.ID.String())

	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/connections":               false,
		"POST /api/v1/connections":              false,
		"GET /api/v1/connections/:id":           false,
		"PUT /api/v1/connections/:id":           false,
		"DELETE /api/v1/connections/:id":        false,
		"GET /api/v1/connections/:id/status":    false,
		"POST /api/v1/connections/:id/messages": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}
