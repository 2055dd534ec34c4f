package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/engine"
	"github.com/dgnsrekt/netlens/internal/hook"
)

type stubService struct {
	started []string
	records map[string][]capture.Record
}

func (s *stubService) StartMonitoring(ctx context.Context, sessionID, profileAlias string) error {
	s.started = append(s.started, sessionID)
	return nil
}

func (s *stubService) StopMonitoring(sessionID string) error {
	if _, ok := s.records[sessionID]; !ok {
		return fmt.Errorf("session %q: %w", sessionID, engine.ErrUnknownSession)
	}
	return nil
}

func (s *stubService) Cleanup(sessionID string) error { return nil }

func (s *stubService) Status() engine.Status {
	return engine.Status{Hooks: 2, Patterns: 3, TotalCaptured: 7}
}

func (s *stubService) Records(sessionID string) ([]capture.Record, error) {
	records, ok := s.records[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, engine.ErrUnknownSession)
	}
	return records, nil
}

func (s *stubService) Export(sessionID, format, path string) (string, error) {
	if _, ok := s.records[sessionID]; !ok {
		return "", fmt.Errorf("session %q: %w", sessionID, engine.ErrUnknownSession)
	}
	return "/tmp/export." + format, nil
}

func (s *stubService) Hooks() []hook.Summary {
	return []hook.Summary{{Name: "api", URLPatterns: []string{"https://api.example.com/*"}, Enabled: true}}
}

func newTestServer() (*stubService, http.Handler) {
	svc := &stubService{records: map[string][]capture.Record{
		"s1": {{Type: capture.TypeRequest, HookName: "api", SessionID: "s1", URL: "https://api.example.com/x"}},
	}}
	return svc, NewServer(svc)
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestStartSessionGeneratesID(t *testing.T) {
	svc, h := newTestServer()
	w := doRequest(t, h, http.MethodPost, "/api/v1/sessions", `{}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var out struct {
		SessionID    string `json:"session_id"`
		ProfileAlias string `json:"profile_alias"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.SessionID == "" {
		t.Fatal("session_id empty; want generated id")
	}
	if out.ProfileAlias != "default" {
		t.Fatalf("profile_alias = %q; want default", out.ProfileAlias)
	}
	if len(svc.started) != 1 || svc.started[0] != out.SessionID {
		t.Fatalf("started = %v; want [%s]", svc.started, out.SessionID)
	}
}

func TestGetRecords(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/api/v1/sessions/s1/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	var out struct {
		Count   int              `json:"count"`
		Records []capture.Record `json:"records"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.Count != 1 || len(out.Records) != 1 {
		t.Fatalf("count = %d, records = %d; want 1, 1", out.Count, len(out.Records))
	}
	if out.Records[0].URL != "https://api.example.com/x" {
		t.Fatalf("record URL = %q; want stub URL", out.Records[0].URL)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/api/v1/sessions/ghost/records", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestExportSession(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodPost, "/api/v1/sessions/s1/export", `{"format":"csv"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "/tmp/export.csv") {
		t.Fatalf("body = %s; want export path", w.Body.String())
	}
}

func TestListHooks(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/api/v1/hooks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"api"`) {
		t.Fatalf("body = %s; want hook name", w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var out engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if out.Hooks != 2 || out.TotalCaptured != 7 {
		t.Fatalf("status = %+v; want hooks 2, total 7", out)
	}
}

func TestDocsDarkMode(t *testing.T) {
	_, h := newTestServer()
	w := doRequest(t, h, http.MethodGet, "/docs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatal("docs missing dark theme marker")
	}
}
