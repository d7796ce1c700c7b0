package healthserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakeCheck struct {
	status  string
	message string
}

func (f *fakeCheck) CheckReady() (string, string) { return f.status, f.message }

// newTestMux строит тот же роутер, что и Server, но без реального
// listener'а, чтобы тестировать обработчики через httptest.
func newTestMux(checks map[string]ReadinessChecker) http.Handler {
	s := &Server{
		logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		checks:  checks,
		service: "test-service",
	}
	router := chi.NewRouter()
	router.Get("/healthz", s.handleLive)
	router.Get("/readyz", s.handleReady)
	return router
}

func TestHealthLive_AlwaysOK(t *testing.T) {
	mux := newTestMux(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthReady_AllOK(t *testing.T) {
	mux := newTestMux(map[string]ReadinessChecker{
		"catalog": &fakeCheck{status: "ok", message: "подключение активно"},
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body status = %v, want ok", body["status"])
	}
}

func TestHealthReady_OneCheckFails(t *testing.T) {
	mux := newTestMux(map[string]ReadinessChecker{
		"catalog": &fakeCheck{status: "ok"},
		"store":   &fakeCheck{status: "fail", message: "диск недоступен"},
	})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if body["status"] != "fail" {
		t.Errorf("body status = %v, want fail", body["status"])
	}
}
