package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestHealthzReportsFailingDependency(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	srv.MountHealth(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["postgres"] != "ok" || body["redis"] != "connection refused" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestStatusCollectsSources(t *testing.T) {
	srv := NewServer(zerolog.Nop())
	srv.MountStatus(map[string]StatusFunc{
		"queue": func(context.Context) (any, error) { return map[string]int{"pending": 2}, nil },
		"broken": func(context.Context) (any, error) { return nil, errors.New("boom") },
	})

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["queue"]["pending"] != float64(2) {
		t.Fatalf("unexpected queue status: %v", body["queue"])
	}
	if body["broken"]["error"] != "boom" {
		t.Fatalf("unexpected broken status: %v", body["broken"])
	}
}
