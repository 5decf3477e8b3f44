package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthReportsDegradedOnCheckerFailure(t *testing.T) {
	s := New(0, WithVersion("test"))
	s.RegisterChecker("repository", func(ctx context.Context) error { return nil })
	s.RegisterChecker("provider:p1", func(ctx context.Context) error { return errors.New("unreachable") })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even when degraded, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != StatusDegraded {
		t.Fatalf("expected degraded status, got %v", resp.Status)
	}
	if resp.Components["provider:p1"].Status != StatusUnhealthy {
		t.Fatalf("expected the failing checker reported unhealthy, got %+v", resp.Components)
	}
	if resp.Components["repository"].Status != StatusHealthy {
		t.Fatalf("expected the passing checker reported healthy, got %+v", resp.Components)
	}
}

func TestHandleHealthAllPassing(t *testing.T) {
	s := New(0)
	s.RegisterChecker("repository", func(ctx context.Context) error { return nil })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != StatusHealthy {
		t.Fatalf("expected healthy status, got %v", resp.Status)
	}
}

func TestHandleReadyNotReadyUntilSetReady(t *testing.T) {
	s := New(0)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before SetReady, got %d", rec.Code)
	}

	s.SetReady(true)
	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	s.handleReady(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after SetReady(true), got %d", rec.Code)
	}
}

func TestHandleReadyReflectsCheckerFailure(t *testing.T) {
	s := New(0)
	s.SetReady(true)
	s.RegisterChecker("repository", func(ctx context.Context) error { return errors.New("down") })

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when a checker fails even though ready, got %d", rec.Code)
	}
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	s := New(0)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected Shutdown to be a no-op before Start, got %v", err)
	}
}
