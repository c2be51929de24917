package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runHealth(t *testing.T, checks map[string]Check) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	if err := HealthHandler(nil, checks)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := runHealth(t, map[string]Check{
		"storage": func(context.Context) error { return nil },
	})
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("expected healthy 200, got %d %v", code, body)
	}
	if _, ok := body["pool"]; ok {
		t.Error("pool stats should be omitted without a pool")
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, body := runHealth(t, map[string]Check{
		"storage":    func(context.Context) error { return nil },
		"delegation": func(context.Context) error { return errors.New("redis down") },
	})
	if code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("expected unhealthy 503, got %d %v", code, body)
	}
	checks := body["checks"].(map[string]interface{})
	if checks["delegation"] != "redis down" || checks["storage"] != "ok" {
		t.Errorf("unexpected check results %v", checks)
	}
}

func TestHealthHandler_NoChecks(t *testing.T) {
	code, _ := runHealth(t, nil)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
}
