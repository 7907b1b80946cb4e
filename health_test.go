package adproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)

	if h.IsAlive() {
		t.Error("expected not alive by default")
	}
	h.SetAlive(true)
	if !h.IsAlive() {
		t.Error("expected alive after SetAlive(true)")
	}
	h.SetAlive(false)
	if h.IsAlive() {
		t.Error("expected not alive after SetAlive(false)")
	}
}

func TestHealthChecker_ReadinessWaitsForRules(t *testing.T) {
	store := NewRuleStore(nil)
	h := NewHealthChecker(store)
	h.SetAlive(true)

	if h.IsReady() {
		t.Error("ready before any filter list was loaded")
	}
	store.Store(Aggregate(nil))
	if !h.IsReady() {
		t.Error("not ready after rules were loaded")
	}
}

func TestHealthChecker_ReadinessChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	h.SetAlive(true)
	if !h.IsReady() {
		t.Error("expected ready with no checks")
	}

	h.ReadinessChecks = append(h.ReadinessChecks, func() error {
		return errors.New("upstream dns down")
	})
	if h.IsReady() {
		t.Error("expected not ready with a failing check")
	}
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	h := NewHealthChecker(nil)

	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	h.SetAlive(true)
	rec = httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Uptime == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	store := NewRuleStore(nil)
	h := NewHealthChecker(store)

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "not ready" {
		t.Errorf("Status = %q", resp.Status)
	}
	want := []string{"proxy not started", "filter lists not loaded"}
	if len(resp.Details) != len(want) {
		t.Fatalf("Details = %v, want %v", resp.Details, want)
	}
	for i := range want {
		if resp.Details[i] != want[i] {
			t.Errorf("Details[%d] = %q, want %q", i, resp.Details[i], want[i])
		}
	}

	h.SetAlive(true)
	store.Store(EmptyRuleSet())
	rec = httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
