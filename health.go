package adproxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker provides liveness and readiness checks for the proxy.
// Liveness is set once the listener is up. Readiness additionally requires
// every ReadinessCheck to pass; the checker built by NewHealthChecker
// includes one that fails until the first filter load has completed.
type HealthChecker struct {
	alive atomic.Bool

	startTime time.Time

	// ReadinessChecks must all return nil for /readyz to report ok.
	ReadinessChecks []ReadinessCheck
}

// ReadinessCheck returns nil if the component is ready, or an error
// describing why it is not.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a HealthChecker. When store is non-nil the
// proxy is reported not ready until a RuleSet has been loaded into it.
func NewHealthChecker(store *RuleStore) *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	if store != nil {
		h.ReadinessChecks = append(h.ReadinessChecks, RulesLoaded(store))
	}
	return h
}

// RulesLoaded returns a ReadinessCheck that passes once store holds a
// loaded RuleSet.
func RulesLoaded(store *RuleStore) ReadinessCheck {
	return func() error {
		if !store.Loaded() {
			return errors.New("filter lists not loaded")
		}
		return nil
	}
}

// SetAlive marks the proxy as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// IsAlive returns true if the proxy is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime).Truncate(time.Second)
}

// check runs the readiness checks and returns the failures.
func (h *HealthChecker) check() []string {
	var failures []string
	if !h.IsAlive() {
		failures = append(failures, "proxy not started")
	}
	for _, c := range h.ReadinessChecks {
		if err := c(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// IsReady returns true if the proxy is alive and every readiness check
// passes.
func (h *HealthChecker) IsReady() bool {
	return len(h.check()) == 0
}

// HandleHealthz handles the /healthz liveness endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.Uptime().String()}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz handles the /readyz readiness endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.Uptime().String()}
	status := http.StatusOK
	if failures := h.check(); len(failures) > 0 {
		resp.Status = "not ready"
		resp.Details = failures
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
