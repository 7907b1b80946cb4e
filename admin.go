package adproxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI provides REST endpoints for inspecting the proxy at runtime:
// the active rule counts and patterns, a dry-run decision for any URL,
// and an on-demand reload of the filter lists.
//
// The API is mounted at a configurable path prefix (default "/api") and
// uses [chi] for routing. Responses are JSON and are compressed when the
// client allows it, since the rule dump of a large list runs to megabytes.
type AdminAPI struct {
	// Proxy is the proxy instance to inspect.
	Proxy *Proxy

	// Reloader rebuilds the rules on POST /api/reload. If nil, the reload
	// endpoint returns 501 Not Implemented.
	Reloader *Reloader

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes (default "/api").
	PathPrefix string

	handler http.Handler
}

// NewAdminAPI creates an AdminAPI wired to the given proxy and reloader.
func NewAdminAPI(proxy *Proxy, reloader *Reloader) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Reloader:   reloader,
		Logger:     slog.Default(),
		PathPrefix: "/api",
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/rules", a.handleRules)
	r.Post("/reload", a.handleReload)
	r.Post("/check", a.handleCheck)

	a.handler = NewCompressHandler(r)
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.handler)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status     string         `json:"status"`
	Loaded     bool           `json:"loaded"`
	Rules      RuleSetStats   `json:"rules"`
	LastReload *time.Time     `json:"last_reload,omitempty"`
	Uptime     string         `json:"uptime,omitempty"`
	Upstream   *UpstreamStats `json:"upstream,omitempty"`
}

// SpoofEntry is one row of a header's spoofing table.
type SpoofEntry struct {
	Trigger string `json:"trigger"`
	Value   string `json:"value"`
}

// RulesResponse is returned by GET /api/rules.
type RulesResponse struct {
	Block []string                `json:"block"`
	Allow []string                `json:"allow"`
	Spoof map[string][]SpoofEntry `json:"spoof"`
}

// CheckRequest is the body for POST /api/check.
type CheckRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// CheckResponse reports the verdict the proxy would give a request.
type CheckResponse struct {
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	Admitted bool                `json:"admitted"`
	Code     int                 `json:"code,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReloadResponse is returned by a successful POST /api/reload.
type ReloadResponse struct {
	Message string       `json:"message"`
	Rules   RuleSetStats `json:"rules"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	store := a.Proxy.Rules
	resp := StatusResponse{
		Status: "ok",
		Loaded: store.Loaded(),
		Rules:  store.Get().Stats(),
	}

	if a.Reloader != nil {
		if t := a.Reloader.LastReload(); !t.IsZero() {
			resp.LastReload = &t
		}
	}
	if a.Proxy.HealthChecker != nil {
		resp.Uptime = a.Proxy.HealthChecker.Uptime().String()
	}
	if a.Proxy.Upstream != nil {
		stats := a.Proxy.Upstream.Stats()
		resp.Upstream = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleRules(w http.ResponseWriter, _ *http.Request) {
	rs := a.Proxy.Rules.Get()

	resp := RulesResponse{
		Block: rs.BlockPatterns(),
		Allow: rs.AllowPatterns(),
		Spoof: make(map[string][]SpoofEntry),
	}
	if resp.Block == nil {
		resp.Block = []string{}
	}
	if resp.Allow == nil {
		resp.Allow = []string{}
	}
	for _, name := range rs.SpoofedHeaderNames() {
		for _, r := range rs.SpoofRules(name) {
			resp.Spoof[name] = append(resp.Spoof[name], SpoofEntry{
				Trigger: r.Trigger.String(),
				Value:   r.Value,
			})
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Reloader == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.Reloader.Reload(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("filter lists reloaded via admin API")
	a.writeJSON(w, http.StatusOK, ReloadResponse{
		Message: "reload successful",
		Rules:   a.Proxy.Rules.Get().Stats(),
	})
}

func (a *AdminAPI) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.URL == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	v := Decide(req.Method, req.URL, a.Proxy.Rules.Get())
	resp := CheckResponse{
		Method:   req.Method,
		URL:      req.URL,
		Admitted: v.Admitted(),
		Code:     v.Code,
		Reason:   v.Reason,
	}
	if len(v.Header) > 0 {
		resp.Headers = make(map[string][]string, len(v.Header))
		for name, values := range v.Header {
			resp.Headers[name] = slices.Clone(values)
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
