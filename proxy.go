package adproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Proxy is a forward HTTP proxy that rejects requests matching the active
// RuleSet, rewrites spoofed headers, and streams everything else between
// client and origin.
type Proxy struct {
	// Addr is the address to listen on (e.g., ":8989")
	Addr string

	// Rules holds the active RuleSet. Each request reads it exactly once.
	Rules *RuleStore

	// Logger for proxy events
	Logger *slog.Logger

	// AccessLog writes one record per decision (optional)
	AccessLog *AccessLogger

	// Upstream builds the transport to origin servers. Ignored when
	// Transport is set.
	Upstream *Upstream

	// Transport for outbound requests (optional, overrides Upstream)
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// HealthChecker provides /healthz and /readyz endpoints (optional)
	HealthChecker *HealthChecker

	// Admin provides REST endpoints for rule inspection and reloads
	// (optional). It is reached with origin-form requests whose path has
	// Admin.PathPrefix.
	Admin *AdminAPI

	// MaxConns bounds the number of simultaneous client connections.
	// Zero means no limit.
	MaxConns int

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a proxy that filters with the rules in store.
func NewProxy(addr string, store *RuleStore) *Proxy {
	if store == nil {
		store = NewRuleStore(nil)
	}
	return &Proxy{
		Addr:     addr,
		Rules:    store,
		Logger:   slog.Default(),
		Upstream: NewUpstream(),
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts connections on listener. When MaxConns is set the
// listener is wrapped so that at most MaxConns connections are open.
func (p *Proxy) Serve(listener net.Listener) error {
	if p.MaxConns > 0 {
		listener = netutil.LimitListener(listener, p.MaxConns)
	}

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.Logger.Handler(), slog.LevelWarn),
	}
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", listener.Addr().String())
	return srv.Serve(listener)
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests. Origin-form requests (no host
// in the request target) are addressed to the proxy itself and may reach
// the health, metrics and admin endpoints; everything else is proxied.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Host == "" && r.Method != http.MethodConnect {
		if p.serveLocal(w, r) {
			return
		}
	}
	p.handleProxy(w, r)
}

func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) bool {
	if p.HealthChecker != nil {
		switch r.URL.Path {
		case "/healthz":
			p.HealthChecker.HandleHealthz(w, r)
			return true
		case "/readyz":
			p.HealthChecker.HandleReadyz(w, r)
			return true
		}
	}
	if p.Metrics != nil && r.URL.Path == "/metrics" {
		p.Metrics.Handler().ServeHTTP(w, r)
		return true
	}
	if p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) {
		p.Admin.ServeHTTP(w, r)
		return true
	}
	return false
}

// handleProxy decides on a request and either rejects it or relays it.
func (p *Proxy) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// The snapshot taken here is used for the whole request, even if a
	// reload publishes a new RuleSet while the body is streaming.
	rs := p.Rules.Get()

	target := r.RequestURI
	verdict := Decide(r.Method, target, rs)
	if !verdict.Admitted() {
		p.reject(w, r, verdict, start)
		return
	}

	if r.URL.Host == "" {
		p.Logger.Debug("origin-form request to proxy", "path", r.URL.Path)
		p.reject(w, r, Reject(http.StatusBadRequest, "Not a proxy request"), start)
		return
	}

	p.relay(w, r, verdict, start)
}

// reject writes a bare status line and logs the decision. No upstream
// connection is made.
func (p *Proxy) reject(w http.ResponseWriter, r *http.Request, v Verdict, start time.Time) {
	if p.Metrics != nil {
		switch v.Code {
		case http.StatusForbidden:
			p.Metrics.RecordRequest(r.Method, "blocked")
			p.Metrics.RecordBlocked(v.Reason)
		case http.StatusNotImplemented:
			p.Metrics.RecordRequest(r.Method, "unsupported")
			p.Metrics.RecordBlocked(v.Reason)
		default:
			p.Metrics.RecordRequest(r.Method, "invalid")
		}
	}
	p.Logger.Debug("rejected", "method", r.Method, "url", r.RequestURI, "code", v.Code, "reason", v.Reason)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(v.Code)

	p.AccessLog.Log(AccessLogEntry{
		Timestamp:  start,
		ClientIP:   clientIP(r.RemoteAddr),
		StatusCode: v.Code,
		Method:     r.Method,
		URL:        r.RequestURI,
		Message:    v.Reason,
		Blocked:    true,
		Duration:   time.Since(start),
	})
}

// relay forwards an admitted request upstream and streams the response
// back. The outbound request is bound to the client's context, so a
// client that goes away tears down the upstream connection too.
func (p *Proxy) relay(w http.ResponseWriter, r *http.Request, v Verdict, start time.Time) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "admitted")
		defer p.Metrics.TrackRelay()()
		if len(v.Header) > 0 {
			p.Metrics.RecordSpoofed(v.Header)
		}
	}

	outReq := p.outboundRequest(r, v)

	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.RequestURI)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(r.URL.Hostname())
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusInternalServerError)
		p.AccessLog.Log(AccessLogEntry{
			Timestamp:  start,
			ClientIP:   clientIP(r.RemoteAddr),
			StatusCode: http.StatusInternalServerError,
			Method:     r.Method,
			URL:        r.RequestURI,
			Message:    err.Error(),
			Spoofed:    headerNames(v.Header),
			Duration:   time.Since(start),
		})
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	// Push the status line out now. A body that is slow to start must not
	// hold back the headers, and a later upstream failure can only be
	// reported by dropping the connection.
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		p.Logger.Debug("flush headers", "error", err, "url", r.RequestURI)
	}

	written, err := copyFlush(w, resp.Body)

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	entry := AccessLogEntry{
		Timestamp:    start,
		ClientIP:     clientIP(r.RemoteAddr),
		StatusCode:   resp.StatusCode,
		Method:       r.Method,
		URL:          r.RequestURI,
		Message:      resp.Header.Get("Location"),
		Spoofed:      headerNames(v.Header),
		Duration:     time.Since(start),
		BytesWritten: written,
	}

	var upErr *upstreamReadError
	switch {
	case err == nil:
		p.AccessLog.Log(entry)
	case errors.As(err, &upErr) && r.Context().Err() == nil:
		// Headers are already on the wire, so there is no way to report
		// the failure with a status code. Drop the client connection.
		p.Logger.Error("upstream body", "error", upErr.err, "url", r.RequestURI)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(r.URL.Hostname())
		}
		entry.Message = upErr.err.Error()
		p.AccessLog.Log(entry)
		panic(http.ErrAbortHandler)
	default:
		p.Logger.Debug("client write", "error", err, "url", r.RequestURI)
		entry.Message = err.Error()
		p.AccessLog.Log(entry)
	}
}

// outboundRequest builds the request sent upstream: hop-by-hop headers are
// dropped and the verdict's spoofed headers replace the client's values.
func (p *Proxy) outboundRequest(r *http.Request, v Verdict) *http.Request {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	if r.ContentLength == 0 {
		outReq.Body = nil
	}
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}

	removeConnectionHeaders(outReq.Header)
	removeHopByHopHeaders(outReq.Header)
	for name, values := range v.Header {
		outReq.Header[name] = slices.Clone(values)
	}
	return outReq
}

// transport returns the effective http.RoundTripper.
func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.Transport != nil:
		return p.Transport
	case p.Upstream != nil:
		return p.Upstream.Transport()
	default:
		return defaultUpstream.Transport()
	}
}

var defaultUpstream = NewUpstream()

// upstreamReadError marks a failure reading the origin's response body, as
// opposed to a failure writing to the client.
type upstreamReadError struct {
	err error
}

func (e *upstreamReadError) Error() string { return e.err.Error() }
func (e *upstreamReadError) Unwrap() error { return e.err }

// copyFlush streams src to w one chunk at a time, flushing after every
// chunk so the client sees data as soon as the origin sends it.
func copyFlush(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, ferr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, &upstreamReadError{err: rerr}
		}
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func headerNames(h http.Header) []string {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Hop-by-hop headers that should not be forwarded. Proxy-Connection is
// not standard but clients still send it to proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// removeConnectionHeaders drops the headers named in Connection.
func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}
