package adproxy

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// Upstream builds the transport used to reach origin servers. Every
// relayed request gets its own connection: keep-alives and HTTP/2 are
// off, and response bodies are passed through without transparent
// decompression so the client sees exactly what the origin sent.
type Upstream struct {
	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	// Zero means the default (30 seconds).
	DialTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for a server's
	// response headers after the request has been fully written.
	// Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// TLSHandshakeTimeout applies to "https" absolute-form targets.
	// Zero means the default (10 seconds).
	TLSHandshakeTimeout time.Duration

	transport atomic.Pointer[http.Transport]
	stats     upstreamStats
}

type upstreamStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	failures       atomic.Int64
}

// NewUpstream creates an Upstream with proxy defaults.
func NewUpstream() *Upstream {
	return &Upstream{
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
	}
}

// Build creates the underlying [http.Transport]. It is safe to call more
// than once; each call replaces the previous transport.
func (u *Upstream) Build() *http.Transport {
	dialTimeout := u.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	tlsTimeout := u.TLSHandshakeTimeout
	if tlsTimeout == 0 {
		tlsTimeout = 10 * time.Second
	}

	t := &http.Transport{
		// Never chain through HTTP_PROXY; this process is the proxy.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: u.ResponseHeaderTimeout,
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
	}

	u.transport.Store(t)
	return t
}

// Transport returns an [http.RoundTripper] that wraps the upstream
// transport with request counting. If [Upstream.Build] has not been
// called, it is called automatically.
func (u *Upstream) Transport() http.RoundTripper {
	if u.transport.Load() == nil {
		u.Build()
	}
	return &countingRoundTripper{up: u}
}

// Stats returns a snapshot of upstream statistics.
func (u *Upstream) Stats() UpstreamStats {
	return UpstreamStats{
		TotalRequests:  u.stats.totalRequests.Load(),
		ActiveRequests: u.stats.activeRequests.Load(),
		Failures:       u.stats.failures.Load(),
	}
}

// UpstreamStats holds a snapshot of upstream request counters.
type UpstreamStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	Failures       int64 `json:"failures"`
}

type countingRoundTripper struct {
	up *Upstream
}

func (rt *countingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.up.stats.totalRequests.Add(1)
	rt.up.stats.activeRequests.Add(1)
	defer rt.up.stats.activeRequests.Add(-1)

	t := rt.up.transport.Load()
	if t == nil {
		t = rt.up.Build()
	}

	resp, err := t.RoundTrip(req)
	if err != nil {
		rt.up.stats.failures.Add(1)
	}
	return resp, err
}
