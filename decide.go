package adproxy

import (
	"net/http"
	"slices"
)

// Reasons reported for rejected requests.
const (
	ReasonUnsupported = "Unsupported"
	ReasonBlacklisted = "Blacklisted"
)

// SupportedMethods are the only request methods the proxy relays.
var SupportedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodHead,
	http.MethodPut,
	http.MethodDelete,
}

// Verdict is the outcome of checking a request against a RuleSet.
// A zero Code means the request is admitted; Header then holds the
// spoofed header values to force on the outgoing request.
type Verdict struct {
	Code   int         `json:"code,omitempty"`
	Reason string      `json:"reason,omitempty"`
	Header http.Header `json:"header,omitempty"`
}

// Admitted reports whether the request may be relayed upstream.
func (v Verdict) Admitted() bool {
	return v.Code == 0
}

// Reject builds a rejecting Verdict.
func Reject(code int, reason string) Verdict {
	return Verdict{Code: code, Reason: reason}
}

// Admit builds an admitting Verdict carrying header overrides.
func Admit(header http.Header) Verdict {
	return Verdict{Header: header}
}

// Decide checks a request against rs. The method check comes first, then
// the whitelist, then the blacklist: a whitelisted URL is never blocked.
// A nil rs behaves like EmptyRuleSet.
func Decide(method, url string, rs *RuleSet) Verdict {
	if !slices.Contains(SupportedMethods, method) {
		return Reject(http.StatusNotImplemented, ReasonUnsupported)
	}
	if rs == nil {
		rs = EmptyRuleSet()
	}
	if !rs.Allowed(url) && rs.Blocked(url) {
		return Reject(http.StatusForbidden, ReasonBlacklisted)
	}
	return Admit(rs.SpoofHeaders(url))
}
