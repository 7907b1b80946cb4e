package adproxy

import (
	"net/http"
	"regexp"
	"strings"
)

// Source is one loaded filter list.
type Source struct {
	// Name identifies the list in logs (usually its path or URL).
	Name string

	// Data is the raw list text.
	Data []byte
}

// pattern is a single compiled block or allow entry. Entries that compile
// to a plain literal skip the regexp engine.
type pattern struct {
	source  string
	literal string
	re      *regexp.Regexp
}

func (p *pattern) match(s string) bool {
	if p.re == nil {
		return strings.Contains(s, p.literal)
	}
	return p.re.MatchString(s)
}

// Matcher tests a URL against a list of independently compiled patterns
// and reports a hit if any one of them matches. A nil *Matcher never
// matches.
type Matcher struct {
	patterns []*pattern
}

// newMatcher compiles the given pattern sources. Sources that fail to
// compile are returned separately so the caller can account for them.
func newMatcher(sources []string) (*Matcher, int) {
	m := &Matcher{patterns: make([]*pattern, 0, len(sources))}
	bad := 0
	for _, src := range sources {
		if src == "" {
			bad++
			continue
		}
		re, err := regexp.Compile(src)
		if err != nil {
			bad++
			continue
		}
		p := &pattern{source: src}
		if lit, complete := re.LiteralPrefix(); complete {
			p.literal = lit
		} else {
			p.re = re
		}
		m.patterns = append(m.patterns, p)
	}
	if len(m.patterns) == 0 {
		return nil, bad
	}
	return m, bad
}

// Match reports whether url contains a match for any pattern.
func (m *Matcher) Match(url string) bool {
	if m == nil {
		return false
	}
	for _, p := range m.patterns {
		if p.match(url) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns in the matcher.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// Sources returns the compiled pattern sources in load order.
func (m *Matcher) Sources() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.patterns))
	for i, p := range m.patterns {
		out[i] = p.source
	}
	return out
}

// SpoofRule sets Header to Value on requests whose URL matches Trigger.
type SpoofRule struct {
	Header  string
	Trigger *regexp.Regexp
	Value   string
}

// RuleSetStats summarizes what went into a RuleSet.
type RuleSetStats struct {
	Sources int `json:"sources"`
	Lines   int `json:"lines"`
	Block   int `json:"block"`
	Allow   int `json:"allow"`
	Spoof   int `json:"spoof"`
	Ignored int `json:"ignored"`
}

// Rules returns the number of active block, allow and spoof rules.
func (s RuleSetStats) Rules() int {
	return s.Block + s.Allow + s.Spoof
}

// RuleSet is an immutable snapshot of everything loaded from a set of
// filter lists: the blacklist, the whitelist and the per-header spoofing
// tables. A RuleSet is never modified after Aggregate returns it, so it
// can be shared by any number of in-flight requests.
type RuleSet struct {
	block   *Matcher
	allow   *Matcher
	spoof   map[string][]SpoofRule
	headers []string
	stats   RuleSetStats
}

var emptyRuleSet = &RuleSet{spoof: map[string][]SpoofRule{}}

// EmptyRuleSet returns a RuleSet that blocks nothing and rewrites nothing.
func EmptyRuleSet() *RuleSet {
	return emptyRuleSet
}

// Aggregate compiles every line of every source and combines the results
// into a single RuleSet. Block entries from all sources share one matcher,
// as do allow entries; spoofing directives are kept per header in the
// order they were encountered.
func Aggregate(sources []Source) *RuleSet {
	var (
		blockSrc []string
		allowSrc []string
		spoof    = make(map[string][]SpoofRule)
		headers  []string
		stats    = RuleSetStats{Sources: len(sources)}
	)

	for _, src := range sources {
		for line := range strings.SplitSeq(string(src.Data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			stats.Lines++

			fl := CompileLine(line)
			switch fl.Kind {
			case KindBlock:
				blockSrc = append(blockSrc, fl.Pattern)
			case KindAllow:
				allowSrc = append(allowSrc, fl.Pattern)
			case KindSpoof:
				re, err := regexp.Compile(fl.Spoof.Trigger)
				if err != nil {
					stats.Ignored++
					continue
				}
				h := fl.Spoof.Header
				if _, seen := spoof[h]; !seen {
					headers = append(headers, h)
				}
				spoof[h] = append(spoof[h], SpoofRule{Header: h, Trigger: re, Value: fl.Spoof.Value})
				stats.Spoof++
			default:
				stats.Ignored++
			}
		}
	}

	block, badBlock := newMatcher(blockSrc)
	allow, badAllow := newMatcher(allowSrc)
	stats.Block = block.Len()
	stats.Allow = allow.Len()
	stats.Ignored += badBlock + badAllow

	return &RuleSet{
		block:   block,
		allow:   allow,
		spoof:   spoof,
		headers: headers,
		stats:   stats,
	}
}

// Blocked reports whether url matches the blacklist.
func (rs *RuleSet) Blocked(url string) bool {
	return rs.block.Match(url)
}

// Allowed reports whether url matches the whitelist.
func (rs *RuleSet) Allowed(url string) bool {
	return rs.allow.Match(url)
}

// SpoofHeaders returns the header values to force on a request for url.
// Each header's rules are applied in order, so the last matching rule
// wins. It returns nil when nothing matches.
func (rs *RuleSet) SpoofHeaders(url string) http.Header {
	var h http.Header
	for _, name := range rs.headers {
		for _, r := range rs.spoof[name] {
			if !r.Trigger.MatchString(url) {
				continue
			}
			if h == nil {
				h = make(http.Header)
			}
			h.Set(name, r.Value)
		}
	}
	return h
}

// SpoofRules returns the spoofing rules for header, in load order.
func (rs *RuleSet) SpoofRules(header string) []SpoofRule {
	return rs.spoof[http.CanonicalHeaderKey(header)]
}

// SpoofedHeaderNames returns the headers that have spoofing rules, in the
// order they first appeared.
func (rs *RuleSet) SpoofedHeaderNames() []string {
	return append([]string(nil), rs.headers...)
}

// BlockPatterns returns the compiled blacklist pattern sources.
func (rs *RuleSet) BlockPatterns() []string {
	return rs.block.Sources()
}

// AllowPatterns returns the compiled whitelist pattern sources.
func (rs *RuleSet) AllowPatterns() []string {
	return rs.allow.Sources()
}

// Stats returns counts describing the RuleSet.
func (rs *RuleSet) Stats() RuleSetStats {
	return rs.stats
}
