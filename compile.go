package adproxy

import (
	"net/http"
	"strings"
)

// LineKind classifies a single filter-list line.
type LineKind int

const (
	// KindComment covers "!" comments, unknown "!" directives and "[...]"
	// section headers.
	KindComment LineKind = iota

	// KindElementHiding covers cosmetic rules (any line containing "#").
	// They only make sense inside a browser and are skipped.
	KindElementHiding

	// KindBlock is a blacklist pattern.
	KindBlock

	// KindAllow is a whitelist pattern ("@@" prefix).
	KindAllow

	// KindSpoof is a header spoofing directive ("!key|trigger|value").
	KindSpoof

	// KindEmpty is a block or allow line whose pattern compiled to
	// nothing. It must never reach a matcher, since an empty pattern
	// matches every URL.
	KindEmpty
)

// String returns the kind name used in logs and the admin API.
func (k LineKind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindElementHiding:
		return "element-hiding"
	case KindBlock:
		return "block"
	case KindAllow:
		return "allow"
	case KindSpoof:
		return "spoof"
	case KindEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// FilterLine is the result of compiling one filter-list line.
type FilterLine struct {
	Kind LineKind

	// Raw is the trimmed source text.
	Raw string

	// Pattern is the compiled regular expression source for KindBlock and
	// KindAllow lines.
	Pattern string

	// Spoof is set for KindSpoof lines.
	Spoof *SpoofDirective
}

// Ignored reports whether the line contributes nothing to a RuleSet.
func (l FilterLine) Ignored() bool {
	switch l.Kind {
	case KindBlock, KindAllow, KindSpoof:
		return false
	default:
		return true
	}
}

// SpoofDirective is the uncompiled form of a spoofing rule. Trigger is a
// regular expression tested against the request URL; when it matches,
// the outgoing Header is set to Value.
type SpoofDirective struct {
	Header  string
	Trigger string
	Value   string
}

// directiveHeaders maps "!<key>|" directive keys to the request header
// they rewrite.
var directiveHeaders = map[string]string{
	"ref":        "Referer",
	"referer":    "Referer",
	"referrer":   "Referer",
	"ua":         "User-Agent",
	"user-agent": "User-Agent",
	"user_agent": "User-Agent",
}

// DirectiveHeader returns the header rewritten by a spoofing directive key.
func DirectiveHeader(key string) (string, bool) {
	h, ok := directiveHeaders[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return http.CanonicalHeaderKey(h), true
}

// CompileLine classifies a filter-list line and, for block and allow lines,
// compiles its pattern. It never fails: anything it cannot make sense of is
// treated as a comment.
func CompileLine(line string) FilterLine {
	line = strings.TrimSpace(line)
	fl := FilterLine{Raw: line}

	switch {
	case line == "":
		fl.Kind = KindComment
		return fl

	case strings.HasPrefix(line, "!"):
		fl.Kind = KindComment
		if d, ok := parseDirective(line[1:]); ok {
			fl.Kind = KindSpoof
			fl.Spoof = d
		}
		return fl

	case strings.HasPrefix(line, "["):
		fl.Kind = KindComment
		return fl

	case strings.Contains(line, "#"):
		fl.Kind = KindElementHiding
		return fl

	case strings.HasPrefix(line, "@@"):
		fl.Kind = KindAllow
		fl.Pattern = CompilePattern(line[2:])

	default:
		fl.Kind = KindBlock
		fl.Pattern = CompilePattern(line)
	}

	if fl.Pattern == "" {
		fl.Kind = KindEmpty
	}
	return fl
}

func parseDirective(s string) (*SpoofDirective, bool) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return nil, false
	}
	header, ok := DirectiveHeader(parts[0])
	if !ok {
		return nil, false
	}
	return &SpoofDirective{
		Header:  header,
		Trigger: parts[1],
		Value:   parts[2],
	}, true
}

// metaChars are escaped in pattern bodies, along with ASCII whitespace.
// "*" is handled separately.
const metaChars = "-[]{}()*+?.,\\^$|# \t\n\v\f\r"

// CompilePattern turns the body of a block or allow line into an unanchored
// regular expression.
//
// Only the first "*" becomes a wildcard; later ones stay literal unless
// they end the pattern, where they are dropped. The adblock anchors "||"
// and "^" are deleted, as is a "$" option suffix with everything after it,
// so "||ads.example.com^$third-party" ends up as a plain substring match on
// "ads.example.com".
func CompilePattern(text string) string {
	if i := strings.IndexByte(text, '$'); i >= 0 {
		text = text[:i]
	}
	text = strings.ReplaceAll(text, "||", "")
	text = strings.ReplaceAll(text, "^", "")

	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	wildcard := false
	for i, r := range text {
		switch {
		case r == '*' && !wildcard:
			wildcard = true
			b.WriteString(".*")
		case r == '*' && strings.TrimRight(text[i:], "*") == "":
			// Trailing wildcards add nothing to a containment match.
			return b.String()
		case strings.ContainsRune(metaChars, r):
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
