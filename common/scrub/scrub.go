// Package scrub provides the process-wide registry of live credential-derived
// strings and redacts them from any text destined for an agent.
//
// # Threat model
//
// Secret values (provider API keys, channel tokens, scoped broker tokens) must
// never appear in:
//   - Proxy response bodies or headers returned to agents
//   - Exec stdout/stderr surfaced to agents
//   - Log lines or audit payloads (except as stable hashes)
//
// A registered secret is matched case-insensitively in four encodings: the raw
// value, standard base64, lowercase hex, and URL query escaping. Matches are
// replaced with a stable marker of the form <secret:LABEL> (or
// <secret:LABEL:base64|hex|url> for the derived encodings).
//
// Redaction operates on exact variants only. It is NOT a substitute for
// keeping secrets out of response paths in the first place.
package scrub

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// minSecretLen is the shortest value the registry will track. Shorter values
// would redact common substrings all over the output.
const minSecretLen = 2

// labelPattern is the allowed shape of a redaction label as it appears inside
// markers. Anything else is normalised before registration.
var labelPattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// variant is one concrete string form of a registered secret.
type variant struct {
	label    string
	encoding string // "" for raw, else "base64", "hex", "url"
	needle   string // ascii-lowered form used for matching
	size     int    // byte length of the original variant
}

// Registry holds every secret-derived string known to the process.
//
// Registration happens at secret load, token mint, and per proxy request;
// scrubbing happens on every agent-facing egress path. Reads vastly outnumber
// writes, so the variant list is guarded by a RWMutex and re-sorted on write.
type Registry struct {
	mu       sync.RWMutex
	variants []variant
	onError  func(err error)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

// OnError installs a callback invoked when Scrub recovers from an internal
// failure. The audit layer hooks this to record scrub_error events without
// the scrub package importing it.
func (r *Registry) OnError(fn func(err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Register adds value under label, together with its base64, hex, and
// URL-encoded forms. Values shorter than two characters are ignored.
// Registration is infallible and idempotent per (label, value) pair.
func (r *Registry) Register(label, value string) {
	if len(value) < minSecretLen {
		return
	}
	label = normaliseLabel(label)

	forms := []struct {
		encoding string
		text     string
	}{
		{"", value},
		{"base64", base64.StdEncoding.EncodeToString([]byte(value))},
		{"hex", hex.EncodeToString([]byte(value))},
		{"url", url.QueryEscape(value)},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range forms {
		// The URL-escaped form of a plain token is often identical to the
		// raw value; skip duplicates so the marker stays stable.
		if f.encoding != "" && f.text == value {
			continue
		}
		v := variant{
			label:    label,
			encoding: f.encoding,
			needle:   asciiLower(f.text),
			size:     len(f.text),
		}
		if r.containsLocked(v) {
			continue
		}
		r.variants = append(r.variants, v)
	}
	// Longest variants first so that replacing one form can never leave a
	// shorter registered form behind inside the output.
	sort.SliceStable(r.variants, func(i, j int) bool {
		return len(r.variants[i].needle) > len(r.variants[j].needle)
	})
}

// RegisterAgentMarker registers an agent-identifying value (e.g. a resolved
// channel user id) under the conventional agent_<id> label.
func (r *Registry) RegisterAgentMarker(agentID, value string) {
	r.Register("agent_"+agentID, value)
}

// Scrub replaces every occurrence of every registered variant in text with its
// redaction marker. It never fails: on any internal error the input is
// returned unchanged and the error callback fires.
//
// Scrubbing is idempotent: the scan is a single left-to-right pass, emitted
// markers are never re-matched, and markers already present in the input pass
// through as atomic spans.
func (r *Registry) Scrub(text string) (out string) {
	defer func() {
		if rec := recover(); rec != nil {
			out = text
			r.reportError(fmt.Errorf("scrub: recovered: %v", rec))
		}
	}()

	r.mu.RLock()
	variants := r.variants
	r.mu.RUnlock()

	if len(variants) == 0 || text == "" {
		return text
	}

	lower := asciiLower(text)
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if end := markerEnd(text, i); end > i {
			b.WriteString(text[i:end])
			i = end
			continue
		}
		matched := false
		// Variants are sorted longest first, so the first hit is the longest.
		for _, v := range variants {
			if !strings.HasPrefix(lower[i:], v.needle) {
				continue
			}
			if overlapsMarker(text, i, len(v.needle)) {
				continue
			}
			b.WriteString(marker(v.label, v.encoding))
			i += len(v.needle)
			matched = true
			break
		}
		if !matched {
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// Snapshot returns the labels currently registered, for diagnostics. Values
// are never exposed.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.variants))
	labels := make([]string, 0, len(r.variants))
	for _, v := range r.variants {
		if _, dup := seen[v.label]; dup {
			continue
		}
		seen[v.label] = struct{}{}
		labels = append(labels, v.label)
	}
	sort.Strings(labels)
	return labels
}

// Clear removes all registered variants. Test hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants = nil
}

func (r *Registry) containsLocked(v variant) bool {
	for _, have := range r.variants {
		if have.label == v.label && have.encoding == v.encoding && have.needle == v.needle {
			return true
		}
	}
	return false
}

func (r *Registry) reportError(err error) {
	r.mu.RLock()
	fn := r.onError
	r.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// marker renders the redaction marker for a label/encoding pair.
func marker(label, encoding string) string {
	if encoding == "" {
		return "<secret:" + label + ">"
	}
	return "<secret:" + label + ":" + encoding + ">"
}

// normaliseLabel collapses anything outside [A-Za-z0-9_-] so markers stay
// parseable by downstream consumers.
func normaliseLabel(label string) string {
	label = labelPattern.ReplaceAllString(label, "_")
	if label == "" {
		return "unnamed"
	}
	return label
}

// asciiLower lowers A-Z only, preserving byte length. Secrets and their
// base64/hex/url encodings are ASCII, and length-preserving lowering keeps
// the fold-insensitive scan index-aligned with the original string.
func asciiLower(s string) string {
	hasUpper := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// markerPrefix opens every redaction marker.
const markerPrefix = "<secret:"

// markerEnd returns the index just past a well-formed redaction marker
// starting at i, or i when text[i:] does not begin with one. Marker spans are
// copied through Scrub verbatim so a registered value that happens to be a
// substring of marker text (like "secret") cannot rewrite a prior pass's
// output.
func markerEnd(text string, i int) int {
	if !strings.HasPrefix(text[i:], markerPrefix) {
		return i
	}
	j := i + len(markerPrefix)

	labelStart := j
	for j < len(text) && isLabelByte(text[j]) {
		j++
	}
	if j == labelStart {
		return i
	}

	if j < len(text) && text[j] == ':' {
		j++
		encStart := j
		for j < len(text) && text[j] >= 'a' && text[j] <= 'z' {
			j++
		}
		switch text[encStart:j] {
		case "base64", "hex", "url":
		default:
			return i
		}
	}

	if j < len(text) && text[j] == '>' {
		return j + 1
	}
	return i
}

// overlapsMarker reports whether a well-formed marker starts strictly inside
// the span [i, i+n). A variant match that swallows the opening of a marker
// would leave the marker's tail exposed to a later pass.
func overlapsMarker(text string, i, n int) bool {
	end := i + n
	if end > len(text) {
		end = len(text)
	}
	for p := i + 1; p < end; p++ {
		if text[p] == '<' && markerEnd(text, p) > p {
			return true
		}
	}
	return false
}

// isLabelByte matches the normalised label alphabet [A-Za-z0-9_-].
func isLabelByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}
