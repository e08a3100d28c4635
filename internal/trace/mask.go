package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMarker replaces every masked value or substring.
	DefaultMarker = "[MASKED]"

	// TruncatedMarker ends strings cut at the scan limit.
	TruncatedMarker = "[TRUNCATED]"

	// DefaultMaxScanBytes bounds the size of a single string the masker scans.
	DefaultMaxScanBytes = 64 * 1024

	// maxPasses bounds the fixed-point loop in MaskString.
	maxPasses = 4
)

// PatternRule masks substrings matching Expr.
type PatternRule struct {
	Name string `koanf:"name" yaml:"name"`
	Expr string `koanf:"expr" yaml:"expr"`
}

// MaskConfig configures a Masker.
type MaskConfig struct {
	// Fields lists key names whose whole value is masked. Matching ignores
	// case, '-' and '_'.
	Fields []string

	// Patterns are applied to every string value (and number literal).
	Patterns []PatternRule

	Marker       string
	MaxScanBytes int
}

// DefaultFields are key names treated as personal data regardless of content.
var DefaultFields = []string{
	"email", "phone", "phone_number", "account_number", "card_number",
	"ssn", "password", "api_key", "secret", "token",
}

// DefaultPatterns cover email addresses, phone numbers and card or account
// numbers.
var DefaultPatterns = []PatternRule{
	{Name: "email", Expr: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	{Name: "card", Expr: `\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`},
	{Name: "phone", Expr: `\+?\b\d{2,4}[-. ]\d{3,4}[-. ]\d{4}\b`},
	{Name: "account", Expr: `\b\d{9,19}\b`},
}

// DefaultMaskConfig returns the stock masking policy.
func DefaultMaskConfig() MaskConfig {
	return MaskConfig{
		Fields:       append([]string(nil), DefaultFields...),
		Patterns:     append([]PatternRule(nil), DefaultPatterns...),
		Marker:       DefaultMarker,
		MaxScanBytes: DefaultMaxScanBytes,
	}
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Masker redacts personal data from trace payloads and log attributes.
// A Masker is immutable and safe for concurrent use.
type Masker struct {
	fields   map[string]struct{}
	patterns []compiledPattern
	marker   string
	maxScan  int
}

// NewMasker compiles cfg. An empty marker or scan limit falls back to the
// defaults.
func NewMasker(cfg MaskConfig) (*Masker, error) {
	m := &Masker{
		fields:  make(map[string]struct{}, len(cfg.Fields)),
		marker:  cfg.Marker,
		maxScan: cfg.MaxScanBytes,
	}
	if m.marker == "" {
		m.marker = DefaultMarker
	}
	if m.maxScan <= 0 {
		m.maxScan = DefaultMaxScanBytes
	}
	if m.maxScan <= len(TruncatedMarker) {
		return nil, fmt.Errorf("max scan bytes must exceed %d", len(TruncatedMarker))
	}

	for _, f := range cfg.Fields {
		if k := normalizeField(f); k != "" {
			m.fields[k] = struct{}{}
		}
	}

	for _, p := range cfg.Patterns {
		re, err := regexp.Compile("(?i)" + p.Expr)
		if err != nil {
			return nil, fmt.Errorf("mask pattern %q: %w", p.Name, err)
		}
		if re.MatchString(m.marker) || re.MatchString(TruncatedMarker) {
			return nil, fmt.Errorf("mask pattern %q matches the redaction marker", p.Name)
		}
		m.patterns = append(m.patterns, compiledPattern{name: p.Name, re: re})
	}

	return m, nil
}

// DefaultMasker returns a Masker built from DefaultMaskConfig.
func DefaultMasker() *Masker {
	m, err := NewMasker(DefaultMaskConfig())
	if err != nil {
		panic(err)
	}
	return m
}

// Marker returns the redaction marker.
func (m *Masker) Marker() string { return m.marker }

// IsSensitiveField reports whether values under key are masked wholesale.
func (m *Masker) IsSensitiveField(key string) bool {
	_, ok := m.fields[normalizeField(key)]
	return ok
}

// MaskString applies the pattern rules to s. The second return value is
// true when the result was cut at the scan limit. The result never exceeds
// the limit, so masking it again returns it unchanged.
func (m *Masker) MaskString(s string) (string, bool) {
	partial := false
	if len(s) > m.maxScan {
		s = clampAt(s, m.maxScan, m.matchSpans(s))
		partial = true
	}

	// Replacing one match can expose another pattern; run to a fixed point.
	for pass := 0; pass < maxPasses; pass++ {
		out := s
		for _, p := range m.patterns {
			out = p.re.ReplaceAllLiteralString(out, m.marker)
		}
		if len(out) > m.maxScan {
			out = clampAt(out, m.maxScan, markerSpans(out, m.marker))
			partial = true
		}
		if out == s {
			break
		}
		s = out
	}
	return s, partial
}

// matchSpans returns the pattern matches in the part of s a cut at the scan
// limit can reach.
func (m *Masker) matchSpans(s string) [][]int {
	window := s
	if len(window) > 2*m.maxScan {
		window = window[:2*m.maxScan]
	}
	var spans [][]int
	for _, p := range m.patterns {
		spans = append(spans, p.re.FindAllStringIndex(window, -1)...)
	}
	return spans
}

// markerSpans returns the byte ranges of every marker in s.
func markerSpans(s, marker string) [][]int {
	var spans [][]int
	for off := 0; ; {
		i := strings.Index(s[off:], marker)
		if i < 0 {
			return spans
		}
		start := off + i
		off = start + len(marker)
		spans = append(spans, []int{start, off})
	}
}

// clampAt cuts s so that it ends in TruncatedMarker and fits in limit bytes.
// The cut never splits a rune or falls strictly inside one of spans.
func clampAt(s string, limit int, spans [][]int) string {
	cut := limit - len(TruncatedMarker)
	for moved := true; moved; {
		moved = false
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		for _, sp := range spans {
			if sp[0] < cut && cut < sp[1] {
				cut = sp[0]
				moved = true
			}
		}
	}
	return s[:cut] + TruncatedMarker
}

// MaskPayload masks a deep copy of v and returns it as JSON. v itself is
// never modified. When v cannot be serialised the payload is replaced by a
// placeholder and partial is true; err is returned for logging only.
func (m *Masker) MaskPayload(v any) (masked json.RawMessage, partial bool, err error) {
	if v == nil {
		return json.RawMessage("null"), false, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return m.placeholder(v), true, fmt.Errorf("serialise payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return m.placeholder(v), true, fmt.Errorf("decode payload: %w", err)
	}

	tree, partial = m.maskValue(tree)

	out, err := json.Marshal(tree)
	if err != nil {
		return m.placeholder(v), true, fmt.Errorf("encode masked payload: %w", err)
	}
	return out, partial, nil
}

func (m *Masker) maskValue(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		return m.MaskString(val)
	case json.Number:
		s, partial := m.MaskString(val.String())
		if s != val.String() {
			return s, partial
		}
		return val, partial
	case []any:
		partial := false
		for i, elem := range val {
			var p bool
			val[i], p = m.maskValue(elem)
			partial = partial || p
		}
		return val, partial
	case map[string]any:
		partial := false
		for k, elem := range val {
			if elem != nil && m.IsSensitiveField(k) {
				val[k] = m.marker
				continue
			}
			var p bool
			val[k], p = m.maskValue(elem)
			partial = partial || p
		}
		return val, partial
	default:
		return val, false
	}
}

func (m *Masker) placeholder(v any) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"unserializable": fmt.Sprintf("%T", v)})
	return b
}

func normalizeField(name string) string {
	r := strings.NewReplacer("_", "", "-", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(name)))
}
