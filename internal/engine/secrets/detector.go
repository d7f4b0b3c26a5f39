package secrets

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"devloop/internal/core/config"
)

const (
	defaultEntropyThreshold = 4.0
	defaultMinTokenLength   = 20
)

type Config struct {
	EntropyThreshold float64
	MinTokenLength   int
	Patterns         []config.SecretPattern
}

// ConfigFrom reads the detector settings of a secrets health worker.
func ConfigFrom(w config.HealthWorker) Config {
	return Config{
		EntropyThreshold: w.EntropyThreshold,
		MinTokenLength:   w.MinTokenLength,
		Patterns:         w.Patterns,
	}
}

// Finding is one suspected credential. Value is masked.
type Finding struct {
	Kind       string
	Severity   string
	Value      string
	Entropy    float64
	Confidence float64
	Line       int
	Column     int
	Length     int
}

// Blocking reports whether the finding should fail a health check rather
// than warn.
func (f Finding) Blocking() bool {
	return f.Severity == "high" || f.Severity == "critical"
}

var builtinPatterns = []config.SecretPattern{
	{Name: "aws-access-key-id", Severity: "high", Regex: `\bAKIA[0-9A-Z]{16}\b`},
	{Name: "github-pat", Severity: "high", Regex: `\bghp_[A-Za-z0-9]{36}\b`},
	{Name: "github-fine-grained-pat", Severity: "high", Regex: `\bgithub_pat_[A-Za-z0-9_]{82}\b`},
	{Name: "stripe-live-secret", Severity: "high", Regex: `\bsk_live_[A-Za-z0-9]{16,}\b`},
	{Name: "slack-token", Severity: "high", Regex: `\bxox[baprs]-[A-Za-z0-9-]{10,}\b`},
	{Name: "npm-token", Severity: "high", Regex: `\bnpm_[A-Za-z0-9]{36}\b`},
	{Name: "private-key-block", Severity: "critical", Regex: `-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`},
	{Name: "jwt", Severity: "medium", Regex: `\beyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`},
}

// Values containing one of these words are treated as placeholders.
var placeholderWords = []string{"example", "sample", "dummy", "placeholder", "changeme", "notasecret", "test"}

var (
	sensitiveNameRE = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key|token|auth[_-]?token|access[_-]?key|private[_-]?key|client[_-]?secret)\b`)
	quotedAnyRE     = regexp.MustCompile(`"([^"\r\n]{4,})"|'([^'\r\n]{4,})'`)
	quotedTokenRE   = regexp.MustCompile(`"([A-Za-z0-9_\-+=:/.]{12,})"|'([A-Za-z0-9_\-+=:/.]{12,})'`)
)

type rule struct {
	name     string
	severity string
	re       *regexp.Regexp
}

// Detector finds credentials with three passes: known token formats,
// quoted values assigned to sensitive names, and high-entropy quoted tokens.
// It holds no per-scan state and is safe for concurrent use.
type Detector struct {
	threshold float64
	minLen    int
	rules     []rule
}

func NewDetector(cfg Config) (*Detector, error) {
	d := &Detector{threshold: cfg.EntropyThreshold, minLen: cfg.MinTokenLength}
	if d.threshold <= 0 {
		d.threshold = defaultEntropyThreshold
	}
	if d.minLen <= 0 {
		d.minLen = defaultMinTokenLength
	}

	for _, p := range append(append([]config.SecretPattern{}, builtinPatterns...), cfg.Patterns...) {
		r, err := compileRule(p)
		if err != nil {
			return nil, err
		}
		d.rules = append(d.rules, r)
	}
	return d, nil
}

func compileRule(p config.SecretPattern) (rule, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return rule{}, fmt.Errorf("secret pattern name must not be empty")
	}
	expr := strings.TrimSpace(p.Regex)
	if expr == "" {
		return rule{}, fmt.Errorf("secret pattern %q regex must not be empty", name)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return rule{}, fmt.Errorf("compile secret pattern %q: %w", name, err)
	}
	severity := strings.ToLower(strings.TrimSpace(p.Severity))
	if severity == "" {
		severity = "medium"
	}
	return rule{name: name, severity: severity, re: re}, nil
}

// scan collects findings for one piece of content. Two passes reporting the
// same value at the same position keep the more confident finding.
type scan struct {
	text       string
	lineStarts []int
	found      map[string]Finding
}

func (s *scan) add(f Finding, offset int) {
	f.Line, f.Column = s.position(offset)
	f.Length = len(f.Value)
	key := fmt.Sprintf("%d:%d:%s", f.Line, f.Column, f.Value)
	if prev, ok := s.found[key]; ok && prev.Confidence >= f.Confidence {
		return
	}
	s.found[key] = f
}

// position converts a byte offset to a 1-based line and column.
func (s *scan) position(offset int) (int, int) {
	line := sort.SearchInts(s.lineStarts, offset+1) - 1
	if line < 0 {
		line = 0
	}
	return line + 1, offset - s.lineStarts[line] + 1
}

// Detect scans content for credentials. Findings are ordered by position.
func (d *Detector) Detect(content []byte) []Finding {
	if len(content) == 0 {
		return nil
	}
	s := &scan{text: string(content), lineStarts: []int{0}, found: make(map[string]Finding)}
	for i, b := range content {
		if b == '\n' {
			s.lineStarts = append(s.lineStarts, i+1)
		}
	}

	d.knownFormats(s)
	d.sensitiveAssignments(s)
	d.highEntropyTokens(s)
	if len(s.found) == 0 {
		return nil
	}

	out := make([]Finding, 0, len(s.found))
	for _, f := range s.found {
		f.Value = MaskValue(f.Value)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Kind < b.Kind
	})
	return out
}

func (d *Detector) knownFormats(s *scan) {
	for _, r := range d.rules {
		for _, loc := range r.re.FindAllStringIndex(s.text, -1) {
			value := s.text[loc[0]:loc[1]]
			if isPlaceholder(value) {
				continue
			}
			s.add(Finding{
				Kind:       r.name,
				Severity:   r.severity,
				Value:      value,
				Entropy:    entropy(value),
				Confidence: 0.99,
			}, loc[0])
		}
	}
}

// sensitiveAssignments reports quoted values on lines that mention a
// credential-like name. The entropy bar is lower than for bare tokens.
func (d *Detector) sensitiveAssignments(s *scan) {
	for i, start := range s.lineStarts {
		end := len(s.text)
		if i+1 < len(s.lineStarts) {
			end = s.lineStarts[i+1]
		}
		line := s.text[start:end]
		if !sensitiveNameRE.MatchString(line) {
			continue
		}
		for _, m := range quotedAnyRE.FindAllStringSubmatchIndex(line, -1) {
			from, to, ok := quotedGroup(m)
			if !ok {
				continue
			}
			value := line[from:to]
			if len(value) < d.minLen || isPlaceholder(value) {
				continue
			}
			e := entropy(value)
			if e < d.threshold*0.8 {
				continue
			}
			confidence := 0.70
			if e >= d.threshold {
				confidence = 0.85
			}
			s.add(Finding{
				Kind:       "sensitive-assignment",
				Severity:   "medium",
				Value:      value,
				Entropy:    e,
				Confidence: confidence,
			}, start+from)
		}
	}
}

func (d *Detector) highEntropyTokens(s *scan) {
	for _, m := range quotedTokenRE.FindAllStringSubmatchIndex(s.text, -1) {
		from, to, ok := quotedGroup(m)
		if !ok {
			continue
		}
		value := s.text[from:to]
		if len(value) < d.minLen || isPlaceholder(value) || !hasLetterAndDigit(value) {
			continue
		}
		e := entropy(value)
		if e < d.threshold {
			continue
		}
		s.add(Finding{
			Kind:       "high-entropy-string",
			Severity:   "low",
			Value:      value,
			Entropy:    e,
			Confidence: 0.6,
		}, from)
	}
}

// quotedGroup returns the bounds of whichever quote style matched.
func quotedGroup(m []int) (int, int, bool) {
	for i := 2; i+1 < len(m); i += 2 {
		if m[i] >= 0 {
			return m[i], m[i+1], true
		}
	}
	return 0, 0, false
}

func isPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, w := range placeholderWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func hasLetterAndDigit(value string) bool {
	var letter, digit bool
	for _, r := range value {
		letter = letter || unicode.IsLetter(r)
		digit = digit || unicode.IsDigit(r)
	}
	return letter && digit
}

// entropy is the Shannon entropy of value in bits per rune.
func entropy(value string) float64 {
	runes := []rune(value)
	if len(runes) == 0 {
		return 0
	}
	counts := make(map[rune]int, len(runes))
	for _, r := range runes {
		counts[r]++
	}
	n := float64(len(runes))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// MaskValue keeps the first and last four characters of long values and
// hides short ones entirely.
func MaskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + "..." + value[len(value)-4:]
}
