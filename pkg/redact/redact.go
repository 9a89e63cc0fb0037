// Package redact implements pattern-based secret scrubbing applied to all
// outbound text. The pattern set is a process-wide immutable snapshot;
// Reload swaps it atomically so in-flight scrubs keep their snapshot.
//
// Redaction is idempotent: Redact(Redact(s)) == Redact(s). Replacement
// markers use ‹…› delimiters that no pattern can match, and the
// high-entropy detector skips tokens containing a marker delimiter.
package redact

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

const (
	// entropyMinLen is the minimum token length considered by the
	// high-entropy detector.
	entropyMinLen = 16
	// entropyThreshold is in Shannon bits per character.
	entropyThreshold = 4.5
)

// rule is a single compiled redaction pattern.
type rule struct {
	name        string
	re          *regexp.Regexp
	replacement string
}

// patternSet is an immutable snapshot of compiled rules.
type patternSet struct {
	rules []rule
}

// Redactor scrubs secrets from outbound strings.
type Redactor struct {
	snap atomic.Pointer[patternSet]
}

// builtinPatterns are the minimum required patterns. Extensions are layered
// on top via NewWithPatterns or Reload.
var builtinPatterns = []struct {
	name, expr, replacement string
}{
	{"aws_access_key_id", `AKIA[0-9A-Z]{16}`, "‹AWS_KEY_REDACTED›"},
	{"github_pat", `ghp_[0-9A-Za-z]{36,40}`, "‹GH_TOKEN_REDACTED›"},
	{"ssh_public_key", `(ssh-(rsa|ed25519))\s+[A-Za-z0-9/+]+={0,3}`, "‹SSH_KEY_REDACTED›"},
}

// New creates a Redactor with the built-in pattern set.
func New() *Redactor {
	r, err := NewWithPatterns(nil)
	if err != nil {
		// Built-in patterns are compile-checked by tests.
		panic(err)
	}
	return r
}

// NewWithPatterns creates a Redactor with the built-in patterns plus extra
// named patterns (name → regex). Extra patterns are replaced with
// ‹<NAME>_REDACTED›.
func NewWithPatterns(extra map[string]string) (*Redactor, error) {
	set, err := compile(extra)
	if err != nil {
		return nil, err
	}
	r := &Redactor{}
	r.snap.Store(set)
	return r, nil
}

// Reload atomically replaces the pattern snapshot. In-flight redactions
// keep the previous snapshot.
func (r *Redactor) Reload(extra map[string]string) error {
	set, err := compile(extra)
	if err != nil {
		return err
	}
	r.snap.Store(set)
	return nil
}

func compile(extra map[string]string) (*patternSet, error) {
	set := &patternSet{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.expr)
		if err != nil {
			return nil, fmt.Errorf("redact: builtin pattern %s: %w", p.name, err)
		}
		set.rules = append(set.rules, rule{name: p.name, re: re, replacement: p.replacement})
	}

	// Deterministic order for extra patterns.
	names := make([]string, 0, len(extra))
	for name := range extra {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		re, err := regexp.Compile(extra[name])
		if err != nil {
			return nil, fmt.Errorf("redact: pattern %s: %w", name, err)
		}
		set.rules = append(set.rules, rule{
			name:        name,
			re:          re,
			replacement: "‹" + strings.ToUpper(name) + "_REDACTED›",
		})
	}
	return set, nil
}

// Redact scrubs all configured patterns plus high-entropy values from s.
func (r *Redactor) Redact(s string) string {
	out, _ := r.RedactWithHits(s)
	return out
}

// RedactWithHits scrubs s and reports how many replacements were made.
// Hits are reported, never treated as failures.
func (r *Redactor) RedactWithHits(s string) (string, int) {
	set := r.snap.Load()
	hits := 0
	for _, rl := range set.rules {
		s = rl.re.ReplaceAllStringFunc(s, func(string) string {
			hits++
			return rl.replacement
		})
	}
	s, entropyHits := redactHighEntropy(s)
	return s, hits + entropyHits
}

// RedactMap scrubs every value of an attachment map.
func (r *Redactor) RedactMap(attachments map[string][]byte) map[string][]byte {
	if attachments == nil {
		return nil
	}
	out := make(map[string][]byte, len(attachments))
	for k, v := range attachments {
		out[k] = []byte(r.Redact(string(v)))
	}
	return out
}

// configValueLine matches key=value / key: value lines, the contexts where
// the generic entropy detector applies.
var configValueLine = regexp.MustCompile(`^\s*(?:export\s+)?[A-Za-z0-9_.-]+\s*[:=]\s*(.+)$`)

// redactHighEntropy replaces high-entropy runs in config-file-like lines.
func redactHighEntropy(s string) (string, int) {
	if !strings.ContainsAny(s, ":=") {
		return s, 0
	}
	hits := 0
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		m := configValueLine.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		value := line[m[2]:m[3]]
		tokens := strings.Fields(value)
		changed := false
		for j, tok := range tokens {
			trimmed := strings.Trim(tok, `"'`)
			if len(trimmed) < entropyMinLen {
				continue
			}
			// Never re-inspect a previous replacement marker.
			if strings.ContainsAny(trimmed, "‹›") {
				continue
			}
			if shannonEntropy(trimmed) > entropyThreshold {
				tokens[j] = "‹HIGH_ENTROPY_REDACTED›"
				changed = true
				hits++
			}
		}
		if changed {
			lines[i] = line[:m[2]] + strings.Join(tokens, " ")
		}
	}
	if hits == 0 {
		return s, 0
	}
	return strings.Join(lines, "\n"), hits
}

// shannonEntropy returns the sample entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
