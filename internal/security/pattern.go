package security

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kballard/go-shellquote"
)

// MatchKind is how a pattern is compared with a command
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchGlob     MatchKind = "glob"
	MatchRegex    MatchKind = "regex"
	MatchContains MatchKind = "contains"
)

// Pattern is one allow or deny entry
type Pattern struct {
	Pattern string    `yaml:"pattern" json:"pattern"`
	Match   MatchKind `yaml:"match" json:"match,omitempty"`
	Risk    RiskLevel `yaml:"risk" json:"risk,omitempty"`
	Reason  string    `yaml:"reason" json:"reason,omitempty"`

	re *regexp.Regexp
}

// Glob metacharacters that switch the default kind from exact to glob
const globMeta = "*?[{"

// pathSep stands in for '/' during glob matching so wildcards span paths
const pathSep = "\x1f"

func (p *Pattern) kind() MatchKind {
	if p.Match != "" {
		return p.Match
	}
	if strings.ContainsAny(p.Pattern, globMeta) {
		return MatchGlob
	}
	return MatchExact
}

func (p *Pattern) validate() error {
	if strings.TrimSpace(p.Pattern) == "" {
		return errors.New("empty pattern")
	}
	switch p.kind() {
	case MatchExact, MatchContains:
	case MatchGlob:
		if !doublestar.ValidatePattern(globSafe(p.Pattern)) {
			return fmt.Errorf("invalid glob %q", p.Pattern)
		}
	case MatchRegex:
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("invalid regex %q: %w", p.Pattern, err)
		}
	default:
		return fmt.Errorf("unknown match kind %q", p.Match)
	}
	return nil
}

func (p *Pattern) compile() error {
	p.Match = p.kind()
	if p.Match != MatchRegex {
		return nil
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return err
	}
	p.re = re
	return nil
}

// matches reports whether the pattern matches a candidate string
func (p *Pattern) matches(candidate string) bool {
	switch p.kind() {
	case MatchExact:
		return candidate == p.Pattern
	case MatchContains:
		return strings.Contains(candidate, p.Pattern)
	case MatchRegex:
		if p.re == nil {
			return false
		}
		return p.re.MatchString(candidate)
	case MatchGlob:
		ok, err := doublestar.Match(globSafe(p.Pattern), globSafe(candidate))
		return err == nil && ok
	}
	return false
}

func globSafe(s string) string {
	return strings.ReplaceAll(s, "/", pathSep)
}

// commandLine is a command split into simple commands. Each segment is
// offered to patterns as its normalized text and as its program name.
// Commands inside $(...), backticks and process substitutions are parsed
// on their own and offered to deny patterns through nested.
type commandLine struct {
	raw      string
	segments []segment
	nested   []string
	parsed   bool

	substituted bool
	redirected  bool
}

type segment struct {
	text    string
	program string
}

// Shell control operators that separate simple commands
var separators = map[string]bool{";": true, "&&": true, "||": true, "|": true, "&": true}

func parseCommand(raw string) commandLine {
	cl := commandLine{raw: strings.TrimSpace(raw)}
	sc := scanShell(cl.raw)
	cl.substituted = len(sc.inner) > 0
	cl.redirected = sc.redirected
	for _, in := range sc.inner {
		sub := parseCommand(in)
		cl.nested = append(cl.nested, sub.candidates()...)
		cl.redirected = cl.redirected || sub.redirected
	}

	words, err := shellquote.Split(sc.flat)
	if err != nil {
		return cl
	}
	cl.parsed = true

	var current []string
	flush := func() {
		if len(current) > 0 {
			cl.segments = append(cl.segments, segment{
				text:    strings.Join(current, " "),
				program: programName(current),
			})
		}
		current = nil
	}
	for _, w := range words {
		if separators[w] {
			flush()
			continue
		}
		// "ls;" and "a|b" arrive as single words.
		for w != "" {
			i := strings.IndexAny(w, ";|&")
			if i < 0 {
				current = append(current, w)
				break
			}
			if i > 0 {
				current = append(current, w[:i])
			}
			flush()
			w = strings.TrimLeft(w[i:], ";|&")
		}
	}
	flush()
	return cl
}

// scanned is a command line with its substitutions cut out. Unquoted
// newlines and subshell parentheses become ";" in flat.
type scanned struct {
	flat       string
	inner      []string
	redirected bool
}

// scanShell walks raw with sh quoting rules. Single quotes suppress
// everything, double quotes still expand $(...) and backticks.
func scanShell(raw string) scanned {
	var (
		sc    scanned
		b     strings.Builder
		quote byte
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			}
		case c == '\\':
			if i+1 < len(raw) {
				i++
				if raw[i] == '\n' {
					b.WriteByte(' ')
				} else {
					b.WriteByte(c)
					b.WriteByte(raw[i])
				}
				continue
			}
		case c == '`':
			end := strings.IndexByte(raw[i+1:], '`')
			if end < 0 {
				end = len(raw) - i - 1
			}
			sc.inner = append(sc.inner, raw[i+1:i+1+end])
			i += end + 1
			b.WriteByte(' ')
			continue
		case i+1 < len(raw) && raw[i+1] == '(' && (c == '$' || (quote == 0 && (c == '<' || c == '>'))):
			end := closingParen(raw, i+1)
			sc.inner = append(sc.inner, raw[i+2:end])
			i = end
			b.WriteByte(' ')
			continue
		case quote == '"':
			if c == '"' {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '\n' || c == '(' || c == ')':
			b.WriteString(" ; ")
			continue
		case c == '>' || c == '<':
			sc.redirected = true
		}
		b.WriteByte(c)
	}
	sc.flat = b.String()
	return sc
}

// closingParen returns the index of the ')' matching the '(' at open, or
// len(s) when it is missing
func closingParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else if c == '\\' && quote == '"' {
				i++
			}
		case c == '\\':
			i++
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s)
}

// programName skips leading VAR=value assignments
func programName(words []string) string {
	for _, w := range words {
		if !strings.Contains(w, "=") {
			return path.Base(w)
		}
	}
	return words[0]
}

// candidates returns every string a deny pattern is checked against
func (cl commandLine) candidates() []string {
	out := []string{cl.raw}
	for _, s := range cl.segments {
		out = append(out, s.text, s.program)
	}
	return append(out, cl.nested...)
}

// matchAny returns the first pattern matching any of the candidates
func matchAny(patterns []Pattern, candidates ...string) (*Pattern, bool) {
	for i := range patterns {
		for _, c := range candidates {
			if patterns[i].matches(c) {
				return &patterns[i], true
			}
		}
	}
	return nil, false
}
