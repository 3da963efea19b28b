// Package privacy decides which commands may be persisted or ranked, and
// redacts sensitive shell content before it leaves the process.
package privacy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Decision is the outcome of evaluating one command against the rule tables.
type Decision struct {
	Allowed bool
	Reason  string
}

// Pattern complexity budget. Every configured regex is checked against this
// at construction time and rejected before it can ever run on a request.
const (
	maxPatternLength = 256
	maxUnboundedReps = 8
)

type patternRule struct {
	name string
	re   *regexp.Regexp
}

// Filter holds the compiled, immutable exclusion rule tables. Construct once
// at startup; Evaluate never re-parses or re-validates.
type Filter struct {
	excludedPaths []string
	patterns      []patternRule
}

// NewFilter compiles path and pattern rules into a Filter. Patterns are
// named "custom-N" in table order; any pattern over the complexity budget or
// failing to compile makes construction fail.
func NewFilter(paths []string, patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range paths {
		p = expandHome(strings.TrimRight(p, "/"))
		if p != "" {
			f.excludedPaths = append(f.excludedPaths, p)
		}
	}
	for i, src := range patterns {
		rule, err := compilePattern(fmt.Sprintf("custom-%d", i+1), src)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, rule)
	}
	return f, nil
}

// NewDefaultFilter builds a Filter from the built-in rules plus any
// user-configured extras.
func NewDefaultFilter(extraPaths, extraPatterns []string) (*Filter, error) {
	return NewConfiguredFilter(extraPaths, extraPatterns, false, false)
}

// NewConfiguredFilter builds a Filter from user rule tables. User entries
// extend the built-in rules; pathsOnly and patternsOnly replace the
// corresponding built-in table instead.
func NewConfiguredFilter(paths, patterns []string, pathsOnly, patternsOnly bool) (*Filter, error) {
	if !pathsOnly {
		paths = append(defaultExcludedPaths(), paths...)
	}
	f, err := NewFilter(paths, patterns)
	if err != nil {
		return nil, err
	}
	if !patternsOnly {
		f.patterns = append(defaultPatterns(), f.patterns...)
	}
	return f, nil
}

func compilePattern(name, src string) (patternRule, error) {
	if err := checkBudget(src); err != nil {
		return patternRule{}, fmt.Errorf("privacy pattern %s: %w", name, err)
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return patternRule{}, fmt.Errorf("privacy pattern %s: %w", name, err)
	}
	return patternRule{name: name, re: re}, nil
}

// checkBudget enforces the pattern complexity budget: a maximum source
// length and a maximum count of unbounded repetition operators (*, +, and
// open-ended {n,}). Escaped operators and operators inside character
// classes do not count.
func checkBudget(src string) error {
	if len(src) > maxPatternLength {
		return fmt.Errorf("pattern length %d exceeds budget %d", len(src), maxPatternLength)
	}
	reps := 0
	inClass := false
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++ // skip escaped character
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '*', '+':
			if !inClass {
				reps++
			}
		case '{':
			if !inClass && isOpenEndedRep(src[i:]) {
				reps++
			}
		}
	}
	if reps > maxUnboundedReps {
		return fmt.Errorf("%d unbounded repetitions exceed budget %d", reps, maxUnboundedReps)
	}
	return nil
}

// isOpenEndedRep reports whether s starts with a {n,} repetition.
func isOpenEndedRep(s string) bool {
	j := 1
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	return j > 1 && j+1 < len(s) && s[j] == ',' && s[j+1] == '}'
}

// Evaluate returns whether the command may be persisted or ranked. Path
// rules are checked before pattern rules; the first matching exclusion
// short-circuits.
func (f *Filter) Evaluate(command, cwd string) Decision {
	for _, p := range f.excludedPaths {
		if cwd == p || strings.HasPrefix(cwd, p+string(filepath.Separator)) {
			return Decision{Allowed: false, Reason: "working directory under excluded path " + p}
		}
	}
	for _, rule := range f.patterns {
		if rule.re.MatchString(command) {
			return Decision{Allowed: false, Reason: "command matches excluded pattern " + rule.name}
		}
	}
	return Decision{Allowed: true}
}

// defaultExcludedPaths lists credential-store directories whose commands are
// never recorded.
func defaultExcludedPaths() []string {
	return []string{
		"~/.ssh",
		"~/.gnupg",
		"~/.aws",
		"~/.password-store",
		"~/.config/gcloud",
	}
}

// defaultPatterns covers the common secret shapes: long uppercase tokens,
// cloud access keys, bearer headers, and inline credential assignments.
func defaultPatterns() []patternRule {
	return []patternRule{
		{name: "secret-token", re: regexp.MustCompile(`[A-Z0-9]{40}`)},
		{name: "aws-access-key", re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{name: "private-key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
		{name: "bearer-token", re: regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{20,128}`)},
		{name: "credential-assign", re: regexp.MustCompile(`(?i)\b(password|passwd|secret|api_?key|auth_?token)=[^\s'"]{4,128}`)},
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
