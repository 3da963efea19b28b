// Package safety classifies the destructive risk of a candidate command.
// Matching is pure string analysis: nothing here executes or sandboxes the
// command, and a verdict only annotates a suggestion, never removes it.
package safety

import "regexp"

// Level is a destructive-risk classification, ordered by severity.
type Level int

const (
	LevelSafe Level = iota
	LevelWarning
	LevelDangerous
	LevelBlocked
)

// String returns the wire form of the level.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelDangerous:
		return "dangerous"
	case LevelBlocked:
		return "blocked"
	default:
		return "safe"
	}
}

// Verdict is the result of analyzing one command. MatchedPatterns lists
// every signature that matched, in table order, for explainability.
type Verdict struct {
	Level           Level
	MatchedPatterns []string
	Rationale       string
}

type signature struct {
	name      string
	level     Level
	rationale string
	re        *regexp.Regexp
}

// signatures is the ordered destructive-pattern table. Order matters only
// for MatchedPatterns reporting; the verdict level is the maximum severity
// among all matches.
var signatures = []signature{
	{
		name:      "recursive-delete-root",
		level:     LevelBlocked,
		rationale: "recursive force-delete of a root-level path",
		re:        regexp.MustCompile(`\brm\s+(?:-{1,2}[\w-]+\s+)*-\w*[rR]\w*\s+(?:-{1,2}[\w-]+\s+)*(?:/(?:\s|$)|/\*|/(?:bin|boot|etc|home|lib|usr|var)\b)`),
	},
	{
		name:      "block-device-write",
		level:     LevelBlocked,
		rationale: "raw write to a block device",
		re:        regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/(?:sd|hd|vd|nvme|mmcblk|disk)|>\s*/dev/(?:sd|hd|vd|nvme|mmcblk)`),
	},
	{
		name:      "filesystem-format",
		level:     LevelBlocked,
		rationale: "filesystem format invocation",
		re:        regexp.MustCompile(`\bmkfs(?:\.\w+)?\b|\bmkswap\b`),
	},
	{
		name:      "fork-bomb",
		level:     LevelBlocked,
		rationale: "fork bomb shape",
		re:        regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	},
	{
		name:      "recursive-force-delete",
		level:     LevelDangerous,
		rationale: "recursive force-delete",
		re:        regexp.MustCompile(`\brm\s+(?:-{1,2}[\w-]+\s+)*-\w*(?:[rR]\w*[fF]|[fF]\w*[rR])\b`),
	},
	{
		name:      "recursive-chown-root",
		level:     LevelDangerous,
		rationale: "recursive ownership change at filesystem root",
		re:        regexp.MustCompile(`\bchown\s+(?:-{1,2}[\w-]+\s+)*-\w*[rR]\w*\s+\S+\s+/(?:\s|$)`),
	},
	{
		name:      "history-wipe",
		level:     LevelDangerous,
		rationale: "shell history destruction",
		re:        regexp.MustCompile(`\bhistory\s+-c\b|>\s*~?/\S*\.(?:bash|zsh)_history\b`),
	},
	{
		name:      "world-writable",
		level:     LevelWarning,
		rationale: "world-writable permission grant",
		re:        regexp.MustCompile(`\bchmod\s+(?:-{1,2}[\w-]+\s+)*(?:0?777|a\+w|o\+w)\b`),
	},
	{
		name:      "curl-pipe-shell",
		level:     LevelWarning,
		rationale: "piping a remote script into a shell",
		re:        regexp.MustCompile(`\b(?:curl|wget)\b[^|;&]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`),
	},
}

// Analyze matches command against the signature table and returns the
// maximum-severity verdict with every matched signature listed.
func Analyze(command string) Verdict {
	v := Verdict{Level: LevelSafe}
	for _, sig := range signatures {
		if !sig.re.MatchString(command) {
			continue
		}
		v.MatchedPatterns = append(v.MatchedPatterns, sig.name)
		if sig.level > v.Level {
			v.Level = sig.level
			v.Rationale = sig.rationale
		}
	}
	return v
}
