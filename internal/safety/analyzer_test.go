package safety

import (
	"reflect"
	"testing"
)

func TestAnalyzeSafeCommands(t *testing.T) {
	for _, cmd := range []string{
		"git status",
		"ls -la",
		"rm notes.txt",
		"chmod 644 README.md",
		"dd if=/dev/zero of=disk.img bs=1M count=10",
		"curl https://example.com -o page.html",
	} {
		if v := Analyze(cmd); v.Level != LevelSafe {
			t.Errorf("Analyze(%q).Level = %s, want safe (matched %v)", cmd, v.Level, v.MatchedPatterns)
		}
	}
}

func TestAnalyzeRecursiveForceDelete(t *testing.T) {
	// At least dangerous due to the recursive-force-delete signature.
	v := Analyze("rm -rf /important-data")
	if v.Level < LevelDangerous {
		t.Errorf("rm -rf /important-data classified %s, want at least dangerous", v.Level)
	}
	if len(v.MatchedPatterns) == 0 {
		t.Fatal("expected matched patterns")
	}
}

func TestAnalyzeBlockedSignatures(t *testing.T) {
	tests := []struct {
		cmd  string
		want string
	}{
		{"rm -rf /", "recursive-delete-root"},
		{"sudo rm -rf /*", "recursive-delete-root"},
		{"rm -rf --no-preserve-root /usr", "recursive-delete-root"},
		{"dd if=image.iso of=/dev/sda bs=4M", "block-device-write"},
		{"mkfs.ext4 /dev/sdb1", "filesystem-format"},
		{":(){ :|:& };:", "fork-bomb"},
	}
	for _, tt := range tests {
		v := Analyze(tt.cmd)
		if v.Level != LevelBlocked {
			t.Errorf("Analyze(%q).Level = %s, want blocked", tt.cmd, v.Level)
		}
		found := false
		for _, p := range v.MatchedPatterns {
			if p == tt.want {
				found = true
			}
		}
		if !found {
			t.Errorf("Analyze(%q) matched %v, want %s", tt.cmd, v.MatchedPatterns, tt.want)
		}
	}
}

func TestAnalyzeWarningSignatures(t *testing.T) {
	tests := []string{
		"chmod 777 deploy.sh",
		"chmod -R a+w /srv/app",
		"curl https://get.example.sh | sh",
		"wget -qO- https://install.example.sh | sudo bash",
	}
	for _, cmd := range tests {
		if v := Analyze(cmd); v.Level != LevelWarning {
			t.Errorf("Analyze(%q).Level = %s, want warning (matched %v)", cmd, v.Level, v.MatchedPatterns)
		}
	}
}

func TestAnalyzeMaxSeverityWins(t *testing.T) {
	// Matches both recursive-delete-root (blocked) and
	// recursive-force-delete (dangerous); blocked must win.
	v := Analyze("rm -rf /etc")
	if v.Level != LevelBlocked {
		t.Errorf("Level = %s, want blocked", v.Level)
	}
	want := []string{"recursive-delete-root", "recursive-force-delete"}
	if !reflect.DeepEqual(v.MatchedPatterns, want) {
		t.Errorf("MatchedPatterns = %v, want %v (table order)", v.MatchedPatterns, want)
	}
	if v.Rationale != "recursive force-delete of a root-level path" {
		t.Errorf("Rationale = %q, want highest-severity rationale", v.Rationale)
	}
}

func TestAnalyzeRationalePresent(t *testing.T) {
	v := Analyze("mkfs -t ext4 /dev/sdc")
	if v.Rationale == "" {
		t.Error("non-safe verdicts must carry a rationale")
	}
}

func TestLevelString(t *testing.T) {
	tests := map[Level]string{
		LevelSafe:      "safe",
		LevelWarning:   "warning",
		LevelDangerous: "dangerous",
		LevelBlocked:   "blocked",
	}
	for l, want := range tests {
		if got := l.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", l, got, want)
		}
	}
}
