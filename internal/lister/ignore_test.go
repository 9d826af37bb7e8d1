package lister

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewIgnoreMatcher(t *testing.T) {
	t.Run("skips blank lines, comments and bad globs", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"", "  ", "# comment", "*.tmp", "[bad"})
		if len(m.patterns) != 1 {
			t.Fatalf("expected 1 pattern, got %d", len(m.patterns))
		}
		if m.patterns[0].glob != "*.tmp" {
			t.Errorf("expected *.tmp, got %s", m.patterns[0].glob)
		}
	})

	t.Run("anchors patterns containing a slash", func(t *testing.T) {
		t.Parallel()
		m := NewIgnoreMatcher([]string{"*.tmp", "Screenshots/*.png"})
		if m.patterns[0].anchored {
			t.Error("*.tmp should not be anchored")
		}
		if !m.patterns[1].anchored {
			t.Error("Screenshots/*.png should be anchored")
		}
	})
}

func TestIgnoreMatcher_Match(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		bucket   string
		file     string
		want     bool
	}{
		{"name glob matches in any bucket", []string{"*.tmp"}, "Camera", "a.tmp", true},
		{"name glob ignores other extensions", []string{"*.tmp"}, "Camera", "a.jpg", false},
		{"anchored pattern matches its bucket", []string{"Screenshots/*.png"}, "Screenshots", "s1.png", true},
		{"anchored pattern skips other buckets", []string{"Screenshots/*.png"}, "Camera", "s1.png", false},
		{"question mark", []string{"IMG_?.jpg"}, "Camera", "IMG_1.jpg", true},
		{"question mark is one char", []string{"IMG_?.jpg"}, "Camera", "IMG_12.jpg", false},
		{"character class", []string{"*.[jJ][pP][gG]"}, "Camera", "x.JPG", true},
		{"no patterns", nil, "Camera", "x.jpg", false},
		{"empty name", []string{"*"}, "Camera", "", false},
		{"second pattern matches", []string{"*.tmp", "*.part"}, "Camera", "x.part", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewIgnoreMatcher(tt.patterns)
			if got := m.Match(tt.bucket, tt.file); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.bucket, tt.file, got, tt.want)
			}
		})
	}
}

func TestIgnoreMatcher_Defaults(t *testing.T) {
	m := NewIgnoreMatcher(defaultIgnorePatterns)
	for _, name := range []string{IgnoreFileName, ".nomedia", ".trashed-123-IMG.jpg", "Thumbs.db", "upload.part"} {
		if !m.Match("Camera", name) {
			t.Errorf("default matcher should ignore %q", name)
		}
	}
	if m.Match("Camera", "IMG_0001.jpg") {
		t.Error("default matcher should not ignore IMG_0001.jpg")
	}
}

func TestIgnoreMatcher_With(t *testing.T) {
	base := NewIgnoreMatcher([]string{"*.tmp"})
	both := base.With([]string{"*.raw"})

	if base.Match("Camera", "x.raw") {
		t.Error("With() must not modify the receiver")
	}
	if !both.Match("Camera", "x.raw") || !both.Match("Camera", "x.tmp") {
		t.Error("With() result should match both pattern sets")
	}
}

func TestParseIgnoreFile(t *testing.T) {
	t.Run("reads raw lines", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), IgnoreFileName)
		if err := os.WriteFile(path, []byte("*.tmp\n# comment\n\n*.raw\nCamera/x.jpg\n"), 0644); err != nil {
			t.Fatalf("writing test file: %v", err)
		}

		lines, err := ParseIgnoreFile(path)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if len(lines) != 5 {
			t.Fatalf("expected 5 raw lines, got %d", len(lines))
		}
		if m := NewIgnoreMatcher(lines); len(m.patterns) != 3 {
			t.Errorf("expected 3 parsed patterns, got %d", len(m.patterns))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		lines, err := ParseIgnoreFile("/nonexistent/" + IgnoreFileName)
		if err != nil {
			t.Fatalf("ParseIgnoreFile() error = %v", err)
		}
		if lines != nil {
			t.Errorf("expected nil, got %v", lines)
		}
	})
}
