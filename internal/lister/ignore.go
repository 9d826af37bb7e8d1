package lister

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// IgnoreFileName is the per-bucket ignore file. Its patterns apply only to
// the bucket it sits in.
const IgnoreFileName = ".photobakignore"

// defaultIgnorePatterns are always applied regardless of config or ignore files.
var defaultIgnorePatterns = []string{
	IgnoreFileName,
	".*", // hidden files, including .nomedia and .trashed-* entries
	"Thumbs.db",
	"*.part",
}

type ignorePattern struct {
	glob     string
	anchored bool // true: match "bucket/name"; false: match the file name only
}

// IgnoreMatcher decides which files in the media tree are skipped.
// Patterns without '/' match a file name in any bucket. Patterns with '/'
// match "bucket/name", so "Screenshots/*.png" only applies to one bucket.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher parses raw patterns. Blank lines and lines starting
// with '#' are skipped. Invalid globs are dropped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if _, err := path.Match(raw, ""); err != nil {
			continue
		}
		m.patterns = append(m.patterns, ignorePattern{
			glob:     raw,
			anchored: strings.Contains(raw, "/"),
		})
	}
	return m
}

// With returns a matcher holding the patterns of m followed by extra.
func (m *IgnoreMatcher) With(extra []string) *IgnoreMatcher {
	more := NewIgnoreMatcher(extra)
	return &IgnoreMatcher{patterns: append(append([]ignorePattern(nil), m.patterns...), more.patterns...)}
}

// Match reports whether the file name in bucket should be skipped.
func (m *IgnoreMatcher) Match(bucket, name string) bool {
	if name == "" {
		return false
	}
	rel := bucket + "/" + name
	for _, p := range m.patterns {
		target := name
		if p.anchored {
			target = rel
		}
		if ok, _ := path.Match(p.glob, target); ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads an ignore file and returns its raw lines.
// A missing file yields no patterns and no error.
func ParseIgnoreFile(file string) ([]string, error) {
	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
