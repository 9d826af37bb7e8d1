package lister

import (
	"fmt"
	"net/url"
	"path/filepath"
)

// HandleForPath returns the opaque ledger handle of a local file: a file://
// URI of its absolute path.
func HandleForPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String()
}

// PathForHandle reverses HandleForPath.
func PathForHandle(handle string) (string, error) {
	u, err := url.Parse(handle)
	if err != nil {
		return "", fmt.Errorf("parsing handle %q: %w", handle, err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("not a file handle: %q", handle)
	}
	return filepath.FromSlash(u.Path), nil
}
