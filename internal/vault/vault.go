// Package vault stores encrypted file content and ledger snapshots at a
// backup destination. Content is addressed by "<user>/<folder>/<hash>" so
// identical files in one folder are stored once.
package vault

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"photobak/internal/backup"
)

// Vault is the destination storage used by the upload pipeline.
// Implementations wrap backup.ErrStorageQuota when the destination is full.
type Vault interface {
	Name() string
	// PutContent stores size bytes from r under key. Storing an existing
	// key again is a no-op.
	PutContent(ctx context.Context, key string, r io.Reader, size int64) error
	HasContent(ctx context.Context, key string) (bool, error)
	GetContent(ctx context.Context, key string, w io.Writer) error
	// PutMetadata stores a ledger snapshot together with its version.
	PutMetadata(ctx context.Context, id string, r io.Reader, size int64, version int64) error
	// GetMetadataVersion returns 0 when no snapshot exists for id.
	GetMetadataVersion(ctx context.Context, id string) (int64, error)
	ValidateSetup(ctx context.Context) error
}

// ContentKey returns the vault key for a file's content.
func ContentKey(userID, folderID, hash string) string {
	return path.Join(userID, folderID, hash)
}

// validateKey rejects keys that would escape the vault root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key {
		return fmt.Errorf("%w: invalid vault key %q", backup.ErrValidation, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: invalid vault key %q", backup.ErrValidation, key)
		}
	}
	return nil
}

func quotaError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", backup.ErrStorageQuota, fmt.Sprintf(format, args...))
}

func sizeMismatch(want, got int64) error {
	return fmt.Errorf("size mismatch: expected %d bytes, got %d", want, got)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
