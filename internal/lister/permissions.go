package lister

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"photobak/internal/backup"
)

// OSPermissions reports whether the media root can be read.
type OSPermissions struct {
	root string
}

func NewOSPermissions(root string) *OSPermissions {
	return &OSPermissions{root: root}
}

// CurrentPermissions tries to read the media root. Access denied by the
// OS is permanent until the user fixes it; a missing root (unmounted
// storage) may resolve on its own.
func (p *OSPermissions) CurrentPermissions(ctx context.Context) (backup.Permissions, error) {
	f, err := os.Open(p.root)
	if err == nil {
		_, err = f.ReadDir(1)
		f.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}

	switch {
	case err == nil:
		return backup.Permissions{Granted: true}, nil
	case errors.Is(err, fs.ErrPermission):
		return backup.Permissions{Granted: false, Permanent: true}, nil
	case errors.Is(err, fs.ErrNotExist):
		return backup.Permissions{Granted: false, Permanent: false}, nil
	default:
		return backup.Permissions{}, fmt.Errorf("checking media root: %w", err)
	}
}

var _ backup.PermissionsProvider = (*OSPermissions)(nil)
