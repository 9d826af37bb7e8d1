package backup

import (
	"context"
	"time"
)

// LocalFile is one file reported by a BucketLister.
type LocalFile struct {
	URI          string
	Name         string
	MimeType     string
	Hash         string
	Size         int64
	CaptureTime  time.Time
	LastModified *time.Time
}

// BucketLister enumerates the files currently stored in a device bucket.
type BucketLister interface {
	// ListFiles returns the files of a bucket changed after since, or all
	// files when since is nil.
	ListFiles(ctx context.Context, bucketID string, since *time.Time) ([]LocalFile, error)
}

// UploadTarget tells the pipeline where a file goes.
type UploadTarget struct {
	UserID   string
	FolderID string
	ParentID string
}

// Uploaded describes a successful upload.
type Uploaded struct {
	RemoteKey string
	Size      int64
	// Deduplicated is set when the destination already held the content
	// and no bytes were transferred.
	Deduplicated bool
}

// UploadPipeline transfers a single file to its destination. It enforces
// its own per-file timeout. Failures are reported as *UploadError.
type UploadPipeline interface {
	Upload(ctx context.Context, file *LedgerFile, target UploadTarget) (*Uploaded, error)
}

// Permissions is the state of local media access.
type Permissions struct {
	Granted bool
	// Permanent is set when access was denied in a way only the user can fix.
	Permanent bool
}

// PermissionsProvider reports whether local media can be read.
type PermissionsProvider interface {
	CurrentPermissions(ctx context.Context) (Permissions, error)
}

// Connectivity is the current network state.
type Connectivity int

const (
	ConnectivityNone Connectivity = iota
	ConnectivityMetered
	ConnectivityUnmetered
)

func (c Connectivity) String() string {
	switch c {
	case ConnectivityMetered:
		return "metered"
	case ConnectivityUnmetered:
		return "unmetered"
	default:
		return "none"
	}
}

// ConnectivityProvider reports the current network state.
type ConnectivityProvider interface {
	Current(ctx context.Context) (Connectivity, error)
}

// Capabilities groups the external collaborators the Coordinator consumes.
type Capabilities struct {
	Lister       BucketLister
	Pipeline     UploadPipeline
	Permissions  PermissionsProvider
	Connectivity ConnectivityProvider
}
