package backup

import (
	"database/sql/driver"
	"fmt"
	"math"
	"time"
)

// FileState is the backup lifecycle state of a single ledger file.
//
//	IDLE -> DUPLICATED                  (hash already present at the destination)
//	IDLE -> READY -> UPLOADING -> UPLOADED
//	               UPLOADING -> READY   (retryable failure, attempts < max)
//	               UPLOADING -> FAILED  (attempts >= max)
//	FAILED -> READY                     (explicit retry / attempts reset)
type FileState string

const (
	StateIdle       FileState = "IDLE"
	StateDuplicated FileState = "DUPLICATED"
	StateReady      FileState = "READY"
	StateUploading  FileState = "UPLOADING"
	StateUploaded   FileState = "UPLOADED"
	StateFailed     FileState = "FAILED"
)

// Valid reports whether s is one of the known states.
func (s FileState) Valid() bool {
	switch s {
	case StateIdle, StateDuplicated, StateReady, StateUploading, StateUploaded, StateFailed:
		return true
	}
	return false
}

// Scan implements sql.Scanner. An unknown persisted value means the ledger
// is corrupt, so it is reported as an invariant violation.
func (s *FileState) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("%w: file state has type %T", ErrInvariant, src)
	}
	st := FileState(v)
	if !st.Valid() {
		return fmt.Errorf("%w: unknown file state %q", ErrInvariant, v)
	}
	*s = st
	return nil
}

// Value implements driver.Valuer.
func (s FileState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown file state %q", ErrInvariant, string(s))
	}
	return string(s), nil
}

// Upload priorities. Lower values are uploaded sooner.
const (
	DefaultUploadPriority int64 = math.MaxInt64
	UserUploadPriority    int64 = 0
)

// FolderKey identifies a destination folder owned by a user.
type FolderKey struct {
	UserID   string
	FolderID string
}

// BucketKey identifies one watched bucket within a destination folder.
type BucketKey struct {
	UserID   string
	FolderID string
	BucketID string
}

// Folder returns the destination folder the bucket belongs to.
func (k BucketKey) Folder() FolderKey {
	return FolderKey{UserID: k.UserID, FolderID: k.FolderID}
}

func (k BucketKey) String() string {
	return k.UserID + "/" + k.FolderID + "/" + k.BucketID
}

// Settings is the per-destination backup configuration. The Coordinator
// reads one snapshot per run.
type Settings struct {
	MaxAttempts   int  `db:"max_attempts"`
	UnmeteredOnly bool `db:"unmetered_only"`
}

// DefaultSettings returns the settings a new destination starts with.
func DefaultSettings() Settings {
	return Settings{MaxAttempts: 3}
}

// Destination is a remote folder that buckets are backed up into.
type Destination struct {
	UserID    string    `db:"user_id"`
	FolderID  string    `db:"folder_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	Settings
}

func (d *Destination) Key() FolderKey {
	return FolderKey{UserID: d.UserID, FolderID: d.FolderID}
}

// Bucket is a device folder being watched for backup.
type Bucket struct {
	UserID   string `db:"user_id"`
	FolderID string `db:"folder_id"`
	BucketID string `db:"bucket_id"`
	// LastUpdateTime is the watermark of the last successful reconciliation.
	LastUpdateTime *time.Time `db:"last_update_time"`
	// LastSyncTime is when the bucket was last listed, successful or not.
	LastSyncTime *time.Time `db:"last_sync_time"`
}

func (b *Bucket) Key() BucketKey {
	return BucketKey{UserID: b.UserID, FolderID: b.FolderID, BucketID: b.BucketID}
}

// LedgerFile is one local file discovered in a bucket.
type LedgerFile struct {
	UserID         string     `db:"user_id"`
	FolderID       string     `db:"folder_id"`
	BucketID       string     `db:"bucket_id"`
	URI            string     `db:"uri"`
	MimeType       string     `db:"mime_type"`
	Name           string     `db:"name"`
	Hash           string     `db:"hash"`
	Size           int64      `db:"size"`
	State          FileState  `db:"state"`
	CreationTime   time.Time  `db:"creation_time"`
	UploadPriority int64      `db:"upload_priority"`
	Attempts       int        `db:"attempts"`
	LastModified   *time.Time `db:"last_modified"`
}

func (f *LedgerFile) Key() BucketKey {
	return BucketKey{UserID: f.UserID, FolderID: f.FolderID, BucketID: f.BucketID}
}

// DuplicateState records how a hash came to be known at the destination.
type DuplicateState string

const (
	// DuplicateUploaded means this engine uploaded the content itself.
	DuplicateUploaded DuplicateState = "UPLOADED"
	// DuplicateRemote means the content was found at the destination.
	DuplicateRemote DuplicateState = "REMOTE"
)

// DuplicateRecord is a content hash confirmed present under a remote parent.
type DuplicateRecord struct {
	UserID    string         `db:"user_id"`
	FolderID  string         `db:"folder_id"`
	ParentID  string         `db:"parent_id"`
	Hash      string         `db:"hash"`
	State     DuplicateState `db:"state"`
	CreatedAt time.Time      `db:"created_at"`
}

// ErrorType classifies a recorded backup failure.
type ErrorType string

const (
	ErrorPermissions      ErrorType = "permissions"
	ErrorStorageQuota     ErrorType = "storage_quota"
	ErrorConnectivity     ErrorType = "connectivity"
	ErrorWifiOnly         ErrorType = "wifi_only"
	ErrorLocalFileMissing ErrorType = "local_file_missing"
	ErrorOther            ErrorType = "other"
)

// ErrorTypes lists every error type, in display order.
var ErrorTypes = []ErrorType{
	ErrorPermissions,
	ErrorStorageQuota,
	ErrorConnectivity,
	ErrorWifiOnly,
	ErrorLocalFileMissing,
	ErrorOther,
}

// ParseErrorType validates a user-supplied error type name.
func ParseErrorType(s string) (ErrorType, error) {
	for _, t := range ErrorTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown error type %q", ErrValidation, s)
}

// ErrorRecord is one classified failure for a bucket.
type ErrorRecord struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	FolderID  string    `db:"folder_id"`
	BucketID  string    `db:"bucket_id"`
	Type      ErrorType `db:"error_type"`
	Retryable bool      `db:"retryable"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

// StateCount is one row of the grouped ledger aggregate.
type StateCount struct {
	State FileState `db:"state"`
	Count int       `db:"count"`
}

// Cycle is one recorded engine operation (a run, a retry, a rescan...).
type Cycle struct {
	ID         int64      `db:"id"`
	Operation  string     `db:"operation"`
	Parameters string     `db:"parameters"`
	Status     string     `db:"status"`
	Summary    string     `db:"summary"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}
