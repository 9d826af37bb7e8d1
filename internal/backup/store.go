package backup

import (
	"context"
	"time"
)

// Destinations persists the remote folders buckets are backed up into,
// together with their backup settings.
type Destinations interface {
	// AddDestination creates the destination or renames an existing one.
	// Settings of an existing destination are left untouched.
	AddDestination(ctx context.Context, dest *Destination) error

	// GetDestination returns ErrNotFound if the destination does not exist.
	GetDestination(ctx context.Context, key FolderKey) (*Destination, error)

	// ListDestinations returns every destination of a user.
	ListDestinations(ctx context.Context, userID string) ([]*Destination, error)

	// UpdateSettings replaces the settings of a destination.
	UpdateSettings(ctx context.Context, key FolderKey, settings Settings) error
}

// BucketRegistry persists the device folders being watched per user.
type BucketRegistry interface {
	// AddBucket is an idempotent upsert. It fails with ErrValidation if the
	// destination folder does not exist.
	AddBucket(ctx context.Context, bucket *Bucket) error

	// GetBucket returns ErrNotFound if the bucket is not registered.
	GetBucket(ctx context.Context, key BucketKey) (*Bucket, error)

	// ListBuckets returns the buckets of a destination, most recently
	// reconciled first. Never-reconciled buckets come last.
	ListBuckets(ctx context.Context, key FolderKey) ([]*Bucket, error)

	// RemoveBucket deletes the bucket in every destination of the user and
	// cascades to its ledger files and errors.
	RemoveBucket(ctx context.Context, userID, bucketID string) error

	// MarkReconciled sets the last-update watermark. It is scoped to one
	// destination because the same device folder may be backed up into
	// several destinations independently.
	MarkReconciled(ctx context.Context, key BucketKey, at time.Time) error

	// MarkSynced sets the last observed sync time.
	MarkSynced(ctx context.Context, key BucketKey, at time.Time) error

	// ResetWatermark clears the watermark of one bucket so its next cycle
	// performs a full listing.
	ResetWatermark(ctx context.Context, key BucketKey) error

	// ResetAllWatermarks clears the watermark of every bucket of a user so
	// the next cycle performs a full listing.
	ResetAllWatermarks(ctx context.Context, userID string) error
}

// FileLedger persists the files discovered in each bucket and their
// lifecycle state. All state changes are conditional on the prior state.
type FileLedger interface {
	// UpsertDiscovered inserts new files as IDLE and ignores known ones.
	// It returns the number of rows inserted.
	UpsertDiscovered(ctx context.Context, files []*LedgerFile) (int, error)

	// GetFile returns ErrNotFound if the handle is not in the ledger.
	GetFile(ctx context.Context, key BucketKey, uri string) (*LedgerFile, error)

	// ListByState pages through the files of a bucket in one state, ordered
	// by creation time descending then handle.
	ListByState(ctx context.Context, key BucketKey, state FileState, limit, offset int) ([]*LedgerFile, error)

	// ListReadyToUpload returns READY files with attempts < maxAttempts and
	// no in-flight upload link, in upload order.
	ListReadyToUpload(ctx context.Context, key BucketKey, maxAttempts, limit, offset int) ([]*LedgerFile, error)

	// Transition moves a file from one state to another only if it is
	// currently in from. It returns the number of rows changed (0 or 1) and
	// ErrNotFound if the file is not in the ledger.
	Transition(ctx context.Context, file *LedgerFile, from, to FileState) (int64, error)

	// RevertClaim moves an UPLOADING file back to READY and refunds the
	// attempt counted when it was claimed.
	RevertClaim(ctx context.Context, file *LedgerFile) (int64, error)

	// ClaimForUpload atomically moves a READY file to UPLOADING, counts the
	// attempt and adds its upload link. It reports false when the file was
	// not READY and returns ErrNotFound if it is not in the ledger.
	ClaimForUpload(ctx context.Context, file *LedgerFile, linkID string, at time.Time) (bool, error)

	// IncrementAttempts counts one upload attempt.
	IncrementAttempts(ctx context.Context, file *LedgerFile) error

	// BulkUpdateState moves every file of the bucket in state match whose
	// hash is in hashes to state to.
	BulkUpdateState(ctx context.Context, key BucketKey, match FileState, hashes []string, to FileState) (int64, error)

	// ProgressCounts returns the number of files per state.
	ProgressCounts(ctx context.Context, key BucketKey) ([]StateCount, error)

	// DeleteMissing removes rows whose handle is not in present.
	DeleteMissing(ctx context.Context, key BucketKey, present []string) (int64, error)

	// DeleteFile removes a single row.
	DeleteFile(ctx context.Context, file *LedgerFile) error

	// ResetAttempts zeroes attempts of READY and FAILED files of a
	// destination and moves FAILED files back to READY.
	ResetAttempts(ctx context.Context, key FolderKey) (int64, error)

	// Prioritize assigns UserUploadPriority to the given handles.
	Prioritize(ctx context.Context, key BucketKey, uris []string) (int64, error)

	// RequeueStale moves UPLOADING files whose upload link is missing or
	// older than olderThan back to READY and drops the stale links.
	RequeueStale(ctx context.Context, key FolderKey, olderThan time.Time) (int64, error)
}

// UploadLinks tracks in-flight uploads. ListReadyToUpload excludes any
// file that has a link.
type UploadLinks interface {
	AddUploadLink(ctx context.Context, file *LedgerFile, linkID string, at time.Time) error
	RemoveUploadLink(ctx context.Context, file *LedgerFile) error
}

// DuplicateIndex persists content hashes already present at a destination.
type DuplicateIndex interface {
	// RecordDuplicate is an idempotent insert.
	RecordDuplicate(ctx context.Context, rec *DuplicateRecord) error

	FindByHash(ctx context.Context, key FolderKey, parentID, hash string) ([]*DuplicateRecord, error)

	// FindByHashes is the batched form of FindByHash used by reconciliation.
	FindByHashes(ctx context.Context, key FolderKey, parentID string, hashes []string) ([]*DuplicateRecord, error)

	// ListDuplicates pages through a parent's records ordered by an
	// immutable key.
	ListDuplicates(ctx context.Context, key FolderKey, parentID string, limit, offset int) ([]*DuplicateRecord, error)
}

// ErrorLedger persists classified failures per bucket.
type ErrorLedger interface {
	// RecordError appends a record and fills in its ID.
	RecordError(ctx context.Context, rec *ErrorRecord) error

	// ListErrors returns a bucket's errors, newest first.
	ListErrors(ctx context.Context, key BucketKey, limit, offset int) ([]*ErrorRecord, error)

	// CountErrors counts errors of one type. An empty key.BucketID counts
	// across the whole destination.
	CountErrors(ctx context.Context, key BucketKey, errType ErrorType) (int, error)

	// BlockingErrors returns the distinct non-retryable error types recorded
	// for a bucket.
	BlockingErrors(ctx context.Context, key BucketKey) ([]ErrorType, error)

	ClearAll(ctx context.Context, key FolderKey) (int64, error)
	ClearByType(ctx context.Context, key FolderKey, errType ErrorType) (int64, error)
	ClearRetryable(ctx context.Context, key FolderKey) (int64, error)
}

// Store is the single persisted source of truth the Coordinator drives.
type Store interface {
	Destinations
	BucketRegistry
	FileLedger
	UploadLinks
	DuplicateIndex
	ErrorLedger
}

// ProgressSource is the read-only slice of the store used by observers.
type ProgressSource interface {
	ProgressCounts(ctx context.Context, key BucketKey) ([]StateCount, error)
	BlockingErrors(ctx context.Context, key BucketKey) ([]ErrorType, error)
}
