package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"photobak/internal/backup"
)

const bucketColumns = `user_id, folder_id, bucket_id, last_update_time, last_sync_time`

func (s *SQLiteStore) AddBucket(ctx context.Context, bucket *backup.Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buckets (user_id, folder_id, bucket_id)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, folder_id, bucket_id) DO NOTHING`,
		bucket.UserID, bucket.FolderID, bucket.BucketID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: destination folder %s does not exist", backup.ErrValidation, bucket.FolderID)
	}
	if err != nil {
		return fmt.Errorf("adding bucket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, key backup.BucketKey) (*backup.Bucket, error) {
	var b backup.Bucket
	err := s.db.GetContext(ctx, &b, `
		SELECT `+bucketColumns+`
		FROM buckets
		WHERE user_id = ? AND folder_id = ? AND bucket_id = ?`,
		key.UserID, key.FolderID, key.BucketID)
	if err != nil {
		return nil, notFound(err, "bucket "+key.BucketID)
	}
	return &b, nil
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, key backup.FolderKey) ([]*backup.Bucket, error) {
	var buckets []*backup.Bucket
	err := s.db.SelectContext(ctx, &buckets, `
		SELECT `+bucketColumns+`
		FROM buckets
		WHERE user_id = ? AND folder_id = ?
		ORDER BY last_update_time IS NULL, last_update_time DESC, bucket_id`,
		key.UserID, key.FolderID)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	return buckets, nil
}

// RemoveBucket removes the bucket from every destination of the user. Its
// ledger rows and upload links go with it by cascade; its errors are
// deleted explicitly since they only reference the destination.
func (s *SQLiteStore) RemoveBucket(ctx context.Context, userID, bucketID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM backup_errors WHERE user_id = ? AND bucket_id = ?`,
			userID, bucketID); err != nil {
			return fmt.Errorf("deleting bucket errors: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM buckets WHERE user_id = ? AND bucket_id = ?`,
			userID, bucketID)
		if err != nil {
			return fmt.Errorf("deleting bucket: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deleting bucket: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("bucket %s: %w", bucketID, backup.ErrNotFound)
		}
		return nil
	})
}

func (s *SQLiteStore) MarkReconciled(ctx context.Context, key backup.BucketKey, at time.Time) error {
	return s.updateBucketTime(ctx, key, "last_update_time", at)
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, key backup.BucketKey, at time.Time) error {
	return s.updateBucketTime(ctx, key, "last_sync_time", at)
}

func (s *SQLiteStore) updateBucketTime(ctx context.Context, key backup.BucketKey, column string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET `+column+` = ? WHERE user_id = ? AND folder_id = ? AND bucket_id = ?`,
		at.UTC(), key.UserID, key.FolderID, key.BucketID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n == 0 {
		return fmt.Errorf("bucket %s: %w", key.BucketID, backup.ErrNotFound)
	}
	return nil
}

// ResetWatermark clears the watermark of one bucket.
func (s *SQLiteStore) ResetWatermark(ctx context.Context, key backup.BucketKey) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET last_update_time = NULL WHERE user_id = ? AND folder_id = ? AND bucket_id = ?`,
		key.UserID, key.FolderID, key.BucketID); err != nil {
		return fmt.Errorf("resetting watermark of %s: %w", key.BucketID, err)
	}
	return nil
}

func (s *SQLiteStore) ResetAllWatermarks(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE buckets SET last_update_time = NULL WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("resetting watermarks: %w", err)
	}
	return nil
}
