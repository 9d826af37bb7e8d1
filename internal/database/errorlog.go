package database

import (
	"context"
	"fmt"
	"time"

	"photobak/internal/backup"
)

func (s *SQLiteStore) RecordError(ctx context.Context, rec *backup.ErrorRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO backup_errors (user_id, folder_id, bucket_id, error_type, retryable, message, created_at)
		VALUES (:user_id, :folder_id, :bucket_id, :error_type, :retryable, :message, :created_at)`,
		rec)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: destination folder %s does not exist", backup.ErrValidation, rec.FolderID)
	}
	if err != nil {
		return fmt.Errorf("recording %s error: %w", rec.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("recording %s error: %w", rec.Type, err)
	}
	rec.ID = id
	return nil
}

func (s *SQLiteStore) ListErrors(ctx context.Context, key backup.BucketKey, limit, offset int) ([]*backup.ErrorRecord, error) {
	var recs []*backup.ErrorRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT id, user_id, folder_id, bucket_id, error_type, retryable, message, created_at
		FROM backup_errors
		WHERE user_id = ? AND folder_id = ? AND bucket_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		key.UserID, key.FolderID, key.BucketID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing errors: %w", err)
	}
	return recs, nil
}

func (s *SQLiteStore) CountErrors(ctx context.Context, key backup.BucketKey, errType backup.ErrorType) (int, error) {
	var n int
	var err error
	if key.BucketID == "" {
		err = s.db.GetContext(ctx, &n, `
			SELECT COUNT(*) FROM backup_errors
			WHERE user_id = ? AND folder_id = ? AND error_type = ?`,
			key.UserID, key.FolderID, errType)
	} else {
		err = s.db.GetContext(ctx, &n, `
			SELECT COUNT(*) FROM backup_errors
			WHERE user_id = ? AND folder_id = ? AND bucket_id = ? AND error_type = ?`,
			key.UserID, key.FolderID, key.BucketID, errType)
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s errors: %w", errType, err)
	}
	return n, nil
}

func (s *SQLiteStore) BlockingErrors(ctx context.Context, key backup.BucketKey) ([]backup.ErrorType, error) {
	var types []backup.ErrorType
	err := s.db.SelectContext(ctx, &types, `
		SELECT DISTINCT error_type FROM backup_errors
		WHERE user_id = ? AND folder_id = ? AND bucket_id = ? AND retryable = 0
		ORDER BY error_type`,
		key.UserID, key.FolderID, key.BucketID)
	if err != nil {
		return nil, fmt.Errorf("listing blocking errors: %w", err)
	}
	return types, nil
}

func (s *SQLiteStore) ClearAll(ctx context.Context, key backup.FolderKey) (int64, error) {
	return s.clearErrors(ctx, key, "")
}

func (s *SQLiteStore) ClearByType(ctx context.Context, key backup.FolderKey, errType backup.ErrorType) (int64, error) {
	return s.clearErrors(ctx, key, `AND error_type = ?`, errType)
}

func (s *SQLiteStore) ClearRetryable(ctx context.Context, key backup.FolderKey) (int64, error) {
	return s.clearErrors(ctx, key, `AND retryable = 1`)
}

func (s *SQLiteStore) clearErrors(ctx context.Context, key backup.FolderKey, filter string, args ...any) (int64, error) {
	args = append([]any{key.UserID, key.FolderID}, args...)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backup_errors WHERE user_id = ? AND folder_id = ? `+filter, args...)
	if err != nil {
		return 0, fmt.Errorf("clearing errors: %w", err)
	}
	return res.RowsAffected()
}
