package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"photobak/internal/backup"
)

const duplicateColumns = `user_id, folder_id, parent_id, hash, state, created_at`

func (s *SQLiteStore) RecordDuplicate(ctx context.Context, rec *backup.DuplicateRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO duplicates (`+duplicateColumns+`)
		VALUES (:user_id, :folder_id, :parent_id, :hash, :state, :created_at)
		ON CONFLICT (user_id, folder_id, parent_id, hash, state) DO NOTHING`,
		rec)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: destination folder %s does not exist", backup.ErrValidation, rec.FolderID)
	}
	if err != nil {
		return fmt.Errorf("recording duplicate %s: %w", rec.Hash, err)
	}
	return nil
}

func (s *SQLiteStore) FindByHash(ctx context.Context, key backup.FolderKey, parentID, hash string) ([]*backup.DuplicateRecord, error) {
	var recs []*backup.DuplicateRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+duplicateColumns+`
		FROM duplicates
		WHERE user_id = ? AND folder_id = ? AND parent_id = ? AND hash = ?
		ORDER BY state`,
		key.UserID, key.FolderID, parentID, hash)
	if err != nil {
		return nil, fmt.Errorf("finding duplicate %s: %w", hash, err)
	}
	return recs, nil
}

func (s *SQLiteStore) FindByHashes(ctx context.Context, key backup.FolderKey, parentID string, hashes []string) ([]*backup.DuplicateRecord, error) {
	var all []*backup.DuplicateRecord
	for _, chunk := range chunks(hashes) {
		query, args, err := sqlx.In(`
			SELECT `+duplicateColumns+`
			FROM duplicates
			WHERE user_id = ? AND folder_id = ? AND parent_id = ? AND hash IN (?)
			ORDER BY hash, state`,
			key.UserID, key.FolderID, parentID, chunk)
		if err != nil {
			return nil, fmt.Errorf("building duplicate lookup: %w", err)
		}

		var recs []*backup.DuplicateRecord
		if err := s.db.SelectContext(ctx, &recs, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("finding duplicates: %w", err)
		}
		all = append(all, recs...)
	}
	return all, nil
}

// ListDuplicates pages through a parent's records. The primary key order is
// immutable, so pages stay stable while new hashes are recorded.
func (s *SQLiteStore) ListDuplicates(ctx context.Context, key backup.FolderKey, parentID string, limit, offset int) ([]*backup.DuplicateRecord, error) {
	var recs []*backup.DuplicateRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT `+duplicateColumns+`
		FROM duplicates
		WHERE user_id = ? AND folder_id = ? AND parent_id = ?
		ORDER BY hash, state
		LIMIT ? OFFSET ?`,
		key.UserID, key.FolderID, parentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing duplicates: %w", err)
	}
	return recs, nil
}
