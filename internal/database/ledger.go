package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"photobak/internal/backup"
)

const ledgerColumns = `user_id, folder_id, bucket_id, uri, mime_type, name, hash, size, state,
	creation_time, upload_priority, attempts, last_modified`

const ledgerPK = `user_id = ? AND folder_id = ? AND bucket_id = ? AND uri = ?`

func filePK(f *backup.LedgerFile) []any {
	return []any{f.UserID, f.FolderID, f.BucketID, f.URI}
}

// UpsertDiscovered inserts files that are not yet in the ledger. Known
// handles keep their row untouched, state and attempts included.
func (s *SQLiteStore) UpsertDiscovered(ctx context.Context, files []*backup.LedgerFile) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, `
			INSERT INTO ledger_files (`+ledgerColumns+`)
			VALUES (:user_id, :folder_id, :bucket_id, :uri, :mime_type, :name, :hash, :size, :state,
				:creation_time, :upload_priority, :attempts, :last_modified)
			ON CONFLICT (user_id, folder_id, bucket_id, uri) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range files {
			row := *f
			row.State = backup.StateIdle
			row.Attempts = 0
			row.CreationTime = row.CreationTime.UTC()
			if row.LastModified != nil {
				lm := row.LastModified.UTC()
				row.LastModified = &lm
			}

			res, err := stmt.ExecContext(ctx, &row)
			if isForeignKeyViolation(err) {
				return fmt.Errorf("bucket %s: %w", row.BucketID, backup.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("inserting %s: %w", row.URI, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("inserting %s: %w", row.URI, err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, key backup.BucketKey, uri string) (*backup.LedgerFile, error) {
	var f backup.LedgerFile
	err := s.db.GetContext(ctx, &f,
		`SELECT `+ledgerColumns+` FROM ledger_files WHERE `+ledgerPK,
		key.UserID, key.FolderID, key.BucketID, uri)
	if err != nil {
		return nil, notFound(err, "file "+uri)
	}
	return &f, nil
}

func (s *SQLiteStore) ListByState(ctx context.Context, key backup.BucketKey, state backup.FileState, limit, offset int) ([]*backup.LedgerFile, error) {
	var files []*backup.LedgerFile
	err := s.db.SelectContext(ctx, &files, `
		SELECT `+ledgerColumns+`
		FROM ledger_files
		WHERE user_id = ? AND folder_id = ? AND bucket_id = ? AND state = ?
		ORDER BY creation_time DESC, uri
		LIMIT ? OFFSET ?`,
		key.UserID, key.FolderID, key.BucketID, state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing %s files: %w", state, err)
	}
	return files, nil
}

func (s *SQLiteStore) ListReadyToUpload(ctx context.Context, key backup.BucketKey, maxAttempts, limit, offset int) ([]*backup.LedgerFile, error) {
	var files []*backup.LedgerFile
	err := s.db.SelectContext(ctx, &files, `
		SELECT f.user_id, f.folder_id, f.bucket_id, f.uri, f.mime_type, f.name, f.hash, f.size, f.state,
			f.creation_time, f.upload_priority, f.attempts, f.last_modified
		FROM ledger_files f
		LEFT JOIN upload_links l
			ON l.user_id = f.user_id AND l.folder_id = f.folder_id
			AND l.bucket_id = f.bucket_id AND l.uri = f.uri
		WHERE f.user_id = ? AND f.folder_id = ? AND f.bucket_id = ?
			AND f.state = 'READY'
			AND f.attempts < ?
			AND l.link_id IS NULL
		ORDER BY f.upload_priority ASC, f.creation_time DESC, f.uri
		LIMIT ? OFFSET ?`,
		key.UserID, key.FolderID, key.BucketID, maxAttempts, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing ready files: %w", err)
	}
	return files, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, file *backup.LedgerFile, from, to backup.FileState) (int64, error) {
	args := append([]any{to}, filePK(file)...)
	args = append(args, from)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_files SET state = ? WHERE `+ledgerPK+` AND state = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("transitioning %s to %s: %w", file.URI, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transitioning %s to %s: %w", file.URI, to, err)
	}

	switch {
	case n > 1:
		return n, fmt.Errorf("%w: transition of %s changed %d rows", backup.ErrInvariant, file.URI, n)
	case n == 0:
		exists, err := s.fileExists(ctx, file)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, fmt.Errorf("file %s: %w", file.URI, backup.ErrNotFound)
		}
	}
	return n, nil
}

func (s *SQLiteStore) fileExists(ctx context.Context, file *backup.LedgerFile) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM ledger_files WHERE `+ledgerPK, filePK(file)...); err != nil {
		return false, fmt.Errorf("checking file %s: %w", file.URI, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RevertClaim(ctx context.Context, file *backup.LedgerFile) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_files SET state = 'READY', attempts = MAX(attempts - 1, 0)
		WHERE `+ledgerPK+` AND state = 'UPLOADING'`,
		filePK(file)...)
	if err != nil {
		return 0, fmt.Errorf("reverting claim on %s: %w", file.URI, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) IncrementAttempts(ctx context.Context, file *backup.LedgerFile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_files SET attempts = attempts + 1 WHERE `+ledgerPK, filePK(file)...)
	if err != nil {
		return fmt.Errorf("incrementing attempts of %s: %w", file.URI, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing attempts of %s: %w", file.URI, err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", file.URI, backup.ErrNotFound)
	}
	return nil
}

// ClaimForUpload moves a READY file to UPLOADING, counts the attempt and
// links the upload in one transaction. It reports false when the file was
// not READY.
func (s *SQLiteStore) ClaimForUpload(ctx context.Context, file *backup.LedgerFile, linkID string, at time.Time) (bool, error) {
	claimed := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_files SET state = 'UPLOADING', attempts = attempts + 1
			WHERE `+ledgerPK+` AND state = 'READY'`,
			filePK(file)...)
		if err != nil {
			return fmt.Errorf("claiming %s: %w", file.URI, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claiming %s: %w", file.URI, err)
		}
		switch {
		case n > 1:
			return fmt.Errorf("%w: claim of %s changed %d rows", backup.ErrInvariant, file.URI, n)
		case n == 0:
			var count int
			if err := tx.GetContext(ctx, &count,
				`SELECT COUNT(*) FROM ledger_files WHERE `+ledgerPK, filePK(file)...); err != nil {
				return fmt.Errorf("checking file %s: %w", file.URI, err)
			}
			if count == 0 {
				return fmt.Errorf("file %s: %w", file.URI, backup.ErrNotFound)
			}
			return nil
		}

		args := append(filePK(file), linkID, at.UTC())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO upload_links (user_id, folder_id, bucket_id, uri, link_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, folder_id, bucket_id, uri)
			DO UPDATE SET link_id = excluded.link_id, created_at = excluded.created_at`,
			args...); err != nil {
			return fmt.Errorf("adding upload link for %s: %w", file.URI, err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *SQLiteStore) BulkUpdateState(ctx context.Context, key backup.BucketKey, match backup.FileState, hashes []string, to backup.FileState) (int64, error) {
	if len(hashes) == 0 {
		return 0, nil
	}

	var total int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, chunk := range chunks(hashes) {
			query, args, err := sqlx.In(`
				UPDATE ledger_files SET state = ?
				WHERE user_id = ? AND folder_id = ? AND bucket_id = ? AND state = ? AND hash IN (?)`,
				to, key.UserID, key.FolderID, key.BucketID, match, chunk)
			if err != nil {
				return fmt.Errorf("building bulk update: %w", err)
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return fmt.Errorf("moving %s files to %s: %w", match, to, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("moving %s files to %s: %w", match, to, err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) ProgressCounts(ctx context.Context, key backup.BucketKey) ([]backup.StateCount, error) {
	var counts []backup.StateCount
	err := s.db.SelectContext(ctx, &counts, `
		SELECT state, COUNT(*) AS count
		FROM ledger_files
		WHERE user_id = ? AND folder_id = ? AND bucket_id = ?
		GROUP BY state
		ORDER BY state`,
		key.UserID, key.FolderID, key.BucketID)
	if err != nil {
		return nil, fmt.Errorf("counting files by state: %w", err)
	}
	return counts, nil
}

// DeleteMissing removes ledger rows whose handle is not in present.
func (s *SQLiteStore) DeleteMissing(ctx context.Context, key backup.BucketKey, present []string) (int64, error) {
	keep := make(map[string]bool, len(present))
	for _, uri := range present {
		keep[uri] = true
	}

	var total int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx,
			`SELECT uri FROM ledger_files WHERE user_id = ? AND folder_id = ? AND bucket_id = ?`,
			key.UserID, key.FolderID, key.BucketID)
		if err != nil {
			return fmt.Errorf("listing ledger handles: %w", err)
		}
		var missing []string
		for rows.Next() {
			var uri string
			if err := rows.Scan(&uri); err != nil {
				rows.Close()
				return fmt.Errorf("scanning ledger handle: %w", err)
			}
			if !keep[uri] {
				missing = append(missing, uri)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("listing ledger handles: %w", err)
		}
		rows.Close()

		for _, chunk := range chunks(missing) {
			query, args, err := sqlx.In(`
				DELETE FROM ledger_files
				WHERE user_id = ? AND folder_id = ? AND bucket_id = ? AND uri IN (?)`,
				key.UserID, key.FolderID, key.BucketID, chunk)
			if err != nil {
				return fmt.Errorf("building delete: %w", err)
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return fmt.Errorf("deleting missing files: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("deleting missing files: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, file *backup.LedgerFile) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM ledger_files WHERE `+ledgerPK, filePK(file)...); err != nil {
		return fmt.Errorf("deleting %s: %w", file.URI, err)
	}
	return nil
}

func (s *SQLiteStore) ResetAttempts(ctx context.Context, key backup.FolderKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_files
		SET attempts = 0,
			state = CASE WHEN state = 'FAILED' THEN 'READY' ELSE state END
		WHERE user_id = ? AND folder_id = ? AND state IN ('READY', 'FAILED')`,
		key.UserID, key.FolderID)
	if err != nil {
		return 0, fmt.Errorf("resetting attempts: %w", err)
	}
	return res.RowsAffected()
}

// Prioritize moves pending files to the front of the upload queue. Files
// already uploaded or deduplicated are left alone.
func (s *SQLiteStore) Prioritize(ctx context.Context, key backup.BucketKey, uris []string) (int64, error) {
	if len(uris) == 0 {
		return 0, nil
	}

	var total int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, chunk := range chunks(uris) {
			query, args, err := sqlx.In(`
				UPDATE ledger_files SET upload_priority = ?
				WHERE user_id = ? AND folder_id = ? AND bucket_id = ?
					AND state IN ('IDLE', 'READY', 'UPLOADING', 'FAILED')
					AND uri IN (?)`,
				backup.UserUploadPriority, key.UserID, key.FolderID, key.BucketID, chunk)
			if err != nil {
				return fmt.Errorf("building prioritize: %w", err)
			}
			res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
			if err != nil {
				return fmt.Errorf("prioritizing files: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("prioritizing files: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// RequeueStale recovers files left UPLOADING by a process that died mid
// upload: their link is older than olderThan, or missing altogether. Claims
// insert the link in the same transaction, so a live claim always has one.
func (s *SQLiteStore) RequeueStale(ctx context.Context, key backup.FolderKey, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC()

	var requeued int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE ledger_files SET state = 'READY'
			WHERE user_id = ? AND folder_id = ? AND state = 'UPLOADING'
				AND NOT EXISTS (
					SELECT 1 FROM upload_links l
					WHERE l.user_id = ledger_files.user_id
						AND l.folder_id = ledger_files.folder_id
						AND l.bucket_id = ledger_files.bucket_id
						AND l.uri = ledger_files.uri
						AND l.created_at >= ?
				)`,
			key.UserID, key.FolderID, cutoff)
		if err != nil {
			return fmt.Errorf("requeueing stale uploads: %w", err)
		}
		if requeued, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("requeueing stale uploads: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM upload_links WHERE user_id = ? AND folder_id = ? AND created_at < ?`,
			key.UserID, key.FolderID, cutoff); err != nil {
			return fmt.Errorf("deleting stale upload links: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

func (s *SQLiteStore) AddUploadLink(ctx context.Context, file *backup.LedgerFile, linkID string, at time.Time) error {
	args := append(filePK(file), linkID, at.UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_links (user_id, folder_id, bucket_id, uri, link_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, folder_id, bucket_id, uri)
		DO UPDATE SET link_id = excluded.link_id, created_at = excluded.created_at`,
		args...)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("file %s: %w", file.URI, backup.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("adding upload link for %s: %w", file.URI, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveUploadLink(ctx context.Context, file *backup.LedgerFile) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM upload_links WHERE `+ledgerPK, filePK(file)...); err != nil {
		return fmt.Errorf("removing upload link for %s: %w", file.URI, err)
	}
	return nil
}
