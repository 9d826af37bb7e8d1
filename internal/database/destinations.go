package database

import (
	"context"
	"fmt"
	"time"

	"photobak/internal/backup"
)

func (s *SQLiteStore) AddDestination(ctx context.Context, dest *backup.Destination) error {
	if dest.MaxAttempts <= 0 {
		dest.MaxAttempts = backup.DefaultSettings().MaxAttempts
	}
	if dest.CreatedAt.IsZero() {
		dest.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO destinations (user_id, folder_id, name, max_attempts, unmetered_only, created_at)
		VALUES (:user_id, :folder_id, :name, :max_attempts, :unmetered_only, :created_at)
		ON CONFLICT (user_id, folder_id) DO UPDATE SET name = excluded.name`,
		dest)
	if err != nil {
		return fmt.Errorf("adding destination: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDestination(ctx context.Context, key backup.FolderKey) (*backup.Destination, error) {
	var dest backup.Destination
	err := s.db.GetContext(ctx, &dest, `
		SELECT user_id, folder_id, name, max_attempts, unmetered_only, created_at
		FROM destinations
		WHERE user_id = ? AND folder_id = ?`,
		key.UserID, key.FolderID)
	if err != nil {
		return nil, notFound(err, "destination "+key.FolderID)
	}
	return &dest, nil
}

func (s *SQLiteStore) ListDestinations(ctx context.Context, userID string) ([]*backup.Destination, error) {
	var dests []*backup.Destination
	err := s.db.SelectContext(ctx, &dests, `
		SELECT user_id, folder_id, name, max_attempts, unmetered_only, created_at
		FROM destinations
		WHERE user_id = ?
		ORDER BY folder_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing destinations: %w", err)
	}
	return dests, nil
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, key backup.FolderKey, settings backup.Settings) error {
	if settings.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", backup.ErrValidation, settings.MaxAttempts)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE destinations SET max_attempts = ?, unmetered_only = ?
		WHERE user_id = ? AND folder_id = ?`,
		settings.MaxAttempts, settings.UnmeteredOnly, key.UserID, key.FolderID)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("destination %s: %w", key.FolderID, backup.ErrNotFound)
	}
	return nil
}
