package testutil

import (
	"context"
	"testing"

	"photobak/internal/backup"
	"photobak/internal/database"
)

// NewTestStore creates an in-memory SQLite store with migrations applied.
// The store is closed when the test completes.
func NewTestStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return s
}

// SeedBuckets registers a destination with the given settings and one
// bucket per id.
func SeedBuckets(t *testing.T, s backup.Store, key backup.FolderKey, settings backup.Settings, bucketIDs ...string) {
	t.Helper()
	ctx := context.Background()

	err := s.AddDestination(ctx, &backup.Destination{
		UserID:   key.UserID,
		FolderID: key.FolderID,
		Name:     key.FolderID,
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("AddDestination() error = %v", err)
	}
	// AddDestination keeps the settings of an existing row.
	if err := s.UpdateSettings(ctx, key, settings); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	for _, id := range bucketIDs {
		b := &backup.Bucket{UserID: key.UserID, FolderID: key.FolderID, BucketID: id}
		if err := s.AddBucket(ctx, b); err != nil {
			t.Fatalf("AddBucket(%s) error = %v", id, err)
		}
	}
}
