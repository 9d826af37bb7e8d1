package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"photobak/internal/backup"
	"photobak/internal/config"
	"photobak/internal/connectivity"
	"photobak/internal/database"
	"photobak/internal/encryption"
	"photobak/internal/lister"
	"photobak/internal/upload"
	"photobak/internal/vault"
)

// App is the application layer between the CLI and the backup Coordinator.
// It constructs all dependencies from config, exposes high-level operations
// and manages the ledger lifecycle on Close.
type App struct {
	cfg         *config.Config
	store       *database.SQLiteStore
	vault       vault.Vault
	encryptor   encryption.Encryptor
	lister      *lister.OSLister
	coordinator *backup.Coordinator
	aggregator  *backup.Aggregator
	clock       backup.Clock
	logger      *slog.Logger
	op          *Operation
	closeLog    func()
}

// RunResult is the outcome of one run over a destination folder.
type RunResult struct {
	FolderID string
	Summary  *backup.RunSummary
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Run", "Retry").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	return newApp(ctx, cfg, operation, os.Stderr)
}

func newApp(ctx context.Context, cfg *config.Config, operation string, stderr io.Writer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	logger, closeLog, err := newLogger(cfg.Log, cfg.LogDir, opID, stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.UserID)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	fail := func(err error) (*App, error) {
		store.Close()
		closeLog()
		return nil, err
	}

	if err := store.Migrate(); err != nil {
		return fail(fmt.Errorf("migrating database: %w", err))
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return fail(fmt.Errorf("creating vault: %w", err))
	}

	// Refuse to run on a ledger older than the last snapshot in the vault.
	remoteVersion, err := v.GetMetadataVersion(ctx, cfg.UserID)
	if err != nil {
		return fail(fmt.Errorf("checking remote metadata version: %w", err))
	}
	localMax, err := store.MaxCycleID(ctx)
	if err != nil {
		return fail(fmt.Errorf("checking local metadata version: %w", err))
	}
	if remoteVersion > localMax {
		return fail(fmt.Errorf("local ledger is behind the vault snapshot (local=%d, remote=%d): restore the ledger or re-initialize", localMax, remoteVersion))
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}

	conn, err := connectivity.NewFromConfig(cfg.Connectivity)
	if err != nil {
		return fail(fmt.Errorf("creating connectivity provider: %w", err))
	}

	order, err := backup.ParseBucketOrder(cfg.Coordinator.Order)
	if err != nil {
		return fail(err)
	}

	adapter := &slogAdapter{l: logger}
	ls := lister.NewOSLister(cfg.Media.Root, cfg.Media.Ignore)
	pipeline := upload.NewPipeline(v, enc, cfg.Coordinator.UploadTimeout, "", adapter)
	caps := backup.Capabilities{
		Lister:       ls,
		Pipeline:     pipeline,
		Permissions:  lister.NewOSPermissions(cfg.Media.Root),
		Connectivity: conn,
	}
	opts := backup.Options{
		Workers:          cfg.Coordinator.Workers,
		PageSize:         cfg.Coordinator.PageSize,
		UploadBatch:      cfg.Coordinator.UploadBatch,
		Order:            order,
		StaleUploadAfter: cfg.Coordinator.StaleUploadAfter,
		PanicOnInvariant: cfg.Log.Dev,
	}
	clock := backup.RealClock{}

	return &App{
		cfg:         cfg,
		store:       store,
		vault:       v,
		encryptor:   enc,
		lister:      ls,
		coordinator: backup.NewCoordinator(store, caps, adapter, clock, backup.UUIDGenerator{}, opts),
		aggregator:  backup.NewAggregator(store),
		clock:       clock,
		logger:      logger,
		op:          NewOperation(operation, ""),
		closeLog:    closeLog,
	}, nil
}

// persistOperation records the operation in the cycle history, giving it an id.
// This should only be called for ledger-mutating commands.
func (a *App) persistOperation(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	c, err := a.store.CreateCycle(ctx, a.op.Name, a.op.Parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = c.ID
	return nil
}

func (a *App) folder(folderID string) backup.FolderKey {
	return backup.FolderKey{UserID: a.cfg.UserID, FolderID: folderID}
}

func (a *App) bucket(folderID, bucketID string) backup.BucketKey {
	return backup.BucketKey{UserID: a.cfg.UserID, FolderID: folderID, BucketID: bucketID}
}

// AddDestination registers a destination folder, or renames an existing one.
func (a *App) AddDestination(ctx context.Context, folderID, name string, settings backup.Settings) error {
	if folderID == "" {
		return fmt.Errorf("%w: folder id is required", backup.ErrValidation)
	}
	if err := a.persistOperation(ctx, "folder="+folderID); err != nil {
		return err
	}
	if name == "" {
		name = folderID
	}
	return a.op.Fail(a.store.AddDestination(ctx, &backup.Destination{
		UserID:    a.cfg.UserID,
		FolderID:  folderID,
		Name:      name,
		CreatedAt: a.clock.Now(),
		Settings:  settings,
	}))
}

// Destinations returns every destination of the configured user.
func (a *App) Destinations(ctx context.Context) ([]*backup.Destination, error) {
	return a.store.ListDestinations(ctx, a.cfg.UserID)
}

// UpdateSettings applies change to the stored settings of a destination.
func (a *App) UpdateSettings(ctx context.Context, folderID string, change func(*backup.Settings)) (*backup.Settings, error) {
	dest, err := a.store.GetDestination(ctx, a.folder(folderID))
	if err != nil {
		return nil, err
	}
	settings := dest.Settings
	change(&settings)
	if settings.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1", backup.ErrValidation)
	}

	if err := a.persistOperation(ctx, "folder="+folderID); err != nil {
		return nil, err
	}
	if err := a.store.UpdateSettings(ctx, a.folder(folderID), settings); err != nil {
		return nil, a.op.Fail(err)
	}
	return &settings, nil
}

// AddBucket starts watching a directory under the media root.
func (a *App) AddBucket(ctx context.Context, folderID, bucketID string) error {
	dir, err := a.lister.BucketDir(bucketID)
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", backup.ErrValidation, dir)
	}

	if err := a.persistOperation(ctx, "folder="+folderID); err != nil {
		return err
	}
	return a.op.Fail(a.store.AddBucket(ctx, &backup.Bucket{
		UserID:   a.cfg.UserID,
		FolderID: folderID,
		BucketID: bucketID,
	}))
}

// AddAllBuckets watches every directory under the media root and returns
// their ids.
func (a *App) AddAllBuckets(ctx context.Context, folderID string) ([]string, error) {
	ids, err := a.lister.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := a.AddBucket(ctx, folderID, id); err != nil {
			return nil, fmt.Errorf("adding bucket %s: %w", id, err)
		}
	}
	return ids, nil
}

// Buckets returns the watched buckets of a destination.
func (a *App) Buckets(ctx context.Context, folderID string) ([]*backup.Bucket, error) {
	return a.store.ListBuckets(ctx, a.folder(folderID))
}

// RemoveBucket stops watching a bucket in every destination and drops its
// ledger rows.
func (a *App) RemoveBucket(ctx context.Context, bucketID string) error {
	if err := a.persistOperation(ctx, "bucket="+bucketID); err != nil {
		return err
	}
	return a.op.Fail(a.store.RemoveBucket(ctx, a.cfg.UserID, bucketID))
}

// Run reconciles and uploads every bucket of one destination, or of every
// destination when folderID is empty.
func (a *App) Run(ctx context.Context, folderID string) ([]*RunResult, error) {
	folders := []string{folderID}
	if folderID == "" {
		dests, err := a.Destinations(ctx)
		if err != nil {
			return nil, err
		}
		if len(dests) == 0 {
			return nil, fmt.Errorf("%w: no destinations configured", backup.ErrValidation)
		}
		folders = folders[:0]
		for _, d := range dests {
			folders = append(folders, d.FolderID)
		}
	}

	if err := a.persistOperation(ctx, "folder="+folderID); err != nil {
		return nil, err
	}

	var results []*RunResult
	var summaries []string
	for _, f := range folders {
		summary, err := a.coordinator.RunAll(ctx, a.folder(f))
		if err != nil {
			return results, a.op.Fail(fmt.Errorf("running %s: %w", f, err))
		}
		results = append(results, &RunResult{FolderID: f, Summary: summary})

		totals := summary.Totals()
		if totals.Err != nil {
			a.op.Status = "error"
		}
		summaries = append(summaries, fmt.Sprintf("%s: discovered=%d duplicated=%d uploaded=%d retrying=%d failed=%d",
			f, totals.Discovered, totals.Duplicated, totals.Uploaded, totals.Retrying, totals.Failed))
	}
	a.op.Summary = strings.Join(summaries, "; ")
	return results, nil
}

// Status returns the progress of every bucket of a destination.
func (a *App) Status(ctx context.Context, folderID string) ([]*backup.Status, error) {
	buckets, err := a.Buckets(ctx, folderID)
	if err != nil {
		return nil, err
	}
	statuses := make([]*backup.Status, 0, len(buckets))
	for _, b := range buckets {
		st, err := a.aggregator.Status(ctx, b.Key())
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Watch streams the status of one bucket until ctx is done.
func (a *App) Watch(ctx context.Context, folderID, bucketID string, interval time.Duration) <-chan *backup.Status {
	return a.aggregator.Watch(ctx, a.bucket(folderID, bucketID), interval)
}

// Errors returns up to limit recorded errors per bucket of a destination.
func (a *App) Errors(ctx context.Context, folderID string, limit int) ([]*backup.ErrorRecord, error) {
	buckets, err := a.Buckets(ctx, folderID)
	if err != nil {
		return nil, err
	}
	var all []*backup.ErrorRecord
	for _, b := range buckets {
		recs, err := a.store.ListErrors(ctx, b.Key(), limit, 0)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// Retry clears errors of one type, or resets every file and error of the
// destination when errType is empty.
func (a *App) Retry(ctx context.Context, folderID, errType string) (int64, error) {
	var parsed backup.ErrorType
	if errType != "" {
		var err error
		if parsed, err = backup.ParseErrorType(errType); err != nil {
			return 0, err
		}
	}
	if _, err := a.store.GetDestination(ctx, a.folder(folderID)); err != nil {
		return 0, err
	}

	if err := a.persistOperation(ctx, fmt.Sprintf("folder=%s type=%s", folderID, errType)); err != nil {
		return 0, err
	}
	if parsed == "" {
		n, err := a.coordinator.RetryAll(ctx, a.folder(folderID))
		return n, a.op.Fail(err)
	}
	n, err := a.coordinator.RetryByType(ctx, a.folder(folderID), parsed)
	return n, a.op.Fail(err)
}

// Prioritize moves the given local files to the front of the upload queue.
func (a *App) Prioritize(ctx context.Context, folderID, bucketID string, paths []string) (int64, error) {
	handles := make([]string, len(paths))
	for i, p := range paths {
		handles[i] = lister.HandleForPath(p)
	}
	if err := a.persistOperation(ctx, fmt.Sprintf("folder=%s bucket=%s", folderID, bucketID)); err != nil {
		return 0, err
	}
	n, err := a.coordinator.Prioritize(ctx, a.bucket(folderID, bucketID), handles)
	return n, a.op.Fail(err)
}

// Rescan makes the next run list every file of every bucket.
func (a *App) Rescan(ctx context.Context) error {
	if err := a.persistOperation(ctx, ""); err != nil {
		return err
	}
	return a.op.Fail(a.coordinator.Rescan(ctx, a.cfg.UserID))
}

// Duplicates pages through the content hashes known for a bucket.
func (a *App) Duplicates(ctx context.Context, folderID, bucketID string, limit, offset int) ([]*backup.DuplicateRecord, error) {
	return a.store.ListDuplicates(ctx, a.folder(folderID), bucketID, limit, offset)
}

// History returns the most recent operations.
func (a *App) History(ctx context.Context, limit int) ([]*backup.Cycle, error) {
	return a.store.ListCycles(ctx, limit)
}

// Restore fetches the backed-up content of the ledger file at path and
// writes it, decrypted, next to the original as
// "<name>.<hash[:12]>.restored". It returns the output path.
func (a *App) Restore(ctx context.Context, folderID, bucketID, path, passphrase string) (string, error) {
	file, err := a.store.GetFile(ctx, a.bucket(folderID, bucketID), lister.HandleForPath(path))
	if err != nil {
		return "", err
	}
	if file.State != backup.StateUploaded && file.State != backup.StateDuplicated {
		return "", fmt.Errorf("%w: %s is %s, not backed up", backup.ErrValidation, file.Name, file.State)
	}

	d, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return "", fmt.Errorf("unlocking private key: %w", err)
	}

	local, err := lister.PathForHandle(file.URI)
	if err != nil {
		return "", err
	}
	outPath := restorePath(local, file.Hash)
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating output file: %w", err)
	}
	defer out.Close()

	key := vault.ContentKey(a.cfg.UserID, folderID, file.Hash)
	pr, pw := io.Pipe()
	vaultErr := make(chan error, 1)
	go func() {
		err := a.vault.GetContent(ctx, key, pw)
		pw.CloseWithError(err)
		vaultErr <- err
	}()

	decryptErr := d.Decrypt(pr, out)
	pr.CloseWithError(decryptErr)
	if err := errors.Join(<-vaultErr, decryptErr); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("restoring %s: %w", key, err)
	}

	if file.LastModified != nil {
		if err := os.Chtimes(outPath, *file.LastModified, *file.LastModified); err != nil {
			return "", fmt.Errorf("setting file times: %w", err)
		}
	}
	a.logger.Info("file restored", "path", outPath, "key", key)
	return outPath, nil
}

func restorePath(local, hash string) string {
	return fmt.Sprintf("%s.%s.restored", local, hash[:min(12, len(hash))])
}

// SetupKeys generates the encryption key pair.
func (a *App) SetupKeys(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// CheckKeys verifies the passphrase unlocks a private key matching the
// public key.
func (a *App) CheckKeys(passphrase string) error {
	if !a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys are not set up")
	}
	return encryption.Check(a.encryptor, passphrase)
}

// CheckVault verifies the vault is reachable and writable.
func (a *App) CheckVault(ctx context.Context) error {
	return a.vault.ValidateSetup(ctx)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the history record, snapshots the
// ledger and uploads it to the vault versioned by the operation id.
// For non-persisted operations: just closes the database.
func (a *App) Close() error {
	ctx := context.Background()
	var errs []error

	if a.op.Persisted() {
		if err := a.store.FinishCycle(ctx, a.op.ID, a.op.Status, a.op.Summary, a.clock.Now()); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}

		if err := a.uploadSnapshot(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("closing app", "error", err)
	}
	a.closeLog()
	return errors.Join(errs...)
}

// uploadSnapshot copies the ledger with VACUUM INTO and stores the copy in
// the vault.
func (a *App) uploadSnapshot(ctx context.Context) error {
	tmp, err := os.CreateTemp("", "photobak-ledger-*.db")
	if err != nil {
		return fmt.Errorf("creating temp file for ledger snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := a.store.BackupTo(ctx, tmpPath); err != nil {
		return err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("opening ledger snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger snapshot: %w", err)
	}

	if err := a.vault.PutMetadata(ctx, a.cfg.UserID, f, info.Size(), a.op.ID); err != nil {
		return fmt.Errorf("uploading ledger snapshot: %w", err)
	}
	a.logger.Info("ledger snapshot uploaded", "version", a.op.ID, "size", info.Size())
	return nil
}
