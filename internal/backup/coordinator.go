package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// BucketOrder selects the order buckets are reconciled in.
type BucketOrder string

const (
	// OrderRecentFirst visits the most recently reconciled buckets first.
	OrderRecentFirst BucketOrder = "recent_first"
	// OrderOldestFirst visits never-reconciled and stale buckets first.
	OrderOldestFirst BucketOrder = "oldest_first"
)

// ParseBucketOrder validates a configured bucket order. Empty means
// OrderRecentFirst.
func ParseBucketOrder(s string) (BucketOrder, error) {
	switch BucketOrder(s) {
	case "", OrderRecentFirst:
		return OrderRecentFirst, nil
	case OrderOldestFirst:
		return OrderOldestFirst, nil
	}
	return "", fmt.Errorf("%w: unknown bucket order %q", ErrValidation, s)
}

// Options tunes the Coordinator.
type Options struct {
	// Workers bounds how many bucket cycles run at once.
	Workers int
	// PageSize bounds how many ledger rows are loaded per query.
	PageSize int
	// UploadBatch is the number of ready files fetched per upload query.
	UploadBatch int
	Order       BucketOrder
	// StaleUploadAfter is how old an upload link must be before its file
	// is assumed orphaned by a dead process and requeued.
	StaleUploadAfter time.Duration
	// PanicOnInvariant crashes on corrupt ledger state instead of logging.
	PanicOnInvariant bool
}

// DefaultOptions returns the options used when a field is left zero.
func DefaultOptions() Options {
	return Options{
		Workers:          2,
		PageSize:         200,
		UploadBatch:      50,
		Order:            OrderRecentFirst,
		StaleUploadAfter: time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.UploadBatch <= 0 {
		o.UploadBatch = d.UploadBatch
	}
	if o.Order == "" {
		o.Order = d.Order
	}
	if o.StaleUploadAfter <= 0 {
		o.StaleUploadAfter = d.StaleUploadAfter
	}
	return o
}

// CycleResult reports what one bucket cycle did.
type CycleResult struct {
	BucketID   string
	Discovered int
	Removed    int
	Duplicated int
	Queued     int
	Uploaded   int
	Retrying   int
	Failed     int
	Cancelled  int
	Vanished   int
	// Err is set when the cycle was aborted.
	Err error
}

// RunSummary reports a RunAll pass over every bucket of a destination.
type RunSummary struct {
	Cycles        []*CycleResult
	ClearedErrors int64
	Requeued      int64
}

// Totals sums the per-bucket counters. Err holds the first aborted cycle.
func (s *RunSummary) Totals() CycleResult {
	var t CycleResult
	for _, c := range s.Cycles {
		if c == nil {
			continue
		}
		t.Discovered += c.Discovered
		t.Removed += c.Removed
		t.Duplicated += c.Duplicated
		t.Queued += c.Queued
		t.Uploaded += c.Uploaded
		t.Retrying += c.Retrying
		t.Failed += c.Failed
		t.Cancelled += c.Cancelled
		t.Vanished += c.Vanished
		if t.Err == nil && c.Err != nil {
			t.Err = c.Err
		}
	}
	return t
}

// Coordinator drives reconciliation cycles. It holds no mutable state of
// its own; concurrent cycles coordinate only through the store's
// conditional updates.
type Coordinator struct {
	store  Store
	caps   Capabilities
	logger Logger
	clock  Clock
	idgen  IDGenerator
	opts   Options
}

// NewCoordinator creates a Coordinator with the provided dependencies.
func NewCoordinator(store Store, caps Capabilities, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Coordinator {
	if logger == nil {
		logger = NewNopLogger()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	return &Coordinator{
		store:  store,
		caps:   caps,
		logger: logger,
		clock:  clock,
		idgen:  idgen,
		opts:   opts.withDefaults(),
	}
}

// RunAll runs one cycle for every bucket of a destination. A failing
// bucket never stops the others; the returned error is only set when the
// destination cannot be read or ctx is done.
func (c *Coordinator) RunAll(ctx context.Context, key FolderKey) (*RunSummary, error) {
	dest, err := c.store.GetDestination(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading destination: %w", err)
	}
	settings := dest.Settings

	summary := &RunSummary{}

	cleared, err := c.clearOnReconnect(ctx, key)
	if err != nil {
		return nil, err
	}
	summary.ClearedErrors = cleared

	requeued, err := c.store.RequeueStale(ctx, key, c.clock.Now().Add(-c.opts.StaleUploadAfter))
	if err != nil {
		return nil, fmt.Errorf("requeueing stale uploads: %w", err)
	}
	if requeued > 0 {
		c.logger.Info("requeued stale uploads", "user", key.UserID, "folder", key.FolderID, "count", requeued)
	}
	summary.Requeued = requeued

	buckets, err := c.store.ListBuckets(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	if c.opts.Order == OrderOldestFirst {
		slices.Reverse(buckets)
	}

	summary.Cycles = make([]*CycleResult, len(buckets))

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, b := range buckets {
		g.Go(func() error {
			res, err := c.RunCycle(ctx, b, settings)
			if err != nil {
				c.logger.Error("bucket cycle aborted", "bucket", b.Key().String(), "error", err)
			}
			summary.Cycles[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return summary, ctx.Err()
}

// RunCycle reconciles one bucket against the device and uploads its ready
// files. Failures before the upload phase abort the cycle; per-file upload
// failures are recorded and never abort it.
func (c *Coordinator) RunCycle(ctx context.Context, bucket *Bucket, settings Settings) (*CycleResult, error) {
	key := bucket.Key()
	res := &CycleResult{BucketID: bucket.BucketID}

	fail := func(err error) (*CycleResult, error) {
		c.checkInvariant(err)
		res.Err = err
		return res, err
	}

	if err := c.preflight(ctx, key, settings); err != nil {
		return fail(err)
	}

	listedAt, err := c.reconcile(ctx, bucket, res)
	if err != nil {
		return fail(err)
	}

	if err := c.classify(ctx, key, res); err != nil {
		return fail(err)
	}

	if err := c.uploadReady(ctx, key, settings, res); err != nil {
		return fail(err)
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if res.Vanished == 0 {
		if err := c.store.MarkReconciled(ctx, key, listedAt); err != nil {
			return fail(fmt.Errorf("marking bucket reconciled: %w", err))
		}
	}

	c.logger.Info("bucket cycle complete",
		"bucket", key.String(),
		"discovered", res.Discovered,
		"removed", res.Removed,
		"duplicated", res.Duplicated,
		"uploaded", res.Uploaded,
		"retrying", res.Retrying,
		"failed", res.Failed,
	)
	return res, nil
}

// preflight checks media permissions and connectivity.
func (c *Coordinator) preflight(ctx context.Context, key BucketKey, settings Settings) error {
	perms, err := c.caps.Permissions.CurrentPermissions(ctx)
	if err != nil {
		return fmt.Errorf("checking permissions: %w", err)
	}
	if !perms.Granted {
		c.recordBucketError(ctx, key, ErrorPermissions, !perms.Permanent, "media access denied")
		return ErrPermissionDenied
	}

	conn, err := c.caps.Connectivity.Current(ctx)
	if err != nil {
		return fmt.Errorf("checking connectivity: %w", err)
	}
	switch {
	case conn == ConnectivityNone:
		c.recordBucketError(ctx, key, ErrorConnectivity, true, "device is offline")
		return ErrNoConnectivity
	case conn == ConnectivityMetered && settings.UnmeteredOnly:
		c.recordBucketError(ctx, key, ErrorWifiOnly, true, "metered network")
		return ErrUnmeteredOnly
	}
	return nil
}

// reconcile lists the bucket and diffs the listing against the ledger. It
// returns the time the listing started, which becomes the new watermark.
func (c *Coordinator) reconcile(ctx context.Context, bucket *Bucket, res *CycleResult) (time.Time, error) {
	key := bucket.Key()
	listedAt := c.clock.Now()

	files, err := c.caps.Lister.ListFiles(ctx, bucket.BucketID, bucket.LastUpdateTime)
	if err != nil {
		if ctx.Err() == nil {
			errType, retryable := ErrorOther, true
			if errors.Is(err, fs.ErrPermission) {
				errType, retryable = ErrorPermissions, false
			}
			c.recordBucketError(ctx, key, errType, retryable, err.Error())
		}
		return listedAt, fmt.Errorf("listing bucket %s: %w", bucket.BucketID, err)
	}

	if err := c.store.MarkSynced(ctx, key, listedAt); err != nil {
		return listedAt, fmt.Errorf("marking bucket synced: %w", err)
	}

	present := make([]string, len(files))
	discovered := make([]*LedgerFile, len(files))
	for i, lf := range files {
		present[i] = lf.URI
		discovered[i] = &LedgerFile{
			UserID:         key.UserID,
			FolderID:       key.FolderID,
			BucketID:       key.BucketID,
			URI:            lf.URI,
			MimeType:       lf.MimeType,
			Name:           lf.Name,
			Hash:           lf.Hash,
			Size:           lf.Size,
			State:          StateIdle,
			CreationTime:   lf.CaptureTime,
			UploadPriority: DefaultUploadPriority,
			LastModified:   lf.LastModified,
		}
	}

	for start := 0; start < len(discovered); start += c.opts.PageSize {
		end := min(start+c.opts.PageSize, len(discovered))
		n, err := c.store.UpsertDiscovered(ctx, discovered[start:end])
		if err != nil {
			return listedAt, fmt.Errorf("recording discovered files: %w", err)
		}
		res.Discovered += n
	}

	// Only a full listing says anything about files that are gone.
	if bucket.LastUpdateTime == nil {
		removed, err := c.store.DeleteMissing(ctx, key, present)
		if err != nil {
			return listedAt, fmt.Errorf("removing missing files: %w", err)
		}
		res.Removed = int(removed)
		if removed > 0 {
			c.logger.Info("removed files no longer on device", "bucket", key.String(), "count", removed)
		}
	}

	return listedAt, nil
}

// classify promotes IDLE files to DUPLICATED or READY one page at a time.
// Every row of a page leaves IDLE, by this cycle or a concurrent one, so
// the next page is always read from the start.
func (c *Coordinator) classify(ctx context.Context, key BucketKey, res *CycleResult) error {
	for {
		page, err := c.store.ListByState(ctx, key, StateIdle, c.opts.PageSize, 0)
		if err != nil {
			return fmt.Errorf("listing idle files: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		hashes := make([]string, 0, len(page))
		seen := make(map[string]bool, len(page))
		for _, f := range page {
			if !seen[f.Hash] {
				seen[f.Hash] = true
				hashes = append(hashes, f.Hash)
			}
		}

		dups, err := c.store.FindByHashes(ctx, key.Folder(), key.BucketID, hashes)
		if err != nil {
			return fmt.Errorf("querying duplicate index: %w", err)
		}
		known := make(map[string]bool, len(dups))
		for _, d := range dups {
			known[d.Hash] = true
		}

		var dupHashes, newHashes []string
		for _, h := range hashes {
			if known[h] {
				dupHashes = append(dupHashes, h)
			} else {
				newHashes = append(newHashes, h)
			}
		}

		duplicated, err := c.store.BulkUpdateState(ctx, key, StateIdle, dupHashes, StateDuplicated)
		if err != nil {
			return fmt.Errorf("marking duplicates: %w", err)
		}
		queued, err := c.store.BulkUpdateState(ctx, key, StateIdle, newHashes, StateReady)
		if err != nil {
			return fmt.Errorf("queueing files: %w", err)
		}
		res.Duplicated += int(duplicated)
		res.Queued += int(queued)
	}
}

// uploadReady claims ready files in upload order and hands each to the
// pipeline. Every file is attempted at most once per cycle.
func (c *Coordinator) uploadReady(ctx context.Context, key BucketKey, settings Settings, res *CycleResult) error {
	blocking, err := c.store.BlockingErrors(ctx, key)
	if err != nil {
		return fmt.Errorf("reading blocking errors: %w", err)
	}
	if slices.Contains(blocking, ErrorStorageQuota) {
		c.logger.Warn("uploads paused until the storage quota error is cleared", "bucket", key.String())
		return nil
	}

	target := UploadTarget{UserID: key.UserID, FolderID: key.FolderID, ParentID: key.BucketID}
	attempted := make(map[string]bool)
	offset := 0

	for ctx.Err() == nil {
		batch, err := c.store.ListReadyToUpload(ctx, key, settings.MaxAttempts, c.opts.UploadBatch, offset)
		if err != nil {
			return fmt.Errorf("listing ready files: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		fresh := 0
		for _, f := range batch {
			if attempted[f.URI] {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			fresh++
			attempted[f.URI] = true

			if err := c.uploadOne(ctx, f, target, settings, res); err != nil {
				c.checkInvariant(err)
				c.logger.Error("recording upload outcome", "bucket", key.String(), "uri", f.URI, "error", err)
			}
		}

		// Retried files keep their place at the front of the queue.
		if fresh == 0 {
			offset += len(batch)
		}
	}
	return nil
}

// uploadOne claims a single file, uploads it and records the outcome. Once
// the claim succeeds all bookkeeping ignores cancellation so the file is
// never left UPLOADING by an interrupted cycle.
func (c *Coordinator) uploadOne(ctx context.Context, f *LedgerFile, target UploadTarget, settings Settings, res *CycleResult) error {
	linkID := c.idgen.New()
	claimed, err := c.store.ClaimForUpload(ctx, f, linkID, c.clock.Now())
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("file left the ledger before upload", "uri", f.URI)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming file: %w", err)
	}
	if !claimed {
		// Another cycle claimed it first.
		return nil
	}
	f.State = StateUploading
	f.Attempts++

	bg := context.WithoutCancel(ctx)

	release := c.holdClaim(bg, f, linkID)
	uploaded, upErr := c.caps.Pipeline.Upload(ctx, f, target)
	release()

	var outcomeErr error
	if upErr == nil {
		outcomeErr = c.recordSuccess(bg, f, uploaded, res)
	} else {
		kind := ClassifyUploadError(upErr)
		if ctx.Err() != nil {
			kind = UploadCancelled
		}
		outcomeErr = c.recordFailure(bg, f, kind, upErr, settings, res)
	}

	if err := c.store.RemoveUploadLink(bg, f); err != nil && outcomeErr == nil {
		outcomeErr = fmt.Errorf("removing upload link: %w", err)
	}
	return outcomeErr
}

// holdClaim refreshes the upload link of f at half the stale interval so a
// long upload is never requeued by another run. The returned func stops the
// refresh and waits for it.
func (c *Coordinator) holdClaim(ctx context.Context, f *LedgerFile, linkID string) func() {
	ticker := time.NewTicker(max(c.opts.StaleUploadAfter/2, time.Millisecond))
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := c.store.AddUploadLink(ctx, f, linkID, c.clock.Now()); err != nil {
					c.logger.Warn("refreshing upload link", "uri", f.URI, "error", err)
				}
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func (c *Coordinator) recordSuccess(ctx context.Context, f *LedgerFile, uploaded *Uploaded, res *CycleResult) error {
	n, err := c.store.Transition(ctx, f, StateUploading, StateUploaded)
	if err != nil {
		return fmt.Errorf("marking uploaded: %w", err)
	}
	if n == 0 {
		c.logger.Warn("uploaded file was requeued while in flight", "uri", f.URI)
	}
	f.State = StateUploaded
	res.Uploaded++

	deduplicated := uploaded != nil && uploaded.Deduplicated
	state := DuplicateUploaded
	if deduplicated {
		state = DuplicateRemote
	}
	err = c.store.RecordDuplicate(ctx, &DuplicateRecord{
		UserID:    f.UserID,
		FolderID:  f.FolderID,
		ParentID:  f.BucketID,
		Hash:      f.Hash,
		State:     state,
		CreatedAt: c.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("recording uploaded hash: %w", err)
	}

	c.logger.Info("file uploaded", "uri", f.URI, "attempts", f.Attempts, "deduplicated", deduplicated)
	return nil
}

func (c *Coordinator) recordFailure(ctx context.Context, f *LedgerFile, kind UploadErrorKind, upErr error, settings Settings, res *CycleResult) error {
	switch kind {
	case UploadCancelled:
		if _, err := c.store.RevertClaim(ctx, f); err != nil {
			return fmt.Errorf("reverting cancelled upload: %w", err)
		}
		f.State = StateReady
		f.Attempts = max(f.Attempts-1, 0)
		res.Cancelled++
		c.logger.Info("upload cancelled", "uri", f.URI)
		return nil

	case UploadMissing:
		// The file may only have changed since it was listed. A full
		// listing re-adds it if it is still on the device.
		if err := c.store.DeleteFile(ctx, f); err != nil {
			return fmt.Errorf("removing vanished file: %w", err)
		}
		if err := c.store.ResetWatermark(ctx, f.Key()); err != nil {
			return fmt.Errorf("resetting watermark: %w", err)
		}
		res.Vanished++
		c.logger.Info("file no longer on device", "uri", f.URI, "reason", upErr)
		return nil
	}

	errType, retryable := kind.ErrorType()
	err := c.store.RecordError(ctx, &ErrorRecord{
		UserID:    f.UserID,
		FolderID:  f.FolderID,
		BucketID:  f.BucketID,
		Type:      errType,
		Retryable: retryable,
		Message:   upErr.Error(),
		CreatedAt: c.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("recording upload error: %w", err)
	}

	to := StateReady
	if f.Attempts >= settings.MaxAttempts {
		to = StateFailed
	}
	if _, err := c.store.Transition(ctx, f, StateUploading, to); err != nil {
		return fmt.Errorf("marking %s: %w", to, err)
	}
	f.State = to
	if to == StateFailed {
		res.Failed++
	} else {
		res.Retrying++
	}

	c.logger.Warn("upload failed",
		"uri", f.URI,
		"kind", kind.String(),
		"attempts", f.Attempts,
		"max_attempts", settings.MaxAttempts,
		"state", string(to),
		"error", upErr,
	)
	return nil
}

// recordBucketError records a bucket-level failure unless one of the same
// type is already outstanding, so repeated triggers do not pile up rows.
func (c *Coordinator) recordBucketError(ctx context.Context, key BucketKey, errType ErrorType, retryable bool, msg string) {
	n, err := c.store.CountErrors(ctx, key, errType)
	if err != nil {
		c.logger.Error("counting bucket errors", "bucket", key.String(), "error", err)
		return
	}
	if n > 0 {
		return
	}
	err = c.store.RecordError(ctx, &ErrorRecord{
		UserID:    key.UserID,
		FolderID:  key.FolderID,
		BucketID:  key.BucketID,
		Type:      errType,
		Retryable: retryable,
		Message:   msg,
		CreatedAt: c.clock.Now(),
	})
	if err != nil {
		c.logger.Error("recording bucket error", "bucket", key.String(), "error", err)
	}
}

// clearOnReconnect clears retryable errors when connectivity errors are
// outstanding but the device is back online.
func (c *Coordinator) clearOnReconnect(ctx context.Context, key FolderKey) (int64, error) {
	conn, err := c.caps.Connectivity.Current(ctx)
	if err != nil || conn == ConnectivityNone {
		return 0, nil
	}

	scope := BucketKey{UserID: key.UserID, FolderID: key.FolderID}
	stale, err := c.store.CountErrors(ctx, scope, ErrorConnectivity)
	if err != nil {
		return 0, fmt.Errorf("counting connectivity errors: %w", err)
	}
	if conn == ConnectivityUnmetered {
		wifi, err := c.store.CountErrors(ctx, scope, ErrorWifiOnly)
		if err != nil {
			return 0, fmt.Errorf("counting wifi-only errors: %w", err)
		}
		stale += wifi
	}
	if stale == 0 {
		return 0, nil
	}
	return c.ConnectivityRestored(ctx, key)
}

// ConnectivityRestored clears retryable errors. Permanent errors stay until
// the user addresses them.
func (c *Coordinator) ConnectivityRestored(ctx context.Context, key FolderKey) (int64, error) {
	n, err := c.store.ClearRetryable(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("clearing retryable errors: %w", err)
	}
	c.logger.Info("cleared retryable errors", "user", key.UserID, "folder", key.FolderID, "count", n)
	return n, nil
}

// RetryAll resets attempts, requeues FAILED files and clears every error of
// the destination. It returns the number of files requeued or reset.
func (c *Coordinator) RetryAll(ctx context.Context, key FolderKey) (int64, error) {
	n, err := c.store.ResetAttempts(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("resetting attempts: %w", err)
	}
	if _, err := c.store.ClearAll(ctx, key); err != nil {
		return n, fmt.Errorf("clearing errors: %w", err)
	}
	c.logger.Info("retrying all files", "user", key.UserID, "folder", key.FolderID, "reset", n)
	return n, nil
}

// RetryByType clears the errors of one type, which lifts any pause they
// caused. Retrying "other" errors also requeues FAILED files, since those
// are the files that exhausted their attempts.
func (c *Coordinator) RetryByType(ctx context.Context, key FolderKey, errType ErrorType) (int64, error) {
	n, err := c.store.ClearByType(ctx, key, errType)
	if err != nil {
		return 0, fmt.Errorf("clearing %s errors: %w", errType, err)
	}
	if errType == ErrorOther {
		if _, err := c.store.ResetAttempts(ctx, key); err != nil {
			return n, fmt.Errorf("resetting attempts: %w", err)
		}
	}
	c.logger.Info("cleared errors", "user", key.UserID, "folder", key.FolderID, "type", string(errType), "count", n)
	return n, nil
}

// Prioritize moves user-selected files to the front of the upload queue.
func (c *Coordinator) Prioritize(ctx context.Context, key BucketKey, uris []string) (int64, error) {
	n, err := c.store.Prioritize(ctx, key, uris)
	if err != nil {
		return 0, fmt.Errorf("prioritizing files: %w", err)
	}
	return n, nil
}

// Rescan forces the next cycle of every bucket of a user to list all files.
func (c *Coordinator) Rescan(ctx context.Context, userID string) error {
	if err := c.store.ResetAllWatermarks(ctx, userID); err != nil {
		return fmt.Errorf("resetting watermarks: %w", err)
	}
	return nil
}

func (c *Coordinator) checkInvariant(err error) {
	if c.opts.PanicOnInvariant && errors.Is(err, ErrInvariant) {
		panic(err)
	}
}
