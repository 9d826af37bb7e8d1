package backup_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"testing"
	"time"

	"photobak/internal/backup"
	"photobak/internal/database"
	"photobak/internal/testutil"
)

var (
	testFolder = backup.FolderKey{UserID: "user-1", FolderID: "folder-1"}
	camera     = backup.BucketKey{UserID: "user-1", FolderID: "folder-1", BucketID: "Camera"}
	t0         = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

type harness struct {
	store *database.SQLiteStore
	fakes *testutil.Capabilities
	clock *testutil.StubClock
	coord *backup.Coordinator
	agg   *backup.Aggregator
}

func newHarness(t *testing.T, settings backup.Settings, opts backup.Options, buckets ...string) *harness {
	t.Helper()
	if len(buckets) == 0 {
		buckets = []string{camera.BucketID}
	}

	store := testutil.NewTestStore(t)
	testutil.SeedBuckets(t, store, testFolder, settings, buckets...)

	fakes := testutil.NewCapabilities()
	clock := testutil.NewStubClock(t0)
	return &harness{
		store: store,
		fakes: fakes,
		clock: clock,
		coord: backup.NewCoordinator(store, fakes.Caps(), nil, clock, testutil.NewStubIDGenerator(), opts),
		agg:   backup.NewAggregator(store),
	}
}

// photos returns n files with distinct content, captured before t0.
func photos(bucketID string, n int) []backup.LocalFile {
	out := make([]backup.LocalFile, n)
	for i := range out {
		out[i] = testutil.Photo(bucketID, fmt.Sprintf("IMG_%04d.jpg", i), fmt.Sprintf("%s-%d", bucketID, i), t0.Add(-time.Duration(i+1)*time.Hour))
	}
	return out
}

func (h *harness) run(t *testing.T) *backup.RunSummary {
	t.Helper()
	summary, err := h.coord.RunAll(context.Background(), testFolder)
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	return summary
}

func (h *harness) status(t *testing.T, key backup.BucketKey) *backup.Status {
	t.Helper()
	st, err := h.agg.Status(context.Background(), key)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return st
}

func (h *harness) file(t *testing.T, key backup.BucketKey, uri string) *backup.LedgerFile {
	t.Helper()
	f, err := h.store.GetFile(context.Background(), key, uri)
	if err != nil {
		t.Fatalf("GetFile(%s) error = %v", uri, err)
	}
	return f
}

func (h *harness) errorRecords(t *testing.T, key backup.BucketKey) []*backup.ErrorRecord {
	t.Helper()
	recs, err := h.store.ListErrors(context.Background(), key, 100, 0)
	if err != nil {
		t.Fatalf("ListErrors() error = %v", err)
	}
	return recs
}

func (h *harness) bucket(t *testing.T, key backup.BucketKey) *backup.Bucket {
	t.Helper()
	b, err := h.store.GetBucket(context.Background(), key)
	if err != nil {
		t.Fatalf("GetBucket() error = %v", err)
	}
	return b
}

// seedReady records files as READY without running a cycle.
func (h *harness) seedReady(t *testing.T, key backup.BucketKey, files ...backup.LocalFile) []*backup.LedgerFile {
	t.Helper()
	ctx := context.Background()

	rows := make([]*backup.LedgerFile, len(files))
	hashes := make([]string, len(files))
	for i, f := range files {
		rows[i] = &backup.LedgerFile{
			UserID: key.UserID, FolderID: key.FolderID, BucketID: key.BucketID,
			URI: f.URI, Name: f.Name, MimeType: f.MimeType, Hash: f.Hash, Size: f.Size,
			CreationTime: f.CaptureTime, UploadPriority: backup.DefaultUploadPriority,
			LastModified: f.LastModified,
		}
		hashes[i] = f.Hash
	}
	if _, err := h.store.UpsertDiscovered(ctx, rows); err != nil {
		t.Fatalf("UpsertDiscovered() error = %v", err)
	}
	if _, err := h.store.BulkUpdateState(ctx, key, backup.StateIdle, hashes, backup.StateReady); err != nil {
		t.Fatalf("BulkUpdateState() error = %v", err)
	}
	for _, r := range rows {
		r.State = backup.StateReady
	}
	return rows
}

func uploadErr(kind backup.UploadErrorKind, msg string) error {
	return backup.NewUploadError(kind, errors.New(msg))
}

func TestCoordinator_FullCycle(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	h.fakes.Lister.Add("Camera", photos("Camera", 5)...)

	// Snapshot the status while the first upload is in flight.
	var mid *backup.Status
	var once sync.Once
	h.fakes.Pipeline.SetHook(func(ctx context.Context, f *backup.LedgerFile) error {
		once.Do(func() { mid, _ = h.agg.Status(ctx, camera) })
		return nil
	})

	summary := h.run(t)

	if mid == nil || mid.Pending != 4 || mid.Uploading != 1 {
		t.Errorf("status during first upload = %+v, want pending 4 and uploading 1", mid)
	}

	res := summary.Totals()
	if res.Err != nil {
		t.Fatalf("cycle error = %v", res.Err)
	}
	if res.Discovered != 5 || res.Queued != 5 || res.Uploaded != 5 {
		t.Errorf("totals = %+v, want 5 discovered, queued and uploaded", res)
	}

	st := h.status(t, camera)
	if st.Uploaded != 5 || st.Total() != 5 {
		t.Errorf("status = %+v, want uploaded 5", st)
	}
	if !st.IsBackedUp() || st.Phase() != backup.PhaseComplete {
		t.Errorf("phase = %s, want complete", st.Phase())
	}

	dups, err := h.store.ListDuplicates(context.Background(), testFolder, "Camera", 100, 0)
	if err != nil {
		t.Fatalf("ListDuplicates() error = %v", err)
	}
	if len(dups) != 5 {
		t.Errorf("duplicate records = %d, want 5", len(dups))
	}

	b := h.bucket(t, camera)
	if b.LastUpdateTime == nil || !b.LastUpdateTime.Equal(t0) {
		t.Errorf("LastUpdateTime = %v, want %v", b.LastUpdateTime, t0)
	}
}

func TestCoordinator_PartialFailure(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 5)
	h.fakes.Lister.Add("Camera", files...)
	h.fakes.Pipeline.Script(files[1].URI, uploadErr(backup.UploadConnectivity, "network unreachable"))
	h.fakes.Pipeline.Script(files[3].URI, uploadErr(backup.UploadConnectivity, "network unreachable"))

	res := h.run(t).Totals()
	if res.Uploaded != 3 || res.Retrying != 2 {
		t.Errorf("totals = %+v, want 3 uploaded and 2 retrying", res)
	}

	for i, f := range files {
		got := h.file(t, camera, f.URI)
		want := backup.StateUploaded
		if i == 1 || i == 3 {
			want = backup.StateReady
			if got.Attempts != 1 {
				t.Errorf("%s attempts = %d, want 1", f.Name, got.Attempts)
			}
		}
		if got.State != want {
			t.Errorf("%s state = %s, want %s", f.Name, got.State, want)
		}
		if n := h.fakes.Pipeline.CallCount(f.URI); n != 1 {
			t.Errorf("%s uploaded %d times in one cycle, want 1", f.Name, n)
		}
	}

	recs := h.errorRecords(t, camera)
	if len(recs) != 2 {
		t.Fatalf("error records = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r.Type != backup.ErrorConnectivity || !r.Retryable {
			t.Errorf("error record = %+v, want retryable connectivity", r)
		}
	}
}

func TestCoordinator_RetryBound(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	f := photos("Camera", 1)[0]
	h.fakes.Lister.Add("Camera", f)
	boom := uploadErr(backup.UploadPermanent, "server said no")
	h.fakes.Pipeline.Script(f.URI, boom, boom, boom)

	wantStates := []backup.FileState{backup.StateReady, backup.StateReady, backup.StateFailed}
	for i, want := range wantStates {
		h.run(t)
		got := h.file(t, camera, f.URI)
		if got.State != want || got.Attempts != i+1 {
			t.Fatalf("after run %d: state %s attempts %d, want %s and %d", i+1, got.State, got.Attempts, want, i+1)
		}
	}

	// FAILED files are never picked up again on their own.
	h.run(t)
	if n := h.fakes.Pipeline.CallCount(f.URI); n != 3 {
		t.Errorf("upload calls = %d, want 3", n)
	}

	st := h.status(t, camera)
	if st.Phase() != backup.PhaseFailed || st.Label() != "failed (1)" {
		t.Errorf("status = %s %q, want failed (1)", st.Phase(), st.Label())
	}

	reset, err := h.coord.RetryAll(context.Background(), testFolder)
	if err != nil {
		t.Fatalf("RetryAll() error = %v", err)
	}
	if reset != 1 {
		t.Errorf("RetryAll() reset %d files, want 1", reset)
	}
	got := h.file(t, camera, f.URI)
	if got.State != backup.StateReady || got.Attempts != 0 {
		t.Errorf("after RetryAll: state %s attempts %d, want READY and 0", got.State, got.Attempts)
	}
	if recs := h.errorRecords(t, camera); len(recs) != 0 {
		t.Errorf("RetryAll() left %d error records", len(recs))
	}

	h.run(t)
	if got := h.file(t, camera, f.URI); got.State != backup.StateUploaded {
		t.Errorf("state after retry = %s, want UPLOADED", got.State)
	}
}

func TestCoordinator_RetryByTypeOther(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 1}, backup.Options{})
	f := photos("Camera", 1)[0]
	h.fakes.Lister.Add("Camera", f)
	h.fakes.Pipeline.Script(f.URI, uploadErr(backup.UploadPermanent, "bad request"))

	h.run(t)
	if got := h.file(t, camera, f.URI); got.State != backup.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}

	cleared, err := h.coord.RetryByType(context.Background(), testFolder, backup.ErrorOther)
	if err != nil {
		t.Fatalf("RetryByType() error = %v", err)
	}
	if cleared != 1 {
		t.Errorf("RetryByType() cleared %d, want 1", cleared)
	}
	if got := h.file(t, camera, f.URI); got.State != backup.StateReady {
		t.Errorf("state after RetryByType(other) = %s, want READY", got.State)
	}
}

func TestCoordinator_DuplicateShortCircuit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 2)
	h.fakes.Lister.Add("Camera", files...)

	err := h.store.RecordDuplicate(ctx, &backup.DuplicateRecord{
		UserID:    testFolder.UserID,
		FolderID:  testFolder.FolderID,
		ParentID:  "Camera",
		Hash:      files[0].Hash,
		State:     backup.DuplicateRemote,
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("RecordDuplicate() error = %v", err)
	}

	res := h.run(t).Totals()
	if res.Duplicated != 1 || res.Uploaded != 1 {
		t.Errorf("totals = %+v, want 1 duplicated and 1 uploaded", res)
	}
	if got := h.file(t, camera, files[0].URI); got.State != backup.StateDuplicated {
		t.Errorf("state = %s, want DUPLICATED", got.State)
	}
	if n := h.fakes.Pipeline.CallCount(files[0].URI); n != 0 {
		t.Errorf("duplicate was uploaded %d times", n)
	}

	// A later copy of already uploaded content is short-circuited too.
	h.clock.Advance(time.Hour)
	dup := testutil.Photo("Camera", "copy.jpg", "Camera-1", h.clock.Now())
	h.fakes.Lister.Add("Camera", dup)
	h.run(t)

	if got := h.file(t, camera, dup.URI); got.State != backup.StateDuplicated {
		t.Errorf("copy state = %s, want DUPLICATED", got.State)
	}
	ready, err := h.store.ListReadyToUpload(ctx, camera, 3, 100, 0)
	if err != nil {
		t.Fatalf("ListReadyToUpload() error = %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("ready files = %d, want 0", len(ready))
	}

	// Content found at the destination during upload is indexed as remote.
	h.clock.Advance(time.Hour)
	remote := testutil.Photo("Camera", "remote.jpg", "already there", h.clock.Now())
	h.fakes.Lister.Add("Camera", remote)
	h.fakes.Pipeline.Present(remote.Hash)
	h.run(t)

	tests := []struct {
		hash string
		want backup.DuplicateState
	}{
		{files[1].Hash, backup.DuplicateUploaded},
		{remote.Hash, backup.DuplicateRemote},
	}
	for _, tt := range tests {
		recs, err := h.store.FindByHash(ctx, testFolder, "Camera", tt.hash)
		if err != nil {
			t.Fatalf("FindByHash() error = %v", err)
		}
		if len(recs) != 1 || recs[0].State != tt.want {
			t.Errorf("duplicate records for %s = %+v, want one %s", tt.hash, recs, tt.want)
		}
	}
}

func TestCoordinator_VanishingFile(t *testing.T) {
	t.Run("gone before a full listing", func(t *testing.T) {
		h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
		files := photos("Camera", 3)
		h.fakes.Lister.Add("Camera", files...)
		h.fakes.Pipeline.Script(files[2].URI, uploadErr(backup.UploadConnectivity, "timeout"))
		h.run(t)

		h.fakes.Lister.Remove("Camera", files[2].URI)
		if err := h.coord.Rescan(context.Background(), testFolder.UserID); err != nil {
			t.Fatalf("Rescan() error = %v", err)
		}
		res := h.run(t).Totals()
		if res.Removed != 1 {
			t.Errorf("Removed = %d, want 1", res.Removed)
		}

		if _, err := h.store.GetFile(context.Background(), camera, files[2].URI); !errors.Is(err, backup.ErrNotFound) {
			t.Errorf("GetFile() error = %v, want ErrNotFound", err)
		}
		st := h.status(t, camera)
		if st.Total() != 2 || st.Pending != 0 {
			t.Errorf("status = %+v, want 2 files and nothing pending", st)
		}
	})

	t.Run("gone before upload", func(t *testing.T) {
		h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
		files := photos("Camera", 2)
		h.fakes.Lister.Add("Camera", files...)
		h.fakes.Pipeline.Script(files[0].URI, uploadErr(backup.UploadMissing, "no such file"))

		res := h.run(t).Totals()
		if res.Vanished != 1 || res.Uploaded != 1 {
			t.Errorf("totals = %+v, want 1 vanished and 1 uploaded", res)
		}
		if _, err := h.store.GetFile(context.Background(), camera, files[0].URI); !errors.Is(err, backup.ErrNotFound) {
			t.Errorf("GetFile() error = %v, want ErrNotFound", err)
		}
		if recs := h.errorRecords(t, camera); len(recs) != 0 {
			t.Errorf("vanished file recorded %d errors", len(recs))
		}
		if st := h.status(t, camera); st.Total() != 1 {
			t.Errorf("status total = %d, want 1", st.Total())
		}
		if b := h.bucket(t, camera); b.LastUpdateTime != nil {
			t.Errorf("LastUpdateTime = %v, want nil so the next listing is full", b.LastUpdateTime)
		}
	})

	t.Run("still on device is listed again", func(t *testing.T) {
		h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
		f := photos("Camera", 1)[0]
		h.fakes.Lister.Add("Camera", f)
		h.fakes.Pipeline.Script(f.URI, uploadErr(backup.UploadMissing, "changed since discovery"))

		if res := h.run(t).Totals(); res.Vanished != 1 {
			t.Fatalf("first run vanished = %d, want 1", res.Vanished)
		}

		for range 2 {
			h.clock.Advance(time.Hour)
			h.run(t)
		}

		if got := h.file(t, camera, f.URI); got.State != backup.StateUploaded {
			t.Errorf("state = %s, want UPLOADED", got.State)
		}
		if n := h.fakes.Pipeline.CallCount(f.URI); n != 2 {
			t.Errorf("upload calls = %d, want 2", n)
		}
		sinces := h.fakes.Lister.Sinces("Camera")
		if len(sinces) < 2 || sinces[1] != nil {
			t.Errorf("second listing since = %v, want a full listing", sinces)
		}
		if b := h.bucket(t, camera); b.LastUpdateTime == nil {
			t.Error("LastUpdateTime = nil after a clean cycle")
		}
	})
}

func TestCoordinator_QuotaExhaustion(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 5)
	h.fakes.Lister.Add("Camera", files...)
	h.fakes.Pipeline.SetHook(func(context.Context, *backup.LedgerFile) error {
		return uploadErr(backup.UploadQuota, "destination full")
	})

	h.run(t)

	for _, f := range files {
		if got := h.file(t, camera, f.URI); got.State != backup.StateReady {
			t.Errorf("%s state = %s, want READY", f.Name, got.State)
		}
	}
	recs := h.errorRecords(t, camera)
	if len(recs) == 0 {
		t.Fatal("no quota error recorded")
	}
	for _, r := range recs {
		if r.Type != backup.ErrorStorageQuota || r.Retryable {
			t.Errorf("error record = %+v, want non-retryable storage_quota", r)
		}
	}
	st := h.status(t, camera)
	if st.Phase() != backup.PhaseFailed {
		t.Errorf("phase = %s, want failed", st.Phase())
	}

	// While the quota error stands, uploads are paused and attempts are not
	// burned.
	calls := len(h.fakes.Pipeline.Calls())
	h.run(t)
	h.run(t)
	if got := len(h.fakes.Pipeline.Calls()); got != calls {
		t.Errorf("upload calls went from %d to %d while paused", calls, got)
	}
	for _, f := range files {
		if got := h.file(t, camera, f.URI); got.State != backup.StateReady {
			t.Errorf("%s state = %s after paused runs, want READY", f.Name, got.State)
		}
	}

	h.fakes.Pipeline.SetHook(nil)
	if _, err := h.coord.RetryByType(context.Background(), testFolder, backup.ErrorStorageQuota); err != nil {
		t.Fatalf("RetryByType() error = %v", err)
	}
	h.run(t)
	if st := h.status(t, camera); st.Uploaded != 5 {
		t.Errorf("uploaded = %d after clearing quota, want 5", st.Uploaded)
	}
}

func TestCoordinator_Permissions(t *testing.T) {
	tests := []struct {
		name      string
		permanent bool
	}{
		{"permanent denial", true},
		{"transient denial", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
			h.fakes.Lister.Add("Camera", photos("Camera", 2)...)
			h.fakes.Permissions.Set(backup.Permissions{Granted: false, Permanent: tt.permanent})

			h.run(t)
			summary := h.run(t)

			if err := summary.Totals().Err; !errors.Is(err, backup.ErrPermissionDenied) {
				t.Errorf("cycle error = %v, want ErrPermissionDenied", err)
			}
			if calls := h.fakes.Lister.Sinces("Camera"); len(calls) != 0 {
				t.Errorf("bucket was listed %d times without permission", len(calls))
			}

			recs := h.errorRecords(t, camera)
			if len(recs) != 1 {
				t.Fatalf("error records = %d, want 1 across repeated runs", len(recs))
			}
			if recs[0].Type != backup.ErrorPermissions || recs[0].Retryable == tt.permanent {
				t.Errorf("error record = %+v", recs[0])
			}

			st := h.status(t, camera)
			if tt.permanent && st.Phase() != backup.PhaseFailed {
				t.Errorf("phase = %s, want failed", st.Phase())
			}
		})
	}
}

func TestCoordinator_Connectivity(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	h.fakes.Lister.Add("Camera", photos("Camera", 2)...)
	h.fakes.Connectivity.Set(backup.ConnectivityNone)

	if err := h.run(t).Totals().Err; !errors.Is(err, backup.ErrNoConnectivity) {
		t.Fatalf("cycle error = %v, want ErrNoConnectivity", err)
	}
	recs := h.errorRecords(t, camera)
	if len(recs) != 1 || recs[0].Type != backup.ErrorConnectivity || !recs[0].Retryable {
		t.Fatalf("errors = %+v, want one retryable connectivity error", recs)
	}

	h.fakes.Connectivity.Set(backup.ConnectivityMetered)
	summary := h.run(t)
	if summary.ClearedErrors != 1 {
		t.Errorf("ClearedErrors = %d, want 1", summary.ClearedErrors)
	}
	if res := summary.Totals(); res.Err != nil || res.Uploaded != 2 {
		t.Errorf("totals = %+v, want 2 uploaded on a metered network", res)
	}
	if recs := h.errorRecords(t, camera); len(recs) != 0 {
		t.Errorf("errors after reconnect = %d, want 0", len(recs))
	}
}

func TestCoordinator_UnmeteredOnly(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3, UnmeteredOnly: true}, backup.Options{})
	h.fakes.Lister.Add("Camera", photos("Camera", 1)...)
	h.fakes.Connectivity.Set(backup.ConnectivityMetered)

	h.run(t)
	summary := h.run(t)
	if err := summary.Totals().Err; !errors.Is(err, backup.ErrUnmeteredOnly) {
		t.Fatalf("cycle error = %v, want ErrUnmeteredOnly", err)
	}
	if summary.ClearedErrors != 0 {
		t.Errorf("metered network cleared %d wifi-only errors", summary.ClearedErrors)
	}
	recs := h.errorRecords(t, camera)
	if len(recs) != 1 || recs[0].Type != backup.ErrorWifiOnly {
		t.Fatalf("errors = %+v, want one wifi_only error", recs)
	}

	h.fakes.Connectivity.Set(backup.ConnectivityUnmetered)
	summary = h.run(t)
	if summary.ClearedErrors != 1 || summary.Totals().Uploaded != 1 {
		t.Errorf("summary = %+v totals %+v, want 1 cleared and 1 uploaded", summary, summary.Totals())
	}
}

func TestCoordinator_ListingFailure(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantType      backup.ErrorType
		wantRetryable bool
	}{
		{"io error", errors.New("input/output error"), backup.ErrorOther, true},
		{"permission", fmt.Errorf("open Camera: %w", fs.ErrPermission), backup.ErrorPermissions, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{}, "Camera", "Screenshots")
			h.fakes.Lister.Add("Camera", photos("Camera", 2)...)
			h.fakes.Lister.Add("Screenshots", photos("Screenshots", 2)...)
			h.fakes.Lister.Fail("Camera", tt.err)

			summary := h.run(t)

			var failed, ok *backup.CycleResult
			for _, c := range summary.Cycles {
				switch c.BucketID {
				case "Camera":
					failed = c
				case "Screenshots":
					ok = c
				}
			}
			if failed == nil || failed.Err == nil {
				t.Errorf("Camera cycle = %+v, want an error", failed)
			}
			if ok == nil || ok.Err != nil || ok.Uploaded != 2 {
				t.Errorf("Screenshots cycle = %+v, want 2 uploaded", ok)
			}

			recs := h.errorRecords(t, camera)
			if len(recs) != 1 || recs[0].Type != tt.wantType || recs[0].Retryable != tt.wantRetryable {
				t.Errorf("errors = %+v, want one %s (retryable=%v)", recs, tt.wantType, tt.wantRetryable)
			}
			if b := h.bucket(t, camera); b.LastUpdateTime != nil {
				t.Errorf("failed cycle advanced the watermark to %v", b.LastUpdateTime)
			}
		})
	}
}

func TestCoordinator_Watermark(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	h.fakes.Lister.Add("Camera", photos("Camera", 2)...)

	h.run(t)

	h.clock.Advance(time.Hour)
	fresh := testutil.Photo("Camera", "IMG_new.jpg", "fresh", h.clock.Now())
	h.fakes.Lister.Add("Camera", fresh)

	res := h.run(t).Totals()
	if res.Discovered != 1 || res.Uploaded != 1 {
		t.Errorf("second cycle totals = %+v, want 1 discovered and uploaded", res)
	}

	sinces := h.fakes.Lister.Sinces("Camera")
	if len(sinces) != 2 {
		t.Fatalf("listings = %d, want 2", len(sinces))
	}
	if sinces[0] != nil {
		t.Errorf("first listing since = %v, want nil", sinces[0])
	}
	if sinces[1] == nil || !sinces[1].Equal(t0) {
		t.Errorf("second listing since = %v, want %v", sinces[1], t0)
	}
	if b := h.bucket(t, camera); b.LastUpdateTime == nil || !b.LastUpdateTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastUpdateTime = %v, want %v", b.LastUpdateTime, t0.Add(time.Hour))
	}

	// An incremental listing does not remove files it did not return.
	if st := h.status(t, camera); st.Uploaded != 3 {
		t.Errorf("uploaded = %d, want 3", st.Uploaded)
	}

	if err := h.coord.Rescan(context.Background(), testFolder.UserID); err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}
	h.run(t)
	if sinces := h.fakes.Lister.Sinces("Camera"); sinces[len(sinces)-1] != nil {
		t.Errorf("listing after Rescan since = %v, want nil", sinces[len(sinces)-1])
	}
}

func TestCoordinator_Cancellation(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 3)
	h.fakes.Lister.Add("Camera", files...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fakes.Pipeline.SetHook(func(ctx context.Context, f *backup.LedgerFile) error {
		cancel()
		return ctx.Err()
	})

	summary, err := h.coord.RunAll(ctx, testFolder)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunAll() error = %v, want context.Canceled", err)
	}
	if res := summary.Totals(); res.Cancelled != 1 || res.Uploaded != 0 {
		t.Errorf("totals = %+v, want 1 cancelled", res)
	}

	st := h.status(t, camera)
	if st.Uploading != 0 || st.Pending != 3 {
		t.Errorf("status = %+v, want 3 pending and none uploading", st)
	}
	for _, f := range files {
		if got := h.file(t, camera, f.URI); got.Attempts != 0 {
			t.Errorf("%s attempts = %d, want 0 after cancellation", f.Name, got.Attempts)
		}
	}
	if b := h.bucket(t, camera); b.LastUpdateTime != nil {
		t.Errorf("cancelled cycle advanced the watermark to %v", b.LastUpdateTime)
	}

	// The reverted file has no upload link left, so it is eligible again.
	ready, err := h.store.ListReadyToUpload(context.Background(), camera, 3, 100, 0)
	if err != nil {
		t.Fatalf("ListReadyToUpload() error = %v", err)
	}
	if len(ready) != 3 {
		t.Errorf("ready files = %d, want 3", len(ready))
	}

	h.fakes.Pipeline.SetHook(nil)
	h.run(t)
	if st := h.status(t, camera); st.Uploaded != 3 {
		t.Errorf("uploaded = %d after resuming, want 3", st.Uploaded)
	}
}

func TestCoordinator_Prioritize(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 3)
	h.fakes.Lister.Add("Camera", files...)
	h.seedReady(t, camera, files...)

	oldest := files[2]
	n, err := h.coord.Prioritize(context.Background(), camera, []string{oldest.URI})
	if err != nil {
		t.Fatalf("Prioritize() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prioritize() = %d, want 1", n)
	}

	h.run(t)
	calls := h.fakes.Pipeline.Calls()
	want := []string{oldest.URI, files[0].URI, files[1].URI}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("upload order = %v, want %v", calls, want)
	}
}

func TestCoordinator_RequeueStale(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{StaleUploadAfter: time.Hour})
	f := photos("Camera", 1)[0]
	h.fakes.Lister.Add("Camera", f)

	// Leave the file UPLOADING with an old link, as a crashed run would.
	row := h.seedReady(t, camera, f)[0]
	if n, err := h.store.Transition(ctx, row, backup.StateReady, backup.StateUploading); err != nil || n != 1 {
		t.Fatalf("Transition() = %d, %v", n, err)
	}
	if err := h.store.AddUploadLink(ctx, row, "crashed", t0.Add(-2*time.Hour)); err != nil {
		t.Fatalf("AddUploadLink() error = %v", err)
	}

	summary := h.run(t)
	if summary.Requeued != 1 {
		t.Errorf("Requeued = %d, want 1", summary.Requeued)
	}
	if got := h.file(t, camera, f.URI); got.State != backup.StateUploaded {
		t.Errorf("state = %s, want UPLOADED", got.State)
	}
}

func TestCoordinator_RecentUploadLinkIsNotRequeued(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{StaleUploadAfter: time.Hour})
	f := photos("Camera", 1)[0]
	h.fakes.Lister.Add("Camera", f)

	row := h.seedReady(t, camera, f)[0]
	if _, err := h.store.Transition(ctx, row, backup.StateReady, backup.StateUploading); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if err := h.store.AddUploadLink(ctx, row, "live", t0.Add(-time.Minute)); err != nil {
		t.Fatalf("AddUploadLink() error = %v", err)
	}

	summary := h.run(t)
	if summary.Requeued != 0 {
		t.Errorf("Requeued = %d, want 0", summary.Requeued)
	}
	if got := h.file(t, camera, f.URI); got.State != backup.StateUploading {
		t.Errorf("state = %s, want UPLOADING", got.State)
	}
	if n := h.fakes.Pipeline.CallCount(f.URI); n != 0 {
		t.Errorf("in-flight file uploaded %d times by another run", n)
	}
}

func TestCoordinator_ConcurrentCyclesClaimOnce(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 20)
	h.fakes.Lister.Add("Camera", files...)
	h.fakes.Pipeline.SetHook(func(context.Context, *backup.LedgerFile) error {
		time.Sleep(time.Millisecond)
		return nil
	})

	b := h.bucket(t, camera)
	settings := backup.Settings{MaxAttempts: 3}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coord.RunCycle(context.Background(), b, settings); err != nil {
				t.Errorf("RunCycle() error = %v", err)
			}
		}()
	}
	wg.Wait()

	for _, f := range files {
		if n := h.fakes.Pipeline.CallCount(f.URI); n != 1 {
			t.Errorf("%s uploaded %d times, want 1", f.Name, n)
		}
	}
	if st := h.status(t, camera); st.Uploaded != 20 {
		t.Errorf("uploaded = %d, want 20", st.Uploaded)
	}
}

func TestCoordinator_ConcurrentRunsUploadOnce(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{StaleUploadAfter: time.Hour})
	files := photos("Camera", 20)
	h.fakes.Lister.Add("Camera", files...)
	h.fakes.Pipeline.SetHook(func(context.Context, *backup.LedgerFile) error {
		time.Sleep(time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coord.RunAll(context.Background(), testFolder); err != nil {
				t.Errorf("RunAll() error = %v", err)
			}
		}()
	}
	wg.Wait()

	for _, f := range files {
		if n := h.fakes.Pipeline.CallCount(f.URI); n != 1 {
			t.Errorf("%s uploaded %d times, want 1", f.Name, n)
		}
	}
	if st := h.status(t, camera); st.Uploaded != 20 || st.Uploading != 0 {
		t.Errorf("status = %+v, want 20 uploaded", st)
	}
}

func TestCoordinator_LongUploadKeepsClaim(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{StaleUploadAfter: 20 * time.Millisecond})
	f := photos("Camera", 1)[0]
	h.fakes.Lister.Add("Camera", f)

	var nested *backup.RunSummary
	var once sync.Once
	h.fakes.Pipeline.SetHook(func(ctx context.Context, _ *backup.LedgerFile) error {
		once.Do(func() {
			// The upload outlives the stale interval; the claim must be
			// refreshed before another run looks at it.
			h.clock.Advance(time.Hour)
			time.Sleep(100 * time.Millisecond)
			var err error
			if nested, err = h.coord.RunAll(ctx, testFolder); err != nil {
				t.Errorf("nested RunAll() error = %v", err)
			}
		})
		return nil
	})

	h.run(t)

	if nested == nil || nested.Requeued != 0 {
		t.Errorf("nested run = %+v, want nothing requeued", nested)
	}
	if n := h.fakes.Pipeline.CallCount(f.URI); n != 1 {
		t.Errorf("upload calls = %d, want 1", n)
	}
	if got := h.file(t, camera, f.URI); got.State != backup.StateUploaded || got.Attempts != 1 {
		t.Errorf("file = %s after %d attempts, want UPLOADED after 1", got.State, got.Attempts)
	}
}

func TestCoordinator_WorkerLimit(t *testing.T) {
	buckets := []string{"A", "B", "C", "D"}
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{Workers: 2}, buckets...)
	for _, id := range buckets {
		h.fakes.Lister.Add(id, photos(id, 2)...)
	}
	h.fakes.Pipeline.SetHook(func(context.Context, *backup.LedgerFile) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})

	res := h.run(t).Totals()
	if res.Uploaded != 8 {
		t.Errorf("uploaded = %d, want 8", res.Uploaded)
	}
	if got := h.fakes.Pipeline.MaxConcurrent(); got > 2 {
		t.Errorf("max concurrent uploads = %d, want at most 2", got)
	}
}

func TestCoordinator_BucketOrder(t *testing.T) {
	tests := []struct {
		order backup.BucketOrder
		first string
	}{
		{backup.OrderRecentFirst, "Seen"},
		{backup.OrderOldestFirst, "New"},
	}

	for _, tt := range tests {
		t.Run(string(tt.order), func(t *testing.T) {
			h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{Workers: 1, Order: tt.order}, "Seen", "New")
			seen := backup.BucketKey{UserID: testFolder.UserID, FolderID: testFolder.FolderID, BucketID: "Seen"}
			if err := h.store.MarkReconciled(context.Background(), seen, t0.Add(-48*time.Hour)); err != nil {
				t.Fatalf("MarkReconciled() error = %v", err)
			}
			h.fakes.Lister.Add("Seen", photos("Seen", 1)...)
			h.fakes.Lister.Add("New", photos("New", 1)...)

			h.run(t)
			calls := h.fakes.Pipeline.Calls()
			if len(calls) != 2 {
				t.Fatalf("upload calls = %v, want 2", calls)
			}
			want := testutil.Photo(tt.first, "IMG_0000.jpg", "", t0).URI
			if calls[0] != want {
				t.Errorf("first upload = %s, want %s", calls[0], want)
			}
		})
	}
}

// racingStore promotes the first IDLE page it returns, the way a
// concurrent cycle would between the read and the bulk update.
type racingStore struct {
	*database.SQLiteStore
	once sync.Once
}

func (s *racingStore) ListByState(ctx context.Context, key backup.BucketKey, state backup.FileState, limit, offset int) ([]*backup.LedgerFile, error) {
	page, err := s.SQLiteStore.ListByState(ctx, key, state, limit, offset)
	if err != nil || state != backup.StateIdle || len(page) == 0 {
		return page, err
	}
	s.once.Do(func() {
		hashes := make([]string, len(page))
		for i, f := range page {
			hashes[i] = f.Hash
		}
		_, err = s.SQLiteStore.BulkUpdateState(ctx, key, backup.StateIdle, hashes, backup.StateReady)
	})
	return page, err
}

func TestCoordinator_ClassifyAfterConcurrentPromotion(t *testing.T) {
	h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
	files := photos("Camera", 5)
	h.fakes.Lister.Add("Camera", files...)
	coord := backup.NewCoordinator(&racingStore{SQLiteStore: h.store}, h.fakes.Caps(), nil, h.clock, nil, backup.Options{PageSize: 2})

	res, err := coord.RunCycle(context.Background(), h.bucket(t, camera), backup.Settings{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if res.Queued != 3 || res.Uploaded != 5 {
		t.Errorf("result = %+v, want 3 queued here and 5 uploaded", res)
	}

	idle, err := h.store.ListByState(context.Background(), camera, backup.StateIdle, 10, 0)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("idle files = %d, want 0", len(idle))
	}
}

// corruptStore reports an unreadable ledger state on every IDLE page.
type corruptStore struct {
	*database.SQLiteStore
}

func (corruptStore) ListByState(context.Context, backup.BucketKey, backup.FileState, int, int) ([]*backup.LedgerFile, error) {
	return nil, fmt.Errorf("%w: unknown file state %q", backup.ErrInvariant, "ARCHIVED")
}

func TestCoordinator_Invariant(t *testing.T) {
	newCorrupt := func(t *testing.T, panicOn bool) (*backup.Coordinator, *backup.Bucket) {
		t.Helper()
		h := newHarness(t, backup.Settings{MaxAttempts: 3}, backup.Options{})
		h.fakes.Lister.Add("Camera", photos("Camera", 1)...)
		coord := backup.NewCoordinator(corruptStore{h.store}, h.fakes.Caps(), nil, h.clock, nil, backup.Options{PanicOnInvariant: panicOn})
		return coord, h.bucket(t, camera)
	}

	t.Run("reported as an error", func(t *testing.T) {
		coord, b := newCorrupt(t, false)
		res, err := coord.RunCycle(context.Background(), b, backup.DefaultSettings())
		if !errors.Is(err, backup.ErrInvariant) {
			t.Fatalf("RunCycle() error = %v, want ErrInvariant", err)
		}
		if !errors.Is(res.Err, backup.ErrInvariant) {
			t.Errorf("result error = %v, want ErrInvariant", res.Err)
		}
	})

	t.Run("panics when configured", func(t *testing.T) {
		coord, b := newCorrupt(t, true)
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok || !errors.Is(err, backup.ErrInvariant) {
				t.Errorf("recovered %v, want an ErrInvariant panic", r)
			}
		}()
		coord.RunCycle(context.Background(), b, backup.DefaultSettings())
		t.Error("RunCycle() returned, want panic")
	})
}
