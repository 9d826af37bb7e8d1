package backup

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Phase is the user-facing summary of a bucket's backup progress.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseFailed   Phase = "failed"
	PhaseComplete Phase = "complete"
)

// Status is a point-in-time summary of one bucket's ledger.
type Status struct {
	Key        BucketKey
	Pending    int
	Uploading  int
	Uploaded   int
	Failed     int
	Duplicated int
	// BlockingErrors are the non-retryable error types outstanding for the
	// bucket. Any of them puts the bucket in PhaseFailed.
	BlockingErrors []ErrorType
}

// IsBackedUp reports whether nothing is left to upload.
func (s *Status) IsBackedUp() bool {
	return s.Pending == 0 && s.Uploading == 0 && s.Failed == 0
}

func (s *Status) Phase() Phase {
	switch {
	case s.Failed > 0 || len(s.BlockingErrors) > 0:
		return PhaseFailed
	case s.IsBackedUp():
		return PhaseComplete
	default:
		return PhasePending
	}
}

// Label renders the phase the way it is shown to users.
func (s *Status) Label() string {
	if s.Phase() == PhaseFailed {
		return fmt.Sprintf("failed (%d)", s.Failed+len(s.BlockingErrors))
	}
	return string(s.Phase())
}

// Total is the number of files the ledger tracks for the bucket.
func (s *Status) Total() int {
	return s.Pending + s.Uploading + s.Uploaded + s.Failed + s.Duplicated
}

func (s *Status) equal(o *Status) bool {
	return s.Key == o.Key &&
		s.Pending == o.Pending &&
		s.Uploading == o.Uploading &&
		s.Uploaded == o.Uploaded &&
		s.Failed == o.Failed &&
		s.Duplicated == o.Duplicated &&
		slices.Equal(s.BlockingErrors, o.BlockingErrors)
}

// MergeStatus sums several bucket statuses into one. The result's Key keeps
// only the user and folder of the first status.
func MergeStatus(statuses []*Status) *Status {
	total := &Status{}
	for i, s := range statuses {
		if i == 0 {
			total.Key = BucketKey{UserID: s.Key.UserID, FolderID: s.Key.FolderID}
		}
		total.Pending += s.Pending
		total.Uploading += s.Uploading
		total.Uploaded += s.Uploaded
		total.Failed += s.Failed
		total.Duplicated += s.Duplicated
		for _, t := range s.BlockingErrors {
			if !slices.Contains(total.BlockingErrors, t) {
				total.BlockingErrors = append(total.BlockingErrors, t)
			}
		}
	}
	slices.Sort(total.BlockingErrors)
	return total
}

// Aggregator is a read-only projection of the ledger. It never writes.
type Aggregator struct {
	source ProgressSource
}

func NewAggregator(source ProgressSource) *Aggregator {
	return &Aggregator{source: source}
}

// Status computes the current status of a bucket. IDLE and READY files
// both count as pending.
func (a *Aggregator) Status(ctx context.Context, key BucketKey) (*Status, error) {
	counts, err := a.source.ProgressCounts(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading progress counts: %w", err)
	}

	st := &Status{Key: key}
	for _, c := range counts {
		switch c.State {
		case StateIdle, StateReady:
			st.Pending += c.Count
		case StateUploading:
			st.Uploading += c.Count
		case StateUploaded:
			st.Uploaded += c.Count
		case StateFailed:
			st.Failed += c.Count
		case StateDuplicated:
			st.Duplicated += c.Count
		default:
			return nil, fmt.Errorf("%w: unknown file state %q in progress counts", ErrInvariant, string(c.State))
		}
	}

	blocking, err := a.source.BlockingErrors(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading blocking errors: %w", err)
	}
	slices.Sort(blocking)
	st.BlockingErrors = blocking

	return st, nil
}

// Watch polls the bucket status every interval and sends it whenever it
// changes. The first status is sent immediately. The channel is closed when
// ctx is done or a read fails.
func (a *Aggregator) Watch(ctx context.Context, key BucketKey, interval time.Duration) <-chan *Status {
	ch := make(chan *Status)
	go func() {
		defer close(ch)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *Status
		for {
			st, err := a.Status(ctx, key)
			if err != nil {
				return
			}
			if last == nil || !st.equal(last) {
				select {
				case ch <- st:
				case <-ctx.Done():
					return
				}
				last = st
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
