package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
)

var (
	// ErrNotFound is returned when a ledger row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for requests that reference missing or invalid state.
	ErrValidation = errors.New("validation failed")
	// ErrPermissionDenied aborts a bucket cycle when media access is denied.
	ErrPermissionDenied = errors.New("media permission denied")
	// ErrNoConnectivity aborts a bucket cycle when the device is offline.
	ErrNoConnectivity = errors.New("no connectivity")
	// ErrUnmeteredOnly aborts a bucket cycle on a metered network when the
	// destination only backs up over unmetered networks.
	ErrUnmeteredOnly = errors.New("destination requires an unmetered network")
	// ErrStorageQuota is returned by destinations that are out of space.
	ErrStorageQuota = errors.New("storage quota exceeded")
	// ErrInvariant marks corrupt persisted state. It is a programming error.
	ErrInvariant = errors.New("ledger invariant violated")
)

// UploadErrorKind is the outcome class of a failed upload.
type UploadErrorKind int

const (
	UploadPermanent UploadErrorKind = iota
	UploadConnectivity
	UploadQuota
	UploadCancelled
	// UploadMissing means the local file is gone or changed since discovery.
	UploadMissing
)

func (k UploadErrorKind) String() string {
	switch k {
	case UploadConnectivity:
		return "connectivity"
	case UploadQuota:
		return "quota"
	case UploadCancelled:
		return "cancelled"
	case UploadMissing:
		return "missing"
	default:
		return "permanent"
	}
}

// ErrorType maps the kind to the error ledger taxonomy and reports whether
// the recorded error is retryable.
func (k UploadErrorKind) ErrorType() (ErrorType, bool) {
	switch k {
	case UploadConnectivity:
		return ErrorConnectivity, true
	case UploadQuota:
		return ErrorStorageQuota, false
	case UploadMissing:
		return ErrorLocalFileMissing, false
	default:
		return ErrorOther, true
	}
}

// UploadError is the error type returned by an UploadPipeline.
type UploadError struct {
	Kind UploadErrorKind
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Kind, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// NewUploadError wraps err with an explicit kind.
func NewUploadError(kind UploadErrorKind, err error) *UploadError {
	return &UploadError{Kind: kind, Err: err}
}

// ClassifyUploadError determines the kind of any error returned from an
// upload attempt. An *UploadError anywhere in the chain wins.
func ClassifyUploadError(err error) UploadErrorKind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return UploadCancelled
	case errors.Is(err, context.DeadlineExceeded):
		// The pipeline's per-file timeout is treated as a network failure.
		return UploadConnectivity
	case errors.Is(err, fs.ErrNotExist):
		return UploadMissing
	case errors.Is(err, ErrStorageQuota):
		return UploadQuota
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return UploadConnectivity
	}
	return UploadPermanent
}
