package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tendant/simple-renditions/internal/img"
	"github.com/tendant/simple-renditions/pkg/schema"
)

// FailureKind says which step failed and how far the damage reaches.
type FailureKind string

const (
	// FailureExtraction means the source metadata could not be read. Non-fatal.
	FailureExtraction FailureKind = "extraction"
	// FailureDerivative is a decode or encode error for one profile.
	FailureDerivative FailureKind = "derivative"
	// FailureUpload is a storage write error for one profile.
	FailureUpload FailureKind = "upload"
	// FailureBucketProvision is logged and the upload still runs.
	FailureBucketProvision FailureKind = "bucket_provision"
	// FailureRegistry is a failed registry write.
	FailureRegistry FailureKind = "registry"
	// FailureCleanup is a temp file or origin object that could not be removed.
	FailureCleanup FailureKind = "cleanup"
	// FailureFatal means no derivative was possible. It is the only kind
	// returned from Process.
	FailureFatal FailureKind = "fatal"
)

type Failure struct {
	Kind    FailureKind
	Profile string
	Err     error
}

func (f *Failure) Error() string {
	if f.Profile != "" {
		return fmt.Sprintf("%s failure for profile %s: %v", f.Kind, f.Profile, f.Err)
	}
	return fmt.Sprintf("%s failure: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fatal(format string, args ...any) *Failure {
	return &Failure{Kind: FailureFatal, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is a fatal pipeline failure.
func IsFatal(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == FailureFatal
}

// Classify maps a pipeline error to the retry semantics published on the bus.
func Classify(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return schema.FailureTypeRetryable
	case errors.Is(err, img.ErrDecode), errors.Is(err, img.ErrSourceTooLarge), errors.Is(err, ErrPanic):
		return schema.FailureTypePermanent
	case errors.Is(err, ErrNoSource), errors.Is(err, ErrUnknownProfile):
		return schema.FailureTypeValidation
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") {
		return schema.FailureTypeRetryable
	}
	if strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "unsupported") {
		return schema.FailureTypePermanent
	}

	// unknown errors are retried
	return schema.FailureTypeRetryable
}
