package job

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

// NonFatalError is a transient execution failure. The job is retried until its
// retry budget is spent, then it becomes FAILED.
type NonFatalError struct {
	Code types.StatusCode
	Err  error
}

func (e *NonFatalError) Error() string {
	return fmt.Sprintf("non-fatal job failure (%s): %v", e.Code, e.Err)
}

func (e *NonFatalError) Unwrap() error { return e.Err }

// FatalError sets the job FAILED immediately.
type FatalError struct {
	Code types.StatusCode
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal job failure (%s): %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NonFatal builds a NonFatalError with a formatted cause.
func NonFatal(code types.StatusCode, format string, args ...any) error {
	return &NonFatalError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Fatal builds a FatalError with a formatted cause.
func Fatal(code types.StatusCode, format string, args ...any) error {
	return &FatalError{Code: code, Err: fmt.Errorf(format, args...)}
}

// Classify splits err into (retryable, code). Unknown errors are treated as
// fatal internal errors.
func Classify(err error) (bool, types.StatusCode) {
	var nf *NonFatalError
	if errors.As(err, &nf) {
		return true, codeOr(nf.Code, types.StatusFailure)
	}
	var f *FatalError
	if errors.As(err, &f) {
		return false, codeOr(f.Code, types.StatusFailure)
	}
	return false, types.StatusInternalError
}

func codeOr(c, def types.StatusCode) types.StatusCode {
	if c == "" {
		return def
	}
	return c
}
