package jobs

import "errors"

// Sentinel errors for job operations.
// Use errors.Is() to check for these errors in calling code.
var (
	ErrNotFound          = errors.New("job not found")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidOutcome    = errors.New("completed jobs need a result, failed and cancelled jobs need an error")
	ErrJobNotRunning     = errors.New("job is not running")
	ErrJobActive         = errors.New("job has not finished")
	ErrUnknownStage      = errors.New("unknown stage")
	ErrStaleProgress     = errors.New("stale progress")
	ErrInvalidProgress   = errors.New("invalid progress counts")
	ErrScopeBusy         = errors.New("scope is locked by another job")
	ErrCancelled         = errors.New("job cancelled")
	ErrManagerStopped    = errors.New("job manager stopped")
	ErrNoHandler         = errors.New("no handler registered for job kind")
)

// CodedError is implemented by handler errors that know their ErrorCode.
type CodedError interface {
	error
	JobErrorCode() ErrorCode
}

// CodeOf returns the ErrorCode carried by err, or fallback.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.JobErrorCode()
	}
	return fallback
}
