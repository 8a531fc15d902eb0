package service

import "errors"

var (
	// ErrSubmissionFailed is returned when neither auto-batch nor manual
	// batch submission got any chunk accepted.
	ErrSubmissionFailed = errors.New("job submission failed")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished rejects tasks still outstanding when the service reports
	// the job as finished.
	ErrJobFinished = errors.New("job finished before task resolved")

	// ErrInvalidMaxAttempts is returned by RetryWithBackoff for maxAttempts < 1.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be positive")
)

var (
	// ErrJobRunning is returned when a result is requested before the job finished.
	ErrJobRunning = errors.New("job still running")

	// ErrPushDisabled is returned by push channel commands when no channel is configured.
	ErrPushDisabled = errors.New("push channel not configured")
)
