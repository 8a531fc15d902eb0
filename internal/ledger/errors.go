package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateTask is returned when a task id is registered while still outstanding.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrResolverClosed is returned for registrations after Close and for
	// tasks still outstanding when Close is called.
	ErrResolverClosed = errors.New("resolver closed")

	// ErrTaskFailed wraps failures reported by the service.
	ErrTaskFailed = errors.New("task failed")
)

// TaskTimeoutError is the outcome of a task whose deadline passed before any
// completion signal arrived.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// IsTimeout reports whether err is a TaskTimeoutError.
func IsTimeout(err error) bool {
	var te *TaskTimeoutError
	return errors.As(err, &te)
}
