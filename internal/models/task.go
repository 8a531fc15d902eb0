package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a single embedding task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
)

// rank orders statuses; terminal statuses share the highest rank.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskProcessing:
		return 1
	case TaskCompleted, TaskFailed, TaskTimeout:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s.rank() == 2
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s.rank() >= 0
}

// CanTransition reports whether moving from s to next respects forward-only
// ordering. Staying in a non-terminal status is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() || s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Task is the client-side record of one server-side unit of work.
type Task struct {
	ID          string     `json:"task_id"`
	ChunkID     string     `json:"chunk_id"`
	BatchID     string     `json:"batch_id,omitempty"`
	JobID       string     `json:"job_id,omitempty"`
	Status      TaskStatus `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Result      []float32  `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Advance moves the task to next, rejecting backwards or post-terminal moves.
func (t *Task) Advance(next TaskStatus) error {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

// SetResult assigns the embedding vector once. The vector is copied.
func (t *Task) SetResult(vec []float32) error {
	if t.Result != nil {
		return fmt.Errorf("%w: task %s", ErrResultAssigned, t.ID)
	}
	t.Result = append([]float32(nil), vec...)
	return nil
}
