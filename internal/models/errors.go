package models

import "errors"

var (
	// ErrInvalidTransition is returned when a task status would move backwards
	// or leave a terminal state.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrResultAssigned is returned when a task result is assigned twice.
	ErrResultAssigned = errors.New("task result already assigned")

	// ErrInvalidChunks is returned for chunk collections with missing or
	// duplicate IDs.
	ErrInvalidChunks = errors.New("invalid chunks")
)
