package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no push channel is open.
	ErrNotConnected = errors.New("push channel not connected")

	// ErrDisconnected is returned when Disconnect interrupts a pending dial.
	ErrDisconnected = errors.New("push channel disconnected")

	// ErrManagerClosed is returned by every operation after Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// ConnectionError wraps a failed dial of the push channel.
type ConnectionError struct {
	URL     string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("connect %s (reconnect attempt %d): %v", e.URL, e.Attempt, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
