package mqtt

import "errors"

var (
	// ErrNotConnected is returned when publishing while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection is refused.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: operation timed out")

	// ErrQueueFull is returned by Notify when state publishes back up behind
	// a stalled broker connection.
	ErrQueueFull = errors.New("mqtt: publish queue full")

	// ErrInvalidPayload is returned for a command payload other than "ON" or "OFF".
	ErrInvalidPayload = errors.New("mqtt: invalid command payload")
)
