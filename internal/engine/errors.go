package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSinkUnreachable is wrapped by every DeliveryError. The state change
	// that produced the event is still committed.
	ErrSinkUnreachable = errors.New("sink unreachable")

	// ErrOutputWrite means the physical output could not be driven. The
	// state change was not committed.
	ErrOutputWrite = errors.New("output write failed")
)

// DeliveryError reports that a reachable sink failed to accept an event.
type DeliveryError struct {
	Sink    string
	Channel int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver channel %d to %s: %v", e.Channel, e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrSinkUnreachable, e.Err}
}
