// Package logic contains the pure state types and debounce logic for light channels.
// This package has NO external dependencies (no GPIO, MQTT, HTTP, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// State represents the logical state of a light channel.
type State string

const (
	StateOn  State = "ON"
	StateOff State = "OFF"
)

// StateOf converts a logical boolean to a State.
func StateOf(on bool) State {
	if on {
		return StateOn
	}
	return StateOff
}

// On reports whether s is StateOn.
func (s State) On() bool {
	return s == StateOn
}

// ParseState converts a wire payload into a State. Matching is case-sensitive:
// only "ON" and "OFF" are accepted.
func ParseState(payload string) (State, error) {
	switch State(payload) {
	case StateOn, StateOff:
		return State(payload), nil
	}
	return "", fmt.Errorf("invalid state %q (want ON or OFF)", payload)
}

// Source identifies which command path produced a state change.
type Source string

const (
	SourceButton Source = "button"
	SourceHTTP   Source = "http"
	SourceMQTT   Source = "mqtt"
	SourceNATS   Source = "nats"
	SourceResync Source = "resync"
)

// Event is an accepted state transition, fanned out to every sink.
// Events are values and must not be modified after they are emitted.
type Event struct {
	ID        string
	Channel   int
	Name      string
	State     State
	Source    Source
	Timestamp time.Time
}

// EventCounts tracks the number of events per source since startup.
type EventCounts map[Source]int

// Clone returns an independent copy of the counts.
func (c EventCounts) Clone() EventCounts {
	out := make(EventCounts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
