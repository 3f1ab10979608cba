package engine

import "github.com/sweeney/lightsync/internal/logic"

// Sink receives every accepted state change.
//
// Notify is called synchronously while the channel's lock is held, so an
// implementation must not block on network I/O and must never call back
// into the Engine for the same channel.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Reachable reports whether the sink can currently deliver. An
	// unreachable sink is skipped without error.
	Reachable() bool

	// Notify delivers one event.
	Notify(ev logic.Event) error
}
