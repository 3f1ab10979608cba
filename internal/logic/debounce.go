package logic

import "time"

// InputRecord tracks debounce state for a single physical input.
// It is owned by whoever polls the input and must not be shared.
type InputRecord struct {
	// Last raw level read from the pin (true = high)
	LastRaw bool
	// Time when LastRaw last changed
	LastChanged time.Time
	// Currently accepted (debounced) level
	Accepted bool
	// Whether the first stable level has been accepted
	Baselined bool
	// Whether any sample has been seen yet
	started bool
}

// Edge is a debounced transition of an input's level.
type Edge struct {
	Level bool // accepted level after the transition (true = high)
	At    time.Time
}

// IsPress reports whether the edge is a transition into pressLevel.
func (e Edge) IsPress(pressLevel bool) bool {
	return e.Level == pressLevel
}

// Debouncer converts noisy raw samples into clean edges.
type Debouncer struct {
	Window time.Duration
}

// NewDebouncer creates a debouncer with the given settle window.
func NewDebouncer(window time.Duration) Debouncer {
	return Debouncer{Window: window}
}

// Sample feeds one raw reading into rec and reports an edge if the accepted
// level changed. Every raw change restarts the settle timer, so a burst of
// bounces shorter than the window never produces an edge.
//
// The first stable level becomes the baseline without producing an edge.
func (d Debouncer) Sample(rec *InputRecord, raw bool, now time.Time) (Edge, bool) {
	if !rec.started {
		rec.started = true
		rec.LastRaw = raw
		rec.LastChanged = now
		return Edge{}, false
	}

	if raw != rec.LastRaw {
		rec.LastRaw = raw
		rec.LastChanged = now
		return Edge{}, false
	}

	if now.Sub(rec.LastChanged) < d.Window {
		return Edge{}, false
	}

	if !rec.Baselined {
		rec.Accepted = raw
		rec.Baselined = true
		return Edge{}, false
	}

	if raw == rec.Accepted {
		return Edge{}, false
	}

	rec.Accepted = raw
	return Edge{Level: raw, At: now}, true
}
