// Package live pushes channel state changes to connected browsers over
// Server-Sent Events and WebSockets.
//
// A new listener first receives the current state of every channel, then
// every subsequent change. A listener that falls too far behind is
// disconnected rather than silently skipping updates; on reconnect it is
// resynchronized by the replay.
package live

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

// DefaultBufferSize is the number of real-time updates a listener may lag behind.
const DefaultBufferSize = 32

// Update is one message to a listener.
type Update struct {
	ID        string      `json:"id,omitempty"`
	Channel   int         `json:"channel"`
	Name      string      `json:"name"`
	State     logic.State `json:"state"`
	Source    string      `json:"source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Replay    bool        `json:"replay"`
}

// StateSource provides the current state of every channel.
type StateSource interface {
	Snapshot() []engine.Status
}

// Listener receives updates until its channel is closed.
type Listener struct {
	ch        chan Update
	transport string
}

// C returns the update stream. It is closed when the listener unsubscribes
// or is disconnected for falling behind.
func (l *Listener) C() <-chan Update {
	return l.ch
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(b *Broadcaster) { b.recorder = r }
}

// WithBufferSize sets the per-listener real-time buffer.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithClock sets the time source for replay timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// Broadcaster is an engine.Sink that fans events out to live listeners.
type Broadcaster struct {
	source StateSource

	mu        sync.Mutex
	listeners map[*Listener]struct{}

	bufferSize int
	logger     *slog.Logger
	recorder   metrics.Recorder
	now        func() time.Time
}

// NewBroadcaster creates a Broadcaster replaying state from source.
func NewBroadcaster(source StateSource, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		source:     source,
		listeners:  make(map[*Listener]struct{}),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		recorder:   metrics.NoopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "live")
	return b
}

// Subscribe registers a listener. The listener's stream already holds one
// replay update per channel, queued before any real-time update can be.
// The returned function unsubscribes; it is safe to call more than once.
func (b *Broadcaster) Subscribe(transport string) (*Listener, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := b.source.Snapshot()
	l := &Listener{
		ch:        make(chan Update, len(snap)+b.bufferSize),
		transport: transport,
	}
	now := b.now()
	for _, st := range snap {
		l.ch <- Update{
			Channel:   st.Index,
			Name:      st.Name,
			State:     st.State,
			Timestamp: now,
			Replay:    true,
		}
	}
	b.listeners[l] = struct{}{}
	b.updateGauge(transport)
	b.logger.Debug("listener connected", "transport", transport, "listeners", len(b.listeners))

	return l, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(l)
	}
}

// remove must be called with b.mu held.
func (b *Broadcaster) remove(l *Listener) {
	if _, ok := b.listeners[l]; !ok {
		return
	}
	delete(b.listeners, l)
	close(l.ch)
	b.updateGauge(l.transport)
}

func (b *Broadcaster) updateGauge(transport string) {
	n := 0
	for l := range b.listeners {
		if l.transport == transport {
			n++
		}
	}
	b.recorder.SetListeners(transport, n)
}

// Count returns the number of connected listeners.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Name implements engine.Sink.
func (b *Broadcaster) Name() string {
	return "live"
}

// Reachable implements engine.Sink. The broadcaster is always reachable;
// having no listeners is not an error.
func (b *Broadcaster) Reachable() bool {
	return true
}

// Notify implements engine.Sink. It never blocks: a listener whose buffer is
// full is disconnected.
func (b *Broadcaster) Notify(ev logic.Event) error {
	u := Update{
		ID:        ev.ID,
		Channel:   ev.Channel,
		Name:      ev.Name,
		State:     ev.State,
		Source:    string(ev.Source),
		Timestamp: ev.Timestamp,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		select {
		case l.ch <- u:
		default:
			b.logger.Warn("listener too slow, disconnecting", "transport", l.transport)
			b.remove(l)
		}
	}
	return nil
}

// Close disconnects every listener.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for l := range b.listeners {
		b.remove(l)
	}
}
