// Package engine owns the authoritative state of every light channel and is
// the only code allowed to change it.
//
// Every state change drives the physical outputs, updates the Store and then
// notifies each registered Sink, all while holding a per-channel lock. Calls
// for the same channel are therefore applied strictly one at a time and every
// sink sees a channel's events in commit order. Different channels proceed
// independently.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

// Status is the state of one channel at a point in time.
type Status struct {
	Index int
	Name  string
	State logic.State
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithIDFunc sets the event ID generator. Defaults to random UUIDs.
func WithIDFunc(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// Engine applies state changes to channels.
type Engine struct {
	registry *channel.Registry
	out      gpio.Writer
	polarity gpio.Polarity
	store    *Store

	// locks is built once in New and never modified.
	locks map[int]*sync.Mutex

	sinksMu sync.RWMutex
	sinks   []Sink

	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	recorder metrics.Recorder
}

// New creates an Engine and drives every channel to its configured default.
// No events are emitted for the defaults; bus adapters re-assert state when
// they connect.
func New(registry *channel.Registry, out gpio.Writer, polarity gpio.Polarity, opts ...Option) (*Engine, error) {
	if polarity != gpio.ActiveHigh && polarity != gpio.ActiveLow {
		return nil, fmt.Errorf("output polarity must be set")
	}

	e := &Engine{
		registry: registry,
		out:      out,
		polarity: polarity,
		store:    newStore(),
		locks:    make(map[int]*sync.Mutex, registry.Len()),
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	for _, ch := range registry.All() {
		e.locks[ch.Index()] = &sync.Mutex{}
		if err := e.drive(ch, ch.DefaultOn()); err != nil {
			return nil, fmt.Errorf("initialise channel %d: %w", ch.Index(), err)
		}
		e.store.set(ch.Index(), logic.StateOf(ch.DefaultOn()))
		e.recorder.SetChannelState(ch.Index(), ch.DefaultOn())
	}
	return e, nil
}

// AddSink registers a sink for all subsequent events.
func (e *Engine) AddSink(s Sink) {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Channels returns every channel in index order.
func (e *Engine) Channels() []channel.Channel {
	return e.registry.All()
}

// SetState drives channel index to on and fans out the resulting event.
// It is idempotent in state but not in effect: setting the current state
// again still writes the pins and still emits an event.
//
// If err wraps ErrSinkUnreachable the state change was committed and the
// returned event is valid; only delivery to some sink failed.
func (e *Engine) SetState(index int, on bool, source logic.Source) (logic.Event, error) {
	ch, err := e.registry.ByChannel(index)
	if err != nil {
		return logic.Event{}, err
	}

	lock := e.locks[index]
	lock.Lock()
	defer lock.Unlock()

	return e.apply(ch, on, source)
}

// Toggle inverts the state of channel index. The read and the write happen
// under the same lock, so concurrent toggles never lose an update.
func (e *Engine) Toggle(index int, source logic.Source) (logic.Event, error) {
	ch, err := e.registry.ByChannel(index)
	if err != nil {
		return logic.Event{}, err
	}

	lock := e.locks[index]
	lock.Lock()
	defer lock.Unlock()

	current, _ := e.store.Get(index)
	return e.apply(ch, !current.On(), source)
}

// State returns the current state of channel index.
func (e *Engine) State(index int) (logic.State, error) {
	if _, err := e.registry.ByChannel(index); err != nil {
		return "", err
	}
	st, _ := e.store.Get(index)
	return st, nil
}

// Snapshot returns the state of every channel in index order.
func (e *Engine) Snapshot() []Status {
	states := e.store.All()
	chans := e.registry.All()
	out := make([]Status, 0, len(chans))
	for _, ch := range chans {
		out = append(out, Status{Index: ch.Index(), Name: ch.Name(), State: states[ch.Index()]})
	}
	return out
}

// ReassertAll re-applies the current state of every channel, emitting one
// event per channel. Bus adapters call this after (re)connecting.
func (e *Engine) ReassertAll(source logic.Source) error {
	var errs []error
	for _, ch := range e.registry.All() {
		lock := e.locks[ch.Index()]
		lock.Lock()
		current, _ := e.store.Get(ch.Index())
		_, err := e.apply(ch, current.On(), source)
		lock.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply must be called with the channel's lock held.
func (e *Engine) apply(ch channel.Channel, on bool, source logic.Source) (logic.Event, error) {
	if err := e.drive(ch, on); err != nil {
		e.logger.Error("output write failed", "channel", ch.Index(), "error", err)
		return logic.Event{}, err
	}

	st := logic.StateOf(on)
	e.store.set(ch.Index(), st)

	ev := logic.Event{
		ID:        e.newID(),
		Channel:   ch.Index(),
		Name:      ch.Name(),
		State:     st,
		Source:    source,
		Timestamp: e.now(),
	}
	e.recorder.IncStateChange(ch.Index(), string(source), string(st))
	e.recorder.SetChannelState(ch.Index(), on)
	e.logger.Info("channel state", "channel", ch.Index(), "name", ch.Name(), "state", st, "source", source)

	return ev, e.fanout(ev)
}

// drive writes every output pin of ch. If one write fails, pins already
// written are restored to their previous level so pins and store stay in step.
func (e *Engine) drive(ch channel.Channel, on bool) error {
	level := e.polarity.Level(on)
	prev, known := e.store.Get(ch.Index())

	pins := ch.Outputs()
	for i, pin := range pins {
		if err := e.out.Write(pin, level); err != nil {
			if known {
				restore := e.polarity.Level(prev.On())
				for _, done := range pins[:i] {
					_ = e.out.Write(done, restore)
				}
			}
			return fmt.Errorf("%w: pin %d: %v", ErrOutputWrite, pin, err)
		}
	}
	return nil
}

func (e *Engine) fanout(ev logic.Event) error {
	e.sinksMu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.sinksMu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if !s.Reachable() {
			e.recorder.IncSinkSkipped(s.Name())
			e.logger.Debug("sink unreachable, event dropped", "sink", s.Name(), "channel", ev.Channel)
			continue
		}
		if err := notify(s, ev); err != nil {
			e.recorder.IncSinkFailure(s.Name())
			e.logger.Warn("sink delivery failed", "sink", s.Name(), "channel", ev.Channel, "error", err)
			errs = append(errs, &DeliveryError{Sink: s.Name(), Channel: ev.Channel, Err: err})
		}
	}
	return errors.Join(errs...)
}

// notify isolates the engine from a panicking sink.
func notify(s Sink, ev logic.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Notify(ev)
}
