// Package button turns debounced push-button presses into channel toggles.
package button

import (
	"log/slog"
	"time"

	"github.com/sweeney/lightsync/internal/channel"
	"github.com/sweeney/lightsync/internal/gpio"
	"github.com/sweeney/lightsync/internal/logic"
	"github.com/sweeney/lightsync/internal/metrics"
)

// Toggler is the part of the engine the poller drives.
type Toggler interface {
	Toggle(index int, source logic.Source) (logic.Event, error)
}

// channelInputs holds one record per physical input of a channel.
// len(records) == len(pins) always.
type channelInputs struct {
	index   int
	pins    []int
	records []logic.InputRecord
	// readFailing tracks per-input read failures so each is logged once.
	readFailing []bool
}

// Poller samples every input on each Poll call. It is owned by a single
// goroutine and is not safe for concurrent use.
type Poller struct {
	reader     gpio.Reader
	toggler    Toggler
	debouncer  logic.Debouncer
	pressLevel bool
	channels   []channelInputs
	logger     *slog.Logger
	recorder   metrics.Recorder
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Poller) { p.recorder = r }
}

// NewPoller creates a poller for every input of chans. pressLevel is the raw
// level that means "pressed" (false with pull-up wiring).
func NewPoller(chans []channel.Channel, reader gpio.Reader, toggler Toggler, window time.Duration, pressLevel bool, opts ...Option) *Poller {
	p := &Poller{
		reader:     reader,
		toggler:    toggler,
		debouncer:  logic.NewDebouncer(window),
		pressLevel: pressLevel,
		logger:     slog.Default(),
		recorder:   metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "button")

	for _, ch := range chans {
		n := ch.InputCount()
		p.channels = append(p.channels, channelInputs{
			index:       ch.Index(),
			pins:        ch.Inputs(),
			records:     make([]logic.InputRecord, n),
			readFailing: make([]bool, n),
		})
	}
	return p
}

// Poll samples every input once and toggles each channel once per accepted
// press edge on any of its inputs. It returns the channels a toggle was
// requested for.
func (p *Poller) Poll(now time.Time) []int {
	var toggled []int
	for ci := range p.channels {
		c := &p.channels[ci]
		for i, pin := range c.pins {
			raw, err := p.reader.Read(pin)
			if err != nil {
				if !c.readFailing[i] {
					p.logger.Warn("input read failed", "channel", c.index, "pin", pin, "error", err)
					c.readFailing[i] = true
				}
				continue
			}
			if c.readFailing[i] {
				p.logger.Info("input read recovered", "channel", c.index, "pin", pin)
				c.readFailing[i] = false
			}

			edge, ok := p.debouncer.Sample(&c.records[i], raw, now)
			if !ok {
				continue
			}
			press := edge.IsPress(p.pressLevel)
			p.recorder.IncButtonEdge(c.index, press)
			p.logger.Debug("input edge", "channel", c.index, "pin", pin, "level", gpio.LevelString(edge.Level), "press", press)
			if !press {
				continue
			}

			if _, err := p.toggler.Toggle(c.index, logic.SourceButton); err != nil {
				p.logger.Warn("button toggle", "channel", c.index, "error", err)
			}
			toggled = append(toggled, c.index)
		}
	}
	return toggled
}
