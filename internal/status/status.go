// Package status provides a thread-safe status tracker for the lightsync daemon.
// It is read by HTTP handlers and lifecycle events, and it is itself a sink so
// channel states and per-source counts stay current without polling.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/lightsync/internal/engine"
	"github.com/sweeney/lightsync/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing the env-file reader from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Device       string
	PollMs       int64
	DebounceMs   int64
	HeartbeatMs  int64
	OutputActive string
	Broker       string // empty = MQTT disabled
	NATSURL      string // empty = NATS disabled
	HTTPAddr     string
}

// ChannelStatus is the last known state of one channel.
type ChannelStatus struct {
	Index      int
	Name       string
	State      logic.State
	LastSource logic.Source
	LastChange time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Channels      []ChannelStatus
	Counts        logic.EventCounts
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	NATSConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu       sync.RWMutex
	channels map[int]ChannelStatus
	snap     Snapshot
	now      func() time.Time
}

// NewTracker creates a Tracker with the given start time, config and the
// engine's initial channel states.
func NewTracker(startTime time.Time, cfg Config, initial []engine.Status) *Tracker {
	t := &Tracker{
		channels: make(map[int]ChannelStatus, len(initial)),
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Counts:    logic.EventCounts{},
		},
		now: time.Now,
	}
	for _, st := range initial {
		t.channels[st.Index] = ChannelStatus{Index: st.Index, Name: st.Name, State: st.State}
	}
	return t
}

// Name implements engine.Sink.
func (t *Tracker) Name() string {
	return "status"
}

// Reachable implements engine.Sink.
func (t *Tracker) Reachable() bool {
	return true
}

// Notify implements engine.Sink: it records the new state and counts the
// event by source.
func (t *Tracker) Notify(ev logic.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channels[ev.Channel] = ChannelStatus{
		Index:      ev.Channel,
		Name:       ev.Name,
		State:      ev.State,
		LastSource: ev.Source,
		LastChange: ev.Timestamp,
	}
	t.snap.Counts[ev.Source]++
	return nil
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNATSConnected sets the NATS connection status.
func (t *Tracker) SetNATSConnected(connected bool) {
	t.mu.Lock()
	t.snap.NATSConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Counts = t.snap.Counts.Clone()
	s.Channels = make([]ChannelStatus, 0, len(t.channels))
	for _, c := range t.channels {
		s.Channels = append(s.Channels, c)
	}
	t.mu.RUnlock()

	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Index < s.Channels[j].Index })
	s.Now = t.now()
	return s
}
