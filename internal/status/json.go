package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string         `json:"event,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Device        string         `json:"device"`
	Channels      []ChannelJSON  `json:"channels"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	StartTime     string         `json:"start_time"`
	Timestamp     string         `json:"timestamp"`
	MQTT          BusStatus      `json:"mqtt"`
	NATS          BusStatus      `json:"nats"`
	Counts        map[string]int `json:"event_counts"`
	Network       *NetworkJSON   `json:"network,omitempty"`
	Config        ConfigJSON     `json:"config"`
}

// ChannelJSON is one channel's state.
type ChannelJSON struct {
	Channel    int    `json:"channel"`
	Name       string `json:"name"`
	State      string `json:"state"`
	LastSource string `json:"last_source,omitempty"`
	LastChange string `json:"last_change,omitempty"`
}

// BusStatus reports a message bus connection state.
type BusStatus struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	URL       string `json:"url,omitempty"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollMs       int64  `json:"poll_ms"`
	DebounceMs   int64  `json:"debounce_ms"`
	HeartbeatMs  int64  `json:"heartbeat_ms"`
	OutputActive string `json:"output_active"`
	HTTPAddr     string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	channels := make([]ChannelJSON, 0, len(snap.Channels))
	for _, c := range snap.Channels {
		state := string(c.State)
		if state == "" {
			state = "UNKNOWN"
		}
		cj := ChannelJSON{
			Channel:    c.Index,
			Name:       c.Name,
			State:      state,
			LastSource: string(c.LastSource),
		}
		if !c.LastChange.IsZero() {
			cj.LastChange = c.LastChange.UTC().Format(time.RFC3339)
		}
		channels = append(channels, cj)
	}

	counts := make(map[string]int, len(snap.Counts))
	for src, n := range snap.Counts {
		counts[string(src)] = n
	}

	return StatusInner{
		Device:        snap.Config.Device,
		Channels:      channels,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          BusStatus{Enabled: snap.Config.Broker != "", Connected: snap.MQTTConnected, URL: snap.Config.Broker},
		NATS:          BusStatus{Enabled: snap.Config.NATSURL != "", Connected: snap.NATSConnected, URL: snap.Config.NATSURL},
		Counts:        counts,
		Config: ConfigJSON{
			PollMs:       snap.Config.PollMs,
			DebounceMs:   snap.Config.DebounceMs,
			HeartbeatMs:  snap.Config.HeartbeatMs,
			OutputActive: snap.Config.OutputActive,
			HTTPAddr:     snap.Config.HTTPAddr,
		},
	}
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for a bus system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
