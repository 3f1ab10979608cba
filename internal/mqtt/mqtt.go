// Package mqtt bridges light channels to an MQTT broker: it subscribes to one
// command topic per channel and publishes every state change as a retained
// message on the channel's state topic.
package mqtt

import (
	"encoding/json"
	"strconv"
	"time"
)

// DefaultRoot is the topic root used when none is configured.
const DefaultRoot = "lightsync"

// Topics builds every topic under a root.
//
//	<root>/<N>/command  inbound "ON" | "OFF"
//	<root>/<N>/state    outbound "ON" | "OFF", retained
//	<root>/system       lifecycle events and availability, retained
type Topics struct {
	Root string
}

// Command returns the command topic for a channel.
func (t Topics) Command(channel int) string {
	return t.root() + "/" + strconv.Itoa(channel) + "/command"
}

// State returns the state topic for a channel.
func (t Topics) State(channel int) string {
	return t.root() + "/" + strconv.Itoa(channel) + "/state"
}

// System returns the system lifecycle topic.
func (t Topics) System() string {
	return t.root() + "/system"
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultRoot
	}
	return t.Root
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "ONLINE", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload is the payload for simple system events (ONLINE, OFFLINE)
// that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	ClientID  string `json:"client_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

func availabilityPayload(event, clientID, reason string, now time.Time) []byte {
	// Only string fields, so Marshal cannot fail.
	b, _ := json.Marshal(SystemPayload{System: SystemPayloadInner{
		Timestamp: now.UTC().Format(time.RFC3339),
		Event:     event,
		ClientID:  clientID,
		Reason:    reason,
	}})
	return b
}
