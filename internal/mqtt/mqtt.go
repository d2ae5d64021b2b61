// Package mqtt publishes dispenser activity and receives remote commands,
// with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/treat-dispenser/internal/events"
)

// Topic is the MQTT topic for dispenser activity events.
const Topic = "pets/dispenser/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "pets/dispenser/system"

// TopicCommands is subscribed for remote commands.
const TopicCommands = "pets/dispenser/commands"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a dispenser event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event events.Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Discard is a Publisher that drops everything, used when MQTT is disabled.
type Discard struct{}

func (Discard) Publish(events.Event) error     { return nil }
func (Discard) PublishSystem(SystemEvent) error { return nil }
func (Discard) Close() error                    { return nil }

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Dispenser DispenserPayload `json:"dispenser"`
}

// DispenserPayload contains the event details.
type DispenserPayload struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Source     string `json:"source"`
	SessionID  string `json:"session_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Index      *int   `json:"index,omitempty"`
	Reason     string `json:"reason,omitempty"`
	BeamBroken bool   `json:"beam_broken,omitempty"`
	JamWarning bool   `json:"jam_warning,omitempty"`
	Dispensed  int    `json:"dispensed"`
}

// FormatPayload creates the JSON payload for a dispenser event.
func FormatPayload(event events.Event) ([]byte, error) {
	p := DispenserPayload{
		Timestamp:  event.Time.UTC().Format(time.RFC3339),
		Event:      string(event.Type),
		Source:     string(event.Source),
		SessionID:  event.SessionID,
		RunID:      event.RunID,
		Reason:     event.Reason,
		BeamBroken: event.BeamBroken,
		JamWarning: event.JamWarning,
		Dispensed:  event.Dispensed,
	}
	if event.Index >= 0 {
		idx := event.Index
		p.Index = &idx
	}
	return json.Marshal(Payload{Dispenser: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
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

// CommandPayload is the JSON form of a remote command. A bare command name
// is accepted too.
type CommandPayload struct {
	Command string `json:"command"`
	Value   any    `json:"value,omitempty"`
}

// ErrEmptyCommand is returned for a payload without a command name.
var ErrEmptyCommand = errors.New("empty command")

// ParseCommand extracts the command name and value from a payload.
func ParseCommand(payload []byte) (name, value string, err error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return "", "", ErrEmptyCommand
	}
	if !strings.HasPrefix(s, "{") {
		return s, "", nil
	}

	var cmd CommandPayload
	if err := json.Unmarshal([]byte(s), &cmd); err != nil {
		return "", "", fmt.Errorf("decode command: %w", err)
	}
	if cmd.Command == "" {
		return "", "", ErrEmptyCommand
	}
	if cmd.Value != nil {
		value = fmt.Sprint(cmd.Value)
	}
	return cmd.Command, value, nil
}
