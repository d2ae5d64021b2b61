// Package events defines the dispenser activity records published to MQTT
// and shown on the status page.
package events

import "time"

// Type names an event on the wire.
type Type string

const (
	Dispensed        Type = "DISPENSED"
	Skipped          Type = "SKIPPED"
	Cancelled        Type = "CANCELLED"
	GuidanceStarted  Type = "GUIDANCE_STARTED"
	ScheduleStarted  Type = "SCHEDULE_STARTED"
	SchedulePaused   Type = "SCHEDULE_PAUSED"
	ScheduleResumed  Type = "SCHEDULE_RESUMED"
	ScheduleStopped  Type = "SCHEDULE_STOPPED"
	ScheduleComplete Type = "SCHEDULE_COMPLETE"
)

// Source is the activation an event belongs to.
type Source string

const (
	Manual   Source = "manual"
	Training Source = "training"
	Schedule Source = "schedule"
)

// Event is one activity record.
type Event struct {
	Time      time.Time
	Type      Type
	Source    Source
	SessionID string
	RunID     string

	// Index is the schedule table index, or -1 outside a schedule entry.
	Index int

	// Reason is the motor stop reason for DISPENSED.
	Reason     string
	BeamBroken bool
	JamWarning bool

	// Dispensed is the schedule's dispensed count after the event.
	Dispensed int
}

// Notifier receives events. Implementations must not block the caller.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(e).
func (f NotifierFunc) Notify(e Event) { f(e) }

// Fanout delivers each event to every notifier in order.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(e Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(e)
		}
	}
}
