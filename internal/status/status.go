// Package status provides a thread-safe status tracker for the treat-dispenser daemon.
// It is written by the control loop and read by HTTP handlers.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/treat-dispenser/internal/controller"
	"github.com/sweeney/treat-dispenser/internal/events"
	"github.com/sweeney/treat-dispenser/internal/schedule"
)

// RecentLimit is the number of events kept for display.
const RecentLimit = 20

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
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
	TickMs         int64
	DebounceMs     int64
	HeartbeatMs    int64
	MotorTimeoutMs int64
	WindowMs       int64
	CooldownMs     int64
	Bus            string
	Broker         string
	HTTPPort       string
	WSBroker       string // Websocket broker URL for browser MQTT (empty = disabled)
}

// EventCounts tallies events by type since startup.
type EventCounts struct {
	Dispensed int
	Skipped   int
	Cancelled int
	Guidance  int
	Schedules int
}

func (c *EventCounts) add(t events.Type) {
	switch t {
	case events.Dispensed:
		c.Dispensed++
	case events.Skipped:
		c.Skipped++
	case events.Cancelled:
		c.Cancelled++
	case events.GuidanceStarted:
		c.Guidance++
	case events.ScheduleStarted:
		c.Schedules++
	}
}

// PortStats reports expander traffic.
type PortStats struct {
	Reads    int
	Failures int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	View          controller.View
	Schedule      schedule.Snapshot
	Counts        EventCounts
	Recent        []events.Event // newest last
	Port          PortStats
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// LastEvent returns the newest event, if any.
func (s Snapshot) LastEvent() (events.Event, bool) {
	if len(s.Recent) == 0 {
		return events.Event{}, false
	}
	return s.Recent[len(s.Recent)-1], true
}

// Tracker holds mutable daemon state behind an RWMutex. It serves as the
// controller's display and as an event sink.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

var (
	_ controller.Display = (*Tracker)(nil)
	_ events.Notifier    = (*Tracker)(nil)
)

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// Refresh records the controller's display values.
func (t *Tracker) Refresh(v controller.View) {
	t.mu.Lock()
	t.snap.View = v
	t.mu.Unlock()
}

// Notify records an event.
func (t *Tracker) Notify(e events.Event) {
	t.mu.Lock()
	t.snap.Counts.add(e.Type)
	t.snap.Recent = append(t.snap.Recent, e)
	if n := len(t.snap.Recent); n > RecentLimit {
		t.snap.Recent = append([]events.Event(nil), t.snap.Recent[n-RecentLimit:]...)
	}
	t.mu.Unlock()
}

// SetSchedule records the schedule state. Called from runLoop on every tick.
func (t *Tracker) SetSchedule(s schedule.Snapshot) {
	t.mu.Lock()
	t.snap.Schedule = s
	t.mu.Unlock()
}

// SetPort records expander read statistics.
func (t *Tracker) SetPort(reads, failures int) {
	t.mu.Lock()
	t.snap.Port = PortStats{Reads: reads, Failures: failures}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
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
	s.Recent = append([]events.Event(nil), t.snap.Recent...)
	s.Schedule.Table = append(schedule.Table(nil), t.snap.Schedule.Table...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
