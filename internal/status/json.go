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
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Dispenser     DispenserJSON `json:"dispenser"`
	Schedule      ScheduleJSON  `json:"schedule"`
	Counts        CountsJSON    `json:"event_counts"`
	Recent        []EventJSON   `json:"recent_events"`
	Port          PortJSON      `json:"port"`
	Network       *NetworkJSON  `json:"network,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// DispenserJSON mirrors the front panel.
type DispenserJSON struct {
	Busy           bool   `json:"busy"`
	Session        string `json:"session,omitempty"`
	SessionKind    string `json:"session_kind,omitempty"`
	TreatsPerHour  int    `json:"treats_per_hour"`
	Hours          int    `json:"hours"`
	TimeLeft       string `json:"time_left"`
	TotalDispensed int    `json:"total_dispensed"`
}

// ScheduleJSON is the JSON representation of the schedule run.
type ScheduleJSON struct {
	RunID            string `json:"run_id,omitempty"`
	Running          bool   `json:"running"`
	Paused           bool   `json:"paused"`
	Waiting          bool   `json:"waiting"`
	Dispensed        int    `json:"dispensed"`
	Skipped          int    `json:"skipped"`
	Index            int    `json:"index"`
	Total            int    `json:"total"`
	RemainingMinutes int    `json:"remaining_minutes"`
	Table            []int  `json:"table,omitempty"`
}

// CountsJSON is the JSON representation of event counts.
type CountsJSON struct {
	Dispensed int `json:"dispensed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Guidance  int `json:"guidance_started"`
	Schedules int `json:"schedule_started"`
}

// EventJSON is one recent event.
type EventJSON struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Source    string `json:"source,omitempty"`
	Index     *int   `json:"index,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PortJSON reports expander traffic.
type PortJSON struct {
	Reads    int `json:"reads"`
	Failures int `json:"failures"`
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
	TickMs         int64  `json:"tick_ms"`
	DebounceMs     int64  `json:"debounce_ms"`
	HeartbeatMs    int64  `json:"heartbeat_ms"`
	MotorTimeoutMs int64  `json:"motor_timeout_ms"`
	WindowMs       int64  `json:"window_ms"`
	CooldownMs     int64  `json:"cooldown_ms"`
	Bus            string `json:"bus"`
	Broker         string `json:"broker"`
	HTTPPort       string `json:"http_port"`
	WSBroker       string `json:"ws_broker,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	v := snap.View
	s := snap.Schedule

	recent := make([]EventJSON, 0, len(snap.Recent))
	for _, e := range snap.Recent {
		ej := EventJSON{
			Timestamp: e.Time.UTC().Format(time.RFC3339),
			Event:     string(e.Type),
			Source:    string(e.Source),
			Reason:    e.Reason,
		}
		if e.Index >= 0 {
			idx := e.Index
			ej.Index = &idx
		}
		recent = append(recent, ej)
	}

	return StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Dispenser: DispenserJSON{
			Busy:           v.Session != "" || s.Waiting,
			Session:        v.Session,
			SessionKind:    v.SessionKind,
			TreatsPerHour:  v.TreatsPerHour,
			Hours:          v.Hours,
			TimeLeft:       v.TimeLeft(),
			TotalDispensed: v.TotalDispensed,
		},
		Schedule: ScheduleJSON{
			RunID:            s.RunID,
			Running:          s.Running,
			Paused:           s.Paused,
			Waiting:          s.Waiting,
			Dispensed:        s.Dispensed,
			Skipped:          s.Skipped,
			Index:            s.Index,
			Total:            s.Total,
			RemainingMinutes: s.RemainingMinutes,
			Table:            []int(s.Table),
		},
		Counts: CountsJSON{
			Dispensed: snap.Counts.Dispensed,
			Skipped:   snap.Counts.Skipped,
			Cancelled: snap.Counts.Cancelled,
			Guidance:  snap.Counts.Guidance,
			Schedules: snap.Counts.Schedules,
		},
		Recent: recent,
		Port:   PortJSON{Reads: snap.Port.Reads, Failures: snap.Port.Failures},
		Config: ConfigJSON{
			TickMs:         snap.Config.TickMs,
			DebounceMs:     snap.Config.DebounceMs,
			HeartbeatMs:    snap.Config.HeartbeatMs,
			MotorTimeoutMs: snap.Config.MotorTimeoutMs,
			WindowMs:       snap.Config.WindowMs,
			CooldownMs:     snap.Config.CooldownMs,
			Bus:            snap.Config.Bus,
			Broker:         snap.Config.Broker,
			HTTPPort:       snap.Config.HTTPPort,
			WSBroker:       snap.Config.WSBroker,
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

// Build returns the status document without event or reason.
func Build(snap Snapshot) StatusJSON {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)
	return StatusJSON{Status: inner}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(Build(snap), "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
