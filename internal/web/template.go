package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/treat-dispenser/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"clock": func(t time.Time) string {
		return t.UTC().Format("15:04:05")
	},
	"orDash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Treat Dispenser</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
button { font-family: monospace; margin: 2px; }
.running { color: green; font-weight: bold; }
.idle { color: #888; }
.paused { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
#result { min-height: 1.2em; }
</style>
</head>
<body>
<h1>Treat Dispenser<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Dispenser</h2>
<table>
<tr><th>Session</th><td id="session">{{orDash .View.Session}}{{if .View.SessionKind}} ({{.View.SessionKind}}){{end}}</td></tr>
<tr><th>Treats / hour</th><td id="tph">{{.View.TreatsPerHour}}</td></tr>
<tr><th>Hours</th><td id="hours">{{.View.Hours}}</td></tr>
<tr><th>Time left</th><td id="time-left">{{.View.TimeLeft}}</td></tr>
<tr><th>Dispensed (total)</th><td id="total">{{.View.TotalDispensed}}</td></tr>
</table>

<h2>Schedule</h2>
<table>
<tr><th>State</th><td id="sched-state" class="{{if .Schedule.Paused}}paused{{else if .Schedule.Running}}running{{else}}idle{{end}}">{{if .Schedule.Paused}}paused{{else if .Schedule.Running}}running{{else}}idle{{end}}</td></tr>
<tr><th>Progress</th><td id="progress">{{.Schedule.Index}} / {{.Schedule.Total}}</td></tr>
<tr><th>Dispensed</th><td id="sched-dispensed">{{.Schedule.Dispensed}}</td></tr>
<tr><th>Skipped</th><td id="sched-skipped">{{.Schedule.Skipped}}</td></tr>
{{if .Schedule.Table}}<tr><th>Table</th><td>{{.Schedule.Table.String}}</td></tr>{{end}}
{{if .Schedule.RunID}}<tr><th>Run</th><td>{{.Schedule.RunID}}</td></tr>{{end}}
</table>
{{if .Commands}}
<h2>Controls</h2>
<p>
<button data-cmd="start_manual_dispense">Dispense</button>
<button data-cmd="start_training_window">Training</button>
<button data-cmd="cancel_training">Cancel</button>
</p>
<p>
<button data-cmd="schedule_start">Start</button>
<button data-cmd="schedule_pause_or_resume">Pause / Resume</button>
<button data-cmd="schedule_stop">Stop</button>
</p>
<p>
<label>Treats/h <input id="tph-in" type="number" min="2" max="12" value="{{.View.TreatsPerHour}}"></label>
<button data-cmd="set_treats_per_hour" data-input="tph-in">Set</button>
<label>Hours <input id="hours-in" type="number" min="1" max="8" value="{{.View.Hours}}"></label>
<button data-cmd="set_hours" data-input="hours-in">Set</button>
</p>
<p id="result"></p>
{{end}}
<h2>Recent Events</h2>
<table id="recent">
{{range .Recent}}<tr><td>{{clock .Time}}</td><td>{{.Type}}</td><td>{{.Source}}</td><td>{{.Reason}}</td></tr>
{{else}}<tr><td>none</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Bus</th><td>{{.Config.Bus}}</td></tr>
<tr><th>Port reads</th><td>{{.Port.Reads}} ({{.Port.Failures}} failed)</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Motor timeout</th><td>{{.Config.MotorTimeoutMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function text(id, v) {
    var el = document.getElementById(id);
    if (el) { el.textContent = v; }
  }

  function apply(s) {
    var d = s.dispenser, sc = s.schedule;
    text("session", d.session ? d.session + " (" + d.session_kind + ")" : "-");
    text("tph", d.treats_per_hour);
    text("hours", d.hours);
    text("time-left", d.time_left);
    text("total", d.total_dispensed);
    var st = sc.paused ? "paused" : sc.running ? "running" : "idle";
    text("sched-state", st);
    document.getElementById("sched-state").className = st;
    text("progress", sc.index + " / " + sc.total);
    text("sched-dispensed", sc.dispensed);
    text("sched-skipped", sc.skipped);
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onmessage = function(m) {
      try {
        var msg = JSON.parse(m.data);
        if (msg.type === "status" && msg.data) { apply(msg.data); }
      } catch (e) {}
    };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
  }
  connect();

  document.querySelectorAll("button[data-cmd]").forEach(function(b) {
    b.addEventListener("click", function() {
      var body = new URLSearchParams();
      if (b.dataset.input) {
        body.set("value", document.getElementById(b.dataset.input).value);
      }
      fetch("/api/commands/" + b.dataset.cmd, { method: "POST", body: body })
        .then(function(r) { return r.json(); })
        .then(function(r) { text("result", r.ok ? r.command + ": ok" : r.command + ": " + r.error); })
        .catch(function(e) { text("result", String(e)); });
    });
  });
})();
</script>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var client = mqtt.connect("{{.Config.WSBroker}}", { reconnectPeriod: 5000 });
  client.on("connect", function() { client.subscribe("pets/dispenser/events"); });
  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.dispenser) {
        var row = document.createElement("tr");
        [msg.dispenser.timestamp.slice(11, 19), msg.dispenser.event, msg.dispenser.source, msg.dispenser.reason || ""].forEach(function(v) {
          var td = document.createElement("td");
          td.textContent = v;
          row.appendChild(td);
        });
        document.getElementById("recent").appendChild(row);
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, commands bool) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime   time.Duration
		Commands bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Commands: commands,
	}
	return indexTmpl.Execute(w, data)
}
