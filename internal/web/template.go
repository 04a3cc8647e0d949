package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/roofctl/internal/sensor"
	"github.com/sweeney/roofctl/internal/status"
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
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "unknown"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Roof Controller</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.err { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
button { font-family: monospace; margin-right: 6px; }
</style>
</head>
<body>
<h1>Roof Controller<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Roof</h2>
<table>
<tr><th>State</th><td id="door-state">{{stateOrUnknown (printf "%s" .Door)}}</td></tr>
<tr><th>Limit</th><td class="{{if not .LimitKnown}}unknown{{else if .LimitActive}}on{{else}}off{{end}}">{{if not .LimitKnown}}unknown{{else if .LimitActive}}ON{{else}}OFF{{end}}</td></tr>
</table>
<p>
<button onclick="cmd('/roof/open')">Open</button>
<button onclick="cmd('/roof/close')">Close</button>
<button onclick="cmd('/roof/stop')">Stop</button>
</p>

<h2>Climate</h2>
<table>
<tr><th>Unit</th><th>Temp</th><th>Humidity</th><th>Dew point</th></tr>
{{range .Units}}<tr id="unit-{{.Label}}"><td>{{.Label}} ({{.SlaveID}})</td><td class="temp">-</td><td class="humi">-</td><td class="dew">-</td></tr>
{{end}}</table>

<h2>Acquisition</h2>
<table>
<tr><th>Ticks</th><td>{{.Ticks}}</td></tr>
<tr><th>Failed ticks</th><td>{{.FailedTicks}}</td></tr>
<tr><th>Subscribers</th><td>{{.Subscribers}}</td></tr>
<tr><th>Period</th><td>{{.Config.PollMs}}ms</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
</table>

<h2>Event Counts</h2>
<table>
<tr><th>Pulses</th><td>{{.Counts.Pulses}}</td></tr>
<tr><th>Holds</th><td>{{.Counts.Holds}}</td></tr>
<tr><th>Stops</th><td>{{.Counts.Stops}}</td></tr>
<tr><th>Faults</th><td>{{.Counts.Faults}}</td></tr>
<tr><th>Limit changes</th><td>{{.Counts.LimitChanges}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Version</th><td>{{.Version}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Max pulse</th><td>{{.Config.MaxPulseMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
<script>
function cmd(path) {
  fetch(path, { method: "POST" }).then(function(r) { return r.json(); }).then(function(body) {
    if (body.state) { document.getElementById("door-state").textContent = body.state; }
  });
}

(function() {
  var dot = document.getElementById("live-dot");
  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }
  function fmt(v, unit) {
    return v === null || v === undefined ? "-" : v.toFixed(1) + unit;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/api/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        Object.keys(msg.units || {}).forEach(function(label) {
          var row = document.getElementById("unit-" + label);
          if (!row) { return; }
          var u = msg.units[label];
          if (u.error) {
            row.querySelector(".temp").textContent = u.kind || "error";
            row.querySelector(".temp").className = "temp err";
            return;
          }
          row.querySelector(".temp").className = "temp";
          row.querySelector(".temp").textContent = fmt(u.temp, "°C");
          row.querySelector(".humi").textContent = fmt(u.humi, "%");
          row.querySelector(".dew").textContent = fmt(u.dewpoint, "°C");
        });
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, units []sensor.Unit, version string) error {
	data := struct {
		status.Snapshot
		Uptime  time.Duration
		Units   []sensor.Unit
		Version string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Units:    units,
		Version:  version,
	}
	return indexTmpl.Execute(w, data)
}
