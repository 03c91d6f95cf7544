package devserver

import "fmt"

//go:generate templ generate -f overlay.templ

// waitScript reloads the page once a build succeeds.
const waitScript = `<script>(function () {
  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "` + SocketPath + `");
    ws.onmessage = function (ev) {
      if (JSON.parse(ev.data).type === "update") location.reload();
    };
    ws.onclose = function () { setTimeout(connect, 1000); };
  }
  connect();
})();</script>`

func overlayTitle(diags []Diagnostic) string {
	if len(diags) > 0 {
		return "Build failed"
	}
	return "Building…"
}

// location is the path:line:column prefix of d, on its own line.
func location(d Diagnostic) string {
	if d.Path == "" {
		return ""
	}
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d:%d\n", d.Path, d.Line, d.Column)
	}
	return d.Path + "\n"
}
