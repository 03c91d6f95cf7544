package devserver

// SocketPath is where browsers connect for updates.
const SocketPath = "/__assetpipe/ws"

// Client returns the script appended to the runtime chunk in development.
// It applies hot updates through the runtime registry and reloads when the
// chunk list changes. With overlay set, build errors cover the page, including
// errors of a build that still produced output, such as a missing dependency
// in development.
func Client(overlay bool) string {
	flag := "false"
	if overlay {
		flag = "true"
	}
	return "(function (overlay) {\n" + clientBody + "})(" + flag + ");\n"
}

const clientBody = `
  if (typeof window === "undefined" || !window.WebSocket) return;
  var rt = window.__assetpipe;
  var hash = null;
  var chunks = null;
  var overlayId = "__assetpipe_overlay";

  function hideOverlay() {
    var el = document.getElementById(overlayId);
    if (el) el.parentNode.removeChild(el);
  }

  function showOverlay(title, diags) {
    hideOverlay();
    var el = document.createElement("div");
    el.id = overlayId;
    el.style.cssText = "position:fixed;inset:0;z-index:2147483647;overflow:auto;" +
      "background:rgba(20,20,20,.92);color:#f8f8f8;font:13px/1.5 monospace;padding:24px";
    var heading = document.createElement("h2");
    heading.style.cssText = "color:#ff6b6b;margin:0 0 16px";
    heading.textContent = title;
    el.appendChild(heading);
    for (var i = 0; i < diags.length; i++) {
      var d = diags[i];
      var row = document.createElement("pre");
      row.style.cssText = "white-space:pre-wrap;margin:0 0 12px";
      var where = d.path ? d.path + (d.line ? ":" + d.line + ":" + d.column : "") + "\n" : "";
      row.textContent = "[" + d.severity + "] " + where + d.message;
      el.appendChild(row);
    }
    document.body.appendChild(el);
  }

  function blocking(diags) {
    var out = [];
    for (var i = 0; diags && i < diags.length; i++) {
      if (diags[i].severity === "error" || diags[i].severity === "fatal") out.push(diags[i]);
    }
    return out;
  }

  function report(msg) {
    var errs = blocking(msg.diagnostics);
    if (!errs.length) {
      hideOverlay();
      return;
    }
    console.error("[assetpipe] build has errors", errs);
    if (overlay) showOverlay("Build has errors", errs);
  }

  function same(a, b) {
    if (!a || !b || a.length !== b.length) return false;
    for (var i = 0; i < a.length; i++) if (a[i] !== b[i]) return false;
    return true;
  }

  function onUpdate(msg) {
    report(msg);
    if (hash === null) {
      hash = msg.hash;
      chunks = msg.chunks;
      return;
    }
    if (msg.hash === hash) return;
    if (!msg.modules || !msg.modules.length || !same(chunks, msg.chunks)) {
      window.location.reload();
      return;
    }
    try {
      rt.apply(msg.modules);
      hash = msg.hash;
    } catch (e) {
      console.error("[assetpipe] hot update failed", e);
      window.location.reload();
    }
  }

  function connect(delay) {
    var proto = window.location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + window.location.host + "` + SocketPath + `");
    ws.onopen = function () { delay = 500; };
    ws.onmessage = function (ev) {
      var msg = JSON.parse(ev.data);
      if (msg.type === "update") onUpdate(msg);
      else if (msg.type === "error") {
        console.error("[assetpipe] build failed", msg.diagnostics);
        if (overlay) showOverlay("Build failed", msg.diagnostics || []);
      }
    };
    ws.onclose = function () {
      setTimeout(function () { connect(Math.min(delay * 2, 5000)); }, delay);
    };
  }
  connect(500);
`
