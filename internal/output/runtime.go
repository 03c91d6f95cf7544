package output

import (
	"encoding/json"
)

// Global is the window property holding the module registry.
const Global = "__assetpipe"

// runtimeJS is the body of the runtime chunk. Chunks register factories with
// define; the entry chunk calls start once its dependencies are loaded.
// apply swaps factories in place and re-runs the started entries.
const runtimeJS = `(function (g) {
  if (g.__assetpipe) return;
  var factories = {};
  var maps = {};
  var cache = {};
  var started = [];

  function load(id) {
    var hit = cache[id];
    if (hit) return hit.exports;
    var factory = factories[id];
    if (!factory) throw new Error("module not loaded: " + id);
    var module = cache[id] = { id: id, exports: {} };
    factory.call(module.exports, module, module.exports, requireFrom(id));
    return module.exports;
  }

  function requireFrom(id) {
    return function (spec) {
      var table = maps[id] || {};
      if (!Object.prototype.hasOwnProperty.call(table, spec)) {
        throw new Error("cannot find module '" + spec + "' from " + id);
      }
      return load(table[spec]);
    };
  }

  function style(id, css) {
    if (typeof document === "undefined") return;
    var nodes = document.head.querySelectorAll("style[data-module]");
    for (var i = 0; i < nodes.length; i++) {
      if (nodes[i].getAttribute("data-module") === id) {
        nodes[i].textContent = css;
        return;
      }
    }
    var el = document.createElement("style");
    el.setAttribute("data-module", id);
    el.textContent = css;
    document.head.appendChild(el);
  }

  g.__assetpipe = {
    define: function (id, factory, map) {
      factories[id] = factory;
      maps[id] = map || {};
    },
    start: function (id) {
      started.push(id);
      return load(id);
    },
    style: style,
    apply: function (updates) {
      for (var i = 0; i < updates.length; i++) {
        var u = updates[i];
        factories[u.id] = new Function("module", "exports", "require", u.code);
        maps[u.id] = u.map || {};
      }
      cache = {};
      for (var j = 0; j < started.length; j++) load(started[j]);
    }
  };
})(typeof self !== "undefined" ? self : this);
`

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// json.Marshal never fails for a string.
		panic(err)
	}
	return string(b)
}
