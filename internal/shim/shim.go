package shim

import (
	_ "embed"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	//go:embed js/ipc.js
	ipcJS string
	//go:embed js/intercept.js
	interceptJS string
	//go:embed js/rpc.js
	rpcJS string
)

// Messenger is a JavaScript function expression taking one string argument
// that hands the string to the native side of an engine.
type Messenger string

// Messengers of common engines
const (
	WebKit   Messenger = "function (s) { window.webkit.messageHandlers.ipc.postMessage(s); }"
	WebView2 Messenger = "function (s) { window.chrome.webview.postMessage(s); }"
)

// Binding is a messenger that calls a global function installed by the
// adapter, for engines that expose host functions directly.
func Binding(name string) Messenger {
	return Messenger("function (s) { " + name + "(s); }")
}

// DefaultBridgeScheme is the pseudo-scheme whose fetch/XHR calls the
// interceptor turns into bridge messages.
const DefaultBridgeScheme = "ipc"

// Options selects the scripts returned by Scripts
type Options struct {
	Messenger Messenger
	// BridgeScheme enables the fetch/XHR interceptor when non-empty.
	BridgeScheme string
	// RPC installs window.rpc.
	RPC bool
}

// IPC returns the script defining window.ipc.postMessage on top of m.
func IPC(m Messenger) string {
	return strings.Replace(ipcJS, "__MESSENGER__", string(m), 1)
}

// Interceptor returns the script forwarding fetch/XHR calls to
// <scheme>://... as {id, body} bridge messages.
func Interceptor(scheme string) string {
	return strings.Replace(interceptJS, "__SCHEME__", strings.ToLower(scheme), 1)
}

// RPCClient returns the script defining window.rpc
func RPCClient() string {
	return rpcJS
}

// Scripts returns the initialization scripts in install order. window.ipc
// is always first since the others post through it.
func Scripts(opts Options) []string {
	scripts := []string{IPC(opts.Messenger)}
	if opts.BridgeScheme != "" {
		scripts = append(scripts, Interceptor(opts.BridgeScheme))
	}
	if opts.RPC {
		scripts = append(scripts, RPCClient())
	}
	return scripts
}

// ResultScript returns the script resolving RPC call id with result, which
// must be encoded JSON.
func ResultScript(id, result []byte) string {
	return "window.rpc._result(" + string(id) + ", " + string(result) + ");"
}

// ErrorScript returns the script rejecting RPC call id with error, which
// must be encoded JSON.
func ErrorScript(id, errObj []byte) string {
	return "window.rpc._error(" + string(id) + ", " + string(errObj) + ");"
}

// Envelope is the message the interceptor posts for one intercepted call.
type Envelope struct {
	ID   uint64 `json:"id"`
	Body string `json:"body"`
}

// ParseEnvelope decodes an interceptor message. Messages posted directly
// through window.ipc.postMessage are not envelopes.
func ParseEnvelope(text string) (Envelope, bool) {
	if !strings.HasPrefix(text, "{") || !strings.Contains(text, `"id"`) || !strings.Contains(text, `"body"`) {
		return Envelope{}, false
	}
	var env struct {
		ID   *uint64 `json:"id"`
		Body *string `json:"body"`
	}
	if err := sonic.UnmarshalString(text, &env); err != nil || env.ID == nil || env.Body == nil {
		return Envelope{}, false
	}
	return Envelope{ID: *env.ID, Body: *env.Body}, true
}

// Quote returns s as a JavaScript string literal.
func Quote(s string) string {
	out, err := sonic.MarshalString(s)
	if err != nil {
		return strconv.Quote(s)
	}
	return out
}
