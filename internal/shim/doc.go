// Package shim owns the scripts injected into every page.
//
//   - ipc.js defines window.ipc.postMessage over an engine messenger
//   - intercept.js turns fetch/XHR calls to the bridge scheme into
//     {id, body} messages
//   - rpc.js defines window.rpc.call and window.rpc.notify (JSON-RPC 2.0)
package shim
