// Package proxy is a Deferred scheme handler that forwards requests to an
// upstream HTTP origin, typically a frontend dev server.
//
// Requests go through resty over a retryablehttp transport. The trace
// context of the dispatch is injected into the upstream request.
package proxy
